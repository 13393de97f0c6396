// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwks publishes a domain's signing keys as a JWK Set and resolves
// keys published by remote parties.
package jwks

import (
	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
)

// Keys returns the public JWK of every provider in order. No providers
// yield an empty set.
func Keys(providers []keys.CertificateProvider) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(providers))}
	for _, p := range providers {
		set.Keys = append(set.Keys, p.PublicJWK())
	}
	return set
}

// FindKey returns the key of set whose key ID is kid.
func FindKey(set jose.JSONWebKeySet, kid string) (jose.JSONWebKey, bool) {
	if kid == "" {
		return jose.JSONWebKey{}, false
	}
	for _, k := range set.Keys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return jose.JSONWebKey{}, false
}
