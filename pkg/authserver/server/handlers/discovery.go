// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/domain"
	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// Discovery is the OpenID Provider metadata of a domain.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// JWKSHandler handles GET /{domain}/.well-known/jwks.json. It answers 503
// until the domain's keys are loaded.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	rt, _ := h.engine.Runtime(chi.URLParam(r, "domain"))
	providers, err := rt.Keys.Providers()
	if err != nil {
		writeError(w, r, err, false)
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	writeJSON(w, http.StatusOK, jwks.Keys(providers))
}

// OIDCDiscoveryHandler handles GET /{domain}/.well-known/openid-configuration.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	rt, _ := h.engine.Runtime(chi.URLParam(r, "domain"))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, NewDiscovery(rt))
}

// NewDiscovery builds the metadata document of rt.
func NewDiscovery(rt *domain.Runtime) *Discovery {
	return &Discovery{
		Issuer:                            rt.Issuer,
		AuthorizationEndpoint:             rt.Issuer + "/oauth/authorize",
		TokenEndpoint:                     rt.Issuer + "/oauth/token",
		IntrospectionEndpoint:             rt.Issuer + "/oauth/introspect",
		RevocationEndpoint:                rt.Issuer + "/oauth/revoke",
		JWKSURI:                           rt.Issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            rt.Resolver.ResponseTypes(),
		ResponseModesSupported:            []string{oauth.ResponseModeQuery, oauth.ResponseModeFragment},
		GrantTypesSupported:               rt.Dispatcher().GrantTypes(),
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  signingAlgorithms(rt.Keys),
		ScopesSupported:                   []string{"openid"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{crypto.PKCEChallengeMethodS256},
	}
}

// signingAlgorithms lists the algorithms of the loaded keys. It falls back to
// the algorithm of generated keys while keys are loading or absent.
func signingAlgorithms(m *keys.Manager) []string {
	providers, err := m.Providers()
	if err != nil || len(providers) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	var algs []string
	for _, p := range providers {
		if !slices.Contains(algs, p.Algorithm()) {
			algs = append(algs, p.Algorithm())
		}
	}
	return algs
}
