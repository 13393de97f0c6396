// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"slices"

	"github.com/ory/fosite"
)

// Built-in grant types.
const (
	TypeAuthorizationCode = string(fosite.GrantTypeAuthorizationCode)
	TypeRefreshToken      = string(fosite.GrantTypeRefreshToken)
	TypeClientCredentials = string(fosite.GrantTypeClientCredentials)
	TypePassword          = string(fosite.GrantTypePassword)
	TypeImplicit          = string(fosite.GrantTypeImplicit)
)

// ScopeOpenID requests an ID token.
const ScopeOpenID = "openid"

func hasOpenID(scopes []string) bool {
	return slices.Contains(scopes, ScopeOpenID)
}

// isSubset reports whether every element of sub is in set.
func isSubset(sub, set []string) bool {
	for _, s := range sub {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}
