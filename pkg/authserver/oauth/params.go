// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth holds the protocol helpers shared by the token and
// authorization endpoints: parameter multiplicity, scope parsing, resource
// indicators and error redirects.
package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// Parameter names.
const (
	ParamGrantType           = "grant_type"
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamCode                = "code"
	ParamCodeVerifier        = "code_verifier"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamRedirectURI         = "redirect_uri"
	ParamRefreshToken        = "refresh_token"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamResource            = "resource"
	ParamAudience            = "audience"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
	ParamAssertion           = "assertion"
)

// multiValued lists the parameters that may legitimately repeat.
var multiValued = []string{ParamResource, ParamAudience}

// CheckMultiplicity rejects a request in which any single-valued parameter
// appears more than once.
func CheckMultiplicity(form url.Values) error {
	var repeated []string
	for name, values := range form {
		if len(values) > 1 && !slices.Contains(multiValued, name) {
			repeated = append(repeated, name)
		}
	}
	if len(repeated) == 0 {
		return nil
	}
	sort.Strings(repeated)
	return oautherrors.NewInvalidRequestError(
		fmt.Sprintf("parameters must not be included more than once: %s", strings.Join(repeated, ", ")), nil)
}

// ParseScope splits a space-delimited scope value and drops duplicates,
// keeping the first occurrence order.
func ParseScope(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// ValidateScopes fails with invalid_scope when requested holds a scope
// outside allowed.
func ValidateScopes(requested, allowed []string) error {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return oautherrors.NewInvalidScopeError(fmt.Sprintf("scope %q is not allowed for this client", s), nil)
		}
	}
	return nil
}

// ValidateResources checks RFC 8707 resource indicators: each must be an
// absolute http(s) URI without a fragment and, when allowed is non-empty,
// listed in it.
func ValidateResources(resources, allowed []string) error {
	for _, r := range resources {
		u, err := url.Parse(r)
		if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return oautherrors.NewInvalidTargetError(fmt.Sprintf("resource %q must be an absolute http(s) URI", r), err)
		}
		if u.Fragment != "" || strings.Contains(r, "#") {
			return oautherrors.NewInvalidTargetError(fmt.Sprintf("resource %q must not contain a fragment", r), nil)
		}
		if len(allowed) > 0 && !slices.Contains(allowed, r) {
			return oautherrors.NewInvalidTargetError(fmt.Sprintf("resource %q is not allowed for this client", r), nil)
		}
	}
	return nil
}

// Resources returns the resource and audience values of form, deduplicated.
func Resources(form url.Values) []string {
	var out []string
	for _, name := range multiValued {
		for _, v := range form[name] {
			if v != "" && !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}
