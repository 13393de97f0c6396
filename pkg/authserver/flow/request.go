// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
)

// Response type components.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// AuthorizationRequest is a parsed authorization endpoint request.
type AuthorizationRequest struct {
	DomainID string

	// ResponseType is normalised: its components sorted and space separated.
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	ResponseMode        string
	Resources           []string
}

// ParseAuthorizationRequest parses form for domainID. Any single-valued
// parameter sent more than once is rejected with invalid_request.
func ParseAuthorizationRequest(domainID string, form url.Values) (*AuthorizationRequest, error) {
	if err := oauth.CheckMultiplicity(form); err != nil {
		return nil, err
	}
	return &AuthorizationRequest{
		DomainID:            domainID,
		ResponseType:        NormalizeResponseType(form.Get(oauth.ParamResponseType)),
		ClientID:            form.Get(oauth.ParamClientID),
		RedirectURI:         form.Get(oauth.ParamRedirectURI),
		Scopes:              oauth.ParseScope(form.Get(oauth.ParamScope)),
		State:               form.Get(oauth.ParamState),
		CodeChallenge:       form.Get(oauth.ParamCodeChallenge),
		CodeChallengeMethod: form.Get(oauth.ParamCodeChallengeMethod),
		Nonce:               form.Get(oauth.ParamNonce),
		ResponseMode:        form.Get(oauth.ParamResponseMode),
		Resources:           oauth.Resources(form),
	}, nil
}

// NormalizeResponseType sorts the components of a response_type value so
// that "token id_token" and "id_token token" compare equal.
func NormalizeResponseType(rt string) string {
	parts := strings.Fields(rt)
	slices.Sort(parts)
	return strings.Join(slices.Compact(parts), " ")
}

// Has reports whether the response type contains component.
func (r *AuthorizationRequest) Has(component string) bool {
	return slices.Contains(strings.Fields(r.ResponseType), component)
}

// User is the authenticated end user of an authorization request.
type User struct {
	Subject  string
	Username string
	AuthTime time.Time
}
