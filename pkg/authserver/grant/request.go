// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"net/url"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
)

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	DomainID    string
	GrantType   string
	ClientID    string
	Form        url.Values
	RequestedAt time.Time
}

// NewTokenRequest parses form for domainID. clientID is the authenticated
// client. Any single-valued parameter sent more than once is rejected with
// invalid_request.
func NewTokenRequest(domainID, clientID string, form url.Values, now time.Time) (*TokenRequest, error) {
	if err := oauth.CheckMultiplicity(form); err != nil {
		return nil, err
	}
	return &TokenRequest{
		DomainID:    domainID,
		GrantType:   form.Get(oauth.ParamGrantType),
		ClientID:    clientID,
		Form:        form,
		RequestedAt: now,
	}, nil
}

// Scopes returns the parsed scope parameter.
func (r *TokenRequest) Scopes() []string {
	return oauth.ParseScope(r.Form.Get(oauth.ParamScope))
}

// Resources returns the resource and audience parameters.
func (r *TokenRequest) Resources() []string {
	return oauth.Resources(r.Form)
}
