// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// NewClientCredentialsStrategy returns the client_credentials grant
// (RFC 6749 section 4.4). Only an access token is issued.
func NewClientCredentialsStrategy(env *Env) *Strategy {
	return NewStrategy(TypeClientCredentials, HandlerFunc(func(
		ctx context.Context, req *TokenRequest, client *storage.Client,
	) (*token.Response, error) {
		if client.IsPublic() {
			return nil, oautherrors.NewUnauthorizedClientError("public clients cannot use the client_credentials grant", nil)
		}
		scopes, audience, err := requestedAccess(req, client)
		if err != nil {
			return nil, err
		}
		return env.issue(ctx, &token.IssueRequest{
			Client:      client,
			Subject:     client.ClientID,
			Scopes:      scopes,
			Audience:    audience,
			AccessToken: true,
		})
	}))
}

// requestedAccess validates the scope and resource parameters of req
// against the client registration.
func requestedAccess(req *TokenRequest, client *storage.Client) (scopes, audience []string, err error) {
	scopes = req.Scopes()
	if err := oauth.ValidateScopes(scopes, client.Scopes); err != nil {
		return nil, nil, err
	}
	audience = req.Resources()
	if err := oauth.ValidateResources(audience, client.Audiences); err != nil {
		return nil, nil, err
	}
	return scopes, audience, nil
}
