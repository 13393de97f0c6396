// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"

	"github.com/stacklok/tenantauth/pkg/authserver/extension"
	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// UnknownErrorMessage is the error_description of a failed extension grant
// whose provider gave no message.
const UnknownErrorMessage = "Unknown error"

// NewExtensionStrategy returns the strategy of one configured extension
// grant, delegating the resource owner decision to provider.
func NewExtensionStrategy(env *Env, grant *storage.ExtensionGrant, provider extension.Provider) *Strategy {
	return NewStrategy(grant.GrantType, &extensionHandler{env: env, grant: grant.Clone(), provider: provider})
}

type extensionHandler struct {
	env      *Env
	grant    *storage.ExtensionGrant
	provider extension.Provider
}

func (h *extensionHandler) Handle(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error) {
	scopes, audience, err := requestedAccess(req, client)
	if err != nil {
		return nil, err
	}

	result, err := h.provider.Grant(ctx, &extension.Request{
		DomainID:  h.env.DomainID,
		Issuer:    h.env.Issuer,
		GrantType: req.GrantType,
		Client:    client,
		Form:      req.Form,
	})
	if err != nil {
		message := extension.Message(err)
		if message == "" {
			message = UnknownErrorMessage
		}
		return nil, oautherrors.NewInvalidGrantError(message, err)
	}
	if result == nil {
		return nil, oautherrors.NewInvalidGrantError(UnknownErrorMessage, nil)
	}

	if result.Scopes != nil {
		if err := oauth.ValidateScopes(result.Scopes, client.Scopes); err != nil {
			return nil, err
		}
		scopes = result.Scopes
	}
	if result.Audience != nil {
		audience = result.Audience
	}
	return h.env.issue(ctx, &token.IssueRequest{
		Client:       client,
		Subject:      result.Subject,
		Username:     result.Username,
		Scopes:       scopes,
		Audience:     audience,
		AccessToken:  true,
		RefreshToken: h.grant.IssueRefreshToken && client.HasGrantType(TypeRefreshToken),
	})
}
