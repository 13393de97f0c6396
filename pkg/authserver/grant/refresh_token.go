// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// NewRefreshTokenStrategy returns the refresh_token grant (RFC 6749
// section 6). Refresh tokens rotate: each one is consumed on use.
func NewRefreshTokenStrategy(env *Env) *Strategy {
	return NewStrategy(TypeRefreshToken, &refreshTokenHandler{env: env})
}

type refreshTokenHandler struct {
	env *Env
}

func (h *refreshTokenHandler) Handle(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error) {
	raw := req.Form.Get(oauth.ParamRefreshToken)
	if raw == "" {
		return nil, oautherrors.NewInvalidRequestError("refresh_token is required", nil)
	}
	signature, err := h.env.Tokens.Opaque().Signature(ctx, raw)
	if err != nil {
		return nil, oautherrors.NewInvalidGrantError("the refresh token is invalid", err)
	}

	current, err := h.env.Store.GetToken(ctx, h.env.DomainID, signature)
	if err != nil {
		return nil, lookupError(err)
	}
	if current.Type != storage.TokenTypeRefresh {
		return nil, oautherrors.NewInvalidGrantError("the refresh token is invalid", nil)
	}
	if current.ClientID != client.ClientID {
		return nil, oautherrors.NewInvalidGrantError("the refresh token was issued to another client", nil)
	}

	scopes := current.Scopes
	if requested := req.Scopes(); len(requested) > 0 {
		if !isSubset(requested, current.Scopes) {
			return nil, oautherrors.NewInvalidScopeError("the requested scope exceeds the scope originally granted", nil)
		}
		scopes = requested
	}

	signer, err := h.env.signer(client)
	if err != nil {
		return nil, err
	}

	// Consume only once the request is known to be valid. A concurrent use
	// of the same token loses here.
	consumed, err := h.env.Store.ConsumeToken(ctx, h.env.DomainID, signature)
	if err != nil {
		return nil, lookupError(err)
	}
	if consumed.IsExpired(h.env.Tokens.Now()) {
		return nil, oautherrors.NewInvalidGrantError("the refresh token has expired", nil)
	}

	return h.env.issue(ctx, &token.IssueRequest{
		Client:       client,
		Signer:       signer,
		Subject:      consumed.Subject,
		Username:     consumed.Username,
		GrantID:      consumed.GrantID,
		Scopes:       scopes,
		Audience:     consumed.Audience,
		AccessToken:  true,
		RefreshToken: true,
		IDToken:      hasOpenID(scopes),
	})
}

func lookupError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return oautherrors.NewInvalidGrantError("the refresh token is invalid", err)
	}
	return oautherrors.NewServerError("failed to load refresh token", err)
}
