// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"

	"github.com/stacklok/tenantauth/pkg/authserver/idp"
	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// NewPasswordStrategy returns the resource owner password credentials
// grant (RFC 6749 section 4.3).
func NewPasswordStrategy(env *Env, authenticator idp.Authenticator) *Strategy {
	return NewStrategy(TypePassword, &passwordHandler{env: env, authenticator: authenticator})
}

type passwordHandler struct {
	env           *Env
	authenticator idp.Authenticator
}

func (h *passwordHandler) Handle(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error) {
	username := req.Form.Get(oauth.ParamUsername)
	password := req.Form.Get(oauth.ParamPassword)
	if username == "" || password == "" {
		return nil, oautherrors.NewInvalidRequestError("username and password are required", nil)
	}
	scopes, audience, err := requestedAccess(req, client)
	if err != nil {
		return nil, err
	}

	user, err := h.authenticator.Authenticate(ctx, h.env.DomainID, username, password)
	switch {
	case errors.Is(err, idp.ErrInvalidCredentials):
		return nil, oautherrors.NewInvalidGrantError("invalid resource owner credentials", err)
	case err != nil:
		return nil, oautherrors.NewServerError("failed to authenticate resource owner", err)
	}

	return h.env.issue(ctx, &token.IssueRequest{
		Client:       client,
		Subject:      user.Subject,
		Username:     user.Username,
		Scopes:       scopes,
		Audience:     audience,
		AccessToken:  true,
		RefreshToken: client.HasGrantType(TypeRefreshToken),
		IDToken:      hasOpenID(scopes),
		AuthTime:     h.env.Tokens.Now(),
	})
}
