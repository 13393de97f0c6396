// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// NewAuthorizationCodeStrategy returns the authorization_code grant
// (RFC 6749 section 4.1.3) with PKCE (RFC 7636).
func NewAuthorizationCodeStrategy(env *Env) *Strategy {
	return NewStrategy(TypeAuthorizationCode, &authorizationCodeHandler{env: env})
}

type authorizationCodeHandler struct {
	env *Env
}

func (h *authorizationCodeHandler) Handle(
	ctx context.Context, req *TokenRequest, client *storage.Client,
) (*token.Response, error) {
	raw := req.Form.Get(oauth.ParamCode)
	if raw == "" {
		return nil, oautherrors.NewInvalidRequestError("code is required", nil)
	}
	signature, err := h.env.Tokens.Opaque().Signature(ctx, raw)
	if err != nil {
		return nil, oautherrors.NewInvalidGrantError("the authorization code is invalid", err)
	}

	signer, err := h.env.signer(client)
	if err != nil {
		return nil, err
	}

	code, err := h.env.Store.ConsumeAuthorizationCode(ctx, h.env.DomainID, signature)
	switch {
	case errors.Is(err, storage.ErrCodeReplayed):
		h.revokeReplayed(ctx, code)
		return nil, oautherrors.NewInvalidGrantError("the authorization code has already been used", err)
	case errors.Is(err, storage.ErrNotFound):
		return nil, oautherrors.NewInvalidGrantError("the authorization code is invalid", err)
	case err != nil:
		return nil, oautherrors.NewServerError("failed to consume authorization code", err)
	}

	if code.ClientID != client.ClientID {
		return nil, oautherrors.NewInvalidGrantError("the authorization code was issued to another client", nil)
	}
	if code.IsExpired(h.env.Tokens.Now()) {
		return nil, oautherrors.NewInvalidGrantError("the authorization code has expired", nil)
	}
	if !redirectMatches(req.Form.Get(oauth.ParamRedirectURI), code) {
		return nil, oautherrors.NewInvalidGrantError("redirect_uri does not match the authorization request", nil)
	}
	if code.CodeChallenge != "" {
		verifier := req.Form.Get(oauth.ParamCodeVerifier)
		if err := crypto.VerifyPKCE(verifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
			return nil, oautherrors.NewInvalidGrantError("the code_verifier does not match the code_challenge", err)
		}
	}

	audience := code.Audience
	if resources := req.Resources(); len(resources) > 0 {
		if !isSubset(resources, code.Audience) {
			return nil, oautherrors.NewInvalidTargetError("resource was not requested in the authorization request", nil)
		}
		audience = resources
	}

	return h.env.issue(ctx, &token.IssueRequest{
		Client:       client,
		Signer:       signer,
		Subject:      code.Subject,
		Username:     code.Username,
		GrantID:      code.ID,
		Scopes:       code.Scopes,
		Audience:     audience,
		AccessToken:  true,
		RefreshToken: client.HasGrantType(TypeRefreshToken),
		IDToken:      hasOpenID(code.Scopes),
		Nonce:        code.Nonce,
		AuthTime:     code.AuthTime,
	})
}

// redirectMatches applies RFC 6749 section 4.1.3: redirect_uri must equal
// the authorization request's target, and may be left out only when the
// authorization request left it out too.
func redirectMatches(sent string, code *storage.AuthorizationCode) bool {
	if sent == "" {
		return code.RedirectURIOmitted || code.RedirectURI == ""
	}
	return sent == code.RedirectURI
}

// revokeReplayed revokes every token issued from a code presented twice.
func (h *authorizationCodeHandler) revokeReplayed(ctx context.Context, code *storage.AuthorizationCode) {
	if code == nil {
		return
	}
	log := logger.ForDomain(h.env.DomainID)
	log.Warn("authorization code replayed, revoking issued tokens", "client_id", code.ClientID, "grant_id", code.ID)
	if err := h.env.Store.RevokeGrant(ctx, h.env.DomainID, code.ID); err != nil {
		log.Error("failed to revoke tokens of replayed code", "grant_id", code.ID, "error", err)
	}
}
