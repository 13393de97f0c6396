// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// Context is what a strategy needs to build the authorization response.
type Context struct {
	Request *AuthorizationRequest
	Client  *storage.Client
	User    *User

	// RedirectURI is the validated redirect target, resolved from the
	// client's single registered URI when the request omitted it.
	RedirectURI string

	// Scopes are the consented scopes.
	Scopes []string
}

// Strategy builds the response for a set of response types.
type Strategy interface {
	// ResponseTypes returns the normalised response types handled.
	ResponseTypes() []string

	// DefaultResponseMode is used when the request names none.
	DefaultResponseMode() string

	Respond(ctx context.Context, ac *Context) (url.Values, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error
}

// Env is the per-domain context shared by the flow strategies.
type Env struct {
	DomainID string
	Issuer   string
	Codes    CodeStore
	Tokens   *token.Service
	Keys     token.SignerSource
}

// CodeFlow is the authorization code flow (RFC 6749 section 4.1).
type CodeFlow struct {
	env *Env
}

// NewCodeFlow creates a CodeFlow.
func NewCodeFlow(env *Env) *CodeFlow { return &CodeFlow{env: env} }

// ResponseTypes implements Strategy.
func (*CodeFlow) ResponseTypes() []string { return []string{ResponseTypeCode} }

// DefaultResponseMode implements Strategy.
func (*CodeFlow) DefaultResponseMode() string { return oauth.ResponseModeQuery }

// Respond stores a new code bound to the user and the request.
func (f *CodeFlow) Respond(ctx context.Context, ac *Context) (url.Values, error) {
	raw, _, err := f.env.newCode(ctx, ac)
	if err != nil {
		return nil, err
	}
	return url.Values{oauth.ParamCode: {raw}}, nil
}

// ImplicitFlow issues tokens from the authorization endpoint
// (RFC 6749 section 4.2, OIDC Core section 3.2).
type ImplicitFlow struct {
	env *Env
}

// NewImplicitFlow creates an ImplicitFlow.
func NewImplicitFlow(env *Env) *ImplicitFlow { return &ImplicitFlow{env: env} }

// ResponseTypes implements Strategy.
func (*ImplicitFlow) ResponseTypes() []string {
	return []string{ResponseTypeToken, ResponseTypeIDToken, NormalizeResponseType("id_token token")}
}

// DefaultResponseMode implements Strategy.
func (*ImplicitFlow) DefaultResponseMode() string { return oauth.ResponseModeFragment }

// Respond mints the requested tokens. No refresh token is issued.
func (f *ImplicitFlow) Respond(ctx context.Context, ac *Context) (url.Values, error) {
	return f.env.frontChannelTokens(ctx, ac, "", "", url.Values{})
}

// HybridFlow returns a code together with tokens (OIDC Core section 3.3).
type HybridFlow struct {
	env *Env
}

// NewHybridFlow creates a HybridFlow.
func NewHybridFlow(env *Env) *HybridFlow { return &HybridFlow{env: env} }

// ResponseTypes implements Strategy.
func (*HybridFlow) ResponseTypes() []string {
	return []string{
		NormalizeResponseType("code id_token"),
		NormalizeResponseType("code token"),
		NormalizeResponseType("code id_token token"),
	}
}

// DefaultResponseMode implements Strategy.
func (*HybridFlow) DefaultResponseMode() string { return oauth.ResponseModeFragment }

// Respond stores a code and mints the front channel tokens under the code's
// grant, so that a replay of the code revokes them as well.
func (f *HybridFlow) Respond(ctx context.Context, ac *Context) (url.Values, error) {
	raw, code, err := f.env.newCode(ctx, ac)
	if err != nil {
		return nil, err
	}
	return f.env.frontChannelTokens(ctx, ac, code.ID, raw, url.Values{oauth.ParamCode: {raw}})
}

func (e *Env) newCode(ctx context.Context, ac *Context) (string, *storage.AuthorizationCode, error) {
	raw, signature, err := e.Tokens.Opaque().Generate(ctx)
	if err != nil {
		return "", nil, oautherrors.NewServerError("failed to generate authorization code", err)
	}
	now := e.Tokens.Now()
	code := &storage.AuthorizationCode{
		ID:                  uuid.NewString(),
		Signature:           signature,
		DomainID:            e.DomainID,
		ClientID:            ac.Client.ClientID,
		Subject:             ac.User.Subject,
		Username:            ac.User.Username,
		RedirectURI:         ac.RedirectURI,
		RedirectURIOmitted:  ac.Request.RedirectURI == "",
		Scopes:              ac.Scopes,
		Audience:            ac.Request.Resources,
		CodeChallenge:       ac.Request.CodeChallenge,
		CodeChallengeMethod: ac.Request.CodeChallengeMethod,
		Nonce:               ac.Request.Nonce,
		AuthTime:            ac.User.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.Tokens.Lifespans().AuthCode),
	}
	if err := e.Codes.CreateAuthorizationCode(ctx, code); err != nil {
		return "", nil, oautherrors.NewServerError("failed to store authorization code", err)
	}
	return raw, code, nil
}

func (e *Env) frontChannelTokens(ctx context.Context, ac *Context, grantID, code string, out url.Values) (url.Values, error) {
	req := ac.Request
	resp, err := e.Tokens.Issue(ctx, &token.IssueRequest{
		Issuer:      e.Issuer,
		DomainID:    e.DomainID,
		Client:      ac.Client,
		Keys:        e.Keys,
		Subject:     ac.User.Subject,
		Username:    ac.User.Username,
		GrantID:     grantID,
		Scopes:      ac.Scopes,
		Audience:    req.Resources,
		AccessToken: req.Has(ResponseTypeToken),
		IDToken:     req.Has(ResponseTypeIDToken),
		Nonce:       req.Nonce,
		AuthTime:    ac.User.AuthTime,
		Code:        code,
	})
	if err != nil {
		if oautherrors.KindOf(err) != "" {
			return nil, err
		}
		return nil, oautherrors.NewServerError("failed to issue tokens", err)
	}
	if resp.AccessToken != "" {
		out.Set("access_token", resp.AccessToken)
		out.Set("token_type", resp.TokenType)
		out.Set("expires_in", strconv.Itoa(int(resp.ExpiresIn.Seconds())))
		out.Set(oauth.ParamScope, strings.Join(resp.Scopes, " "))
	}
	if resp.IDToken != "" {
		out.Set("id_token", resp.IDToken)
	}
	return out, nil
}
