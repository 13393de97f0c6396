// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grant implements the token endpoint: a dispatcher that routes
// each request to the strategy registered for its grant type.
package grant

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// ErrSkipped is returned by a strategy asked to handle a grant type it
// does not own.
var ErrSkipped = errors.New("grant type not handled by this strategy")

// Store is the persistence the built-in grants need.
type Store interface {
	storage.AuthorizationCodeStorage
	storage.TokenStorage
}

// Env is the per-domain context shared by the strategies of one dispatcher.
type Env struct {
	DomainID string
	Issuer   string
	Store    Store
	Tokens   *token.Service
	Keys     token.SignerSource
}

// signer resolves the provider that will sign client's tokens. Grants
// that consume a credential call it first so an unavailable key set
// leaves the credential usable for a retry.
func (e *Env) signer(client *storage.Client) (keys.CertificateProvider, error) {
	p, err := e.Keys.SigningProvider(client.CertificateID)
	if err != nil {
		if oautherrors.KindOf(err) != "" {
			return nil, err
		}
		return nil, oautherrors.NewServerError("failed to select signing key", err)
	}
	return p, nil
}

// issue mints tokens for req with the env's issuer, domain and keys.
func (e *Env) issue(ctx context.Context, req *token.IssueRequest) (*token.Response, error) {
	req.Issuer = e.Issuer
	req.DomainID = e.DomainID
	req.Keys = e.Keys
	resp, err := e.Tokens.Issue(ctx, req)
	if err != nil {
		if oautherrors.KindOf(err) != "" {
			return nil, err
		}
		return nil, oautherrors.NewServerError("failed to issue tokens", err)
	}
	return resp, nil
}

// Handler runs the grant-specific part of a token request.
type Handler interface {
	Handle(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error) {
	return f(ctx, req, client)
}

// Strategy binds a Handler to one grant type and enforces the checks every
// grant shares.
type Strategy struct {
	grantType string
	handler   Handler
}

// NewStrategy creates a Strategy for grantType.
func NewStrategy(grantType string, handler Handler) *Strategy {
	return &Strategy{grantType: grantType, handler: handler}
}

// GrantType returns the grant type the strategy answers to.
func (s *Strategy) GrantType() string { return s.grantType }

// Handles reports whether the strategy answers to grantType.
func (s *Strategy) Handles(grantType string) bool {
	return grantType != "" && grantType == s.grantType
}

// Grant runs the strategy. It returns ErrSkipped for another grant type and
// unauthorized_client when the client is not registered for the grant.
func (s *Strategy) Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error) {
	if !s.Handles(req.GrantType) {
		return nil, ErrSkipped
	}
	if !client.HasGrantType(s.grantType) {
		return nil, oautherrors.NewUnauthorizedClientError(
			fmt.Sprintf("client is not authorized to use the %s grant", s.grantType), nil)
	}
	return s.handler.Handle(ctx, req, client)
}
