// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/domain"
	"github.com/stacklok/tenantauth/pkg/authserver/flow"
	"github.com/stacklok/tenantauth/pkg/authserver/grant"
	"github.com/stacklok/tenantauth/pkg/authserver/introspection"
	"github.com/stacklok/tenantauth/pkg/authserver/server/handlers"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

var _ handlers.Engine = (*Server)(nil)

// outcomeConsentPending labels authorizations waiting for the user's consent.
const outcomeConsentPending = "consent_pending"

// bound limits the storage work of one request.
func (s *Server) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RepositoryTimeout)
}

func (s *Server) runtime(domainID string) (*domain.Runtime, error) {
	rt, ok := s.domains.Get(domainID)
	if !ok {
		return nil, oautherrors.NewInvalidRequestError("unknown domain", nil)
	}
	return rt, nil
}

// Runtime implements handlers.Engine.
func (s *Server) Runtime(domainID string) (*domain.Runtime, bool) {
	return s.domains.Get(domainID)
}

// Client implements handlers.Engine.
func (s *Server) Client(ctx context.Context, domainID, clientID string) (*storage.Client, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.GetClient(ctx, domainID, clientID)
}

// Authorize runs an authorization request through the domain's flow resolver.
func (s *Server) Authorize(ctx context.Context, req *flow.AuthorizationRequest, user *flow.User) (outcome *flow.Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "flow.Authorize", req.DomainID,
		telemetry.AttrClientID.String(req.ClientID), telemetry.AttrResponseType.String(req.ResponseType))
	defer func() {
		label := telemetry.Outcome(err)
		if err == nil && outcome.State == flow.StateClientValidated {
			label = outcomeConsentPending
		}
		s.metrics.ObserveAuthorization(req.DomainID, req.ResponseType, label)
		telemetry.EndSpan(span, err)
	}()

	rt, err := s.runtime(req.DomainID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return rt.Resolver.Authorize(ctx, req, user)
}

// Token dispatches a token request to the domain's grant strategies.
func (s *Server) Token(ctx context.Context, req *grant.TokenRequest, client *storage.Client) (resp *token.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "grant.Dispatch", req.DomainID,
		telemetry.AttrClientID.String(client.ClientID), telemetry.AttrGrantType.String(req.GrantType))
	defer func() {
		s.metrics.ObserveGrant(req.DomainID, req.GrantType, err)
		telemetry.EndSpan(span, err)
	}()

	rt, err := s.runtime(req.DomainID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return rt.Dispatcher().Grant(ctx, req, client)
}

// Introspect answers an RFC 7662 request.
func (s *Server) Introspect(ctx context.Context, domainID, raw, hint string, caller *storage.Client) (resp *introspection.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "introspection.Introspect", domainID)
	defer func() {
		if err == nil {
			s.metrics.ObserveIntrospection(domainID, resp.Active)
		}
		telemetry.EndSpan(span, err)
	}()

	rt, err := s.runtime(domainID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return rt.Introspection.Introspect(ctx, domainID, raw, hint, caller)
}

// Revoke answers an RFC 7009 request.
func (s *Server) Revoke(ctx context.Context, domainID, raw, hint string, caller *storage.Client) (err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "introspection.Revoke", domainID)
	defer func() { telemetry.EndSpan(span, err) }()

	rt, err := s.runtime(domainID)
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return rt.Introspection.Revoke(ctx, domainID, raw, hint, caller)
}

// Approve records the end user's consent decisions for a client. Every
// decided scope must be registered for the client.
func (s *Server) Approve(ctx context.Context, domainID, userID, clientID string, decisions map[string]bool) error {
	rt, err := s.runtime(domainID)
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	client, err := s.store.GetClient(ctx, domainID, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return oautherrors.NewInvalidRequestError("unknown client", nil)
	}
	if err != nil {
		return oautherrors.NewServerError("failed to load client", err)
	}
	for scope := range decisions {
		if !slices.Contains(client.Scopes, scope) {
			return oautherrors.NewInvalidScopeError("scope "+scope+" is not registered for the client", nil)
		}
	}
	if err := rt.Consent.Approve(ctx, domainID, userID, clientID, decisions); err != nil {
		return oautherrors.NewServerError("failed to record consent", err)
	}
	return nil
}

// Now implements handlers.Engine.
func (s *Server) Now() time.Time {
	return s.tokens.Now()
}

// Health checks the storage backend.
func (s *Server) Health(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.Health(ctx)
}
