// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/tenantauth/pkg/authserver/domain"
	"github.com/stacklok/tenantauth/pkg/authserver/flow"
	"github.com/stacklok/tenantauth/pkg/authserver/grant"
	"github.com/stacklok/tenantauth/pkg/authserver/introspection"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// maxFormBytes bounds request bodies of the form endpoints.
const maxFormBytes = 1 << 20

// Engine is the authorization engine behind the handlers.
type Engine interface {
	// Runtime returns the runtime of an active domain.
	Runtime(domainID string) (*domain.Runtime, bool)

	// Client loads a client. Unknown clients yield storage.ErrNotFound.
	Client(ctx context.Context, domainID, clientID string) (*storage.Client, error)

	Authorize(ctx context.Context, req *flow.AuthorizationRequest, user *flow.User) (*flow.Outcome, error)
	Token(ctx context.Context, req *grant.TokenRequest, client *storage.Client) (*token.Response, error)
	Introspect(ctx context.Context, domainID, raw, hint string, caller *storage.Client) (*introspection.Response, error)
	Revoke(ctx context.Context, domainID, raw, hint string, caller *storage.Client) error
	Approve(ctx context.Context, domainID, userID, clientID string, decisions map[string]bool) error

	Now() time.Time
	Health(ctx context.Context) error
}

// Handler serves the engine's endpoints.
type Handler struct {
	engine         Engine
	users          UserResolver
	consentPageURL string
	metrics        http.Handler

	dummySecretHash func() []byte
}

// Option configures a Handler.
type Option func(*Handler)

// WithUserResolver sets how the authorization endpoint finds the end user.
func WithUserResolver(r UserResolver) Option {
	return func(h *Handler) { h.users = r }
}

// WithConsentPage sends users with pending consent to pageURL. Without it
// such requests fail with consent_required.
func WithConsentPage(pageURL string) Option {
	return func(h *Handler) { h.consentPageURL = pageURL }
}

// WithMetricsHandler serves metrics at /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler. Without a user resolver every authorization
// request fails with login_required.
func NewHandler(engine Engine, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		users:  noUsers{},
		dummySecretHash: sync.OnceValue(func() []byte {
			hash, _ := bcrypt.GenerateFromPassword([]byte("not-a-client-secret"), bcrypt.DefaultCost)
			return hash
		}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/health", h.HealthHandler)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	r.Route("/{domain}", func(r chi.Router) {
		r.Use(h.requireDomain)
		h.OAuthRoutes(r)
		h.WellKnownRoutes(r)
	})
	return r
}

// OAuthRoutes registers the OAuth endpoints on r.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/introspect", h.IntrospectHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
	r.Post("/oauth/consent", h.ConsentHandler)
}

// WellKnownRoutes registers the discovery endpoints on r.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

// HealthHandler reports whether the storage backend is reachable.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) requireDomain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.engine.Runtime(chi.URLParam(r, "domain")); !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Description: "unknown domain"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseForm parses a bounded request body.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return oautherrors.NewInvalidRequestError("malformed request body", err)
	}
	return nil
}
