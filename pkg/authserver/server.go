// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/tenantauth/pkg/authserver/domain"
	"github.com/stacklok/tenantauth/pkg/authserver/events"
	"github.com/stacklok/tenantauth/pkg/authserver/extension"
	"github.com/stacklok/tenantauth/pkg/authserver/idp"
	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/handlers"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Server is the multi-tenant authorization server. It owns the domain
// runtimes and serves every domain's endpoints from one handler.
type Server struct {
	cfg     Config
	store   storage.Storage
	domains *domain.Registry
	tokens  *token.Service
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	bus     events.Bus
	handler http.Handler

	unsubscribe func()
	cancel      context.CancelFunc
}

type options struct {
	authenticator  idp.Authenticator
	bus            events.Bus
	metrics        *telemetry.Metrics
	tracerProvider trace.TracerProvider
	users          handlers.UserResolver
	now            func() time.Time
}

// Option configures a Server.
type Option func(*options)

// WithAuthenticator enables the password grant backed by a.
func WithAuthenticator(a idp.Authenticator) Option {
	return func(o *options) { o.authenticator = a }
}

// WithEventBus delivers configuration change events from bus. Defaults to
// an in-process bus.
func WithEventBus(bus events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithMetrics records engine metrics on m and serves them at /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider traces engine operations with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithUserResolver replaces the header based end user resolver.
func WithUserResolver(r handlers.UserResolver) Option {
	return func(o *options) { o.users = r }
}

// WithClock replaces time.Now for token issuance and consent.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a Server over stor. Call Start to activate the domains.
func New(ctx context.Context, cfg Config, stor storage.Storage, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authserver config: %w", err)
	}
	if stor == nil {
		return nil, fmt.Errorf("storage is required")
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = events.NewMemoryBus()
	}
	if o.users == nil {
		o.users = handlers.HeaderUserResolver{SubjectHeader: cfg.UserHeader}
	}

	opaque, err := token.NewOpaque(cfg.HMACSecret, cfg.RotatedHMACSecrets...)
	if err != nil {
		return nil, fmt.Errorf("failed to create opaque token strategy: %w", err)
	}
	tokens := token.NewService(opaque, stor, token.WithLifespans(cfg.Lifespans), token.WithClock(o.now))

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	remote, err := jwks.NewRemoteResolver(ctx, cfg.RemoteJWKS)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		store:   stor,
		tokens:  tokens,
		metrics: o.metrics,
		tracer:  telemetry.TracerFrom(o.tracerProvider),
		bus:     o.bus,
		cancel:  cancel,
	}
	s.domains = domain.NewRegistry(domain.Config{
		Store:                         stor,
		Tokens:                        tokens,
		Certificates:                  keys.NewDefaultRegistry(),
		Extensions:                    extension.NewDefaultRegistry(remote),
		Authenticator:                 o.authenticator,
		Metrics:                       o.metrics,
		Issuer:                        cfg.Issuer,
		AllowPublicClientsWithoutPKCE: cfg.AllowPublicClientsWithoutPKCE,
		KeyRetryInterval:              cfg.KeyRetryInterval,
		KeyMaxRetries:                 cfg.KeyMaxRetries,
		ActivationConcurrency:         cfg.ActivationConcurrency,
		RepositoryTimeout:             cfg.RepositoryTimeout,
	})
	s.unsubscribe = o.bus.Subscribe(s.domains.HandleEvent)

	handlerOpts := []handlers.Option{handlers.WithUserResolver(o.users)}
	if cfg.ConsentURL != "" {
		handlerOpts = append(handlerOpts, handlers.WithConsentPage(cfg.ConsentURL))
	}
	if o.metrics != nil {
		handlerOpts = append(handlerOpts, handlers.WithMetricsHandler(o.metrics.Handler()))
	}
	s.handler = handlers.NewHandler(s, handlerOpts...).Routes()

	logger.Debugw("authserver created", "base_url", cfg.BaseURL, "password_grant", o.authenticator != nil)
	return s, nil
}

// Start activates every enabled domain. Domains that fail are logged and
// stay inactive; the first failure is returned.
func (s *Server) Start(ctx context.Context) error {
	err := s.domains.ActivateAll(ctx)
	logger.Infow("domains activated", "domains", s.domains.DomainIDs())
	return err
}

// Handler serves every domain's endpoints.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Events returns the bus configuration changes are published on.
func (s *Server) Events() events.Bus {
	return s.bus
}

// Domains returns the domain runtime registry.
func (s *Server) Domains() *domain.Registry {
	return s.domains
}

// Close tears down the domain runtimes and stops background refreshes. It
// does not close the storage.
func (s *Server) Close() error {
	s.unsubscribe()
	s.domains.Close()
	s.cancel()
	return nil
}
