// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package domain keeps the runtime of every active domain: its signing keys,
// grant dispatcher, authorization resolver and introspection service.
// Runtimes are built on activation, rebuilt on configuration events and torn
// down on deactivation.
package domain

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/tenantauth/pkg/authserver/consent"
	"github.com/stacklok/tenantauth/pkg/authserver/events"
	"github.com/stacklok/tenantauth/pkg/authserver/extension"
	"github.com/stacklok/tenantauth/pkg/authserver/flow"
	"github.com/stacklok/tenantauth/pkg/authserver/grant"
	"github.com/stacklok/tenantauth/pkg/authserver/idp"
	"github.com/stacklok/tenantauth/pkg/authserver/introspection"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// DefaultActivationConcurrency bounds parallel activations in ActivateAll.
const DefaultActivationConcurrency = 8

// ErrDomainDisabled is returned when activating a disabled domain.
var ErrDomainDisabled = errors.New("domain is disabled")

// Config holds what every runtime is built from.
type Config struct {
	Store        storage.Storage
	Tokens       *token.Service
	Certificates *keys.Registry
	Extensions   *extension.Registry

	// Authenticator backs the password grant. Nil disables the grant.
	Authenticator idp.Authenticator

	Metrics *telemetry.Metrics

	// Issuer returns the issuer URL of a domain.
	Issuer func(domainID string) string

	// AllowPublicClientsWithoutPKCE turns off the PKCE requirement for
	// public clients.
	AllowPublicClientsWithoutPKCE bool

	KeyRetryInterval      time.Duration
	KeyMaxRetries         uint
	ActivationConcurrency int

	// RepositoryTimeout bounds the storage work of one activation or event,
	// and of each signing key load attempt.
	RepositoryTimeout time.Duration
}

// Runtime is the engine of one active domain. Its fields do not change
// after activation except the dispatcher, which is swapped atomically.
type Runtime struct {
	Domain        *storage.Domain
	Issuer        string
	Keys          *keys.Manager
	Resolver      *flow.Resolver
	Consent       *consent.Service
	Introspection *introspection.Service

	cfg        *Config
	env        *grant.Env
	dispatcher atomic.Pointer[grant.Dispatcher]
	rebuildMu  sync.Mutex
}

// Dispatcher returns the current grant dispatcher.
func (rt *Runtime) Dispatcher() *grant.Dispatcher {
	return rt.dispatcher.Load()
}

// RebuildGrants rebuilds the dispatcher from the built-in grants and the
// domain's extension grants. An extension grant whose provider cannot be
// built or whose grant type is missing or taken is logged and left out.
func (rt *Runtime) RebuildGrants(ctx context.Context) error {
	rt.rebuildMu.Lock()
	defer rt.rebuildMu.Unlock()

	strategies := []*grant.Strategy{
		grant.NewAuthorizationCodeStrategy(rt.env),
		grant.NewRefreshTokenStrategy(rt.env),
		grant.NewClientCredentialsStrategy(rt.env),
	}
	if rt.cfg.Authenticator != nil {
		strategies = append(strategies, grant.NewPasswordStrategy(rt.env, rt.cfg.Authenticator))
	}

	grants, err := rt.cfg.Store.ListExtensionGrants(ctx, rt.Domain.ID)
	if err != nil {
		return fmt.Errorf("failed to list extension grants: %w", err)
	}
	log := logger.ForDomain(rt.Domain.ID)
	for _, g := range grants {
		if g.GrantType == "" {
			log.Error("extension grant has no grant type", "extension_grant", g.ID)
			continue
		}
		if slices.ContainsFunc(strategies, func(s *grant.Strategy) bool { return s.Handles(g.GrantType) }) {
			log.Error("extension grant type already handled", "extension_grant", g.ID, "grant_type", g.GrantType)
			continue
		}
		provider, err := rt.cfg.Extensions.Create(ctx, g)
		if err != nil {
			log.Error("failed to create extension grant provider", "extension_grant", g.ID, "type", g.Type, "error", err)
			continue
		}
		strategies = append(strategies, grant.NewExtensionStrategy(rt.env, g, provider))
	}

	d, err := grant.NewDispatcher(strategies...)
	if err != nil {
		return err
	}
	rt.dispatcher.Store(d)
	log.Debug("grant dispatcher rebuilt", "grant_types", d.GrantTypes())
	return nil
}

func (rt *Runtime) stop() {
	rt.Keys.Stop()
}

// Registry holds the runtimes of active domains. Readers never lock;
// writers replace the whole map. Activations of one domain are serialised.
type Registry struct {
	cfg      Config
	runtimes atomic.Pointer[map[string]*Runtime]
	writeMu  sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.ActivationConcurrency <= 0 {
		cfg.ActivationConcurrency = DefaultActivationConcurrency
	}
	if cfg.RepositoryTimeout <= 0 {
		cfg.RepositoryTimeout = keys.DefaultLoadTimeout
	}
	r := &Registry{cfg: cfg, locks: map[string]*sync.Mutex{}}
	empty := map[string]*Runtime{}
	r.runtimes.Store(&empty)
	return r
}

// Get returns the runtime of an active domain.
func (r *Registry) Get(domainID string) (*Runtime, bool) {
	rt, ok := (*r.runtimes.Load())[domainID]
	return rt, ok
}

// DomainIDs returns the active domains, sorted.
func (r *Registry) DomainIDs() []string {
	return slices.Sorted(maps.Keys(*r.runtimes.Load()))
}

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.RepositoryTimeout)
}

// lockDomain serialises activation and deactivation of domainID.
func (r *Registry) lockDomain(domainID string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[domainID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[domainID] = mu
	}
	r.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Activate builds the runtime of domainID and replaces any previous one.
// A disabled domain is deactivated and ErrDomainDisabled returned.
//
// When the domain is already active with ready signing keys, the new
// runtime keeps the old key manager, so readers never see the domain
// without keys and issued tokens keep verifying. Certificate changes reach
// it through CertificatesChanged.
func (r *Registry) Activate(ctx context.Context, domainID string) error {
	defer r.lockDomain(domainID)()
	ctx, cancel := r.bound(ctx)
	defer cancel()

	d, err := r.cfg.Store.GetDomain(ctx, domainID)
	if err != nil {
		return fmt.Errorf("failed to load domain %q: %w", domainID, err)
	}
	if !d.Enabled {
		r.deactivate(domainID)
		return fmt.Errorf("%w: %q", ErrDomainDisabled, domainID)
	}

	var reuse *keys.Manager
	if prev, ok := r.Get(domainID); ok && isReady(prev.Keys) {
		reuse = prev.Keys
	}
	rt, err := r.build(ctx, d, reuse)
	if err != nil {
		return fmt.Errorf("failed to activate domain %q: %w", domainID, err)
	}

	old := r.swap(func(m map[string]*Runtime) { m[domainID] = rt })[domainID]
	if old != nil && old.Keys != rt.Keys {
		old.stop()
	}
	logger.ForDomain(domainID).Info("domain activated", "issuer", rt.Issuer, "keys_reused", reuse != nil)
	return nil
}

func isReady(m *keys.Manager) bool {
	select {
	case <-m.Ready():
		return true
	default:
		return false
	}
}

// Deactivate tears down the runtime of domainID, if any.
func (r *Registry) Deactivate(domainID string) {
	defer r.lockDomain(domainID)()
	r.deactivate(domainID)
}

func (r *Registry) deactivate(domainID string) {
	old := r.swap(func(m map[string]*Runtime) { delete(m, domainID) })[domainID]
	if old == nil {
		return
	}
	old.stop()
	r.cfg.Metrics.ForgetDomain(domainID)
	logger.ForDomain(domainID).Info("domain deactivated")
}

// ActivateAll activates every enabled domain in parallel. Failures are
// logged; the first one is returned after all activations finish.
func (r *Registry) ActivateAll(ctx context.Context) error {
	domains, err := r.cfg.Store.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to list domains: %w", err)
	}

	var (
		g        errgroup.Group
		firstMu  sync.Mutex
		firstErr error
	)
	g.SetLimit(r.cfg.ActivationConcurrency)
	for _, d := range domains {
		if !d.Enabled {
			continue
		}
		g.Go(func() error {
			if err := r.Activate(ctx, d.ID); err != nil {
				logger.ForDomain(d.ID).Error("failed to activate domain", "error", err)
				firstMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				firstMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

// HandleEvent applies a configuration change. It is an events.Handler.
func (r *Registry) HandleEvent(ctx context.Context, e events.Event) {
	log := logger.ForDomain(e.DomainID)
	ctx, cancel := r.bound(ctx)
	defer cancel()
	var err error
	switch e.Type {
	case events.DomainUpdated:
		err = r.Activate(ctx, e.DomainID)
		if errors.Is(err, ErrDomainDisabled) {
			err = nil
		}
	case events.DomainDeleted:
		r.Deactivate(e.DomainID)
	case events.CertificatesChanged:
		if rt, ok := r.Get(e.DomainID); ok {
			err = rt.Keys.Reload(ctx)
		}
	case events.ExtensionGrantsChanged:
		if rt, ok := r.Get(e.DomainID); ok {
			err = rt.RebuildGrants(ctx)
		}
	default:
		log.Debug("ignoring event", "type", string(e.Type))
		return
	}
	if err != nil {
		log.Error("failed to apply event", "type", string(e.Type), "resource_id", e.ResourceID, "error", err)
	}
}

// Close tears down every runtime.
func (r *Registry) Close() {
	old := r.swap(func(m map[string]*Runtime) { clear(m) })
	for _, rt := range old {
		rt.stop()
	}
}

// swap applies fn to a copy of the runtime map, publishes it and returns the
// previous map.
func (r *Registry) swap(fn func(map[string]*Runtime)) map[string]*Runtime {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	prev := *r.runtimes.Load()
	next := maps.Clone(prev)
	fn(next)
	r.runtimes.Store(&next)
	r.cfg.Metrics.SetActiveDomains(len(next))
	return prev
}

// build assembles the runtime of d. A non-nil manager is carried over from
// the live runtime; otherwise a new one is created and started.
func (r *Registry) build(ctx context.Context, d *storage.Domain, manager *keys.Manager) (*Runtime, error) {
	cfg := &r.cfg
	issuer := cfg.Issuer(d.ID)

	reused := manager != nil
	if !reused {
		managerOpts := []keys.ManagerOption{
			keys.WithDefaultCertificate(d.DefaultCertificateID),
			keys.WithMetrics(cfg.Metrics),
			keys.WithMaxRetries(cfg.KeyMaxRetries),
			keys.WithLoadTimeout(cfg.RepositoryTimeout),
		}
		if cfg.KeyRetryInterval > 0 {
			managerOpts = append(managerOpts, keys.WithRetryInterval(cfg.KeyRetryInterval))
		}
		manager = keys.NewManager(d.ID, cfg.Store, cfg.Certificates, managerOpts...)
	}

	consentSvc := consent.NewService(cfg.Store, consent.WithClock(cfg.Tokens.Now))
	flowEnv := &flow.Env{DomainID: d.ID, Issuer: issuer, Codes: cfg.Store, Tokens: cfg.Tokens, Keys: manager}
	resolver, err := flow.NewResolver(cfg.Store, consentSvc,
		[]flow.Strategy{flow.NewCodeFlow(flowEnv), flow.NewImplicitFlow(flowEnv), flow.NewHybridFlow(flowEnv)},
		flow.WithPublicClientPKCE(!cfg.AllowPublicClientsWithoutPKCE))
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Domain:   d,
		Issuer:   issuer,
		Keys:     manager,
		Resolver: resolver,
		Consent:  consentSvc,
		Introspection: introspection.NewService(introspection.Config{
			DomainID: d.ID,
			Issuer:   issuer,
			Keys:     manager,
			Store:    cfg.Store,
			Tokens:   cfg.Tokens,
		}),
		cfg: cfg,
		env: &grant.Env{DomainID: d.ID, Issuer: issuer, Store: cfg.Store, Tokens: cfg.Tokens, Keys: manager},
	}
	if err := rt.RebuildGrants(ctx); err != nil {
		return nil, err
	}

	if reused {
		manager.SetDefaultCertificate(d.DefaultCertificateID)
	} else {
		manager.Start(context.WithoutCancel(ctx))
	}
	return rt, nil
}
