// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Defaults for asynchronous initialization.
const (
	DefaultRetryInterval = 5 * time.Second
	DefaultLoadTimeout   = 5 * time.Second
)

// snapshot is an immutable view of a domain's providers.
type snapshot struct {
	providers []CertificateProvider
	byID      map[string]CertificateProvider
}

// Manager holds the certificate providers of one domain.
//
// Readers load the current snapshot without locking. Rebuilds are
// serialised among themselves and publish a new snapshot atomically.
type Manager struct {
	domainID string
	repo     CertificateRepository
	registry *Registry
	metrics  *telemetry.Metrics

	retryInterval time.Duration
	maxRetries    uint
	loadTimeout   time.Duration

	defaultID atomic.Pointer[string]
	current   atomic.Pointer[snapshot]
	rebuildMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetryInterval sets the constant delay between initialization attempts.
func WithRetryInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retryInterval = d }
}

// WithMaxRetries bounds initialization attempts. Zero means unlimited.
func WithMaxRetries(n uint) ManagerOption {
	return func(m *Manager) { m.maxRetries = n }
}

// WithLoadTimeout bounds each initialization attempt. A repository call
// that exceeds it fails the attempt, which is then retried.
func WithLoadTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.loadTimeout = d
		}
	}
}

// WithDefaultCertificate sets the domain's default certificate ID.
func WithDefaultCertificate(id string) ManagerOption {
	return func(m *Manager) { m.SetDefaultCertificate(id) }
}

// WithMetrics records readiness on m.
func WithMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager for domainID. Call Start to load providers.
func NewManager(domainID string, repo CertificateRepository, registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		domainID:      domainID,
		repo:          repo,
		registry:      registry,
		retryInterval: DefaultRetryInterval,
		loadTimeout:   DefaultLoadTimeout,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start loads the providers on a background goroutine, retrying with a
// constant backoff until the first build succeeds, the retries run out or
// Stop is called. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.metrics.SetKeysReady(m.domainID, false)
		go m.initialize(ctx)
	})
}

func (m *Manager) initialize(ctx context.Context) {
	defer close(m.done)
	log := logger.ForDomain(m.domainID)

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retryInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("failed to load certificates, retrying", "error", err, "retry_in", next)
		}),
	}
	if m.maxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(m.maxRetries))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
		defer cancel()
		return struct{}{}, m.Reload(attemptCtx)
	}, opts...)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("giving up loading certificates", "error", err)
		}
		return
	}
	log.Info("signing keys ready", "providers", len(m.current.Load().providers))
}

// Stop cancels initialization and waits for it to return.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}

// Ready is closed after the first successful build.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until the first build succeeds or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDefaultCertificate changes the certificate preferred when a client
// names none.
func (m *Manager) SetDefaultCertificate(id string) {
	m.defaultID.Store(&id)
}

// Reload rebuilds the providers from the repository and publishes them.
// A certificate whose factory fails is logged and left out.
func (m *Manager) Reload(ctx context.Context) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	certs, err := m.repo.ListCertificates(ctx, m.domainID)
	if err != nil {
		return fmt.Errorf("failed to list certificates: %w", err)
	}

	log := logger.ForDomain(m.domainID)
	next := &snapshot{byID: make(map[string]CertificateProvider, len(certs))}
	for _, cert := range certs {
		p, err := m.registry.Create(ctx, cert)
		if err != nil {
			log.Error("failed to create certificate provider", "certificate", cert.ID, "type", cert.Type, "error", err)
			continue
		}
		next.providers = append(next.providers, p)
		next.byID[p.ID()] = p
	}
	slices.SortStableFunc(next.providers, func(a, b CertificateProvider) int {
		return cmp.Or(a.CreatedAt().Compare(b.CreatedAt()), cmp.Compare(a.ID(), b.ID()))
	})

	m.current.Store(next)
	m.readyOnce.Do(func() { close(m.ready) })
	m.metrics.SetKeysReady(m.domainID, true)
	log.Debug("certificate providers rebuilt", "providers", len(next.providers))
	return nil
}

func (m *Manager) load() (*snapshot, error) {
	s := m.current.Load()
	if s == nil {
		return nil, oautherrors.NewTemporarilyUnavailableError("signing keys are not ready", ErrNotReady)
	}
	return s, nil
}

// Get returns the provider built from certificate id.
func (m *Manager) Get(id string) (CertificateProvider, error) {
	s, err := m.load()
	if err != nil {
		return nil, err
	}
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	return p, nil
}

// Providers returns every provider in creation order.
func (m *Manager) Providers() ([]CertificateProvider, error) {
	s, err := m.load()
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.providers), nil
}

// SigningProvider selects the provider to sign with: preferredID if it
// resolves, then the domain default, then the oldest provider.
func (m *Manager) SigningProvider(preferredID string) (CertificateProvider, error) {
	s, err := m.load()
	if err != nil {
		return nil, err
	}
	if p, ok := s.byID[preferredID]; ok && preferredID != "" {
		return p, nil
	}
	if def := m.defaultID.Load(); def != nil && *def != "" {
		if p, ok := s.byID[*def]; ok {
			return p, nil
		}
	}
	if len(s.providers) == 0 {
		return nil, oautherrors.NewServerError("no signing key available", ErrNoProviders)
	}
	return s.providers[0], nil
}
