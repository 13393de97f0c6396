// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/tenantauth/pkg/authserver/events"
	"github.com/stacklok/tenantauth/pkg/authserver/extension"
	"github.com/stacklok/tenantauth/pkg/authserver/idp/mocks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
)

const tokenExchange = "urn:example:params:oauth:grant-type:test"

type staticProvider struct{}

func (staticProvider) Grant(context.Context, *extension.Request) (*extension.Result, error) {
	return &extension.Result{Subject: "svc"}, nil
}

// grantsDown fails to list the extension grants of one domain.
type grantsDown struct {
	*storage.MemoryStorage
	domainID string
}

func (g grantsDown) ListExtensionGrants(ctx context.Context, domainID string) ([]*storage.ExtensionGrant, error) {
	if domainID == g.domainID {
		return nil, errors.New("connection reset")
	}
	return g.MemoryStorage.ListExtensionGrants(ctx, domainID)
}

// certsHang blocks ListCertificates until the caller gives up while hang
// is set.
type certsHang struct {
	*storage.MemoryStorage
	hang atomic.Bool
}

func (c *certsHang) ListCertificates(ctx context.Context, domainID string) ([]*storage.Certificate, error) {
	if c.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.MemoryStorage.ListCertificates(ctx, domainID)
}

type fixture struct {
	registry *Registry
	store    *storage.MemoryStorage
	metrics  *telemetry.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	opaque, err := token.NewOpaque(bytes.Repeat([]byte("d"), 32))
	require.NoError(t, err)

	extensions := extension.NewRegistry()
	require.NoError(t, extensions.Register("static", func(context.Context, *storage.ExtensionGrant) (extension.Provider, error) {
		return staticProvider{}, nil
	}))
	require.NoError(t, extensions.Register("broken", func(context.Context, *storage.ExtensionGrant) (extension.Provider, error) {
		return nil, errors.New("bad configuration")
	}))

	metrics := telemetry.NewMetrics()
	if cfg.Store == nil {
		cfg.Store = store
	} else if down, ok := cfg.Store.(grantsDown); ok {
		down.MemoryStorage = store
		cfg.Store = down
	} else if slow, ok := cfg.Store.(*certsHang); ok {
		slow.MemoryStorage = store
	}
	cfg.Tokens = token.NewService(opaque, store)
	cfg.Certificates = keys.NewDefaultRegistry()
	cfg.Extensions = extensions
	cfg.Metrics = metrics
	cfg.Issuer = func(id string) string { return "https://auth.example.com/" + id }
	cfg.KeyRetryInterval = 5 * time.Millisecond

	r := NewRegistry(cfg)
	t.Cleanup(r.Close)
	return &fixture{registry: r, store: store, metrics: metrics}
}

func (f *fixture) addDomain(t *testing.T, id string, enabled bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateDomain(ctx, &storage.Domain{ID: id, Enabled: enabled}))
	require.NoError(t, f.store.CreateCertificate(ctx, &storage.Certificate{
		ID: id + "-cert", DomainID: id, Type: keys.TypeGenerated, CreatedAt: time.Now(),
	}))
}

func waitReady(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Keys.WaitReady(ctx))
}

func TestRegistry_Activate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.addDomain(t, "acme", true)

	_, ok := f.registry.Get("acme")
	require.False(t, ok)

	require.NoError(t, f.registry.Activate(context.Background(), "acme"))
	rt, ok := f.registry.Get("acme")
	require.True(t, ok)
	assert.Equal(t, "https://auth.example.com/acme", rt.Issuer)
	assert.Equal(t, []string{"authorization_code", "refresh_token", "client_credentials"}, rt.Dispatcher().GrantTypes())
	assert.Contains(t, rt.Resolver.ResponseTypes(), "code")

	waitReady(t, rt)
	providers, err := rt.Keys.Providers()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "acme-cert", providers[0].ID())

	assert.Equal(t, float64(1), activeDomains(t, f.metrics))
}

func activeDomains(t *testing.T, m *telemetry.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "tenantauth_active_domains" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("active domains gauge not found")
	return 0
}

func TestRegistry_PasswordGrantNeedsAuthenticator(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	f := newFixture(t, Config{Authenticator: mocks.NewMockAuthenticator(ctrl)})
	f.addDomain(t, "acme", true)

	require.NoError(t, f.registry.Activate(context.Background(), "acme"))
	rt, _ := f.registry.Get("acme")
	assert.Contains(t, rt.Dispatcher().GrantTypes(), "password")
}

func TestRegistry_ActivateDisabledOrMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.addDomain(t, "off", false)

	err := f.registry.Activate(context.Background(), "off")
	assert.ErrorIs(t, err, ErrDomainDisabled)
	_, ok := f.registry.Get("off")
	assert.False(t, ok)

	err = f.registry.Activate(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_ActivateAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ActivationConcurrency: 2})
	for i := range 6 {
		f.addDomain(t, fmt.Sprintf("d%d", i), i != 3)
	}

	require.NoError(t, f.registry.ActivateAll(context.Background()))
	assert.Equal(t, []string{"d0", "d1", "d2", "d4", "d5"}, f.registry.DomainIDs())
}

func TestRegistry_ActivateAllReportsFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Store: grantsDown{domainID: "bad"}})
	f.addDomain(t, "good", true)
	f.addDomain(t, "bad", true)

	err := f.registry.ActivateAll(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, `"bad"`)
	assert.Equal(t, []string{"good"}, f.registry.DomainIDs())
}

func TestRegistry_ExtensionGrants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.addDomain(t, "acme", true)
	require.NoError(t, f.registry.Activate(ctx, "acme"))
	rt, _ := f.registry.Get("acme")
	before := rt.Dispatcher()

	for _, g := range []*storage.ExtensionGrant{
		{ID: "g1", DomainID: "acme", Type: "static", GrantType: tokenExchange},
		{ID: "g2", DomainID: "acme", Type: "broken", GrantType: "urn:example:broken"},
		{ID: "g3", DomainID: "acme", Type: "static", GrantType: "client_credentials"},
		{ID: "g4", DomainID: "acme", Type: "unknown", GrantType: "urn:example:unknown"},
		{ID: "g5", DomainID: "acme", Type: "static"},
	} {
		require.NoError(t, f.store.CreateExtensionGrant(ctx, g))
	}

	f.registry.HandleEvent(ctx, events.Event{Type: events.ExtensionGrantsChanged, DomainID: "acme", ResourceID: "g1"})
	after, _ := f.registry.Get("acme")
	assert.Same(t, rt, after, "runtime survives a grant rebuild")
	assert.NotSame(t, before, after.Dispatcher())
	assert.Equal(t,
		[]string{"authorization_code", "refresh_token", "client_credentials", tokenExchange},
		after.Dispatcher().GrantTypes())
}

func TestRegistry_CertificateEventReloadsKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.addDomain(t, "acme", true)
	require.NoError(t, f.registry.Activate(ctx, "acme"))
	rt, _ := f.registry.Get("acme")
	waitReady(t, rt)

	require.NoError(t, f.store.CreateCertificate(ctx, &storage.Certificate{
		ID: "rotated", DomainID: "acme", Type: keys.TypeGenerated, CreatedAt: time.Now().Add(time.Hour),
	}))
	f.registry.HandleEvent(ctx, events.Event{Type: events.CertificatesChanged, DomainID: "acme", ResourceID: "rotated"})

	providers, err := rt.Keys.Providers()
	require.NoError(t, err)
	assert.Len(t, providers, 2)
}

func TestRegistry_DomainEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.addDomain(t, "acme", true)

	bus := events.NewMemoryBus()
	bus.Subscribe(f.registry.HandleEvent)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.DomainUpdated, DomainID: "acme"}))
	first, ok := f.registry.Get("acme")
	require.True(t, ok)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.DomainUpdated, DomainID: "acme"}))
	second, ok := f.registry.Get("acme")
	require.True(t, ok)
	assert.NotSame(t, first, second, "update replaces the runtime")

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.DomainDeleted, DomainID: "acme"}))
	_, ok = f.registry.Get("acme")
	assert.False(t, ok)
	assert.Empty(t, f.registry.DomainIDs())
}

func TestRegistry_DomainUpdateKeepsSigningKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.addDomain(t, "acme", true)

	require.NoError(t, f.registry.Activate(ctx, "acme"))
	first, ok := f.registry.Get("acme")
	require.True(t, ok)
	waitReady(t, first)
	before, err := first.Keys.SigningProvider("")
	require.NoError(t, err)

	require.NoError(t, f.store.CreateDomain(ctx, &storage.Domain{ID: "acme", Name: "Acme Corp", Enabled: true}))
	f.registry.HandleEvent(ctx, events.Event{Type: events.DomainUpdated, DomainID: "acme"})

	second, ok := f.registry.Get("acme")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, "Acme Corp", second.Domain.Name)

	after, err := second.Keys.SigningProvider("")
	require.NoError(t, err, "an update must not take the signing keys offline")
	assert.Equal(t, before.KeyID(), after.KeyID(), "generated keys survive the update")
}

func TestRegistry_RepositoryCallsAreBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("hung initial key load is retried", func(t *testing.T) {
		t.Parallel()
		slow := &certsHang{}
		f := newFixture(t, Config{Store: slow, RepositoryTimeout: 20 * time.Millisecond})
		f.addDomain(t, "acme", true)

		slow.hang.Store(true)
		require.NoError(t, f.registry.Activate(ctx, "acme"))
		rt, ok := f.registry.Get("acme")
		require.True(t, ok)

		time.Sleep(50 * time.Millisecond)
		slow.hang.Store(false)
		waitReady(t, rt)
	})

	t.Run("hung reload on event returns and keeps the keys", func(t *testing.T) {
		t.Parallel()
		slow := &certsHang{}
		f := newFixture(t, Config{Store: slow, RepositoryTimeout: 20 * time.Millisecond})
		f.addDomain(t, "acme", true)
		require.NoError(t, f.registry.Activate(ctx, "acme"))
		rt, ok := f.registry.Get("acme")
		require.True(t, ok)
		waitReady(t, rt)

		slow.hang.Store(true)
		done := make(chan struct{})
		go func() {
			f.registry.HandleEvent(ctx, events.Event{Type: events.CertificatesChanged, DomainID: "acme"})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("certificate reload was not bounded")
		}

		_, err := rt.Keys.SigningProvider("")
		assert.NoError(t, err, "a failed reload keeps the previous keys")
	})
}

func TestRegistry_ConcurrentReadersDuringActivation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.addDomain(t, "acme", true)
	f.addDomain(t, "globex", true)
	require.NoError(t, f.registry.Activate(ctx, "acme"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, ok := f.registry.Get("acme")
				assert.True(t, ok)
			}
		}()
	}
	for range 5 {
		require.NoError(t, f.registry.Activate(ctx, "globex"))
		f.registry.Deactivate("globex")
	}
	close(stop)
	wg.Wait()
}
