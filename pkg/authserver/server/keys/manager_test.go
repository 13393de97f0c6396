// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys/mocks"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

func generatedCerts(ids ...string) []*storage.Certificate {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*storage.Certificate, len(ids))
	for i, id := range ids {
		out[i] = &storage.Certificate{
			ID:        id,
			DomainID:  "acme",
			Type:      TypeGenerated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestManager_NotReadyUntilLoaded(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)

	m := NewManager("acme", repo, NewDefaultRegistry())

	_, err := m.Providers()
	require.ErrorIs(t, err, ErrNotReady)
	assert.True(t, oautherrors.IsTemporarilyUnavailable(err))

	_, err = m.SigningProvider("")
	assert.True(t, oautherrors.IsTemporarilyUnavailable(err))

	_, err = m.Get("c1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestManager_StartRetriesUntilRepositoryRecovers(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	gomock.InOrder(
		repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(nil, errors.New("connection refused")).Times(2),
		repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(generatedCerts("c1", "c2"), nil),
	)

	metrics := telemetry.NewMetrics()
	m := NewManager("acme", repo, NewDefaultRegistry(),
		WithRetryInterval(5*time.Millisecond), WithMetrics(metrics))
	m.Start(context.Background())
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))

	providers, err := m.Providers()
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "c1", providers[0].ID())

	n, err := testutil.GatherAndCount(metrics.Registry(), "tenantauth_domain_keys_ready")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_AttemptTimeoutRetriesHungRepository(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	gomock.InOrder(
		repo.EXPECT().ListCertificates(gomock.Any(), "acme").DoAndReturn(
			func(ctx context.Context, _ string) ([]*storage.Certificate, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(generatedCerts("c1"), nil),
	)

	m := NewManager("acme", repo, NewDefaultRegistry(),
		WithRetryInterval(5*time.Millisecond), WithLoadTimeout(20*time.Millisecond))
	m.Start(context.Background())
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))

	p, err := m.SigningProvider("")
	require.NoError(t, err)
	assert.Equal(t, "c1", p.ID())
}

func TestManager_MaxRetries(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(nil, errors.New("down")).Times(3)

	m := NewManager("acme", repo, NewDefaultRegistry(), WithRetryInterval(time.Millisecond), WithMaxRetries(3))
	m.Start(context.Background())

	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("initialization did not give up")
	}
	m.Stop()

	select {
	case <-m.Ready():
		t.Fatal("manager must not become ready")
	default:
	}
}

func TestManager_StopCancelsInitialization(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(nil, errors.New("down")).AnyTimes()

	m := NewManager("acme", repo, NewDefaultRegistry(), WithRetryInterval(time.Hour))
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestManager_FactoryFailureLeavesProviderOut(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	certs := generatedCerts("good", "bad")
	certs[1].Type = "hsm"
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(certs, nil)

	m := NewManager("acme", repo, NewDefaultRegistry())
	require.NoError(t, m.Reload(context.Background()))

	providers, err := m.Providers()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "good", providers[0].ID())

	_, err = m.Get("bad")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestManager_SigningProvider(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(generatedCerts("oldest", "default", "client"), nil)

	m := NewManager("acme", repo, NewDefaultRegistry())
	require.NoError(t, m.Reload(context.Background()))

	tests := []struct {
		name       string
		defaultID  string
		preferred  string
		expectedID string
	}{
		{"preferred wins", "default", "client", "client"},
		{"unknown preferred falls back to default", "default", "gone", "default"},
		{"no default uses oldest", "", "", "oldest"},
		{"stale default uses oldest", "removed", "", "oldest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.SetDefaultCertificate(tt.defaultID)
			p, err := m.SigningProvider(tt.preferred)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedID, p.ID())
		})
	}
}

func TestManager_NoProviders(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(nil, nil)

	m := NewManager("acme", repo, NewDefaultRegistry())
	require.NoError(t, m.Reload(context.Background()))

	providers, err := m.Providers()
	require.NoError(t, err)
	assert.Empty(t, providers)

	_, err = m.SigningProvider("")
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestManager_ReloadSwapsSnapshotForConcurrentReaders(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCertificateRepository(ctrl)
	first := generatedCerts("a", "b")
	second := generatedCerts("c", "d", "e")
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(first, nil)
	repo.EXPECT().ListCertificates(gomock.Any(), "acme").Return(second, nil).Times(5)

	m := NewManager("acme", repo, NewDefaultRegistry())
	require.NoError(t, m.Reload(context.Background()))

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
				providers, err := m.Providers()
				if !assert.NoError(t, err) {
					return
				}
				// A reader sees either the old or the new set, never a mix.
				n := len(providers)
				assert.True(t, n == 2 || n == 3, "unexpected provider count %d", n)
			}
		}()
	}

	for range 5 {
		require.NoError(t, m.Reload(context.Background()))
	}
	close(stop)
	wg.Wait()

	providers, err := m.Providers()
	require.NoError(t, err)
	assert.Len(t, providers, 3)
}
