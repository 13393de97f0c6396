// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

// Backend is one storage implementation under test together with its
// notion of time.
type Backend struct {
	Store   storage.Storage
	Now     func() time.Time
	Advance func(time.Duration)
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFakeClock returns a clock stopped at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Run exercises the storage.Storage contract that every backend must honor.
//
//nolint:gocyclo // one subtest per contract area
func Run(t *testing.T, newBackend func(t *testing.T) *Backend) {
	t.Helper()

	t.Run("domains", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Store.CreateDomain(ctx, &storage.Domain{ID: "beta", Name: "Beta", Enabled: true}))
		require.NoError(t, b.Store.CreateDomain(ctx, &storage.Domain{ID: "alpha", Name: "Alpha", Enabled: true}))

		got, err := b.Store.GetDomain(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "Alpha", got.Name)

		all, err := b.Store.ListDomains(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "alpha", all[0].ID)
		assert.Equal(t, "beta", all[1].ID)

		_, err = b.Store.GetDomain(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.ErrorIs(t, b.Store.CreateDomain(ctx, &storage.Domain{}), storage.ErrInvalidRecord)
	})

	t.Run("clients are isolated per domain and returned as copies", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()

		client := &storage.Client{
			DomainID:            "acme",
			ClientID:            "web",
			SecretHash:          []byte("hash"),
			GrantTypes:          []string{"authorization_code", "refresh_token"},
			RedirectURIs:        []string{"https://app.example.com/cb"},
			Scopes:              []string{"openid", "profile"},
			AccessTokenLifespan: 15 * time.Minute,
		}
		require.NoError(t, b.Store.RegisterClient(ctx, client))

		got, err := b.Store.GetClient(ctx, "acme", "web")
		require.NoError(t, err)
		assert.Equal(t, client, got)

		got.Scopes[0] = "mutated"
		again, err := b.Store.GetClient(ctx, "acme", "web")
		require.NoError(t, err)
		assert.Equal(t, "openid", again.Scopes[0])

		_, err = b.Store.GetClient(ctx, "other", "web")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("certificates keep creation order", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()
		base := b.Now()

		for i, id := range []string{"c2", "c1", "c3"} {
			require.NoError(t, b.Store.CreateCertificate(ctx, &storage.Certificate{
				ID:            id,
				DomainID:      "acme",
				Type:          "generated",
				Configuration: json.RawMessage(`{"algorithm":"ES256"}`),
				CreatedAt:     base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, b.Store.CreateCertificate(ctx, &storage.Certificate{ID: "x", DomainID: "other", Type: "generated"}))

		err := b.Store.CreateCertificate(ctx, &storage.Certificate{ID: "c1", DomainID: "acme", Type: "generated"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		certs, err := b.Store.ListCertificates(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, certs, 3)
		assert.Equal(t, []string{"c2", "c1", "c3"}, []string{certs[0].ID, certs[1].ID, certs[2].ID})
		assert.JSONEq(t, `{"algorithm":"ES256"}`, string(certs[0].Configuration))

		require.NoError(t, b.Store.DeleteCertificate(ctx, "acme", "c1"))
		assert.ErrorIs(t, b.Store.DeleteCertificate(ctx, "acme", "c1"), storage.ErrNotFound)

		certs, err = b.Store.ListCertificates(ctx, "acme")
		require.NoError(t, err)
		assert.Len(t, certs, 2)

		empty, err := b.Store.ListCertificates(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("extension grants", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()

		grant := &storage.ExtensionGrant{
			ID:        "jwt",
			DomainID:  "acme",
			Type:      "jwt-bearer",
			GrantType: "urn:ietf:params:oauth:grant-type:jwt-bearer",
			CreatedAt: b.Now(),
		}
		require.NoError(t, b.Store.CreateExtensionGrant(ctx, grant))
		assert.ErrorIs(t, b.Store.CreateExtensionGrant(ctx, grant), storage.ErrAlreadyExists)

		grants, err := b.Store.ListExtensionGrants(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, grants, 1)
		assert.Equal(t, grant.GrantType, grants[0].GrantType)

		require.NoError(t, b.Store.DeleteExtensionGrant(ctx, "acme", "jwt"))
		grants, err = b.Store.ListExtensionGrants(ctx, "acme")
		require.NoError(t, err)
		assert.Empty(t, grants)
	})

	t.Run("scope approvals expire and revoke", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()
		now := b.Now()

		save := func(client, scope string, status storage.ApprovalStatus, ttl time.Duration) {
			require.NoError(t, b.Store.SaveScopeApproval(ctx, &storage.ScopeApproval{
				DomainID: "acme", UserID: "alice", ClientID: client, Scope: scope,
				Status: status, ExpiresAt: now.Add(ttl), CreatedAt: now, UpdatedAt: now,
			}))
		}
		save("web", "openid", storage.ApprovalApproved, time.Hour)
		save("web", "email", storage.ApprovalDenied, time.Hour)
		save("web", "short", storage.ApprovalApproved, time.Minute)
		save("cli", "openid", storage.ApprovalApproved, time.Hour)

		got, err := b.Store.GetScopeApproval(ctx, storage.ScopeApprovalKey{DomainID: "acme", UserID: "alice", ClientID: "web", Scope: "email"})
		require.NoError(t, err)
		assert.Equal(t, storage.ApprovalDenied, got.Status)

		b.Advance(2 * time.Minute)

		_, err = b.Store.GetScopeApproval(ctx, storage.ScopeApprovalKey{DomainID: "acme", UserID: "alice", ClientID: "web", Scope: "short"})
		assert.ErrorIs(t, err, storage.ErrNotFound, "expired approvals are absent")

		list, err := b.Store.ListScopeApprovals(ctx, "acme", "alice")
		require.NoError(t, err)
		assert.Len(t, list, 3)

		require.NoError(t, b.Store.RevokeScopeApproval(ctx, storage.ScopeApprovalKey{DomainID: "acme", UserID: "alice", ClientID: "web", Scope: "openid"}))
		_, err = b.Store.GetScopeApproval(ctx, storage.ScopeApprovalKey{DomainID: "acme", UserID: "alice", ClientID: "web", Scope: "openid"})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, b.Store.RevokeScopeApproval(ctx, storage.ScopeApprovalKey{DomainID: "acme", UserID: "alice", ClientID: "web"}))
		list, err = b.Store.ListScopeApprovals(ctx, "acme", "alice")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "cli", list[0].ClientID)

		err = b.Store.SaveScopeApproval(ctx, &storage.ScopeApproval{
			DomainID: "acme", UserID: "alice", ClientID: "web", Scope: "old",
			Status: storage.ApprovalApproved, ExpiresAt: b.Now().Add(-time.Second),
		})
		assert.ErrorIs(t, err, storage.ErrInvalidRecord)
	})

	t.Run("authorization code is consumed exactly once", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()

		code := NewCode(b.Now(), "sig-1")
		require.NoError(t, b.Store.CreateAuthorizationCode(ctx, code))
		assert.ErrorIs(t, b.Store.CreateAuthorizationCode(ctx, code), storage.ErrAlreadyExists)

		got, err := b.Store.ConsumeAuthorizationCode(ctx, "acme", "sig-1")
		require.NoError(t, err)
		assert.Equal(t, code.ID, got.ID)
		assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
		assert.Equal(t, code.Scopes, got.Scopes)

		replayed, err := b.Store.ConsumeAuthorizationCode(ctx, "acme", "sig-1")
		require.ErrorIs(t, err, storage.ErrCodeReplayed)
		require.NotNil(t, replayed)
		assert.Equal(t, code.ID, replayed.ID)

		_, err = b.Store.ConsumeAuthorizationCode(ctx, "acme", "never-issued")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = b.Store.ConsumeAuthorizationCode(ctx, "other-domain", "sig-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent consumption has one winner", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Store.CreateAuthorizationCode(ctx, NewCode(b.Now(), "race")))

		const workers = 16
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := b.Store.ConsumeAuthorizationCode(ctx, "acme", "race")
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, storage.ErrCodeReplayed), errors.Is(err, storage.ErrNotFound):
					losses.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), losses.Load())
	})

	t.Run("expired code cannot be consumed after expiry removal", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()

		code := NewCode(b.Now(), "short")
		code.ExpiresAt = b.Now().Add(time.Minute)
		require.NoError(t, b.Store.CreateAuthorizationCode(ctx, code))

		b.Advance(2 * time.Minute)

		got, err := b.Store.ConsumeAuthorizationCode(ctx, "acme", "short")
		if err == nil {
			// Backends that keep the record until cleanup return it and
			// leave the expiry check to the caller.
			assert.True(t, got.IsExpired(b.Now()))
		} else {
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
	})

	t.Run("tokens", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		ctx := context.Background()
		now := b.Now()

		mk := func(sig string, typ storage.TokenType, grant string, ttl time.Duration) *storage.TokenRecord {
			return &storage.TokenRecord{
				Signature: sig, Type: typ, DomainID: "acme", ClientID: "web", Subject: "alice",
				GrantID: grant, Scopes: []string{"openid"}, CreatedAt: now, ExpiresAt: now.Add(ttl),
			}
		}
		require.NoError(t, b.Store.CreateToken(ctx, mk("at-1", storage.TokenTypeAccess, "g1", time.Hour)))
		require.NoError(t, b.Store.CreateToken(ctx, mk("rt-1", storage.TokenTypeRefresh, "g1", 24*time.Hour)))
		require.NoError(t, b.Store.CreateToken(ctx, mk("at-2", storage.TokenTypeAccess, "g2", time.Minute)))

		got, err := b.Store.GetToken(ctx, "acme", "at-1")
		require.NoError(t, err)
		assert.Equal(t, storage.TokenTypeAccess, got.Type)
		assert.Equal(t, "g1", got.GrantID)

		consumed, err := b.Store.ConsumeToken(ctx, "acme", "rt-1")
		require.NoError(t, err)
		assert.Equal(t, storage.TokenTypeRefresh, consumed.Type)
		_, err = b.Store.ConsumeToken(ctx, "acme", "rt-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, b.Store.CreateToken(ctx, mk("rt-2", storage.TokenTypeRefresh, "g1", 24*time.Hour)))
		require.NoError(t, b.Store.RevokeGrant(ctx, "acme", "g1"))
		_, err = b.Store.GetToken(ctx, "acme", "at-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.Store.GetToken(ctx, "acme", "rt-2")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = b.Store.GetToken(ctx, "acme", "at-2")
		require.NoError(t, err)
		b.Advance(2 * time.Minute)
		_, err = b.Store.GetToken(ctx, "acme", "at-2")
		assert.ErrorIs(t, err, storage.ErrNotFound, "expired tokens are absent")

		require.NoError(t, b.Store.RevokeToken(ctx, "acme", "never-issued"))
		assert.ErrorIs(t, b.Store.CreateToken(ctx, mk("old", storage.TokenTypeAccess, "", -time.Second)), storage.ErrInvalidRecord)
	})

	t.Run("health", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		require.NoError(t, b.Store.Health(context.Background()))
	})
}

// TestCode returns a valid authorization code in domain "acme".
func NewCode(now time.Time, signature string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		ID:                  fmt.Sprintf("grant-%s", signature),
		Signature:           signature,
		DomainID:            "acme",
		ClientID:            "web",
		Subject:             "alice",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid", "profile"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Nonce:               "n-0S6_WzA2Mj",
		AuthTime:            now,
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}
