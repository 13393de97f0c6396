// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package introspection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/storage/storagetest"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

const (
	testDomain = "acme"
	testIssuer = "https://auth.example.com/acme"
)

type staticKeys struct {
	providers []keys.CertificateProvider
	err       error
}

func (s staticKeys) Providers() ([]keys.CertificateProvider, error) { return s.providers, s.err }

func (s staticKeys) SigningProvider(string) (keys.CertificateProvider, error) {
	return s.providers[0], nil
}

// countingStore counts token lookups.
type countingStore struct {
	*storage.MemoryStorage
	gets atomic.Int32
}

func (c *countingStore) GetToken(ctx context.Context, domainID, signature string) (*storage.TokenRecord, error) {
	c.gets.Add(1)
	return c.MemoryStorage.GetToken(ctx, domainID, signature)
}

type fixture struct {
	svc    *Service
	store  *countingStore
	clock  *storagetest.FakeClock
	tokens *token.Service
	keys   staticKeys
	web    *storage.Client
	other  *storage.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := storagetest.NewFakeClock()
	mem := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })
	store := &countingStore{MemoryStorage: mem}

	opaque, err := token.NewOpaque(bytes.Repeat([]byte("i"), 32))
	require.NoError(t, err)
	provider, err := keys.NewGeneratedProvider(context.Background(), &storage.Certificate{
		ID: "c1", DomainID: testDomain, Type: keys.TypeGenerated,
	})
	require.NoError(t, err)

	tokens := token.NewService(opaque, store, token.WithClock(clock.Now))
	ks := staticKeys{providers: []keys.CertificateProvider{provider}}
	return &fixture{
		svc: NewService(Config{
			DomainID: testDomain,
			Issuer:   testIssuer,
			Keys:     ks,
			Store:    store,
			Tokens:   tokens,
		}),
		store:  store,
		clock:  clock,
		tokens: tokens,
		keys:   ks,
		web:    &storage.Client{DomainID: testDomain, ClientID: "web", Scopes: []string{"api:read"}},
		other:  &storage.Client{DomainID: testDomain, ClientID: "other"},
	}
}

func (f *fixture) issue(t *testing.T) *token.Response {
	t.Helper()
	resp, err := f.tokens.Issue(context.Background(), &token.IssueRequest{
		Issuer:       testIssuer,
		DomainID:     testDomain,
		Client:       f.web,
		Keys:         f.keys,
		Subject:      "user-1",
		Username:     "alice",
		Scopes:       []string{"api:read"},
		Audience:     []string{"https://api.example.com"},
		AccessToken:  true,
		RefreshToken: true,
	})
	require.NoError(t, err)
	return resp
}

func TestIntrospect_RequiresCaller(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Introspect(context.Background(), testDomain, "x", "", nil)
	assert.True(t, oautherrors.IsInvalidClient(err))
	assert.Zero(t, f.store.gets.Load())
}

func TestIntrospect_ActiveAccessToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	issued := f.issue(t)

	resp, err := f.svc.Introspect(context.Background(), testDomain, issued.AccessToken, "", f.other)
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, "api:read", resp.Scope)
	assert.Equal(t, "web", resp.ClientID)
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "user-1", resp.Subject)
	assert.Equal(t, []string{"https://api.example.com"}, resp.Audience)
	assert.Equal(t, testIssuer, resp.Issuer)
	assert.Equal(t, f.clock.Now().Add(token.DefaultAccessTokenLifespan).Unix(), resp.ExpiresAt)
	assert.Equal(t, f.clock.Now().Unix(), resp.IssuedAt)
	assert.NotEmpty(t, resp.JTI)
	assert.Equal(t, "access_token", resp.TokenType)
}

func TestIntrospect_ActiveRefreshToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	issued := f.issue(t)

	for _, hint := range []string{"", HintRefreshToken, HintAccessToken, "bogus"} {
		resp, err := f.svc.Introspect(context.Background(), testDomain, issued.RefreshToken, hint, f.web)
		require.NoError(t, err)
		assert.True(t, resp.Active, "hint %q", hint)
		assert.Equal(t, "refresh_token", resp.TokenType)
		assert.Empty(t, resp.JTI)
	}
}

func TestIntrospect_InactiveResponsesAreIdentical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token func(t *testing.T, f *fixture) string
	}{
		{"never issued opaque", func(*testing.T, *fixture) string { return "bm90LWEtdG9rZW4.c2lnbmF0dXJl" }},
		{"never issued garbage", func(*testing.T, *fixture) string { return "garbage" }},
		{"empty", func(*testing.T, *fixture) string { return "" }},
		{"malformed JWT", func(*testing.T, *fixture) string { return "a.b.c" }},
		{"expired access token", func(t *testing.T, f *fixture) string {
			raw := f.issue(t).AccessToken
			f.clock.Advance(token.DefaultAccessTokenLifespan + time.Second)
			return raw
		}},
		{"expired refresh token", func(t *testing.T, f *fixture) string {
			raw := f.issue(t).RefreshToken
			f.clock.Advance(token.DefaultRefreshTokenLifespan + time.Second)
			return raw
		}},
		{"revoked access token", func(t *testing.T, f *fixture) string {
			issued := f.issue(t)
			require.NoError(t, f.store.RevokeGrant(context.Background(), testDomain, issued.GrantID))
			return issued.AccessToken
		}},
		{"revoked refresh token", func(t *testing.T, f *fixture) string {
			issued := f.issue(t)
			require.NoError(t, f.store.RevokeGrant(context.Background(), testDomain, issued.GrantID))
			return issued.RefreshToken
		}},
	}

	want, err := json.Marshal(&Response{Active: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":false}`, string(want))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			raw := tt.token(t, f)
			before := f.store.gets.Load()

			resp, err := f.svc.Introspect(context.Background(), testDomain, raw, "", f.web)
			require.NoError(t, err)
			got, err := json.Marshal(resp)
			require.NoError(t, err)
			assert.Equal(t, string(want), string(got))
			assert.Equal(t, int32(1), f.store.gets.Load()-before, "exactly one store lookup")
		})
	}
}

func TestIntrospect_KeysNotReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	issued := f.issue(t)

	svc := NewService(Config{
		DomainID: testDomain,
		Issuer:   testIssuer,
		Keys:     staticKeys{err: oautherrors.NewTemporarilyUnavailableError("signing keys are not ready", keys.ErrNotReady)},
		Store:    f.store,
		Tokens:   f.tokens,
	})
	_, err := svc.Introspect(context.Background(), testDomain, issued.AccessToken, "", f.web)
	assert.True(t, oautherrors.IsTemporarilyUnavailable(err))
}

type brokenStore struct{ *countingStore }

func (brokenStore) GetToken(context.Context, string, string) (*storage.TokenRecord, error) {
	return nil, errors.New("i/o timeout")
}

func TestIntrospect_StoreFailureIsServerError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	svc := NewService(Config{DomainID: testDomain, Issuer: testIssuer, Keys: f.keys, Store: brokenStore{f.store}, Tokens: f.tokens})
	_, err := svc.Introspect(context.Background(), testDomain, "garbage", "", f.web)
	assert.True(t, oautherrors.IsServerError(err))
}

func TestIntrospect_WrongDomain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Introspect(context.Background(), "globex", "garbage", "", f.web)
	assert.True(t, oautherrors.IsServerError(err))
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("refresh token revokes the grant", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		issued := f.issue(t)

		require.NoError(t, f.svc.Revoke(ctx, testDomain, issued.RefreshToken, HintRefreshToken, f.web))
		for _, raw := range []string{issued.RefreshToken, issued.AccessToken} {
			resp, err := f.svc.Introspect(ctx, testDomain, raw, "", f.web)
			require.NoError(t, err)
			assert.False(t, resp.Active)
		}
	})

	t.Run("access token only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		issued := f.issue(t)

		require.NoError(t, f.svc.Revoke(ctx, testDomain, issued.AccessToken, "", f.web))
		resp, err := f.svc.Introspect(ctx, testDomain, issued.AccessToken, "", f.web)
		require.NoError(t, err)
		assert.False(t, resp.Active)

		resp, err = f.svc.Introspect(ctx, testDomain, issued.RefreshToken, "", f.web)
		require.NoError(t, err)
		assert.True(t, resp.Active)
	})

	t.Run("unknown token succeeds", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		assert.NoError(t, f.svc.Revoke(ctx, testDomain, "garbage", "", f.web))
	})

	t.Run("another client's token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		issued := f.issue(t)

		err := f.svc.Revoke(ctx, testDomain, issued.RefreshToken, "", f.other)
		assert.True(t, oautherrors.IsUnauthorizedClient(err))

		resp, err := f.svc.Introspect(ctx, testDomain, issued.RefreshToken, "", f.web)
		require.NoError(t, err)
		assert.True(t, resp.Active)
	})

	t.Run("requires caller", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		assert.True(t, oautherrors.IsInvalidClient(f.svc.Revoke(ctx, testDomain, "x", "", nil)))
	})
}
