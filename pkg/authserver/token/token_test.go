// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/storage/storagetest"
)

const testIssuer = "https://auth.example.com/acme"

type staticKeys struct {
	provider keys.CertificateProvider
}

func (s staticKeys) SigningProvider(string) (keys.CertificateProvider, error) {
	return s.provider, nil
}

type tokenFixture struct {
	svc      *Service
	store    *storage.MemoryStorage
	clock    *storagetest.FakeClock
	provider keys.CertificateProvider
	client   *storage.Client
}

func newTokenFixture(t *testing.T, alg string) *tokenFixture {
	t.Helper()
	clock := storagetest.NewFakeClock()
	store := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	opaque, err := NewOpaque(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	provider, err := keys.NewGeneratedProvider(context.Background(), &storage.Certificate{
		ID:            "c1",
		DomainID:      "acme",
		Type:          keys.TypeGenerated,
		Configuration: []byte(`{"algorithm":"` + alg + `"}`),
	})
	require.NoError(t, err)

	return &tokenFixture{
		svc:      NewService(opaque, store, WithClock(clock.Now), WithLifespans(Lifespans{AccessToken: 15 * time.Minute})),
		store:    store,
		clock:    clock,
		provider: provider,
		client: &storage.Client{
			DomainID:   "acme",
			ClientID:   "web",
			GrantTypes: []string{"authorization_code", "refresh_token"},
			Scopes:     []string{"openid", "profile"},
		},
	}
}

func (f *tokenFixture) request() *IssueRequest {
	return &IssueRequest{
		Issuer:       testIssuer,
		DomainID:     "acme",
		Client:       f.client,
		Keys:         staticKeys{f.provider},
		Subject:      "user-1",
		Username:     "alice",
		Scopes:       []string{"openid", "profile"},
		AccessToken:  true,
		RefreshToken: true,
		IDToken:      true,
		Nonce:        "n-0S6_WzA2Mj",
		AuthTime:     f.clock.Now().Add(-time.Minute),
		Code:         "SplxlOBeZQQYbYS6WxSbIA",
	}
}

func TestNewOpaque(t *testing.T) {
	t.Parallel()

	_, err := NewOpaque([]byte("short"))
	assert.Error(t, err)

	o, err := NewOpaque(bytes.Repeat([]byte("s"), 32))
	require.NoError(t, err)

	tok, sig, err := o.Generate(context.Background())
	require.NoError(t, err)
	assert.False(t, IsJWT(tok))

	got, err := o.Signature(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = o.Signature(context.Background(), tok+"x")
	assert.Error(t, err)
	_, err = o.Signature(context.Background(), "not-a-token")
	assert.Error(t, err)

	other, err := NewOpaque(bytes.Repeat([]byte("o"), 32))
	require.NoError(t, err)
	_, err = other.Signature(context.Background(), tok)
	assert.Error(t, err, "a token from another secret must not validate")
}

func TestService_Issue(t *testing.T) {
	t.Parallel()

	f := newTokenFixture(t, crypto.AlgES256)
	ctx := context.Background()

	resp, err := f.svc.Issue(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, TypeBearer, resp.TokenType)
	assert.Equal(t, 15*time.Minute, resp.ExpiresIn)
	assert.True(t, IsJWT(resp.AccessToken))
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.GrantID)

	set := jwks.Keys([]keys.CertificateProvider{f.provider})

	t.Run("access token verifies and is recorded", func(t *testing.T) {
		t.Parallel()
		claims, err := f.svc.VerifyAccessToken(resp.AccessToken, testIssuer, set)
		require.NoError(t, err)
		assert.Equal(t, "web", claims.ClientID)
		assert.Equal(t, []string{"openid", "profile"}, claims.Scopes())
		assert.Equal(t, "alice", claims.Username)

		rec, err := f.store.GetToken(ctx, "acme", claims.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TokenTypeAccess, rec.Type)
		assert.Equal(t, resp.GrantID, rec.GrantID)
	})

	t.Run("refresh token is recorded by signature", func(t *testing.T) {
		t.Parallel()
		sig, err := f.svc.Opaque().Signature(ctx, resp.RefreshToken)
		require.NoError(t, err)
		rec, err := f.store.GetToken(ctx, "acme", sig)
		require.NoError(t, err)
		assert.Equal(t, storage.TokenTypeRefresh, rec.Type)
		assert.Equal(t, f.clock.Now().Add(DefaultRefreshTokenLifespan), rec.ExpiresAt)
	})

	t.Run("ID token satisfies a relying party", func(t *testing.T) {
		t.Parallel()
		verifier := oidc.NewVerifier(testIssuer,
			&oidc.StaticKeySet{PublicKeys: []stdcrypto.PublicKey{f.provider.PublicJWK().Key}},
			&oidc.Config{ClientID: "web", SupportedSigningAlgs: []string{crypto.AlgES256}, Now: f.clock.Now},
		)
		idToken, err := verifier.Verify(ctx, resp.IDToken)
		require.NoError(t, err)
		assert.Equal(t, "user-1", idToken.Subject)
		assert.Equal(t, "n-0S6_WzA2Mj", idToken.Nonce)
		require.NoError(t, idToken.VerifyAccessToken(resp.AccessToken))

		var claims IDClaims
		require.NoError(t, idToken.Claims(&claims))
		wantCHash, err := crypto.LeftHalfHash(crypto.AlgES256, "SplxlOBeZQQYbYS6WxSbIA")
		require.NoError(t, err)
		assert.Equal(t, wantCHash, claims.CodeHash)
		assert.Equal(t, "web", claims.AuthorizedParty)
		require.NotNil(t, claims.AuthTime)
	})
}

func TestService_IssueSelectsTokens(t *testing.T) {
	t.Parallel()

	f := newTokenFixture(t, crypto.AlgEdDSA)
	req := f.request()
	req.RefreshToken = false
	req.IDToken = false
	req.Audience = []string{"https://api.example.com"}

	resp, err := f.svc.Issue(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken)

	claims, err := f.svc.VerifyAccessToken(resp.AccessToken, testIssuer, jwks.Keys([]keys.CertificateProvider{f.provider}))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.example.com"}, []string(claims.Audience))
}

func TestService_VerifyAccessToken(t *testing.T) {
	t.Parallel()

	f := newTokenFixture(t, crypto.AlgRS256)
	req := f.request()
	req.IDToken = false
	resp, err := f.svc.Issue(context.Background(), req)
	require.NoError(t, err)
	set := jwks.Keys([]keys.CertificateProvider{f.provider})

	other := newTokenFixture(t, crypto.AlgRS256)

	tests := []struct {
		name   string
		raw    string
		issuer string
		set    jose.JSONWebKeySet
	}{
		{"wrong issuer", resp.AccessToken, "https://evil.example.com", set},
		{"unknown key", resp.AccessToken, testIssuer, jwks.Keys([]keys.CertificateProvider{other.provider})},
		{"empty set", resp.AccessToken, testIssuer, jwks.Keys(nil)},
		{"garbage", "a.b.c", testIssuer, set},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.svc.VerifyAccessToken(tt.raw, tt.issuer, tt.set)
			assert.Error(t, err)
		})
	}

	t.Run("expired", func(t *testing.T) {
		f := newTokenFixture(t, crypto.AlgES384)
		req := f.request()
		req.IDToken = false
		resp, err := f.svc.Issue(context.Background(), req)
		require.NoError(t, err)

		f.clock.Advance(16 * time.Minute)
		_, err = f.svc.VerifyAccessToken(resp.AccessToken, testIssuer, jwks.Keys([]keys.CertificateProvider{f.provider}))
		assert.Error(t, err)
	})
}
