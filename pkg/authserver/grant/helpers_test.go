// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"bytes"
	"context"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/storage/storagetest"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

const (
	testDomain   = "acme"
	testIssuer   = "https://auth.example.com/acme"
	testRedirect = "https://app.example.com/callback"
)

type staticKeys struct {
	provider keys.CertificateProvider
}

func (s staticKeys) SigningProvider(string) (keys.CertificateProvider, error) {
	return s.provider, nil
}

// loadingKeys is a key set that is still loading until ready is set.
type loadingKeys struct {
	provider keys.CertificateProvider
	ready    atomic.Bool
}

func (l *loadingKeys) SigningProvider(string) (keys.CertificateProvider, error) {
	if !l.ready.Load() {
		return nil, oautherrors.NewTemporarilyUnavailableError("signing keys are not ready", keys.ErrNotReady)
	}
	return l.provider, nil
}

type fixture struct {
	env      *Env
	store    *storage.MemoryStorage
	clock    *storagetest.FakeClock
	provider keys.CertificateProvider
}

func testNow() time.Time { return storagetest.NewFakeClock().Now() }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := storagetest.NewFakeClock()
	store := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	opaque, err := token.NewOpaque(bytes.Repeat([]byte("g"), 32))
	require.NoError(t, err)
	provider, err := keys.NewGeneratedProvider(context.Background(), &storage.Certificate{
		ID: "c1", DomainID: testDomain, Type: keys.TypeGenerated,
	})
	require.NoError(t, err)

	return &fixture{
		env: &Env{
			DomainID: testDomain,
			Issuer:   testIssuer,
			Store:    store,
			Tokens:   token.NewService(opaque, store, token.WithClock(clock.Now)),
			Keys:     staticKeys{provider},
		},
		store:    store,
		clock:    clock,
		provider: provider,
	}
}

func confidentialClient(grantTypes ...string) *storage.Client {
	return &storage.Client{
		DomainID:     testDomain,
		ClientID:     "web",
		SecretHash:   []byte("$2a$10$hash"),
		GrantTypes:   grantTypes,
		RedirectURIs: []string{testRedirect},
		Scopes:       []string{"openid", "profile", "email", "api:read"},
		Audiences:    []string{"https://api.example.com"},
	}
}

// issueCode stores a code for client and returns the raw value.
func (f *fixture) issueCode(t *testing.T, client *storage.Client, challenge string, scopes ...string) string {
	t.Helper()
	return f.issueCodeWith(t, client, challenge, scopes, nil)
}

// issueCodeWith is issueCode with a hook to adjust the stored record.
func (f *fixture) issueCodeWith(
	t *testing.T, client *storage.Client, challenge string, scopes []string, adjust func(*storage.AuthorizationCode),
) string {
	t.Helper()
	raw, sig, err := f.env.Tokens.Opaque().Generate(context.Background())
	require.NoError(t, err)

	now := f.clock.Now()
	code := &storage.AuthorizationCode{
		ID:          uuid.NewString(),
		Signature:   sig,
		DomainID:    testDomain,
		ClientID:    client.ClientID,
		Subject:     "user-1",
		Username:    "alice",
		RedirectURI: testRedirect,
		Scopes:      scopes,
		Audience:    []string{"https://api.example.com"},
		Nonce:       "nonce-1",
		AuthTime:    now,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
	if challenge != "" {
		code.CodeChallenge = challenge
		code.CodeChallengeMethod = crypto.PKCEChallengeMethodS256
	}
	if adjust != nil {
		adjust(code)
	}
	require.NoError(t, f.store.CreateAuthorizationCode(context.Background(), code))
	return raw
}

func (f *fixture) request(t *testing.T, clientID string, form url.Values) *TokenRequest {
	t.Helper()
	req, err := NewTokenRequest(testDomain, clientID, form, f.clock.Now())
	require.NoError(t, err)
	return req
}

func (f *fixture) verifyAccess(t *testing.T, raw string) *token.AccessClaims {
	t.Helper()
	claims, err := f.env.Tokens.VerifyAccessToken(raw, testIssuer, jwks.Keys([]keys.CertificateProvider{f.provider}))
	require.NoError(t, err)
	return claims
}
