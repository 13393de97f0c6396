// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/tenantauth/pkg/authserver/domain"
	"github.com/stacklok/tenantauth/pkg/authserver/extension"
	"github.com/stacklok/tenantauth/pkg/authserver/flow"
	"github.com/stacklok/tenantauth/pkg/authserver/grant"
	"github.com/stacklok/tenantauth/pkg/authserver/introspection"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
)

const (
	testIssuerBase  = "https://auth.example.com"
	confSecret      = "s3cr:et+/&"
	confRedirect    = "https://app.example.com/cb"
	spaRedirect     = "https://spa.example.com/cb"
	testConsentPage = "https://consent.example.com/consent"
)

// fakeEngine runs requests against real domain runtimes. Setting a hook
// replaces the corresponding operation.
type fakeEngine struct {
	registry *domain.Registry
	store    *storage.MemoryStorage

	tokenHook func(ctx context.Context, req *grant.TokenRequest, client *storage.Client) (*token.Response, error)
	healthErr error
}

var _ Engine = (*fakeEngine)(nil)

func (e *fakeEngine) Runtime(domainID string) (*domain.Runtime, bool) { return e.registry.Get(domainID) }

func (e *fakeEngine) Client(ctx context.Context, domainID, clientID string) (*storage.Client, error) {
	return e.store.GetClient(ctx, domainID, clientID)
}

func (e *fakeEngine) Authorize(ctx context.Context, req *flow.AuthorizationRequest, user *flow.User) (*flow.Outcome, error) {
	rt, _ := e.registry.Get(req.DomainID)
	return rt.Resolver.Authorize(ctx, req, user)
}

func (e *fakeEngine) Token(ctx context.Context, req *grant.TokenRequest, client *storage.Client) (*token.Response, error) {
	if e.tokenHook != nil {
		return e.tokenHook(ctx, req, client)
	}
	rt, _ := e.registry.Get(req.DomainID)
	return rt.Dispatcher().Grant(ctx, req, client)
}

func (e *fakeEngine) Introspect(ctx context.Context, domainID, raw, hint string, caller *storage.Client) (*introspection.Response, error) {
	rt, _ := e.registry.Get(domainID)
	return rt.Introspection.Introspect(ctx, domainID, raw, hint, caller)
}

func (e *fakeEngine) Revoke(ctx context.Context, domainID, raw, hint string, caller *storage.Client) error {
	rt, _ := e.registry.Get(domainID)
	return rt.Introspection.Revoke(ctx, domainID, raw, hint, caller)
}

func (e *fakeEngine) Approve(ctx context.Context, domainID, userID, clientID string, decisions map[string]bool) error {
	rt, _ := e.registry.Get(domainID)
	return rt.Consent.Approve(ctx, domainID, userID, clientID, decisions)
}

func (*fakeEngine) Now() time.Time { return time.Now() }

func (e *fakeEngine) Health(context.Context) error { return e.healthErr }

func mustHash(t *testing.T, secret string) []byte {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

// newFakeEngine activates domain "acme" with three clients:
//   - conf: confidential, client_credentials and authorization_code, auto-approved
//   - codeonly: confidential, authorization_code only
//   - spa: public, authorization_code, consent required
func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateDomain(ctx, &storage.Domain{ID: "acme", Enabled: true}))
	require.NoError(t, store.CreateCertificate(ctx, &storage.Certificate{
		ID: "c1", DomainID: "acme", Type: keys.TypeGenerated, CreatedAt: time.Now(),
	}))
	for _, c := range []*storage.Client{
		{
			ClientID:          "conf",
			SecretHash:        mustHash(t, confSecret),
			GrantTypes:        []string{"client_credentials", "authorization_code"},
			ResponseTypes:     []string{"code"},
			RedirectURIs:      []string{confRedirect},
			Scopes:            []string{"read", "openid"},
			AutoApproveScopes: []string{"read", "openid"},
		},
		{
			ClientID:      "codeonly",
			SecretHash:    mustHash(t, "codeonly-secret"),
			GrantTypes:    []string{"authorization_code"},
			ResponseTypes: []string{"code"},
			RedirectURIs:  []string{confRedirect},
			Scopes:        []string{"read"},
		},
		{
			ClientID:      "spa",
			GrantTypes:    []string{"authorization_code"},
			ResponseTypes: []string{"code"},
			RedirectURIs:  []string{spaRedirect},
			Scopes:        []string{"profile"},
		},
	} {
		c.DomainID = "acme"
		require.NoError(t, store.RegisterClient(ctx, c))
	}

	opaque, err := token.NewOpaque(bytes.Repeat([]byte("f"), 32))
	require.NoError(t, err)
	registry := domain.NewRegistry(domain.Config{
		Store:        store,
		Tokens:       token.NewService(opaque, store),
		Certificates: keys.NewDefaultRegistry(),
		Extensions:   extension.NewRegistry(),
		Issuer:       func(d string) string { return testIssuerBase + "/" + d },
	})
	t.Cleanup(registry.Close)
	require.NoError(t, registry.Activate(ctx, "acme"))

	rt, _ := registry.Get("acme")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Keys.WaitReady(waitCtx))

	return &fakeEngine{registry: registry, store: store}
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withUser(req *http.Request, subject string) *http.Request {
	req.Header.Set(DefaultUserHeader, subject)
	return req
}
