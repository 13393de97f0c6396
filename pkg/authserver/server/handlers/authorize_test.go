// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func authorizeURL(params url.Values) string {
	return "/acme/oauth/authorize?" + params.Encode()
}

func location(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

func TestAuthorizeHandler_CodeFlow(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeEngine(t)).Routes()
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {"conf"},
		"redirect_uri":  {confRedirect},
		"scope":         {"read"},
		"state":         {"af0ifjsldkj"},
	}

	t.Run("GET", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(params), nil), "alice"))
		loc := location(t, rec)
		assert.Equal(t, "app.example.com", loc.Host)
		assert.NotEmpty(t, loc.Query().Get("code"))
		assert.Equal(t, "af0ifjsldkj", loc.Query().Get("state"))
	})

	t.Run("POST", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, withUser(postForm("/acme/oauth/authorize", params), "alice"))
		assert.NotEmpty(t, location(t, rec).Query().Get("code"))
	})

	t.Run("no user is redirected as login_required", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, httptest.NewRequest(http.MethodGet, authorizeURL(params), nil))
		loc := location(t, rec)
		assert.Equal(t, "login_required", loc.Query().Get("error"))
		assert.Equal(t, "af0ifjsldkj", loc.Query().Get("state"))
	})
}

func TestAuthorizeHandler_Errors(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeEngine(t)).Routes()

	t.Run("unknown client is shown to the user agent", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(url.Values{
			"response_type": {"code"}, "client_id": {"ghost"}, "redirect_uri": {"https://evil.example.com/cb"},
		}), nil), "alice"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))
		assert.Equal(t, "invalid_client", decodeError(t, rec).Error)
	})

	t.Run("unregistered redirect is never followed", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(url.Values{
			"response_type": {"code"}, "client_id": {"conf"}, "redirect_uri": {"https://evil.example.com/cb"},
		}), nil), "alice"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))
	})

	t.Run("duplicate parameters", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, httptest.NewRequest(http.MethodGet,
			"/acme/oauth/authorize?client_id=conf&client_id=spa&response_type=code", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decodeError(t, rec).Error)
	})

	t.Run("validated redirect carries the error", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(url.Values{
			"response_type": {"code"}, "client_id": {"conf"}, "redirect_uri": {confRedirect},
			"scope": {"admin"}, "state": {"s"},
		}), nil), "alice"))
		loc := location(t, rec)
		assert.Equal(t, "app.example.com", loc.Host)
		assert.Equal(t, "invalid_scope", loc.Query().Get("error"))
		assert.Equal(t, "s", loc.Query().Get("state"))
	})

	t.Run("public client without PKCE", func(t *testing.T) {
		t.Parallel()
		rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(url.Values{
			"response_type": {"code"}, "client_id": {"spa"}, "redirect_uri": {spaRedirect}, "scope": {"profile"},
		}), nil), "alice"))
		assert.Equal(t, "invalid_request", location(t, rec).Query().Get("error"))
	})
}

func spaParams() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa"},
		"redirect_uri":          {spaRedirect},
		"scope":                 {"profile"},
		"state":                 {"st"},
		"code_challenge":        {crypto.DeriveS256Challenge(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func TestAuthorizeHandler_ConsentRequiredWithoutPage(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeEngine(t)).Routes()

	rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(spaParams()), nil), "alice"))
	loc := location(t, rec)
	assert.Equal(t, "spa.example.com", loc.Host)
	assert.Equal(t, "consent_required", loc.Query().Get("error"))
	assert.Equal(t, "st", loc.Query().Get("state"))
}

func TestAuthorizeHandler_ConsentRoundTrip(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeEngine(t), WithConsentPage(testConsentPage)).Routes()

	// 1. Pending consent sends the user to the consent page.
	rec := serve(h, withUser(httptest.NewRequest(http.MethodGet, authorizeURL(spaParams()), nil), "alice"))
	page := location(t, rec)
	assert.Equal(t, "consent.example.com", page.Host)
	assert.Equal(t, "acme", page.Query().Get("domain"))
	assert.Equal(t, "spa", page.Query().Get("client_id"))
	assert.Equal(t, "profile", page.Query().Get("scope"))
	returnTo := page.Query().Get("return_to")
	require.NotEmpty(t, returnTo)

	// 2. The page posts the decision and is sent back.
	rec = serve(h, withUser(postForm("/acme/oauth/consent", url.Values{
		"client_id": {"spa"},
		"approve":   {"profile"},
		"return_to": {returnTo},
	}), "alice"))
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, returnTo, rec.Header().Get("Location"))

	// 3. The resumed request issues the code.
	rec = serve(h, withUser(httptest.NewRequest(http.MethodGet, returnTo, nil), "alice"))
	loc := location(t, rec)
	assert.Equal(t, "spa.example.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("code"))

	// Consent belongs to alice only.
	rec = serve(h, withUser(httptest.NewRequest(http.MethodGet, returnTo, nil), "bob"))
	assert.Equal(t, "consent.example.com", location(t, rec).Host)
}

func TestConsentHandler_Validation(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeEngine(t)).Routes()

	tests := []struct {
		name     string
		user     string
		form     url.Values
		wantCode int
		wantErr  string
	}{
		{name: "no user", form: url.Values{"client_id": {"spa"}, "approve": {"profile"}}, wantCode: http.StatusBadRequest, wantErr: "login_required"},
		{name: "no client", user: "alice", form: url.Values{"approve": {"profile"}}, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{name: "no decisions", user: "alice", form: url.Values{"client_id": {"spa"}}, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{
			name:     "absolute return_to",
			user:     "alice",
			form:     url.Values{"client_id": {"spa"}, "approve": {"profile"}, "return_to": {"https://evil.example.com/acme/oauth/authorize"}},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "scheme-relative return_to",
			user:     "alice",
			form:     url.Values{"client_id": {"spa"}, "approve": {"profile"}, "return_to": {"//evil.example.com/acme/oauth/authorize"}},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "other domain return_to",
			user:     "alice",
			form:     url.Values{"client_id": {"spa"}, "approve": {"profile"}, "return_to": {"/globex/oauth/authorize"}},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{name: "without return_to", user: "alice", form: url.Values{"client_id": {"spa"}, "deny": {"profile"}}, wantCode: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := postForm("/acme/oauth/consent", tt.form)
			if tt.user != "" {
				withUser(req, tt.user)
			}
			rec := serve(h, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decodeError(t, rec).Error)
			}
		})
	}
}
