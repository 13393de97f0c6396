// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/tenantauth/pkg/authserver/extension"
	"github.com/stacklok/tenantauth/pkg/authserver/idp"
	"github.com/stacklok/tenantauth/pkg/authserver/idp/mocks"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*fixture, *storage.Client, *token.Response) {
		t.Helper()
		f := newFixture(t)
		client := confidentialClient(TypeAuthorizationCode, TypeRefreshToken)
		code := f.issueCode(t, client, "", "openid", "profile", "email")
		resp, err := NewAuthorizationCodeStrategy(f.env).Grant(context.Background(), f.request(t, "web", codeForm(code, "")), client)
		require.NoError(t, err)
		return f, client, resp
	}
	refreshForm := func(rt, scope string) url.Values {
		form := url.Values{"grant_type": {TypeRefreshToken}, "refresh_token": {rt}}
		if scope != "" {
			form.Set("scope", scope)
		}
		return form
	}

	t.Run("rotates and keeps the grant", func(t *testing.T) {
		t.Parallel()
		f, client, first := setup(t)
		s := NewRefreshTokenStrategy(f.env)

		second, err := s.Grant(context.Background(), f.request(t, "web", refreshForm(first.RefreshToken, "")), client)
		require.NoError(t, err)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
		assert.Equal(t, first.GrantID, second.GrantID)
		assert.Equal(t, []string{"openid", "profile", "email"}, second.Scopes)
		assert.NotEmpty(t, second.IDToken)

		_, err = s.Grant(context.Background(), f.request(t, "web", refreshForm(first.RefreshToken, "")), client)
		assert.True(t, oautherrors.IsInvalidGrant(err), "a rotated refresh token must not be reusable")
	})

	t.Run("narrows scope", func(t *testing.T) {
		t.Parallel()
		f, client, first := setup(t)
		resp, err := NewRefreshTokenStrategy(f.env).Grant(context.Background(),
			f.request(t, "web", refreshForm(first.RefreshToken, "profile")), client)
		require.NoError(t, err)
		assert.Equal(t, []string{"profile"}, resp.Scopes)
		assert.Empty(t, resp.IDToken)
	})

	t.Run("cannot widen scope", func(t *testing.T) {
		t.Parallel()
		f, client, first := setup(t)
		_, err := NewRefreshTokenStrategy(f.env).Grant(context.Background(),
			f.request(t, "web", refreshForm(first.RefreshToken, "profile api:read")), client)
		assert.True(t, oautherrors.IsInvalidScope(err))
	})

	t.Run("bound to the client", func(t *testing.T) {
		t.Parallel()
		f, _, first := setup(t)
		other := confidentialClient(TypeRefreshToken)
		other.ClientID = "mobile"
		_, err := NewRefreshTokenStrategy(f.env).Grant(context.Background(),
			f.request(t, "mobile", refreshForm(first.RefreshToken, "")), other)
		assert.True(t, oautherrors.IsInvalidGrant(err))
	})

	t.Run("expires", func(t *testing.T) {
		t.Parallel()
		f, client, first := setup(t)
		f.clock.Advance(token.DefaultRefreshTokenLifespan + time.Second)
		_, err := NewRefreshTokenStrategy(f.env).Grant(context.Background(),
			f.request(t, "web", refreshForm(first.RefreshToken, "")), client)
		assert.True(t, oautherrors.IsInvalidGrant(err))
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		t.Parallel()
		f, client, first := setup(t)
		_, err := NewRefreshTokenStrategy(f.env).Grant(context.Background(),
			f.request(t, "web", refreshForm(first.AccessToken, "")), client)
		assert.True(t, oautherrors.IsInvalidGrant(err))
	})
}

func TestClientCredentials(t *testing.T) {
	t.Parallel()

	form := func(scope string) url.Values {
		return url.Values{"grant_type": {TypeClientCredentials}, "scope": {scope}}
	}

	t.Run("issues an access token only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		client := confidentialClient(TypeClientCredentials, TypeRefreshToken)
		resp, err := NewClientCredentialsStrategy(f.env).Grant(context.Background(), f.request(t, "web", form("api:read")), client)
		require.NoError(t, err)
		assert.Empty(t, resp.RefreshToken)
		assert.Empty(t, resp.IDToken)
		assert.Equal(t, "web", f.verifyAccess(t, resp.AccessToken).Subject)
	})

	t.Run("public clients are refused", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		client := confidentialClient(TypeClientCredentials)
		client.SecretHash = nil
		_, err := NewClientCredentialsStrategy(f.env).Grant(context.Background(), f.request(t, "web", form("api:read")), client)
		assert.True(t, oautherrors.IsUnauthorizedClient(err))
	})

	t.Run("scope outside the registration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		client := confidentialClient(TypeClientCredentials)
		_, err := NewClientCredentialsStrategy(f.env).Grant(context.Background(), f.request(t, "web", form("api:write")), client)
		assert.True(t, oautherrors.IsInvalidScope(err))
	})

	t.Run("resource outside the registration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		client := confidentialClient(TypeClientCredentials)
		fm := form("api:read")
		fm.Set("resource", "https://elsewhere.example.com")
		_, err := NewClientCredentialsStrategy(f.env).Grant(context.Background(), f.request(t, "web", fm), client)
		assert.Equal(t, oautherrors.KindInvalidTarget, oautherrors.KindOf(err))
	})
}

func TestPassword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		form   url.Values
		expect func(m *mocks.MockAuthenticator)
		check  func(t *testing.T, f *fixture, resp *token.Response, err error)
	}{
		{
			name: "valid credentials",
			form: url.Values{"username": {"alice"}, "password": {"pw"}, "scope": {"openid"}},
			expect: func(m *mocks.MockAuthenticator) {
				m.EXPECT().Authenticate(gomock.Any(), testDomain, "alice", "pw").
					Return(&idp.User{Subject: "u-1", Username: "alice"}, nil)
			},
			check: func(t *testing.T, f *fixture, resp *token.Response, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.NotEmpty(t, resp.IDToken)
				assert.Equal(t, "u-1", f.verifyAccess(t, resp.AccessToken).Subject)
			},
		},
		{
			name: "wrong credentials",
			form: url.Values{"username": {"alice"}, "password": {"bad"}},
			expect: func(m *mocks.MockAuthenticator) {
				m.EXPECT().Authenticate(gomock.Any(), testDomain, "alice", "bad").Return(nil, idp.ErrInvalidCredentials)
			},
			check: func(t *testing.T, _ *fixture, _ *token.Response, err error) {
				t.Helper()
				assert.True(t, oautherrors.IsInvalidGrant(err))
			},
		},
		{
			name: "backend failure",
			form: url.Values{"username": {"alice"}, "password": {"pw"}},
			expect: func(m *mocks.MockAuthenticator) {
				m.EXPECT().Authenticate(gomock.Any(), testDomain, "alice", "pw").Return(nil, errors.New("ldap down"))
			},
			check: func(t *testing.T, _ *fixture, _ *token.Response, err error) {
				t.Helper()
				assert.True(t, oautherrors.IsServerError(err))
			},
		},
		{
			name:   "missing password",
			form:   url.Values{"username": {"alice"}},
			expect: func(*mocks.MockAuthenticator) {},
			check: func(t *testing.T, _ *fixture, _ *token.Response, err error) {
				t.Helper()
				assert.True(t, oautherrors.IsInvalidRequest(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			authn := mocks.NewMockAuthenticator(ctrl)
			tt.expect(authn)

			f := newFixture(t)
			tt.form.Set("grant_type", TypePassword)
			resp, err := NewPasswordStrategy(f.env, authn).Grant(context.Background(),
				f.request(t, "web", tt.form), confidentialClient(TypePassword))
			tt.check(t, f, resp, err)
		})
	}
}

type providerFunc func(ctx context.Context, req *extension.Request) (*extension.Result, error)

func (p providerFunc) Grant(ctx context.Context, req *extension.Request) (*extension.Result, error) {
	return p(ctx, req)
}

func TestExtensionStrategy(t *testing.T) {
	t.Parallel()

	const grantType = "urn:example:grant-type:device-token"
	grantCfg := &storage.ExtensionGrant{ID: "x1", DomainID: testDomain, GrantType: grantType, IssueRefreshToken: true}

	tests := []struct {
		name        string
		providerErr error
		description string
	}{
		{"provider message is kept verbatim", extension.Fail("device not enrolled", nil), "device not enrolled"},
		{"plain error text is used", errors.New("token expired"), "token expired"},
		{"empty message becomes Unknown error", errors.New(""), "Unknown error"},
		{"empty provider failure becomes Unknown error", extension.Fail("", errors.New("internal")), "Unknown error"},
		{"nil result without error becomes Unknown error", nil, "Unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			s := NewExtensionStrategy(f.env, grantCfg, providerFunc(func(context.Context, *extension.Request) (*extension.Result, error) {
				return nil, tt.providerErr
			}))
			_, err := s.Grant(context.Background(), f.request(t, "web", url.Values{"grant_type": {grantType}}),
				confidentialClient(grantType))
			require.Error(t, err)
			e := oautherrors.FromError(err)
			assert.Equal(t, "invalid_grant", e.Code)
			assert.Equal(t, tt.description, e.Message)
		})
	}

	t.Run("success issues tokens for the provider's subject", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		s := NewExtensionStrategy(f.env, grantCfg, providerFunc(func(_ context.Context, req *extension.Request) (*extension.Result, error) {
			assert.Equal(t, testIssuer, req.Issuer)
			return &extension.Result{Subject: "device-7", Scopes: []string{"profile"}}, nil
		}))
		resp, err := s.Grant(context.Background(), f.request(t, "web", url.Values{"grant_type": {grantType}}),
			confidentialClient(grantType, TypeRefreshToken))
		require.NoError(t, err)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, []string{"profile"}, resp.Scopes)
		assert.Equal(t, "device-7", f.verifyAccess(t, resp.AccessToken).Subject)
	})
}
