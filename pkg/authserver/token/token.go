// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the tokens of the authorization server:
// JWT access and ID tokens signed with the domain's certificate providers,
// and opaque HMAC refresh tokens and authorization codes.
package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

// TypeBearer is the token_type of issued access tokens.
const TypeBearer = "Bearer"

// Default lifespans.
const (
	DefaultAccessTokenLifespan  = time.Hour
	DefaultRefreshTokenLifespan = 7 * 24 * time.Hour
	DefaultIDTokenLifespan      = time.Hour
	DefaultAuthCodeLifespan     = 10 * time.Minute
)

// Lifespans are the server-wide token lifetimes. Client settings override them.
type Lifespans struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
	IDToken      time.Duration
	AuthCode     time.Duration
}

// WithDefaults fills zero values with the package defaults.
func (l Lifespans) WithDefaults() Lifespans {
	if l.AccessToken <= 0 {
		l.AccessToken = DefaultAccessTokenLifespan
	}
	if l.RefreshToken <= 0 {
		l.RefreshToken = DefaultRefreshTokenLifespan
	}
	if l.IDToken <= 0 {
		l.IDToken = DefaultIDTokenLifespan
	}
	if l.AuthCode <= 0 {
		l.AuthCode = DefaultAuthCodeLifespan
	}
	return l
}

// SignerSource selects the certificate provider tokens are signed with.
// keys.Manager implements it.
type SignerSource interface {
	SigningProvider(preferredID string) (keys.CertificateProvider, error)
}

// IssueRequest describes the tokens to mint for one grant.
type IssueRequest struct {
	Issuer   string
	DomainID string
	Client   *storage.Client
	Keys     SignerSource

	// Signer is used as is when set. Otherwise Keys selects the provider.
	Signer keys.CertificateProvider

	Subject  string
	Username string

	// GrantID links every token of one authorization. A new one is
	// generated when empty.
	GrantID  string
	Scopes   []string
	Audience []string

	AccessToken  bool
	RefreshToken bool
	IDToken      bool

	// Nonce and AuthTime go into the ID token.
	Nonce    string
	AuthTime time.Time

	// Code is hashed into the ID token's c_hash when set.
	Code string
}

// Response is the set of tokens minted for one grant.
type Response struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string
	IDToken      string
	Scopes       []string
	GrantID      string
}

// Store is the token record persistence the service needs.
type Store interface {
	CreateToken(ctx context.Context, record *storage.TokenRecord) error
}

// Service mints tokens and records them for introspection and revocation.
type Service struct {
	opaque    *Opaque
	store     Store
	lifespans Lifespans
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLifespans sets the server-wide lifespans.
func WithLifespans(l Lifespans) Option {
	return func(s *Service) { s.lifespans = l.WithDefaults() }
}

// NewService creates a Service.
func NewService(opaque *Opaque, store Store, opts ...Option) *Service {
	s := &Service{
		opaque:    opaque,
		store:     store,
		lifespans: Lifespans{}.WithDefaults(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Opaque returns the HMAC strategy used for codes and refresh tokens.
func (s *Service) Opaque() *Opaque { return s.opaque }

// Lifespans returns the server-wide lifespans.
func (s *Service) Lifespans() Lifespans { return s.lifespans }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Issue mints the requested tokens and records the access and refresh
// tokens. The refresh token record is written last.
func (s *Service) Issue(ctx context.Context, req *IssueRequest) (*Response, error) {
	var err error
	provider := req.Signer
	if provider == nil {
		if provider, err = req.Keys.SigningProvider(req.Client.CertificateID); err != nil {
			return nil, err
		}
	}
	now := s.now()
	grantID := req.GrantID
	if grantID == "" {
		grantID = uuid.NewString()
	}
	resp := &Response{Scopes: req.Scopes, GrantID: grantID}

	if req.AccessToken {
		lifespan := pick(req.Client.AccessTokenLifespan, s.lifespans.AccessToken)
		jti := uuid.NewString()
		claims := &AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    req.Issuer,
				Subject:   req.Subject,
				Audience:  audience(req),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(lifespan)),
				ID:        jti,
			},
			ClientID: req.Client.ClientID,
			Scope:    strings.Join(req.Scopes, " "),
			Username: req.Username,
		}
		resp.AccessToken, err = sign(provider, claims)
		if err != nil {
			return nil, err
		}
		resp.TokenType = TypeBearer
		resp.ExpiresIn = lifespan
		if err := s.record(ctx, req, storage.TokenTypeAccess, jti, grantID, now, lifespan); err != nil {
			return nil, err
		}
	}

	if req.IDToken {
		resp.IDToken, err = s.idToken(req, provider, resp.AccessToken, now)
		if err != nil {
			return nil, err
		}
	}

	if req.RefreshToken {
		lifespan := pick(req.Client.RefreshTokenLifespan, s.lifespans.RefreshToken)
		token, signature, err := s.opaque.Generate(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.record(ctx, req, storage.TokenTypeRefresh, signature, grantID, now, lifespan); err != nil {
			return nil, err
		}
		resp.RefreshToken = token
	}
	return resp, nil
}

func (s *Service) idToken(req *IssueRequest, p keys.CertificateProvider, accessToken string, now time.Time) (string, error) {
	lifespan := pick(req.Client.IDTokenLifespan, s.lifespans.IDToken)
	claims := &IDClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    req.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.Client.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifespan)),
			ID:        uuid.NewString(),
		},
		AuthorizedParty: req.Client.ClientID,
		Nonce:           req.Nonce,
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(req.AuthTime)
	}
	var err error
	if accessToken != "" {
		if claims.AccessTokenHash, err = crypto.LeftHalfHash(p.Algorithm(), accessToken); err != nil {
			return "", err
		}
	}
	if req.Code != "" {
		if claims.CodeHash, err = crypto.LeftHalfHash(p.Algorithm(), req.Code); err != nil {
			return "", err
		}
	}
	return sign(p, claims)
}

func (s *Service) record(
	ctx context.Context, req *IssueRequest, typ storage.TokenType, signature, grantID string, now time.Time, lifespan time.Duration,
) error {
	err := s.store.CreateToken(ctx, &storage.TokenRecord{
		Signature: signature,
		Type:      typ,
		DomainID:  req.DomainID,
		ClientID:  req.Client.ClientID,
		Subject:   req.Subject,
		Username:  req.Username,
		GrantID:   grantID,
		Scopes:    req.Scopes,
		Audience:  req.Audience,
		CreatedAt: now,
		ExpiresAt: now.Add(lifespan),
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", typ, err)
	}
	return nil
}

func sign(p keys.CertificateProvider, claims jwt.Claims) (string, error) {
	method := jwt.GetSigningMethod(p.Algorithm())
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", p.Algorithm())
	}
	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = p.KeyID()
	signed, err := t.SignedString(p.Signer())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// audience is the requested resources, or the client itself when none
// were requested.
func audience(req *IssueRequest) jwt.ClaimStrings {
	if len(req.Audience) > 0 {
		return req.Audience
	}
	return jwt.ClaimStrings{req.Client.ClientID}
}

func pick(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}
