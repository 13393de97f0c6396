// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the repository contract of the authorization
// engine and its memory, Redis and SQLite backends.
//
// Every read returns a copy. Callers may keep or modify returned records
// without affecting the store.
package storage

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/ory/fosite"
)

// ApprovalStatus is the recorded decision of a user for one scope.
type ApprovalStatus string

const (
	// ApprovalApproved grants the scope.
	ApprovalApproved ApprovalStatus = "APPROVED"
	// ApprovalDenied refuses the scope.
	ApprovalDenied ApprovalStatus = "DENIED"
)

// TokenType distinguishes the token records kept for revocation and introspection.
type TokenType string

const (
	// TokenTypeAccess is a JWT access token, keyed by its jti.
	TokenTypeAccess TokenType = "access_token"
	// TokenTypeRefresh is an opaque refresh token, keyed by its HMAC signature.
	TokenTypeRefresh TokenType = "refresh_token"
)

// Domain is a tenant of the authorization server.
type Domain struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// ScopeApprovalLifespan is how long recorded consent stays valid.
	// Zero selects the server default.
	ScopeApprovalLifespan time.Duration `json:"scope_approval_lifespan,omitempty"`

	// DefaultCertificateID selects the signing certificate when a client
	// does not pin one.
	DefaultCertificateID string `json:"default_certificate_id,omitempty"`
}

// Client is an OAuth 2.0 client registered in a domain.
type Client struct {
	DomainID string `json:"domain_id"`
	ClientID string `json:"client_id"`

	// SecretHash is the bcrypt hash of the client secret. Empty for public clients.
	SecretHash []byte `json:"secret_hash,omitempty"`

	GrantTypes        []string `json:"grant_types"`
	ResponseTypes     []string `json:"response_types"`
	RedirectURIs      []string `json:"redirect_uris"`
	Scopes            []string `json:"scopes"`
	AutoApproveScopes []string `json:"auto_approve_scopes,omitempty"`
	Audiences         []string `json:"audiences,omitempty"`

	// CertificateID pins the certificate used to sign this client's tokens.
	CertificateID string `json:"certificate_id,omitempty"`

	AccessTokenLifespan  time.Duration `json:"access_token_lifespan,omitempty"`
	RefreshTokenLifespan time.Duration `json:"refresh_token_lifespan,omitempty"`
	IDTokenLifespan      time.Duration `json:"id_token_lifespan,omitempty"`
}

// GetID implements fosite.Client.
func (c *Client) GetID() string { return c.ClientID }

// GetHashedSecret implements fosite.Client.
func (c *Client) GetHashedSecret() []byte { return c.SecretHash }

// GetRedirectURIs implements fosite.Client.
func (c *Client) GetRedirectURIs() []string { return c.RedirectURIs }

// GetGrantTypes implements fosite.Client.
func (c *Client) GetGrantTypes() fosite.Arguments { return c.GrantTypes }

// GetResponseTypes implements fosite.Client.
func (c *Client) GetResponseTypes() fosite.Arguments { return c.ResponseTypes }

// GetScopes implements fosite.Client.
func (c *Client) GetScopes() fosite.Arguments { return c.Scopes }

// GetAudience implements fosite.Client.
func (c *Client) GetAudience() fosite.Arguments { return c.Audiences }

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool { return len(c.SecretHash) == 0 }

// HasGrantType reports whether grantType is in the client's authorized set.
func (c *Client) HasGrantType(grantType string) bool {
	return grantType != "" && c.GetGrantTypes().Has(grantType)
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.SecretHash = slices.Clone(c.SecretHash)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Scopes = slices.Clone(c.Scopes)
	out.AutoApproveScopes = slices.Clone(c.AutoApproveScopes)
	out.Audiences = slices.Clone(c.Audiences)
	return &out
}

var _ fosite.Client = (*Client)(nil)

// AuthorizationCode is a single-use credential binding an authorization
// request to an authenticated end user.
type AuthorizationCode struct {
	// ID identifies the grant. Tokens issued from the code carry it as GrantID.
	ID string `json:"id"`

	// Signature is the HMAC signature of the code and the storage key.
	Signature string `json:"signature"`

	DomainID            string    `json:"domain_id"`
	ClientID            string    `json:"client_id"`
	Subject             string    `json:"subject"`
	Username            string    `json:"username,omitempty"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	RedirectURIOmitted  bool      `json:"redirect_uri_omitted,omitempty"`
	Scopes              []string  `json:"scopes,omitempty"`
	Audience            []string  `json:"audience,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpired reports whether the code is past its expiry.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	out.Audience = slices.Clone(c.Audience)
	return &out
}

// ScopeApproval is a user's consent decision for one scope of one client.
type ScopeApproval struct {
	DomainID  string         `json:"domain_id"`
	UserID    string         `json:"user_id"`
	ClientID  string         `json:"client_id"`
	Scope     string         `json:"scope"`
	Status    ApprovalStatus `json:"status"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsExpired reports whether the approval is past its expiry.
func (a *ScopeApproval) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// ScopeApprovalKey identifies a ScopeApproval.
type ScopeApprovalKey struct {
	DomainID string
	UserID   string
	ClientID string
	Scope    string
}

// Key returns the identifying fields of a.
func (a *ScopeApproval) Key() ScopeApprovalKey {
	return ScopeApprovalKey{DomainID: a.DomainID, UserID: a.UserID, ClientID: a.ClientID, Scope: a.Scope}
}

// Certificate is the persisted configuration a CertificateProvider is built from.
type Certificate struct {
	ID       string `json:"id"`
	DomainID string `json:"domain_id"`
	Name     string `json:"name"`

	// Type selects the provider factory, for example "pem" or "generated".
	Type string `json:"type"`

	// Configuration is the provider-specific JSON document.
	Configuration json.RawMessage `json:"configuration,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	out := *c
	out.Configuration = slices.Clone(c.Configuration)
	return &out
}

// ExtensionGrant is the persisted configuration of an extension grant.
type ExtensionGrant struct {
	ID       string `json:"id"`
	DomainID string `json:"domain_id"`
	Name     string `json:"name"`

	// Type selects the provider factory, for example "jwt-bearer".
	Type string `json:"type"`

	// GrantType is the grant_type URN the grant answers to.
	GrantType string `json:"grant_type"`

	Configuration     json.RawMessage `json:"configuration,omitempty"`
	IssueRefreshToken bool            `json:"issue_refresh_token,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Clone returns a deep copy.
func (g *ExtensionGrant) Clone() *ExtensionGrant {
	if g == nil {
		return nil
	}
	out := *g
	out.Configuration = slices.Clone(g.Configuration)
	return &out
}

// TokenRecord tracks an issued token so it can be introspected and revoked.
type TokenRecord struct {
	// Signature is the JWT jti for access tokens and the HMAC signature for refresh tokens.
	Signature string    `json:"signature"`
	Type      TokenType `json:"type"`
	DomainID  string    `json:"domain_id"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject,omitempty"`
	Username  string    `json:"username,omitempty"`

	// GrantID links every token issued from the same authorization.
	GrantID   string    `json:"grant_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	Audience  []string  `json:"audience,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the token is past its expiry.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Scopes = slices.Clone(r.Scopes)
	out.Audience = slices.Clone(r.Audience)
	return &out
}

// DomainStorage persists tenants.
type DomainStorage interface {
	CreateDomain(ctx context.Context, domain *Domain) error
	GetDomain(ctx context.Context, id string) (*Domain, error)
	ListDomains(ctx context.Context) ([]*Domain, error)
}

// ClientStorage persists OAuth clients.
type ClientStorage interface {
	// RegisterClient creates or replaces a client.
	RegisterClient(ctx context.Context, client *Client) error

	// GetClient returns ErrNotFound for unknown clients.
	GetClient(ctx context.Context, domainID, clientID string) (*Client, error)
}

// CertificateStorage persists certificate configurations.
type CertificateStorage interface {
	CreateCertificate(ctx context.Context, cert *Certificate) error
	DeleteCertificate(ctx context.Context, domainID, id string) error

	// ListCertificates returns the domain's certificates in creation order.
	ListCertificates(ctx context.Context, domainID string) ([]*Certificate, error)
}

// ExtensionGrantStorage persists extension grant configurations.
type ExtensionGrantStorage interface {
	CreateExtensionGrant(ctx context.Context, grant *ExtensionGrant) error
	DeleteExtensionGrant(ctx context.Context, domainID, id string) error

	// ListExtensionGrants returns the domain's extension grants in creation order.
	ListExtensionGrants(ctx context.Context, domainID string) ([]*ExtensionGrant, error)
}

// ScopeApprovalStorage persists consent.
type ScopeApprovalStorage interface {
	// SaveScopeApproval creates or replaces the approval with the same key.
	SaveScopeApproval(ctx context.Context, approval *ScopeApproval) error

	// GetScopeApproval returns ErrNotFound for missing or expired approvals.
	GetScopeApproval(ctx context.Context, key ScopeApprovalKey) (*ScopeApproval, error)

	// ListScopeApprovals returns the user's non-expired approvals.
	ListScopeApprovals(ctx context.Context, domainID, userID string) ([]*ScopeApproval, error)

	// RevokeScopeApproval deletes matching approvals. An empty key.Scope
	// matches every scope of the client.
	RevokeScopeApproval(ctx context.Context, key ScopeApprovalKey) error
}

// AuthorizationCodeStorage persists authorization codes.
type AuthorizationCodeStorage interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically removes and returns the code.
	// Exactly one concurrent caller succeeds. Later callers receive
	// ErrCodeReplayed with the consumed record while the replay marker is
	// kept, and ErrNotFound afterwards.
	ConsumeAuthorizationCode(ctx context.Context, domainID, signature string) (*AuthorizationCode, error)
}

// TokenStorage persists issued token records.
type TokenStorage interface {
	CreateToken(ctx context.Context, record *TokenRecord) error

	// GetToken returns ErrNotFound for missing or expired tokens.
	GetToken(ctx context.Context, domainID, signature string) (*TokenRecord, error)

	// ConsumeToken atomically removes and returns the token. Used for
	// refresh token rotation.
	ConsumeToken(ctx context.Context, domainID, signature string) (*TokenRecord, error)

	// RevokeToken deletes one token. Missing tokens are not an error.
	RevokeToken(ctx context.Context, domainID, signature string) error

	// RevokeGrant deletes every token carrying grantID.
	RevokeGrant(ctx context.Context, domainID, grantID string) error
}

// Storage is the full repository contract.
type Storage interface {
	DomainStorage
	ClientStorage
	CertificateStorage
	ExtensionGrantStorage
	ScopeApprovalStorage
	AuthorizationCodeStorage
	TokenStorage

	// Health checks connectivity to the backend.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
