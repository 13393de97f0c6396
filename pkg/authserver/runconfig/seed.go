// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/tenantauth/pkg/authserver/idp"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Seed is the provisioning file applied to storage at startup.
type Seed struct {
	Domains []SeedDomain     `yaml:"domains"`
	Users   []idp.StaticUser `yaml:"users,omitempty"`
}

// SeedDomain provisions one tenant.
type SeedDomain struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`

	ScopeApprovalLifespan time.Duration `yaml:"scope_approval_lifespan,omitempty"`
	DefaultCertificate    string        `yaml:"default_certificate,omitempty"`

	Certificates    []SeedCertificate    `yaml:"certificates,omitempty"`
	ExtensionGrants []SeedExtensionGrant `yaml:"extension_grants,omitempty"`
	Clients         []SeedClient         `yaml:"clients,omitempty"`
}

// SeedCertificate provisions a signing key. Configuration is passed to the
// provider of Type as JSON.
type SeedCertificate struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name,omitempty"`
	Type          string         `yaml:"type"`
	Configuration map[string]any `yaml:"configuration,omitempty"`
}

// SeedExtensionGrant provisions an extension grant.
type SeedExtensionGrant struct {
	ID                string         `yaml:"id"`
	Name              string         `yaml:"name,omitempty"`
	Type              string         `yaml:"type"`
	GrantType         string         `yaml:"grant_type"`
	Configuration     map[string]any `yaml:"configuration,omitempty"`
	IssueRefreshToken bool           `yaml:"issue_refresh_token,omitempty"`
}

// SeedClient provisions a client. A client without a secret is public.
// Secret is hashed on apply; prefer SecretHash outside development.
type SeedClient struct {
	ClientID   string `yaml:"client_id"`
	Secret     string `yaml:"secret,omitempty"`
	SecretHash string `yaml:"secret_hash,omitempty"`

	GrantTypes        []string `yaml:"grant_types"`
	ResponseTypes     []string `yaml:"response_types,omitempty"`
	RedirectURIs      []string `yaml:"redirect_uris,omitempty"`
	Scopes            []string `yaml:"scopes,omitempty"`
	AutoApproveScopes []string `yaml:"auto_approve_scopes,omitempty"`
	Audiences         []string `yaml:"audiences,omitempty"`
	Certificate       string   `yaml:"certificate,omitempty"`

	AccessTokenLifespan  time.Duration `yaml:"access_token_lifespan,omitempty"`
	RefreshTokenLifespan time.Duration `yaml:"refresh_token_lifespan,omitempty"`
	IDTokenLifespan      time.Duration `yaml:"id_token_lifespan,omitempty"`
}

// LoadSeed reads and validates the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks identifiers and references within the seed.
func (s *Seed) Validate() error {
	domains := make(map[string]bool, len(s.Domains))
	for i, d := range s.Domains {
		if d.ID == "" {
			return fmt.Errorf("domains[%d]: id is required", i)
		}
		if domains[d.ID] {
			return fmt.Errorf("domain %q is defined twice", d.ID)
		}
		domains[d.ID] = true
		if err := d.validate(); err != nil {
			return fmt.Errorf("domain %q: %w", d.ID, err)
		}
	}
	for i, u := range s.Users {
		if !domains[u.DomainID] {
			return fmt.Errorf("users[%d]: unknown domain %q", i, u.DomainID)
		}
	}
	return nil
}

func (d *SeedDomain) validate() error {
	certs := make(map[string]bool, len(d.Certificates))
	for i, c := range d.Certificates {
		if c.ID == "" || c.Type == "" {
			return fmt.Errorf("certificates[%d]: id and type are required", i)
		}
		if certs[c.ID] {
			return fmt.Errorf("certificate %q is defined twice", c.ID)
		}
		certs[c.ID] = true
	}
	if d.DefaultCertificate != "" && !certs[d.DefaultCertificate] {
		return fmt.Errorf("default_certificate %q is not defined", d.DefaultCertificate)
	}

	grants := make(map[string]bool, len(d.ExtensionGrants))
	for i, g := range d.ExtensionGrants {
		if g.ID == "" || g.Type == "" || g.GrantType == "" {
			return fmt.Errorf("extension_grants[%d]: id, type and grant_type are required", i)
		}
		if grants[g.ID] {
			return fmt.Errorf("extension grant %q is defined twice", g.ID)
		}
		grants[g.ID] = true
	}

	clients := make(map[string]bool, len(d.Clients))
	for i, c := range d.Clients {
		if c.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if clients[c.ClientID] {
			return fmt.Errorf("client %q is defined twice", c.ClientID)
		}
		clients[c.ClientID] = true
		if c.Secret != "" && c.SecretHash != "" {
			return fmt.Errorf("client %q: secret and secret_hash are mutually exclusive", c.ClientID)
		}
		if c.SecretHash != "" {
			if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
				return fmt.Errorf("client %q: secret_hash is not a bcrypt hash", c.ClientID)
			}
		}
		if c.Certificate != "" && !certs[c.Certificate] {
			return fmt.Errorf("client %q: certificate %q is not defined", c.ClientID, c.Certificate)
		}
	}
	return nil
}

// Apply writes the seed to stor. Domains and clients are replaced.
// Certificates and extension grants that already exist are kept, so
// applying the same seed twice is harmless.
func (s *Seed) Apply(ctx context.Context, stor storage.Storage) error {
	now := time.Now()
	for _, d := range s.Domains {
		enabled := d.Enabled == nil || *d.Enabled
		if err := stor.CreateDomain(ctx, &storage.Domain{
			ID:                    d.ID,
			Name:                  d.Name,
			Enabled:               enabled,
			ScopeApprovalLifespan: d.ScopeApprovalLifespan,
			DefaultCertificateID:  d.DefaultCertificate,
		}); err != nil {
			return fmt.Errorf("failed to create domain %q: %w", d.ID, err)
		}

		for i, c := range d.Certificates {
			raw, err := marshalConfiguration(c.Configuration)
			if err != nil {
				return fmt.Errorf("certificate %q: %w", c.ID, err)
			}
			err = stor.CreateCertificate(ctx, &storage.Certificate{
				ID:            c.ID,
				DomainID:      d.ID,
				Name:          c.Name,
				Type:          c.Type,
				Configuration: raw,
				// Keep file order as creation order.
				CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			})
			if err := ignoreExisting(err); err != nil {
				return fmt.Errorf("failed to create certificate %q: %w", c.ID, err)
			}
		}

		for i, g := range d.ExtensionGrants {
			raw, err := marshalConfiguration(g.Configuration)
			if err != nil {
				return fmt.Errorf("extension grant %q: %w", g.ID, err)
			}
			err = stor.CreateExtensionGrant(ctx, &storage.ExtensionGrant{
				ID:                g.ID,
				DomainID:          d.ID,
				Name:              g.Name,
				Type:              g.Type,
				GrantType:         g.GrantType,
				Configuration:     raw,
				IssueRefreshToken: g.IssueRefreshToken,
				CreatedAt:         now.Add(time.Duration(i) * time.Millisecond),
			})
			if err := ignoreExisting(err); err != nil {
				return fmt.Errorf("failed to create extension grant %q: %w", g.ID, err)
			}
		}

		for _, c := range d.Clients {
			client, err := c.client(d.ID)
			if err != nil {
				return err
			}
			if err := stor.RegisterClient(ctx, client); err != nil {
				return fmt.Errorf("failed to register client %q: %w", c.ClientID, err)
			}
		}
		logger.Infow("applied domain seed",
			"domain", d.ID,
			"enabled", enabled,
			"clients", len(d.Clients),
			"certificates", len(d.Certificates),
			"extension_grants", len(d.ExtensionGrants))
	}
	return nil
}

// Authenticator returns the password grant authenticator for the seeded users.
func (s *Seed) Authenticator() (*idp.StaticAuthenticator, error) {
	return idp.NewStaticAuthenticator(s.Users...)
}

func (c *SeedClient) client(domainID string) (*storage.Client, error) {
	client := &storage.Client{
		DomainID:             domainID,
		ClientID:             c.ClientID,
		GrantTypes:           c.GrantTypes,
		ResponseTypes:        c.ResponseTypes,
		RedirectURIs:         c.RedirectURIs,
		Scopes:               c.Scopes,
		AutoApproveScopes:    c.AutoApproveScopes,
		Audiences:            c.Audiences,
		CertificateID:        c.Certificate,
		AccessTokenLifespan:  c.AccessTokenLifespan,
		RefreshTokenLifespan: c.RefreshTokenLifespan,
		IDTokenLifespan:      c.IDTokenLifespan,
	}
	switch {
	case c.SecretHash != "":
		client.SecretHash = []byte(c.SecretHash)
	case c.Secret != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("client %q: failed to hash secret: %w", c.ClientID, err)
		}
		client.SecretHash = hash
	}
	return client, nil
}

func marshalConfiguration(cfg map[string]any) (json.RawMessage, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("configuration is not JSON compatible: %w", err)
	}
	return raw, nil
}

func ignoreExisting(err error) error {
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	return err
}
