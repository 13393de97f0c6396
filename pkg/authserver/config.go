// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// MinSecretLength is the minimum required length for the HMAC secret in bytes.
// 32 bytes (256 bits) is required per OWASP/NIST security guidelines.
const MinSecretLength = 32

// DefaultRepositoryTimeout bounds the storage work of one request.
const DefaultRepositoryTimeout = 5 * time.Second

// Config is the resolved configuration of the authorization engine.
// All values must be fully resolved (no file paths, no env vars).
type Config struct {
	// BaseURL is the external URL of the server. The issuer of domain d is
	// BaseURL + "/" + d.
	BaseURL string

	// HMACSecret signs authorization codes and refresh tokens. It must be
	// at least MinSecretLength bytes and shared by every replica.
	HMACSecret []byte

	// RotatedHMACSecrets still verify tokens signed before a rotation.
	RotatedHMACSecrets [][]byte

	// Lifespans are the server-wide token lifetimes. Zero values use the
	// token package defaults.
	Lifespans token.Lifespans

	// RepositoryTimeout bounds the storage work of one request.
	RepositoryTimeout time.Duration

	// RemoteJWKS configures fetching of JWK Sets published by assertion issuers.
	RemoteJWKS jwks.RemoteConfig

	// ConsentURL is the consent page users are sent to when scopes are
	// pending. Empty answers such requests with consent_required.
	ConsentURL string

	// UserHeader is the header an authenticating proxy sets to the end
	// user's subject.
	UserHeader string

	// AllowPublicClientsWithoutPKCE turns off the PKCE requirement for
	// public clients.
	AllowPublicClientsWithoutPKCE bool

	// KeyRetryInterval and KeyMaxRetries control signing key initialization.
	KeyRetryInterval time.Duration
	KeyMaxRetries    uint

	// ActivationConcurrency bounds parallel domain activation at start.
	ActivationConcurrency int
}

// Issuer returns the issuer identifier of domainID.
func (c *Config) Issuer(domainID string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + domainID
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "base_url", c.BaseURL)

	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		return fmt.Errorf("base URL must use https unless it is a loopback address")
	}
	if u.Host == "" {
		return fmt.Errorf("base URL must have a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base URL must not have a query or fragment")
	}

	if len(c.HMACSecret) < MinSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinSecretLength)
	}
	for i, s := range c.RotatedHMACSecrets {
		if len(s) < MinSecretLength {
			return fmt.Errorf("rotated HMAC secret %d must be at least %d bytes", i, MinSecretLength)
		}
	}

	if c.ConsentURL != "" {
		if _, err := url.Parse(c.ConsentURL); err != nil {
			return fmt.Errorf("invalid consent URL: %w", err)
		}
	}
	if c.RepositoryTimeout < 0 {
		return fmt.Errorf("repository timeout must not be negative")
	}

	logger.Debugw("authserver config validation passed",
		"base_url", c.BaseURL,
		"rotated_secrets", len(c.RotatedHMACSecrets),
		"consent_page", c.ConsentURL != "",
	)
	return nil
}

// applyDefaults fills unset values.
func (c *Config) applyDefaults() {
	c.Lifespans = c.Lifespans.WithDefaults()
	if c.RepositoryTimeout == 0 {
		c.RepositoryTimeout = DefaultRepositoryTimeout
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
