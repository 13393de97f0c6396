// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runconfig loads the tenantauth process configuration and the seed
// file that provisions domains, clients, certificates and users.
package runconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/tenantauth/pkg/authserver"
	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. TENANTAUTH_BASE_URL.
const EnvPrefix = "TENANTAUTH"

// Event bus types.
const (
	EventsMemory = "memory"
	EventsRedis  = "redis"
)

// Defaults for the process configuration.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
)

// RunConfig is the serializable process configuration.
type RunConfig struct {
	// BaseURL is the externally visible URL the per-domain issuers are built from.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// HMACSecretFile holds the secret opaque tokens are signed with.
	HMACSecretFile string `mapstructure:"hmac_secret_file" yaml:"hmac_secret_file"`

	// RotatedHMACSecretFiles hold previous secrets still accepted for verification.
	RotatedHMACSecretFiles []string `mapstructure:"rotated_hmac_secret_files" yaml:"rotated_hmac_secret_files,omitempty"`

	// SeedFile provisions domains and clients at startup.
	SeedFile string `mapstructure:"seed_file" yaml:"seed_file,omitempty"`

	ConsentURL string `mapstructure:"consent_url" yaml:"consent_url,omitempty"`
	UserHeader string `mapstructure:"user_header" yaml:"user_header,omitempty"`

	AllowPublicClientsWithoutPKCE bool `mapstructure:"allow_public_clients_without_pkce" yaml:"allow_public_clients_without_pkce,omitempty"`

	Lifespans LifespanConfig `mapstructure:"lifespans" yaml:"lifespans,omitempty"`

	RepositoryTimeout time.Duration `mapstructure:"repository_timeout" yaml:"repository_timeout,omitempty"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout,omitempty"`

	Storage    storage.RunConfig `mapstructure:"storage" yaml:"storage,omitempty"`
	Events     EventsConfig      `mapstructure:"events" yaml:"events,omitempty"`
	RemoteJWKS RemoteJWKSConfig  `mapstructure:"remote_jwks" yaml:"remote_jwks,omitempty"`

	// Metrics exposes /metrics when set.
	Metrics bool `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// LifespanConfig sets server-wide token lifetimes. Zero values use the defaults.
type LifespanConfig struct {
	AccessToken  time.Duration `mapstructure:"access_token" yaml:"access_token,omitempty"`
	RefreshToken time.Duration `mapstructure:"refresh_token" yaml:"refresh_token,omitempty"`
	IDToken      time.Duration `mapstructure:"id_token" yaml:"id_token,omitempty"`
	AuthCode     time.Duration `mapstructure:"auth_code" yaml:"auth_code,omitempty"`
}

// EventsConfig selects the domain event bus.
type EventsConfig struct {
	// Type is "memory" or "redis". The redis bus shares the storage connection.
	Type    string `mapstructure:"type" yaml:"type,omitempty"`
	Channel string `mapstructure:"channel" yaml:"channel,omitempty"`
}

// RemoteJWKSConfig tunes the remote JWK Set cache.
type RemoteJWKSConfig struct {
	FetchTimeout              time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout,omitempty"`
	MinRefreshInterval        time.Duration `mapstructure:"min_refresh_interval" yaml:"min_refresh_interval,omitempty"`
	MaxRefreshInterval        time.Duration `mapstructure:"max_refresh_interval" yaml:"max_refresh_interval,omitempty"`
	UnknownKeyRefreshInterval time.Duration `mapstructure:"unknown_key_refresh_interval" yaml:"unknown_key_refresh_interval,omitempty"`
}

// defaults registers every key so environment variables reach Unmarshal.
var defaults = map[string]any{
	"base_url":                                 "",
	"listen":                                   DefaultListenAddr,
	"hmac_secret_file":                         "",
	"rotated_hmac_secret_files":                []string{},
	"seed_file":                                "",
	"consent_url":                              "",
	"user_header":                              "",
	"allow_public_clients_without_pkce":        false,
	"lifespans.access_token":                   token.DefaultAccessTokenLifespan,
	"lifespans.refresh_token":                  token.DefaultRefreshTokenLifespan,
	"lifespans.id_token":                       token.DefaultIDTokenLifespan,
	"lifespans.auth_code":                      token.DefaultAuthCodeLifespan,
	"repository_timeout":                       authserver.DefaultRepositoryTimeout,
	"shutdown_timeout":                         DefaultShutdownTimeout,
	"storage.type":                             string(storage.TypeMemory),
	"storage.sqlite_path":                      "",
	"events.type":                              EventsMemory,
	"events.channel":                           "",
	"remote_jwks.fetch_timeout":                time.Duration(0),
	"remote_jwks.min_refresh_interval":         time.Duration(0),
	"remote_jwks.max_refresh_interval":         time.Duration(0),
	"remote_jwks.unknown_key_refresh_interval": time.Duration(0),
	"metrics":                                  false,
}

// redisKeys are bound to the environment without a default so an unset
// redis section stays nil.
var redisKeys = []string{
	"storage.redis.addr",
	"storage.redis.master_name",
	"storage.redis.sentinel_addrs",
	"storage.redis.db",
	"storage.redis.username",
	"storage.redis.password_file",
	"storage.redis.key_prefix",
}

// Configure prepares v to read TENANTAUTH_* variables and the defaults.
// Nested keys use an underscore, e.g. TENANTAUTH_STORAGE_TYPE.
func Configure(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range redisKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the configuration file at path, if any, and returns the merged
// configuration. v must have been prepared with Configure.
func Load(v *viper.Viper, path string) (*RunConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logger.Debugw("loaded configuration file", "path", v.ConfigFileUsed())
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that are not validated by authserver.Config.
func (c *RunConfig) Validate() error {
	if c.HMACSecretFile == "" {
		return errors.New("hmac_secret_file is required")
	}
	switch c.Events.Type {
	case "", EventsMemory:
	case EventsRedis:
		if storage.Type(c.Storage.Type) != storage.TypeRedis {
			return errors.New("the redis event bus requires redis storage")
		}
	default:
		return fmt.Errorf("unknown events type %q", c.Events.Type)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	return nil
}

// BuildConfig reads the secret files and returns the server configuration.
func (c *RunConfig) BuildConfig() (*authserver.Config, error) {
	secret, err := crypto.LoadHMACSecret(c.HMACSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load HMAC secret: %w", err)
	}
	rotated := make([][]byte, 0, len(c.RotatedHMACSecretFiles))
	for _, path := range c.RotatedHMACSecretFiles {
		s, err := crypto.LoadHMACSecret(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotated HMAC secret: %w", err)
		}
		rotated = append(rotated, s)
	}

	cfg := &authserver.Config{
		BaseURL:            c.BaseURL,
		HMACSecret:         secret,
		RotatedHMACSecrets: rotated,
		Lifespans: token.Lifespans{
			AccessToken:  c.Lifespans.AccessToken,
			RefreshToken: c.Lifespans.RefreshToken,
			IDToken:      c.Lifespans.IDToken,
			AuthCode:     c.Lifespans.AuthCode,
		},
		RepositoryTimeout: c.RepositoryTimeout,
		RemoteJWKS: jwks.RemoteConfig{
			FetchTimeout:              c.RemoteJWKS.FetchTimeout,
			MinRefreshInterval:        c.RemoteJWKS.MinRefreshInterval,
			MaxRefreshInterval:        c.RemoteJWKS.MaxRefreshInterval,
			UnknownKeyRefreshInterval: c.RemoteJWKS.UnknownKeyRefreshInterval,
		},
		ConsentURL:                    c.ConsentURL,
		UserHeader:                    c.UserHeader,
		AllowPublicClientsWithoutPKCE: c.AllowPublicClientsWithoutPKCE,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
