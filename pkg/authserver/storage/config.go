// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses Redis, standalone or through Sentinel.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database.
	TypeSQLite Type = "sqlite"
)

const (
	// DefaultCleanupInterval is how often the in-memory cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultConsumedCodeTTL is how long a consumed code is remembered for replay detection.
	DefaultConsumedCodeTTL = 30 * time.Minute
)

// RunConfig is the serializable storage configuration.
type RunConfig struct {
	// Type is one of "memory", "redis" or "sqlite". Defaults to "memory".
	Type string `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"`

	// Redis configures the redis backend.
	Redis *RedisRunConfig `json:"redis,omitempty" yaml:"redis,omitempty" mapstructure:"redis"`

	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
}

// RedisRunConfig is the serializable Redis configuration.
type RedisRunConfig struct {
	// Addr is a host:port for a standalone server. Ignored when SentinelAddrs is set.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"`

	MasterName    string   `json:"master_name,omitempty" yaml:"master_name,omitempty" mapstructure:"master_name"`
	SentinelAddrs []string `json:"sentinel_addrs,omitempty" yaml:"sentinel_addrs,omitempty" mapstructure:"sentinel_addrs"`
	DB            int      `json:"db,omitempty" yaml:"db,omitempty" mapstructure:"db"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`

	// PasswordFile holds the ACL password.
	PasswordFile string `json:"password_file,omitempty" yaml:"password_file,omitempty" mapstructure:"password_file"`

	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}
