// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/storage/sqlite"
)

// RedisPasswordEnvVar supplies the Redis password when no password file is configured.
const RedisPasswordEnvVar = "TENANTAUTH_REDIS_PASSWORD" // #nosec G101 - environment variable name, not a credential

// DefaultRedisKeyPrefix is the default key prefix for Redis storage.
const DefaultRedisKeyPrefix = "tenantauth:"

// NewStorageFromRunConfig opens the backend described by cfg. A nil cfg
// selects in-memory storage.
func NewStorageFromRunConfig(ctx context.Context, cfg *storage.RunConfig) (storage.Storage, error) {
	if cfg == nil {
		return storage.NewMemoryStorage(), nil
	}

	switch storage.Type(cfg.Type) {
	case storage.TypeMemory, "":
		return storage.NewMemoryStorage(), nil

	case storage.TypeRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required for redis storage")
		}
		rc, err := redisConfig(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStorage(ctx, rc)

	case storage.TypeSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlite.NewStore(db), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

func redisConfig(cfg *storage.RedisRunConfig) (storage.RedisConfig, error) {
	password, err := resolveRedisPassword(cfg)
	if err != nil {
		return storage.RedisConfig{}, fmt.Errorf("failed to resolve Redis password: %w", err)
	}

	rc := storage.RedisConfig{
		Addr:      cfg.Addr,
		KeyPrefix: cfg.KeyPrefix,
	}
	if rc.KeyPrefix == "" {
		rc.KeyPrefix = DefaultRedisKeyPrefix
	}
	if len(cfg.SentinelAddrs) > 0 {
		rc.SentinelConfig = &storage.SentinelConfig{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
		}
	}
	if cfg.Username != "" || password != "" {
		rc.ACLUserConfig = &storage.ACLUserConfig{Username: cfg.Username, Password: password}
	}
	return rc, nil
}

// resolveRedisPassword resolves the Redis password.
// Priority: file > environment variable
func resolveRedisPassword(cfg *storage.RedisRunConfig) (string, error) {
	if cfg.PasswordFile != "" {
		data, err := os.ReadFile(cfg.PasswordFile) // #nosec G304 - file path is provided by user via config
		if err != nil {
			return "", fmt.Errorf("failed to read Redis password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(RedisPasswordEnvVar), nil
}
