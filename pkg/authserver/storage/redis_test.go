// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyPrefix = "test:tenantauth:"

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStorageWithClient(client, testKeyPrefix), mr
}

func TestValidateRedisConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     RedisConfig
		wantErr string
	}{
		{
			name: "standalone",
			cfg:  RedisConfig{Addr: "localhost:6379", KeyPrefix: "p:"},
		},
		{
			name: "sentinel",
			cfg: RedisConfig{
				SentinelConfig: &SentinelConfig{MasterName: "mymaster", SentinelAddrs: []string{"s1:26379"}},
				KeyPrefix:      "p:",
			},
		},
		{
			name:    "missing address",
			cfg:     RedisConfig{KeyPrefix: "p:"},
			wantErr: "either addr or sentinel configuration is required",
		},
		{
			name:    "sentinel without master",
			cfg:     RedisConfig{SentinelConfig: &SentinelConfig{SentinelAddrs: []string{"s1:26379"}}, KeyPrefix: "p:"},
			wantErr: "sentinel master name is required",
		},
		{
			name:    "sentinel without addresses",
			cfg:     RedisConfig{SentinelConfig: &SentinelConfig{MasterName: "mymaster"}, KeyPrefix: "p:"},
			wantErr: "at least one sentinel address is required",
		},
		{
			name:    "missing prefix",
			cfg:     RedisConfig{Addr: "localhost:6379"},
			wantErr: "key prefix is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateRedisConfig(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestNewRedisStorage(t *testing.T) {
	t.Parallel()

	t.Run("connects and pings", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		s, err := NewRedisStorage(context.Background(), RedisConfig{
			Addr:            mr.Addr(),
			KeyPrefix:       testKeyPrefix,
			ConsumedCodeTTL: time.Minute,
		})
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, time.Minute, s.consumedCodeTTL)
		require.NoError(t, s.Health(context.Background()))
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisStorage(context.Background(), RedisConfig{
			Addr:        addr,
			KeyPrefix:   testKeyPrefix,
			DialTimeout: 100 * time.Millisecond,
		})
		assert.ErrorContains(t, err, "failed to connect to redis")
	})
}

func TestRedisStorage_KeyLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedisStorage(t)

	require.NoError(t, s.CreateAuthorizationCode(ctx, testCode(time.Now(), "sig")))
	assert.True(t, mr.Exists(testKeyPrefix+"code:acme:sig"))

	ttl := mr.TTL(testKeyPrefix + "code:acme:sig")
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)

	_, err := s.ConsumeAuthorizationCode(ctx, "acme", "sig")
	require.NoError(t, err)
	assert.False(t, mr.Exists(testKeyPrefix+"code:acme:sig"))
	assert.True(t, mr.Exists(testKeyPrefix+"consumed:acme:sig"))
}

func TestRedisStorage_GrantIndexFollowsLastToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedisStorage(t)
	now := time.Now()

	require.NoError(t, s.CreateToken(ctx, &TokenRecord{
		Signature: "at", Type: TokenTypeAccess, DomainID: "acme", GrantID: "g", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.CreateToken(ctx, &TokenRecord{
		Signature: "rt", Type: TokenTypeRefresh, DomainID: "acme", GrantID: "g", ExpiresAt: now.Add(24 * time.Hour),
	}))

	grantKey := testKeyPrefix + "grant:acme:g"
	assert.Greater(t, mr.TTL(grantKey), 23*time.Hour)

	members, err := mr.Members(grantKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"at", "rt"}, members)

	require.NoError(t, s.RevokeGrant(ctx, "acme", "g"))
	assert.False(t, mr.Exists(grantKey))
	assert.False(t, mr.Exists(testKeyPrefix+"token:acme:rt"))
}

func TestRedisStorage_ListScopeApprovalsPrunesIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedisStorage(t)

	require.NoError(t, s.SaveScopeApproval(ctx, &ScopeApproval{
		DomainID: "acme", UserID: "alice", ClientID: "web", Scope: "openid",
		Status: ApprovalApproved, ExpiresAt: time.Now().Add(time.Minute),
	}))
	index := testKeyPrefix + "approvals:acme:alice"
	members, err := mr.Members(index)
	require.NoError(t, err)
	require.Len(t, members, 1)

	mr.FastForward(2 * time.Minute)

	list, err := s.ListScopeApprovals(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, mr.Exists(index), "stale members are removed")
}
