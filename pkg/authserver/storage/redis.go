// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types used in Redis key names.
const (
	KeyTypeDomain         = "domain"
	KeyTypeClient         = "client"
	KeyTypeCertificate    = "cert"
	KeyTypeExtensionGrant = "extgrant"
	KeyTypeApproval       = "approval"
	KeyTypeAuthCode       = "code"
	KeyTypeConsumedCode   = "consumed"
	KeyTypeToken          = "token"
	KeyTypeGrant          = "grant"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is used for a standalone server when SentinelConfig is nil.
	Addr string

	// SentinelConfig enables Sentinel failover.
	SentinelConfig *SentinelConfig

	// ACLUserConfig holds optional ACL credentials.
	ACLUserConfig *ACLUserConfig

	// KeyPrefix namespaces every key, for example "tenantauth:".
	KeyPrefix string

	// ConsumedCodeTTL is how long consumed codes are remembered.
	ConsumedCodeTTL time.Duration

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
	DB            int
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string
	Password string
}

// RedisStorage implements Storage on Redis, allowing several replicas of
// the server to share codes, tokens and consent.
type RedisStorage struct {
	client          redis.UniversalClient
	keyPrefix       string
	consumedCodeTTL time.Duration
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var username, password string
	if cfg.ACLUserConfig != nil {
		username = cfg.ACLUserConfig.Username
		password = cfg.ACLUserConfig.Password
	}

	var client redis.UniversalClient
	if cfg.SentinelConfig != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelConfig.MasterName,
			SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
			DB:            cfg.SentinelConfig.DB,
			Username:      username,
			Password:      password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     username,
			Password:     password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStorageWithClient(client, cfg.KeyPrefix)
	if cfg.ConsumedCodeTTL > 0 {
		s.consumedCodeTTL = cfg.ConsumedCodeTTL
	}
	return s, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// Tests use it with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:          client,
		keyPrefix:       keyPrefix,
		consumedCodeTTL: DefaultConsumedCodeTTL,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	} else if cfg.Addr == "" {
		return errors.New("either addr or sentinel configuration is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Client returns the underlying Redis client, shared with the event bus.
func (s *RedisStorage) Client() redis.UniversalClient {
	return s.client
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// key builds "{prefix}{type}:{part}:{part}...".
func (s *RedisStorage) key(keyType string, parts ...string) string {
	var b strings.Builder
	b.WriteString(s.keyPrefix)
	b.WriteString(keyType)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// ttlUntil returns the positive TTL until expiresAt, or false if already expired.
func ttlUntil(expiresAt time.Time) (time.Duration, bool) {
	ttl := time.Until(expiresAt)
	return ttl, ttl > 0
}

// -----------------------
// DomainStorage
// -----------------------

// CreateDomain creates or replaces a domain.
func (s *RedisStorage) CreateDomain(ctx context.Context, domain *Domain) error {
	if domain == nil || domain.ID == "" {
		return fmt.Errorf("%w: domain ID is required", ErrInvalidRecord)
	}
	data, err := json.Marshal(domain)
	if err != nil {
		return fmt.Errorf("failed to marshal domain: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(KeyTypeDomain, domain.ID), data, 0)
		pipe.SAdd(ctx, s.key(KeyTypeDomain+"s"), domain.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store domain: %w", err)
	}
	return nil
}

// GetDomain returns a domain by ID.
func (s *RedisStorage) GetDomain(ctx context.Context, id string) (*Domain, error) {
	var d Domain
	if err := s.getJSON(ctx, s.key(KeyTypeDomain, id), &d); err != nil {
		return nil, fmt.Errorf("domain %q: %w", id, err)
	}
	return &d, nil
}

// ListDomains returns all domains sorted by ID.
func (s *RedisStorage) ListDomains(ctx context.Context) ([]*Domain, error) {
	ids, err := s.client.SMembers(ctx, s.key(KeyTypeDomain+"s")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	slices.Sort(ids)

	out := make([]*Domain, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDomain(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// -----------------------
// ClientStorage
// -----------------------

// RegisterClient creates or replaces a client.
func (s *RedisStorage) RegisterClient(ctx context.Context, client *Client) error {
	if client == nil || client.DomainID == "" || client.ClientID == "" {
		return fmt.Errorf("%w: client domain and ID are required", ErrInvalidRecord)
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	return s.client.Set(ctx, s.key(KeyTypeClient, client.DomainID, client.ClientID), data, 0).Err()
}

// GetClient returns a client by domain and ID.
func (s *RedisStorage) GetClient(ctx context.Context, domainID, clientID string) (*Client, error) {
	var c Client
	if err := s.getJSON(ctx, s.key(KeyTypeClient, domainID, clientID), &c); err != nil {
		return nil, fmt.Errorf("client %q: %w", clientID, err)
	}
	return &c, nil
}

// -----------------------
// CertificateStorage and ExtensionGrantStorage
// -----------------------

// createIndexed stores data under key and adds id to the ordered index,
// failing if key already exists.
func (s *RedisStorage) createIndexed(ctx context.Context, key, index, id string, createdAt time.Time, data []byte) error {
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	score := float64(createdAt.UnixNano())
	if err := s.client.ZAdd(ctx, index, redis.Z{Score: score, Member: id}).Err(); err != nil {
		return fmt.Errorf("failed to index %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) deleteIndexed(ctx context.Context, key, index, id string) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, key)
		pipe.ZRem(ctx, index, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if deleted.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// listIndexed returns the raw values of the index members in score order.
func (s *RedisStorage) listIndexed(ctx context.Context, index string, keyOf func(id string) string) ([][]byte, error) {
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyOf(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s members: %w", index, err)
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, []byte(str))
	}
	return out, nil
}

// CreateCertificate stores a certificate configuration.
func (s *RedisStorage) CreateCertificate(ctx context.Context, cert *Certificate) error {
	if cert == nil || cert.DomainID == "" || cert.ID == "" {
		return fmt.Errorf("%w: certificate domain and ID are required", ErrInvalidRecord)
	}
	stored := cert.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate: %w", err)
	}
	return s.createIndexed(ctx,
		s.key(KeyTypeCertificate, cert.DomainID, cert.ID),
		s.key(KeyTypeCertificate+"s", cert.DomainID),
		cert.ID, stored.CreatedAt, data)
}

// DeleteCertificate removes a certificate configuration.
func (s *RedisStorage) DeleteCertificate(ctx context.Context, domainID, id string) error {
	return s.deleteIndexed(ctx,
		s.key(KeyTypeCertificate, domainID, id),
		s.key(KeyTypeCertificate+"s", domainID), id)
}

// ListCertificates returns the domain's certificates in creation order.
func (s *RedisStorage) ListCertificates(ctx context.Context, domainID string) ([]*Certificate, error) {
	raw, err := s.listIndexed(ctx, s.key(KeyTypeCertificate+"s", domainID), func(id string) string {
		return s.key(KeyTypeCertificate, domainID, id)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, 0, len(raw))
	for _, data := range raw {
		var c Certificate
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to decode certificate: %w", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// CreateExtensionGrant stores an extension grant configuration.
func (s *RedisStorage) CreateExtensionGrant(ctx context.Context, grant *ExtensionGrant) error {
	if grant == nil || grant.DomainID == "" || grant.ID == "" {
		return fmt.Errorf("%w: extension grant domain and ID are required", ErrInvalidRecord)
	}
	stored := grant.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal extension grant: %w", err)
	}
	return s.createIndexed(ctx,
		s.key(KeyTypeExtensionGrant, grant.DomainID, grant.ID),
		s.key(KeyTypeExtensionGrant+"s", grant.DomainID),
		grant.ID, stored.CreatedAt, data)
}

// DeleteExtensionGrant removes an extension grant configuration.
func (s *RedisStorage) DeleteExtensionGrant(ctx context.Context, domainID, id string) error {
	return s.deleteIndexed(ctx,
		s.key(KeyTypeExtensionGrant, domainID, id),
		s.key(KeyTypeExtensionGrant+"s", domainID), id)
}

// ListExtensionGrants returns the domain's extension grants in creation order.
func (s *RedisStorage) ListExtensionGrants(ctx context.Context, domainID string) ([]*ExtensionGrant, error) {
	raw, err := s.listIndexed(ctx, s.key(KeyTypeExtensionGrant+"s", domainID), func(id string) string {
		return s.key(KeyTypeExtensionGrant, domainID, id)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*ExtensionGrant, 0, len(raw))
	for _, data := range raw {
		var g ExtensionGrant
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to decode extension grant: %w", err)
		}
		out = append(out, &g)
	}
	return out, nil
}

// -----------------------
// ScopeApprovalStorage
// -----------------------

func (s *RedisStorage) approvalKey(k ScopeApprovalKey) string {
	return s.key(KeyTypeApproval, k.DomainID, k.UserID, k.ClientID, k.Scope)
}

func (s *RedisStorage) approvalIndexKey(domainID, userID string) string {
	return s.key(KeyTypeApproval+"s", domainID, userID)
}

// SaveScopeApproval stores an approval that Redis expires at ExpiresAt.
func (s *RedisStorage) SaveScopeApproval(ctx context.Context, approval *ScopeApproval) error {
	if approval == nil || approval.DomainID == "" || approval.UserID == "" ||
		approval.ClientID == "" || approval.Scope == "" {
		return fmt.Errorf("%w: approval key fields are required", ErrInvalidRecord)
	}
	ttl, ok := ttlUntil(approval.ExpiresAt)
	if !ok {
		return fmt.Errorf("%w: approval already expired", ErrInvalidRecord)
	}
	data, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}

	index := s.approvalIndexKey(approval.DomainID, approval.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.approvalKey(approval.Key()), data, ttl)
		pipe.SAdd(ctx, index, approval.ClientID+"\x00"+approval.Scope)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store approval: %w", err)
	}
	return nil
}

// GetScopeApproval returns a non-expired approval.
func (s *RedisStorage) GetScopeApproval(ctx context.Context, key ScopeApprovalKey) (*ScopeApproval, error) {
	var a ScopeApproval
	if err := s.getJSON(ctx, s.approvalKey(key), &a); err != nil {
		return nil, fmt.Errorf("scope approval %q: %w", key.Scope, err)
	}
	if a.IsExpired(time.Now()) {
		return nil, fmt.Errorf("scope approval %q: %w", key.Scope, ErrNotFound)
	}
	return &a, nil
}

// ListScopeApprovals returns the user's non-expired approvals and prunes
// index members whose records Redis already expired.
func (s *RedisStorage) ListScopeApprovals(ctx context.Context, domainID, userID string) ([]*ScopeApproval, error) {
	index := s.approvalIndexKey(domainID, userID)
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	now := time.Now()
	var out []*ScopeApproval
	var stale []any
	for _, m := range members {
		clientID, scope, ok := strings.Cut(m, "\x00")
		if !ok {
			stale = append(stale, m)
			continue
		}
		a, err := s.GetScopeApproval(ctx, ScopeApprovalKey{domainID, userID, clientID, scope})
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, m)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !a.IsExpired(now) {
			out = append(out, a)
		}
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, index, stale...).Err()
	}
	slices.SortFunc(out, func(a, b *ScopeApproval) int {
		return cmp.Or(cmp.Compare(a.ClientID, b.ClientID), cmp.Compare(a.Scope, b.Scope))
	})
	return out, nil
}

// RevokeScopeApproval deletes matching approvals.
func (s *RedisStorage) RevokeScopeApproval(ctx context.Context, key ScopeApprovalKey) error {
	index := s.approvalIndexKey(key.DomainID, key.UserID)

	if key.Scope != "" {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.approvalKey(key))
			pipe.SRem(ctx, index, key.ClientID+"\x00"+key.Scope)
			return nil
		})
		return err
	}

	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}
	var keys []string
	var drop []any
	for _, m := range members {
		clientID, scope, ok := strings.Cut(m, "\x00")
		if ok && clientID == key.ClientID {
			keys = append(keys, s.approvalKey(ScopeApprovalKey{key.DomainID, key.UserID, clientID, scope}))
			drop = append(drop, m)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, index, drop...)
		return nil
	})
	return err
}

// -----------------------
// AuthorizationCodeStorage
// -----------------------

// consumeCodeScript moves a code to its consumed marker in one step.
// Returns {1, data} on first consumption, {2, data} for a replay and {0}
// if the code is unknown.
var consumeCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if data then
	redis.call('DEL', KEYS[1])
	redis.call('SET', KEYS[2], data, 'PX', ARGV[1])
	return {1, data}
end
local consumed = redis.call('GET', KEYS[2])
if consumed then
	return {2, consumed}
end
return {0}
`)

// CreateAuthorizationCode stores a code that Redis expires at ExpiresAt.
func (s *RedisStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.DomainID == "" || code.Signature == "" {
		return fmt.Errorf("%w: code domain and signature are required", ErrInvalidRecord)
	}
	ttl, ok := ttlUntil(code.ExpiresAt)
	if !ok {
		return fmt.Errorf("%w: code already expired", ErrInvalidRecord)
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.key(KeyTypeAuthCode, code.DomainID, code.Signature), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return nil
}

// ConsumeAuthorizationCode atomically consumes a code with a Lua script.
func (s *RedisStorage) ConsumeAuthorizationCode(ctx context.Context, domainID, signature string) (*AuthorizationCode, error) {
	keys := []string{
		s.key(KeyTypeAuthCode, domainID, signature),
		s.key(KeyTypeConsumedCode, domainID, signature),
	}
	res, err := consumeCodeScript.Run(ctx, s.client, keys, s.consumedCodeTTL.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	status, _ := res[0].(int64)
	if status == 0 || len(res) < 2 {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	data, _ := res[1].(string)
	var code AuthorizationCode
	if err := json.Unmarshal([]byte(data), &code); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	if status == 2 {
		return &code, ErrCodeReplayed
	}
	return &code, nil
}

// -----------------------
// TokenStorage
// -----------------------

// CreateToken stores a token record and indexes it under its grant.
func (s *RedisStorage) CreateToken(ctx context.Context, record *TokenRecord) error {
	if record == nil || record.DomainID == "" || record.Signature == "" {
		return fmt.Errorf("%w: token domain and signature are required", ErrInvalidRecord)
	}
	ttl, ok := ttlUntil(record.ExpiresAt)
	if !ok {
		return fmt.Errorf("%w: token already expired", ErrInvalidRecord)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(KeyTypeToken, record.DomainID, record.Signature), data, ttl)
		if record.GrantID != "" {
			grantKey := s.key(KeyTypeGrant, record.DomainID, record.GrantID)
			pipe.SAdd(ctx, grantKey, record.Signature)
			// The index lives as long as the last token written to it.
			// Refresh tokens are written after their access token.
			pipe.Expire(ctx, grantKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetToken returns a token record.
func (s *RedisStorage) GetToken(ctx context.Context, domainID, signature string) (*TokenRecord, error) {
	var r TokenRecord
	if err := s.getJSON(ctx, s.key(KeyTypeToken, domainID, signature), &r); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if r.IsExpired(time.Now()) {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	return &r, nil
}

// ConsumeToken atomically removes and returns a token record with GETDEL.
func (s *RedisStorage) ConsumeToken(ctx context.Context, domainID, signature string) (*TokenRecord, error) {
	data, err := s.client.GetDel(ctx, s.key(KeyTypeToken, domainID, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	var r TokenRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	if r.IsExpired(time.Now()) {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	return &r, nil
}

// RevokeToken deletes one token record.
func (s *RedisStorage) RevokeToken(ctx context.Context, domainID, signature string) error {
	return s.client.Del(ctx, s.key(KeyTypeToken, domainID, signature)).Err()
}

// RevokeGrant deletes every token indexed under grantID.
func (s *RedisStorage) RevokeGrant(ctx context.Context, domainID, grantID string) error {
	if grantID == "" {
		return nil
	}
	grantKey := s.key(KeyTypeGrant, domainID, grantID)
	signatures, err := s.client.SMembers(ctx, grantKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read grant index: %w", err)
	}
	keys := make([]string, 0, len(signatures)+1)
	for _, sig := range signatures {
		keys = append(keys, s.key(KeyTypeToken, domainID, sig))
	}
	keys = append(keys, grantKey)
	return s.client.Del(ctx, keys...).Err()
}

var _ Storage = (*RedisStorage)(nil)
