// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/tenantauth/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// scopedKey addresses a record inside one domain.
type scopedKey struct {
	domainID string
	id       string
}

// MemoryStorage implements Storage with in-memory maps.
// It is safe for concurrent use and suited to development, tests, and
// single-replica deployments.
type MemoryStorage struct {
	mu sync.RWMutex

	domains         map[string]*Domain
	clients         map[scopedKey]*Client
	certificates    map[scopedKey]*Certificate
	extensionGrants map[scopedKey]*ExtensionGrant
	approvals       map[ScopeApprovalKey]*ScopeApproval

	// authCodes is keyed by code signature. consumedCodes remembers codes
	// after consumption so replays can be detected.
	authCodes     map[scopedKey]*timedEntry[*AuthorizationCode]
	consumedCodes map[scopedKey]*timedEntry[*AuthorizationCode]

	tokens map[scopedKey]*timedEntry[*TokenRecord]

	consumedCodeTTL time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithConsumedCodeTTL sets how long consumed codes are remembered.
func WithConsumedCodeTTL(ttl time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.consumedCodeTTL = ttl
	}
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a MemoryStorage and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		domains:         make(map[string]*Domain),
		clients:         make(map[scopedKey]*Client),
		certificates:    make(map[scopedKey]*Certificate),
		extensionGrants: make(map[scopedKey]*ExtensionGrant),
		approvals:       make(map[ScopeApprovalKey]*ScopeApproval),
		authCodes:       make(map[scopedKey]*timedEntry[*AuthorizationCode]),
		consumedCodes:   make(map[scopedKey]*timedEntry[*AuthorizationCode]),
		tokens:          make(map[scopedKey]*timedEntry[*TokenRecord]),
		consumedCodeTTL: DefaultConsumedCodeTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock and deletes them
// under the write lock.
func (s *MemoryStorage) cleanupExpired() {
	now := s.now()

	s.mu.RLock()
	expiredCodes := expiredKeys(s.authCodes, now)
	expiredConsumed := expiredKeys(s.consumedCodes, now)
	expiredTokens := expiredKeys(s.tokens, now)
	var expiredApprovals []ScopeApprovalKey
	for k, v := range s.approvals {
		if v.IsExpired(now) {
			expiredApprovals = append(expiredApprovals, k)
		}
	}
	s.mu.RUnlock()

	total := len(expiredCodes) + len(expiredConsumed) + len(expiredTokens) + len(expiredApprovals)
	if total == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock: an entry may have been replaced since.
	for _, k := range expiredCodes {
		if e, ok := s.authCodes[k]; ok && !now.Before(e.expiresAt) {
			delete(s.authCodes, k)
		}
	}
	for _, k := range expiredConsumed {
		if e, ok := s.consumedCodes[k]; ok && !now.Before(e.expiresAt) {
			delete(s.consumedCodes, k)
		}
	}
	for _, k := range expiredTokens {
		if e, ok := s.tokens[k]; ok && !now.Before(e.expiresAt) {
			delete(s.tokens, k)
		}
	}
	for _, k := range expiredApprovals {
		if a, ok := s.approvals[k]; ok && a.IsExpired(now) {
			delete(s.approvals, k)
		}
	}

	logger.Debugw("removed expired records from memory storage", "count", total)
}

func expiredKeys[T any](m map[scopedKey]*timedEntry[T], now time.Time) []scopedKey {
	var keys []scopedKey
	for k, v := range m {
		if !now.Before(v.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

// -----------------------
// DomainStorage
// -----------------------

// CreateDomain creates or replaces a domain.
func (s *MemoryStorage) CreateDomain(_ context.Context, domain *Domain) error {
	if domain == nil || domain.ID == "" {
		return fmt.Errorf("%w: domain ID is required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *domain
	s.domains[domain.ID] = &stored
	return nil
}

// GetDomain returns a domain by ID.
func (s *MemoryStorage) GetDomain(_ context.Context, id string) (*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: domain %q", ErrNotFound, id)
	}
	out := *d
	return &out, nil
}

// ListDomains returns all domains sorted by ID.
func (s *MemoryStorage) ListDomains(_ context.Context) ([]*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Domain, 0, len(s.domains))
	for _, d := range s.domains {
		cp := *d
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Domain) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// -----------------------
// ClientStorage
// -----------------------

// RegisterClient creates or replaces a client.
func (s *MemoryStorage) RegisterClient(_ context.Context, client *Client) error {
	if client == nil || client.DomainID == "" || client.ClientID == "" {
		return fmt.Errorf("%w: client domain and ID are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[scopedKey{client.DomainID, client.ClientID}] = client.Clone()
	return nil
}

// GetClient returns a copy of the client.
func (s *MemoryStorage) GetClient(_ context.Context, domainID, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[scopedKey{domainID, clientID}]
	if !ok {
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, clientID)
	}
	return c.Clone(), nil
}

// -----------------------
// CertificateStorage
// -----------------------

// CreateCertificate stores a certificate configuration.
func (s *MemoryStorage) CreateCertificate(_ context.Context, cert *Certificate) error {
	if cert == nil || cert.DomainID == "" || cert.ID == "" {
		return fmt.Errorf("%w: certificate domain and ID are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey{cert.DomainID, cert.ID}
	if _, exists := s.certificates[key]; exists {
		return fmt.Errorf("%w: certificate %q", ErrAlreadyExists, cert.ID)
	}
	stored := cert.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.certificates[key] = stored
	return nil
}

// DeleteCertificate removes a certificate configuration.
func (s *MemoryStorage) DeleteCertificate(_ context.Context, domainID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey{domainID, id}
	if _, ok := s.certificates[key]; !ok {
		return fmt.Errorf("%w: certificate %q", ErrNotFound, id)
	}
	delete(s.certificates, key)
	return nil
}

// ListCertificates returns the domain's certificates in creation order.
func (s *MemoryStorage) ListCertificates(_ context.Context, domainID string) ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Certificate
	for k, c := range s.certificates {
		if k.domainID == domainID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Certificate) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// -----------------------
// ExtensionGrantStorage
// -----------------------

// CreateExtensionGrant stores an extension grant configuration.
func (s *MemoryStorage) CreateExtensionGrant(_ context.Context, grant *ExtensionGrant) error {
	if grant == nil || grant.DomainID == "" || grant.ID == "" {
		return fmt.Errorf("%w: extension grant domain and ID are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey{grant.DomainID, grant.ID}
	if _, exists := s.extensionGrants[key]; exists {
		return fmt.Errorf("%w: extension grant %q", ErrAlreadyExists, grant.ID)
	}
	stored := grant.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.extensionGrants[key] = stored
	return nil
}

// DeleteExtensionGrant removes an extension grant configuration.
func (s *MemoryStorage) DeleteExtensionGrant(_ context.Context, domainID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey{domainID, id}
	if _, ok := s.extensionGrants[key]; !ok {
		return fmt.Errorf("%w: extension grant %q", ErrNotFound, id)
	}
	delete(s.extensionGrants, key)
	return nil
}

// ListExtensionGrants returns the domain's extension grants in creation order.
func (s *MemoryStorage) ListExtensionGrants(_ context.Context, domainID string) ([]*ExtensionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExtensionGrant
	for k, g := range s.extensionGrants {
		if k.domainID == domainID {
			out = append(out, g.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *ExtensionGrant) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// -----------------------
// ScopeApprovalStorage
// -----------------------

// SaveScopeApproval creates or replaces an approval.
func (s *MemoryStorage) SaveScopeApproval(_ context.Context, approval *ScopeApproval) error {
	if approval == nil || approval.DomainID == "" || approval.UserID == "" ||
		approval.ClientID == "" || approval.Scope == "" {
		return fmt.Errorf("%w: approval key fields are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if approval.IsExpired(s.now()) {
		return fmt.Errorf("%w: approval already expired", ErrInvalidRecord)
	}
	stored := *approval
	if prev, ok := s.approvals[approval.Key()]; ok && stored.CreatedAt.IsZero() {
		stored.CreatedAt = prev.CreatedAt
	}
	s.approvals[approval.Key()] = &stored
	return nil
}

// GetScopeApproval returns a non-expired approval.
func (s *MemoryStorage) GetScopeApproval(_ context.Context, key ScopeApprovalKey) (*ScopeApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[key]
	if !ok || a.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: scope approval %q", ErrNotFound, key.Scope)
	}
	out := *a
	return &out, nil
}

// ListScopeApprovals returns the user's non-expired approvals.
func (s *MemoryStorage) ListScopeApprovals(_ context.Context, domainID, userID string) ([]*ScopeApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*ScopeApproval
	for k, a := range s.approvals {
		if k.DomainID == domainID && k.UserID == userID && !a.IsExpired(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *ScopeApproval) int {
		return cmp.Or(cmp.Compare(a.ClientID, b.ClientID), cmp.Compare(a.Scope, b.Scope))
	})
	return out, nil
}

// RevokeScopeApproval deletes matching approvals.
func (s *MemoryStorage) RevokeScopeApproval(_ context.Context, key ScopeApprovalKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.Scope != "" {
		delete(s.approvals, key)
		return nil
	}
	for k := range s.approvals {
		if k.DomainID == key.DomainID && k.UserID == key.UserID && k.ClientID == key.ClientID {
			delete(s.approvals, k)
		}
	}
	return nil
}

// -----------------------
// AuthorizationCodeStorage
// -----------------------

// CreateAuthorizationCode stores a new authorization code.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.DomainID == "" || code.Signature == "" {
		return fmt.Errorf("%w: code domain and signature are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if code.IsExpired(s.now()) {
		return fmt.Errorf("%w: code already expired", ErrInvalidRecord)
	}
	key := scopedKey{code.DomainID, code.Signature}
	if _, exists := s.authCodes[key]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.authCodes[key] = &timedEntry[*AuthorizationCode]{
		value:     code.Clone(),
		createdAt: s.now(),
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// ConsumeAuthorizationCode removes and returns the code under the write lock.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, domainID, signature string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey{domainID, signature}
	now := s.now()

	if entry, ok := s.authCodes[key]; ok {
		delete(s.authCodes, key)
		s.consumedCodes[key] = &timedEntry[*AuthorizationCode]{
			value:     entry.value,
			createdAt: now,
			expiresAt: now.Add(s.consumedCodeTTL),
		}
		return entry.value.Clone(), nil
	}

	if entry, ok := s.consumedCodes[key]; ok && now.Before(entry.expiresAt) {
		return entry.value.Clone(), ErrCodeReplayed
	}

	return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
}

// -----------------------
// TokenStorage
// -----------------------

// CreateToken stores a token record.
func (s *MemoryStorage) CreateToken(_ context.Context, record *TokenRecord) error {
	if record == nil || record.DomainID == "" || record.Signature == "" {
		return fmt.Errorf("%w: token domain and signature are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.IsExpired(s.now()) {
		return fmt.Errorf("%w: token already expired", ErrInvalidRecord)
	}
	s.tokens[scopedKey{record.DomainID, record.Signature}] = &timedEntry[*TokenRecord]{
		value:     record.Clone(),
		createdAt: s.now(),
		expiresAt: record.ExpiresAt,
	}
	return nil
}

// GetToken returns a non-expired token record.
func (s *MemoryStorage) GetToken(_ context.Context, domainID, signature string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokens[scopedKey{domainID, signature}]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	return entry.value.Clone(), nil
}

// ConsumeToken removes and returns a non-expired token record.
func (s *MemoryStorage) ConsumeToken(_ context.Context, domainID, signature string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey{domainID, signature}
	entry, ok := s.tokens[key]
	if !ok {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	delete(s.tokens, key)
	if !s.now().Before(entry.expiresAt) {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	return entry.value.Clone(), nil
}

// RevokeToken deletes one token record.
func (s *MemoryStorage) RevokeToken(_ context.Context, domainID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, scopedKey{domainID, signature})
	return nil
}

// RevokeGrant deletes every token issued under grantID. This is a linear scan.
func (s *MemoryStorage) RevokeGrant(_ context.Context, domainID, grantID string) error {
	if grantID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.tokens {
		if k.domainID == domainID && e.value.GrantID == grantID {
			delete(s.tokens, k)
		}
	}
	return nil
}

// Stats holds record counts, for tests and debugging.
type Stats struct {
	Domains         int
	Clients         int
	Certificates    int
	ExtensionGrants int
	ScopeApprovals  int
	AuthCodes       int
	ConsumedCodes   int
	Tokens          int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Domains:         len(s.domains),
		Clients:         len(s.clients),
		Certificates:    len(s.certificates),
		ExtensionGrants: len(s.extensionGrants),
		ScopeApprovals:  len(s.approvals),
		AuthCodes:       len(s.authCodes),
		ConsumedCodes:   len(s.consumedCodes),
		Tokens:          len(s.tokens),
	}
}

var _ Storage = (*MemoryStorage)(nil)
