// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	wrapper *DB
	db      *sql.DB

	consumedCodeTTL time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithConsumedCodeTTL sets how long consumed codes are remembered.
func WithConsumedCodeTTL(ttl time.Duration) Option {
	return func(s *Store) { s.consumedCodeTTL = ttl }
}

// WithCleanupInterval sets how often expired rows are purged.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = interval }
}

// NewStore creates a Store on db and starts the background purge.
func NewStore(db *DB, opts ...Option) *Store {
	s := &Store{
		wrapper:         db,
		db:              db.DB(),
		consumedCodeTTL: storage.DefaultConsumedCodeTTL,
		cleanupInterval: storage.DefaultCleanupInterval,
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

var _ storage.Storage = (*Store)(nil)

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge goroutine and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		err = s.wrapper.Close()
	})
	return err
}

func (s *Store) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if err := s.PurgeExpired(context.Background()); err != nil {
				logger.Warnw("failed to purge expired sqlite records", "error", err)
			}
		}
	}
}

// PurgeExpired deletes expired approvals, tokens and codes, and consumed
// codes whose replay window has passed.
func (s *Store) PurgeExpired(ctx context.Context) error {
	now := s.now()
	nowNano := now.UnixNano()
	consumedBefore := now.Add(-s.consumedCodeTTL).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var total int64
	for _, q := range []struct {
		query string
		args  []any
	}{
		{`DELETE FROM scope_approvals WHERE expires_at <= ?`, []any{nowNano}},
		{`DELETE FROM tokens WHERE expires_at <= ?`, []any{nowNano}},
		{`DELETE FROM authorization_codes WHERE consumed_at IS NULL AND expires_at <= ?`, []any{nowNano}},
		{`DELETE FROM authorization_codes WHERE consumed_at IS NOT NULL AND consumed_at <= ?`, []any{consumedBefore}},
	} {
		res, err := tx.ExecContext(ctx, q.query, q.args...)
		if err != nil {
			return fmt.Errorf("purging expired rows: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if total > 0 {
		logger.Debugw("removed expired records from sqlite storage", "count", total)
	}
	return nil
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
}

func scanJSON(row *sql.Row, out any, what string) error {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(what)
		}
		return fmt.Errorf("reading %s: %w", what, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", what, err)
	}
	return nil
}

func queryJSON[T any](ctx context.Context, db *sql.DB, what, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", what, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", what, err)
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", what, err)
	}
	return out, nil
}

// -----------------------
// DomainStorage
// -----------------------

// CreateDomain creates or replaces a domain.
func (s *Store) CreateDomain(ctx context.Context, domain *storage.Domain) error {
	if domain == nil || domain.ID == "" {
		return fmt.Errorf("%w: domain ID is required", storage.ErrInvalidRecord)
	}
	data, err := json.Marshal(domain)
	if err != nil {
		return fmt.Errorf("encoding domain: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO domains (id, data) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		domain.ID, data)
	if err != nil {
		return fmt.Errorf("storing domain: %w", err)
	}
	return nil
}

// GetDomain returns a domain by ID.
func (s *Store) GetDomain(ctx context.Context, id string) (*storage.Domain, error) {
	var d storage.Domain
	row := s.db.QueryRowContext(ctx, `SELECT data FROM domains WHERE id = ?`, id)
	if err := scanJSON(row, &d, fmt.Sprintf("domain %q", id)); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDomains returns all domains sorted by ID.
func (s *Store) ListDomains(ctx context.Context) ([]*storage.Domain, error) {
	return queryJSON[storage.Domain](ctx, s.db, "domains", `SELECT data FROM domains ORDER BY id`)
}

// -----------------------
// ClientStorage
// -----------------------

// RegisterClient creates or replaces a client.
func (s *Store) RegisterClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.DomainID == "" || client.ClientID == "" {
		return fmt.Errorf("%w: client domain and ID are required", storage.ErrInvalidRecord)
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (domain_id, client_id, data) VALUES (?, ?, ?)
		 ON CONFLICT (domain_id, client_id) DO UPDATE SET data = excluded.data`,
		client.DomainID, client.ClientID, data)
	if err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	return nil
}

// GetClient returns a client by domain and ID.
func (s *Store) GetClient(ctx context.Context, domainID, clientID string) (*storage.Client, error) {
	var c storage.Client
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM clients WHERE domain_id = ? AND client_id = ?`, domainID, clientID)
	if err := scanJSON(row, &c, fmt.Sprintf("client %q", clientID)); err != nil {
		return nil, err
	}
	return &c, nil
}

// -----------------------
// CertificateStorage and ExtensionGrantStorage
// -----------------------

func (s *Store) insertOrdered(ctx context.Context, table, domainID, id string, createdAt time.Time, data []byte) error {
	//nolint:gosec // table names are constants
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (domain_id, id, created_at, data) VALUES (?, ?, ?, ?)`,
		domainID, id, createdAt.UnixNano(), data)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, id)
		}
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	return nil
}

func (s *Store) deleteOrdered(ctx context.Context, table, domainID, id string) error {
	//nolint:gosec // table names are constants
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE domain_id = ? AND id = ?`, domainID, id)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// CreateCertificate stores a certificate configuration.
func (s *Store) CreateCertificate(ctx context.Context, cert *storage.Certificate) error {
	if cert == nil || cert.DomainID == "" || cert.ID == "" {
		return fmt.Errorf("%w: certificate domain and ID are required", storage.ErrInvalidRecord)
	}
	stored := cert.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding certificate: %w", err)
	}
	return s.insertOrdered(ctx, "certificates", stored.DomainID, stored.ID, stored.CreatedAt, data)
}

// DeleteCertificate removes a certificate configuration.
func (s *Store) DeleteCertificate(ctx context.Context, domainID, id string) error {
	return s.deleteOrdered(ctx, "certificates", domainID, id)
}

// ListCertificates returns the domain's certificates in creation order.
func (s *Store) ListCertificates(ctx context.Context, domainID string) ([]*storage.Certificate, error) {
	return queryJSON[storage.Certificate](ctx, s.db, "certificates",
		`SELECT data FROM certificates WHERE domain_id = ? ORDER BY created_at, id`, domainID)
}

// CreateExtensionGrant stores an extension grant configuration.
func (s *Store) CreateExtensionGrant(ctx context.Context, grant *storage.ExtensionGrant) error {
	if grant == nil || grant.DomainID == "" || grant.ID == "" {
		return fmt.Errorf("%w: extension grant domain and ID are required", storage.ErrInvalidRecord)
	}
	stored := grant.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding extension grant: %w", err)
	}
	return s.insertOrdered(ctx, "extension_grants", stored.DomainID, stored.ID, stored.CreatedAt, data)
}

// DeleteExtensionGrant removes an extension grant configuration.
func (s *Store) DeleteExtensionGrant(ctx context.Context, domainID, id string) error {
	return s.deleteOrdered(ctx, "extension_grants", domainID, id)
}

// ListExtensionGrants returns the domain's extension grants in creation order.
func (s *Store) ListExtensionGrants(ctx context.Context, domainID string) ([]*storage.ExtensionGrant, error) {
	return queryJSON[storage.ExtensionGrant](ctx, s.db, "extension grants",
		`SELECT data FROM extension_grants WHERE domain_id = ? ORDER BY created_at, id`, domainID)
}

// -----------------------
// ScopeApprovalStorage
// -----------------------

// SaveScopeApproval creates or replaces an approval.
func (s *Store) SaveScopeApproval(ctx context.Context, approval *storage.ScopeApproval) error {
	if approval == nil || approval.DomainID == "" || approval.UserID == "" ||
		approval.ClientID == "" || approval.Scope == "" {
		return fmt.Errorf("%w: approval key fields are required", storage.ErrInvalidRecord)
	}
	if approval.IsExpired(s.now()) {
		return fmt.Errorf("%w: approval already expired", storage.ErrInvalidRecord)
	}
	data, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("encoding approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scope_approvals (domain_id, user_id, client_id, scope, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain_id, user_id, client_id, scope)
		DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data`,
		approval.DomainID, approval.UserID, approval.ClientID, approval.Scope,
		approval.ExpiresAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("storing approval: %w", err)
	}
	return nil
}

// GetScopeApproval returns a non-expired approval.
func (s *Store) GetScopeApproval(ctx context.Context, key storage.ScopeApprovalKey) (*storage.ScopeApproval, error) {
	var a storage.ScopeApproval
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM scope_approvals
		WHERE domain_id = ? AND user_id = ? AND client_id = ? AND scope = ? AND expires_at > ?`,
		key.DomainID, key.UserID, key.ClientID, key.Scope, s.now().UnixNano())
	if err := scanJSON(row, &a, fmt.Sprintf("scope approval %q", key.Scope)); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListScopeApprovals returns the user's non-expired approvals.
func (s *Store) ListScopeApprovals(ctx context.Context, domainID, userID string) ([]*storage.ScopeApproval, error) {
	return queryJSON[storage.ScopeApproval](ctx, s.db, "approvals", `
		SELECT data FROM scope_approvals
		WHERE domain_id = ? AND user_id = ? AND expires_at > ?
		ORDER BY client_id, scope`,
		domainID, userID, s.now().UnixNano())
}

// RevokeScopeApproval deletes matching approvals. An empty scope removes
// every approval the user granted the client.
func (s *Store) RevokeScopeApproval(ctx context.Context, key storage.ScopeApprovalKey) error {
	var err error
	if key.Scope != "" {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM scope_approvals WHERE domain_id = ? AND user_id = ? AND client_id = ? AND scope = ?`,
			key.DomainID, key.UserID, key.ClientID, key.Scope)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM scope_approvals WHERE domain_id = ? AND user_id = ? AND client_id = ?`,
			key.DomainID, key.UserID, key.ClientID)
	}
	if err != nil {
		return fmt.Errorf("revoking approval: %w", err)
	}
	return nil
}

// -----------------------
// AuthorizationCodeStorage
// -----------------------

// CreateAuthorizationCode stores a new authorization code.
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.DomainID == "" || code.Signature == "" {
		return fmt.Errorf("%w: code domain and signature are required", storage.ErrInvalidRecord)
	}
	if code.IsExpired(s.now()) {
		return fmt.Errorf("%w: code already expired", storage.ErrInvalidRecord)
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("encoding authorization code: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes (domain_id, signature, expires_at, data) VALUES (?, ?, ?, ?)`,
		code.DomainID, code.Signature, code.ExpiresAt.UnixNano(), data)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("storing authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode marks the code consumed in a single UPDATE so
// concurrent callers cannot both succeed.
func (s *Store) ConsumeAuthorizationCode(
	ctx context.Context, domainID, signature string,
) (*storage.AuthorizationCode, error) {
	now := s.now().UnixNano()

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE authorization_codes SET consumed_at = ?
		WHERE domain_id = ? AND signature = ? AND consumed_at IS NULL AND expires_at > ?
		RETURNING data`,
		now, domainID, signature, now,
	).Scan(&data)
	switch {
	case err == nil:
		return decodeCode(data)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT data FROM authorization_codes
		WHERE domain_id = ? AND signature = ? AND consumed_at IS NOT NULL AND consumed_at > ?`,
		domainID, signature, s.now().Add(-s.consumedCodeTTL).UnixNano(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("authorization code")
	}
	if err != nil {
		return nil, fmt.Errorf("reading consumed authorization code: %w", err)
	}
	code, err := decodeCode(data)
	if err != nil {
		return nil, err
	}
	return code, storage.ErrCodeReplayed
}

func decodeCode(data []byte) (*storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("decoding authorization code: %w", err)
	}
	return &code, nil
}

// -----------------------
// TokenStorage
// -----------------------

// CreateToken stores a token record.
func (s *Store) CreateToken(ctx context.Context, record *storage.TokenRecord) error {
	if record == nil || record.DomainID == "" || record.Signature == "" {
		return fmt.Errorf("%w: token domain and signature are required", storage.ErrInvalidRecord)
	}
	if record.IsExpired(s.now()) {
		return fmt.Errorf("%w: token already expired", storage.ErrInvalidRecord)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (domain_id, signature, grant_id, expires_at, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain_id, signature)
		DO UPDATE SET grant_id = excluded.grant_id, expires_at = excluded.expires_at, data = excluded.data`,
		record.DomainID, record.Signature, record.GrantID, record.ExpiresAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// GetToken returns a non-expired token record.
func (s *Store) GetToken(ctx context.Context, domainID, signature string) (*storage.TokenRecord, error) {
	var r storage.TokenRecord
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM tokens WHERE domain_id = ? AND signature = ? AND expires_at > ?`,
		domainID, signature, s.now().UnixNano())
	if err := scanJSON(row, &r, "token"); err != nil {
		return nil, err
	}
	return &r, nil
}

// ConsumeToken deletes and returns a non-expired token record.
func (s *Store) ConsumeToken(ctx context.Context, domainID, signature string) (*storage.TokenRecord, error) {
	var (
		data      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM tokens WHERE domain_id = ? AND signature = ? RETURNING data, expires_at`,
		domainID, signature,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("token")
	}
	if err != nil {
		return nil, fmt.Errorf("consuming token: %w", err)
	}
	if expiresAt <= s.now().UnixNano() {
		return nil, notFound("token")
	}
	var r storage.TokenRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return &r, nil
}

// RevokeToken deletes one token record.
func (s *Store) RevokeToken(ctx context.Context, domainID, signature string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE domain_id = ? AND signature = ?`, domainID, signature); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// RevokeGrant deletes every token issued under grantID.
func (s *Store) RevokeGrant(ctx context.Context, domainID, grantID string) error {
	if grantID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE domain_id = ? AND grant_id = ?`, domainID, grantID); err != nil {
		return fmt.Errorf("revoking grant: %w", err)
	}
	return nil
}
