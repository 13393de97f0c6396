// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package consent records and evaluates the scopes end users grant to clients.
package consent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// DefaultLifespan is how long a recorded decision stays valid when the
// domain does not configure its own lifespan.
const DefaultLifespan = 30 * 24 * time.Hour

// Store is the persistence the service needs.
type Store interface {
	storage.ScopeApprovalStorage
	GetDomain(ctx context.Context, id string) (*storage.Domain, error)
}

// Decision splits requested scopes by the user's recorded consent.
type Decision struct {
	Approved []string
	Pending  []string
	Denied   []string
}

// Complete reports whether every scope is approved.
func (d Decision) Complete() bool {
	return len(d.Pending) == 0 && len(d.Denied) == 0
}

// Service evaluates and records scope approvals.
type Service struct {
	store Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check classifies scopes for userID and client. Scopes the client
// auto-approves count as approved without a record.
func (s *Service) Check(ctx context.Context, domainID, userID string, client *storage.Client, scopes []string) (Decision, error) {
	var d Decision
	for _, scope := range scopes {
		if slices.Contains(client.AutoApproveScopes, scope) {
			d.Approved = append(d.Approved, scope)
			continue
		}
		approval, err := s.store.GetScopeApproval(ctx, storage.ScopeApprovalKey{
			DomainID: domainID,
			UserID:   userID,
			ClientID: client.ClientID,
			Scope:    scope,
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			d.Pending = append(d.Pending, scope)
		case err != nil:
			return Decision{}, fmt.Errorf("failed to load scope approval: %w", err)
		case approval.Status == storage.ApprovalDenied:
			d.Denied = append(d.Denied, scope)
		default:
			d.Approved = append(d.Approved, scope)
		}
	}
	return d, nil
}

// Approve records one decision per scope: true approves, false denies.
func (s *Service) Approve(ctx context.Context, domainID, userID, clientID string, decisions map[string]bool) error {
	lifespan, err := s.lifespan(ctx, domainID)
	if err != nil {
		return err
	}
	now := s.now()

	scopes := make([]string, 0, len(decisions))
	for scope := range decisions {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)

	for _, scope := range scopes {
		status := storage.ApprovalDenied
		if decisions[scope] {
			status = storage.ApprovalApproved
		}
		err := s.store.SaveScopeApproval(ctx, &storage.ScopeApproval{
			DomainID:  domainID,
			UserID:    userID,
			ClientID:  clientID,
			Scope:     scope,
			Status:    status,
			ExpiresAt: now.Add(lifespan),
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to save approval for scope %q: %w", scope, err)
		}
	}
	logger.ForDomain(domainID).Debug("scope approvals recorded", "client_id", clientID, "scopes", len(scopes))
	return nil
}

// Revoke deletes the user's decision for scope, or for every scope of the
// client when scope is empty.
func (s *Service) Revoke(ctx context.Context, domainID, userID, clientID, scope string) error {
	return s.store.RevokeScopeApproval(ctx, storage.ScopeApprovalKey{
		DomainID: domainID,
		UserID:   userID,
		ClientID: clientID,
		Scope:    scope,
	})
}

// List returns the user's current decisions.
func (s *Service) List(ctx context.Context, domainID, userID string) ([]*storage.ScopeApproval, error) {
	return s.store.ListScopeApprovals(ctx, domainID, userID)
}

func (s *Service) lifespan(ctx context.Context, domainID string) (time.Duration, error) {
	domain, err := s.store.GetDomain(ctx, domainID)
	if err != nil {
		return 0, fmt.Errorf("failed to load domain: %w", err)
	}
	if domain.ScopeApprovalLifespan > 0 {
		return domain.ScopeApprovalLifespan, nil
	}
	return DefaultLifespan, nil
}
