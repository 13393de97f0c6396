// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// StaticUser is a configured resource owner.
type StaticUser struct {
	DomainID string `yaml:"domain" json:"domain"`
	Subject  string `yaml:"subject" json:"subject"`
	Username string `yaml:"username" json:"username"`

	// PasswordHash is a bcrypt hash.
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

type userKey struct {
	domainID string
	username string
}

// StaticAuthenticator checks credentials against a fixed set of users.
type StaticAuthenticator struct {
	mu    sync.RWMutex
	users map[userKey]StaticUser

	// dummyHash keeps unknown users on the same bcrypt cost as known ones.
	dummyHash []byte
}

// NewStaticAuthenticator creates an authenticator over users.
func NewStaticAuthenticator(users ...StaticUser) (*StaticAuthenticator, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare authenticator: %w", err)
	}
	a := &StaticAuthenticator{users: map[userKey]StaticUser{}, dummyHash: dummy}
	for _, u := range users {
		if err := a.Add(u); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Add registers or replaces a user.
func (a *StaticAuthenticator) Add(u StaticUser) error {
	if u.DomainID == "" || u.Username == "" {
		return fmt.Errorf("user requires a domain and a username")
	}
	if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
		return fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
	}
	if u.Subject == "" {
		u.Subject = u.Username
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[userKey{u.DomainID, u.Username}] = u
	return nil
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, domainID, username, password string) (*User, error) {
	a.mu.RLock()
	u, ok := a.users[userKey{domainID, username}]
	a.mu.RUnlock()

	hash := a.dummyHash
	if ok {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	return &User{Subject: u.Subject, Username: u.Username}, nil
}

var _ Authenticator = (*StaticAuthenticator)(nil)
