// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idp authenticates resource owners for the password grant.
package idp

//go:generate mockgen -destination=mocks/mock_authenticator.go -package=mocks -source=authenticator.go Authenticator

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// User is an authenticated resource owner.
type User struct {
	// Subject is the stable identifier placed in the sub claim.
	Subject  string
	Username string
}

// Authenticator verifies resource owner credentials in a domain.
type Authenticator interface {
	// Authenticate returns ErrInvalidCredentials when the credentials do not match.
	Authenticate(ctx context.Context, domainID, username, password string) (*User, error)
}
