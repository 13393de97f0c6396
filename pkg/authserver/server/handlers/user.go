// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"

	"github.com/stacklok/tenantauth/pkg/authserver/flow"
)

// Default headers read by HeaderUserResolver.
const (
	DefaultUserHeader     = "X-Authenticated-User"
	DefaultUsernameHeader = "X-Authenticated-Username"
)

// UserResolver finds the authenticated end user of an authorization request.
// It returns nil when nobody is logged in.
type UserResolver interface {
	ResolveUser(r *http.Request) (*flow.User, error)
}

// UserResolverFunc adapts a function to UserResolver.
type UserResolverFunc func(r *http.Request) (*flow.User, error)

// ResolveUser calls f.
func (f UserResolverFunc) ResolveUser(r *http.Request) (*flow.User, error) { return f(r) }

// HeaderUserResolver trusts identity headers set by an authenticating proxy
// in front of the server. The proxy must strip these headers from client
// requests.
type HeaderUserResolver struct {
	// SubjectHeader carries the user's subject. Defaults to DefaultUserHeader.
	SubjectHeader string

	// UsernameHeader optionally carries a display name. Defaults to
	// DefaultUsernameHeader.
	UsernameHeader string
}

// ResolveUser implements UserResolver.
func (h HeaderUserResolver) ResolveUser(r *http.Request) (*flow.User, error) {
	subject := strings.TrimSpace(r.Header.Get(orDefault(h.SubjectHeader, DefaultUserHeader)))
	if subject == "" {
		return nil, nil
	}
	return &flow.User{
		Subject:  subject,
		Username: strings.TrimSpace(r.Header.Get(orDefault(h.UsernameHeader, DefaultUsernameHeader))),
	}, nil
}

type noUsers struct{}

func (noUsers) ResolveUser(*http.Request) (*flow.User, error) { return nil, nil }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
