// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package extension defines extension grant providers: pluggable token
// grants that answer to a custom grant_type URN.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

// Request is the token request handed to a provider.
type Request struct {
	DomainID  string
	Issuer    string
	GrantType string
	Client    *storage.Client
	Form      url.Values
}

// Result is the resource owner a provider vouches for.
type Result struct {
	Subject  string
	Username string

	// Scopes, when set, replaces the scopes requested by the client.
	Scopes []string

	// Audience, when set, replaces the requested resources.
	Audience []string
}

// Provider grants tokens for one extension grant configuration.
type Provider interface {
	Grant(ctx context.Context, req *Request) (*Result, error)
}

// Error is a provider failure whose Message is safe to return to the client.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Fail returns a provider failure carrying message.
func Fail(message string, cause error) error {
	return &Error{Message: message, Cause: cause}
}

// Message returns the client-facing message of a provider failure: the
// Message of an *Error, or the error text otherwise.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// FactoryFunc builds a provider from its persisted configuration.
type FactoryFunc func(ctx context.Context, grant *storage.ExtensionGrant) (Provider, error)

// Registry maps extension grant types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]FactoryFunc{}}
}

// NewDefaultRegistry returns a Registry with the built-in jwt-bearer
// provider, resolving assertion keys through keys.
func NewDefaultRegistry(keys KeySource) *Registry {
	r := NewRegistry()
	_ = r.Register(TypeJWTBearer, NewJWTBearerFactory(keys))
	return r
}

// Register adds a factory for typ. Registering a type twice is an error.
func (r *Registry) Register(typ string, factory FactoryFunc) error {
	if typ == "" || factory == nil {
		return errors.New("extension grant type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("extension grant type %q already registered", typ)
	}
	r.factories[typ] = factory
	return nil
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Create builds the provider for grant.
func (r *Registry) Create(ctx context.Context, grant *storage.ExtensionGrant) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[grant.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown extension grant type %q", grant.Type)
	}
	p, err := factory(ctx, grant)
	if err != nil {
		return nil, fmt.Errorf("extension grant %q: %w", grant.ID, err)
	}
	return p, nil
}
