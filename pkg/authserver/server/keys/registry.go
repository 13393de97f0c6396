// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

// FactoryFunc builds a provider from a certificate configuration.
type FactoryFunc func(ctx context.Context, cert *storage.Certificate) (CertificateProvider, error)

// Registry maps certificate types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FactoryFunc)}
}

// NewDefaultRegistry returns a registry with the built-in types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(TypePEM, NewPEMProvider)
	_ = r.Register(TypeGenerated, NewGeneratedProvider)
	return r
}

// Register adds a factory. Registering a type twice is an error.
func (r *Registry) Register(typ string, factory FactoryFunc) error {
	if typ == "" || factory == nil {
		return fmt.Errorf("certificate type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("certificate type %q is already registered", typ)
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

// Create builds the provider for cert with the factory of cert.Type.
func (r *Registry) Create(ctx context.Context, cert *storage.Certificate) (CertificateProvider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cert.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown certificate type %q", cert.Type)
	}
	p, err := factory(ctx, cert)
	if err != nil {
		return nil, fmt.Errorf("certificate %q: %w", cert.ID, err)
	}
	return p, nil
}
