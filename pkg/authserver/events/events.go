// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events carries domain configuration changes to the component that
// rebuilds per-domain runtimes. Delivery is at most once.
package events

import (
	"context"
	"slices"
	"sync"
)

// Type is the kind of change.
type Type string

// Event types.
const (
	// DomainUpdated means the domain was created, enabled or reconfigured.
	DomainUpdated Type = "domain.updated"

	// DomainDeleted means the domain was removed or disabled.
	DomainDeleted Type = "domain.deleted"

	// CertificatesChanged means a certificate of the domain was added or removed.
	CertificatesChanged Type = "certificates.changed"

	// ExtensionGrantsChanged means an extension grant of the domain was added or removed.
	ExtensionGrantsChanged Type = "extension_grants.changed"
)

// Event is a change notification.
type Event struct {
	Type     Type   `json:"type"`
	DomainID string `json:"domain_id"`

	// ResourceID identifies the changed certificate or extension grant, if any.
	ResourceID string `json:"resource_id,omitempty"`
}

// Handler receives events. It must not block for long.
type Handler func(ctx context.Context, e Event)

// Bus publishes events and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, e Event) error

	// Subscribe adds h and returns a function removing it.
	Subscribe(h Handler) (unsubscribe func())

	Close() error
}

// fanout holds subscribers and delivers to them in subscription order.
type fanout struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	order    []int
}

func (f *fanout) subscribe(h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[int]Handler{}
	}
	id := f.next
	f.next++
	f.handlers[id] = h
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.handlers, id)
			f.order = slices.DeleteFunc(f.order, func(i int) bool { return i == id })
		})
	}
}

func (f *fanout) deliver(ctx context.Context, e Event) {
	f.mu.RLock()
	hs := make([]Handler, 0, len(f.order))
	for _, id := range f.order {
		hs = append(hs, f.handlers[id])
	}
	f.mu.RUnlock()

	for _, h := range hs {
		h(ctx, e)
	}
}

// MemoryBus delivers events synchronously within the process.
type MemoryBus struct {
	fanout
}

// NewMemoryBus creates a MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers e to every subscriber before returning.
func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	b.deliver(ctx, e)
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(h Handler) func() {
	return b.subscribe(h)
}

// Close implements Bus.
func (*MemoryBus) Close() error { return nil }
