// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/tenantauth/pkg/logger"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "tenantauth:events"

// RedisBus shares events between replicas over Redis pub/sub. Events
// published by this replica are delivered to its own subscribers through
// Redis as well.
type RedisBus struct {
	fanout

	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus creates a RedisBus on channel. Call Start to receive events.
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

// Start subscribes to the channel and delivers messages until Close is
// called. It returns once the subscription is confirmed.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.pubsub = ps
	b.done = make(chan struct{})
	go b.receive(context.WithoutCancel(ctx), ps.Channel(), b.done)
	return nil
}

func (b *RedisBus) receive(ctx context.Context, msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			logger.Warnw("dropping malformed event", "channel", msg.Channel, "error", err)
			continue
		}
		b.deliver(ctx, e)
	}
}

// Publish sends e to every replica.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(h Handler) func() {
	return b.subscribe(h)
}

// Close stops receiving and waits for in-flight deliveries. The client is
// owned by the caller and stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
