/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_tv/internal/events"
)

// newOfflineCache builds a Cache whose client points at nothing. Eviction
// calls fail quietly, which is all these tests need.
func newOfflineCache() *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}),
		logger: zerolog.Nop(),
	}
}

func TestListenInvalidationBlocksUntilCancel(t *testing.T) {
	c := newOfflineCache()
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ListenInvalidation(ctx, bus)
	}()

	bus.Publish(events.EventChannelUpdated, events.Payload{"channel_id": "ch-1"})

	select {
	case <-done:
		t.Fatal("ListenInvalidation returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ListenInvalidation did not return after cancellation")
	}
}

func TestListenInvalidationNilReceiverReturns(t *testing.T) {
	var c *Cache

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ListenInvalidation(context.Background(), events.NewBus())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nil cache ListenInvalidation should return immediately")
	}
}
