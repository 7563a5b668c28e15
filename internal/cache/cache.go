/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-backed cache for channel configuration.
// Every accessor tolerates a nil *Cache so callers need no feature flag.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/models"
)

const (
	channelTTL     = time.Hour
	channelListTTL = 5 * time.Minute

	keyChannel     = "grimnirtv:cache:channel:" // + channel_id
	keyChannelList = "grimnirtv:cache:channels"
)

// Cache wraps a Redis client for channel configuration lookups.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection. Returns nil (no error)
// when addr is empty, so the caller can pass the result straight through.
func New(addr, password string, db int, logger zerolog.Logger) (*Cache, error) {
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
	}, nil
}

// GetChannel returns a cached channel config.
func (c *Cache) GetChannel(ctx context.Context, channelID string) (models.Channel, bool) {
	if c == nil {
		return models.Channel{}, false
	}
	data, err := c.client.Get(ctx, keyChannel+channelID).Bytes()
	if err != nil {
		return models.Channel{}, false
	}
	var ch models.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return models.Channel{}, false
	}
	return ch, true
}

// SetChannel stores a channel config.
func (c *Cache) SetChannel(ctx context.Context, ch models.Channel) {
	if c == nil {
		return
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyChannel+ch.ID, data, channelTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("channel_id", ch.ID).Msg("cache set failed")
	}
}

// GetChannelIDs returns the cached list of active channel IDs.
func (c *Cache) GetChannelIDs(ctx context.Context) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, keyChannelList).Bytes()
	if err != nil {
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, false
	}
	return ids, true
}

// SetChannelIDs stores the active channel ID list.
func (c *Cache) SetChannelIDs(ctx context.Context, ids []string) {
	if c == nil {
		return
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyChannelList, data, channelListTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("cache channel list set failed")
	}
}

// InvalidateChannel drops a channel entry and the list.
func (c *Cache) InvalidateChannel(ctx context.Context, channelID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, keyChannel+channelID, keyChannelList).Err(); err != nil {
		c.logger.Debug().Err(err).Str("channel_id", channelID).Msg("cache invalidation failed")
	}
}

// ListenInvalidation subscribes to channel update events on the bus and
// evicts affected entries. It blocks until ctx is cancelled, so callers run
// it on a goroutine they own.
func (c *Cache) ListenInvalidation(ctx context.Context, bus *events.Bus) {
	if c == nil || bus == nil {
		return
	}

	updated := bus.Subscribe(events.EventChannelUpdated)
	deleted := bus.Subscribe(events.EventChannelDeleted)
	defer bus.Unsubscribe(events.EventChannelUpdated, updated)
	defer bus.Unsubscribe(events.EventChannelDeleted, deleted)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-updated:
			if !ok {
				return
			}
			c.invalidateFromPayload(ctx, payload)
		case payload, ok := <-deleted:
			if !ok {
				return
			}
			c.invalidateFromPayload(ctx, payload)
		}
	}
}

func (c *Cache) invalidateFromPayload(ctx context.Context, payload events.Payload) {
	if id, ok := payload["channel_id"].(string); ok && id != "" {
		c.InvalidateChannel(ctx, id)
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
