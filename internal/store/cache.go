package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"kiwi-bridge/internal/wire"
)

const cacheTTL = 24 * time.Hour

// EventCache keeps the latest event per device in redis so restarts and
// sibling processes can read current state without replaying history.
type EventCache struct {
	rdb *redis.Client
}

func NewEventCache(rdb *redis.Client) *EventCache {
	return &EventCache{rdb: rdb}
}

func eventKey(deviceID string) string { return "lock:event:" + deviceID }
func mediaKey(deviceID string) string { return "lock:media:" + deviceID }

// StoreEvent overwrites the device's latest-event entry. Media-bearing events
// additionally refresh the snapshot reference.
func (c *EventCache) StoreEvent(ctx context.Context, deviceID string, ev *wire.CanonicalEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	if err := c.rdb.Set(ctx, eventKey(deviceID), b, cacheTTL).Err(); err != nil {
		return fmt.Errorf("store: cache event: %w", err)
	}
	if ev.Data != nil && ev.Data.Image.URI != "" {
		if err := c.rdb.Set(ctx, mediaKey(deviceID), ev.Data.Image.URI, cacheTTL).Err(); err != nil {
			return fmt.Errorf("store: cache media ref: %w", err)
		}
	}
	return nil
}

// Latest returns the cached latest event, or nil when none is cached.
func (c *EventCache) Latest(ctx context.Context, deviceID string) (*wire.CanonicalEvent, error) {
	b, err := c.rdb.Get(ctx, eventKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read cached event: %w", err)
	}
	var ev wire.CanonicalEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, fmt.Errorf("store: decode cached event: %w", err)
	}
	return &ev, nil
}

// Invalidate drops the cached snapshot reference so readers re-fetch after
// fresh media arrives.
func (c *EventCache) Invalidate(deviceID string) {
	if err := c.rdb.Del(context.Background(), mediaKey(deviceID)).Err(); err != nil {
		slog.Warn("media cache invalidation failed", "device_id", deviceID, "error", err)
	}
}
