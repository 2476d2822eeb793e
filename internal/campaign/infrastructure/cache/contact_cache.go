// Package cache provides a Redis read-through cache in front of the
// source document store. The cache is an optimization only: every error
// falls through to the underlying store so a degraded Redis never blocks
// a sweep.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how stale a cached source document may get.
const DefaultTTL = 15 * time.Minute

// CachedSourceStore decorates a domain.SourceStore with a Redis
// read-through cache keyed by source reference. Writes invalidate the
// cached document.
type CachedSourceStore struct {
	store  domain.SourceStore
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSourceStore creates a read-through cache around store.
// Pass 0 for ttl to use DefaultTTL.
func NewCachedSourceStore(store domain.SourceStore, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedSourceStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSourceStore{
		store:  store,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(ref domain.SourceRef) string {
	return fmt.Sprintf("cadence:source:%s:%s:%s", ref.Database, ref.Collection, ref.DocumentID)
}

// Fetch returns the cached document when present, otherwise loads it
// from the store and caches the result.
func (c *CachedSourceStore) Fetch(ctx context.Context, ref domain.SourceRef) (*domain.SourceDocument, error) {
	key := cacheKey(ref)

	val, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		raw := make(map[string]any)
		if jsonErr := json.Unmarshal(val, &raw); jsonErr == nil {
			return &domain.SourceDocument{Ref: ref, Raw: raw}, nil
		}
		// A corrupt entry is dropped and reloaded from the store.
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("contact cache read failed, falling through",
			"source", ref.String(),
			"error", err)
	}

	doc, err := c.store.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(doc.Raw); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("contact cache write failed",
				"source", ref.String(),
				"error", err)
		}
	}
	return doc, nil
}

// PatchOutreach writes through to the store and invalidates the cached
// document so the next fetch sees the patch.
func (c *CachedSourceStore) PatchOutreach(ctx context.Context, ref domain.SourceRef, fields map[string]any) error {
	if err := c.store.PatchOutreach(ctx, ref, fields); err != nil {
		return err
	}
	c.invalidate(ctx, ref)
	return nil
}

// Insert writes through to the store and invalidates the cached document.
func (c *CachedSourceStore) Insert(ctx context.Context, ref domain.SourceRef, payload map[string]any) error {
	if err := c.store.Insert(ctx, ref, payload); err != nil {
		return err
	}
	c.invalidate(ctx, ref)
	return nil
}

func (c *CachedSourceStore) invalidate(ctx context.Context, ref domain.SourceRef) {
	if err := c.client.Del(ctx, cacheKey(ref)).Err(); err != nil {
		c.logger.Warn("contact cache invalidation failed",
			"source", ref.String(),
			"error", err)
	}
}
