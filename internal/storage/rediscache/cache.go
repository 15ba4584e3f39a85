// Package rediscache puts a TTL'd Redis layer in front of the durable
// ticker store, so recent-window point lookups skip PostgreSQL.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/model"
	"github.com/hleb-albau/cyber-markets/internal/tickers"
)

var _ tickers.Store = (*Cache)(nil)

// Cache is a write-through/read-through tickers.Store decorator. Redis
// failures degrade to the inner store; only inner-store failures
// propagate, so the aggregator's no-loss-before-hand-off rule binds to
// durable persistence, not to the cache.
type Cache struct {
	client *redis.Client
	inner  tickers.Store
	ttl    time.Duration
}

// New wraps the inner store with a Redis cache.
func New(client *redis.Client, inner tickers.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, inner: inner, ttl: ttl}
}

// Ping checks the Redis connection for health reporting.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func key(exchange string, pair model.TokenPair, windowStart int64) string {
	return fmt.Sprintf("tickers:%s:%s:%d", exchange, pair, windowStart)
}

// Save writes through to the durable store and refreshes the cache
// entry best-effort.
func (c *Cache) Save(ctx context.Context, t model.Ticker) error {
	if err := c.inner.Save(ctx, t); err != nil {
		return err
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticker for cache: %w", err)
	}
	if err := c.client.Set(ctx, key(t.Exchange, t.Pair, t.WindowStart), payload, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("exchange", t.Exchange).Str("pair", t.Pair.String()).
			Msg("failed to cache ticker, store write succeeded")
	}

	return nil
}

// Get serves from Redis when possible and backfills the cache on a
// store hit.
func (c *Cache) Get(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool, error) {
	k := key(exchange, pair, windowStart)

	payload, err := c.client.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		var t model.Ticker
		if err := json.Unmarshal(payload, &t); err == nil {
			return t, true, nil
		}
		log.Warn().Str("key", k).Msg("corrupt cached ticker, falling back to store")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("key", k).Msg("redis lookup failed, falling back to store")
	}

	t, ok, err := c.inner.Get(ctx, exchange, pair, windowStart)
	if err != nil || !ok {
		return t, ok, err
	}

	if payload, err := json.Marshal(t); err == nil {
		if err := c.client.Set(ctx, k, payload, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("failed to backfill ticker cache")
		}
	}

	return t, true, nil
}
