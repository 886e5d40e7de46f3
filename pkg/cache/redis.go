// Package cache keeps the most recent anomalies per charger in redis for
// fast lookup by the API.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hed1ad/ocppguard/pkg/scoring"
)

const keyPrefix = "anomalies:"

// AnomalyCache stores a bounded, expiring list of anomalies per charger.
type AnomalyCache struct {
	client *redis.Client
	ttl    time.Duration
	max    int64
}

// Option configures an AnomalyCache.
type Option func(*AnomalyCache)

// WithTTL sets how long a charger's list lives after its last anomaly.
func WithTTL(d time.Duration) Option {
	return func(c *AnomalyCache) {
		c.ttl = d
	}
}

// WithMaxPerCharger bounds the list length per charger.
func WithMaxPerCharger(n int) Option {
	return func(c *AnomalyCache) {
		c.max = int64(n)
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *AnomalyCache {
	c := &AnomalyCache{client: client, ttl: 24 * time.Hour, max: 100}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*AnomalyCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return New(rdb, opts...), nil
}

// Close closes the client.
func (c *AnomalyCache) Close() error {
	return c.client.Close()
}

// Publish pushes anomalies onto their chargers' lists, newest first.
func (c *AnomalyCache) Publish(ctx context.Context, anomalies []scoring.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		touched := make(map[string]struct{})
		for _, a := range anomalies {
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			key := keyPrefix + a.ChargerID
			pipe.LPush(ctx, key, data)
			touched[key] = struct{}{}
		}
		for key := range touched {
			pipe.LTrim(ctx, key, 0, c.max-1)
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache anomalies: %w", err)
	}
	return nil
}

// Recent returns up to limit anomalies for a charger, newest first. A
// charger with nothing cached yields an empty slice.
func (c *AnomalyCache) Recent(ctx context.Context, chargerID string, limit int) ([]scoring.AnomalyRecord, error) {
	if limit <= 0 || int64(limit) > c.max {
		limit = int(c.max)
	}

	vals, err := c.client.LRange(ctx, keyPrefix+chargerID, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached anomalies: %w", err)
	}

	out := make([]scoring.AnomalyRecord, 0, len(vals))
	for _, v := range vals {
		var a scoring.AnomalyRecord
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode cached anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
