package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store hands out named buckets that share one backend.
type Store interface {
	// Bucket returns the bucket called name, creating it with ttl on first
	// use. Later calls with the same name get the existing bucket and its
	// original ttl.
	Bucket(name string, ttl time.Duration) Bucket
}

// Bucket is one cache namespace. Entries expire ttl after they were set.
type Bucket interface {
	// Get reports ok=false on a miss; a miss is not an error.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte) error
	Purge(ctx context.Context, key string) error
}

// GetJSON decodes a cached value. A value that no longer decodes is purged
// and reported as an error.
func GetJSON[T any](ctx context.Context, b Bucket, key string) (*T, bool, error) {
	raw, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		_ = b.Purge(ctx, key)
		return nil, false, fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return &out, true, nil
}

func SetJSON(ctx context.Context, b Bucket, key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, raw)
}
