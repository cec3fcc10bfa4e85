// Package cache provides the byte cache used for relay snapshots, backed by
// process memory or Redis.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Backend defines the interface for cache implementations
type Backend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Close releases the backend's resources
	Close() error
}

// GetJSON loads and decodes a cached value.
func GetJSON(ctx context.Context, b Backend, key string, v any) (bool, error) {
	data, found, err := b.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes and stores a value.
func SetJSON(ctx context.Context, b Backend, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, data, ttl)
}
