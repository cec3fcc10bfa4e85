package cache

import "time"

// Config holds cache TTL configuration
type Config struct {
	ContactSnapshotTTL time.Duration
	NIP05TTL           time.Duration
	MaxEntries         int
	CleanupInterval    time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ContactSnapshotTTL: 7 * 24 * time.Hour, // fallback when relays return nothing
		NIP05TTL:           5 * time.Minute,
		MaxEntries:         10000,
		CleanupInterval:    time.Minute,
	}
}
