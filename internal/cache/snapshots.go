package cache

import (
	"context"
	"log/slog"
	"time"

	"nostr-bridge/internal/types"
)

// ContactSnapshots remembers the newest contact list event seen for each
// owner, so a sync can still merge against it when relays return nothing.
type ContactSnapshots struct {
	backend Backend
	ttl     time.Duration
}

// NewContactSnapshots wraps a backend.
func NewContactSnapshots(b Backend, ttl time.Duration) *ContactSnapshots {
	return &ContactSnapshots{backend: b, ttl: ttl}
}

func snapshotKey(pubkey string) string {
	return "contacts:" + pubkey
}

// Get returns the cached snapshot for the owner. Backend errors are logged
// and reported as a miss.
func (s *ContactSnapshots) Get(ctx context.Context, pubkey string) (types.Event, bool) {
	var evt types.Event
	found, err := GetJSON(ctx, s.backend, snapshotKey(pubkey), &evt)
	if err != nil {
		slog.Warn("contact snapshot read failed", "pubkey", pubkey, "error", err)
		return types.Event{}, false
	}
	return evt, found
}

// Put stores evt unless a newer snapshot is already cached.
func (s *ContactSnapshots) Put(ctx context.Context, evt types.Event) {
	if prev, ok := s.Get(ctx, evt.PubKey); ok && prev.CreatedAt > evt.CreatedAt {
		return
	}
	if err := SetJSON(ctx, s.backend, snapshotKey(evt.PubKey), evt, s.ttl); err != nil {
		slog.Warn("contact snapshot write failed", "pubkey", evt.PubKey, "error", err)
	}
}
