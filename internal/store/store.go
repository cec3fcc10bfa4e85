// Package store is the bridge's view of the relational store: users, their
// Nostr identities, posts, and follow state.
package store

import (
	"context"
	"errors"
	"time"

	"nostr-bridge/internal/types"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrAlreadySynced means another writer recorded an event id first.
	ErrAlreadySynced = errors.New("post already synced")
)

// Store is implemented by Memory and Postgres.
type Store interface {
	GetUser(ctx context.Context, id int64) (types.User, error)
	GetUserByUsername(ctx context.Context, username string) (types.User, error)
	UpsertUser(ctx context.Context, u types.User) error
	ListSyncedUsers(ctx context.Context) ([]types.User, error)
	SetSyncEnabled(ctx context.Context, userID int64, enabled bool) error

	GetIdentity(ctx context.Context, userID int64) (types.Identity, error)
	// CreateIdentity stores a new identity. ErrAlreadyExists if the user
	// already has one.
	CreateIdentity(ctx context.Context, id types.Identity) error

	ListFollows(ctx context.Context, userID int64) ([]types.Follow, error)
	AddFollow(ctx context.Context, f types.Follow) error
	// RemoveFollow deletes the follow with the given key. Removing a
	// missing follow is not an error.
	RemoveFollow(ctx context.Context, userID int64, key string) error
	// RecordUnfollow stores a tombstone for pubkey, replacing an older one.
	RecordUnfollow(ctx context.Context, userID int64, pubkey string, at time.Time) error
	ListUnfollows(ctx context.Context, userID int64) (map[string]time.Time, error)

	GetPost(ctx context.Context, id int64) (types.Post, error)
	UpsertPost(ctx context.Context, p types.Post) error
	// ListPosts returns the user's posts oldest first.
	ListPosts(ctx context.Context, userID int64) ([]types.Post, error)
	// MarkPostSynced records eventID only if the post has none yet.
	// ErrAlreadySynced otherwise.
	MarkPostSynced(ctx context.Context, postID int64, eventID string) error

	Close() error
}
