package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-bridge/internal/types"
)

// Memory is an in-process Store used when no database is configured and in
// tests.
type Memory struct {
	mu         sync.RWMutex
	users      map[int64]types.User
	identities map[int64]types.Identity
	posts      map[int64]types.Post
	follows    map[int64]map[string]types.Follow
	unfollows  map[int64]map[string]time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[int64]types.User),
		identities: make(map[int64]types.Identity),
		posts:      make(map[int64]types.Post),
		follows:    make(map[int64]map[string]types.Follow),
		unfollows:  make(map[int64]map[string]time.Time),
	}
}

func (m *Memory) GetUser(_ context.Context, id int64) (types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return types.User{}, ErrNotFound
}

// UpsertUser stores the user's profile fields. SyncEnabled of an existing
// user is kept; it only changes through SetSyncEnabled.
func (m *Memory) UpsertUser(_ context.Context, u types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok {
		u.SyncEnabled = prev.SyncEnabled
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) ListSyncedUsers(_ context.Context) ([]types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.User
	for _, u := range m.users {
		if u.SyncEnabled {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetSyncEnabled(_ context.Context, userID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.SyncEnabled = enabled
	m.users[userID] = u
	return nil
}

func (m *Memory) GetIdentity(_ context.Context, userID int64) (types.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[userID]
	if !ok {
		return types.Identity{}, ErrNotFound
	}
	return id, nil
}

func (m *Memory) CreateIdentity(_ context.Context, id types.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id.UserID]; ok {
		return ErrAlreadyExists
	}
	m.identities[id.UserID] = id
	return nil
}

func (m *Memory) ListFollows(_ context.Context, userID int64) ([]types.Follow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Follow, 0, len(m.follows[userID]))
	for _, f := range m.follows[userID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

func (m *Memory) AddFollow(_ context.Context, f types.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.follows[f.UserID] == nil {
		m.follows[f.UserID] = make(map[string]types.Follow)
	}
	if prev, ok := m.follows[f.UserID][f.Key()]; ok {
		f.CreatedAt = prev.CreatedAt
	}
	m.follows[f.UserID][f.Key()] = f
	return nil
}

func (m *Memory) RemoveFollow(_ context.Context, userID int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows[userID], key)
	return nil
}

func (m *Memory) RecordUnfollow(_ context.Context, userID int64, pubkey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unfollows[userID] == nil {
		m.unfollows[userID] = make(map[string]time.Time)
	}
	if prev, ok := m.unfollows[userID][pubkey]; !ok || at.After(prev) {
		m.unfollows[userID][pubkey] = at
	}
	return nil
}

func (m *Memory) ListUnfollows(_ context.Context, userID int64) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.unfollows[userID]))
	for k, v := range m.unfollows[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) GetPost(_ context.Context, id int64) (types.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return types.Post{}, ErrNotFound
	}
	return p, nil
}

// UpsertPost stores the post. The synced event id of an existing post is
// kept; it only changes through MarkPostSynced.
func (m *Memory) UpsertPost(_ context.Context, p types.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.posts[p.ID]; ok {
		p.SyncedEventID = prev.SyncedEventID
	}
	m.posts[p.ID] = p
	return nil
}

func (m *Memory) ListPosts(_ context.Context, userID int64) ([]types.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Post
	for _, p := range m.posts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) MarkPostSynced(_ context.Context, postID int64, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return ErrNotFound
	}
	if p.SyncedEventID != "" {
		return ErrAlreadySynced
	}
	p.SyncedEventID = eventID
	m.posts[postID] = p
	return nil
}

func (m *Memory) Close() error {
	return nil
}
