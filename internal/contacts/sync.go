package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/singleflight"

	"nostr-bridge/internal/builder"
	"nostr-bridge/internal/cache"
	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/types"
)

// Fetcher looks up the newest event matching a filter on relays.
// *relaypool.Pool satisfies it.
type Fetcher interface {
	FetchLatest(ctx context.Context, filter types.Filter) (types.Event, bool)
}

// Enqueuer hands signed events to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, events []types.Event) error
}

// Store is the subset of store.Store the synchronizer reads.
type Store interface {
	GetIdentity(ctx context.Context, userID int64) (types.Identity, error)
	ListFollows(ctx context.Context, userID int64) ([]types.Follow, error)
	ListUnfollows(ctx context.Context, userID int64) (map[string]time.Time, error)
}

// Synchronizer publishes merged contact lists.
type Synchronizer struct {
	store        Store
	builder      *builder.Builder
	fetcher      Fetcher
	queue        Enqueuer
	snapshots    *cache.ContactSnapshots
	fetchTimeout time.Duration

	// fetches coalesces concurrent relay lookups for the same owner.
	fetches singleflight.Group
	// owners serializes syncs per user so each list supersedes the last.
	owners *xsync.MapOf[int64, *sync.Mutex]
	// published holds the created_at of the newest list built per pubkey.
	published *xsync.MapOf[string, int64]
	now       func() time.Time
}

type fetchResult struct {
	evt   types.Event
	found bool
}

// NewSynchronizer wires a synchronizer. snapshots may be nil.
func NewSynchronizer(s Store, b *builder.Builder, f Fetcher, q Enqueuer, snapshots *cache.ContactSnapshots, fetchTimeout time.Duration) *Synchronizer {
	if fetchTimeout <= 0 {
		fetchTimeout = 3 * time.Second
	}
	return &Synchronizer{
		store:        s,
		builder:      b,
		fetcher:      f,
		queue:        q,
		snapshots:    snapshots,
		fetchTimeout: fetchTimeout,
		owners:       xsync.NewIntegerMapOf[int64, *sync.Mutex](),
		published:    xsync.NewMapOf[int64](),
		now:          time.Now,
	}
}

// Sync builds the user's merged contact list and enqueues it for broadcast.
// Invoking it twice without a state change yields the same membership.
// Each list is stamped strictly after the previous one so relays never keep
// an older list on a created_at tie.
func (s *Synchronizer) Sync(ctx context.Context, userID int64) (types.Event, error) {
	mu, _ := s.owners.LoadOrStore(userID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	identity, err := s.store.GetIdentity(ctx, userID)
	if err != nil {
		return types.Event{}, fmt.Errorf("load identity: %w", err)
	}

	local, err := s.LocalEntries(ctx, identity)
	if err != nil {
		return types.Event{}, err
	}
	unfollows, err := s.store.ListUnfollows(ctx, userID)
	if err != nil {
		return types.Event{}, fmt.Errorf("load unfollows: %w", err)
	}

	snapshot := s.remoteSnapshot(ctx, identity.PubKey)
	remote, remoteCreatedAt := remoteEntries(snapshot)
	content := ""
	if snapshot != nil {
		content = snapshot.Content
	}

	merged := Merge(local, remote, remoteCreatedAt, unfollows)
	for i := range merged {
		merged[i].OwnerPubKey = identity.PubKey
	}

	createdAt := s.nextCreatedAt(identity.PubKey, snapshot)
	evt, err := s.builder.ContactList(identity, merged, content, createdAt)
	if err != nil {
		return types.Event{}, err
	}
	s.published.Store(identity.PubKey, evt.CreatedAt)
	if err := s.queue.Enqueue(ctx, []types.Event{evt}); err != nil {
		return types.Event{}, fmt.Errorf("enqueue contact list: %w", err)
	}
	if s.snapshots != nil {
		s.snapshots.Put(ctx, evt)
	}

	slog.Info("contact list synced",
		"user_id", userID,
		"event_id", nostr.ShortID(evt.ID),
		"local", len(local),
		"remote", len(remote),
		"published", len(merged))
	return evt, nil
}

// nextCreatedAt returns max(now, previous+1) where previous is the newest
// list known for the owner, remote or built here.
func (s *Synchronizer) nextCreatedAt(pubkey string, snapshot *types.Event) time.Time {
	previous := int64(0)
	if snapshot != nil {
		previous = snapshot.CreatedAt
	}
	if last, ok := s.published.Load(pubkey); ok && last > previous {
		previous = last
	}
	now := s.now()
	if now.Unix() > previous {
		return now
	}
	return time.Unix(previous+1, 0)
}

// LocalEntries resolves the user's follows into protocol-visible contacts.
// ActivityPub handles and local users without an identity are skipped.
func (s *Synchronizer) LocalEntries(ctx context.Context, identity types.Identity) ([]types.ContactEntry, error) {
	follows, err := s.store.ListFollows(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("load follows: %w", err)
	}

	entries := make([]types.ContactEntry, 0, len(follows))
	for _, f := range follows {
		pubkey, ok, err := s.ResolvePubkey(ctx, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, types.ContactEntry{
			OwnerPubKey:  identity.PubKey,
			TargetPubKey: pubkey,
			RelayHint:    nostr.SanitizeRelayHint(f.RelayHint),
		})
	}
	return entries, nil
}

// ResolvePubkey returns the Nostr pubkey a follow points at, if any.
func (s *Synchronizer) ResolvePubkey(ctx context.Context, f types.Follow) (string, bool, error) {
	if f.Target == "" && f.TargetUserID != 0 {
		target, err := s.store.GetIdentity(ctx, f.TargetUserID)
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("load identity of user %d: %w", f.TargetUserID, err)
		}
		return target.PubKey, true, nil
	}

	target, err := ParseFollowTarget(f.Target)
	if err != nil {
		slog.Warn("skipping unparseable follow", "user_id", f.UserID, "target", f.Target, "error", err)
		return "", false, nil
	}
	switch t := target.(type) {
	case NostrPubkey:
		return t.Hex, true, nil
	case ActivityPubHandle:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("%w: unhandled type %T", ErrInvalidTarget, target)
	}
}

// remoteSnapshot fetches the owner's newest contact list from relays,
// falling back to the cached snapshot. nil means no prior list.
func (s *Synchronizer) remoteSnapshot(ctx context.Context, pubkey string) *types.Event {
	v, _, shared := s.fetches.Do(pubkey, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
		evt, found := s.fetcher.FetchLatest(fctx, types.Filter{
			Authors: []string{pubkey},
			Kinds:   []int{nostr.KindContactList},
			Limit:   1,
		})
		return fetchResult{evt: evt, found: found}, nil
	})
	if shared {
		slog.Debug("singleflight: shared contact list fetch", "pubkey", nostr.ShortID(pubkey))
	}
	res := v.(fetchResult)
	evt, found := res.evt, res.found
	if found && evt.PubKey == pubkey && evt.Kind == nostr.KindContactList {
		if s.snapshots != nil {
			s.snapshots.Put(ctx, evt)
			// A newer list this bridge published may not have propagated yet.
			if cached, ok := s.snapshots.Get(ctx, pubkey); ok && cached.CreatedAt > evt.CreatedAt {
				return &cached
			}
		}
		return &evt
	}

	if s.snapshots != nil {
		if cached, ok := s.snapshots.Get(ctx, pubkey); ok {
			slog.Debug("using cached contact list snapshot", "pubkey", nostr.ShortID(pubkey))
			return &cached
		}
	}
	return nil
}
