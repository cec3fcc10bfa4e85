package contacts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/builder"
	"nostr-bridge/internal/cache"
	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/vault"
)

type fakeFetcher struct {
	evt   types.Event
	found bool
}

func (f *fakeFetcher) FetchLatest(context.Context, types.Filter) (types.Event, bool) {
	return f.evt, f.found
}

type recordingQueue struct {
	mu     sync.Mutex
	events []types.Event
}

func (q *recordingQueue) Enqueue(_ context.Context, events []types.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, events...)
	return nil
}

type fixture struct {
	store    *store.Memory
	vault    *vault.Vault
	fetcher  *fakeFetcher
	queue    *recordingQueue
	sync     *Synchronizer
	identity types.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(hex.EncodeToString(key))
	require.NoError(t, err)

	st := store.NewMemory()
	require.NoError(t, st.UpsertUser(context.Background(), types.User{ID: 1, Username: "alice"}))
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)
	require.NoError(t, st.CreateIdentity(context.Background(), id))

	mem := cache.NewMemoryCache(100, time.Hour)
	t.Cleanup(func() { mem.Close() })

	f := &fixture{store: st, vault: v, fetcher: &fakeFetcher{}, queue: &recordingQueue{}, identity: id}
	f.sync = NewSynchronizer(st, builder.New(v, "test"), f.fetcher, f.queue,
		cache.NewContactSnapshots(mem, time.Hour), time.Second)
	return f
}

func randomPubkey(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return nostr.PublicKeyHex(priv)
}

// remoteList signs a contact list for the fixture's identity as another
// client would.
func (f *fixture) remoteList(t *testing.T, createdAt time.Time, content string, pubkeys ...string) types.Event {
	t.Helper()
	entries := make([]types.ContactEntry, len(pubkeys))
	for i, pk := range pubkeys {
		entries[i] = types.ContactEntry{TargetPubKey: pk}
	}
	evt, err := builder.New(f.vault, "").Build(f.identity, nostr.KindContactList, content, nostr.ContactTags(entries), createdAt)
	require.NoError(t, err)
	return evt
}

func tagPubkeys(evt types.Event) []string {
	var out []string
	for _, tag := range evt.Tags {
		if tag[0] == "p" {
			out = append(out, tag[1])
		}
	}
	return out
}

func TestSyncWithoutRemoteList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pk := randomPubkey(t)

	require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, Target: pk, RelayHint: "wss://relay.example.com"}))
	require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, Target: "@bob@mastodon.social"}))

	evt, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, nostr.KindContactList, evt.Kind)
	assert.Equal(t, [][]string{{"p", pk, "wss://relay.example.com"}}, evt.Tags)
	assert.NoError(t, nostr.ValidateEvent(&evt))
	require.Len(t, f.queue.events, 1)
	assert.Equal(t, evt.ID, f.queue.events[0].ID)
}

func TestSyncKeepsRemoteOnlyEntriesAndContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	localPK, remotePK := randomPubkey(t), randomPubkey(t)

	require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, Target: localPK}))
	f.fetcher.evt = f.remoteList(t, time.Now().Add(-time.Hour), `{"wss://r":{"read":true,"write":true}}`, remotePK)
	f.fetcher.found = true

	evt, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{localPK, remotePK}, tagPubkeys(evt))
	assert.Equal(t, `{"wss://r":{"read":true,"write":true}}`, evt.Content)
}

func TestSyncHonoursUnfollowAfterSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gone, kept := randomPubkey(t), randomPubkey(t)

	snapshotAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	f.fetcher.evt = f.remoteList(t, snapshotAt, "", gone, kept)
	f.fetcher.found = true
	require.NoError(t, f.store.RecordUnfollow(ctx, 1, gone, snapshotAt.Add(time.Minute)))

	evt, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, tagPubkeys(evt))
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, Target: randomPubkey(t)}))
	f.fetcher.evt = f.remoteList(t, time.Now().Add(-time.Hour), "", randomPubkey(t))
	f.fetcher.found = true

	first, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)
	second, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, tagPubkeys(first), tagPubkeys(second))
}

func TestSyncFallsBackToCachedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remotePK := randomPubkey(t)

	f.fetcher.evt = f.remoteList(t, time.Now().Add(-time.Hour), "", remotePK)
	f.fetcher.found = true
	_, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)

	// Relays now return nothing; the cached snapshot still carries remotePK.
	f.fetcher.found = false
	evt, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{remotePK}, tagPubkeys(evt))
}

func TestSyncStampsEachListAfterThePrevious(t *testing.T) {
	for _, withCache := range []bool{true, false} {
		f := newFixture(t)
		if !withCache {
			f.sync.snapshots = nil
		}
		ctx := context.Background()
		frozen := time.Unix(1_700_000_000, 0)
		f.sync.now = func() time.Time { return frozen }
		a, b := randomPubkey(t), randomPubkey(t)

		require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, Target: a}))
		first, err := f.sync.Sync(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, Target: b}))
		second, err := f.sync.Sync(ctx, 1)
		require.NoError(t, err)

		assert.Equal(t, frozen.Unix(), first.CreatedAt)
		assert.Greater(t, second.CreatedAt, first.CreatedAt, "cache=%v", withCache)
		assert.ElementsMatch(t, []string{a, b}, tagPubkeys(second))
	}
}

func TestSyncStampsAfterNewerRemoteList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	frozen := time.Unix(1_700_000_000, 0)
	f.sync.now = func() time.Time { return frozen }

	f.fetcher.evt = f.remoteList(t, frozen.Add(time.Minute), "", randomPubkey(t))
	f.fetcher.found = true

	evt, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, f.fetcher.evt.CreatedAt+1, evt.CreatedAt)
}

func TestConcurrentSyncsProduceIncreasingLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	frozen := time.Unix(1_700_000_000, 0)
	f.sync.now = func() time.Time { return frozen }

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sync.Sync(ctx, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, f.queue.events, 5)
	seen := map[int64]bool{}
	for _, evt := range f.queue.events {
		assert.False(t, seen[evt.CreatedAt], "duplicate created_at %d", evt.CreatedAt)
		seen[evt.CreatedAt] = true
	}
}

func TestSyncResolvesLocalUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.vault.GenerateKeypair(2)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateIdentity(ctx, other))
	require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, TargetUserID: 2}))
	require.NoError(t, f.store.AddFollow(ctx, types.Follow{UserID: 1, TargetUserID: 3}))

	evt, err := f.sync.Sync(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{other.PubKey}, tagPubkeys(evt))
}

func TestSyncWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.sync.Sync(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.queue.events)
}

type blockingFetcher struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchLatest(context.Context, types.Filter) (types.Event, bool) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		close(f.entered)
	}
	<-f.release
	return types.Event{}, false
}

func TestConcurrentSnapshotFetchesAreShared(t *testing.T) {
	f := newFixture(t)
	bf := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	f.sync.fetcher = bf

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sync.remoteSnapshot(context.Background(), f.identity.PubKey)
		}()
		if i == 0 {
			<-bf.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(bf.release)
	wg.Wait()

	bf.mu.Lock()
	defer bf.mu.Unlock()
	assert.Equal(t, 1, bf.calls)
}
