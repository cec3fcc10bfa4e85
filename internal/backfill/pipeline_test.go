package backfill

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/builder"
	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/vault"
)

// batchQueue records each enqueued batch and checks that every event in it
// is already persisted on its post.
type batchQueue struct {
	mu      sync.Mutex
	store   *store.Memory
	batches [][]types.Event
	unsaved int
	fail    error
}

func (q *batchQueue) Enqueue(ctx context.Context, events []types.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	posts, _ := q.store.ListPosts(ctx, 1)
	synced := map[string]bool{}
	for _, p := range posts {
		synced[p.SyncedEventID] = true
	}
	for _, evt := range events {
		if !synced[evt.ID] {
			q.unsaved++
		}
	}
	q.batches = append(q.batches, events)
	return nil
}

func newTestPipeline(t *testing.T, posts int) (*Pipeline, *store.Memory, *batchQueue, types.Identity) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(hex.EncodeToString(key))
	require.NoError(t, err)

	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.UpsertUser(ctx, types.User{ID: 1, Username: "alice"}))
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)
	require.NoError(t, st.CreateIdentity(ctx, id))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Inserted newest first to check the pipeline sorts.
	for i := posts; i >= 1; i-- {
		require.NoError(t, st.UpsertPost(ctx, types.Post{
			ID:        int64(i),
			UserID:    1,
			Body:      fmt.Sprintf("post **%d**", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	q := &batchQueue{store: st}
	p := NewPipeline(st, builder.New(v, "test"), q, Options{BatchSize: 10})
	return p, st, q, id
}

func TestBackfillBatchesChronologically(t *testing.T) {
	p, st, q, id := newTestPipeline(t, 25)
	ctx := context.Background()

	posts, err := st.ListPosts(ctx, 1)
	require.NoError(t, err)
	report, err := p.Backfill(ctx, id, posts)
	require.NoError(t, err)

	assert.Equal(t, Report{Batches: 3, Published: 25}, report)
	require.Len(t, q.batches, 3)
	assert.Len(t, q.batches[0], 10)
	assert.Len(t, q.batches[1], 10)
	assert.Len(t, q.batches[2], 5)
	assert.Zero(t, q.unsaved)

	var last int64
	for _, batch := range q.batches {
		for _, evt := range batch {
			assert.Equal(t, nostr.KindTextNote, evt.Kind)
			assert.NoError(t, nostr.ValidateEvent(&evt))
			assert.GreaterOrEqual(t, evt.CreatedAt, last)
			last = evt.CreatedAt
		}
	}
	assert.Equal(t, "post 1", q.batches[0][0].Content)
	assert.Equal(t, "post 25", q.batches[2][4].Content)
}

func TestBackfillSecondRunPublishesNothing(t *testing.T) {
	p, st, q, id := newTestPipeline(t, 12)
	ctx := context.Background()

	posts, err := st.ListPosts(ctx, 1)
	require.NoError(t, err)
	_, err = p.Backfill(ctx, id, posts)
	require.NoError(t, err)

	posts, err = st.ListPosts(ctx, 1)
	require.NoError(t, err)
	report, err := p.Backfill(ctx, id, posts)
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 12}, report)
	assert.Len(t, q.batches, 2)
}

func TestBackfillEnqueueFailureKeepsIDs(t *testing.T) {
	p, st, q, id := newTestPipeline(t, 3)
	ctx := context.Background()
	q.fail = errors.New("queue down")

	posts, err := st.ListPosts(ctx, 1)
	require.NoError(t, err)
	_, err = p.Backfill(ctx, id, posts)
	require.Error(t, err)

	posts, err = st.ListPosts(ctx, 1)
	require.NoError(t, err)
	for _, post := range posts {
		assert.NotEmpty(t, post.SyncedEventID)
	}
}

func TestBackfillRespectsContext(t *testing.T) {
	p, st, _, id := newTestPipeline(t, 25)
	p.interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	posts, err := st.ListPosts(ctx, 1)
	require.NoError(t, err)

	cancel()
	report, err := p.Backfill(ctx, id, posts)
	require.Error(t, err)
	assert.Zero(t, report.Published)
}

func TestSyncItem(t *testing.T) {
	p, st, q, id := newTestPipeline(t, 1)
	ctx := context.Background()

	post, err := st.GetPost(ctx, 1)
	require.NoError(t, err)
	evt, published, err := p.SyncItem(ctx, id, post)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, "post 1", evt.Content)

	post, err = st.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, post.SyncedEventID)

	_, published, err = p.SyncItem(ctx, id, post)
	require.NoError(t, err)
	assert.False(t, published)
	assert.Len(t, q.batches, 1)
}

func TestConcurrentBackfillsPublishEachPostOnce(t *testing.T) {
	p, st, q, id := newTestPipeline(t, 20)
	ctx := context.Background()

	// Both runs start from the same unsynced listing.
	posts, err := st.ListPosts(ctx, 1)
	require.NoError(t, err)

	reports := make([]Report, 2)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.Backfill(ctx, id, posts)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, reports[0].Published+reports[1].Published)
	assert.Equal(t, 20, reports[0].Skipped+reports[1].Skipped)

	ids := map[string]bool{}
	for _, batch := range q.batches {
		for _, evt := range batch {
			ids[evt.ID] = true
		}
	}
	assert.Len(t, ids, 20)

	posts, err = st.ListPosts(ctx, 1)
	require.NoError(t, err)
	for _, post := range posts {
		assert.True(t, ids[post.SyncedEventID], "post %d carries an enqueued id", post.ID)
	}
}

func TestSyncItemWithStalePostIsSkipped(t *testing.T) {
	p, st, q, id := newTestPipeline(t, 1)
	ctx := context.Background()

	stale, err := st.GetPost(ctx, 1)
	require.NoError(t, err)
	_, published, err := p.SyncItem(ctx, id, stale)
	require.NoError(t, err)
	require.True(t, published)

	_, published, err = p.SyncItem(ctx, id, stale)
	require.NoError(t, err)
	assert.False(t, published)
	assert.Len(t, q.batches, 1)
}
