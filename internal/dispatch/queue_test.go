package dispatch

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	calls    [][]types.Event
	outcomes []types.Outcome // one per call; last one repeats
	err      error
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, events []types.Event) ([]types.BroadcastResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.calls = append(r.calls, events)
	outcome := types.OutcomeOK
	if len(r.outcomes) > 0 {
		idx := len(r.calls) - 1
		if idx >= len(r.outcomes) {
			idx = len(r.outcomes) - 1
		}
		outcome = r.outcomes[idx]
	}
	results := make([]types.BroadcastResult, len(events))
	for i, e := range events {
		results[i] = types.BroadcastResult{EventID: e.ID, Relays: map[string]types.Outcome{"wss://a": outcome}}
	}
	return results, nil
}

func (r *recordingBroadcaster) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func signed(t *testing.T, content string) types.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	evt := types.Event{CreatedAt: time.Now().Unix(), Kind: nostr.KindTextNote, Content: content}
	require.NoError(t, nostr.SignEvent(&evt, priv))
	return evt
}

func fastOptions() Options {
	return Options{Capacity: 8, Workers: 1, MaxAttempts: 3, RetryDelay: 20 * time.Millisecond, JobTimeout: time.Second}
}

func TestMemoryQueueDelivers(t *testing.T) {
	b := &recordingBroadcaster{}
	q := NewMemoryQueue(b, fastOptions())
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	evt := signed(t, "hello")
	require.NoError(t, q.Enqueue(context.Background(), []types.Event{evt}))

	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, 5*time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, evt.ID, b.calls[0][0].ID)
}

func TestMemoryQueueRetriesUntilDelivered(t *testing.T) {
	b := &recordingBroadcaster{outcomes: []types.Outcome{types.OutcomeDisconnected, types.OutcomeOK}}
	q := NewMemoryQueue(b, fastOptions())
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), []types.Event{signed(t, "x")}))

	require.Eventually(t, func() bool { return b.callCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, b.callCount())
}

func TestMemoryQueueGivesUpAfterMaxAttempts(t *testing.T) {
	b := &recordingBroadcaster{outcomes: []types.Outcome{types.OutcomeError("boom")}}
	q := NewMemoryQueue(b, fastOptions())
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), []types.Event{signed(t, "x")}))

	require.Eventually(t, func() bool { return b.callCount() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, b.callCount())
}

func TestMemoryQueueFullAndClosed(t *testing.T) {
	q := NewMemoryQueue(&recordingBroadcaster{}, Options{Capacity: 1})
	evt := signed(t, "x")

	require.NoError(t, q.Enqueue(context.Background(), []types.Event{evt}))
	assert.ErrorIs(t, q.Enqueue(context.Background(), []types.Event{evt}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	q.Close()
	assert.ErrorIs(t, q.Enqueue(context.Background(), []types.Event{evt}), ErrQueueClosed)
}

func TestMemoryQueueIgnoresEmptyEnqueue(t *testing.T) {
	q := NewMemoryQueue(&recordingBroadcaster{}, fastOptions())
	assert.NoError(t, q.Enqueue(context.Background(), nil))
	assert.Equal(t, 0, q.Len())
}

// gatedBroadcaster blocks every broadcast until release is closed.
type gatedBroadcaster struct {
	recordingBroadcaster
	release chan struct{}
	delay   time.Duration
}

func (g *gatedBroadcaster) Broadcast(ctx context.Context, events []types.Event) ([]types.BroadcastResult, error) {
	<-g.release
	time.Sleep(g.delay)
	return g.recordingBroadcaster.Broadcast(ctx, events)
}

func TestMemoryQueueCloseDrainsQueuedJobs(t *testing.T) {
	b := &gatedBroadcaster{release: make(chan struct{})}
	opts := fastOptions()
	opts.DrainTimeout = 5 * time.Second
	q := NewMemoryQueue(b, opts)
	require.NoError(t, q.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), []types.Event{signed(t, "queued")}))
	}

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&q.closed) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, q.Enqueue(context.Background(), []types.Event{signed(t, "late")}), ErrQueueClosed)

	close(b.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 5, b.callCount())
	assert.Zero(t, q.Len())
}

func TestMemoryQueueDrainStopsAtDeadline(t *testing.T) {
	b := &gatedBroadcaster{release: make(chan struct{}), delay: 50 * time.Millisecond}
	close(b.release)
	opts := fastOptions()
	opts.DrainTimeout = 20 * time.Millisecond
	q := NewMemoryQueue(b, opts)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), []types.Event{signed(t, "queued")}))
	}
	require.NoError(t, q.Start(context.Background()))
	q.Close()

	assert.Less(t, b.callCount(), 5)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "NOSTR_BRIDGE_DISPATCH", StreamName(DefaultSubject))
	assert.Equal(t, "JOBS__", StreamName("jobs.>"))
}

func TestJobCodec(t *testing.T) {
	job := newJob([]types.Event{signed(t, "wire")})
	data, err := encodeJob(job)
	require.NoError(t, err)

	got, err := decodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Events, got.Events)
	assert.Equal(t, 1, got.Attempt)

	_, err = decodeJob([]byte(`{"id":"x","events":[]}`))
	assert.Error(t, err)
}

func TestNATSQueue(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL (a JetStream-enabled server) not set")
	}

	b := &recordingBroadcaster{}
	q, err := NewNATSQueue(url, "nostr.bridge.test."+time.Now().Format("150405.000000"), b, fastOptions())
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.Start(context.Background()))

	require.NoError(t, q.Enqueue(context.Background(), []types.Event{signed(t, "via nats")}))
	require.Eventually(t, func() bool { return b.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
