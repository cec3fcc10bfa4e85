package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/relaypool"
	"nostr-bridge/internal/relaytest"
	"nostr-bridge/internal/types"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	outcomes  map[string]types.Outcome
}

func (f *fakePublisher) Publish(_ context.Context, evt types.Event) map[string]types.Outcome {
	f.mu.Lock()
	f.published = append(f.published, evt.ID)
	f.mu.Unlock()
	out := make(map[string]types.Outcome, len(f.outcomes))
	for k, v := range f.outcomes {
		out[k] = v
	}
	return out
}

func signed(t *testing.T, content string) types.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	evt := types.Event{CreatedAt: time.Now().Unix(), Kind: nostr.KindTextNote, Content: content}
	require.NoError(t, nostr.SignEvent(&evt, priv))
	return evt
}

func TestBroadcastRejectsEmpty(t *testing.T) {
	pub := &fakePublisher{}
	_, err := New(pub).Broadcast(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoEvents)
	assert.Empty(t, pub.published)
}

func TestBroadcastRejectsInvalidBeforePublishing(t *testing.T) {
	pub := &fakePublisher{}
	good := signed(t, "good")
	bad := signed(t, "bad")
	bad.Content = "tampered"

	_, err := New(pub).Broadcast(context.Background(), []types.Event{good, bad})
	assert.ErrorIs(t, err, nostr.ErrIDMismatch)
	assert.Empty(t, pub.published, "nothing may be published when one event is invalid")
}

func TestBroadcastOneResultPerEventInOrder(t *testing.T) {
	pub := &fakePublisher{outcomes: map[string]types.Outcome{
		"wss://a": types.OutcomeOK,
		"wss://b": types.OutcomeError("rate-limited: slow down"),
		"wss://c": types.OutcomeDisconnected,
	}}
	events := []types.Event{signed(t, "one"), signed(t, "two"), signed(t, "three")}

	results, err := New(pub).Broadcast(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, events[i].ID, res.EventID)
		assert.Len(t, res.Relays, 3)
		ok, failed, disconnected := res.Counts()
		assert.Equal(t, []int{1, 1, 1}, []int{ok, failed, disconnected})
	}
}

func TestBroadcastAgainstRelays(t *testing.T) {
	up := relaytest.New()
	defer up.Close()
	down := relaytest.New()
	downURL := down.URL()
	down.Close()

	pool := relaypool.New(relaypool.Options{ReconnectDelay: 50 * time.Millisecond, ConnectTimeout: time.Second, PublishTimeout: time.Second})
	defer pool.Close()
	pool.Start([]string{up.URL(), downURL})
	require.Eventually(t, func() bool { return pool.ConnectedCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	evt := signed(t, "fan out")
	results, err := New(pool).Broadcast(context.Background(), []types.Event{evt})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]types.Outcome{
		up.URL(): types.OutcomeOK,
		downURL:  types.OutcomeDisconnected,
	}, results[0].Relays)
}
