package relaypool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/relaytest"
	"nostr-bridge/internal/types"
)

func testOptions() Options {
	return Options{
		ReconnectDelay: 50 * time.Millisecond,
		ConnectTimeout: time.Second,
		PublishTimeout: time.Second,
		WriteTimeout:   time.Second,
	}
}

func signedEvent(t *testing.T, content string, createdAt int64) types.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	evt := types.Event{CreatedAt: createdAt, Kind: nostr.KindTextNote, Content: content}
	require.NoError(t, nostr.SignEvent(&evt, priv))
	return evt
}

func deadURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "ws://" + addr
}

func waitConnected(t *testing.T, p *Pool, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Status()[url] == types.RelayConnected
	}, 3*time.Second, 10*time.Millisecond, "relay %s never connected", url)
}

func TestPublishReportsEveryEndpoint(t *testing.T) {
	up := relaytest.New()
	defer up.Close()
	down := deadURL(t)

	p := New(testOptions())
	defer p.Close()
	p.Start([]string{up.URL(), down})
	waitConnected(t, p, up.URL())

	evt := signedEvent(t, "hello", time.Now().Unix())
	results := p.Publish(context.Background(), evt)

	assert.Equal(t, map[string]types.Outcome{
		up.URL(): types.OutcomeOK,
		down:     types.OutcomeDisconnected,
	}, results)
	assert.Equal(t, 1, p.ConnectedCount())
	assert.Len(t, p.Status(), 2)
	require.Len(t, up.Events(), 1)
	assert.Equal(t, evt.ID, up.Events()[0].ID)
}

func TestPublishRejected(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()
	relay.Reject("blocked: not on whitelist")

	p := New(testOptions())
	defer p.Close()
	p.Start([]string{relay.URL()})
	waitConnected(t, p, relay.URL())

	results := p.Publish(context.Background(), signedEvent(t, "x", 1))
	assert.Equal(t, types.Outcome("blocked: not on whitelist"), results[relay.URL()])
	assert.True(t, results[relay.URL()].Attempted())
	assert.False(t, results[relay.URL()].OK())
}

func TestPublishTimesOutWithoutOK(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()
	relay.Silence()

	opts := testOptions()
	opts.PublishTimeout = 100 * time.Millisecond
	p := New(opts)
	defer p.Close()
	p.Start([]string{relay.URL()})
	waitConnected(t, p, relay.URL())

	start := time.Now()
	results := p.Publish(context.Background(), signedEvent(t, "x", 1))
	assert.Equal(t, types.Outcome("timeout waiting for OK"), results[relay.URL()])
	assert.Less(t, time.Since(start), time.Second)
}

func TestReconnectsAfterDrop(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	p := New(testOptions())
	defer p.Close()
	p.Start([]string{relay.URL()})
	waitConnected(t, p, relay.URL())

	for i := 2; i <= 4; i++ {
		relay.DropConnections()
		want := i
		require.Eventually(t, func() bool {
			return relay.Connections() >= want && p.Status()[relay.URL()] == types.RelayConnected
		}, 3*time.Second, 10*time.Millisecond)
	}

	results := p.Publish(context.Background(), signedEvent(t, "after reconnect", 2))
	assert.Equal(t, types.OutcomeOK, results[relay.URL()])
}

func TestConnectsWhenRelayComesUpLater(t *testing.T) {
	url := deadURL(t)

	p := New(testOptions())
	defer p.Close()
	p.Start([]string{url})

	time.Sleep(300 * time.Millisecond)
	assert.NotEqual(t, types.RelayConnected, p.Status()[url])

	relay, err := relaytest.Listen(url[len("ws://"):])
	require.NoError(t, err)
	defer relay.Close()

	waitConnected(t, p, url)
}

func TestFetchDeduplicatesAcrossRelays(t *testing.T) {
	a := relaytest.New()
	defer a.Close()
	b := relaytest.New()
	defer b.Close()

	older := signedEvent(t, "older", 100)
	newer := signedEvent(t, "newer", 200)
	a.Seed(older, newer)
	b.Seed(newer)

	p := New(testOptions())
	defer p.Close()
	p.Start([]string{a.URL(), b.URL()})
	waitConnected(t, p, a.URL())
	waitConnected(t, p, b.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events := p.Fetch(ctx, types.Filter{Kinds: []int{nostr.KindTextNote}})

	require.Len(t, events, 2)
	assert.Equal(t, newer.ID, events[0].ID)
	assert.Equal(t, older.ID, events[1].ID)

	latest, ok := p.FetchLatest(ctx, types.Filter{Authors: []string{older.PubKey}})
	require.True(t, ok)
	assert.Equal(t, older.ID, latest.ID)
}

func TestFetchWithNoConnections(t *testing.T) {
	p := New(testOptions())
	defer p.Close()
	p.Start([]string{deadURL(t)})

	assert.Empty(t, p.Fetch(context.Background(), types.Filter{}))
	_, ok := p.FetchLatest(context.Background(), types.Filter{})
	assert.False(t, ok)
}

func TestCloseStopsSupervisors(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	p := New(testOptions())
	p.Start([]string{relay.URL()})
	waitConnected(t, p, relay.URL())

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, types.RelayDisconnected, p.Status()[relay.URL()])
}
