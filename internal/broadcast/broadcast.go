// Package broadcast validates signed events and fans them out to the relay
// pool, collecting a per-relay outcome for each event.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
)

var ErrNoEvents = errors.New("no events to broadcast")

var outcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bridge_broadcast_outcomes_total",
		Help: "Per-relay publish outcomes by class.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(outcomesTotal)
}

// Publisher is the relay side of a broadcast. *relaypool.Pool satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) map[string]types.Outcome
}

// Broadcaster publishes batches of events.
type Broadcaster struct {
	pub Publisher
}

// New returns a Broadcaster publishing through pub.
func New(pub Publisher) *Broadcaster {
	return &Broadcaster{pub: pub}
}

// Validate checks every event before anything is sent. The first invalid
// event fails the whole batch.
func Validate(events []types.Event) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	for i := range events {
		if err := nostr.ValidateEvent(&events[i]); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// Broadcast validates the events and publishes them concurrently. Results
// are returned in input order, one per event. Relay failures are outcomes
// in the result, never errors.
func (b *Broadcaster) Broadcast(ctx context.Context, events []types.Event) ([]types.BroadcastResult, error) {
	if err := Validate(events); err != nil {
		return nil, err
	}

	results := make([]types.BroadcastResult, len(events))
	var wg sync.WaitGroup
	for i, evt := range events {
		wg.Add(1)
		go func(i int, evt types.Event) {
			defer wg.Done()
			results[i] = types.BroadcastResult{
				EventID: evt.ID,
				Relays:  b.pub.Publish(ctx, evt),
			}
			record(evt, results[i])
		}(i, evt)
	}
	wg.Wait()

	return results, nil
}

func record(evt types.Event, res types.BroadcastResult) {
	ok, failed, disconnected := res.Counts()
	outcomesTotal.WithLabelValues("ok").Add(float64(ok))
	outcomesTotal.WithLabelValues("error").Add(float64(failed))
	outcomesTotal.WithLabelValues("disconnected").Add(float64(disconnected))

	slog.Info("event broadcast",
		"event_id", nostr.ShortID(evt.ID),
		"kind", evt.Kind,
		"summary", fmt.Sprintf("ok=%d error=%d disconnected=%d", ok, failed, disconnected))

	for url, o := range res.Relays {
		if o.Attempted() && !o.OK() {
			slog.Debug("relay rejected event", "event_id", nostr.ShortID(evt.ID), "relay", url, "error", string(o))
		}
	}
}
