// Package relaypool keeps one websocket connection per configured relay,
// reconnecting forever with a fixed delay, and exposes publish and fetch
// operations across all connected relays.
package relaypool

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"lukechampine.com/frand"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
)

// Options tunes the pool's timeouts.
type Options struct {
	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// PublishTimeout bounds the wait for a relay's OK.
	PublishTimeout time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// DefaultOptions returns the production timeouts.
func DefaultOptions() Options {
	return Options{
		ReconnectDelay: 5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = def.PublishTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Pool manages connections to a fixed set of relays.
type Pool struct {
	opts Options

	mu          sync.RWMutex
	endpoints   []string
	states      map[string]types.RelayState
	connections map[string]*relayConn

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a pool. Nothing connects until Start.
func New(opts Options) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:        opts.withDefaults(),
		states:      make(map[string]types.RelayState),
		connections: make(map[string]*relayConn),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches one supervisor per endpoint and returns immediately.
// Endpoints are expected to be normalized already; duplicates are ignored.
func (p *Pool) Start(endpoints []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		slog.Warn("relay pool already started")
		return
	}
	p.started = true

	for _, url := range endpoints {
		if _, dup := p.states[url]; dup {
			continue
		}
		p.endpoints = append(p.endpoints, url)
		p.states[url] = types.RelayDisconnected
		p.wg.Add(1)
		go p.supervise(url)
	}
	slog.Info("relay pool started", "relays", len(p.endpoints))
}

// Endpoints returns the configured relay URLs in configuration order.
func (p *Pool) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.endpoints...)
}

// Status returns a snapshot of every endpoint's connection state.
func (p *Pool) Status() map[string]types.RelayState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]types.RelayState, len(p.states))
	for url, st := range p.states {
		out[url] = st
	}
	return out
}

// ConnectedCount returns how many endpoints are currently connected.
func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, st := range p.states {
		if st == types.RelayConnected {
			n++
		}
	}
	return n
}

func (p *Pool) setState(url string, st types.RelayState) {
	p.mu.Lock()
	p.states[url] = st
	p.mu.Unlock()
}

// supervise owns the connection lifecycle of one endpoint.
func (p *Pool) supervise(url string) {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		p.setState(url, types.RelayConnecting)
		rc, err := p.dial(url)
		if err != nil {
			p.setState(url, types.RelayDisconnected)
			slog.Warn("relay connect failed", "relay", url, "error", err, "retry_in", p.opts.ReconnectDelay)
		} else {
			p.mu.Lock()
			if p.ctx.Err() != nil {
				p.mu.Unlock()
				rc.markClosed()
				return
			}
			p.connections[url] = rc
			p.states[url] = types.RelayConnected
			p.mu.Unlock()
			slog.Info("relay connected", "relay", url)

			err = rc.readLoop()

			p.mu.Lock()
			if p.connections[url] == rc {
				delete(p.connections, url)
			}
			p.states[url] = types.RelayDisconnected
			p.mu.Unlock()

			if p.ctx.Err() != nil {
				return
			}
			slog.Warn("relay disconnected", "relay", url, "error", err, "retry_in", p.opts.ReconnectDelay)
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.opts.ReconnectDelay):
		}
	}
}

func (p *Pool) dial(url string) (*relayConn, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := p.opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newRelayConn(conn, url), nil
}

// snapshot returns the endpoints and their live connections.
func (p *Pool) snapshot() ([]string, map[string]*relayConn) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conns := make(map[string]*relayConn, len(p.connections))
	for url, rc := range p.connections {
		conns[url] = rc
	}
	return append([]string(nil), p.endpoints...), conns
}

// Publish sends the event to every connected relay concurrently and waits
// for each relay's OK. Every configured endpoint gets an outcome; those not
// connected at the time of the call report OutcomeDisconnected.
func (p *Pool) Publish(ctx context.Context, evt types.Event) map[string]types.Outcome {
	endpoints, conns := p.snapshot()

	results := make(map[string]types.Outcome, len(endpoints))
	for _, url := range endpoints {
		results[url] = types.OutcomeDisconnected
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for url, rc := range conns {
		wg.Add(1)
		go func(url string, rc *relayConn) {
			defer wg.Done()
			outcome := rc.publish(ctx, evt, p.opts.PublishTimeout)
			mu.Lock()
			results[url] = outcome
			mu.Unlock()
		}(url, rc)
	}
	wg.Wait()

	return results
}

// Fetch runs a one-shot REQ against every connected relay and collects
// events until each relay sends EOSE or ctx is done. Results are
// deduplicated by id and sorted newest first.
func (p *Pool) Fetch(ctx context.Context, filter types.Filter) []types.Event {
	_, conns := p.snapshot()
	if len(conns) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		seen   = make(map[string]bool)
		events []types.Event
	)
	for url, rc := range conns {
		wg.Add(1)
		go func(url string, rc *relayConn) {
			defer wg.Done()

			sub, err := rc.subscribe(newSubID(), filter, p.opts.WriteTimeout)
			if err != nil {
				slog.Debug("relay fetch failed", "relay", url, "error", err)
				return
			}
			defer rc.unsubscribe(sub, p.opts.WriteTimeout)

			for {
				select {
				case evt := <-sub.events:
					mu.Lock()
					if !seen[evt.ID] {
						seen[evt.ID] = true
						events = append(events, evt)
					}
					mu.Unlock()
				case <-sub.eose:
					drain(sub, func(evt types.Event) {
						mu.Lock()
						if !seen[evt.ID] {
							seen[evt.ID] = true
							events = append(events, evt)
						}
						mu.Unlock()
					})
					return
				case <-sub.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}(url, rc)
	}
	wg.Wait()

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	slog.Debug("relay fetch complete", "relays", len(conns), "events", len(events), "kinds", filter.Kinds)
	return events
}

// drain consumes events already buffered when EOSE arrived.
func drain(sub *subscription, fn func(types.Event)) {
	for {
		select {
		case evt := <-sub.events:
			fn(evt)
		default:
			return
		}
	}
}

// FetchLatest returns the newest event matching the filter, if any.
func (p *Pool) FetchLatest(ctx context.Context, filter types.Filter) (types.Event, bool) {
	events := p.Fetch(ctx, filter)
	if len(events) == 0 {
		return types.Event{}, false
	}
	slog.Debug("fetched latest event", "event_id", nostr.ShortID(events[0].ID), "kind", events[0].Kind)
	return events[0], true
}

// Close stops all supervisors and closes every connection.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
	p.wg.Wait()
}

func newSubID() string {
	return "bridge-" + hex.EncodeToString(frand.Bytes(8))
}
