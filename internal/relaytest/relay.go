// Package relaytest provides an in-process Nostr relay for tests. It speaks
// enough of NIP-01 to exercise publishing and fetching: EVENT is answered
// with OK, REQ with the stored matching events followed by EOSE.
package relaytest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"nostr-bridge/internal/types"
)

// Relay is a fake relay listening on a local httptest server.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*websocket.Conn]bool
	events    []types.Event
	accept    bool
	rejectMsg string
	silent    bool
	connects  int
}

// New starts a relay that accepts every event.
func New() *Relay {
	r := newRelay()
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// Listen starts a relay on a specific address, for tests that need a relay
// to come up where a client is already trying to connect.
func Listen(addr string) (*Relay, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := newRelay()
	r.server = httptest.NewUnstartedServer(http.HandlerFunc(r.handle))
	r.server.Listener.Close()
	r.server.Listener = l
	r.server.Start()
	return r, nil
}

func newRelay() *Relay {
	return &Relay{
		conns:  make(map[*websocket.Conn]bool),
		accept: true,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// URL returns the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close drops all connections and stops the server.
func (r *Relay) Close() {
	r.DropConnections()
	r.server.Close()
}

// DropConnections closes every open client connection, simulating a relay
// restart. The server keeps listening.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
		delete(r.conns, c)
	}
}

// Reject makes the relay answer OK false with msg for subsequent events.
func (r *Relay) Reject(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accept = false
	r.rejectMsg = msg
}

// Silence stops the relay from answering EVENT messages at all.
func (r *Relay) Silence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent = true
}

// Seed stores events that REQ subscriptions will return.
func (r *Relay) Seed(events ...types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Events returns a copy of the accepted and seeded events.
func (r *Relay) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Connections returns how many websocket sessions have been opened so far.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns[conn] = true
	r.connects++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(v ...interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ string
		if err := json.Unmarshal(msg[0], &typ); err != nil {
			continue
		}

		switch typ {
		case "EVENT":
			var evt types.Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				send("NOTICE", "invalid: malformed event")
				continue
			}
			r.mu.Lock()
			silent, accept, rejectMsg := r.silent, r.accept, r.rejectMsg
			if accept && !silent {
				r.events = append(r.events, evt)
			}
			r.mu.Unlock()
			if silent {
				continue
			}
			if accept {
				send("OK", evt.ID, true, "")
			} else {
				send("OK", evt.ID, false, rejectMsg)
			}

		case "REQ":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var filter types.Filter
			if len(msg) >= 3 {
				_ = json.Unmarshal(msg[2], &filter)
			}
			for _, evt := range r.match(filter) {
				send("EVENT", subID, evt)
			}
			send("EOSE", subID)

		case "CLOSE":
		}
	}
}

func (r *Relay) match(f types.Filter) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.Event
	for _, evt := range r.events {
		if len(f.IDs) > 0 && !contains(f.IDs, evt.ID) {
			continue
		}
		if len(f.Authors) > 0 && !contains(f.Authors, evt.PubKey) {
			continue
		}
		if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
			continue
		}
		if f.Since != nil && evt.CreatedAt < *f.Since {
			continue
		}
		if f.Until != nil && evt.CreatedAt > *f.Until {
			continue
		}
		out = append(out, evt)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
