package relaypool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/util"
)

// maxRelayMessage caps relay-supplied text kept in outcomes and logs.
const maxRelayMessage = 200

var errConnClosed = errors.New("connection closed")

// subscription is an active REQ on a relay connection.
type subscription struct {
	id        string
	events    chan types.Event
	eose      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

type okResult struct {
	accepted bool
	message  string
}

// relayConn manages a single websocket connection. It is owned by the
// endpoint's supervisor and dropped as soon as the socket fails.
type relayConn struct {
	conn     *websocket.Conn
	relayURL string

	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*subscription
	okWaiters     map[string][]chan okResult
	closed        bool
	done          chan struct{}
}

func newRelayConn(conn *websocket.Conn, relayURL string) *relayConn {
	return &relayConn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*subscription),
		okWaiters:     make(map[string][]chan okResult),
		done:          make(chan struct{}),
	}
}

// writeJSON sends a message with a write deadline.
func (rc *relayConn) writeJSON(v interface{}, timeout time.Duration) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	rc.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer rc.conn.SetWriteDeadline(time.Time{})

	return rc.conn.WriteJSON(v)
}

// publish sends the event and waits for the matching OK.
func (rc *relayConn) publish(ctx context.Context, evt types.Event, timeout time.Duration) types.Outcome {
	waiter := make(chan okResult, 1)

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return types.OutcomeDisconnected
	}
	rc.okWaiters[evt.ID] = append(rc.okWaiters[evt.ID], waiter)
	rc.mu.Unlock()
	defer rc.removeWaiter(evt.ID, waiter)

	if err := rc.writeJSON([]interface{}{"EVENT", evt}, timeout); err != nil {
		rc.markClosed()
		return types.OutcomeError(err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res.accepted {
			return types.OutcomeOK
		}
		if res.message == "" {
			return types.OutcomeError("rejected")
		}
		return types.OutcomeError(util.TruncateString(res.message, maxRelayMessage))
	case <-timer.C:
		return types.OutcomeError("timeout waiting for OK")
	case <-ctx.Done():
		return types.OutcomeError(ctx.Err().Error())
	case <-rc.done:
		return types.OutcomeError(errConnClosed.Error())
	}
}

func (rc *relayConn) removeWaiter(id string, waiter chan okResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	waiters := rc.okWaiters[id]
	for i, w := range waiters {
		if w == waiter {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(rc.okWaiters, id)
	} else {
		rc.okWaiters[id] = waiters
	}
}

// subscribe registers a subscription and sends the REQ.
func (rc *relayConn) subscribe(subID string, filter types.Filter, timeout time.Duration) (*subscription, error) {
	sub := &subscription{
		id:     subID,
		events: make(chan types.Event, 100),
		eose:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, errConnClosed
	}
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	if err := rc.writeJSON([]interface{}{"REQ", subID, filter}, timeout); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}
	return sub, nil
}

// unsubscribe removes the subscription and sends CLOSE if the relay still
// knows about it.
func (rc *relayConn) unsubscribe(sub *subscription, timeout time.Duration) {
	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.id]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.id)
	}
	rc.mu.Unlock()

	if shouldSendClose {
		_ = rc.writeJSON([]interface{}{"CLOSE", sub.id}, timeout)
	}
	sub.close()
}

// readLoop reads and routes messages until the socket fails.
func (rc *relayConn) readLoop() error {
	defer rc.markClosed()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			return err
		}
		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.events <- evt:
				case <-sub.done:
				default:
					// Channel full, drop event
				}
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			id, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			var message string
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}

			rc.mu.Lock()
			waiters := rc.okWaiters[id]
			delete(rc.okWaiters, id)
			rc.mu.Unlock()

			for _, w := range waiters {
				select {
				case w <- okResult{accepted: accepted, message: message}:
				default:
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.eose <- struct{}{}:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			reason := ""
			if len(msg) >= 3 {
				reason, _ = msg[2].(string)
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				slog.Debug("subscription closed by relay", "relay", rc.relayURL, "sub", subID, "reason", util.TruncateString(reason, maxRelayMessage))
				sub.close()
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Info("relay notice", "relay", rc.relayURL, "notice", util.TruncateString(notice, maxRelayMessage))
		}
	}
}

// markClosed marks the connection as closed and releases its waiters.
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
	close(rc.done)

	for _, sub := range rc.subscriptions {
		sub.close()
	}
	rc.subscriptions = make(map[string]*subscription)
}
