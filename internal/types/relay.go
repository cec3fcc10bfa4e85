package types

// RelayState is the connection state of a single relay endpoint.
type RelayState string

const (
	RelayDisconnected RelayState = "disconnected"
	RelayConnecting   RelayState = "connecting"
	RelayConnected    RelayState = "connected"
)

// Outcome of publishing one event to one relay. Anything other than
// OutcomeOK and OutcomeDisconnected is the error message reported for
// that relay.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeDisconnected Outcome = "disconnected"
)

// Attempted reports whether the relay was actually tried.
func (o Outcome) Attempted() bool {
	return o != OutcomeDisconnected
}

// OK reports whether the relay accepted the event.
func (o Outcome) OK() bool {
	return o == OutcomeOK
}

// OutcomeError builds the outcome for a failed publish attempt.
func OutcomeError(msg string) Outcome {
	if msg == "" {
		msg = "error"
	}
	return Outcome(msg)
}

// BroadcastResult is the per-relay outcome of publishing one event.
type BroadcastResult struct {
	EventID string             `json:"id"`
	Relays  map[string]Outcome `json:"relays"`
}

// Counts tallies outcomes by class.
func (r BroadcastResult) Counts() (ok, failed, disconnected int) {
	for _, o := range r.Relays {
		switch {
		case o.OK():
			ok++
		case !o.Attempted():
			disconnected++
		default:
			failed++
		}
	}
	return ok, failed, disconnected
}
