package contacts

import (
	"errors"
	"fmt"
	"strings"

	"nostr-bridge/internal/nips"
	"nostr-bridge/internal/nostr"
)

var ErrInvalidTarget = errors.New("invalid follow target")

// FollowTarget is either a NostrPubkey or an ActivityPubHandle. Values are
// produced by ParseFollowTarget; callers switch on the concrete type.
type FollowTarget interface {
	followTarget()
	String() string
}

// NostrPubkey is a protocol-visible identity that appears in contact lists.
type NostrPubkey struct {
	Hex string
}

func (NostrPubkey) followTarget() {}

func (p NostrPubkey) String() string { return p.Hex }

// ActivityPubHandle is a fediverse account. It is recorded locally but
// never published in a Nostr contact list.
type ActivityPubHandle struct {
	User string
	Host string
}

func (ActivityPubHandle) followTarget() {}

func (h ActivityPubHandle) String() string { return "@" + h.User + "@" + h.Host }

// ParseFollowTarget classifies a raw follow target. Accepted forms are a hex
// pubkey, an npub, "@user@host" and "user@host".
func ParseFollowTarget(raw string) (FollowTarget, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return nil, fmt.Errorf("%w: empty", ErrInvalidTarget)

	case strings.HasPrefix(s, nips.HRPPublicKey+"1"):
		hex, err := nips.DecodePubkey(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		return NostrPubkey{Hex: hex}, nil

	case strings.Contains(s, "@"):
		parts := strings.Split(strings.TrimPrefix(s, "@"), "@")
		if len(parts) != 2 || parts[0] == "" || !validHost(parts[1]) {
			return nil, fmt.Errorf("%w: malformed handle %q", ErrInvalidTarget, raw)
		}
		return ActivityPubHandle{User: parts[0], Host: strings.ToLower(parts[1])}, nil

	default:
		lower := strings.ToLower(s)
		if !nostr.IsHex64(lower) {
			return nil, fmt.Errorf("%w: %q is neither a pubkey nor a handle", ErrInvalidTarget, raw)
		}
		return NostrPubkey{Hex: lower}, nil
	}
}

func validHost(host string) bool {
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " /:") {
		return false
	}
	return !strings.HasPrefix(host, ".") && !strings.HasSuffix(host, ".")
}
