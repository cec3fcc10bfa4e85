// Package nostr implements the NIP-01 event codec: canonical serialization,
// id computation, Schnorr signing and verification.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-bridge/internal/types"
)

var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrIDMismatch       = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Serialize returns the canonical NIP-01 serialization used for the event id:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>] with no whitespace.
func Serialize(pubkey string, createdAt int64, kind int, tags [][]string, content string) []byte {
	dst := make([]byte, 0, 128+len(content))
	dst = append(dst, `[0,"`...)
	dst = append(dst, pubkey...)
	dst = append(dst, `",`...)
	dst = strconv.AppendInt(dst, createdAt, 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(kind), 10)
	dst = append(dst, ",["...)
	for i, tag := range tags {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		for j, v := range tag {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = EscapeString(dst, v)
		}
		dst = append(dst, ']')
	}
	dst = append(dst, "],"...)
	dst = EscapeString(dst, content)
	dst = append(dst, ']')
	return dst
}

// EscapeString appends s to dst as a JSON string using the NIP-01 escaping
// rules. Only quote, backslash and control characters are escaped; HTML
// characters and non-ASCII runes pass through unchanged.
func EscapeString(dst []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c >= 0x20:
			dst = append(dst, c)
		case c == '\b':
			dst = append(dst, '\\', 'b')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\f':
			dst = append(dst, '\\', 'f')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return append(dst, '"')
}

// ComputeEventID returns the hex SHA-256 of the canonical serialization.
func ComputeEventID(evt *types.Event) string {
	hash := sha256.Sum256(Serialize(evt.PubKey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content))
	return hex.EncodeToString(hash[:])
}

// SignEvent fills in PubKey, ID and Sig using the given private key.
// Tags are normalized to a non-nil slice so the event encodes "tags":[].
func SignEvent(evt *types.Event, privKey *btcec.PrivateKey) error {
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.PubKey = PublicKeyHex(privKey)
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return fmt.Errorf("schnorr sign: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// PublicKeyHex returns the x-only (BIP-340) public key as hex.
func PublicKeyHex(privKey *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey()))
}

// IsHex64 reports whether s is a 32-byte lowercase hex string.
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ValidateEvent checks the event shape, that the id matches the content and
// that the signature is valid for the pubkey.
func ValidateEvent(evt *types.Event) error {
	if !IsHex64(evt.ID) || !IsHex64(evt.PubKey) || len(evt.Sig) != 128 {
		return fmt.Errorf("%w: malformed id, pubkey or sig", ErrInvalidEvent)
	}
	if evt.Kind < 0 || evt.Kind > 65535 {
		return fmt.Errorf("%w: kind %d out of range", ErrInvalidEvent, evt.Kind)
	}
	if ComputeEventID(evt) != evt.ID {
		return ErrIDMismatch
	}
	if !ValidateEventSignature(evt) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON re-encoding)
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	evt.Tags = [][]string{}
	if tags, ok := m["tags"].([]interface{}); ok {
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	if err := ValidateEvent(&evt); err != nil {
		slog.Warn("dropping relay event", "event_id", ShortID(evt.ID), "error", err)
		return types.Event{}, false
	}

	return evt, true
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
