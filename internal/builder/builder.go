// Package builder turns content and an encrypted identity into signed Nostr
// events.
package builder

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/vault"
)

// ErrPubKeyMismatch is wrapped in a VaultError when a decrypted key does
// not derive the identity's public key.
var ErrPubKeyMismatch = errors.New("decrypted key does not match identity pubkey")

// Builder signs events for identities sealed by a Vault.
type Builder struct {
	vault      *vault.Vault
	clientName string
	now        func() time.Time
}

// New returns a Builder. clientName is used for the "client" tag on notes
// and may be empty.
func New(v *vault.Vault, clientName string) *Builder {
	return &Builder{vault: v, clientName: clientName, now: time.Now}
}

// Build signs an event for the identity. A zero createdAt means now; an
// explicit time is kept as is so historical content keeps its timestamp.
// The decrypted private key is zeroed before Build returns.
func (b *Builder) Build(id types.Identity, kind int, content string, tags [][]string, createdAt time.Time) (types.Event, error) {
	if b.vault == nil {
		return types.Event{}, &vault.VaultError{Op: "sign", Err: vault.ErrNotConfigured}
	}
	raw, err := b.vault.Decrypt(id.EncryptedPrivateKey, id.IV, id.KeyVersion)
	if err != nil {
		return types.Event{}, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	clear(raw)
	defer priv.Zero()

	if nostr.PublicKeyHex(priv) != id.PubKey {
		return types.Event{}, &vault.VaultError{Op: "sign", Err: ErrPubKeyMismatch}
	}

	if createdAt.IsZero() {
		createdAt = b.now()
	}
	evt := types.Event{
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Tags:      copyTags(tags),
		Content:   content,
	}
	if err := nostr.SignEvent(&evt, priv); err != nil {
		return types.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return evt, nil
}

// Profile builds a kind 0 metadata event.
func (b *Builder) Profile(id types.Identity, meta types.ProfileMetadata) (types.Event, error) {
	content, err := nostr.ProfileContent(meta)
	if err != nil {
		return types.Event{}, err
	}
	return b.Build(id, nostr.KindProfileMetadata, content, nil, time.Time{})
}

// Note builds a kind 1 text note for a post, keeping the post's original
// timestamp.
func (b *Builder) Note(id types.Identity, post types.Post, content string) (types.Event, error) {
	tags := nostr.NoteTags(post.URL, b.clientName, post.Community)
	return b.Build(id, nostr.KindTextNote, content, tags, post.CreatedAt)
}

// ContactList builds a kind 3 event. content carries forward the legacy
// relay map of the previous list, if any.
func (b *Builder) ContactList(id types.Identity, entries []types.ContactEntry, content string, createdAt time.Time) (types.Event, error) {
	return b.Build(id, nostr.KindContactList, content, nostr.ContactTags(entries), createdAt)
}

func copyTags(tags [][]string) [][]string {
	out := make([][]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, append([]string(nil), t...))
	}
	return out
}
