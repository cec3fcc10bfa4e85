package builder

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/vault"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(hex.EncodeToString(key))
	require.NoError(t, err)
	return v
}

func verifyWithGoNostr(t *testing.T, evt types.Event) {
	t.Helper()
	ref := gonostr.Event{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: gonostr.Timestamp(evt.CreatedAt),
		Kind:      evt.Kind,
		Content:   evt.Content,
		Sig:       evt.Sig,
		Tags:      gonostr.Tags{},
	}
	for _, tag := range evt.Tags {
		ref.Tags = append(ref.Tags, gonostr.Tag(tag))
	}
	assert.Equal(t, ref.GetID(), evt.ID)
	ok, err := ref.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok, "signature rejected by go-nostr")
}

func TestBuildSignsWithIdentity(t *testing.T) {
	v := newVault(t)
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)

	b := New(v, "nostr-bridge")
	evt, err := b.Build(id, nostr.KindTextNote, "hello", nil, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, id.PubKey, evt.PubKey)
	assert.Equal(t, [][]string{}, evt.Tags)
	assert.NoError(t, nostr.ValidateEvent(&evt))
	verifyWithGoNostr(t, evt)
}

func TestBuildDefaultsToNow(t *testing.T) {
	v := newVault(t)
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)

	b := New(v, "")
	fixed := time.Unix(1700000000, 0)
	b.now = func() time.Time { return fixed }

	evt, err := b.Build(id, nostr.KindTextNote, "x", nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, fixed.Unix(), evt.CreatedAt)

	historical := time.Date(2019, 3, 4, 5, 6, 7, 0, time.UTC)
	evt, err = b.Build(id, nostr.KindTextNote, "x", nil, historical)
	require.NoError(t, err)
	assert.Equal(t, historical.Unix(), evt.CreatedAt)
}

func TestBuildRejectsMismatchedPubkey(t *testing.T) {
	v := newVault(t)
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)
	other, err := v.GenerateKeypair(2)
	require.NoError(t, err)

	id.PubKey = other.PubKey
	_, err = New(v, "").Build(id, nostr.KindTextNote, "x", nil, time.Time{})
	assert.ErrorIs(t, err, ErrPubKeyMismatch)

	var vErr *vault.VaultError
	assert.ErrorAs(t, err, &vErr)
}

func TestBuildWithWrongVault(t *testing.T) {
	id, err := newVault(t).GenerateKeypair(1)
	require.NoError(t, err)

	_, err = New(newVault(t), "").Build(id, nostr.KindTextNote, "x", nil, time.Time{})
	assert.ErrorIs(t, err, vault.ErrAuthentication)

	_, err = New(nil, "").Build(id, nostr.KindTextNote, "x", nil, time.Time{})
	assert.ErrorIs(t, err, vault.ErrNotConfigured)
}

func TestNoteTagsAndTimestamp(t *testing.T) {
	v := newVault(t)
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)

	owner := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	post := types.Post{
		ID:        9,
		URL:       "https://example.com/posts/9",
		CreatedAt: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		Community: &types.Community{Identifier: "gophers", OwnerPubKey: owner, RelayHint: "wss://relay.example.com"},
	}
	evt, err := New(v, "nostr-bridge").Note(id, post, "body")
	require.NoError(t, err)

	assert.Equal(t, post.CreatedAt.Unix(), evt.CreatedAt)
	assert.Equal(t, post.URL, evt.TagValue("r"))
	assert.Equal(t, "nostr-bridge", evt.TagValue("client"))
	assert.Equal(t, "34550:"+owner+":gophers", evt.TagValue("a"))
	verifyWithGoNostr(t, evt)
}

func TestContactListAndProfile(t *testing.T) {
	v := newVault(t)
	id, err := v.GenerateKeypair(1)
	require.NoError(t, err)
	b := New(v, "")

	target := "82341f882b6eabcd2ba7f1ef90aad961cf074af15b9ef44a09f9d2a8fbfbe6a2"
	evt, err := b.ContactList(id, []types.ContactEntry{{TargetPubKey: target}}, `{"wss://a":{"read":true}}`, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, nostr.KindContactList, evt.Kind)
	assert.Equal(t, [][]string{{"p", target}}, evt.Tags)
	assert.Equal(t, `{"wss://a":{"read":true}}`, evt.Content)

	evt, err = b.Profile(id, types.ProfileMetadata{Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, nostr.KindProfileMetadata, evt.Kind)
	assert.JSONEq(t, `{"name":"alice"}`, evt.Content)
	verifyWithGoNostr(t, evt)
}
