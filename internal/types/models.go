package types

import (
	"strconv"
	"time"
)

// User is the subset of a local account the bridge reads.
type User struct {
	ID               int64
	Username         string
	DisplayName      string
	About            string
	AvatarURL        string
	LightningAddress string
	SyncEnabled      bool
}

// Community identifies a protocol-bridged group (NIP-72, kind 34550).
type Community struct {
	Identifier  string
	OwnerPubKey string
	RelayHint   string
}

// Address returns the "a" tag coordinate for the community definition.
func (c Community) Address() string {
	return "34550:" + c.OwnerPubKey + ":" + c.Identifier
}

// Post is a piece of user content that can be published as a text note.
// SyncedEventID is set once the post has been published.
type Post struct {
	ID            int64
	UserID        int64
	Body          string
	URL           string
	CreatedAt     time.Time
	SyncedEventID string
	Community     *Community
}

// Follow is a local follow edge. Target is either a hex pubkey or an
// ActivityPub handle ("@user@host"). TargetUserID is set when the target is
// a local account.
type Follow struct {
	UserID       int64
	Target       string
	TargetUserID int64
	RelayHint    string
	CreatedAt    time.Time
}

// Key identifies the follow edge among the user's follows.
func (f Follow) Key() string {
	if f.Target == "" && f.TargetUserID != 0 {
		return "user:" + strconv.FormatInt(f.TargetUserID, 10)
	}
	return f.Target
}
