// Package contacts keeps a user's published contact list (kind 3) in step
// with local follow state without discarding entries added from other
// Nostr clients.
package contacts

import (
	"time"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
)

// Merge returns the contact list to publish: every local entry, in local
// order, followed by the remote entries not present locally. A remote entry
// is dropped when the pubkey was unfollowed locally at or after the time the
// remote snapshot was created.
//
// Relay hints from the local entry win; a local entry without a hint takes
// the remote one.
func Merge(local []types.ContactEntry, remote []types.ContactEntry, remoteCreatedAt int64, unfollows map[string]time.Time) []types.ContactEntry {
	remoteHints := make(map[string]string, len(remote))
	for _, e := range remote {
		if e.RelayHint != "" {
			remoteHints[e.TargetPubKey] = e.RelayHint
		}
	}

	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]types.ContactEntry, 0, len(local)+len(remote))
	for _, e := range local {
		if seen[e.TargetPubKey] {
			continue
		}
		seen[e.TargetPubKey] = true
		if e.RelayHint == "" {
			e.RelayHint = remoteHints[e.TargetPubKey]
		}
		out = append(out, e)
	}

	for _, e := range remote {
		if seen[e.TargetPubKey] {
			continue
		}
		if at, ok := unfollows[e.TargetPubKey]; ok && at.Unix() >= remoteCreatedAt {
			continue
		}
		seen[e.TargetPubKey] = true
		out = append(out, e)
	}
	return out
}

// remoteEntries extracts entries from an optional remote snapshot.
func remoteEntries(snapshot *types.Event) ([]types.ContactEntry, int64) {
	if snapshot == nil {
		return nil, 0
	}
	return nostr.ParseContactList(*snapshot), snapshot.CreatedAt
}
