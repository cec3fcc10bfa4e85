package nostr

import (
	"encoding/json"

	"nostr-bridge/internal/types"
)

// Event kinds produced by the bridge.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindContactList     = 3
	KindCommunity       = 34550
)

// ProfileContent encodes kind 0 content. Empty fields are omitted.
func ProfileContent(meta types.ProfileMetadata) (string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NoteTags returns the tags for a bridged text note: a back-reference to the
// canonical URL, the client tag, and the community address when present.
func NoteTags(url, client string, community *types.Community) [][]string {
	tags := [][]string{}
	if url != "" {
		tags = append(tags, []string{"r", url})
	}
	if client != "" {
		tags = append(tags, []string{"client", client})
	}
	if community != nil && community.OwnerPubKey != "" && community.Identifier != "" {
		tag := []string{"a", community.Address()}
		if community.RelayHint != "" {
			tag = append(tag, community.RelayHint)
		}
		tags = append(tags, tag)
	}
	return tags
}

// ContactTags returns one "p" tag per entry, with the relay hint when known.
func ContactTags(entries []types.ContactEntry) [][]string {
	tags := make([][]string, 0, len(entries))
	for _, e := range entries {
		tag := []string{"p", e.TargetPubKey}
		if e.RelayHint != "" {
			tag = append(tag, e.RelayHint)
		}
		tags = append(tags, tag)
	}
	return tags
}

// ParseContactList extracts the contact entries of a kind 3 event.
// Malformed or duplicate "p" tags are skipped.
func ParseContactList(evt types.Event) []types.ContactEntry {
	seen := make(map[string]bool)
	var entries []types.ContactEntry
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "p" || !IsHex64(tag[1]) || seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true
		entry := types.ContactEntry{OwnerPubKey: evt.PubKey, TargetPubKey: tag[1]}
		if len(tag) >= 3 {
			entry.RelayHint = SanitizeRelayHint(tag[2])
		}
		entries = append(entries, entry)
	}
	return entries
}
