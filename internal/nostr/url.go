package nostr

import (
	"net/url"
	"strings"

	"nostr-bridge/internal/util"
)

// NormalizeRelayURL validates and normalizes a configured relay URL.
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || strings.Contains(host, " ") {
		return ""
	}

	// Normalize: strip trailing slash, lowercase
	result := scheme + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimSuffix(parsed.Path, "/")
	}
	return result
}

// SanitizeRelayHint normalizes a relay hint taken from a remote event.
// Hints pointing at internal hosts are dropped.
func SanitizeRelayHint(hint string) string {
	normalized := NormalizeRelayURL(hint)
	if normalized == "" {
		return ""
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	host := parsed.Hostname()
	if util.IsInternalHost(host) {
		return ""
	}
	if !strings.Contains(host, ".") && !util.IsLoopbackHost(host) {
		return ""
	}
	return normalized
}

// ParseRelayList splits a comma-separated relay list, trimming whitespace,
// discarding empties and invalid URLs, and removing duplicates.
func ParseRelayList(raw string) (relays []string, invalid []string) {
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		normalized := NormalizeRelayURL(part)
		if normalized == "" {
			invalid = append(invalid, part)
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		relays = append(relays, normalized)
	}
	return relays, invalid
}
