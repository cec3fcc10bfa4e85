package types

// ProfileMetadata is the JSON content of a kind 0 event.
type ProfileMetadata struct {
	Name    string   `json:"name,omitempty"`
	About   string   `json:"about,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Nip05   string   `json:"nip05,omitempty"`
	Lud16   string   `json:"lud16,omitempty"`
	Relays  []string `json:"relays,omitempty"`
}
