package types

import "time"

// Identity is a user's Nostr keypair with the private key encrypted under
// the process master key. The plaintext key is never stored.
type Identity struct {
	UserID              int64
	PubKey              string
	EncryptedPrivateKey []byte
	IV                  []byte
	KeyVersion          int
	CreatedAt           time.Time
}

// ContactEntry is one member of an owner's contact list (NIP-02).
type ContactEntry struct {
	OwnerPubKey  string
	TargetPubKey string
	RelayHint    string
}
