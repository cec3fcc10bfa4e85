// Package vault encrypts and decrypts per-user Nostr private keys under the
// process master key.
//
// Each identity key is sealed with AES-256-GCM using a fresh 12-byte IV. The
// AES key is not the master key itself but a per-version data key derived
// from it with HKDF-SHA256, so the stored KeyVersion selects the key that
// opens a record.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
)

// CurrentKeyVersion is the data key version used for new encryptions.
const CurrentKeyVersion = 1

const (
	masterKeySize = 32
	ivSize        = 12
	hkdfInfo      = "nostr-bridge identity key v"
)

var (
	ErrNotConfigured  = errors.New("master key not configured")
	ErrMalformedKey   = errors.New("malformed key material")
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

// VaultError reports a failed vault operation. It never carries key bytes.
type VaultError struct {
	Op  string
	Err error
}

func (e *VaultError) Error() string {
	return "vault " + e.Op + ": " + e.Err.Error()
}

func (e *VaultError) Unwrap() error {
	return e.Err
}

// Vault holds the master key. It is safe for concurrent use; the key is
// read-only after New.
type Vault struct {
	master []byte
}

// New parses the master key, given as 64 hex characters or standard base64
// of 32 bytes. An empty key returns ErrNotConfigured.
func New(masterKey string) (*Vault, error) {
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, ErrNotConfigured
	}
	key, err := parseMasterKey(masterKey)
	if err != nil {
		return nil, &VaultError{Op: "init", Err: err}
	}
	return &Vault{master: key}, nil
}

func parseMasterKey(s string) ([]byte, error) {
	if len(s) == 2*masterKeySize {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: master key must be 64 hex chars or base64", ErrMalformedKey)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrMalformedKey, masterKeySize, len(key))
	}
	return key, nil
}

func (v *Vault) aead(version int) (cipher.AEAD, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrMalformedKey, version)
	}
	dataKey := make([]byte, 32)
	r := hkdf.New(sha256.New, v.master, nil, []byte(hkdfInfo+strconv.Itoa(version)))
	if _, err := io.ReadFull(r, dataKey); err != nil {
		return nil, err
	}
	defer clear(dataKey)

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a 32-byte private key under the current key version and
// returns the ciphertext and its IV.
func (v *Vault) Encrypt(privateKey []byte) (ciphertext, iv []byte, err error) {
	if len(privateKey) != 32 {
		return nil, nil, &VaultError{Op: "encrypt", Err: fmt.Errorf("%w: private key must be 32 bytes", ErrMalformedKey)}
	}
	gcm, err := v.aead(CurrentKeyVersion)
	if err != nil {
		return nil, nil, &VaultError{Op: "encrypt", Err: err}
	}
	iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, &VaultError{Op: "encrypt", Err: err}
	}
	return gcm.Seal(nil, iv, privateKey, nil), iv, nil
}

// Decrypt opens a private key sealed under the given key version. A wrong
// master key or tampered ciphertext yields ErrAuthentication.
func (v *Vault) Decrypt(ciphertext, iv []byte, version int) ([]byte, error) {
	if len(iv) != ivSize {
		return nil, &VaultError{Op: "decrypt", Err: fmt.Errorf("%w: iv must be %d bytes", ErrMalformedKey, ivSize)}
	}
	gcm, err := v.aead(version)
	if err != nil {
		return nil, &VaultError{Op: "decrypt", Err: err}
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &VaultError{Op: "decrypt", Err: ErrAuthentication}
	}
	return plaintext, nil
}

// GenerateKeypair creates a new secp256k1 identity for the user. Only the
// encrypted private key leaves this function.
func (v *Vault) GenerateKeypair(userID int64) (types.Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return types.Identity{}, &VaultError{Op: "generate", Err: err}
	}
	defer priv.Zero()

	raw := priv.Serialize()
	defer clear(raw)

	ciphertext, iv, err := v.Encrypt(raw)
	if err != nil {
		return types.Identity{}, err
	}
	return types.Identity{
		UserID:              userID,
		PubKey:              nostr.PublicKeyHex(priv),
		EncryptedPrivateKey: ciphertext,
		IV:                  iv,
		KeyVersion:          CurrentKeyVersion,
		CreatedAt:           time.Now().UTC(),
	}, nil
}

// Reencrypt re-seals an identity under CurrentKeyVersion. Identities already
// on the current version are returned unchanged.
func (v *Vault) Reencrypt(id types.Identity) (types.Identity, error) {
	if id.KeyVersion == CurrentKeyVersion {
		return id, nil
	}
	raw, err := v.Decrypt(id.EncryptedPrivateKey, id.IV, id.KeyVersion)
	if err != nil {
		return types.Identity{}, err
	}
	defer clear(raw)

	ciphertext, iv, err := v.Encrypt(raw)
	if err != nil {
		return types.Identity{}, err
	}
	id.EncryptedPrivateKey = ciphertext
	id.IV = iv
	id.KeyVersion = CurrentKeyVersion
	return id, nil
}
