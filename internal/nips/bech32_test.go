package nips

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NIP-19 reference vector.
const (
	vectorHex  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	vectorNpub = "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
)

func TestEncodePubkeyMatchesNIP19Vector(t *testing.T) {
	npub, err := EncodePubkey(vectorHex)
	require.NoError(t, err)
	assert.Equal(t, vectorNpub, npub)
}

func TestDecodePubkeyRoundTrip(t *testing.T) {
	got, err := DecodePubkey(vectorNpub)
	require.NoError(t, err)
	assert.Equal(t, vectorHex, got)
}

func TestDecodeRejectsCorruptChecksum(t *testing.T) {
	corrupt := vectorNpub[:len(vectorNpub)-1] + "7"
	_, err := DecodePubkey(corrupt)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeRejectsWrongPrefix(t *testing.T) {
	note, err := EncodeEventID(vectorHex)
	require.NoError(t, err)

	_, err = DecodePubkey(note)
	assert.ErrorIs(t, err, ErrWrongPrefix)
}

func TestEncodeHexRejectsShortInput(t *testing.T) {
	_, err := EncodeHex(HRPPublicKey, "abcd")
	assert.Error(t, err)
}
