package identity

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.bin")
	binding := []byte("machine-aaaa")

	id, created, err := LoadOrCreate(path, binding)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created2, err := LoadOrCreate(path, binding)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, id.PublicKeyHex(), id2.PublicKeyHex())
	assert.Equal(t, id.FingerprintHex(), id2.FingerprintHex())
}

func TestWrongBindingFailsUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.bin")
	_, _, err := LoadOrCreate(path, []byte("machine-a"))
	require.NoError(t, err)

	_, _, err = LoadOrCreate(path, []byte("machine-b"))
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestEmptyBindingRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.bin")
	_, _, err := LoadOrCreate(path, nil)
	assert.ErrorIs(t, err, ErrNoBinding)
}

func TestSignVerify(t *testing.T) {
	id, err := FromSeed(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	msg := []byte("witness me")
	sig := id.Sign(msg)
	require.Len(t, sig, 64)
	assert.True(t, id.Verify(msg, sig))
	assert.False(t, id.Verify([]byte("forged"), sig))
	assert.False(t, id.Verify(msg, sig[:10]))

	assert.True(t, VerifyWith(id.PublicKey(), msg, sig))
	assert.False(t, VerifyWith(id.PublicKey()[:16], msg, sig))
}

func TestFingerprintStable(t *testing.T) {
	id, err := FromSeed(bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)

	assert.Len(t, id.FingerprintHex(), 16)
	assert.Equal(t, FingerprintOf(id.PublicKey()), id.Fingerprint())

	other, err := FromSeed(bytes.Repeat([]byte{6}, 32))
	require.NoError(t, err)
	assert.NotEqual(t, id.Fingerprint(), other.Fingerprint())
}

func TestDeriveKeyPerPurpose(t *testing.T) {
	id, err := FromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	kvKey, err := id.DeriveKey("kv")
	require.NoError(t, err)
	require.Len(t, kvKey, 32)

	meshKey, err := id.DeriveKey("mesh")
	require.NoError(t, err)
	assert.NotEqual(t, kvKey, meshKey, "purposes yield independent keys")

	again, err := id.DeriveKey("kv")
	require.NoError(t, err)
	assert.Equal(t, kvKey, again, "derivation is deterministic")
}

func TestFromSeedBadLength(t *testing.T) {
	_, err := FromSeed([]byte("short"))
	require.Error(t, err)
}
