// Package identity manages the device's long-lived Ed25519 signing key and
// its eight-byte public fingerprint (FP8).
//
// The key pair is generated on first boot and sealed to identity.bin with
// ChaCha20-Poly1305 under a device-bound key derived from the hardware
// binding material. The fingerprint is the stable public identifier shown
// on the dashboard and carried in mesh frames.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Seal format constants.
const (
	sealMagic   = "CNID"
	sealVersion = 1
)

// Errors
var (
	ErrInvalidSeal  = errors.New("identity: invalid seal format")
	ErrSealVersion  = errors.New("identity: unsupported seal version")
	ErrUnsealFailed = errors.New("identity: unseal failed (wrong device binding?)")
	ErrNoBinding    = errors.New("identity: empty hardware binding")
)

// FingerprintSize is the FP8 length in bytes.
const FingerprintSize = 8

// Identity is the device signing identity.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	fp   [FingerprintSize]byte
}

// LoadOrCreate loads the sealed identity from path, generating and sealing
// a fresh key pair on first boot. The returned bool is true when a new
// identity was created.
func LoadOrCreate(path string, binding []byte) (*Identity, bool, error) {
	if len(binding) == 0 {
		return nil, false, ErrNoBinding
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := unseal(data, binding)
		if err != nil {
			return nil, false, err
		}
		return id, false, nil
	case os.IsNotExist(err):
		// First boot: generate and pin.
	default:
		return nil, false, fmt.Errorf("read identity: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate identity key: %w", err)
	}
	id := fromPrivate(priv)

	sealed, err := seal(priv, binding)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return nil, false, fmt.Errorf("write identity: %w", err)
	}
	return id, true, nil
}

// FromSeed builds an identity from a 32-byte seed. Test helper and
// canaryverify entry point.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes", ed25519.SeedSize)
	}
	return fromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

func fromPrivate(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	id := &Identity{priv: priv, pub: pub}
	sum := sha256.Sum256(pub)
	copy(id.fp[:], sum[:FingerprintSize])
	return id
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks a signature against this identity's public key.
func (id *Identity) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.pub, msg, sig)
}

// FingerprintOf computes the FP8 for an arbitrary public key.
func FingerprintOf(pub ed25519.PublicKey) [FingerprintSize]byte {
	var fp [FingerprintSize]byte
	sum := sha256.Sum256(pub)
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

// VerifyWith checks a signature against an arbitrary public key.
func VerifyWith(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// PublicKey returns the Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.pub }

// PublicKeyHex returns the hex-encoded public key.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.pub) }

// Fingerprint returns the FP8 bytes.
func (id *Identity) Fingerprint() [FingerprintSize]byte { return id.fp }

// FingerprintHex returns the FP8 as a 16-character hex string.
func (id *Identity) FingerprintHex() string { return hex.EncodeToString(id.fp[:]) }

// DeriveKey derives a named subkey from the identity for sealing stored
// secrets (wifi credentials, mesh channel material).
func (id *Identity) DeriveKey(purpose string) ([]byte, error) {
	return deriveKey(id.priv.Seed(), purpose)
}

func deriveKey(secret []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("canaryd/"+purpose))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// seal encrypts the private key under the device binding.
func seal(priv ed25519.PrivateKey, binding []byte) ([]byte, error) {
	key, err := deriveKey(binding, "identity-seal")
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+2+len(nonce)+len(priv)+aead.Overhead())
	out = append(out, sealMagic...)
	out = binary.BigEndian.AppendUint16(out, sealVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, priv, []byte(sealMagic))
	return out, nil
}

func unseal(data, binding []byte) (*Identity, error) {
	if len(data) < 4+2 || string(data[0:4]) != sealMagic {
		return nil, ErrInvalidSeal
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != sealVersion {
		return nil, fmt.Errorf("%w: %d", ErrSealVersion, v)
	}

	key, err := deriveKey(binding, "identity-seal")
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	rest := data[6:]
	if len(rest) < aead.NonceSize() {
		return nil, ErrInvalidSeal
	}
	nonce := rest[:aead.NonceSize()]
	ct := rest[aead.NonceSize():]

	priv, err := aead.Open(nil, nonce, ct, []byte(sealMagic))
	if err != nil {
		return nil, ErrUnsealFailed
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSeal
	}
	return fromPrivate(ed25519.PrivateKey(priv)), nil
}
