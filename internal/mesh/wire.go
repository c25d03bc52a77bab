// Package mesh implements the Opera protocol: a small paired set of trusted
// devices that alert each other of tamper and power events over the
// short-range radio.
//
// Frames are a two-byte header followed by a CBOR payload. Pairing frames
// travel in the clear (they carry only public material); everything after
// commit is encrypted with ChaCha20-Poly1305 under the opera channel key
// and authenticated with the sender's Ed25519 identity.
package mesh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Protocol constants.
const (
	ProtocolVersion = 1

	// MaxFrameSize matches the short-range radio MTU.
	MaxFrameSize = 250
)

// Frame types.
const (
	frameHeartbeat uint8 = iota
	framePairDiscover
	framePairOffer
	framePairAccept
	framePairConfirm
	framePairComplete
	frameAlert
	frameLeave
)

// Wire errors
var (
	ErrFrameTooShort = errors.New("mesh: frame too short")
	ErrFrameVersion  = errors.New("mesh: unsupported frame version")
	ErrFrameTooLarge = errors.New("mesh: frame exceeds radio MTU")
	ErrDecryptFailed = errors.New("mesh: frame decrypt failed")
	ErrBadSignature  = errors.New("mesh: frame signature invalid")
)

// heartbeatMsg keeps peers fresh and carries the display name.
type heartbeatMsg struct {
	FP   []byte `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

// alertMsg is the authenticated alert payload.
type alertMsg struct {
	FP        []byte `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"` // 16B, dedup key
	AlertType string `cbor:"3,keyasint"`
	Detail    string `cbor:"4,keyasint,omitempty"`
	TsMs      uint64 `cbor:"5,keyasint"`
	Sig       []byte `cbor:"6,keyasint"` // Ed25519 over fp‖nonce‖type‖detail‖ts
}

// leaveMsg announces a voluntary departure from the opera.
type leaveMsg struct {
	FP  []byte `cbor:"1,keyasint"`
	Sig []byte `cbor:"2,keyasint"`
}

// pairDiscoverMsg opens a pairing window (joiner broadcast).
type pairDiscoverMsg struct {
	FP   []byte `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

// pairOfferMsg carries the initiator's ephemeral X25519 public key.
type pairOfferMsg struct {
	FP     []byte `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
	EphPub []byte `cbor:"3,keyasint"` // 32B X25519
	IDPub  []byte `cbor:"4,keyasint"` // 32B Ed25519
	Sig    []byte `cbor:"5,keyasint"` // identity sig over eph pub
}

// pairAcceptMsg is the joiner's half of the exchange.
type pairAcceptMsg struct {
	FP     []byte `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
	EphPub []byte `cbor:"3,keyasint"`
	IDPub  []byte `cbor:"4,keyasint"`
	Sig    []byte `cbor:"5,keyasint"`
}

// pairConfirmMsg signals the operator pressed confirm on that side.
type pairConfirmMsg struct {
	FP       []byte `cbor:"1,keyasint"`
	CodeHash []byte `cbor:"2,keyasint"` // sha256 of the short code, binds both sides to the same code
}

// pairCompleteMsg distributes the opera channel material, sealed under the
// pairing shared secret.
type pairCompleteMsg struct {
	FP     []byte `cbor:"1,keyasint"`
	Sealed []byte `cbor:"2,keyasint"` // nonce ‖ AEAD(channel token ‖ channel key)
}

// encodeFrame builds [version][type][cbor payload].
func encodeFrame(frameType uint8, payload any) ([]byte, error) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode frame: %w", err)
	}
	frame := make([]byte, 0, 2+len(body))
	frame = append(frame, ProtocolVersion, frameType)
	frame = append(frame, body...)
	if len(frame) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}

// decodeFrame splits the header and decodes the payload into out.
func decodeFrame(frame []byte, out any) (frameType uint8, err error) {
	if len(frame) < 2 {
		return 0, ErrFrameTooShort
	}
	if frame[0] != ProtocolVersion {
		return 0, ErrFrameVersion
	}
	if out != nil {
		if err := cbor.Unmarshal(frame[2:], out); err != nil {
			return 0, fmt.Errorf("mesh: decode frame: %w", err)
		}
	}
	return frame[1], nil
}

// peekType returns a frame's type without decoding the payload.
func peekType(frame []byte) (uint8, error) {
	if len(frame) < 2 {
		return 0, ErrFrameTooShort
	}
	if frame[0] != ProtocolVersion {
		return 0, ErrFrameVersion
	}
	return frame[1], nil
}

// sealFrame encrypts an encoded frame under the channel key. The output is
// [version][frameEncrypted marker][nonce][ciphertext].
const frameEncrypted uint8 = 0xEE

func sealFrame(channelKey []byte, frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(channelKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(nonce)+len(frame)+aead.Overhead())
	out = append(out, ProtocolVersion, frameEncrypted)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, frame, nil)
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

func openFrame(channelKey []byte, frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(channelKey)
	if err != nil {
		return nil, err
	}
	if len(frame) < 2+aead.NonceSize() {
		return nil, ErrFrameTooShort
	}
	nonce := frame[2 : 2+aead.NonceSize()]
	inner, err := aead.Open(nil, nonce, frame[2+aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return inner, nil
}
