// Package chirp implements the anonymous community alert channel. Devices
// carry an ephemeral session identity, originate template-only alerts after
// a presence warm-up, and relay validated alerts a bounded number of hops.
//
// The wire format carries a template id, never free text, and no byte
// derived from anything longer-lived than the current session id.
package chirp

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire constants.
const (
	wireVersion = 1

	SessionIDSize = 16
	NonceSize     = 16
	MaxHopCount   = 3
	MaxFrameSize  = 250
)

// Message types.
const (
	msgPresence uint8 = iota + 1
	msgChirp
	msgConfirm
	msgMute
)

var (
	ErrFrameTooShort = errors.New("chirp: frame too short")
	ErrFrameVersion  = errors.New("chirp: unsupported frame version")
	ErrFrameTooLarge = errors.New("chirp: frame exceeds radio MTU")
)

// presenceMsg announces a listening session to neighbors.
type presenceMsg struct {
	SessionID []byte `cbor:"1,keyasint"`
	Emoji     string `cbor:"2,keyasint"`
	Listening bool   `cbor:"3,keyasint"`
}

// chirpMsg is a community alert. Template id only; the display text lives
// in every receiver's template table.
type chirpMsg struct {
	SessionID  []byte `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	TemplateID uint8  `cbor:"3,keyasint"`
	Urgency    string `cbor:"4,keyasint"`
	Emoji      string `cbor:"5,keyasint"`
	TTLMinutes uint8  `cbor:"6,keyasint"`
	HopCount   uint8  `cbor:"7,keyasint"`
}

// confirmMsg is a human "I see it too" for a chirp nonce.
type confirmMsg struct {
	SessionID []byte `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"`
}

// muteMsg tells neighbors this session went quiet. Informational only.
type muteMsg struct {
	SessionID []byte `cbor:"1,keyasint"`
}

func encodeMsg(msgType uint8, payload any) ([]byte, error) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chirp: encode message: %w", err)
	}
	frame := make([]byte, 0, 2+len(body))
	frame = append(frame, wireVersion, msgType)
	frame = append(frame, body...)
	if len(frame) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}

func decodeMsg(frame []byte, out any) (uint8, error) {
	if len(frame) < 2 {
		return 0, ErrFrameTooShort
	}
	if frame[0] != wireVersion {
		return 0, ErrFrameVersion
	}
	if out != nil {
		if err := cbor.Unmarshal(frame[2:], out); err != nil {
			return 0, fmt.Errorf("chirp: decode message: %w", err)
		}
	}
	return frame[1], nil
}

func peekMsgType(frame []byte) (uint8, error) {
	if len(frame) < 2 {
		return 0, ErrFrameTooShort
	}
	if frame[0] != wireVersion {
		return 0, ErrFrameVersion
	}
	return frame[1], nil
}
