// Package chain maintains the hash-chained, signed witness ledger over the
// append log.
//
// Each record's hash covers its sequence number, time bucket, type, payload,
// and the hash of the previous record; the device identity signs the hash.
// Sequence numbers are dense starting at 1, and the prev_hash of the first
// record is all zeros. Records are immutable once written.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Witness record types. Values follow the original appliance vocabulary.
const (
	TypeBoot         uint16 = 0x0001
	TypeHeartbeat    uint16 = 0x0002
	TypeTamper       uint16 = 0x0010
	TypePower        uint16 = 0x0011
	TypePeerAdded    uint16 = 0x0020
	TypePeerRemoved  uint16 = 0x0021
	TypeLeftOpera    uint16 = 0x0022
	TypeMeshAlert    uint16 = 0x0023
	TypeConfigChange uint16 = 0x0030
)

// HashSize and SigSize are the fixed field widths.
const (
	HashSize = 32
	SigSize  = 64

	// MaxPayload bounds a witness record payload.
	MaxPayload = 256

	// fixed wire size without payload: seq + bucket + type + plen +
	// prev + hash + sig
	recordFixedSize = 8 + 8 + 2 + 2 + HashSize + HashSize + SigSize
)

// Errors
var (
	ErrPayloadTooLarge = errors.New("chain: payload exceeds 256 bytes")
	ErrRecordTruncated = errors.New("chain: record truncated")
)

// Record is one witness ledger entry.
type Record struct {
	Seq        uint64
	TimeBucket uint64
	Type       uint16
	Payload    []byte
	PrevHash   [HashSize]byte
	Hash       [HashSize]byte
	Sig        [SigSize]byte
}

// ComputeHash returns SHA-256(seq ‖ time_bucket ‖ type ‖ payload ‖ prev_hash).
func ComputeHash(seq, timeBucket uint64, recType uint16, payload []byte, prevHash [HashSize]byte) [HashSize]byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], timeBucket)
	h.Write(buf[:])
	binary.BigEndian.PutUint16(buf[:2], recType)
	h.Write(buf[:2])
	h.Write(payload)
	h.Write(prevHash[:])

	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encode serializes a record to its wire form (without the outer length
// prefix, which the append log and the export stream add themselves).
func (r *Record) encode() []byte {
	buf := make([]byte, 0, recordFixedSize+len(r.Payload))
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)
	buf = binary.BigEndian.AppendUint64(buf, r.TimeBucket)
	buf = binary.BigEndian.AppendUint16(buf, r.Type)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Payload)))
	buf = append(buf, r.Payload...)
	buf = append(buf, r.PrevHash[:]...)
	buf = append(buf, r.Hash[:]...)
	buf = append(buf, r.Sig[:]...)
	return buf
}

// decodeRecord parses a record wire body.
func decodeRecord(data []byte) (*Record, error) {
	if len(data) < recordFixedSize {
		return nil, ErrRecordTruncated
	}
	r := &Record{}
	off := 0
	r.Seq = binary.BigEndian.Uint64(data[off:])
	off += 8
	r.TimeBucket = binary.BigEndian.Uint64(data[off:])
	off += 8
	r.Type = binary.BigEndian.Uint16(data[off:])
	off += 2
	plen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if plen > MaxPayload {
		return nil, fmt.Errorf("chain: payload length %d out of range", plen)
	}
	if len(data) < recordFixedSize+plen {
		return nil, ErrRecordTruncated
	}
	r.Payload = make([]byte, plen)
	copy(r.Payload, data[off:off+plen])
	off += plen
	copy(r.PrevHash[:], data[off:off+HashSize])
	off += HashSize
	copy(r.Hash[:], data[off:off+HashSize])
	off += HashSize
	copy(r.Sig[:], data[off:off+SigSize])
	return r, nil
}
