package chain

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"canaryd/internal/errcode"
	"canaryd/internal/identity"
)

// Export wire format constants.
const (
	ExportMagic   = "CNRY"
	ExportVersion = 1
)

// Export errors
var (
	ErrExportMagic    = errors.New("chain: invalid export magic")
	ErrExportVersion  = errors.New("chain: unsupported export version")
	ErrExportManifest = errors.New("chain: export manifest signature invalid")
)

// Manifest trails the export stream and binds the tip to the device.
type Manifest struct {
	TipSeq          uint64 `json:"tip_seq"`
	TipHash         string `json:"tip_hash"`
	DeviceFP        string `json:"device_fp"`
	FirmwareVersion string `json:"firmware_version"`
}

// ExportRange streams records with a ≤ seq ≤ b in the canonical wire
// encoding followed by the signed manifest. Pass a=1, b=tip for a full
// export.
func (e *Engine) ExportRange(w io.Writer, a, b uint64) error {
	records, err := e.Get(a, b)
	if err != nil {
		return err
	}

	header := make([]byte, 0, 10)
	header = append(header, ExportMagic...)
	header = binary.BigEndian.AppendUint16(header, ExportVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(len(records)))
	if _, err := w.Write(header); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "export write failed")
	}

	for i := range records {
		body := records[i].encode()
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return errcode.Wrap(err, errcode.CodeStorageUnavailable, "export write failed")
		}
		if _, err := w.Write(body); err != nil {
			return errcode.Wrap(err, errcode.CodeStorageUnavailable, "export write failed")
		}
	}

	tipSeq, tipHash := e.Tip()
	manifest := Manifest{
		TipSeq:          tipSeq,
		TipHash:         fmt.Sprintf("%x", tipHash),
		DeviceFP:        e.id.FingerprintHex(),
		FirmwareVersion: e.fwVer,
	}
	mjson, err := json.Marshal(manifest)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode manifest")
	}
	sig := e.id.Sign(mjson)

	var mlen [2]byte
	binary.BigEndian.PutUint16(mlen[:], uint16(len(mjson)))
	if _, err := w.Write(mlen[:]); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "export write failed")
	}
	if _, err := w.Write(mjson); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "export write failed")
	}
	if _, err := w.Write(sig); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "export write failed")
	}
	return nil
}

// ReadExport parses an export stream produced by ExportRange and verifies
// the manifest signature against pub.
func ReadExport(r io.Reader, pub ed25519.PublicKey) ([]Record, *Manifest, error) {
	header := make([]byte, 10)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("read export header: %w", err)
	}
	if string(header[0:4]) != ExportMagic {
		return nil, nil, ErrExportMagic
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != ExportVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrExportVersion, v)
	}
	count := binary.BigEndian.Uint32(header[6:10])

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, nil, fmt.Errorf("read record %d length: %w", i, err)
		}
		body := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, nil, fmt.Errorf("read record %d: %w", i, err)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		records = append(records, *rec)
	}

	var mlen [2]byte
	if _, err := io.ReadFull(r, mlen[:]); err != nil {
		return nil, nil, fmt.Errorf("read manifest length: %w", err)
	}
	mjson := make([]byte, binary.BigEndian.Uint16(mlen[:]))
	if _, err := io.ReadFull(r, mjson); err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	sig := make([]byte, SigSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, nil, fmt.Errorf("read manifest signature: %w", err)
	}

	if !identity.VerifyWith(pub, mjson, sig) {
		return nil, nil, ErrExportManifest
	}

	var manifest Manifest
	if err := json.Unmarshal(mjson, &manifest); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	return records, &manifest, nil
}

// VerifyRecords replays a record slice against the chain invariants:
// dense sequence, linked prev_hash, matching hash, valid signature.
// prevHash seeds the link check (zero for a from-genesis export).
func VerifyRecords(pub ed25519.PublicKey, records []Record, prevHash [HashSize]byte) error {
	for i, r := range records {
		if i > 0 && r.Seq != records[i-1].Seq+1 {
			return fmt.Errorf("chain: sequence gap at index %d", i)
		}
		if r.PrevHash != prevHash {
			return fmt.Errorf("chain: broken link at seq %d", r.Seq)
		}
		if ComputeHash(r.Seq, r.TimeBucket, r.Type, r.Payload, r.PrevHash) != r.Hash {
			return fmt.Errorf("chain: hash mismatch at seq %d", r.Seq)
		}
		if !identity.VerifyWith(pub, r.Hash[:], r.Sig[:]) {
			return fmt.Errorf("chain: signature mismatch at seq %d", r.Seq)
		}
		prevHash = r.Hash
	}
	return nil
}
