package chain

import (
	"errors"
	"fmt"
	"sync"

	"canaryd/internal/clock"
	"canaryd/internal/errcode"
	"canaryd/internal/identity"
	"canaryd/internal/walog"
)

// Errors
var (
	ErrChainBroken = errors.New("chain: ledger failed verification, appends disabled")
	ErrBadRange    = errors.New("chain: invalid range")
)

// recentKeep is how many records the engine caches for the dashboard's
// read endpoints; those must be O(1) in active-state size, not history.
const recentKeep = 64

// Engine is the witness chain engine. One writer, many readers.
type Engine struct {
	log   *walog.Log
	id    *identity.Identity
	clk   *clock.Clock
	fwVer string

	// writerMu serializes hash+sign+commit; it is the only long
	// critical section in the daemon and must stay short.
	writerMu sync.Mutex

	// stateMu guards the tip snapshot read by status endpoints.
	stateMu   sync.RWMutex
	tipSeq    uint64
	tipHash   [HashSize]byte
	healthy   bool
	verifyErr error
	bucketMs  uint64
	recent    []Record
}

// Open opens the witness ledger, replaying and verifying the full chain.
// A verification failure does not fail Open: the engine comes up readable
// with Healthy() == false and refuses further appends.
func Open(log *walog.Log, id *identity.Identity, clk *clock.Clock, bucketMs uint64, firmwareVersion string) (*Engine, error) {
	e := &Engine{
		log:      log,
		id:       id,
		clk:      clk,
		fwVer:    firmwareVersion,
		healthy:  true,
		bucketMs: bucketMs,
	}

	var prev [HashSize]byte
	err := log.Scan(func(index uint64, body []byte) error {
		r, err := decodeRecord(body)
		if err != nil {
			return err
		}
		if r.Seq != index+1 {
			return fmt.Errorf("chain: sequence gap at %d (got %d)", index+1, r.Seq)
		}
		if r.PrevHash != prev {
			return fmt.Errorf("chain: broken link at seq %d", r.Seq)
		}
		if ComputeHash(r.Seq, r.TimeBucket, r.Type, r.Payload, r.PrevHash) != r.Hash {
			return fmt.Errorf("chain: hash mismatch at seq %d", r.Seq)
		}
		if !id.Verify(r.Hash[:], r.Sig[:]) {
			return fmt.Errorf("chain: signature mismatch at seq %d", r.Seq)
		}
		prev = r.Hash
		e.tipSeq = r.Seq
		e.tipHash = r.Hash
		e.pushRecent(*r)
		return nil
	})
	if err != nil {
		// Tampered or torn beyond the log's own recovery: latch
		// read-only witness mode.
		e.healthy = false
		e.verifyErr = err
	}
	return e, nil
}

// VerifyError returns the boot-scan failure that latched read-only mode,
// or nil when the chain is healthy.
func (e *Engine) VerifyError() error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.verifyErr
}

// SetBucketWidth updates the time bucket width for future appends.
func (e *Engine) SetBucketWidth(ms uint64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.bucketMs = ms
}

// pushRecent appends to the bounded recent-records cache.
// Caller must hold stateMu or be in single-threaded Open.
func (e *Engine) pushRecent(r Record) {
	e.recent = append(e.recent, r)
	if len(e.recent) > recentKeep {
		e.recent = e.recent[len(e.recent)-recentKeep:]
	}
}

// Append hashes, signs, and commits one witness record, returning its
// sequence number.
func (e *Engine) Append(recType uint16, payload []byte) (uint64, error) {
	if len(payload) > MaxPayload {
		return 0, errcode.Wrap(ErrPayloadTooLarge, errcode.CodeBadRequest, "payload too large")
	}

	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	e.stateMu.RLock()
	healthy := e.healthy
	seq := e.tipSeq + 1
	prev := e.tipHash
	bucketMs := e.bucketMs
	e.stateMu.RUnlock()

	if !healthy {
		return 0, errcode.Wrap(ErrChainBroken, errcode.CodeChainBroken, "witness chain is read-only")
	}

	wallMs, _ := e.clk.NowWall()
	r := Record{
		Seq:        seq,
		TimeBucket: clock.Bucket(wallMs, bucketMs),
		Type:       recType,
		Payload:    payload,
		PrevHash:   prev,
	}
	r.Hash = ComputeHash(r.Seq, r.TimeBucket, r.Type, r.Payload, r.PrevHash)
	copy(r.Sig[:], e.id.Sign(r.Hash[:]))

	if err := e.log.Append(r.encode()); err != nil {
		// The write failed before the tip moved; state is unchanged.
		return 0, errcode.Wrap(err, errcode.CodeStorageUnavailable, "witness log write failed")
	}

	e.stateMu.Lock()
	e.tipSeq = r.Seq
	e.tipHash = r.Hash
	e.pushRecent(r)
	e.stateMu.Unlock()

	return r.Seq, nil
}

// Get returns records with from ≤ seq ≤ to. It reads from the log file so
// the range is not limited to the recent cache.
func (e *Engine) Get(from, to uint64) ([]Record, error) {
	if from == 0 || to < from {
		return nil, errcode.Wrap(ErrBadRange, errcode.CodeBadRequest, "invalid record range")
	}
	var out []Record
	err := e.log.Scan(func(index uint64, body []byte) error {
		seq := index + 1
		if seq < from || seq > to {
			return nil
		}
		r, err := decodeRecord(body)
		if err != nil {
			return err
		}
		out = append(out, *r)
		return nil
	})
	if err != nil {
		return nil, errcode.Wrap(err, errcode.CodeStorageUnavailable, "witness log read failed")
	}
	return out, nil
}

// Recent returns up to n of the latest records, newest last.
func (e *Engine) Recent(n int) []Record {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if n <= 0 || len(e.recent) == 0 {
		return nil
	}
	if n > len(e.recent) {
		n = len(e.recent)
	}
	out := make([]Record, n)
	copy(out, e.recent[len(e.recent)-n:])
	return out
}

// VerifyTail re-verifies the last n records against the chain invariants.
func (e *Engine) VerifyTail(n uint64) error {
	e.stateMu.RLock()
	tip := e.tipSeq
	e.stateMu.RUnlock()

	if tip == 0 || n == 0 {
		return nil
	}
	from := uint64(1)
	if n < tip {
		from = tip - n + 1
	}

	records, err := e.Get(from, tip)
	if err != nil {
		return err
	}
	for i, r := range records {
		if ComputeHash(r.Seq, r.TimeBucket, r.Type, r.Payload, r.PrevHash) != r.Hash {
			return fmt.Errorf("chain: hash mismatch at seq %d", r.Seq)
		}
		if !e.id.Verify(r.Hash[:], r.Sig[:]) {
			return fmt.Errorf("chain: signature mismatch at seq %d", r.Seq)
		}
		if i > 0 && r.PrevHash != records[i-1].Hash {
			return fmt.Errorf("chain: broken link at seq %d", r.Seq)
		}
	}
	return nil
}

// Tip returns the current tip sequence and hash.
func (e *Engine) Tip() (uint64, [HashSize]byte) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.tipSeq, e.tipHash
}

// Count returns the number of ledger records.
func (e *Engine) Count() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.tipSeq
}

// Healthy reports whether the boot-time verification passed. Once false it
// stays false until operator action (re-provisioning), and all appends fail.
func (e *Engine) Healthy() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.healthy
}
