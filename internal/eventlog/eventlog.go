// Package eventlog implements the bounded, severity-tagged system event log
// with acknowledgement semantics.
//
// Entries are append-only in events.log; acknowledgement state lives in the
// events.ack sidecar and mutates in place (latest sidecar record per
// sequence wins), so the log itself is never rewritten by an ack. Eviction
// under the byte budget drops oldest entries first and preserves
// acknowledged entries last.
package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"canaryd/internal/clock"
	"canaryd/internal/errcode"
	"canaryd/internal/walog"
)

// Severity levels.
const (
	LevelDebug    = 0
	LevelInfo     = 1
	LevelWarning  = 2
	LevelError    = 3
	LevelCritical = 4
)

// AckState tracks operator acknowledgement of an entry.
type AckState uint8

const (
	AckUnread AckState = iota
	AckRead
	AckAcknowledged
)

// Field limits.
const (
	MaxCategory = 16
	MaxMessage  = 128
	MaxDetail   = 128
	MaxReason   = 64
)

// Errors
var (
	ErrSequenceOrder = errors.New("eventlog: sequence out of order")
	ErrNotFound      = errors.New("eventlog: entry not found")
	ErrFieldLimit    = errors.New("eventlog: field exceeds length limit")
)

// Entry is one event log record with its merged ack state.
type Entry struct {
	Seq       uint64   `json:"seq"`
	TsMs      uint64   `json:"ts_ms"`
	Level     uint8    `json:"level"`
	Category  string   `json:"category"`
	Message   string   `json:"message"`
	Detail    string   `json:"detail,omitempty"`
	Ack       AckState `json:"ack_state"`
	AckReason string   `json:"ack_reason,omitempty"`
	AckTsMs   uint64   `json:"ack_ts_ms,omitempty"`
}

// Filter selects entries for List.
type Filter struct {
	UnackedOnly bool
	MinLevel    int
	Limit       int
}

// Log is the bounded event log.
type Log struct {
	mu  sync.RWMutex
	clk *clock.Clock

	events *walog.Log
	ack    *walog.Log

	budget  int64
	entries []Entry
	nextSeq uint64

	// Degraded mode after StorageFull: entries live only in memory.
	degraded bool
}

// Open loads the event log and its ack sidecar. Sequences must be
// strictly increasing; gaps are legal because budget eviction rewrites
// the log keeping acknowledged entries past dropped ones.
func Open(eventsPath, ackPath string, budgetBytes int64, clk *clock.Clock) (*Log, error) {
	ev, err := walog.Open(eventsPath)
	if err != nil {
		return nil, fmt.Errorf("open events log: %w", err)
	}
	ack, err := walog.Open(ackPath)
	if err != nil {
		ev.Close()
		return nil, fmt.Errorf("open ack sidecar: %w", err)
	}

	l := &Log{clk: clk, events: ev, ack: ack, budget: budgetBytes, nextSeq: 1}

	err = ev.Scan(func(_ uint64, body []byte) error {
		e, err := decodeEntry(body)
		if err != nil {
			return err
		}
		if len(l.entries) > 0 && e.Seq <= l.entries[len(l.entries)-1].Seq {
			return fmt.Errorf("%w: %d then %d", ErrSequenceOrder, l.entries[len(l.entries)-1].Seq, e.Seq)
		}
		l.entries = append(l.entries, *e)
		l.nextSeq = e.Seq + 1
		return nil
	})
	if err != nil {
		ev.Close()
		ack.Close()
		return nil, err
	}

	// Merge the ack sidecar; later records override earlier ones.
	err = ack.Scan(func(_ uint64, body []byte) error {
		seq, state, reason, ts, err := decodeAck(body)
		if err != nil {
			return err
		}
		if e := l.find(seq); e != nil {
			e.Ack = state
			e.AckReason = reason
			e.AckTsMs = ts
		}
		return nil
	})
	if err != nil {
		ev.Close()
		ack.Close()
		return nil, fmt.Errorf("load ack sidecar: %w", err)
	}

	return l, nil
}

// find returns a pointer into the entries slice. Entries stay sorted by
// sequence but eviction leaves gaps, so this binary-searches. Caller
// holds mu.
func (l *Log) find(seq uint64) *Entry {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Seq >= seq
	})
	if i < len(l.entries) && l.entries[i].Seq == seq {
		return &l.entries[i]
	}
	return nil
}

// Append adds an entry, evicting oldest entries when over budget.
func (l *Log) Append(level int, category, message, detail string) (uint64, error) {
	if len(category) > MaxCategory || len(message) > MaxMessage || len(detail) > MaxDetail {
		return 0, errcode.Wrap(ErrFieldLimit, errcode.CodeBadRequest, "event field too long")
	}
	if level < LevelDebug || level > LevelCritical {
		level = LevelInfo
	}

	now, _ := l.clk.NowWall()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:      l.nextSeq,
		TsMs:     now,
		Level:    uint8(level),
		Category: category,
		Message:  message,
		Detail:   detail,
		Ack:      AckUnread,
	}

	if !l.degraded {
		if err := l.events.Append(encodeEntry(&e)); err != nil {
			// Degrade to the in-memory ring and raise one critical
			// event about it.
			l.degraded = true
			l.entries = append(l.entries, Entry{
				Seq:      l.nextSeq,
				TsMs:     now,
				Level:    LevelCritical,
				Category: "storage",
				Message:  "event log storage failed, running in memory",
				Detail:   err.Error(),
				Ack:      AckUnread,
			})
			l.nextSeq++
			e.Seq = l.nextSeq
		}
	}

	l.entries = append(l.entries, e)
	l.nextSeq = e.Seq + 1

	l.evictLocked()
	return e.Seq, nil
}

// evictLocked enforces the byte budget: oldest first, acknowledged last.
func (l *Log) evictLocked() {
	if l.budget <= 0 {
		return
	}
	size := func() int64 {
		var n int64
		for i := range l.entries {
			n += int64(entrySize(&l.entries[i]))
		}
		return n
	}
	if size() <= l.budget {
		return
	}

	// First pass: drop oldest unacknowledged entries.
	kept := l.entries[:0]
	over := size() - l.budget
	for i := range l.entries {
		if over > 0 && l.entries[i].Ack != AckAcknowledged {
			over -= int64(entrySize(&l.entries[i]))
			continue
		}
		kept = append(kept, l.entries[i])
	}
	l.entries = kept

	// Second pass: still over budget, drop oldest acknowledged too.
	for over > 0 && len(l.entries) > 0 {
		over -= int64(entrySize(&l.entries[0]))
		l.entries = l.entries[1:]
	}

	l.rewriteLocked()
}

// rewriteLocked persists the surviving entries. Ack state is folded into
// a fresh sidecar at the same time.
func (l *Log) rewriteLocked() {
	if l.degraded {
		return
	}
	bodies := make([][]byte, 0, len(l.entries))
	var acks [][]byte
	for i := range l.entries {
		bodies = append(bodies, encodeEntry(&l.entries[i]))
		if l.entries[i].Ack != AckUnread {
			acks = append(acks, encodeAck(l.entries[i].Seq, l.entries[i].Ack, l.entries[i].AckReason, l.entries[i].AckTsMs))
		}
	}
	if err := l.events.Rewrite(bodies); err != nil {
		l.degraded = true
		return
	}
	if err := l.ack.Rewrite(acks); err != nil {
		l.degraded = true
	}
}

// List returns entries matching the filter, newest last.
func (l *Log) List(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for i := range l.entries {
		e := &l.entries[i]
		if f.UnackedOnly && e.Ack == AckAcknowledged {
			continue
		}
		if int(e.Level) < f.MinLevel {
			continue
		}
		out = append(out, *e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Ack acknowledges one entry. Acknowledging an already-acknowledged entry
// leaves its state unchanged (first reason wins), making the call
// idempotent.
func (l *Log) Ack(seq uint64, reason string) error {
	if len(reason) > MaxReason {
		return errcode.Wrap(ErrFieldLimit, errcode.CodeBadRequest, "ack reason too long")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(seq)
	if e == nil {
		return errcode.Wrap(ErrNotFound, errcode.CodeNotFound, fmt.Sprintf("event %d", seq))
	}
	if e.Ack == AckAcknowledged {
		return nil
	}

	now, _ := l.clk.NowWall()
	e.Ack = AckAcknowledged
	e.AckReason = reason
	e.AckTsMs = now

	if !l.degraded {
		if err := l.ack.Append(encodeAck(seq, e.Ack, reason, now)); err != nil {
			return errcode.Wrap(err, errcode.CodeStorageUnavailable, "ack sidecar write failed")
		}
	}
	return nil
}

// AckAll acknowledges every unacknowledged entry at or above minLevel and
// returns how many were acknowledged.
func (l *Log) AckAll(minLevel int, reason string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now, _ := l.clk.NowWall()
	count := 0
	for i := range l.entries {
		e := &l.entries[i]
		if e.Ack == AckAcknowledged || int(e.Level) < minLevel {
			continue
		}
		e.Ack = AckAcknowledged
		e.AckReason = reason
		e.AckTsMs = now
		if !l.degraded {
			if err := l.ack.Append(encodeAck(e.Seq, e.Ack, reason, now)); err != nil {
				return count, errcode.Wrap(err, errcode.CodeStorageUnavailable, "ack sidecar write failed")
			}
		}
		count++
	}
	return count, nil
}

// Rotate deletes entries older than maxAgeDays and returns the count.
func (l *Log) Rotate(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, errcode.New(errcode.CodeBadRequest, "max_age_days must be positive")
	}

	now, _ := l.clk.NowWall()
	cutoff := now - uint64(maxAgeDays)*24*60*60*1000

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	deleted := 0
	for i := range l.entries {
		if l.entries[i].TsMs < cutoff {
			deleted++
			continue
		}
		kept = append(kept, l.entries[i])
	}
	if deleted > 0 {
		l.entries = kept
		l.rewriteLocked()
	}
	return deleted, nil
}

// UnackedCount is derived state for the status endpoint.
func (l *Log) UnackedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := range l.entries {
		if l.entries[i].Ack != AckAcknowledged {
			n++
		}
	}
	return n
}

// Degraded reports whether the log fell back to memory-only operation.
func (l *Log) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// Close closes the backing files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err1 := l.events.Close()
	err2 := l.ack.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Wire encoding

func entrySize(e *Entry) int {
	return 8 + 8 + 1 + 1 + len(e.Category) + 1 + len(e.Message) + 1 + len(e.Detail)
}

func encodeEntry(e *Entry) []byte {
	buf := make([]byte, 0, entrySize(e))
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	buf = binary.BigEndian.AppendUint64(buf, e.TsMs)
	buf = append(buf, e.Level)
	buf = append(buf, byte(len(e.Category)))
	buf = append(buf, e.Category...)
	buf = append(buf, byte(len(e.Message)))
	buf = append(buf, e.Message...)
	buf = append(buf, byte(len(e.Detail)))
	buf = append(buf, e.Detail...)
	return buf
}

func decodeEntry(data []byte) (*Entry, error) {
	if len(data) < 8+8+1+3 {
		return nil, errors.New("eventlog: entry truncated")
	}
	e := &Entry{}
	off := 0
	e.Seq = binary.BigEndian.Uint64(data[off:])
	off += 8
	e.TsMs = binary.BigEndian.Uint64(data[off:])
	off += 8
	e.Level = data[off]
	off++

	readStr := func() (string, error) {
		if off >= len(data) {
			return "", errors.New("eventlog: entry truncated")
		}
		n := int(data[off])
		off++
		if off+n > len(data) {
			return "", errors.New("eventlog: entry truncated")
		}
		s := string(data[off : off+n])
		off += n
		return s, nil
	}

	var err error
	if e.Category, err = readStr(); err != nil {
		return nil, err
	}
	if e.Message, err = readStr(); err != nil {
		return nil, err
	}
	if e.Detail, err = readStr(); err != nil {
		return nil, err
	}
	return e, nil
}

func encodeAck(seq uint64, state AckState, reason string, tsMs uint64) []byte {
	buf := make([]byte, 0, 8+1+1+len(reason)+8)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = append(buf, byte(state))
	buf = append(buf, byte(len(reason)))
	buf = append(buf, reason...)
	buf = binary.BigEndian.AppendUint64(buf, tsMs)
	return buf
}

func decodeAck(data []byte) (seq uint64, state AckState, reason string, tsMs uint64, err error) {
	if len(data) < 8+1+1+8 {
		return 0, 0, "", 0, errors.New("eventlog: ack record truncated")
	}
	seq = binary.BigEndian.Uint64(data)
	state = AckState(data[8])
	n := int(data[9])
	if len(data) < 10+n+8 {
		return 0, 0, "", 0, errors.New("eventlog: ack record truncated")
	}
	reason = string(data[10 : 10+n])
	tsMs = binary.BigEndian.Uint64(data[10+n:])
	return seq, state, reason, tsMs, nil
}
