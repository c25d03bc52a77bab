// Package walog implements the append-only record log backing the witness
// chain and the event log.
//
// The file layout is a fixed header followed by records of the form
// [len u16][body][crc32 u32]. The CRC covers the body only. A torn tail
// write (power loss mid-append) is detected on open and truncated; records
// before the tear are preserved.
package walog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// File format constants.
const (
	Magic      = "CLOG"
	Version    = 1
	HeaderSize = 8

	// MaxRecordSize bounds a single record body.
	MaxRecordSize = 4096
)

// Errors
var (
	ErrInvalidMagic   = errors.New("walog: invalid magic number")
	ErrInvalidVersion = errors.New("walog: unsupported version")
	ErrCorruptedEntry = errors.New("walog: corrupted entry (CRC mismatch)")
	ErrRecordTooLarge = errors.New("walog: record exceeds maximum size")
	ErrClosed         = errors.New("walog: log is closed")
)

// Log is an append-only record file with one writer and many readers.
type Log struct {
	mu sync.Mutex

	path   string
	file   *os.File
	closed bool

	recordCount uint64
	byteCount   int64
}

// Open opens or creates a record log at path. Existing content is scanned;
// a corrupted or torn tail is truncated away.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &Log{path: path, file: file}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	if stat.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		l.byteCount = HeaderSize
	} else {
		if err := l.readHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
		if err := l.scanToEnd(); err != nil {
			file.Close()
			return nil, fmt.Errorf("scan log: %w", err)
		}
	}

	if _, err := file.Seek(l.byteCount, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek to tail: %w", err)
	}

	return l, nil
}

func (l *Log) writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *Log) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		return err
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, v, Version)
	}
	return nil
}

// scanToEnd walks the records and stops at the first tear or corruption so
// that appends resume after the last intact record.
func (l *Log) scanToEnd() error {
	offset := int64(HeaderSize)
	for {
		body, next, err := l.readRecordAt(offset)
		if err != nil {
			// Torn or corrupt tail: keep everything before it.
			break
		}
		_ = body
		l.recordCount++
		offset = next
	}
	l.byteCount = offset
	// Drop the torn tail so the next append starts clean.
	return l.file.Truncate(offset)
}

// readRecordAt reads one record at offset, returning the body and the
// offset of the next record.
func (l *Log) readRecordAt(offset int64) (body []byte, next int64, err error) {
	lenBuf := make([]byte, 2)
	if _, err := l.file.ReadAt(lenBuf, offset); err != nil {
		return nil, 0, err
	}
	bodyLen := int(binary.BigEndian.Uint16(lenBuf))
	if bodyLen == 0 || bodyLen > MaxRecordSize {
		return nil, 0, ErrCorruptedEntry
	}

	buf := make([]byte, bodyLen+4)
	if _, err := l.file.ReadAt(buf, offset+2); err != nil {
		return nil, 0, err
	}
	body = buf[:bodyLen]
	crc := binary.BigEndian.Uint32(buf[bodyLen:])
	if crc != crc32.ChecksumIEEE(body) {
		return nil, 0, ErrCorruptedEntry
	}
	return body, offset + 2 + int64(bodyLen) + 4, nil
}

// Append writes one record and syncs it to stable storage. On failure the
// in-memory state is unchanged.
func (l *Log) Append(body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if len(body) == 0 || len(body) > MaxRecordSize {
		return ErrRecordTooLarge
	}

	buf := make([]byte, 2+len(body)+4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
	copy(buf[2:], body)
	binary.BigEndian.PutUint32(buf[2+len(body):], crc32.ChecksumIEEE(body))

	if _, err := l.file.WriteAt(buf, l.byteCount); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync record: %w", err)
	}

	l.byteCount += int64(len(buf))
	l.recordCount++
	return nil
}

// Scan calls fn for each record in order. Scanning uses ReadAt under a
// snapshot of the current tail, so it does not block the writer for the
// duration of the walk.
func (l *Log) Scan(fn func(index uint64, body []byte) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	tail := l.byteCount
	l.mu.Unlock()

	offset := int64(HeaderSize)
	var index uint64
	for offset < tail {
		body, next, err := l.readRecordAt(offset)
		if err != nil {
			return fmt.Errorf("record %d at offset %d: %w", index, offset, err)
		}
		if err := fn(index, body); err != nil {
			return err
		}
		index++
		offset = next
	}
	return nil
}

// ReadAll returns copies of all record bodies.
func (l *Log) ReadAll() ([][]byte, error) {
	var out [][]byte
	err := l.Scan(func(_ uint64, body []byte) error {
		cp := make([]byte, len(body))
		copy(cp, body)
		out = append(out, cp)
		return nil
	})
	return out, err
}

// Rewrite atomically replaces the log contents with the given bodies.
// Used by the event log for eviction and rotation; the witness chain never
// rewrites.
func (l *Log) Rewrite(bodies [][]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	newPath := l.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create rewrite file: %w", err)
	}

	header := make([]byte, HeaderSize)
	copy(header[0:4], Magic)
	binary.BigEndian.PutUint32(header[4:8], Version)
	if _, err := newFile.Write(header); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return err
	}

	size := int64(HeaderSize)
	for _, body := range bodies {
		if len(body) == 0 || len(body) > MaxRecordSize {
			newFile.Close()
			os.Remove(newPath)
			return ErrRecordTooLarge
		}
		buf := make([]byte, 2+len(body)+4)
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
		copy(buf[2:], body)
		binary.BigEndian.PutUint32(buf[2+len(body):], crc32.ChecksumIEEE(body))
		if _, err := newFile.Write(buf); err != nil {
			newFile.Close()
			os.Remove(newPath)
			return err
		}
		size += int64(len(buf))
	}

	if err := newFile.Sync(); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return err
	}
	newFile.Close()

	l.file.Close()
	if err := os.Rename(newPath, l.path); err != nil {
		return err
	}

	l.file, err = os.OpenFile(l.path, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if _, err := l.file.Seek(size, io.SeekStart); err != nil {
		return err
	}

	l.recordCount = uint64(len(bodies))
	l.byteCount = size
	return nil
}

// Count returns the number of records.
func (l *Log) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordCount
}

// Size returns the current file size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byteCount
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
