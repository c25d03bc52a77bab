// Package kv implements the durable small-record store backing config.kv:
// operator toggles, network credentials, the mesh channel token, and boot
// bookkeeping.
//
// The whole store is held in memory and rewritten atomically on every
// mutation; records are tiny and mutations rare. Values marked sealed are
// encrypted with ChaCha20-Poly1305 under a key derived from the device
// identity, so credentials never touch flash in the clear.
package kv

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// File format constants.
const (
	Magic   = "CNKV"
	Version = 1

	maxKeyLen   = 64
	maxValueLen = 1024
)

// Errors
var (
	ErrNotFound     = errors.New("kv: key not found")
	ErrInvalidMagic = errors.New("kv: invalid magic number")
	ErrCorrupted    = errors.New("kv: corrupted store")
	ErrKeyTooLong   = errors.New("kv: key too long")
	ErrValueTooLong = errors.New("kv: value too long")
	ErrNoSealKey    = errors.New("kv: store opened without a seal key")
	ErrUnsealFailed = errors.New("kv: unseal failed")
)

// Store is a durable key-value store with serialized writes.
type Store struct {
	mu      sync.RWMutex
	path    string
	sealKey []byte // nil disables sealed values
	values  map[string][]byte
}

// Open loads or creates the store at path. sealKey may be nil when sealed
// values are not needed (tests, canaryverify).
func Open(path string, sealKey []byte) (*Store, error) {
	s := &Store{
		path:    path,
		sealKey: sealKey,
		values:  make(map[string][]byte),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}

	if err := s.decode(data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) decode(data []byte) error {
	if len(data) < 8 || string(data[0:4]) != Magic {
		return ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != Version {
		return fmt.Errorf("%w: version %d", ErrCorrupted, v)
	}

	off := 8
	for off < len(data) {
		if off+2 > len(data) {
			return ErrCorrupted
		}
		klen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+klen+2 > len(data) {
			return ErrCorrupted
		}
		key := string(data[off : off+klen])
		off += klen
		vlen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+vlen+4 > len(data) {
			return ErrCorrupted
		}
		value := data[off : off+vlen]
		off += vlen
		crc := binary.BigEndian.Uint32(data[off:])
		off += 4

		check := crc32.ChecksumIEEE(append([]byte(key), value...))
		if crc != check {
			return ErrCorrupted
		}
		cp := make([]byte, len(value))
		copy(cp, value)
		s.values[key] = cp
	}
	return nil
}

// flush writes the full store to a temp file and renames it into place.
// Caller holds the write lock.
func (s *Store) flush() error {
	buf := make([]byte, 0, 256)
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint32(buf, Version)

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := s.values[k]
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
		buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(append([]byte(k), v...)))
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit store: %w", err)
	}
	return nil
}

// Get returns the value for key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// GetString returns a string value, or fallback when absent.
func (s *Store) GetString(key, fallback string) string {
	v, err := s.Get(key)
	if err != nil {
		return fallback
	}
	return string(v)
}

// GetBool returns a boolean value, or fallback when absent.
func (s *Store) GetBool(key string, fallback bool) bool {
	v, err := s.Get(key)
	if err != nil {
		return fallback
	}
	return string(v) == "1" || string(v) == "true"
}

// GetUint64 returns an integer value, or fallback when absent or malformed.
func (s *Store) GetUint64(key string, fallback uint64) uint64 {
	v, err := s.Get(key)
	if err != nil {
		return fallback
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// Set stores a value and flushes the store.
func (s *Store) Set(key string, value []byte) error {
	if len(key) > maxKeyLen {
		return ErrKeyTooLong
	}
	if len(value) > maxValueLen {
		return ErrValueTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.values[key]
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	if err := s.flush(); err != nil {
		// Leave observable state unchanged on failure.
		if had {
			s.values[key] = old
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// SetString stores a string value.
func (s *Store) SetString(key, value string) error {
	return s.Set(key, []byte(value))
}

// SetBool stores a boolean value.
func (s *Store) SetBool(key string, value bool) error {
	if value {
		return s.Set(key, []byte("1"))
	}
	return s.Set(key, []byte("0"))
}

// SetUint64 stores an integer value.
func (s *Store) SetUint64(key string, value uint64) error {
	return s.Set(key, []byte(strconv.FormatUint(value, 10)))
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.flush(); err != nil {
		s.values[key] = old
		return err
	}
	return nil
}

// SetSealed encrypts value under the store's seal key before storing.
func (s *Store) SetSealed(key string, value []byte) error {
	if s.sealKey == nil {
		return ErrNoSealKey
	}
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nonce, nonce, value, []byte(key))
	return s.Set(key, sealed)
}

// GetSealed decrypts a sealed value.
func (s *Store) GetSealed(key string) ([]byte, error) {
	if s.sealKey == nil {
		return nil, ErrNoSealKey
	}
	sealed, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrUnsealFailed
	}
	nonce := sealed[:aead.NonceSize()]
	value, err := aead.Open(nil, nonce, sealed[aead.NonceSize():], []byte(key))
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return value, nil
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
