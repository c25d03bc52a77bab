package mesh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Table limits, from the protocol constants.
const (
	MaxPeers       = 16
	MaxPeerNameLen = 24
)

// Peer state names surface directly in the API.
type PeerState string

const (
	PeerOffline   PeerState = "offline"
	PeerConnected PeerState = "connected"
	PeerStale     PeerState = "stale"
	PeerAlert     PeerState = "alert"
)

// Peer timing thresholds.
const (
	heartbeatInterval = 30 * time.Second
	peerStaleAfter    = 90 * time.Second
	peerOfflineAfter  = 5 * time.Minute
)

// Table errors
var (
	ErrTableFull     = errors.New("mesh: peer table full")
	ErrDuplicatePeer = errors.New("mesh: peer already in table")
	ErrPeerNotFound  = errors.New("mesh: peer not found")
)

// Peer is one opera member.
type Peer struct {
	Fingerprint [8]byte   `cbor:"1,keyasint" json:"-"`
	IDPub       []byte    `cbor:"2,keyasint" json:"-"`
	DisplayName string    `cbor:"3,keyasint" json:"display_name"`
	PairTsMs    uint64    `cbor:"4,keyasint" json:"pair_ts"`
	LastSeenMs  uint64    `cbor:"5,keyasint" json:"last_seen_ts"`
	RSSI        int8      `cbor:"6,keyasint" json:"rssi"`
	State       PeerState `cbor:"-" json:"state"`
}

// FingerprintHex is the JSON identifier for a peer.
func (p *Peer) FingerprintHex() string {
	return fmt.Sprintf("%x", p.Fingerprint[:])
}

// peerTable is the persisted opera membership.
type peerTable struct {
	ChannelToken uint32 `cbor:"1,keyasint"`
	Peers        []Peer `cbor:"2,keyasint"`
}

// loadTable reads peers.tbl; a missing file yields an empty table.
func loadTable(path string) (*peerTable, error) {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return &peerTable{}, nil
	case err != nil:
		return nil, fmt.Errorf("read peer table: %w", err)
	}
	var t peerTable
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode peer table: %w", err)
	}
	return &t, nil
}

// saveTable writes the table atomically.
func saveTable(path string, t *peerTable) error {
	data, err := cbor.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode peer table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write peer table: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit peer table: %w", err)
	}
	return nil
}

// insert adds a peer, enforcing the bound and fingerprint uniqueness.
func (t *peerTable) insert(p Peer) error {
	if len(t.Peers) >= MaxPeers {
		return ErrTableFull
	}
	for i := range t.Peers {
		if t.Peers[i].Fingerprint == p.Fingerprint {
			return ErrDuplicatePeer
		}
	}
	t.Peers = append(t.Peers, p)
	return nil
}

// remove drops a peer by fingerprint.
func (t *peerTable) remove(fp [8]byte) error {
	for i := range t.Peers {
		if t.Peers[i].Fingerprint == fp {
			t.Peers = append(t.Peers[:i], t.Peers[i+1:]...)
			return nil
		}
	}
	return ErrPeerNotFound
}

// find returns the peer with fingerprint fp, or nil.
func (t *peerTable) find(fp [8]byte) *Peer {
	for i := range t.Peers {
		if t.Peers[i].Fingerprint == fp {
			return &t.Peers[i]
		}
	}
	return nil
}
