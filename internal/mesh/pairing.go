package mesh

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"canaryd/internal/errcode"
	"canaryd/internal/eventlog"
	"canaryd/internal/identity"
)

// Pairing session states.
type PairState string

const (
	PairScan    PairState = "scan"    // waiting for the other device
	PairPropose PairState = "propose" // keys exchanged, deriving code
	PairConfirm PairState = "confirm" // code on screen, waiting for both operators
)

// pairingWindow bounds a whole pairing attempt.
const pairingWindow = 90 * time.Second

// discoverInterval is how often a joiner re-announces itself.
const discoverInterval = 2 * time.Second

type pairRole uint8

const (
	roleInitiator pairRole = iota
	roleJoiner
)

// PairingStatus is the operator-visible view of a pairing attempt.
type PairingStatus struct {
	State        PairState `json:"state"`
	Code         string    `json:"code,omitempty"`
	PeerName     string    `json:"peer_name,omitempty"`
	PeerFP       string    `json:"peer_fp,omitempty"`
	ExpiresInSec int       `json:"expires_in_sec"`
}

// pairingSession holds one attempt's ephemeral state. It lives only in
// memory; nothing is persisted until commit.
type pairingSession struct {
	role     pairRole
	state    PairState
	deadline time.Time

	ephPriv [32]byte
	ephPub  [32]byte

	peerAddr   [6]byte
	peerFP     [8]byte
	peerIDPub  []byte
	peerEphPub []byte
	peerName   string

	sharedKey [32]byte
	code      string

	localConfirmed  bool
	remoteConfirmed bool

	lastDiscover time.Time
}

func newPairingSession(role pairRole, now time.Time) (*pairingSession, error) {
	s := &pairingSession{
		role:     role,
		state:    PairScan,
		deadline: now.Add(pairingWindow),
	}
	if _, err := rand.Read(s.ephPriv[:]); err != nil {
		return nil, fmt.Errorf("mesh: pairing keygen: %w", err)
	}
	curve25519.ScalarBaseMult(&s.ephPub, &s.ephPriv)
	return s, nil
}

func (s *pairingSession) expired(now time.Time) bool {
	return now.After(s.deadline)
}

func (s *pairingSession) status() PairingStatus {
	ps := PairingStatus{
		State:        s.state,
		ExpiresInSec: int(time.Until(s.deadline) / time.Second),
	}
	if ps.ExpiresInSec < 0 {
		ps.ExpiresInSec = 0
	}
	if s.state == PairConfirm {
		ps.Code = s.code
		ps.PeerName = s.peerName
		ps.PeerFP = fmt.Sprintf("%x", s.peerFP)
	}
	return ps
}

// deriveShared computes the pairing secret and the 6-digit code from the
// X25519 exchange. Both sides derive the same values, so the operator can
// compare the code on the two screens.
func (s *pairingSession) deriveShared() error {
	shared, err := curve25519.X25519(s.ephPriv[:], s.peerEphPub)
	if err != nil {
		return fmt.Errorf("mesh: pairing exchange: %w", err)
	}
	kr := hkdf.New(sha256.New, shared, nil, []byte("canaryd/pairing"))
	if _, err := io.ReadFull(kr, s.sharedKey[:]); err != nil {
		return err
	}
	var codeBytes [4]byte
	if _, err := io.ReadFull(kr, codeBytes[:]); err != nil {
		return err
	}
	s.code = fmt.Sprintf("%06d", binary.BigEndian.Uint32(codeBytes[:])%1000000)
	return nil
}

func (s *pairingSession) codeHash() []byte {
	sum := sha256.Sum256([]byte(s.code))
	return sum[:]
}

// StartPairing opens a pairing window as the initiator, the side that will
// distribute the opera channel material.
func (e *Engine) StartPairing() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDisabled {
		return errcode.New(errcode.CodeBadRequest, "mesh is disabled")
	}
	if e.pairing != nil {
		return errcode.New(errcode.CodeBusy, "pairing already in progress")
	}
	if len(e.table.Peers) >= MaxPeers {
		return errcode.New(errcode.CodeBadRequest, "peer table is full")
	}

	s, err := newPairingSession(roleInitiator, time.Now())
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "start pairing")
	}
	e.pairing = s
	e.log.Info("pairing started", "role", "initiator")
	return nil
}

// JoinPairing opens a pairing window as the joiner, announcing this device
// to any initiator in range.
func (e *Engine) JoinPairing() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDisabled {
		return errcode.New(errcode.CodeBadRequest, "mesh is disabled")
	}
	if e.pairing != nil {
		return errcode.New(errcode.CodeBusy, "pairing already in progress")
	}

	s, err := newPairingSession(roleJoiner, time.Now())
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "join pairing")
	}
	e.pairing = s
	e.log.Info("pairing started", "role", "joiner")
	e.broadcastDiscoverLocked()
	return nil
}

// ConfirmPairing records the local operator's approval of the displayed
// code. Commit happens once both sides have confirmed.
func (e *Engine) ConfirmPairing() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.pairing
	if s == nil {
		return errcode.New(errcode.CodeNotFound, "no pairing in progress")
	}
	if s.state != PairConfirm {
		return errcode.New(errcode.CodeBadRequest, "pairing is not awaiting confirmation")
	}
	if s.localConfirmed {
		return nil
	}
	s.localConfirmed = true

	msg := pairConfirmMsg{FP: e.fpBytes(), CodeHash: s.codeHash()}
	frame, err := encodeFrame(framePairConfirm, msg)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode confirm")
	}
	if err := e.transport.Send(s.peerAddr, frame); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "send confirm")
	}
	return e.maybeCommitLocked()
}

// CancelPairing abandons the attempt. Nothing was persisted, so there is
// nothing to roll back.
func (e *Engine) CancelPairing() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pairing == nil {
		return errcode.New(errcode.CodeNotFound, "no pairing in progress")
	}
	e.pairing = nil
	e.log.Info("pairing canceled")
	return nil
}

// PairingStatus returns the current attempt, or nil when idle.
func (e *Engine) PairingStatus() *PairingStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pairing == nil {
		return nil
	}
	ps := e.pairing.status()
	return &ps
}

func (e *Engine) broadcastDiscoverLocked() {
	s := e.pairing
	if s == nil || s.role != roleJoiner || s.state != PairScan {
		return
	}
	s.lastDiscover = time.Now()
	msg := pairDiscoverMsg{FP: e.fpBytes(), Name: e.deviceName}
	if frame, err := encodeFrame(framePairDiscover, msg); err == nil {
		e.transport.Broadcast(frame)
	}
}

// tickPairing re-announces a scanning joiner. Called from Tick with mu held.
func (e *Engine) tickPairing(now time.Time) {
	s := e.pairing
	if s == nil || s.role != roleJoiner || s.state != PairScan {
		return
	}
	if now.Sub(s.lastDiscover) >= discoverInterval {
		e.broadcastDiscoverLocked()
	}
}

// handlePairingFrame dispatches a clear-text pairing frame. Frames for a
// role or state we are not in are dropped silently.
func (e *Engine) handlePairingFrame(src [6]byte, t uint8, frame []byte) {
	s := e.pairing
	if s == nil {
		return
	}

	switch t {
	case framePairDiscover:
		e.handlePairDiscover(src, frame)
	case framePairOffer:
		e.handlePairOffer(src, frame)
	case framePairAccept:
		e.handlePairAccept(frame)
	case framePairConfirm:
		e.handlePairConfirm(frame)
	case framePairComplete:
		e.handlePairComplete(frame)
	}
}

// handlePairDiscover: initiator sees a joiner's announcement and answers
// with its signed ephemeral key.
func (e *Engine) handlePairDiscover(src [6]byte, frame []byte) {
	s := e.pairing
	if s.role != roleInitiator || s.state != PairScan {
		return
	}
	var msg pairDiscoverMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	fp, ok := fpFromBytes(msg.FP)
	if !ok {
		return
	}
	if e.table.find(fp) != nil {
		// Already paired with this device.
		return
	}

	s.peerAddr = src
	s.peerFP = fp
	s.peerName = msg.Name
	s.state = PairPropose

	offer := pairOfferMsg{
		FP:     e.fpBytes(),
		Name:   e.deviceName,
		EphPub: s.ephPub[:],
		IDPub:  e.id.PublicKey(),
		Sig:    e.id.Sign(s.ephPub[:]),
	}
	if out, err := encodeFrame(framePairOffer, offer); err == nil {
		e.transport.Send(src, out)
	}
}

// handlePairOffer: joiner verifies the initiator's key material, answers
// with its own, and derives the code.
func (e *Engine) handlePairOffer(src [6]byte, frame []byte) {
	s := e.pairing
	if s.role != roleJoiner || s.state != PairScan {
		return
	}
	var msg pairOfferMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	if !verifyPairKeys(msg.FP, msg.IDPub, msg.EphPub, msg.Sig) {
		e.log.Warn("pairing offer with bad signature dropped")
		return
	}

	copy(s.peerFP[:], msg.FP)
	s.peerAddr = src
	s.peerName = msg.Name
	s.peerIDPub = append([]byte{}, msg.IDPub...)
	s.peerEphPub = append([]byte{}, msg.EphPub...)

	accept := pairAcceptMsg{
		FP:     e.fpBytes(),
		Name:   e.deviceName,
		EphPub: s.ephPub[:],
		IDPub:  e.id.PublicKey(),
		Sig:    e.id.Sign(s.ephPub[:]),
	}
	out, err := encodeFrame(framePairAccept, accept)
	if err != nil {
		return
	}
	if err := e.transport.Send(src, out); err != nil {
		e.log.Warn("pairing accept send failed", "error", err)
		return
	}

	if err := s.deriveShared(); err != nil {
		e.log.Error("pairing derive failed", "error", err)
		e.pairing = nil
		return
	}
	s.state = PairConfirm
	e.log.Info("pairing code ready", "peer", s.peerName)
}

// handlePairAccept: initiator completes the exchange and derives the code.
func (e *Engine) handlePairAccept(frame []byte) {
	s := e.pairing
	if s.role != roleInitiator || s.state != PairPropose {
		return
	}
	var msg pairAcceptMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	if !bytes.Equal(msg.FP, s.peerFP[:]) {
		return
	}
	if !verifyPairKeys(msg.FP, msg.IDPub, msg.EphPub, msg.Sig) {
		e.log.Warn("pairing accept with bad signature dropped")
		return
	}

	s.peerIDPub = append([]byte{}, msg.IDPub...)
	s.peerEphPub = append([]byte{}, msg.EphPub...)
	if err := s.deriveShared(); err != nil {
		e.log.Error("pairing derive failed", "error", err)
		e.pairing = nil
		return
	}
	s.state = PairConfirm
	e.log.Info("pairing code ready", "peer", s.peerName)
}

// handlePairConfirm: the remote operator pressed confirm. The code hash
// must match ours, otherwise the two screens showed different codes and the
// exchange was tampered with.
func (e *Engine) handlePairConfirm(frame []byte) {
	s := e.pairing
	if s.state != PairConfirm {
		return
	}
	var msg pairConfirmMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	if !bytes.Equal(msg.FP, s.peerFP[:]) {
		return
	}
	if !bytes.Equal(msg.CodeHash, s.codeHash()) {
		e.log.Warn("pairing confirm with mismatched code, canceling")
		e.events.Append(eventlog.LevelWarning, "mesh", "pairing code mismatch", "")
		e.pairing = nil
		return
	}
	s.remoteConfirmed = true
	if err := e.maybeCommitLocked(); err != nil {
		e.log.Error("pairing commit failed", "error", err)
	}
}

// handlePairComplete: joiner receives the sealed channel material and
// commits.
func (e *Engine) handlePairComplete(frame []byte) {
	s := e.pairing
	if s.role != roleJoiner || s.state != PairConfirm || !s.localConfirmed {
		return
	}
	var msg pairCompleteMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	if !bytes.Equal(msg.FP, s.peerFP[:]) {
		return
	}

	token, key, err := openChannelMaterial(s.sharedKey[:], msg.Sealed)
	if err != nil {
		e.log.Warn("pairing complete unseal failed", "error", err)
		return
	}
	if err := e.commitPairingLocked(token, key); err != nil {
		e.log.Error("pairing commit failed", "error", err)
	}
}

// maybeCommitLocked commits the initiator side once both operators have
// confirmed. The joiner commits when the complete frame arrives.
func (e *Engine) maybeCommitLocked() error {
	s := e.pairing
	if s == nil || !s.localConfirmed || !s.remoteConfirmed {
		return nil
	}
	if s.role != roleInitiator {
		return nil
	}

	token := e.table.ChannelToken
	key := e.channelKey
	if len(key) == 0 {
		// First pairing for this device: mint the opera channel.
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("mesh: channel keygen: %w", err)
		}
		var tok [4]byte
		rand.Read(tok[:])
		token = binary.BigEndian.Uint32(tok[:])
	}

	sealed, err := sealChannelMaterial(s.sharedKey[:], token, key)
	if err != nil {
		return err
	}
	msg := pairCompleteMsg{FP: e.fpBytes(), Sealed: sealed}
	frame, err := encodeFrame(framePairComplete, msg)
	if err != nil {
		return err
	}
	if err := e.transport.Send(s.peerAddr, frame); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "send pairing complete")
	}
	return e.commitPairingLocked(token, key)
}

// commitPairingLocked atomically adopts the new peer: table insert, persist,
// channel material, witness record. Any failure leaves the table untouched.
func (e *Engine) commitPairingLocked(token uint32, key []byte) error {
	s := e.pairing
	now, _ := e.clk.NowWall()

	peer := Peer{
		Fingerprint: s.peerFP,
		IDPub:       append([]byte{}, s.peerIDPub...),
		DisplayName: s.peerName,
		PairTsMs:    now,
		LastSeenMs:  now,
		State:       PeerConnected,
	}
	if err := e.table.insert(peer); err != nil {
		e.pairing = nil
		return errcode.Wrap(err, errcode.CodeBadRequest, "adopt peer")
	}
	prevToken := e.table.ChannelToken
	e.table.ChannelToken = token
	if err := saveTable(e.tablePath, e.table); err != nil {
		e.table.remove(s.peerFP)
		e.table.ChannelToken = prevToken
		e.pairing = nil
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "persist peer table")
	}

	e.channelKey = append([]byte{}, key...)
	e.pairing = nil
	e.state = StateActive

	e.log.Info("peer paired", "peer", peer.DisplayName, "fp", peer.FingerprintHex())
	e.events.Append(eventlog.LevelInfo, "mesh", "peer paired", peer.DisplayName)
	if e.witness != nil {
		payload := append(append([]byte{}, s.peerFP[:]...), s.peerIDPub...)
		e.witness(0x0020, payload) // peer_added
	}
	return nil
}

// verifyPairKeys checks the identity signature over the ephemeral key and
// that the claimed fingerprint really belongs to the identity key.
func verifyPairKeys(fp, idPub, ephPub, sig []byte) bool {
	if len(fp) != 8 || len(idPub) != 32 || len(ephPub) != 32 {
		return false
	}
	want := identity.FingerprintOf(idPub)
	if !bytes.Equal(fp, want[:]) {
		return false
	}
	return identity.VerifyWith(idPub, ephPub, sig)
}

// sealChannelMaterial wraps token ‖ key under the pairing shared secret.
func sealChannelMaterial(sharedKey []byte, token uint32, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sharedKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(plain[:4], token)
	copy(plain[4:], key)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func openChannelMaterial(sharedKey, sealed []byte) (uint32, []byte, error) {
	aead, err := chacha20poly1305.NewX(sharedKey)
	if err != nil {
		return 0, nil, err
	}
	if len(sealed) < aead.NonceSize()+4 {
		return 0, nil, ErrFrameTooShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return 0, nil, ErrDecryptFailed
	}
	if len(plain) < 4+chacha20poly1305.KeySize {
		return 0, nil, ErrFrameTooShort
	}
	return binary.BigEndian.Uint32(plain[:4]), plain[4:], nil
}
