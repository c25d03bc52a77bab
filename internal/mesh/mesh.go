package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"canaryd/internal/clock"
	"canaryd/internal/errcode"
	"canaryd/internal/eventlog"
	"canaryd/internal/identity"
	"canaryd/internal/logging"
)

// MeshState is the device's opera state.
type MeshState string

const (
	StateDisabled   MeshState = "disabled"
	StateNoFlock    MeshState = "no_flock"
	StateConnecting MeshState = "connecting"
	StateActive     MeshState = "active"
)

// Alert classes, as carried on the wire.
const (
	AlertTamper  = "tamper"
	AlertPower   = "power"
	AlertMotion  = "motion"
	AlertBreach  = "breach"
	AlertOffline = "offline"
)

// alertDedupWindow suppresses duplicate (sender, nonce) pairs.
const alertDedupWindow = 5 * time.Minute

// maxAlertHistory bounds the stored alert list.
const maxAlertHistory = 32

// Transport carries mesh frames over the short-range radio. Implementations
// wrap the actual radio; tests use an in-memory pair.
type Transport interface {
	// Broadcast sends a frame to every device in range.
	Broadcast(frame []byte) error
	// Send targets a single device by its radio address.
	Send(addr [6]byte, frame []byte) error
}

// WitnessFunc appends a witness record; wired to the chain engine.
type WitnessFunc func(recType uint16, payload []byte) (uint64, error)

// AlertRecord is a received or sent alert, kept for the dashboard.
type AlertRecord struct {
	SenderFP   string `json:"sender_fp"`
	SenderName string `json:"sender_name,omitempty"`
	AlertType  string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	TsMs       uint64 `json:"ts_ms"`
	Outgoing   bool   `json:"outgoing"`
}

// Status is the mesh state snapshot for GET /api/mesh.
type Status struct {
	State       MeshState      `json:"state"`
	DeviceName  string         `json:"device_name"`
	PeersTotal  int            `json:"peers_total"`
	PeersOnline int            `json:"peers_online"`
	Pairing     *PairingStatus `json:"pairing,omitempty"`
}

// Engine runs the opera protocol. The peer table is mutated only by this
// engine's methods, which serialize through mu.
type Engine struct {
	mu sync.Mutex

	id        *identity.Identity
	transport Transport
	events    *eventlog.Log
	witness   WitnessFunc
	clk       *clock.Clock
	log       *logging.Logger

	tablePath  string
	table      *peerTable
	channelKey []byte
	deviceName string

	state   MeshState
	pairing *pairingSession

	alerts []AlertRecord
	dedup  *gocache.Cache

	lastHeartbeat time.Time
}

// Config wires the engine's collaborators.
type Config struct {
	Identity   *identity.Identity
	Transport  Transport
	Events     *eventlog.Log
	Witness    WitnessFunc
	Clock      *clock.Clock
	Logger     *logging.Logger
	TablePath  string
	DeviceName string
	ChannelKey []byte // sealed in KV by the caller; nil before first pairing
	Enabled    bool
}

// New loads the peer table and starts in the configured state.
func New(cfg Config) (*Engine, error) {
	table, err := loadTable(cfg.TablePath)
	if err != nil {
		return nil, err
	}

	name := cfg.DeviceName
	if name == "" {
		name = "canary-" + cfg.Identity.FingerprintHex()[:6]
	}
	if len(name) > MaxPeerNameLen {
		name = name[:MaxPeerNameLen]
	}

	e := &Engine{
		id:         cfg.Identity,
		transport:  cfg.Transport,
		events:     cfg.Events,
		witness:    cfg.Witness,
		clk:        cfg.Clock,
		log:        cfg.Logger.WithComponent("mesh"),
		tablePath:  cfg.TablePath,
		table:      table,
		channelKey: cfg.ChannelKey,
		deviceName: name,
		state:      StateDisabled,
		dedup:      gocache.New(alertDedupWindow, time.Minute),
	}
	if cfg.Enabled {
		e.enableLocked()
	}
	return e, nil
}

// enableLocked mirrors Enable without taking mu.
func (e *Engine) enableLocked() {
	if len(e.table.Peers) == 0 {
		e.state = StateNoFlock
	} else {
		e.state = StateConnecting
	}
}

// Enable turns the mesh on.
func (e *Engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateDisabled {
		return
	}
	e.enableLocked()
	e.log.Info("mesh enabled", "peers", len(e.table.Peers))
}

// Disable turns the mesh off, cancelling any pairing in progress.
func (e *Engine) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pairing = nil
	e.state = StateDisabled
}

// SetName updates the display name sent in heartbeats.
func (e *Engine) SetName(name string) error {
	if name == "" || len(name) > MaxPeerNameLen {
		return errcode.New(errcode.CodeBadRequest, "display name must be 1-24 characters")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceName = name
	return nil
}

// Name returns the current display name.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceName
}

// Status snapshots the engine for the dashboard.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	online := 0
	for i := range e.table.Peers {
		if e.table.Peers[i].State == PeerConnected || e.table.Peers[i].State == PeerAlert {
			online++
		}
	}
	s := Status{
		State:       e.state,
		DeviceName:  e.deviceName,
		PeersTotal:  len(e.table.Peers),
		PeersOnline: online,
	}
	if e.pairing != nil {
		ps := e.pairing.status()
		s.Pairing = &ps
	}
	return s
}

// Peers returns the peer table with derived liveness states.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Peer, len(e.table.Peers))
	copy(out, e.table.Peers)
	return out
}

// ChannelToken returns the current opera channel token.
func (e *Engine) ChannelToken() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.ChannelToken
}

// ChannelKey returns the channel key for sealing into KV by the caller.
func (e *Engine) ChannelKey() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelKey
}

// RemovePeer drops one peer and records the removal in the witness chain.
func (e *Engine) RemovePeer(fpHex string) error {
	fp, err := parseFP(fpHex)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	peer := e.table.find(fp)
	if peer == nil {
		return errcode.Wrap(ErrPeerNotFound, errcode.CodeNotFound, "peer "+fpHex)
	}
	name := peer.DisplayName
	if err := e.table.remove(fp); err != nil {
		return errcode.Wrap(err, errcode.CodeNotFound, "peer "+fpHex)
	}
	if err := saveTable(e.tablePath, e.table); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "persist peer table")
	}
	if len(e.table.Peers) == 0 {
		e.state = StateNoFlock
	}

	e.events.Append(eventlog.LevelInfo, "mesh", "peer removed", name)
	if e.witness != nil {
		e.witness(0x0021, fp[:]) // peer_removed
	}
	return nil
}

// Leave wipes the peer table, rotates the channel token, and emits the
// left_opera witness record.
func (e *Engine) Leave() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDisabled {
		return errcode.New(errcode.CodeBadRequest, "mesh is disabled")
	}

	// Best effort: tell the opera we are going.
	if len(e.channelKey) != 0 {
		msg := leaveMsg{FP: e.fpBytes()}
		msg.Sig = e.id.Sign(msg.FP)
		if frame, err := encodeFrame(frameLeave, msg); err == nil {
			if sealed, err := sealFrame(e.channelKey, frame); err == nil {
				e.transport.Broadcast(sealed)
			}
		}
	}

	e.table.Peers = nil
	var tok [4]byte
	rand.Read(tok[:])
	e.table.ChannelToken = binary.BigEndian.Uint32(tok[:])
	e.channelKey = nil
	if err := saveTable(e.tablePath, e.table); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "persist peer table")
	}

	e.state = StateNoFlock
	e.events.Append(eventlog.LevelInfo, "mesh", "left opera", "")
	if e.witness != nil {
		e.witness(0x0022, nil) // left_opera
	}
	return nil
}

// Alerts returns the bounded alert history, newest last.
func (e *Engine) Alerts() []AlertRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AlertRecord, len(e.alerts))
	copy(out, e.alerts)
	return out
}

// ClearAlerts empties the alert history.
func (e *Engine) ClearAlerts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = nil
}

// SendAlert authenticates and fans an alert out to all known peers.
func (e *Engine) SendAlert(alertType, detail string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDisabled {
		return errcode.New(errcode.CodeBadRequest, "mesh is disabled")
	}
	if len(e.table.Peers) == 0 || len(e.channelKey) == 0 {
		return errcode.New(errcode.CodeBadRequest, "no opera peers")
	}

	now, _ := e.clk.NowWall()
	nonce := make([]byte, 16)
	rand.Read(nonce)

	msg := alertMsg{
		FP:        e.fpBytes(),
		Nonce:     nonce,
		AlertType: alertType,
		Detail:    detail,
		TsMs:      now,
	}
	msg.Sig = e.id.Sign(alertSigInput(&msg))

	frame, err := encodeFrame(frameAlert, msg)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode alert")
	}
	sealed, err := sealFrame(e.channelKey, frame)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "seal alert")
	}
	if err := e.transport.Broadcast(sealed); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "alert broadcast failed")
	}

	e.pushAlert(AlertRecord{
		SenderFP:  e.id.FingerprintHex(),
		AlertType: alertType,
		Detail:    detail,
		TsMs:      now,
		Outgoing:  true,
	})
	e.log.Warn("alert sent", "type", alertType)
	return nil
}

func (e *Engine) pushAlert(a AlertRecord) {
	e.alerts = append(e.alerts, a)
	if len(e.alerts) > maxAlertHistory {
		e.alerts = e.alerts[len(e.alerts)-maxAlertHistory:]
	}
}

// Tick drives heartbeats, peer liveness, and pairing expiry. Call it about
// once a second.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pairing != nil && e.pairing.expired(now) {
		e.log.Info("pairing session expired")
		e.events.Append(eventlog.LevelInfo, "mesh", "pairing expired", "")
		e.pairing = nil
	}
	e.tickPairing(now)

	if e.state == StateDisabled || e.state == StateNoFlock {
		return
	}

	wallNow, _ := e.clk.NowWall()

	// Heartbeat fan-out.
	if now.Sub(e.lastHeartbeat) >= heartbeatInterval && len(e.channelKey) != 0 {
		e.lastHeartbeat = now
		msg := heartbeatMsg{FP: e.fpBytes(), Name: e.deviceName}
		if frame, err := encodeFrame(frameHeartbeat, msg); err == nil {
			if sealed, err := sealFrame(e.channelKey, frame); err == nil {
				if err := e.transport.Broadcast(sealed); err != nil {
					e.log.Warn("heartbeat broadcast failed", "error", err)
				}
			}
		}
	}

	// Peer liveness.
	anyConnected := false
	for i := range e.table.Peers {
		p := &e.table.Peers[i]
		age := time.Duration(wallNow-p.LastSeenMs) * time.Millisecond
		switch {
		case p.LastSeenMs == 0 || age >= peerOfflineAfter:
			p.State = PeerOffline
		case age >= peerStaleAfter:
			p.State = PeerStale
		default:
			if p.State != PeerAlert {
				p.State = PeerConnected
			}
			anyConnected = true
		}
	}
	if anyConnected {
		e.state = StateActive
	} else {
		e.state = StateConnecting
	}
}

// HandleFrame processes one received radio frame.
func (e *Engine) HandleFrame(src [6]byte, frame []byte, rssi int8) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDisabled {
		return
	}

	t, err := peekType(frame)
	if err != nil {
		return
	}

	if t == frameEncrypted {
		if len(e.channelKey) == 0 {
			return
		}
		inner, err := openFrame(e.channelKey, frame)
		if err != nil {
			return
		}
		frame = inner
		if t, err = peekType(frame); err != nil {
			return
		}
	}

	switch t {
	case frameHeartbeat:
		e.handleHeartbeat(frame, rssi)
	case frameAlert:
		e.handleAlert(frame)
	case frameLeave:
		e.handleLeave(frame)
	case framePairDiscover, framePairOffer, framePairAccept, framePairConfirm, framePairComplete:
		e.handlePairingFrame(src, t, frame)
	}
}

func (e *Engine) handleHeartbeat(frame []byte, rssi int8) {
	var msg heartbeatMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	fp, ok := fpFromBytes(msg.FP)
	if !ok {
		return
	}
	peer := e.table.find(fp)
	if peer == nil {
		// Heartbeat from a device outside our opera: ignore, and do
		// not record anything about it.
		return
	}
	now, _ := e.clk.NowWall()
	peer.LastSeenMs = now
	peer.RSSI = rssi
	if msg.Name != "" && len(msg.Name) <= MaxPeerNameLen {
		peer.DisplayName = msg.Name
	}
	if peer.State != PeerAlert {
		peer.State = PeerConnected
	}
	e.state = StateActive
}

func (e *Engine) handleAlert(frame []byte) {
	var msg alertMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	fp, ok := fpFromBytes(msg.FP)
	if !ok || len(msg.Nonce) != 16 {
		return
	}
	peer := e.table.find(fp)
	if peer == nil {
		return
	}
	if !identity.VerifyWith(peer.IDPub, alertSigInput(&msg), msg.Sig) {
		e.log.Warn("alert with bad signature dropped", "peer", peer.FingerprintHex())
		return
	}

	// Duplicate suppression by (sender, nonce) for the dedup window.
	dedupKey := fmt.Sprintf("%x:%x", msg.FP, msg.Nonce)
	if _, seen := e.dedup.Get(dedupKey); seen {
		return
	}
	e.dedup.Set(dedupKey, struct{}{}, alertDedupWindow)

	peer.State = PeerAlert
	now, _ := e.clk.NowWall()
	e.pushAlert(AlertRecord{
		SenderFP:   peer.FingerprintHex(),
		SenderName: peer.DisplayName,
		AlertType:  msg.AlertType,
		Detail:     msg.Detail,
		TsMs:       now,
	})

	e.events.Append(eventlog.LevelWarning, "mesh",
		fmt.Sprintf("alert from %s: %s", peer.DisplayName, msg.AlertType), msg.Detail)

	// Tamper and power alerts are serious enough to witness.
	if e.witness != nil && (msg.AlertType == AlertTamper || msg.AlertType == AlertPower) {
		payload := append(append([]byte{}, msg.FP...), msg.Nonce...)
		e.witness(0x0023, payload) // mesh_alert
	}
}

func (e *Engine) handleLeave(frame []byte) {
	var msg leaveMsg
	if _, err := decodeFrame(frame, &msg); err != nil {
		return
	}
	fp, ok := fpFromBytes(msg.FP)
	if !ok {
		return
	}
	peer := e.table.find(fp)
	if peer == nil {
		return
	}
	if !identity.VerifyWith(peer.IDPub, msg.FP, msg.Sig) {
		return
	}
	name := peer.DisplayName
	e.table.remove(fp)
	saveTable(e.tablePath, e.table)
	if len(e.table.Peers) == 0 {
		e.state = StateNoFlock
	}
	e.events.Append(eventlog.LevelInfo, "mesh", "peer left opera", name)
}

// helpers

func (e *Engine) fpBytes() []byte {
	fp := e.id.Fingerprint()
	return fp[:]
}

// alertSigInput covers every alert field. Type and detail are length
// prefixed so their boundary cannot shift.
func alertSigInput(m *alertMsg) []byte {
	buf := make([]byte, 0, len(m.FP)+len(m.Nonce)+2+len(m.AlertType)+2+len(m.Detail)+8)
	buf = append(buf, m.FP...)
	buf = append(buf, m.Nonce...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.AlertType)))
	buf = append(buf, m.AlertType...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Detail)))
	buf = append(buf, m.Detail...)
	buf = binary.BigEndian.AppendUint64(buf, m.TsMs)
	return buf
}

func parseFP(s string) ([8]byte, error) {
	var fp [8]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 8 {
		return fp, errcode.New(errcode.CodeBadRequest, "fingerprint must be 16 hex characters")
	}
	copy(fp[:], raw)
	return fp, nil
}

func fpFromBytes(b []byte) ([8]byte, bool) {
	var fp [8]byte
	if len(b) != 8 {
		return fp, false
	}
	copy(fp[:], b)
	return fp, true
}
