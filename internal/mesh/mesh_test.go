package mesh

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canaryd/internal/clock"
	"canaryd/internal/eventlog"
	"canaryd/internal/identity"
	"canaryd/internal/logging"
)

// queuedFrame is one in-flight radio frame on the test bus.
type queuedFrame struct {
	src   [6]byte
	dst   *[6]byte // nil means broadcast
	frame []byte
}

// testBus is an in-memory radio shared by the engines under test. Frames
// are queued and delivered by pump so that delivery never re-enters an
// engine that is mid-call.
type testBus struct {
	mu      sync.Mutex
	queue   []queuedFrame
	engines map[[6]byte]*Engine
}

func newTestBus() *testBus {
	return &testBus{engines: make(map[[6]byte]*Engine)}
}

func (b *testBus) attach(addr [6]byte, e *Engine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engines[addr] = e
}

// pump delivers queued frames until the bus is quiet.
func (b *testBus) pump() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		f := b.queue[0]
		b.queue = b.queue[1:]
		targets := make(map[[6]byte]*Engine)
		for addr, e := range b.engines {
			if addr == f.src {
				continue
			}
			if f.dst == nil || *f.dst == addr {
				targets[addr] = e
			}
		}
		b.mu.Unlock()

		for _, e := range targets {
			e.HandleFrame(f.src, f.frame, -40)
		}
	}
}

type testRadio struct {
	bus  *testBus
	addr [6]byte
}

func (r *testRadio) Broadcast(frame []byte) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.bus.queue = append(r.bus.queue, queuedFrame{src: r.addr, frame: frame})
	return nil
}

func (r *testRadio) Send(addr [6]byte, frame []byte) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	dst := addr
	r.bus.queue = append(r.bus.queue, queuedFrame{src: r.addr, dst: &dst, frame: frame})
	return nil
}

type testDevice struct {
	engine  *Engine
	events  *eventlog.Log
	witness *witnessCapture
}

type witnessCapture struct {
	mu      sync.Mutex
	records []uint16
}

func (w *witnessCapture) append(recType uint16, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, recType)
	return uint64(len(w.records)), nil
}

func (w *witnessCapture) types() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16{}, w.records...)
}

func newTestDevice(t *testing.T, bus *testBus, addr byte, seed byte) *testDevice {
	t.Helper()
	dir := t.TempDir()

	seedBytes := make([]byte, 32)
	seedBytes[0] = seed
	id, err := identity.FromSeed(seedBytes)
	require.NoError(t, err)

	clk := clock.New()
	clk.Discipline(1700000000000)

	events, err := eventlog.Open(
		filepath.Join(dir, "events.log"),
		filepath.Join(dir, "events.ack"),
		64*1024, clk)
	require.NoError(t, err)

	var radioAddr [6]byte
	radioAddr[5] = addr
	radio := &testRadio{bus: bus, addr: radioAddr}

	wc := &witnessCapture{}
	engine, err := New(Config{
		Identity:   id,
		Transport:  radio,
		Events:     events,
		Witness:    wc.append,
		Clock:      clk,
		Logger:     logging.Default(),
		TablePath:  filepath.Join(dir, "peers.tbl"),
		DeviceName: "canary-" + string('a'+rune(seed)),
		Enabled:    true,
	})
	require.NoError(t, err)

	bus.attach(radioAddr, engine)
	return &testDevice{engine: engine, events: events, witness: wc}
}

func pair(t *testing.T, bus *testBus, a, b *testDevice) {
	t.Helper()
	require.NoError(t, a.engine.StartPairing())
	require.NoError(t, b.engine.JoinPairing())
	bus.pump()

	sa := a.engine.PairingStatus()
	sb := b.engine.PairingStatus()
	require.NotNil(t, sa)
	require.NotNil(t, sb)
	require.Equal(t, PairConfirm, sa.State)
	require.Equal(t, PairConfirm, sb.State)
	require.Equal(t, sa.Code, sb.Code, "both sides must display the same code")
	require.Len(t, sa.Code, 6)

	require.NoError(t, a.engine.ConfirmPairing())
	require.NoError(t, b.engine.ConfirmPairing())
	bus.pump()
}

func TestPairingHappyPath(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)

	require.Equal(t, StateNoFlock, a.engine.Status().State)

	pair(t, bus, a, b)

	require.Equal(t, StateActive, a.engine.Status().State)
	require.Equal(t, StateActive, b.engine.Status().State)
	require.Len(t, a.engine.Peers(), 1)
	require.Len(t, b.engine.Peers(), 1)
	assert.Equal(t, a.engine.ChannelToken(), b.engine.ChannelToken())
	assert.Equal(t, a.engine.ChannelKey(), b.engine.ChannelKey())
	assert.NotEmpty(t, a.engine.ChannelKey())

	// Both sides witness the adoption.
	assert.Contains(t, a.witness.types(), uint16(0x0020))
	assert.Contains(t, b.witness.types(), uint16(0x0020))

	// Nothing left of the session.
	assert.Nil(t, a.engine.PairingStatus())
	assert.Nil(t, b.engine.PairingStatus())
}

func TestPairingCancelLeavesNothing(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)

	require.NoError(t, a.engine.StartPairing())
	require.NoError(t, b.engine.JoinPairing())
	bus.pump()

	require.NoError(t, a.engine.CancelPairing())
	assert.Nil(t, a.engine.PairingStatus())
	assert.Empty(t, a.engine.Peers())
	assert.Equal(t, StateNoFlock, a.engine.Status().State)
}

func TestPairingRejectsConcurrentSession(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)

	require.NoError(t, a.engine.StartPairing())
	err := a.engine.StartPairing()
	require.Error(t, err)
}

func TestAlertFanOutAndDedup(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	require.NoError(t, a.engine.SendAlert(AlertTamper, "case opened"))
	bus.pump()

	alerts := b.engine.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTamper, alerts[0].AlertType)
	assert.Equal(t, "case opened", alerts[0].Detail)
	assert.False(t, alerts[0].Outgoing)

	// A tamper alert from a peer is witnessed.
	assert.Contains(t, b.witness.types(), uint16(0x0023))

	// The sender keeps an outgoing entry too.
	sent := a.engine.Alerts()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Outgoing)
}

func TestAlertDetailTamperRejected(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	seed := make([]byte, 32)
	seed[0] = 1
	id, err := identity.FromSeed(seed)
	require.NoError(t, err)

	fp := id.Fingerprint()
	msg := alertMsg{
		FP:        fp[:],
		Nonce:     bytes.Repeat([]byte{7}, 16),
		AlertType: AlertTamper,
		Detail:    "case opened",
		TsMs:      1700000000000,
	}
	msg.Sig = id.Sign(alertSigInput(&msg))

	// A peer holding the channel key rewrites the detail in flight.
	msg.Detail = "false alarm"
	frame, err := encodeFrame(frameAlert, msg)
	require.NoError(t, err)
	sealed, err := sealFrame(b.engine.ChannelKey(), frame)
	require.NoError(t, err)

	var src [6]byte
	src[5] = 1
	b.engine.HandleFrame(src, sealed, -40)
	assert.Empty(t, b.engine.Alerts(), "altered detail must invalidate the signature")

	// The untouched message still verifies.
	msg.Detail = "case opened"
	frame, err = encodeFrame(frameAlert, msg)
	require.NoError(t, err)
	sealed, err = sealFrame(b.engine.ChannelKey(), frame)
	require.NoError(t, err)
	b.engine.HandleFrame(src, sealed, -40)
	alerts := b.engine.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "case opened", alerts[0].Detail)
}

func TestAlertRequiresPeers(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)

	err := a.engine.SendAlert(AlertTamper, "")
	require.Error(t, err)
}

func TestLeaveWipesTableAndRotatesToken(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	before := a.engine.ChannelToken()
	require.NoError(t, a.engine.Leave())
	bus.pump()

	assert.Empty(t, a.engine.Peers())
	assert.Equal(t, StateNoFlock, a.engine.Status().State)
	assert.NotEqual(t, before, a.engine.ChannelToken())
	assert.Empty(t, a.engine.ChannelKey())
	assert.Contains(t, a.witness.types(), uint16(0x0022))

	// The peer saw the signed leave frame and dropped us.
	assert.Empty(t, b.engine.Peers())
	assert.Equal(t, StateNoFlock, b.engine.Status().State)
}

func TestRemovePeerWitnessed(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	peers := a.engine.Peers()
	require.Len(t, peers, 1)
	require.NoError(t, a.engine.RemovePeer(peers[0].FingerprintHex()))

	assert.Empty(t, a.engine.Peers())
	assert.Contains(t, a.witness.types(), uint16(0x0021))
	assert.Equal(t, StateNoFlock, a.engine.Status().State)
}

func TestRemovePeerUnknownFingerprint(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)

	err := a.engine.RemovePeer("0011223344556677")
	require.Error(t, err)

	err = a.engine.RemovePeer("zz")
	require.Error(t, err)
}

func TestHeartbeatRefreshesPeer(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	now := time.Now()
	a.engine.mu.Lock()
	a.engine.lastHeartbeat = now.Add(-heartbeatInterval)
	a.engine.mu.Unlock()
	a.engine.Tick(now)
	bus.pump()

	peers := b.engine.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, int8(-40), peers[0].RSSI)
	assert.Equal(t, PeerConnected, peers[0].State)
}

func TestPeerTablePersistsAcrossRestart(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	path := a.engine.tablePath
	table, err := loadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Peers, 1)
	assert.Equal(t, a.engine.ChannelToken(), table.ChannelToken)
}

func TestDisabledEngineIgnoresFrames(t *testing.T) {
	bus := newTestBus()
	a := newTestDevice(t, bus, 1, 1)
	b := newTestDevice(t, bus, 2, 2)
	pair(t, bus, a, b)

	b.engine.Disable()
	require.NoError(t, a.engine.SendAlert(AlertPower, "mains lost"))
	bus.pump()

	assert.Empty(t, b.engine.Alerts())
}

func TestFrameRoundTrip(t *testing.T) {
	msg := heartbeatMsg{FP: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Name: "porch"}
	frame, err := encodeFrame(frameHeartbeat, msg)
	require.NoError(t, err)

	ft, err := peekType(frame)
	require.NoError(t, err)
	assert.Equal(t, frameHeartbeat, ft)

	var got heartbeatMsg
	_, err = decodeFrame(frame, &got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestSealedFrameRejectsWrongKey(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 1
	frame, err := encodeFrame(frameHeartbeat, heartbeatMsg{FP: make([]byte, 8)})
	require.NoError(t, err)

	sealed, err := sealFrame(key, frame)
	require.NoError(t, err)

	wrong := make([]byte, 32)
	wrong[0] = 2
	_, err = openFrame(wrong, sealed)
	require.ErrorIs(t, err, ErrDecryptFailed)

	opened, err := openFrame(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, frame, opened)
}
