package netsup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canaryd/internal/clock"
	"canaryd/internal/eventlog"
	"canaryd/internal/kv"
	"canaryd/internal/logging"
)

// simRadio is a scriptable wifi radio.
type simRadio struct {
	mu          sync.Mutex
	scanResult  []Network
	scanDelay   time.Duration
	connectErr  error
	failFirstN  int
	attempts    int
	rssi        int8
	rssiErr     error
	disconnects int
}

func (r *simRadio) Scan(ctx context.Context) ([]Network, error) {
	r.mu.Lock()
	delay := r.scanDelay
	result := r.scanResult
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, nil
}

func (r *simRadio) Connect(ctx context.Context, ssid, psk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.attempts <= r.failFirstN {
		return errors.New("auth timeout")
	}
	return r.connectErr
}

func (r *simRadio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	return nil
}

func (r *simRadio) RSSI() (int8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rssi, r.rssiErr
}

func newTestSupervisor(t *testing.T, radio *simRadio) (*Supervisor, *kv.Store) {
	t.Helper()
	dir := t.TempDir()

	sealKey := make([]byte, 32)
	sealKey[0] = 7
	store, err := kv.Open(filepath.Join(dir, "config.kv"), sealKey)
	require.NoError(t, err)

	clk := clock.New()
	events, err := eventlog.Open(
		filepath.Join(dir, "events.log"),
		filepath.Join(dir, "events.ack"),
		64*1024, clk)
	require.NoError(t, err)

	return New(Config{
		Radio:          radio,
		Store:          store,
		Events:         events,
		Logger:         logging.Default(),
		APSSID:         "canary-setup",
		ConnectTimeout: time.Second,
		ConnectBackoff: 10 * time.Millisecond,
	}), store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScanIsNonBlocking(t *testing.T) {
	radio := &simRadio{
		scanDelay: 100 * time.Millisecond,
		scanResult: []Network{
			{SSID: "home", RSSI: -55, Channel: 6, Secured: true},
		},
	}
	s, _ := newTestSupervisor(t, radio)

	start := time.Now()
	require.NoError(t, s.StartScan())
	require.Less(t, time.Since(start), 50*time.Millisecond, "StartScan must return immediately")

	assert.True(t, s.Status().Scanning)

	// A second scan while one is running is Busy.
	require.Error(t, s.StartScan())

	waitFor(t, func() bool { return !s.Status().Scanning })
	st := s.Status()
	require.Len(t, st.ScanResults, 1)
	assert.Equal(t, "home", st.ScanResults[0].SSID)
}

func TestConnectSealsCredentialsAndRetries(t *testing.T) {
	radio := &simRadio{failFirstN: 2}
	s, store := newTestSupervisor(t, radio)

	require.NoError(t, s.Connect("home", "hunter22"))
	waitFor(t, func() bool { return s.Status().State == LinkConnected })

	radio.mu.Lock()
	assert.Equal(t, 3, radio.attempts, "first two attempts fail, third connects")
	radio.mu.Unlock()

	// Credentials persist: SSID in the clear, PSK sealed.
	assert.Equal(t, "home", store.GetString(kvKeySSID, ""))
	raw, err := store.Get(kvKeySealedPSK)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter22")

	psk, err := store.GetSealed(kvKeySealedPSK)
	require.NoError(t, err)
	assert.Equal(t, "hunter22", string(psk))
}

func TestConnectGivesUpAfterBoundedTries(t *testing.T) {
	radio := &simRadio{failFirstN: 100}
	s, _ := newTestSupervisor(t, radio)

	require.NoError(t, s.Connect("home", "pw"))
	waitFor(t, func() bool { return s.Status().State == LinkFailed })

	radio.mu.Lock()
	assert.Equal(t, connectTries, radio.attempts)
	radio.mu.Unlock()
}

func TestConnectValidatesSSID(t *testing.T) {
	s, _ := newTestSupervisor(t, &simRadio{})
	require.Error(t, s.Connect("", "pw"))
	require.Error(t, s.Connect("0123456789012345678901234567890123", "pw"))
}

func TestForgetRemovesCredentials(t *testing.T) {
	radio := &simRadio{}
	s, store := newTestSupervisor(t, radio)

	require.NoError(t, s.Connect("home", "pw"))
	waitFor(t, func() bool { return s.Status().State == LinkConnected })

	require.NoError(t, s.Forget())
	assert.Equal(t, "", store.GetString(kvKeySSID, ""))
	assert.False(t, s.Status().HasSavedCred)
	assert.Equal(t, LinkIdle, s.Status().State)
}

func TestReconnectFromSavedCredentials(t *testing.T) {
	radio := &simRadio{}
	s, _ := newTestSupervisor(t, radio)

	require.NoError(t, s.Connect("home", "pw"))
	waitFor(t, func() bool { return s.Status().State == LinkConnected })
	require.NoError(t, s.Disconnect())

	require.NoError(t, s.Reconnect())
	waitFor(t, func() bool { return s.Status().State == LinkConnected })
}

func TestReconnectWithoutCredentials(t *testing.T) {
	s, _ := newTestSupervisor(t, &simRadio{})
	require.Error(t, s.Reconnect())
}

func TestRSSISamplingAndLinkLoss(t *testing.T) {
	radio := &simRadio{rssi: -61}
	s, _ := newTestSupervisor(t, radio)

	require.NoError(t, s.Connect("home", "pw"))
	waitFor(t, func() bool { return s.Status().State == LinkConnected })

	now := time.Now()
	s.Tick(now.Add(rssiSampleInterval))
	assert.Equal(t, int8(-61), s.Status().RSSI)

	radio.mu.Lock()
	radio.rssiErr = errors.New("not associated")
	radio.mu.Unlock()
	s.Tick(now.Add(2 * rssiSampleInterval))
	assert.Equal(t, LinkDisconnected, s.Status().State)
}
