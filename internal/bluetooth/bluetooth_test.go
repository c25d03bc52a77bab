package bluetooth

import (
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

type simController struct {
	mu          sync.Mutex
	advertising bool
	disconnects int
}

func (c *simController) StartAdvertising(name string, txPower int8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advertising = true
	return nil
}

func (c *simController) StopAdvertising() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advertising = false
	return nil
}

func (c *simController) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *simController, *kv.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := kv.Open(filepath.Join(dir, "config.kv"), nil)
	require.NoError(t, err)

	clk := clock.New()
	events, err := eventlog.Open(
		filepath.Join(dir, "events.log"),
		filepath.Join(dir, "events.ack"),
		64*1024, clk)
	require.NoError(t, err)

	ctrl := &simController{}
	e, err := New(Config{
		Controller: ctrl,
		Store:      store,
		Events:     events,
		Clock:      clk,
		Logger:     logging.Default(),
	})
	require.NoError(t, err)
	return e, ctrl, store
}

func TestEnableDisable(t *testing.T) {
	e, _, _ := newTestEngine(t)

	assert.Equal(t, StateDisabled, e.Status().State)
	require.NoError(t, e.Enable())
	assert.Equal(t, StateIdle, e.Status().State)

	require.NoError(t, e.Disable())
	assert.Equal(t, StateDisabled, e.Status().State)
}

func TestAdvertisingLifecycle(t *testing.T) {
	e, ctrl, _ := newTestEngine(t)

	require.Error(t, e.StartAdvertising(), "disabled engine refuses")

	require.NoError(t, e.Enable())
	require.NoError(t, e.StartAdvertising())
	assert.Equal(t, StateAdvertising, e.Status().State)
	assert.True(t, ctrl.advertising)

	require.NoError(t, e.StopAdvertising())
	assert.Equal(t, StateIdle, e.Status().State)
	assert.False(t, ctrl.advertising)
}

func TestPairingWindowWithPIN(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Enable())

	pin, err := e.StartPairing()
	require.NoError(t, err)
	require.Len(t, pin, 6)

	st := e.Status()
	assert.Equal(t, StatePairing, st.State)
	assert.Equal(t, pin, st.PairingPIN)

	// A second window while one is open is Busy.
	_, err = e.StartPairing()
	require.Error(t, err)

	require.NoError(t, e.HandlePaired("aa:bb:cc:dd:ee:ff", "operator-phone"))
	paired := e.Paired()
	require.Len(t, paired, 1)
	assert.Equal(t, "operator-phone", paired[0].Name)
	assert.True(t, paired[0].Trusted)
	assert.Equal(t, StateAdvertising, e.Status().State)
}

func TestPairingWindowExpires(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Enable())

	_, err := e.StartPairing()
	require.NoError(t, err)

	e.Tick(time.Now().Add(pairingWindow + time.Second))
	assert.Equal(t, StateAdvertising, e.Status().State)

	// Late completion is rejected.
	require.Error(t, e.HandlePaired("aa:bb:cc:dd:ee:ff", "late"))
}

func TestPairedRegistryPersists(t *testing.T) {
	e, _, store := newTestEngine(t)
	require.NoError(t, e.Enable())

	_, err := e.StartPairing()
	require.NoError(t, err)
	require.NoError(t, e.HandlePaired("aa:bb:cc:dd:ee:ff", "phone"))

	// A fresh engine over the same store sees the device.
	clk := clock.New()
	events := e.events
	e2, err := New(Config{
		Controller: &simController{},
		Store:      store,
		Events:     events,
		Clock:      clk,
		Logger:     logging.Default(),
	})
	require.NoError(t, err)
	require.Len(t, e2.Paired(), 1)
	assert.Equal(t, "phone", e2.Paired()[0].Name)
}

func TestRemovePaired(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Enable())
	_, err := e.StartPairing()
	require.NoError(t, err)
	require.NoError(t, e.HandlePaired("aa:bb:cc:dd:ee:ff", "phone"))

	require.NoError(t, e.RemovePaired("aa:bb:cc:dd:ee:ff"))
	assert.Empty(t, e.Paired())

	require.Error(t, e.RemovePaired("aa:bb:cc:dd:ee:ff"))
}

func TestConnectionBookkeeping(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Enable())
	_, err := e.StartPairing()
	require.NoError(t, err)
	require.NoError(t, e.HandlePaired("aa:bb:cc:dd:ee:ff", "phone"))

	e.HandleConnected("aa:bb:cc:dd:ee:ff")
	assert.Equal(t, StateConnected, e.Status().State)
	assert.Equal(t, uint32(1), e.Paired()[0].ConnectionCount)

	e.HandleDisconnected()
	assert.Equal(t, StateIdle, e.Status().State)
}

func TestSettingsRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)

	s := e.Settings()
	s.DeviceName = "porch-canary"
	s.AutoAdvertise = true
	require.NoError(t, e.SetSettings(s))
	assert.Equal(t, "porch-canary", e.Settings().DeviceName)

	s.DeviceName = ""
	require.Error(t, e.SetSettings(s))

	// Auto-advertise starts broadcasting on enable.
	require.NoError(t, e.Enable())
	assert.Equal(t, StateAdvertising, e.Status().State)
}

func TestPairingRequiresAllowPairing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	s := e.Settings()
	s.AllowPairing = false
	require.NoError(t, e.SetSettings(s))
	require.NoError(t, e.Enable())

	_, err := e.StartPairing()
	require.Error(t, err)
}
