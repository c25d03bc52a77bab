package preview

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canaryd/internal/errcode"
	"canaryd/internal/logging"
)

// simCamera produces numbered fake JPEG frames.
type simCamera struct {
	mu         sync.Mutex
	ready      bool
	captureErr error
	resolution Resolution
	frames     int
}

func (c *simCamera) Capture() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captureErr != nil {
		return nil, c.captureErr
	}
	c.frames++
	return []byte{0xFF, 0xD8, byte(c.frames), 0xFF, 0xD9}, nil
}

func (c *simCamera) SetResolution(r Resolution) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolution = r
	return nil
}

func (c *simCamera) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func newTestEngine(cam *simCamera) *Engine {
	return New(Config{
		Camera:        cam,
		Logger:        logging.Default(),
		FrameInterval: 5 * time.Millisecond,
	})
}

func TestSingleSlot(t *testing.T) {
	cam := &simCamera{ready: true}
	e := newTestEngine(cam)

	x, err := e.Subscribe()
	require.NoError(t, err)
	defer x.Close()

	// Second subscriber is refused with Busy.
	_, err = e.Subscribe()
	require.Error(t, err)
	assert.Equal(t, errcode.CodeBusy, errcode.CodeOf(err))
	assert.ErrorIs(t, err, ErrSlotBusy)

	// First client disconnects; a retry claims the slot.
	x.Close()
	waitFor(t, func() bool { return !e.Status().Active })

	y, err := e.Subscribe()
	require.NoError(t, err)
	y.Close()
}

func TestFramesFlow(t *testing.T) {
	cam := &simCamera{ready: true}
	e := newTestEngine(cam)

	sub, err := e.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		select {
		case frame, ok := <-sub.C:
			require.True(t, ok)
			assert.Equal(t, byte(0xFF), frame[0])
			assert.Equal(t, byte(0xD9), frame[len(frame)-1])
		case <-time.After(time.Second):
			t.Fatal("no frame within a second")
		}
	}
	assert.GreaterOrEqual(t, e.Status().FramesSent, uint64(3))
}

func TestChannelClosesOnStop(t *testing.T) {
	cam := &simCamera{ready: true}
	e := newTestEngine(cam)

	sub, err := e.Subscribe()
	require.NoError(t, err)

	e.Stop()
	waitFor(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	})
	assert.False(t, e.Status().Active)
}

func TestCaptureFailureTearsDown(t *testing.T) {
	cam := &simCamera{ready: true}
	e := newTestEngine(cam)

	sub, err := e.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	cam.mu.Lock()
	cam.captureErr = errors.New("sensor fault")
	cam.mu.Unlock()

	waitFor(t, func() bool { return !e.Status().Active })
}

func TestCameraNotReady(t *testing.T) {
	cam := &simCamera{ready: false}
	e := newTestEngine(cam)

	_, err := e.Subscribe()
	require.Error(t, err)

	_, err = e.Snapshot()
	require.Error(t, err)
}

func TestSnapshotOutsideSlot(t *testing.T) {
	cam := &simCamera{ready: true}
	e := newTestEngine(cam)

	sub, err := e.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	frame, err := e.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, frame)
}

func TestResolutionValidationAndPending(t *testing.T) {
	cam := &simCamera{ready: true}
	e := newTestEngine(cam)

	require.Error(t, e.SetResolution("1920x1080"))

	// Idle: applies immediately.
	require.NoError(t, e.SetResolution(Res320x240))
	assert.Equal(t, Res320x240, e.Status().Resolution)

	// Streaming: applies at a frame boundary.
	sub, err := e.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, e.SetResolution(Res800x600))
	waitFor(t, func() bool { return e.Status().Resolution == Res800x600 })
	cam.mu.Lock()
	assert.Equal(t, Res800x600, cam.resolution)
	cam.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
