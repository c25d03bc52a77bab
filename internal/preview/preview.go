// Package preview serves live camera frames to at most one subscriber.
// Frames move straight from the camera to the client and are never
// persisted.
package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"canaryd/internal/errcode"
	"canaryd/internal/logging"
)

// Resolution is an enumerated camera capability.
type Resolution string

const (
	Res320x240  Resolution = "320x240"
	Res640x480  Resolution = "640x480"
	Res800x600  Resolution = "800x600"
	Res1024x768 Resolution = "1024x768"
)

// Resolutions lists the supported capabilities in ascending order.
func Resolutions() []Resolution {
	return []Resolution{Res320x240, Res640x480, Res800x600, Res1024x768}
}

func validResolution(r Resolution) bool {
	switch r {
	case Res320x240, Res640x480, Res800x600, Res1024x768:
		return true
	}
	return false
}

const (
	// idleTimeout tears a subscription down when the client stops
	// accepting frames.
	idleTimeout = 10 * time.Second

	defaultFrameInterval = 100 * time.Millisecond
)

var ErrSlotBusy = errors.New("preview: stream slot in use")

// Camera produces JPEG frames. Capture may block briefly; the engine calls
// it from the pump goroutine only.
type Camera interface {
	Capture() ([]byte, error)
	SetResolution(r Resolution) error
	Ready() bool
}

// Status is the snapshot for GET /api/peek/status.
type Status struct {
	Active      bool       `json:"active"`
	Resolution  Resolution `json:"resolution"`
	FramesSent  uint64     `json:"frames_sent"`
	CameraReady bool       `json:"camera_ready"`
}

// Subscription is the sole live stream. Read frames from C; the channel
// closes when the stream ends.
type Subscription struct {
	C      <-chan []byte
	cancel context.CancelFunc
}

// Close releases the slot.
func (s *Subscription) Close() { s.cancel() }

// Engine owns the single stream slot.
type Engine struct {
	mu sync.Mutex

	cam Camera
	log *logging.Logger

	resolution    Resolution
	pendingRes    Resolution
	frameInterval time.Duration

	active     bool
	cancel     context.CancelFunc
	framesSent uint64
}

// Config wires the engine.
type Config struct {
	Camera        Camera
	Logger        *logging.Logger
	Resolution    Resolution
	FrameInterval time.Duration
}

// New builds an idle engine.
func New(cfg Config) *Engine {
	res := cfg.Resolution
	if !validResolution(res) {
		res = Res640x480
	}
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	return &Engine{
		cam:           cfg.Camera,
		log:           cfg.Logger.WithComponent("preview"),
		resolution:    res,
		frameInterval: interval,
	}
}

// Status snapshots the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Active:      e.active,
		Resolution:  e.resolution,
		FramesSent:  e.framesSent,
		CameraReady: e.cam.Ready(),
	}
}

// Snapshot captures one frame outside the stream slot.
func (e *Engine) Snapshot() ([]byte, error) {
	if !e.cam.Ready() {
		return nil, errcode.New(errcode.CodeRadioFailure, "camera not ready")
	}
	frame, err := e.cam.Capture()
	if err != nil {
		return nil, errcode.Wrap(err, errcode.CodeInternal, "capture")
	}
	return frame, nil
}

// SetResolution validates the capability; the change applies at the next
// frame boundary of a running stream, or immediately when idle.
func (e *Engine) SetResolution(r Resolution) error {
	if !validResolution(r) {
		return errcode.Newf(errcode.CodeBadRequest, "unsupported resolution %q", r)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		if err := e.cam.SetResolution(r); err != nil {
			return errcode.Wrap(err, errcode.CodeInternal, "set resolution")
		}
		e.resolution = r
		return nil
	}
	e.pendingRes = r
	return nil
}

// Subscribe claims the stream slot. A second subscriber gets Busy until
// the first closes or goes idle.
func (e *Engine) Subscribe() (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return nil, errcode.Wrap(ErrSlotBusy, errcode.CodeBusy, "preview stream in use")
	}
	if !e.cam.Ready() {
		return nil, errcode.New(errcode.CodeRadioFailure, "camera not ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan []byte, 1)
	e.active = true
	e.cancel = cancel
	e.framesSent = 0

	go e.pump(ctx, cancel, frames)

	e.log.Info("preview stream opened", "resolution", e.resolution)
	return &Subscription{C: frames, cancel: cancel}, nil
}

// Stop tears down the current stream, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pump captures frames at the configured cadence and hands them to the
// subscriber, enforcing the idle teardown.
func (e *Engine) pump(ctx context.Context, cancel context.CancelFunc, frames chan<- []byte) {
	defer func() {
		e.mu.Lock()
		e.active = false
		e.cancel = nil
		e.mu.Unlock()
		close(frames)
		e.log.Info("preview stream closed")
	}()

	ticker := time.NewTicker(e.frameInterval)
	defer ticker.Stop()
	lastAccepted := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if e.pendingRes != "" {
			if err := e.cam.SetResolution(e.pendingRes); err == nil {
				e.resolution = e.pendingRes
			}
			e.pendingRes = ""
		}
		e.mu.Unlock()

		frame, err := e.cam.Capture()
		if err != nil {
			e.log.Warn("capture failed, closing stream", "error", err)
			cancel()
			return
		}

		select {
		case frames <- frame:
			lastAccepted = time.Now()
			e.mu.Lock()
			e.framesSent++
			e.mu.Unlock()
		default:
			if time.Since(lastAccepted) >= idleTimeout {
				e.log.Info("preview subscriber idle, tearing down")
				cancel()
				return
			}
		}
	}
}
