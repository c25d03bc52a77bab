// Package rfpresence turns short-range radio observations into a coarse
// occupancy signal without persisting any device identifier.
//
// Every observed identifier is reduced to a BLAKE3 hash keyed with a
// session salt and kept only for the deduplication window; the salt is
// redrawn on session rotation, so hashes are meaningless across sessions.
// Aggregate counts drive a four-state machine with hysteresis.
package rfpresence

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// State is the occupancy state.
type State string

const (
	StateIdle     State = "idle"
	StateAbsent   State = "absent"
	StatePresent  State = "present"
	StateDwelling State = "dwelling"
)

// DwellClass buckets how long presence has been continuous.
type DwellClass string

const (
	DwellNone      DwellClass = "none"
	DwellTransient DwellClass = "transient"
	DwellBrief     DwellClass = "brief"
	DwellSustained DwellClass = "sustained"
	DwellExtended  DwellClass = "extended"
)

// Settings bounds, from the appliance defaults.
const (
	MinPresenceThreshold = 1 * time.Second
	MaxPresenceThreshold = 5 * time.Minute
	MinDwellThreshold    = 5 * time.Second
	MaxDwellThreshold    = 10 * time.Minute
	MinLostTimeout       = 5 * time.Second
	MaxLostTimeout       = 5 * time.Minute
	MinPresenceCount     = 1
	MaxPresenceCount     = 50

	// observationTTL is the in-window dedup horizon.
	observationTTL = 60 * time.Second

	// maxSessionAge forces a salt rotation.
	maxSessionAge = 4 * time.Hour
)

// ErrInvalidSettings rejects out-of-bounds threshold updates.
var ErrInvalidSettings = errors.New("rfpresence: settings out of bounds")

// Settings are the operator-tunable thresholds.
type Settings struct {
	PresenceThreshold time.Duration `json:"presence_threshold_sec"`
	DwellThreshold    time.Duration `json:"dwell_threshold_sec"`
	LostTimeout       time.Duration `json:"lost_timeout_sec"`
	MinCount          int           `json:"min_presence_count"`
	ImpulseEvents     bool          `json:"impulse_events"`
}

// DefaultSettings mirror the firmware defaults.
func DefaultSettings() Settings {
	return Settings{
		PresenceThreshold: 10 * time.Second,
		DwellThreshold:    60 * time.Second,
		LostTimeout:       30 * time.Second,
		MinCount:          1,
		ImpulseEvents:     true,
	}
}

// Validate checks the settings bounds.
func (s Settings) Validate() error {
	if s.PresenceThreshold < MinPresenceThreshold || s.PresenceThreshold > MaxPresenceThreshold {
		return ErrInvalidSettings
	}
	if s.DwellThreshold < MinDwellThreshold || s.DwellThreshold > MaxDwellThreshold {
		return ErrInvalidSettings
	}
	if s.LostTimeout < MinLostTimeout || s.LostTimeout > MaxLostTimeout {
		return ErrInvalidSettings
	}
	if s.MinCount < MinPresenceCount || s.MinCount > MaxPresenceCount {
		return ErrInvalidSettings
	}
	return nil
}

// Snapshot is the state reported to the dashboard. It carries no
// per-device information.
type Snapshot struct {
	Enabled     bool       `json:"enabled"`
	State       State      `json:"state"`
	Confidence  int        `json:"confidence"`
	DeviceCount int        `json:"device_count"`
	DwellClass  DwellClass `json:"dwell_class"`
}

// Transition describes a state change for impulse events.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// TransitionFunc receives impulse events when enabled in settings.
type TransitionFunc func(t Transition)

// Engine is the RF presence state machine.
type Engine struct {
	mu sync.Mutex

	enabled  bool
	settings Settings
	onChange TransitionFunc

	salt        [32]byte
	sessionFrom time.Time

	// observed maps salted hash → last seen. Entries expire after
	// observationTTL; nothing else about an observation is retained.
	observed map[[16]byte]time.Time

	state        State
	presenceFrom time.Time // first nonzero-count instant in idle/absent
	dwellFrom    time.Time // instant present was confirmed
	lastSeen     time.Time // most recent observation
	absentFrom   time.Time

	// sample density over the presence window drives confidence
	samples    int
	maxSamples int
}

// New creates a disabled engine with default settings.
func New(onChange TransitionFunc) *Engine {
	e := &Engine{
		settings: DefaultSettings(),
		onChange: onChange,
		observed: make(map[[16]byte]time.Time),
		state:    StateIdle,
	}
	e.redrawSalt(time.Time{})
	return e
}

func (e *Engine) redrawSalt(now time.Time) {
	rand.Read(e.salt[:])
	e.sessionFrom = now
	e.observed = make(map[[16]byte]time.Time)
	e.samples = 0
}

// Enable starts observing.
func (e *Engine) Enable(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return
	}
	e.enabled = true
	e.redrawSalt(now)
	e.state = StateIdle
}

// Disable stops observing and discards all observation state.
func (e *Engine) Disable(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.enabled = false
	e.redrawSalt(now)
	e.state = StateIdle
	e.presenceFrom = time.Time{}
	e.dwellFrom = time.Time{}
	e.lastSeen = time.Time{}
}

// Enabled reports whether the engine is observing.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// RotateSession discards the salt, redraws it, and zeroes the current
// count. The occupancy state machine is unaffected beyond the count reset.
func (e *Engine) RotateSession(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redrawSalt(now)
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetSettings applies validated settings.
func (e *Engine) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	return nil
}

// Observe records a radio sighting. The identifier is hashed under the
// session salt immediately; the raw bytes are never stored.
func (e *Engine) Observe(identifier []byte, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}

	h := blake3.New()
	h.Write(e.salt[:])
	h.Write(identifier)
	var key [16]byte
	copy(key[:], h.Sum(nil))

	e.observed[key] = now
	e.lastSeen = now
	e.samples++
}

// deviceCountLocked counts distinct hashes inside the dedup window and
// drops expired ones.
func (e *Engine) deviceCountLocked(now time.Time) int {
	count := 0
	for k, seen := range e.observed {
		if now.Sub(seen) > observationTTL {
			delete(e.observed, k)
			continue
		}
		count++
	}
	return count
}

// Tick advances the state machine. Call it once per sampling interval.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}

	if !e.sessionFrom.IsZero() && now.Sub(e.sessionFrom) > maxSessionAge {
		e.redrawSalt(now)
	}

	count := e.deviceCountLocked(now)
	occupied := count >= e.settings.MinCount

	prev := e.state
	switch e.state {
	case StateIdle, StateAbsent:
		if occupied {
			if e.presenceFrom.IsZero() {
				e.presenceFrom = now
			}
			if now.Sub(e.presenceFrom) >= e.settings.PresenceThreshold {
				e.state = StatePresent
				e.dwellFrom = now
			}
		} else {
			e.presenceFrom = time.Time{}
			if e.state == StateAbsent {
				// One full absence cycle returns to idle.
				if !e.absentFrom.IsZero() && now.Sub(e.absentFrom) >= e.settings.LostTimeout {
					e.state = StateIdle
				}
			}
		}

	case StatePresent, StateDwelling:
		if occupied && e.state == StatePresent && now.Sub(e.dwellFrom) >= e.settings.DwellThreshold {
			e.state = StateDwelling
		}
		// Departure is anchored to the last sighting, not to the dedup
		// window draining the count to zero. Stale hashes still inside
		// the window are dropped so they cannot re-trigger presence.
		if !e.lastSeen.IsZero() && now.Sub(e.lastSeen) >= e.settings.LostTimeout {
			e.state = StateAbsent
			e.absentFrom = now
			e.presenceFrom = time.Time{}
			e.dwellFrom = time.Time{}
			e.lastSeen = time.Time{}
			e.observed = make(map[[16]byte]time.Time)
		}
	}

	if e.state != prev {
		e.samples = 0
		if e.settings.ImpulseEvents && e.onChange != nil {
			// Fire outside the lock to avoid re-entrancy into the
			// event log through us.
			t := Transition{From: prev, To: e.state, At: now}
			cb := e.onChange
			go cb(t)
		}
	}
}

// Snapshot returns the current occupancy state.
func (e *Engine) Snapshot(now time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	if e.enabled {
		count = e.deviceCountLocked(now)
	}

	return Snapshot{
		Enabled:     e.enabled,
		State:       e.state,
		Confidence:  e.confidenceLocked(now),
		DeviceCount: count,
		DwellClass:  e.dwellClassLocked(now),
	}
}

// confidenceLocked derives 0..100 from sample density over the presence
// threshold window. One sample per second of window is full confidence.
func (e *Engine) confidenceLocked(now time.Time) int {
	if !e.enabled || e.state == StateIdle {
		return 0
	}
	window := int(e.settings.PresenceThreshold / time.Second)
	if window <= 0 {
		window = 1
	}
	c := e.samples * 100 / window
	if c > 100 {
		c = 100
	}
	return c
}

func (e *Engine) dwellClassLocked(now time.Time) DwellClass {
	if e.state != StatePresent && e.state != StateDwelling {
		return DwellNone
	}
	if e.dwellFrom.IsZero() {
		return DwellNone
	}
	d := now.Sub(e.dwellFrom)
	switch {
	case d < time.Minute:
		return DwellTransient
	case d < 5*time.Minute:
		return DwellBrief
	case d < 30*time.Minute:
		return DwellSustained
	default:
		return DwellExtended
	}
}
