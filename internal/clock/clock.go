// Package clock provides the two timelines canaryd runs on: a monotonic
// millisecond counter since boot, and a wall clock that is only trusted
// once it has been disciplined by a GPS fix.
//
// Witness records use bucketed wall time so that the ledger does not leak
// precise activity timings; see Bucket.
package clock

import (
	"sync"
	"time"
)

// Clock tracks monotonic uptime and GPS-disciplined wall time.
type Clock struct {
	mu          sync.RWMutex
	boot        time.Time
	offset      time.Duration // wall = mono + offset, valid when disciplined
	disciplined bool

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Clock anchored at the current instant.
func New() *Clock {
	return NewAt(time.Now)
}

// NewAt creates a Clock with an injectable time source.
func NewAt(now func() time.Time) *Clock {
	return &Clock{boot: now(), now: now}
}

// NowMono returns milliseconds since boot.
func (c *Clock) NowMono() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(c.now().Sub(c.boot) / time.Millisecond)
}

// Uptime returns seconds since boot.
func (c *Clock) Uptime() uint64 {
	return c.NowMono() / 1000
}

// NowWall returns wall-clock unix milliseconds and whether the value is
// GPS-disciplined. Before discipline the host clock is reported with
// valid=false; callers that require trusted time must check the flag.
func (c *Clock) NowWall() (unixMs uint64, valid bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.disciplined {
		return uint64(c.now().UnixMilli()), false
	}
	return uint64(c.boot.Add(c.now().Sub(c.boot) + c.offset).UnixMilli()), true
}

// Discipline anchors the wall clock to a GPS-provided unix millisecond
// reading taken at this instant.
func (c *Clock) Discipline(unixMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hostNow := c.now()
	gpsNow := time.UnixMilli(int64(unixMs))
	c.offset = gpsNow.Sub(hostNow)
	c.disciplined = true
}

// Disciplined reports whether a GPS fix has anchored the wall clock.
func (c *Clock) Disciplined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disciplined
}

// Bucket floors a wall-clock millisecond reading to the given bucket width.
// A width of zero returns the input unchanged.
func Bucket(wallMs, widthMs uint64) uint64 {
	if widthMs == 0 {
		return wallMs
	}
	return wallMs - wallMs%widthMs
}
