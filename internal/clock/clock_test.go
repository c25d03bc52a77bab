package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fakeNow(base time.Time) (func() time.Time, func(time.Duration)) {
	cur := base
	return func() time.Time { return cur },
		func(d time.Duration) { cur = cur.Add(d) }
}

func TestMonoAdvances(t *testing.T) {
	now, advance := fakeNow(time.Unix(1000, 0))
	c := NewAt(now)

	assert.Equal(t, uint64(0), c.NowMono())
	advance(1500 * time.Millisecond)
	assert.Equal(t, uint64(1500), c.NowMono())
	assert.Equal(t, uint64(1), c.Uptime())
}

func TestWallInvalidBeforeDiscipline(t *testing.T) {
	now, _ := fakeNow(time.UnixMilli(5_000_000))
	c := NewAt(now)

	ms, valid := c.NowWall()
	assert.False(t, valid)
	assert.Equal(t, uint64(5_000_000), ms, "host clock reported, untrusted")
	assert.False(t, c.Disciplined())
}

func TestDisciplineAnchorsWall(t *testing.T) {
	now, advance := fakeNow(time.UnixMilli(5_000_000))
	c := NewAt(now)

	c.Discipline(1_700_000_000_000)
	assert.True(t, c.Disciplined())

	ms, valid := c.NowWall()
	assert.True(t, valid)
	assert.Equal(t, uint64(1_700_000_000_000), ms)

	// Wall time tracks monotonic progress from the fix.
	advance(2500 * time.Millisecond)
	ms, _ = c.NowWall()
	assert.Equal(t, uint64(1_700_000_002_500), ms)
}

func TestRediscipline(t *testing.T) {
	now, advance := fakeNow(time.UnixMilli(5_000_000))
	c := NewAt(now)
	c.Discipline(1_700_000_000_000)
	advance(time.Second)

	// A later fix corrects drift.
	c.Discipline(1_700_000_009_000)
	ms, valid := c.NowWall()
	assert.True(t, valid)
	assert.Equal(t, uint64(1_700_000_009_000), ms)
}

func TestBucket(t *testing.T) {
	assert.Equal(t, uint64(1_700_000_040_000), Bucket(1_700_000_099_999, 60_000))
	assert.Equal(t, uint64(1_700_000_100_000), Bucket(1_700_000_100_000, 60_000))
	assert.Equal(t, uint64(123), Bucket(123, 0), "zero width passes through")
}
