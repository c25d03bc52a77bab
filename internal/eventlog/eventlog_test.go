package eventlog

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canaryd/internal/clock"
)

type fakeTime struct {
	cur time.Time
}

func (f *fakeTime) now() time.Time          { return f.cur }
func (f *fakeTime) advance(d time.Duration) { f.cur = f.cur.Add(d) }

func openTemp(t *testing.T, budget int64) (*Log, *fakeTime, string) {
	t.Helper()
	dir := t.TempDir()
	ft := &fakeTime{cur: time.UnixMilli(1_700_000_000_000)}
	clk := clock.NewAt(ft.now)
	clk.Discipline(1_700_000_000_000)

	l, err := Open(filepath.Join(dir, "events.log"), filepath.Join(dir, "events.ack"), budget, clk)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, ft, dir
}

func reopen(t *testing.T, dir string, budget int64) *Log {
	t.Helper()
	clk := clock.NewAt(time.Now)
	clk.Discipline(1_700_000_000_000)
	l, err := Open(filepath.Join(dir, "events.log"), filepath.Join(dir, "events.ack"), budget, clk)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndList(t *testing.T) {
	l, _, _ := openTemp(t, 1<<20)

	seq1, err := l.Append(LevelInfo, "system", "booted", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	seq2, err := l.Append(LevelWarning, "wifi", "link lost", "rssi floor")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq2)

	all := l.List(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "booted", all[0].Message)
	assert.Equal(t, uint8(LevelWarning), all[1].Level)

	warnUp := l.List(Filter{MinLevel: LevelWarning})
	require.Len(t, warnUp, 1)
	assert.Equal(t, "wifi", warnUp[0].Category)

	limited := l.List(Filter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(2), limited[0].Seq, "limit keeps the newest")
}

func TestAckIdempotent(t *testing.T) {
	l, _, _ := openTemp(t, 1<<20)
	seq, err := l.Append(LevelError, "mesh", "peer lost", "")
	require.NoError(t, err)

	require.NoError(t, l.Ack(seq, "seen it"))
	require.NoError(t, l.Ack(seq, "different reason"), "second ack is a no-op")

	got := l.List(Filter{})[0]
	assert.Equal(t, AckAcknowledged, got.Ack)
	assert.Equal(t, "seen it", got.AckReason, "first reason wins")

	assert.Error(t, l.Ack(999, ""), "unknown seq")
	assert.Equal(t, 0, l.UnackedCount())
}

func TestAckSurvivesReopen(t *testing.T) {
	l, _, dir := openTemp(t, 1<<20)
	seq, err := l.Append(LevelInfo, "system", "hello", "")
	require.NoError(t, err)
	require.NoError(t, l.Ack(seq, "ok"))
	require.NoError(t, l.Close())

	l2 := reopen(t, dir, 1<<20)
	got := l2.List(Filter{})[0]
	assert.Equal(t, AckAcknowledged, got.Ack)
	assert.Equal(t, "ok", got.AckReason)
}

func TestAckAllByLevel(t *testing.T) {
	l, _, _ := openTemp(t, 1<<20)
	l.Append(LevelInfo, "a", "info", "")
	l.Append(LevelWarning, "b", "warn", "")
	l.Append(LevelCritical, "c", "crit", "")

	n, err := l.AckAll(LevelWarning, "sweep")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, l.UnackedCount(), "info entry stays unacked")

	unacked := l.List(Filter{UnackedOnly: true})
	require.Len(t, unacked, 1)
	assert.Equal(t, "a", unacked[0].Category)
}

func TestBudgetEvictsOldestFirstAckedLast(t *testing.T) {
	// Budget fits roughly four entries of this shape.
	l, _, _ := openTemp(t, 200)

	seq1, err := l.Append(LevelInfo, "cat", "entry number one padding", "")
	require.NoError(t, err)
	require.NoError(t, l.Ack(seq1, "keep me"))

	for i := 0; i < 6; i++ {
		_, err := l.Append(LevelInfo, "cat", "entry with some padding to fill", "")
		require.NoError(t, err)
	}

	entries := l.List(Filter{})
	require.NotEmpty(t, entries)
	assert.Equal(t, seq1, entries[0].Seq, "acknowledged entry survives eviction of newer unacked ones")

	var total int
	for i := range entries {
		total += entrySize(&entries[i])
	}
	assert.LessOrEqual(t, int64(total), int64(200))
}

func TestAckAfterEvictionGap(t *testing.T) {
	l, _, _ := openTemp(t, 200)

	seq1, err := l.Append(LevelInfo, "cat", "entry number one padding", "")
	require.NoError(t, err)
	require.NoError(t, l.Ack(seq1, "keep me"))

	for i := 0; i < 6; i++ {
		_, err := l.Append(LevelInfo, "cat", "entry with some padding to fill", "")
		require.NoError(t, err)
	}

	// The acknowledged entry outlives newer unacked ones, so the slice is
	// no longer dense.
	entries := l.List(Filter{})
	require.Len(t, entries, 3)
	require.Equal(t, uint64(1), entries[0].Seq)
	require.Equal(t, uint64(6), entries[1].Seq)
	require.Equal(t, uint64(7), entries[2].Seq)

	// Acking across the gap must hit the addressed entry, not a neighbor.
	require.NoError(t, l.Ack(6, "mid"))
	entries = l.List(Filter{})
	assert.Equal(t, AckAcknowledged, entries[1].Ack)
	assert.Equal(t, "mid", entries[1].AckReason)
	assert.Equal(t, AckUnread, entries[2].Ack)
}

func TestReopenAfterEvictionGap(t *testing.T) {
	l, _, dir := openTemp(t, 200)

	seq1, err := l.Append(LevelInfo, "cat", "entry number one padding", "")
	require.NoError(t, err)
	require.NoError(t, l.Ack(seq1, "keep me"))

	for i := 0; i < 6; i++ {
		_, err := l.Append(LevelInfo, "cat", "entry with some padding to fill", "")
		require.NoError(t, err)
	}
	require.NoError(t, l.Ack(7, "newest"))
	require.NoError(t, l.Close())

	// Eviction rewrote the log with a gap between seq 1 and seq 6; the
	// gap is legitimate and must not block reopening.
	l2 := reopen(t, dir, 200)
	entries := l2.List(Filter{})
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, AckAcknowledged, entries[0].Ack)
	assert.Equal(t, "keep me", entries[0].AckReason)
	assert.Equal(t, uint64(6), entries[1].Seq)
	assert.Equal(t, AckUnread, entries[1].Ack)
	assert.Equal(t, "newest", entries[2].AckReason)

	// Sequence numbering resumes past the gap.
	seq, err := l2.Append(LevelInfo, "cat", "post", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq)
}

func TestRotateByAge(t *testing.T) {
	l, ft, _ := openTemp(t, 1<<20)
	l.Append(LevelInfo, "old", "ancient", "")

	ft.advance(72 * time.Hour)
	l.Append(LevelInfo, "new", "recent", "")

	deleted, err := l.Rotate(2)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	rest := l.List(Filter{})
	require.Len(t, rest, 1)
	assert.Equal(t, "new", rest[0].Category)

	_, err = l.Rotate(0)
	assert.Error(t, err)
}

func TestFieldLimits(t *testing.T) {
	l, _, _ := openTemp(t, 1<<20)

	_, err := l.Append(LevelInfo, strings.Repeat("c", MaxCategory+1), "m", "")
	assert.Error(t, err)
	_, err = l.Append(LevelInfo, "c", strings.Repeat("m", MaxMessage+1), "")
	assert.Error(t, err)

	seq, err := l.Append(LevelInfo, "c", "m", "")
	require.NoError(t, err)
	assert.Error(t, l.Ack(seq, strings.Repeat("r", MaxReason+1)))
}

func TestEntriesSurviveReopen(t *testing.T) {
	l, _, dir := openTemp(t, 1<<20)
	l.Append(LevelInfo, "one", "first", "detail here")
	l.Append(LevelError, "two", "second", "")
	require.NoError(t, l.Close())

	l2 := reopen(t, dir, 1<<20)
	entries := l2.List(Filter{})
	require.Len(t, entries, 2)
	assert.Equal(t, "detail here", entries[0].Detail)
	assert.Equal(t, uint64(2), entries[1].Seq)

	// Sequence numbering continues.
	seq, err := l2.Append(LevelInfo, "three", "third", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}
