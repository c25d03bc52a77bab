package walog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendAndScan(t *testing.T) {
	l, _ := openTemp(t)

	bodies := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, b := range bodies {
		require.NoError(t, l.Append(b))
	}
	assert.Equal(t, uint64(3), l.Count())

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, b := range bodies {
		assert.Equal(t, b, got[i])
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	l, path := openTemp(t)
	require.NoError(t, l.Append([]byte("persisted")))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, uint64(1), l2.Count())
	got, err := l2.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got[0])
}

func TestTornTailTruncated(t *testing.T) {
	l, path := openTemp(t)
	require.NoError(t, l.Append([]byte("intact")))
	require.NoError(t, l.Append([]byte("doomed")))
	size := l.Size()
	require.NoError(t, l.Close())

	// Chop the last record mid-body, as a power loss would.
	require.NoError(t, os.Truncate(path, size-3))

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, uint64(1), l2.Count(), "torn tail dropped, intact record kept")

	// Appends resume cleanly after recovery.
	require.NoError(t, l2.Append([]byte("after")))
	got, err := l2.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("intact"), got[0])
	assert.Equal(t, []byte("after"), got[1])
}

func TestCorruptBodyTruncated(t *testing.T) {
	l, path := openTemp(t)
	require.NoError(t, l.Append([]byte("good")))
	mark := l.Size()
	require.NoError(t, l.Append([]byte("flipped")))
	require.NoError(t, l.Close())

	// Flip one payload byte of the second record; its CRC no longer matches.
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, mark+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(1), l2.Count())
}

func TestInvalidMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.log")
	require.NoError(t, os.WriteFile(path, []byte("NOPE\x00\x00\x00\x01"), 0600))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestAppendBounds(t *testing.T) {
	l, _ := openTemp(t)

	assert.ErrorIs(t, l.Append(nil), ErrRecordTooLarge)
	assert.ErrorIs(t, l.Append(bytes.Repeat([]byte{1}, MaxRecordSize+1)), ErrRecordTooLarge)
	assert.NoError(t, l.Append(bytes.Repeat([]byte{1}, MaxRecordSize)))
}

func TestRewrite(t *testing.T) {
	l, path := openTemp(t)
	for _, b := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		require.NoError(t, l.Append(b))
	}

	require.NoError(t, l.Rewrite([][]byte{[]byte("b"), []byte("c")}))
	assert.Equal(t, uint64(2), l.Count())

	// Survives reopen.
	require.NoError(t, l.Close())
	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	got, err := l2.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("b"), got[0])

	// And the rewritten log accepts appends.
	require.NoError(t, l2.Append([]byte("d")))
	assert.Equal(t, uint64(3), l2.Count())
}

func TestMissingDirCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Append([]byte("x")))
}

func TestClosedLog(t *testing.T) {
	l, _ := openTemp(t)
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Append([]byte("x")), ErrClosed)
	assert.ErrorIs(t, l.Scan(func(uint64, []byte) error { return nil }), ErrClosed)
	assert.NoError(t, l.Close(), "double close is harmless")
}
