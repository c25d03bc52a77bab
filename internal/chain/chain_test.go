package chain

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canaryd/internal/clock"
	"canaryd/internal/errcode"
	"canaryd/internal/identity"
	"canaryd/internal/walog"
)

const testFirmware = "3.1.0"

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.FromSeed(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return id
}

func testClock() *clock.Clock {
	base := time.Now()
	clk := clock.NewAt(func() time.Time { return base })
	clk.Discipline(1700000000000)
	return clk
}

func openChain(t *testing.T, path string) (*Engine, *walog.Log) {
	t.Helper()
	wlog, err := walog.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { wlog.Close() })

	e, err := Open(wlog, testIdentity(t), testClock(), 60000, testFirmware)
	require.NoError(t, err)
	return e, wlog
}

func TestAppendDenseSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)

	for i := 1; i <= 5; i++ {
		seq, err := e.Append(TypeHeartbeat, []byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(5), e.Count())

	records, err := e.Get(1, 5)
	require.NoError(t, err)
	require.Len(t, records, 5)

	var zero [HashSize]byte
	assert.Equal(t, zero, records[0].PrevHash, "genesis links to the zero hash")
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].Hash, records[i].PrevHash)
	}
	require.NoError(t, e.VerifyTail(5))
}

func TestReopenVerifiesAndResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, wlog := openChain(t, path)
	_, err := e.Append(TypeBoot, nil)
	require.NoError(t, err)
	tipSeq, tipHash := e.Tip()
	require.NoError(t, wlog.Close())

	e2, _ := openChain(t, path)
	assert.True(t, e2.Healthy())
	gotSeq, gotHash := e2.Tip()
	assert.Equal(t, tipSeq, gotSeq)
	assert.Equal(t, tipHash, gotHash)

	seq, err := e2.Append(TypeHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, tipSeq+1, seq)
}

func TestTamperLatchesReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, wlog := openChain(t, path)
	for i := 0; i < 3; i++ {
		_, err := e.Append(TypeHeartbeat, []byte("tick"))
		require.NoError(t, err)
	}
	require.NoError(t, wlog.Close())

	// Flip a payload byte of the first record, then recompute the record's
	// framing CRC so only the chain-level checks can catch it.
	tamperPayloadByte(t, path)

	wlog2, err := walog.Open(path)
	require.NoError(t, err)
	defer wlog2.Close()
	e2, err := Open(wlog2, testIdentity(t), testClock(), 60000, testFirmware)
	require.NoError(t, err, "a broken chain still opens readable")

	assert.False(t, e2.Healthy())
	assert.Error(t, e2.VerifyError())

	_, err = e2.Append(TypeHeartbeat, nil)
	require.Error(t, err)
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.CodeChainBroken, ec.Code)

	// Read paths keep working.
	records, err := e2.Get(2, 3)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// tamperPayloadByte flips one byte inside the first record's payload and
// fixes up the walog CRC so the framing layer accepts the record.
func tamperPayloadByte(t *testing.T, path string) {
	t.Helper()
	wlog, err := walog.Open(path)
	require.NoError(t, err)
	bodies, err := wlog.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, bodies)
	require.NoError(t, wlog.Close())

	// Payload starts after seq(8)+bucket(8)+type(2)+plen(2).
	bodies[0][20] ^= 0xFF

	wlog, err = walog.Open(path)
	require.NoError(t, err)
	require.NoError(t, wlog.Rewrite(bodies))
	require.NoError(t, wlog.Close())
}

func TestAppendPayloadBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)

	_, err := e.Append(TypeHeartbeat, bytes.Repeat([]byte{1}, MaxPayload+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = e.Append(TypeHeartbeat, bytes.Repeat([]byte{1}, MaxPayload))
	require.NoError(t, err)
}

func TestRecentBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)

	for i := 0; i < recentKeep+10; i++ {
		_, err := e.Append(TypeHeartbeat, nil)
		require.NoError(t, err)
	}

	recent := e.Recent(recentKeep + 10)
	require.Len(t, recent, recentKeep)
	assert.Equal(t, uint64(recentKeep+10), recent[len(recent)-1].Seq, "newest last")

	last3 := e.Recent(3)
	require.Len(t, last3, 3)
	assert.Equal(t, uint64(recentKeep+8), last3[0].Seq)
}

func TestGetBadRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)

	_, err := e.Get(0, 1)
	assert.True(t, errors.Is(err, ErrBadRange))
	_, err = e.Get(5, 2)
	assert.True(t, errors.Is(err, ErrBadRange))
}

func TestExportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)
	id := testIdentity(t)

	for i := 0; i < 4; i++ {
		_, err := e.Append(TypeHeartbeat, []byte("hb"))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, e.ExportRange(&buf, 1, 4))

	records, manifest, err := ReadExport(&buf, id.PublicKey())
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, uint64(4), manifest.TipSeq)
	assert.Equal(t, id.FingerprintHex(), manifest.DeviceFP)
	assert.Equal(t, testFirmware, manifest.FirmwareVersion)

	var zero [HashSize]byte
	require.NoError(t, VerifyRecords(id.PublicKey(), records, zero))
}

func TestExportRejectsWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)
	_, err := e.Append(TypeBoot, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.ExportRange(&buf, 1, 1))

	other, err := identity.FromSeed(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	_, _, err = ReadExport(&buf, other.PublicKey())
	assert.ErrorIs(t, err, ErrExportManifest)
}

func TestExportRejectsBadMagic(t *testing.T) {
	id := testIdentity(t)
	_, _, err := ReadExport(bytes.NewReader([]byte("JUNKJUNKJUNK")), id.PublicKey())
	assert.ErrorIs(t, err, ErrExportMagic)
}

func TestRangedExportVerifiesFromBackPointer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, _ := openChain(t, path)
	id := testIdentity(t)

	for i := 0; i < 5; i++ {
		_, err := e.Append(TypeHeartbeat, nil)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, e.ExportRange(&buf, 3, 5))

	records, _, err := ReadExport(&buf, id.PublicKey())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(3), records[0].Seq)
	require.NoError(t, VerifyRecords(id.PublicKey(), records, records[0].PrevHash))
}

func TestStorageFailureLeavesTipUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	e, wlog := openChain(t, path)
	_, err := e.Append(TypeBoot, nil)
	require.NoError(t, err)
	tipSeq, tipHash := e.Tip()

	require.NoError(t, wlog.Close())

	_, err = e.Append(TypeHeartbeat, nil)
	require.Error(t, err)
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.CodeStorageUnavailable, ec.Code)

	gotSeq, gotHash := e.Tip()
	assert.Equal(t, tipSeq, gotSeq)
	assert.Equal(t, tipHash, gotHash)
}

func TestTimeBucketQuantization(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.log")
	wlog, err := walog.Open(path)
	require.NoError(t, err)
	defer wlog.Close()

	base := time.Now()
	clk := clock.NewAt(func() time.Time { return base })
	clk.Discipline(1700000123456)

	e, err := Open(wlog, testIdentity(t), clk, 60000, testFirmware)
	require.NoError(t, err)

	_, err = e.Append(TypeHeartbeat, nil)
	require.NoError(t, err)
	records, err := e.Get(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), records[0].TimeBucket%60000,
		"bucket floors the wall clock to the configured width")
}
