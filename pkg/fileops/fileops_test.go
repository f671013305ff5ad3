package fileops_test

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/wbcache/internal/bytesize"
	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/backing/backingtest"
	"github.com/marmos91/wbcache/pkg/cache"
	"github.com/marmos91/wbcache/pkg/fileops"
)

// ============================================================================
// Helpers
// ============================================================================

const rwCreate = backing.ReadWrite | backing.Create

type fixture struct {
	cache   *cache.Cache
	backend *backingtest.Backend
	table   *fileops.Table
}

func newFixture(t *testing.T, blockSize, maxResident bytesize.ByteSize, opts fileops.Options) *fixture {
	t.Helper()
	c, err := cache.New(cache.Config{BlockSize: blockSize, MaxResident: maxResident})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	b := backingtest.NewBackend()
	tbl := fileops.New(c, b, opts)
	t.Cleanup(func() { _ = tbl.Close(context.Background()) })

	return &fixture{cache: c, backend: b, table: tbl}
}

func (fx *fixture) open(t *testing.T, path string, flags backing.Flags) *fileops.File {
	t.Helper()
	f, err := fx.table.Open(context.Background(), path, flags)
	require.NoError(t, err)
	return f
}

func write(t *testing.T, f *fileops.File, data string, off int64) {
	t.Helper()
	n, err := f.Write(context.Background(), []byte(data), off)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

// ============================================================================
// Open / Close
// ============================================================================

func TestOpen_SharesStatePerPath(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	a := fx.open(t, "/a", rwCreate)
	b := fx.open(t, "/a", backing.ReadWrite)
	c := fx.open(t, "/b", rwCreate)

	assert.Same(t, a.State(), b.State())
	assert.NotSame(t, a.State(), c.State())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 3, fx.table.Len())
	assert.Equal(t, 2, fx.table.Files())
	assert.Equal(t, 1, fx.backend.Opens("/a"), "the handle is shared")

	got, ok := fx.table.Lookup(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	_, err := fx.table.Open(context.Background(), "/missing", backing.ReadOnly)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ENOENT)
	assert.ErrorIs(t, err, backing.ErrNotFound)

	var fe *fileops.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "open", fe.Op)
	assert.Equal(t, "/missing", fe.Path)
}

func TestOpen_UpgradesReadOnlyHandle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	h := fx.backend.File("/a")

	ro := fx.open(t, "/a", backing.ReadOnly)
	rw := fx.open(t, "/a", backing.ReadWrite)
	assert.Same(t, ro.State(), rw.State())
	assert.Equal(t, 2, fx.backend.Opens("/a"))

	write(t, rw, "data", 0)
	require.NoError(t, rw.Close(context.Background()))
	assert.Equal(t, "data", string(h.Bytes()))
	assert.False(t, h.Closed(), "reader still holds the file")

	require.NoError(t, ro.Close(context.Background()))
	assert.True(t, h.Closed())
}

func TestOpen_TruncateSharedFile(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	a := fx.open(t, "/a", rwCreate)
	write(t, a, "abcdef", 0)

	b := fx.open(t, "/a", backing.ReadWrite|backing.Truncate)
	attr, err := b.Stat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), attr.Size)
	assert.Empty(t, fx.backend.File("/a").Bytes())
}

func TestClose_ReleasesLastDescriptor(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	a := fx.open(t, "/a", rwCreate)
	b := fx.open(t, "/a", backing.ReadWrite)
	h := fx.backend.File("/a")

	write(t, a, "first", 0)
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, "first", string(h.Bytes()), "close flushes pending writes")
	assert.False(t, h.Closed())
	assert.Equal(t, 1, fx.table.Files())

	require.NoError(t, b.Close(context.Background()))
	assert.True(t, h.Closed())
	assert.Equal(t, 0, fx.table.Files())
	assert.Equal(t, 0, fx.table.Len())

	err := b.Close(context.Background())
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestClose_AppliesPendingTimes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, 16, 64, fileops.Options{Now: func() time.Time { return now }})
	h := fx.backend.File("/a")

	t.Run("write stamps the clock", func(t *testing.T) {
		f := fx.open(t, "/a", backing.ReadWrite)
		write(t, f, "x", 0)
		require.NoError(t, f.Close(context.Background()))

		atime, mtime, ok := h.Times()
		require.True(t, ok)
		assert.Equal(t, now, atime)
		assert.Equal(t, now, mtime)
	})

	t.Run("explicit times win over earlier writes", func(t *testing.T) {
		f := fx.open(t, "/a", backing.ReadWrite)
		write(t, f, "y", 1)

		at := now.Add(-time.Hour)
		mt := now.Add(-time.Minute)
		require.NoError(t, f.SetTimes(at, mt))
		require.NoError(t, f.Close(context.Background()))

		atime, mtime, _ := h.Times()
		assert.Equal(t, at, atime)
		assert.Equal(t, mt, mtime)
	})

	t.Run("deferred while another writer is open", func(t *testing.T) {
		a := fx.open(t, "/a", backing.ReadWrite)
		b := fx.open(t, "/a", backing.ReadWrite)

		later := now.Add(time.Hour)
		require.NoError(t, a.SetTimes(later, later))
		require.NoError(t, a.Close(context.Background()))

		_, mtime, _ := h.Times()
		assert.NotEqual(t, later, mtime)

		require.NoError(t, b.Close(context.Background()))
		_, mtime, _ = h.Times()
		assert.Equal(t, later, mtime)
	})
}

func TestTable_Close(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	a := fx.open(t, "/a", rwCreate)
	fx.open(t, "/b", rwCreate)
	write(t, a, "pending", 3)

	require.NoError(t, fx.table.Close(context.Background()))
	assert.Equal(t, 0, fx.table.Len())
	assert.Equal(t, "pending", string(fx.backend.File("/a").Bytes()[3:]))
	assert.True(t, fx.backend.File("/b").Closed())
}

// ============================================================================
// Write / Read
// ============================================================================

func TestWrite_ReadSeesPendingWrites(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	f := fx.open(t, "/a", rwCreate)
	write(t, f, "hello", 0)
	write(t, f, " world", 5)

	p := make([]byte, 11)
	n, err := f.Read(context.Background(), p, 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(p))
	assert.Equal(t, int64(0), f.State().Outstanding())

	n, err = f.Read(context.Background(), make([]byte, 8), 8)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrite_ReadOnlyDescriptor(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	fx.backend.File("/a")

	f := fx.open(t, "/a", backing.ReadOnly)
	_, err := f.Write(context.Background(), []byte("x"), 0)
	assert.ErrorIs(t, err, unix.EPERM)

	err = f.Truncate(context.Background(), 0)
	assert.ErrorIs(t, err, unix.EPERM)

	assert.NoError(t, f.Fsync(context.Background()))
	assert.NoError(t, f.Flush(context.Background()))
}

func TestWrite_InvalidOffset(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	f := fx.open(t, "/a", rwCreate)
	_, err := f.Write(context.Background(), []byte("x"), -1)
	assert.ErrorIs(t, err, unix.EINVAL)

	_, err = f.Read(context.Background(), make([]byte, 1), -1)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestWrite_EndOverflows(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 16, fileops.Options{})

	f := fx.open(t, "/a", rwCreate)
	assert.NotPanics(t, func() {
		_, err := f.Write(context.Background(), make([]byte, 10), math.MaxInt64-5)
		assert.ErrorIs(t, err, unix.EFBIG)
		assert.ErrorIs(t, err, backing.ErrInvalidOffset)
	})
	assert.Zero(t, f.State().MaxWriteOffset())
	assert.Zero(t, f.State().Outstanding())

	write(t, f, "fine", 0)
	require.NoError(t, f.Fsync(context.Background()))
	assert.Equal(t, []byte("fine"), fx.backend.File("/a").Bytes())
}

func TestWrite_RejectedSubmitLeavesSize(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	f := fx.open(t, "/a", rwCreate)
	require.NoError(t, fx.cache.Close(context.Background()))

	_, err := f.Write(context.Background(), []byte("never"), 100)
	require.ErrorIs(t, err, cache.ErrClosed)
	assert.Zero(t, f.State().MaxWriteOffset())

	attr, err := f.Stat(context.Background())
	require.NoError(t, err)
	assert.Zero(t, attr.Size)
}

func TestWrite_ReportsEarlierFlushFailure(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	h := fx.backend.File("/a")
	h.FailAt(0, unix.ENOSPC)

	f := fx.open(t, "/a", backing.ReadWrite)

	// A full block is queued immediately.
	write(t, f, "0123456789abcdef", 0)
	waitFor(t, func() bool { return f.State().Outstanding() == 0 })

	n, err := f.Write(context.Background(), []byte("next"), 32)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, unix.ENOSPC)

	var fe *fileops.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, unix.ENOSPC, fe.Errno)

	write(t, f, "again", 48)
}

func TestWrite_AfterClose(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})

	f := fx.open(t, "/a", rwCreate)
	require.NoError(t, f.Close(context.Background()))

	_, err := f.Write(context.Background(), []byte("x"), 0)
	assert.ErrorIs(t, err, unix.EBADF)
	_, err = f.Read(context.Background(), make([]byte, 1), 0)
	assert.ErrorIs(t, err, unix.EBADF)
}

// ============================================================================
// Flush / Fsync / Truncate / Stat
// ============================================================================

func TestFsync_ReportsFailedFlushOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	h := fx.backend.File("/a")
	h.FailAt(0, errors.New("remote unavailable"))

	f := fx.open(t, "/a", backing.ReadWrite)
	write(t, f, "payload", 0)

	err := f.Fsync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, 0, h.Syncs(), "the handle is not synced after a failed flush")

	require.NoError(t, f.Fsync(context.Background()))
	assert.Equal(t, 1, h.Syncs())
}

func TestFsync_DrainTimeout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{DrainTimeout: 20 * time.Millisecond})
	h := fx.backend.File("/a")

	f := fx.open(t, "/a", backing.ReadWrite)
	release := h.Hold()
	write(t, f, "held", 0)

	err := f.Fsync(context.Background())
	assert.ErrorIs(t, err, unix.EINTR)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	require.NoError(t, f.Fsync(context.Background()))
	assert.Equal(t, "held", string(h.Bytes()))
}

func TestFlush_SmallFileQueuesWithoutWaiting(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	h := fx.backend.File("/a")

	f := fx.open(t, "/a", backing.ReadWrite)
	write(t, f, "small", 0)

	require.NoError(t, f.Flush(context.Background()))
	waitFor(t, func() bool { return string(h.Bytes()) == "small" })
	waitFor(t, func() bool { return f.State().Outstanding() == 0 })
}

func TestFlush_LargeFileWaits(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	h := fx.backend.File("/a")

	f := fx.open(t, "/a", backing.ReadWrite)
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	n, err := f.Write(context.Background(), data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	require.NoError(t, f.Flush(context.Background()))
	assert.Equal(t, int64(0), f.State().Outstanding())
	assert.Equal(t, data, h.Bytes())
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 16, 64, fileops.Options{})
	h := fx.backend.File("/a")

	f := fx.open(t, "/a", backing.ReadWrite)
	write(t, f, "abcdefghij", 0)

	require.NoError(t, f.Truncate(context.Background(), 4))
	assert.Equal(t, "abcd", string(h.Bytes()))
	assert.Equal(t, int64(4), f.State().MaxWriteOffset())

	attr, err := f.Stat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), attr.Size)

	assert.ErrorIs(t, f.Truncate(context.Background(), -1), unix.EINVAL)
}

func TestStat_CoversPendingWrites(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 64, 256, fileops.Options{})
	h := fx.backend.File("/a")

	f := fx.open(t, "/a", backing.ReadWrite)
	write(t, f, "tail", 100)

	attr, err := f.Stat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(104), attr.Size)
	assert.Empty(t, h.Bytes(), "nothing flushed yet")
}

// ============================================================================
// Errors
// ============================================================================

func TestError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &fileops.Error{Op: "fsync", Path: "/a", Errno: unix.EIO, Err: cause}
	assert.ErrorIs(t, err, unix.EIO)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fsync /a")
	assert.Contains(t, err.Error(), "boom")

	bare := &fileops.Error{Op: "close", Path: "/b", Errno: unix.EBADF}
	assert.ErrorIs(t, bare, unix.EBADF)
	assert.Equal(t, "close /b: "+unix.EBADF.Error(), bare.Error())
}
