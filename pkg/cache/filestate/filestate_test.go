package filestate_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/backing/backingtest"
	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

func newState() *filestate.FileState {
	return filestate.New("/a", backingtest.New())
}

func TestFileState_Counters(t *testing.T) {
	t.Parallel()

	f := newState()
	assert.NotEqual(t, f.ID().String(), newState().ID().String())
	assert.Equal(t, "/a", f.Path())
	assert.NotNil(t, f.Handle())

	f.IncRef(filestate.RW)
	f.IncOpen(filestate.RW)
	assert.False(t, f.IsInUse(), "the caller's own reference does not count")
	assert.False(t, f.CanRelease())

	f.IncRef(filestate.RO)
	assert.True(t, f.IsInUse())
	assert.False(t, f.IsInUseRO())
	assert.False(t, f.IsInUseRW())

	f.IncOpen(filestate.RO)
	f.IncOpen(filestate.RO)
	assert.True(t, f.IsInUseRO())
	assert.Equal(t, 2, f.Opens(filestate.RO))
	assert.Equal(t, 1, f.Refs(filestate.RO))

	f.DecOpen(filestate.RO)
	f.DecOpen(filestate.RO)
	f.DecRef(filestate.RO)
	f.DecOpen(filestate.RW)
	f.DecRef(filestate.RW)
	assert.False(t, f.IsInUse())
	assert.True(t, f.CanRelease())
}

func TestFileState_CounterUnderflowPanics(t *testing.T) {
	t.Parallel()

	f := newState()
	assert.Panics(t, func() { f.DecRef(filestate.RO) })
	assert.Panics(t, func() { f.DecOpen(filestate.RW) })
	assert.Panics(t, func() { f.RemoveOutstanding(1) })
}

func TestFileState_SwapHandle(t *testing.T) {
	t.Parallel()

	first, second := backingtest.New(), backingtest.New()
	f := filestate.New("/a", first)

	old := f.SwapHandle(second)
	assert.Same(t, first, old)
	assert.Same(t, second, f.Handle())

	f.AddOutstanding(1)
	assert.Panics(t, func() { f.SwapHandle(first) })
	f.RemoveOutstanding(1)
}

func TestFileState_OutstandingMakesInUse(t *testing.T) {
	t.Parallel()

	f := newState()
	f.AddOutstanding(10)
	assert.True(t, f.IsInUse())
	assert.True(t, f.IsInUseRW())
	assert.False(t, f.CanRelease())
	assert.Equal(t, int64(10), f.Outstanding())

	f.RemoveOutstanding(10)
	assert.False(t, f.IsInUse())
	assert.Zero(t, f.Outstanding())
}

func TestFileState_WaitForDrainReturnsImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()

	require.NoError(t, newState().WaitForDrain(context.Background()))
}

func TestFileState_WaitForDrainBlocksUntilZero(t *testing.T) {
	t.Parallel()

	f := newState()
	f.AddOutstanding(100)

	done := make(chan error, 1)
	go func() { done <- f.WaitForDrain(context.Background()) }()

	f.RemoveOutstanding(40)
	select {
	case <-done:
		t.Fatal("WaitForDrain returned with bytes outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	f.RemoveOutstanding(60)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForDrain did not return after drain")
	}
}

func TestFileState_WaitForDrainReportsErrorsOnce(t *testing.T) {
	t.Parallel()

	f := newState()
	f.AddOutstanding(8)
	f.PushError(4096, io.ErrShortWrite)
	f.PushError(8192, backing.ErrReadOnly)
	f.RemoveOutstanding(8)

	err := f.WaitForDrain(context.Background())
	require.Error(t, err)

	var drain *filestate.DrainError
	require.ErrorAs(t, err, &drain)
	require.Len(t, drain.Errors, 2)
	assert.Equal(t, unix.EIO, drain.Code(), "first error decides the code")
	assert.Equal(t, int64(4096), drain.Errors[0].Offset)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.ErrorIs(t, err, backing.ErrReadOnly)
	assert.Contains(t, err.Error(), "2 writes failed")

	require.NoError(t, f.WaitForDrain(context.Background()), "queue is drained on read")
}

func TestFileState_WaitForDrainHonoursContext(t *testing.T) {
	t.Parallel()

	f := newState()
	f.AddOutstanding(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.WaitForDrain(ctx), context.DeadlineExceeded)

	f.RemoveOutstanding(1)
}

func TestFileState_DrainCycleRepeats(t *testing.T) {
	t.Parallel()

	f := newState()
	for range 3 {
		f.AddOutstanding(5)
		go f.RemoveOutstanding(5)
		require.NoError(t, f.WaitForDrain(context.Background()))
	}
}

func TestFileState_ConcurrentOutstanding(t *testing.T) {
	t.Parallel()

	f := newState()
	var wg sync.WaitGroup
	for range 50 {
		f.AddOutstanding(3)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.RemoveOutstanding(3)
		}()
	}
	require.NoError(t, f.WaitForDrain(context.Background()))
	wg.Wait()
	assert.Zero(t, f.Outstanding())
}

func TestFileState_ErrorQueue(t *testing.T) {
	t.Parallel()

	f := newState()
	_, ok := f.PollError()
	assert.False(t, ok)

	f.PushError(1, unix.ENOSPC)
	f.PushError(2, errors.New("boom"))
	f.PushError(3, errors.New("again"))

	e, ok := f.PollError()
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Offset)
	assert.Equal(t, unix.ENOSPC, e.Code)

	rest := f.TakeErrors()
	require.Len(t, rest, 2)
	assert.Equal(t, unix.EIO, rest[0].Code)
	assert.Empty(t, f.TakeErrors())
}

func TestFileState_UtimesPending(t *testing.T) {
	t.Parallel()

	f := newState()
	_, ok := f.TakeUtimesPending()
	assert.False(t, ok)

	first := filestate.Times{Atime: time.Unix(10, 0), Mtime: time.Unix(20, 0)}
	second := filestate.Times{Atime: time.Unix(30, 0), Mtime: time.Unix(40, 0)}
	f.SetUtimesPending(first)
	f.SetUtimesPending(second)

	got, ok := f.TakeUtimesPending()
	require.True(t, ok)
	assert.Equal(t, second, got)

	_, ok = f.TakeUtimesPending()
	assert.False(t, ok)
}

func TestFileState_MaxWriteOffset(t *testing.T) {
	t.Parallel()

	f := newState()
	f.TestMaxWriteOffset(100)
	f.TestMaxWriteOffset(50)
	assert.Equal(t, int64(100), f.MaxWriteOffset())

	f.SetMaxWriteOffset(10)
	assert.Equal(t, int64(10), f.MaxWriteOffset())
}

func TestErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want unix.Errno
	}{
		{"nil", nil, 0},
		{"errno passthrough", unix.ENOSPC, unix.ENOSPC},
		{"not found", backing.ErrNotFound, unix.ENOENT},
		{"read only", backing.ErrReadOnly, unix.EROFS},
		{"closed", backing.ErrClosed, unix.EBADF},
		{"invalid offset", backing.ErrInvalidOffset, unix.EINVAL},
		{"canceled", context.Canceled, unix.EINTR},
		{"generic", errors.New("disk on fire"), unix.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filestate.Errno(tt.err))
		})
	}
}
