package idle

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tbup-go/internal/tbup"
)

func TestWatch_FiresWithoutTouch(t *testing.T) {
	ctx, w := Watch(context.Background(), 20*time.Millisecond)
	defer w.Close()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	require.ErrorIs(t, context.Cause(ctx), tbup.ErrStalled)
	require.True(t, Stalled(ctx))
}

func TestWatch_TouchKeepsAlive(t *testing.T) {
	ctx, w := Watch(context.Background(), 100*time.Millisecond)
	defer w.Close()

	for range 10 {
		time.Sleep(20 * time.Millisecond)
		w.Touch()
	}
	require.NoError(t, ctx.Err())

	w.Stop()
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, ctx.Err(), "stopped watchdog must not fire")
}

func TestWatch_CloseIsNotAStall(t *testing.T) {
	ctx, w := Watch(context.Background(), time.Hour)
	w.Close()
	require.Error(t, ctx.Err())
	require.False(t, Stalled(ctx))
}

func TestReader_ProgressAndSeek(t *testing.T) {
	_, w := Watch(context.Background(), time.Hour)
	defer w.Close()

	var last int64
	r := w.Reader(strings.NewReader("hello world"), func(n int64) { last = n })
	rs, ok := r.(io.ReadSeeker)
	require.True(t, ok, "seekable source should stay seekable")

	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.Equal(t, int64(11), last)

	_, err = rs.Seek(6, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(rs, buf)
	require.NoError(t, err)
	require.Equal(t, int64(11), last)

	plain := w.Reader(io.MultiReader(strings.NewReader("x")), nil)
	_, ok = plain.(io.Seeker)
	require.False(t, ok)
}

// blockedReader never returns until released.
type blockedReader struct {
	release chan struct{}
}

func (r blockedReader) Read(p []byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

func TestReader_StallInterruptsBlockedSource(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	_, w := Watch(context.Background(), 50*time.Millisecond)
	defer w.Close()
	r := w.Reader(blockedReader{release: release}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 16))
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, tbup.ErrStalled)
	case <-time.After(2 * time.Second):
		t.Fatal("Read stayed blocked after the watchdog fired")
	}

	_, err := r.Read(make([]byte, 16))
	require.ErrorIs(t, err, tbup.ErrStalled, "a stalled reader stays dead")
}

func TestReader_ParentCancelInterrupts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	parent, cancel := context.WithCancel(context.Background())
	_, w := Watch(parent, time.Hour)
	defer w.Close()
	r := w.Reader(blockedReader{release: release}, nil)

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := r.Read(make([]byte, 16))
	require.ErrorIs(t, err, context.Canceled)
}
