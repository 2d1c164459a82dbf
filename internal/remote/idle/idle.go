// Package idle cancels requests whose body stops moving.
package idle

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"tbup-go/internal/tbup"
)

// Watchdog cancels its context with tbup.ErrStalled once the timeout elapses
// without a call to Touch.
type Watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	stopped bool
	ctx     context.Context
	cancel  context.CancelCauseFunc
}

// Watch derives a context from parent that is guarded by a new Watchdog.
// Callers must Close the watchdog when the request is done.
func Watch(parent context.Context, timeout time.Duration) (context.Context, *Watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	w := &Watchdog{timeout: timeout, ctx: ctx, cancel: cancel}
	w.timer = time.AfterFunc(timeout, func() { cancel(tbup.ErrStalled) })
	return ctx, w
}

// Touch restarts the countdown.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

// Stop disarms the watchdog but leaves the context usable.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// Close disarms the watchdog and releases the context.
func (w *Watchdog) Close() {
	w.Stop()
	w.cancel(nil)
}

// Stalled reports whether ctx was cancelled by a Watchdog.
func Stalled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), tbup.ErrStalled)
}

// Reader wraps r so that every chunk read touches w. progress, if set,
// receives the running byte count. The result is an io.ReadSeeker when r is.
//
// Reads from r run on a separate goroutine so that a Read blocked in r
// returns the context cause as soon as the watchdog fires. The HTTP
// transport waits for its body writer before giving up on a request.
// After that the reader is dead and every call fails.
func (w *Watchdog) Reader(r io.Reader, progress func(int64)) io.Reader {
	ir := &reader{r: r, watch: w, progress: progress}
	if s, ok := r.(io.ReadSeeker); ok {
		return &readSeeker{reader: ir, s: s}
	}
	return ir
}

type readResult struct {
	n   int
	err error
}

type reader struct {
	r        io.Reader
	watch    *Watchdog
	sent     int64
	progress func(int64)

	buf  []byte
	dead error
}

func (r *reader) Read(p []byte) (int, error) {
	if r.dead != nil {
		return 0, r.dead
	}
	if len(p) == 0 {
		return 0, nil
	}
	if cap(r.buf) < len(p) {
		r.buf = make([]byte, len(p))
	}
	buf := r.buf[:len(p)]

	done := make(chan readResult, 1)
	go func() {
		n, err := r.r.Read(buf)
		done <- readResult{n: n, err: err}
	}()

	select {
	case res := <-done:
		n := copy(p, buf[:res.n])
		if n > 0 {
			r.watch.Touch()
			r.sent += int64(n)
			if r.progress != nil {
				r.progress(r.sent)
			}
		}
		return n, res.err
	case <-r.watch.ctx.Done():
		// The pending read still owns buf.
		r.buf = nil
		r.dead = context.Cause(r.watch.ctx)
		return 0, r.dead
	}
}

// readSeeker lets signing transports rewind the body. A rewind restarts the count.
type readSeeker struct {
	*reader
	s io.Seeker
}

func (r *readSeeker) Seek(offset int64, whence int) (int64, error) {
	if r.dead != nil {
		return 0, r.dead
	}
	pos, err := r.s.Seek(offset, whence)
	if err == nil {
		r.sent = pos
	}
	return pos, err
}
