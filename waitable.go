package remote

import (
	"sync"
	"time"
)

// DefaultReadyTimeout is the default timeout for Waitable.WaitUntilReady.
const DefaultReadyTimeout = 30 * time.Second

// ImageReadyTimeout is the longer timeout used by Container readiness
// waits: a container only becomes ready once the broker replies to
// spawn_container, which may trail a lengthy image layer upload.
const ImageReadyTimeout = 120 * time.Second

// Waitable is a reusable readiness latch with two states, not-ready and
// ready. It is embedded by value in every resource type that has a
// readiness transition (Location, Container, Tunnel): a single latch,
// released exactly once, that may carry an error to be surfaced on the
// waiting goroutine.
type Waitable struct {
	mu    sync.Mutex
	ready bool
	done  chan struct{}
	err   error
}

func newWaitable() Waitable {
	return Waitable{done: make(chan struct{})}
}

// MarkAsReady idempotently releases the latch. Calling it a second time has
// no effect, including when the first call carried an error.
func (w *Waitable) MarkAsReady() {
	w.MarkAsReadyWithError(nil)
}

// MarkAsReadyWithError releases the latch, attaching err so that a waiting
// goroutine's WaitUntilReady call returns it. Used for asynchronous spawn
// failures.
func (w *Waitable) MarkAsReadyWithError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready {
		return
	}
	w.ready = true
	w.err = err
	close(w.done)
}

// IsReady reports whether the latch has been released.
func (w *Waitable) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// WaitUntilReady blocks until the latch is released or timeout elapses. If
// the latch was released with an attached error, that error is returned,
// surfacing background failures on the caller. A timeout with no release
// returns nil, not an error; callers must check IsReady afterwards.
func (w *Waitable) WaitUntilReady(timeout time.Duration) error {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.err
	case <-time.After(timeout):
		return nil
	}
}

// Done exposes the readiness channel directly, for callers composing a
// select across more than one wait condition (e.g. NewLocation waiting on
// both readiness and its context).
func (w *Waitable) Done() <-chan struct{} {
	return w.done
}
