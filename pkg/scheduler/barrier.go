package scheduler

import (
	"context"
	"fmt"
	"sync"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrBootTimeout is returned when a secondary instance gives up waiting for
// the main instance.
var ErrBootTimeout = rterrors.NewError(rterrors.CodeContextCancelled, "boot barrier not released", nil)

// BootBarrier synchronizes the instances sharing one graph. The main
// instance opens the shared I/O drivers and then calls Release; secondary
// instances block in Wait until that happens. A barrier is released once.
type BootBarrier struct {
	once  sync.Once
	ready chan struct{}

	mu  sync.RWMutex
	err error
}

// NewBootBarrier creates an unreleased barrier.
func NewBootBarrier() *BootBarrier {
	return &BootBarrier{ready: make(chan struct{})}
}

// Release lets waiters through. A non-nil err is what they get back, so a
// failed main boot also fails the secondaries. Later calls are ignored.
func (b *BootBarrier) Release(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.ready)
	})
}

// Wait blocks until Release or until ctx is done. A released barrier wins
// over a ctx that ended at the same time.
func (b *BootBarrier) Wait(ctx context.Context) error {
	select {
	case <-b.ready:
		return b.result()
	case <-ctx.Done():
		if b.Released() {
			return b.result()
		}
		return fmt.Errorf("%w: %w", ErrBootTimeout, ctx.Err())
	}
}

func (b *BootBarrier) result() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.err != nil {
		return fmt.Errorf("main instance failed to boot: %w", b.err)
	}
	return nil
}

// Released reports whether Release was called.
func (b *BootBarrier) Released() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}
