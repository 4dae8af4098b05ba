// Package arc implements the ring buffers connecting graph nodes.
//
// An Arc has a fixed capacity and two cursors. The producer (a node or an I/O
// driver) is the only writer of the write cursor and the consumer is the only
// writer of the read cursor. Each cursor update is a single atomic word store,
// which is what keeps a scheduler and an I/O callback running in another
// goroutine correct without locks, as long as each cursor has one writer.
//
// Cursors are kept as counters modulo twice the capacity so that a completely
// full arc can be told apart from an empty one. The externally visible read
// and write indexes are always in [0, capacity).
package arc

import (
	"fmt"
	"sync/atomic"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

// Flags carried by an arc.
type Flags uint32

const (
	// FlagFlowError marks a producer/consumer frame size mismatch.
	FlagFlowError Flags = 1 << iota
	// FlagZeroFilled is raised whenever a consumer was served a zero-padded frame.
	FlagZeroFilled
)

// MaxCapacity is the largest arc capacity the image format can express.
const MaxCapacity = 1<<22 - 1

var (
	// ErrArcOverrun is returned when a cursor would move past the opposite cursor.
	ErrArcOverrun = rterrors.NewError(rterrors.CodeArc, "arc cursor overrun", nil)

	// ErrNotReset is returned when an arc is used before Reset.
	ErrNotReset = rterrors.NewError(rterrors.CodeArc, "arc has no buffer", nil)
)

// Arc is one ring-buffer descriptor.
type Arc struct {
	Index          int
	Base           mmu.PackedAddress
	ProducerFormat uint8
	ConsumerFormat uint8
	DebugReg       uint8
	Lock           uint8

	capacity uint32
	buf      []byte
	staging  []byte

	read  atomic.Uint32
	write atomic.Uint32
	flags atomic.Uint32
}

// Capacity returns the fixed buffer size in bytes.
func (a *Arc) Capacity() uint32 {
	return a.capacity
}

// Buffer returns the whole backing buffer.
func (a *Arc) Buffer() []byte {
	return a.buf
}

func (a *Arc) wrap() uint32 {
	return 2 * a.capacity
}

func (a *Arc) index(counter uint32) uint32 {
	if counter >= a.capacity {
		return counter - a.capacity
	}
	return counter
}

func (a *Arc) distance(from, to uint32) uint32 {
	w := a.wrap()
	return (to + w - from) % w
}

// Available returns the number of bytes ready to be read.
func (a *Arc) Available() uint32 {
	if a.capacity == 0 {
		return 0
	}
	return a.distance(a.read.Load(), a.write.Load())
}

// Free returns the number of bytes that can be written.
// Available() + Free() == Capacity() at every observable point.
func (a *Arc) Free() uint32 {
	return a.capacity - a.Available()
}

// ReadIndex returns the read cursor in [0, capacity).
func (a *Arc) ReadIndex() uint32 {
	return a.index(a.read.Load())
}

// WriteIndex returns the write cursor in [0, capacity).
func (a *Arc) WriteIndex() uint32 {
	return a.index(a.write.Load())
}

// AdvanceRead consumes n bytes. Moving past the write cursor is a caller
// error; the cursor is left untouched in that case.
func (a *Arc) AdvanceRead(n uint32) error {
	if n == 0 {
		return nil
	}
	if avail := a.Available(); n > avail {
		return fmt.Errorf("%w: arc %d read %d, available %d", ErrArcOverrun, a.Index, n, avail)
	}
	a.read.Store((a.read.Load() + n) % a.wrap())
	return nil
}

// AdvanceWrite publishes n bytes written by the scheduler-side producer.
func (a *Arc) AdvanceWrite(n uint32) error {
	if n == 0 {
		return nil
	}
	if free := a.Free(); n > free {
		return fmt.Errorf("%w: arc %d write %d, free %d", ErrArcOverrun, a.Index, n, free)
	}
	a.write.Store((a.write.Load() + n) % a.wrap())
	return nil
}

// AckExternalWrite publishes n bytes delivered by an I/O callback running
// outside the scheduler. It is the only cross-context mutation of an arc and
// must not be used on arcs whose producer is a node.
func (a *Arc) AckExternalWrite(n uint32) error {
	return a.AdvanceWrite(n)
}

// ReadView returns the contiguous readable bytes, up to the end of the ring.
func (a *Arc) ReadView() []byte {
	avail := a.Available()
	if avail == 0 {
		return a.buf[:0]
	}
	start := a.ReadIndex()
	end := start + avail
	if end > a.capacity {
		end = a.capacity
	}
	return a.buf[start:end:end]
}

// WriteView returns the contiguous writable bytes, up to the end of the ring.
func (a *Arc) WriteView() []byte {
	free := a.Free()
	if free == 0 {
		return a.buf[:0]
	}
	start := a.WriteIndex()
	end := start + free
	if end > a.capacity {
		end = a.capacity
	}
	return a.buf[start:end:end]
}

// Peek copies up to len(p) readable bytes into p without consuming them,
// following the ring across its end.
func (a *Arc) Peek(p []byte) int {
	n := a.Available()
	if uint32(len(p)) < n {
		n = uint32(len(p))
	}
	start := a.ReadIndex()
	first := n
	if start+first > a.capacity {
		first = a.capacity - start
	}
	copy(p, a.buf[start:start+first])
	copy(p[first:n], a.buf[:n-first])
	return int(n)
}

// Read consumes up to len(p) bytes into p.
func (a *Arc) Read(p []byte) int {
	n := a.Peek(p)
	_ = a.AdvanceRead(uint32(n))
	return n
}

// Write copies as much of p as fits into the ring and publishes it.
func (a *Arc) Write(p []byte) int {
	n := uint32(a.fill(p))
	_ = a.AdvanceWrite(n)
	return int(n)
}

// WriteExternal is Write for I/O callbacks; it publishes through AckExternalWrite.
func (a *Arc) WriteExternal(p []byte) int {
	n := uint32(a.fill(p))
	_ = a.AckExternalWrite(n)
	return int(n)
}

func (a *Arc) fill(p []byte) int {
	n := a.Free()
	if uint32(len(p)) < n {
		n = uint32(len(p))
	}
	start := a.WriteIndex()
	first := n
	if start+first > a.capacity {
		first = a.capacity - start
	}
	copy(a.buf[start:start+first], p[:first])
	copy(a.buf[:n-first], p[first:n])
	return int(n)
}

// Flags returns the current flag word.
func (a *Arc) Flags() Flags {
	return Flags(a.flags.Load())
}

// HasFlag reports whether f is raised.
func (a *Arc) HasFlag(f Flags) bool {
	return a.Flags()&f != 0
}

// SetFlag raises f.
func (a *Arc) SetFlag(f Flags) {
	for {
		old := a.flags.Load()
		if a.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag lowers f.
func (a *Arc) ClearFlag(f Flags) {
	for {
		old := a.flags.Load()
		if a.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}
