package arc

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

// Manager owns the arc descriptors of one graph.
type Manager struct {
	arcs []Arc
	mmu  *mmu.Translator
}

// NewManager allocates n descriptors. Buffers are attached by Reset.
func NewManager(tr *mmu.Translator, n int) *Manager {
	m := &Manager{
		arcs: make([]Arc, n),
		mmu:  tr,
	}
	for i := range m.arcs {
		m.arcs[i].Index = i
	}
	return m
}

// Len returns the number of arcs.
func (m *Manager) Len() int {
	return len(m.arcs)
}

// Arc returns descriptor i.
func (m *Manager) Arc(i int) (*Arc, error) {
	if i < 0 || i >= len(m.arcs) {
		return nil, fmt.Errorf("arc index %d out of range [0,%d)", i, len(m.arcs))
	}
	return &m.arcs[i], nil
}

// Reset binds arc i to the buffer at base and zeroes both cursors.
// Capacity is fixed from here on.
func (m *Manager) Reset(i int, base mmu.PackedAddress, capacity uint32, producerFormat, consumerFormat uint8) error {
	a, err := m.Arc(i)
	if err != nil {
		return err
	}
	if capacity == 0 || capacity > MaxCapacity {
		return fmt.Errorf("arc %d: capacity %d outside [1,%d]", i, capacity, MaxCapacity)
	}
	buf, err := m.mmu.Resolve(base, int(capacity))
	if err != nil {
		return fmt.Errorf("arc %d: %w", i, err)
	}

	a.Base = base
	a.capacity = capacity
	a.buf = buf
	a.staging = nil
	a.ProducerFormat = producerFormat
	a.ConsumerFormat = consumerFormat
	a.read.Store(0)
	a.write.Store(0)
	a.flags.Store(0)
	return nil
}

// Restore loads cursor positions stored in a graph image.
// Equal positions mean an empty arc.
func (m *Manager) Restore(i int, read, write uint32) error {
	a, err := m.Arc(i)
	if err != nil {
		return err
	}
	if a.buf == nil {
		return fmt.Errorf("%w: arc %d", ErrNotReset, i)
	}
	if read >= a.capacity || write >= a.capacity {
		return fmt.Errorf("arc %d: cursor outside capacity %d", i, a.capacity)
	}
	if write < read {
		write += a.capacity
	}
	a.read.Store(read)
	a.write.Store(write)
	return nil
}

// CheckFlow applies the flow-error policy: when producer and consumer frame
// sizes disagree the arc is flagged and a staging frame is prepared so that a
// consumer shortfall can be zero-filled instead of exposing stale bytes.
// It returns true when the arc was flagged.
func (m *Manager) CheckFlow(i int, producerFrame, consumerFrame uint32) (bool, error) {
	a, err := m.Arc(i)
	if err != nil {
		return false, err
	}
	if producerFrame == 0 || consumerFrame == 0 || producerFrame == consumerFrame {
		a.ClearFlag(FlagFlowError)
		return false, nil
	}
	a.SetFlag(FlagFlowError)
	if uint32(len(a.staging)) != consumerFrame {
		a.staging = make([]byte, consumerFrame)
	}
	return true, nil
}

// ConsumerView returns the bytes presented to the consumer of arc i.
//
// Unflagged arcs expose their contiguous readable region. Flagged arcs expose
// whole consumer frames: when less than one frame is contiguously readable the
// staging frame is returned, holding whatever data is available followed by
// zeros. The second result reports how many of the returned bytes are real data.
func (m *Manager) ConsumerView(i int) ([]byte, uint32, error) {
	a, err := m.Arc(i)
	if err != nil {
		return nil, 0, err
	}
	if a.buf == nil {
		return nil, 0, fmt.Errorf("%w: arc %d", ErrNotReset, i)
	}

	view := a.ReadView()
	if !a.HasFlag(FlagFlowError) || len(a.staging) == 0 {
		return view, uint32(len(view)), nil
	}

	frame := uint32(len(a.staging))
	if uint32(len(view)) >= frame {
		whole := uint32(len(view)) / frame * frame
		return view[:whole], whole, nil
	}
	if a.Available() == 0 {
		return view, 0, nil
	}

	n := a.Peek(a.staging)
	if uint32(n) < frame {
		clear(a.staging[n:])
		a.SetFlag(FlagZeroFilled)
	}
	return a.staging, uint32(n), nil
}

// State is a point-in-time copy of one arc's cursors and flags.
type State struct {
	Index      int    `cbor:"1,keyasint" json:"index"`
	Capacity   uint32 `cbor:"2,keyasint" json:"capacity"`
	ReadIndex  uint32 `cbor:"3,keyasint" json:"read_index"`
	WriteIndex uint32 `cbor:"4,keyasint" json:"write_index"`
	Available  uint32 `cbor:"5,keyasint" json:"available"`
	Flags      Flags  `cbor:"6,keyasint" json:"flags"`
}

// Snapshot copies the state of every arc.
func (m *Manager) Snapshot() []State {
	out := make([]State, len(m.arcs))
	for i := range m.arcs {
		a := &m.arcs[i]
		out[i] = State{
			Index:      i,
			Capacity:   a.capacity,
			ReadIndex:  a.ReadIndex(),
			WriteIndex: a.WriteIndex(),
			Available:  a.Available(),
			Flags:      a.Flags(),
		}
	}
	return out
}
