package graph

import (
	"fmt"
)

// Builder assembles graph images programmatically. It produces the same
// layout the offline graph compiler emits and is meant for tests and
// tooling, not as a replacement for that compiler.
type Builder struct {
	header  Header
	io      []IOEntry
	formats []Format
	arcs    []ArcRecord
	nodes   []NodeRecord
	scripts []Script
}

// NewBuilder returns a builder for a single-processor graph that relocates nothing.
func NewBuilder() *Builder {
	return &Builder{
		header: Header{ProcessorMask: 1},
	}
}

// Relocation sets the RAM-relocation policy.
func (b *Builder) Relocation(r Relocation) *Builder {
	b.header.Relocation = r
	return b
}

// Control sets the scheduler control flags.
func (b *Builder) Control(f ControlFlags) *Builder {
	b.header.Control = f
	return b
}

// ProcessorMask sets the allowed-processor mask.
func (b *Builder) ProcessorMask(mask uint32) *Builder {
	b.header.ProcessorMask = mask
	return b
}

// ArcDebugIndex sets the arc-debug index.
func (b *Builder) ArcDebugIndex(i uint16) *Builder {
	b.header.ArcDebugIndex = i
	return b
}

// AddIO appends an IO entry.
func (b *Builder) AddIO(e IOEntry) int {
	b.io = append(b.io, e)
	return len(b.io) - 1
}

// AddFormat appends a format and returns its id.
func (b *Builder) AddFormat(f Format) uint8 {
	b.formats = append(b.formats, f)
	return uint8(len(b.formats) - 1)
}

// AddArc appends an arc and returns its index.
func (b *Builder) AddArc(a ArcRecord) uint16 {
	b.arcs = append(b.arcs, a)
	return uint16(len(b.arcs) - 1)
}

// AddNode appends a node record and returns its list position.
func (b *Builder) AddNode(n NodeRecord) int {
	b.nodes = append(b.nodes, n)
	return len(b.nodes) - 1
}

// AddScript appends a script and returns its 1-based index.
func (b *Builder) AddScript(s Script) uint8 {
	b.scripts = append(b.scripts, s)
	return uint8(len(b.scripts))
}

func (b *Builder) nodeWords() []uint32 {
	var out []uint32
	for i := range b.nodes {
		n := &b.nodes[i]
		out = append(out, encodeNodeHeader(n), uint32(len(n.Memory)))
		for _, r := range n.Arcs {
			out = append(out, encodeArcRef(r))
		}
		for _, m := range n.Memory {
			out = append(out, uint32(m.Base), m.Size)
		}
		out = append(out, encodeParamHeader(n.Params))
		packed := make([]byte, wordsFor(uint32(len(n.Params.Bytes)))*WordSize)
		copy(packed, n.Params.Bytes)
		for j := 0; j < len(packed)/WordSize; j++ {
			out = append(out, word(packed, j))
		}
	}
	return append(out, uint32(EndOfList))
}

func (b *Builder) scriptWords() []uint32 {
	var out []uint32
	for _, s := range b.scripts {
		out = append(out, encodeScriptFormat(s), s.Budget)
		out = append(out, s.Code...)
	}
	return out
}

// Build encodes the image.
func (b *Builder) Build() ([]byte, error) {
	if len(b.io) > 0xFF || len(b.formats) > 32 || len(b.arcs) > 0xFFFF {
		return nil, fmt.Errorf("too many IO entries, formats or arcs")
	}
	for i := range b.nodes {
		n := &b.nodes[i]
		if n.Kind >= EndOfList {
			return nil, fmt.Errorf("node %d: kind %d is reserved", i, n.Kind)
		}
		if len(n.Arcs) > 15 || len(n.Memory) > 0xFF {
			return nil, fmt.Errorf("node %d: too many arcs or memory segments", i)
		}
	}

	nodes := b.nodeWords()
	scripts := b.scriptWords()
	if len(nodes) >= 1<<20 || len(scripts) >= 1<<16 {
		return nil, fmt.Errorf("node list or script section too large")
	}

	h := b.header
	h.IOCount = uint8(len(b.io))
	h.FormatCount = uint8(len(b.formats))
	h.ArcCount = uint16(len(b.arcs))
	h.NodeWords = uint32(len(nodes))
	h.ScriptWords = uint16(len(scripts))
	h.TotalWords = uint32(computeLayout(h).end)

	out := make([]byte, int(h.TotalWords)*WordSize)
	at := 0
	emit := func(ws ...uint32) {
		for _, w := range ws {
			putWord(out, at, w)
			at++
		}
	}

	hw := encodeHeader(h)
	emit(hw[:]...)
	for _, e := range b.io {
		w := encodeIO(e)
		emit(w[:]...)
	}
	for _, f := range b.formats {
		w := encodeFormat(f)
		emit(w[:]...)
	}
	for _, a := range b.arcs {
		w := encodeArc(a)
		emit(w[:]...)
	}
	emit(nodes...)
	emit(scripts...)
	return out, nil
}
