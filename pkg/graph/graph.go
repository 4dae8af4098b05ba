// Package graph loads the binary graph image describing a dataflow topology.
//
// An image is a sequence of little-endian 32-bit words: a five-word header,
// then the IO table, the format table, the arc table, the node linked list
// and the script section, in that order. The loader checks that every section
// fits the declared sizes and counts and that the node list is well formed.
// It does not check the meaning of the values: that format ids exist or that
// arcs are wired once is the responsibility of the graph compiler that
// produced the image.
//
// Depending on the relocation policy in the header, the loader copies the
// whole image, or the node list and scripts, from the caller's read-only
// blob into working memory exactly once before building its section views.
package graph

import (
	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

// WordSize is the size of an image word in bytes.
const WordSize = 4

// HeaderWords is the fixed header length.
const HeaderWords = 5

// Fixed record sizes, in words.
const (
	IOEntryWords = 4
	FormatWords  = 4
	ArcWords     = 4
)

// EndOfList is the node kind that terminates the node linked list.
const EndOfList uint16 = 0x3FF

// Relocation is the RAM-relocation policy carried by header word 0.
type Relocation uint8

const (
	// RelocateNone uses the caller's blob in place.
	RelocateNone Relocation = iota
	// RelocateAll copies the whole image into working memory.
	RelocateAll
	// RelocateFromNodes copies the node list and everything after it.
	RelocateFromNodes
)

func (r Relocation) String() string {
	switch r {
	case RelocateNone:
		return "none"
	case RelocateAll:
		return "all"
	case RelocateFromNodes:
		return "from-nodes"
	default:
		return "unknown"
	}
}

// ControlFlags are the scheduler control flags of header word 3.
type ControlFlags uint16

const (
	// ReturnAfterPass makes a scheduler return after one full pass.
	// When clear the scheduler returns once a pass makes no progress.
	ReturnAfterPass ControlFlags = 1 << iota
	// ImmediateRedispatch re-dispatches an unfinished node straight away
	// instead of waiting for the next pass.
	ImmediateRedispatch
)

// Header is the decoded fixed header.
type Header struct {
	Relocation    Relocation
	TotalWords    uint32
	IOCount       uint8
	ScriptWords   uint16
	FormatCount   uint8
	NodeWords     uint32
	ArcDebugIndex uint16
	ArcCount      uint16
	Control       ControlFlags
	ProcessorMask uint32
}

// IOEntry binds an arc to an external I/O driver.
type IOEntry struct {
	Arc         uint16
	Transmit    bool // data flows out of the graph
	Driver      uint8
	Settings    uint32
	DriverWords [2]uint32
}

// Format describes the frames flowing on an arc.
type Format struct {
	FrameSize     uint32
	RawType       uint8
	Interleave    uint8
	Channels      uint8
	TimestampKind uint8
	SamplingRate  float32
	DomainMapping uint32
}

// ArcRecord is an arc as stored in the image.
type ArcRecord struct {
	Base           mmu.PackedAddress
	ProducerFormat uint8
	Capacity       uint32
	ConsumerFormat uint8
	DebugReg       uint8
	Read           uint32
	FlowFlags      uint8
	Write          uint32
	Lock           uint8
}

// ArcRef connects a node to one of its arcs.
type ArcRef struct {
	Index  uint16
	Output bool
}

// MemorySegment is a node memory bank declared in the image.
type MemorySegment struct {
	Base mmu.PackedAddress
	Size uint32
}

// Parameters is the parameter blob of a node record.
type Parameters struct {
	Preset uint8
	Tag    uint8
	Bytes  []byte
}

// NodeRecord is one entry of the node linked list.
type NodeRecord struct {
	// Index is the position of the record in the list.
	Index int
	// Offset is the word offset of the record inside the node section.
	Offset      int
	Kind        uint16
	Priority    uint8
	Processor   uint8
	Arch        uint8
	Locked      bool
	ScriptIndex uint8
	Arcs        []ArcRef
	Memory      []MemorySegment
	Params      Parameters
}

// Inputs returns the arcs the node consumes.
func (n *NodeRecord) Inputs() []ArcRef {
	var out []ArcRef
	for _, a := range n.Arcs {
		if !a.Output {
			out = append(out, a)
		}
	}
	return out
}

// Outputs returns the arcs the node produces.
func (n *NodeRecord) Outputs() []ArcRef {
	var out []ArcRef
	for _, a := range n.Arcs {
		if a.Output {
			out = append(out, a)
		}
	}
	return out
}

// Script is one program of the script section.
type Script struct {
	// Index is 1-based; node records use 0 for "no script".
	Index      int
	StackDepth uint8
	HeapWords  uint8
	Budget     uint32
	Code       []uint32
}

// RelocationInfo reports what the loader copied.
type RelocationInfo struct {
	Policy      Relocation
	Copies      int
	CopiedBytes int
}

// Image is a loaded graph. It is immutable and may be shared by several
// scheduler instances.
type Image struct {
	Header     Header
	IO         []IOEntry
	Formats    []Format
	Arcs       []ArcRecord
	Nodes      []NodeRecord
	Scripts    []Script
	Relocation RelocationInfo

	rom []byte
	ram []byte
}

// Format returns format i or false when the id does not exist.
func (g *Image) Format(i uint8) (Format, bool) {
	if int(i) >= len(g.Formats) {
		return Format{}, false
	}
	return g.Formats[i], true
}

// Script returns the program with 1-based index i.
func (g *Image) Script(i uint8) (*Script, bool) {
	if i == 0 || int(i) > len(g.Scripts) {
		return nil, false
	}
	return &g.Scripts[i-1], true
}

// AllowsProcessor reports whether processor id p may run this graph.
func (g *Image) AllowsProcessor(p uint8) bool {
	if p >= 32 {
		return false
	}
	return g.Header.ProcessorMask&(1<<p) != 0
}

// WorkingMemory returns the relocated region, or nil for RelocateNone.
func (g *Image) WorkingMemory() []byte {
	return g.ram
}
