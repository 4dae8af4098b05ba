package graph

import (
	"encoding/binary"
	"math"

	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

func field(w uint32, lo, width uint) uint32 {
	return (w >> lo) & (1<<width - 1)
}

func put(v uint32, lo, width uint) uint32 {
	return (v & (1<<width - 1)) << lo
}

func word(b []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(b[i*WordSize:])
}

func putWord(b []byte, i int, w uint32) {
	binary.LittleEndian.PutUint32(b[i*WordSize:], w)
}

func decodeHeader(w [HeaderWords]uint32) Header {
	return Header{
		Relocation:    Relocation(field(w[0], 0, 2)),
		TotalWords:    field(w[0], 8, 24),
		IOCount:       uint8(field(w[1], 0, 8)),
		ScriptWords:   uint16(field(w[1], 8, 16)),
		FormatCount:   uint8(field(w[1], 24, 8)),
		NodeWords:     field(w[2], 0, 20),
		ArcDebugIndex: uint16(field(w[2], 20, 12)),
		ArcCount:      uint16(field(w[3], 0, 16)),
		Control:       ControlFlags(field(w[3], 16, 16)),
		ProcessorMask: w[4],
	}
}

func encodeHeader(h Header) [HeaderWords]uint32 {
	return [HeaderWords]uint32{
		put(uint32(h.Relocation), 0, 2) | put(h.TotalWords, 8, 24),
		put(uint32(h.IOCount), 0, 8) | put(uint32(h.ScriptWords), 8, 16) | put(uint32(h.FormatCount), 24, 8),
		put(h.NodeWords, 0, 20) | put(uint32(h.ArcDebugIndex), 20, 12),
		put(uint32(h.ArcCount), 0, 16) | put(uint32(h.Control), 16, 16),
		h.ProcessorMask,
	}
}

func decodeIO(w []uint32) IOEntry {
	return IOEntry{
		Arc:         uint16(field(w[0], 0, 16)),
		Transmit:    field(w[0], 16, 1) == 1,
		Driver:      uint8(field(w[0], 24, 8)),
		Settings:    w[1],
		DriverWords: [2]uint32{w[2], w[3]},
	}
}

func encodeIO(e IOEntry) [IOEntryWords]uint32 {
	return [IOEntryWords]uint32{
		put(uint32(e.Arc), 0, 16) | put(b2u(e.Transmit), 16, 1) | put(uint32(e.Driver), 24, 8),
		e.Settings,
		e.DriverWords[0],
		e.DriverWords[1],
	}
}

func decodeFormat(w []uint32) Format {
	return Format{
		FrameSize:     w[0],
		RawType:       uint8(field(w[1], 0, 8)),
		Interleave:    uint8(field(w[1], 8, 4)),
		Channels:      uint8(field(w[1], 12, 8)),
		TimestampKind: uint8(field(w[1], 20, 4)),
		SamplingRate:  math.Float32frombits(w[2]),
		DomainMapping: w[3],
	}
}

func encodeFormat(f Format) [FormatWords]uint32 {
	return [FormatWords]uint32{
		f.FrameSize,
		put(uint32(f.RawType), 0, 8) | put(uint32(f.Interleave), 8, 4) |
			put(uint32(f.Channels), 12, 8) | put(uint32(f.TimestampKind), 20, 4),
		math.Float32bits(f.SamplingRate),
		f.DomainMapping,
	}
}

func decodeArc(w []uint32) ArcRecord {
	return ArcRecord{
		Base:           mmu.PackedAddress(field(w[0], 0, mmu.AddressBits)),
		ProducerFormat: uint8(field(w[0], 27, 5)),
		Capacity:       field(w[1], 0, 22),
		ConsumerFormat: uint8(field(w[1], 22, 5)),
		DebugReg:       uint8(field(w[1], 27, 5)),
		Read:           field(w[2], 0, 22),
		FlowFlags:      uint8(field(w[2], 24, 8)),
		Write:          field(w[3], 0, 22),
		Lock:           uint8(field(w[3], 24, 8)),
	}
}

func encodeArc(a ArcRecord) [ArcWords]uint32 {
	return [ArcWords]uint32{
		put(uint32(a.Base), 0, mmu.AddressBits) | put(uint32(a.ProducerFormat), 27, 5),
		put(a.Capacity, 0, 22) | put(uint32(a.ConsumerFormat), 22, 5) | put(uint32(a.DebugReg), 27, 5),
		put(a.Read, 0, 22) | put(uint32(a.FlowFlags), 24, 8),
		put(a.Write, 0, 22) | put(uint32(a.Lock), 24, 8),
	}
}

// nodeHeader is the first word of a node record.
type nodeHeader struct {
	kind, arcCount, priority, processor, arch, script uint32
	locked                                            bool
}

func decodeNodeHeader(w uint32) nodeHeader {
	return nodeHeader{
		kind:      field(w, 0, 10),
		arcCount:  field(w, 10, 4),
		priority:  field(w, 14, 2),
		processor: field(w, 16, 3),
		arch:      field(w, 19, 3),
		locked:    field(w, 22, 1) == 1,
		script:    field(w, 23, 8),
	}
}

func encodeNodeHeader(n *NodeRecord) uint32 {
	return put(uint32(n.Kind), 0, 10) |
		put(uint32(len(n.Arcs)), 10, 4) |
		put(uint32(n.Priority), 14, 2) |
		put(uint32(n.Processor), 16, 3) |
		put(uint32(n.Arch), 19, 3) |
		put(b2u(n.Locked), 22, 1) |
		put(uint32(n.ScriptIndex), 23, 8)
}

func decodeArcRef(w uint32) ArcRef {
	return ArcRef{Index: uint16(field(w, 0, 16)), Output: field(w, 31, 1) == 1}
}

func encodeArcRef(r ArcRef) uint32 {
	return put(uint32(r.Index), 0, 16) | put(b2u(r.Output), 31, 1)
}

func decodeParamHeader(w uint32) (preset, tag uint8, size uint32) {
	return uint8(field(w, 0, 4)), uint8(field(w, 4, 8)), field(w, 12, 20)
}

func encodeParamHeader(p Parameters) uint32 {
	return put(uint32(p.Preset), 0, 4) | put(uint32(p.Tag), 4, 8) | put(uint32(len(p.Bytes)), 12, 20)
}

func decodeScriptFormat(w uint32) (codeWords uint32, stack, heap uint8) {
	return field(w, 0, 16), uint8(field(w, 16, 8)), uint8(field(w, 24, 8))
}

func encodeScriptFormat(s Script) uint32 {
	return put(uint32(len(s.Code)), 0, 16) | put(uint32(s.StackDepth), 16, 8) | put(uint32(s.HeapWords), 24, 8)
}

func wordsFor(n uint32) uint32 {
	return (n + WordSize - 1) / WordSize
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
