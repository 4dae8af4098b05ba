package graph

import (
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	working []byte
}

// WithWorkingMemory makes relocation copy into region instead of allocating.
// Typically region is (part of) a RAM memory bank.
func WithWorkingMemory(region []byte) LoadOption {
	return func(o *loadOptions) {
		o.working = region
	}
}

// layout holds section offsets in words.
type layout struct {
	io, formats, arcs, nodes, scripts, end int
}

func computeLayout(h Header) layout {
	var l layout
	l.io = HeaderWords
	l.formats = l.io + int(h.IOCount)*IOEntryWords
	l.arcs = l.formats + int(h.FormatCount)*FormatWords
	l.nodes = l.arcs + int(h.ArcCount)*ArcWords
	l.scripts = l.nodes + int(h.NodeWords)
	l.end = l.scripts + int(h.ScriptWords)
	return l
}

// Load parses a graph image. The blob is treated as read-only storage; the
// relocation policy decides whether section views point into it or into a
// single copy in working memory.
func Load(blob []byte, opts ...LoadOption) (*Image, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(blob) < HeaderWords*WordSize {
		return nil, rterrors.Malformed("image is %d bytes, header needs %d", len(blob), HeaderWords*WordSize)
	}
	if len(blob)%WordSize != 0 {
		return nil, rterrors.Malformed("image length %d is not word aligned", len(blob))
	}

	var hw [HeaderWords]uint32
	for i := range hw {
		hw[i] = word(blob, i)
	}
	h := decodeHeader(hw)
	if h.Relocation > RelocateFromNodes {
		return nil, rterrors.Malformed("unknown relocation policy %d", h.Relocation)
	}

	l := computeLayout(h)
	if int(h.TotalWords) != l.end {
		return nil, rterrors.Malformed("header declares %d words, sections add up to %d", h.TotalWords, l.end)
	}
	if l.end*WordSize > len(blob) {
		return nil, rterrors.Malformed("sections need %d bytes, image has %d", l.end*WordSize, len(blob))
	}

	g := &Image{Header: h, rom: blob[:l.end*WordSize]}
	if err := g.relocate(l, o.working); err != nil {
		return nil, err
	}

	// Header and fixed tables stay in place unless everything was copied.
	fixed := g.rom
	if h.Relocation == RelocateAll {
		fixed = g.ram
	}
	g.IO = make([]IOEntry, h.IOCount)
	for i := range g.IO {
		g.IO[i] = decodeIO(words(fixed, l.io+i*IOEntryWords, IOEntryWords))
	}
	g.Formats = make([]Format, h.FormatCount)
	for i := range g.Formats {
		g.Formats[i] = decodeFormat(words(fixed, l.formats+i*FormatWords, FormatWords))
	}
	g.Arcs = make([]ArcRecord, h.ArcCount)
	for i := range g.Arcs {
		g.Arcs[i] = decodeArc(words(fixed, l.arcs+i*ArcWords, ArcWords))
	}

	tail, tailBase := g.rom, 0
	switch h.Relocation {
	case RelocateAll:
		tail = g.ram
	case RelocateFromNodes:
		tail, tailBase = g.ram, l.nodes
	}

	nodes, err := parseNodes(tail, l.nodes-tailBase, int(h.NodeWords))
	if err != nil {
		return nil, err
	}
	g.Nodes = nodes

	scripts, err := parseScripts(tail, l.scripts-tailBase, int(h.ScriptWords))
	if err != nil {
		return nil, err
	}
	g.Scripts = scripts
	return g, nil
}

// relocate performs the one bulk copy the policy calls for.
func (g *Image) relocate(l layout, working []byte) error {
	var src []byte
	switch g.Header.Relocation {
	case RelocateNone:
		g.Relocation = RelocationInfo{Policy: RelocateNone}
		return nil
	case RelocateAll:
		src = g.rom
	case RelocateFromNodes:
		src = g.rom[l.nodes*WordSize:]
	}

	dst := working
	if dst == nil {
		dst = make([]byte, len(src))
	}
	if len(dst) < len(src) {
		return rterrors.NewError(rterrors.CodeConfiguration, "working memory too small for relocation", rterrors.ErrInvalidConfig)
	}
	dst = dst[:len(src)]
	copy(dst, src)

	g.ram = dst
	g.Relocation = RelocationInfo{
		Policy:      g.Header.Relocation,
		Copies:      1,
		CopiedBytes: len(src),
	}
	return nil
}

func words(b []byte, at, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = word(b, at+i)
	}
	return out
}

func parseNodes(b []byte, start, size int) ([]NodeRecord, error) {
	end := start + size
	var nodes []NodeRecord

	at := start
	for {
		if at >= end {
			return nil, rterrors.Malformed("node list has no terminator")
		}
		hdr := decodeNodeHeader(word(b, at))
		if uint16(hdr.kind) == EndOfList {
			return nodes, nil
		}
		if at+2 > end {
			return nil, rterrors.Malformed("node %d header truncated", len(nodes))
		}

		rec := NodeRecord{
			Index:       len(nodes),
			Offset:      at - start,
			Kind:        uint16(hdr.kind),
			Priority:    uint8(hdr.priority),
			Processor:   uint8(hdr.processor),
			Arch:        uint8(hdr.arch),
			Locked:      hdr.locked,
			ScriptIndex: uint8(hdr.script),
		}
		memCount := int(field(word(b, at+1), 0, 8))
		at += 2

		need := int(hdr.arcCount) + 2*memCount + 1
		if at+need > end {
			return nil, rterrors.Malformed("node %d record overruns node list", rec.Index)
		}

		rec.Arcs = make([]ArcRef, hdr.arcCount)
		for i := range rec.Arcs {
			rec.Arcs[i] = decodeArcRef(word(b, at))
			at++
		}
		rec.Memory = make([]MemorySegment, memCount)
		for i := range rec.Memory {
			rec.Memory[i] = MemorySegment{
				Base: mmu.PackedAddress(field(word(b, at), 0, mmu.AddressBits)),
				Size: word(b, at+1),
			}
			at += 2
		}

		preset, tag, paramBytes := decodeParamHeader(word(b, at))
		at++
		paramWords := int(wordsFor(paramBytes))
		if at+paramWords > end {
			return nil, rterrors.Malformed("node %d parameters overrun node list", rec.Index)
		}
		lo := at * WordSize
		rec.Params = Parameters{
			Preset: preset,
			Tag:    tag,
			Bytes:  b[lo : lo+int(paramBytes) : lo+int(paramBytes)],
		}
		at += paramWords

		nodes = append(nodes, rec)
	}
}

func parseScripts(b []byte, start, size int) ([]Script, error) {
	end := start + size
	var scripts []Script

	at := start
	for at < end {
		if at+2 > end {
			return nil, rterrors.Malformed("script %d header truncated", len(scripts)+1)
		}
		codeWords, stack, heap := decodeScriptFormat(word(b, at))
		budget := word(b, at+1)
		at += 2
		if at+int(codeWords) > end {
			return nil, rterrors.Malformed("script %d code overruns script section", len(scripts)+1)
		}
		scripts = append(scripts, Script{
			Index:      len(scripts) + 1,
			StackDepth: stack,
			HeapWords:  heap,
			Budget:     budget,
			Code:       words(b, at, int(codeWords)),
		})
		at += int(codeWords)
	}
	return scripts, nil
}
