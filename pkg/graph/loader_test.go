package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

func sampleBuilder(t *testing.T) *Builder {
	t.Helper()
	base0, err := mmu.Encode(1, 0, 0)
	require.NoError(t, err)
	base1, err := mmu.Encode(1, 256, 0)
	require.NoError(t, err)
	mem, err := mmu.Encode(2, 64, 1)
	require.NoError(t, err)

	b := NewBuilder().
		Control(ReturnAfterPass).
		ProcessorMask(0b101).
		ArcDebugIndex(3)

	f16 := b.AddFormat(Format{FrameSize: 16, RawType: 3, Interleave: 1, Channels: 2, TimestampKind: 1, SamplingRate: 48000, DomainMapping: 0xCAFE})
	f8 := b.AddFormat(Format{FrameSize: 8, Channels: 1, SamplingRate: 16000})

	a0 := b.AddArc(ArcRecord{Base: base0, Capacity: 64, ProducerFormat: f16, ConsumerFormat: f16, DebugReg: 2})
	a1 := b.AddArc(ArcRecord{Base: base1, Capacity: 128, ProducerFormat: f8, ConsumerFormat: f16, Read: 4, Write: 12, Lock: 7})

	b.AddIO(IOEntry{Arc: a0, Driver: 9, Settings: 0x11, DriverWords: [2]uint32{1, 2}})
	b.AddIO(IOEntry{Arc: a1, Transmit: true, Driver: 4})

	script := b.AddScript(Script{StackDepth: 8, HeapWords: 4, Budget: 100, Code: []uint32{0xAAAA, 0xBBBB, 0xCCCC}})
	b.AddScript(Script{StackDepth: 2, Budget: 5, Code: []uint32{0x1}})

	b.AddNode(NodeRecord{
		Kind:      12,
		Priority:  2,
		Processor: 2,
		Arch:      1,
		Arcs:      []ArcRef{{Index: a0}, {Index: a1, Output: true}},
		Memory:    []MemorySegment{{Base: mem, Size: 512}},
		Params:    Parameters{Preset: 3, Tag: 0x5A, Bytes: []byte{1, 2, 3, 4, 5}},
	})
	b.AddNode(NodeRecord{Kind: 1, Locked: true, ScriptIndex: script})
	return b
}

func TestLoadRoundTrip(t *testing.T) {
	blob, err := sampleBuilder(t).Build()
	require.NoError(t, err)

	g, err := Load(blob)
	require.NoError(t, err)

	assert.Equal(t, RelocateNone, g.Header.Relocation)
	assert.Equal(t, ReturnAfterPass, g.Header.Control)
	assert.Equal(t, uint16(3), g.Header.ArcDebugIndex)
	assert.True(t, g.AllowsProcessor(0))
	assert.False(t, g.AllowsProcessor(1))
	assert.True(t, g.AllowsProcessor(2))
	assert.False(t, g.AllowsProcessor(40))

	require.Len(t, g.Formats, 2)
	assert.Equal(t, Format{FrameSize: 16, RawType: 3, Interleave: 1, Channels: 2, TimestampKind: 1, SamplingRate: 48000, DomainMapping: 0xCAFE}, g.Formats[0])

	require.Len(t, g.Arcs, 2)
	assert.Equal(t, uint32(128), g.Arcs[1].Capacity)
	assert.Equal(t, uint8(1), g.Arcs[1].ProducerFormat)
	assert.Equal(t, uint8(0), g.Arcs[1].ConsumerFormat)
	assert.Equal(t, uint32(4), g.Arcs[1].Read)
	assert.Equal(t, uint32(12), g.Arcs[1].Write)
	assert.Equal(t, uint8(7), g.Arcs[1].Lock)
	assert.Equal(t, uint8(2), g.Arcs[0].DebugReg)

	require.Len(t, g.IO, 2)
	assert.Equal(t, IOEntry{Arc: 0, Driver: 9, Settings: 0x11, DriverWords: [2]uint32{1, 2}}, g.IO[0])
	assert.True(t, g.IO[1].Transmit)

	require.Len(t, g.Nodes, 2)
	n := g.Nodes[0]
	assert.Equal(t, uint16(12), n.Kind)
	assert.Equal(t, uint8(2), n.Priority)
	assert.Equal(t, uint8(2), n.Processor)
	assert.Equal(t, uint8(1), n.Arch)
	assert.Equal(t, []ArcRef{{Index: 0}, {Index: 1, Output: true}}, n.Arcs)
	assert.Len(t, n.Inputs(), 1)
	assert.Len(t, n.Outputs(), 1)
	require.Len(t, n.Memory, 1)
	assert.Equal(t, uint32(512), n.Memory[0].Size)
	assert.Equal(t, uint8(2), n.Memory[0].Base.Bank())
	assert.Equal(t, uint8(3), n.Params.Preset)
	assert.Equal(t, uint8(0x5A), n.Params.Tag)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, n.Params.Bytes)

	assert.True(t, g.Nodes[1].Locked)
	assert.Equal(t, 1, g.Nodes[1].Index)

	require.Len(t, g.Scripts, 2)
	s, ok := g.Script(g.Nodes[1].ScriptIndex)
	require.True(t, ok)
	assert.Equal(t, []uint32{0xAAAA, 0xBBBB, 0xCCCC}, s.Code)
	assert.Equal(t, uint8(8), s.StackDepth)
	assert.Equal(t, uint8(4), s.HeapWords)
	assert.Equal(t, uint32(100), s.Budget)

	_, ok = g.Script(0)
	assert.False(t, ok)
	_, ok = g.Script(3)
	assert.False(t, ok)
}

func TestLoadRelocationPolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    Relocation
		copies    int
		copiesAll bool
	}{
		{"none", RelocateNone, 0, false},
		{"all", RelocateAll, 1, true},
		{"from nodes", RelocateFromNodes, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := sampleBuilder(t).Relocation(tt.policy).Build()
			require.NoError(t, err)

			g, err := Load(blob)
			require.NoError(t, err)
			assert.Equal(t, tt.copies, g.Relocation.Copies)
			assert.Equal(t, tt.policy, g.Relocation.Policy)

			if tt.copiesAll {
				assert.Equal(t, len(blob), g.Relocation.CopiedBytes)
			}
			if tt.policy == RelocateFromNodes {
				assert.Less(t, g.Relocation.CopiedBytes, len(blob))
			}

			// Parameter views must not alias the caller's blob once relocated.
			params := g.Nodes[0].Params.Bytes
			for i := range blob {
				blob[i] = 0
			}
			if tt.policy == RelocateNone {
				assert.Equal(t, []byte{0, 0, 0, 0, 0}, params)
			} else {
				assert.Equal(t, []byte{1, 2, 3, 4, 5}, params)
			}
		})
	}
}

func TestLoadIntoWorkingMemory(t *testing.T) {
	blob, err := sampleBuilder(t).Relocation(RelocateAll).Build()
	require.NoError(t, err)

	region := make([]byte, len(blob)+64)
	g, err := Load(blob, WithWorkingMemory(region))
	require.NoError(t, err)
	assert.Equal(t, region[:len(blob)], g.WorkingMemory())
	assert.Equal(t, blob, region[:len(blob)])

	_, err = Load(blob, WithWorkingMemory(make([]byte, 8)))
	assert.ErrorIs(t, err, rterrors.ErrInvalidConfig)
}

func TestLoadMalformed(t *testing.T) {
	good, err := sampleBuilder(t).Build()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short header", func(b []byte) []byte { return b[:12] }},
		{"unaligned", func(b []byte) []byte { return append(b, 0) }},
		{"truncated sections", func(b []byte) []byte { return b[:len(b)-8] }},
		{"total mismatch", func(b []byte) []byte {
			putWord(b, 0, word(b, 0)+(1<<8))
			return b
		}},
		{"bad policy", func(b []byte) []byte {
			putWord(b, 0, word(b, 0)|3)
			return b
		}},
		{"arc count overstated", func(b []byte) []byte {
			putWord(b, 3, word(b, 3)+1)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := tt.mutate(append([]byte(nil), good...))
			_, err := Load(blob)
			require.Error(t, err)
			assert.True(t, rterrors.IsMalformed(err), "got %v", err)
		})
	}
}

func TestLoadNodeListWithoutTerminator(t *testing.T) {
	b := NewBuilder()
	b.AddNode(NodeRecord{Kind: 5})
	blob, err := b.Build()
	require.NoError(t, err)

	// The terminator is the last word of the node list; overwrite it with a node header.
	h := decodeHeader([HeaderWords]uint32{word(blob, 0), word(blob, 1), word(blob, 2), word(blob, 3), word(blob, 4)})
	l := computeLayout(h)
	putWord(blob, l.scripts-1, 5)

	_, err = Load(blob)
	assert.True(t, rterrors.IsMalformed(err), "got %v", err)
}

func TestLoadScriptOverrun(t *testing.T) {
	b := NewBuilder()
	b.AddScript(Script{Budget: 1, Code: []uint32{1, 2}})
	blob, err := b.Build()
	require.NoError(t, err)

	h := decodeHeader([HeaderWords]uint32{word(blob, 0), word(blob, 1), word(blob, 2), word(blob, 3), word(blob, 4)})
	l := computeLayout(h)
	putWord(blob, l.scripts, encodeScriptFormat(Script{Code: make([]uint32, 9)}))

	_, err = Load(blob)
	assert.True(t, rterrors.IsMalformed(err), "got %v", err)
}

func TestBuilderRejectsReservedKind(t *testing.T) {
	b := NewBuilder()
	b.AddNode(NodeRecord{Kind: EndOfList})
	_, err := b.Build()
	assert.Error(t, err)
}

func TestEmptyGraph(t *testing.T) {
	blob, err := NewBuilder().Build()
	require.NoError(t, err)
	g, err := Load(blob)
	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
	assert.Empty(t, g.Scripts)
	assert.Equal(t, uint32(HeaderWords+1), g.Header.TotalWords)
}
