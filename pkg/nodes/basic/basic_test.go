package basic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
)

func create(t *testing.T, c node.Creator, params []byte) node.Node {
	t.Helper()
	rec := &graph.NodeRecord{Params: graph.Parameters{Bytes: params}}
	n, err := c(rec)
	require.NoError(t, err)
	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset}}))
	return n
}

func TestSourceEmitsWholeChunks(t *testing.T) {
	n := create(t, NewSource, Params(4, 2))
	out := make([]byte, 6)
	args := &node.RunArgs{Buffers: []node.Buffer{{Output: true, Data: out, Size: 6}}}

	assert.Equal(t, node.TaskCompleted, n.Run(args))
	assert.Equal(t, uint32(4), args.Buffers[0].Size)
	assert.Equal(t, []byte{0, 1, 2, 3}, out[:4])

	// Too little room: nothing is written.
	args.Buffers[0].Size = 3
	n.Run(args)
	assert.Equal(t, uint32(0), args.Buffers[0].Size)

	args.Buffers[0].Size = 6
	n.Run(args)
	assert.Equal(t, []byte{4, 5, 6, 7}, out[:4])

	// Limit reached.
	args.Buffers[0].Size = 6
	n.Run(args)
	assert.Equal(t, uint32(0), args.Buffers[0].Size)
	assert.Equal(t, uint32(2), n.(*Source).Emitted())
}

func TestSourceWarmBootKeepsPattern(t *testing.T) {
	n := create(t, NewSource, Params(2))
	out := make([]byte, 2)
	n.Run(&node.RunArgs{Buffers: []node.Buffer{{Output: true, Data: out, Size: 2}}})

	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset, Extension: true}}))
	n.Run(&node.RunArgs{Buffers: []node.Buffer{{Output: true, Data: out, Size: 2}}})
	assert.Equal(t, []byte{2, 3}, out)

	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset}}))
	n.Run(&node.RunArgs{Buffers: []node.Buffer{{Output: true, Data: out, Size: 2}}})
	assert.Equal(t, []byte{0, 1}, out)
}

func TestCopyBoundedChunk(t *testing.T) {
	tests := []struct {
		name    string
		limit   uint32
		in, out uint32
		moved   uint32
		status  node.Status
	}{
		{"unbounded", 0, 8, 16, 8, node.TaskCompleted},
		{"output bound", 0, 8, 4, 4, node.TaskCompleted},
		{"chunk bound", 4, 8, 16, 4, node.TaskNotCompleted},
		{"chunk equals input", 4, 4, 16, 4, node.TaskCompleted},
		{"empty input", 4, 0, 16, 0, node.TaskCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := create(t, NewCopy, Params(tt.limit))
			in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
			out := make([]byte, 16)
			args := &node.RunArgs{Buffers: []node.Buffer{
				{Data: in[:tt.in], Size: tt.in},
				{Output: true, Data: out[:tt.out], Size: tt.out},
			}}

			assert.Equal(t, tt.status, n.Run(args))
			assert.Equal(t, tt.moved, args.Buffers[0].Size)
			assert.Equal(t, tt.moved, args.Buffers[1].Size)
			assert.Equal(t, in[:tt.moved], out[:tt.moved])
		})
	}
}

func TestSinkWholeFrames(t *testing.T) {
	n := create(t, NewSink, Params(3))
	s := n.(*Sink)
	args := &node.RunArgs{Buffers: []node.Buffer{{Data: []byte{1, 2, 3, 4, 5, 6, 7}, Size: 7}}}

	n.Run(args)
	assert.Equal(t, uint32(6), args.Buffers[0].Size)
	assert.Equal(t, uint64(6), s.Total())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, s.Last())

	require.NoError(t, n.Reset(node.ResetArgs{Command: node.Command{Kind: node.CmdReset}}))
	assert.Zero(t, s.Total())
	assert.Empty(t, s.Last())
}

func TestRegister(t *testing.T) {
	r := node.NewRegistry()
	Register(r)
	assert.Equal(t, []uint16{KindSource, KindCopy, KindSink}, r.RegisteredKinds())
	assert.Equal(t, "sink", r.Name(KindSink))
}
