// Package basic provides reference node kinds that move bytes without
// transforming them. They exist to exercise the dispatch contract and are
// used by tools and tests to build small pipelines.
package basic

import (
	"encoding/binary"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
)

// Node kinds.
const (
	KindSource uint16 = 2
	KindCopy   uint16 = 3
	KindSink   uint16 = 4
)

// Register installs the basic kinds into r.
func Register(r *node.Registry) {
	r.Register(KindSource, "source", NewSource)
	r.Register(KindCopy, "copy", NewCopy)
	r.Register(KindSink, "sink", NewSink)
}

// param reads little-endian word i of a parameter blob, 0 when absent.
func param(p []byte, i int) uint32 {
	if len(p) < 4*(i+1) {
		return 0
	}
	return binary.LittleEndian.Uint32(p[4*i:])
}

// Params encodes parameter words the way the nodes of this package read them.
func Params(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// Source writes a counting byte pattern to its first output.
//
// Parameters: word 0 is the chunk written per RUN, word 1 the number of
// chunks to emit (0 for no limit). A chunk is written only when it fits whole.
type Source struct {
	node.BaseNode
	next    byte
	emitted uint32
}

// NewSource is the node.Creator of KindSource.
func NewSource(rec *graph.NodeRecord) (node.Node, error) {
	return &Source{BaseNode: node.NewBaseNode(rec)}, nil
}

// Reset restarts the pattern unless the boot is warm.
func (s *Source) Reset(args node.ResetArgs) error {
	if err := s.BaseNode.Reset(args); err != nil {
		return err
	}
	if !s.WarmBoot() {
		s.next = 0
		s.emitted = 0
	}
	return nil
}

// Run emits one chunk.
func (s *Source) Run(args *node.RunArgs) node.Status {
	outs := args.Outputs()
	if len(outs) == 0 {
		return node.TaskCompleted
	}
	out := outs[0]
	chunk := param(s.Params(), 0)
	limit := param(s.Params(), 1)
	if chunk == 0 || out.Size < chunk || (limit != 0 && s.emitted >= limit) {
		out.Size = 0
		return node.TaskCompleted
	}
	for i := range out.Data[:chunk] {
		out.Data[i] = s.next
		s.next++
	}
	out.Size = chunk
	s.emitted++
	return node.TaskCompleted
}

// Emitted returns the number of chunks written so far.
func (s *Source) Emitted() uint32 {
	return s.emitted
}

// Copy moves bytes from its first input to its first output.
//
// Parameter word 0 bounds the bytes moved per RUN (0 for no bound). When the
// bound stops a RUN while both data and room remain, Copy reports
// TaskNotCompleted.
type Copy struct {
	node.BaseNode
}

// NewCopy is the node.Creator of KindCopy.
func NewCopy(rec *graph.NodeRecord) (node.Node, error) {
	return &Copy{BaseNode: node.NewBaseNode(rec)}, nil
}

// Run copies one chunk.
func (c *Copy) Run(args *node.RunArgs) node.Status {
	ins, outs := args.Inputs(), args.Outputs()
	if len(ins) == 0 || len(outs) == 0 {
		return node.TaskCompleted
	}
	in, out := ins[0], outs[0]
	n := min(in.Size, out.Size)
	if limit := param(c.Params(), 0); limit != 0 && n > limit {
		n = limit
	}
	copy(out.Data[:n], in.Data[:n])

	more := in.Size > n && out.Size > n
	in.Size = n
	out.Size = n
	if more {
		return node.TaskNotCompleted
	}
	return node.TaskCompleted
}

// Sink consumes everything on its first input.
//
// Parameter word 0 is a frame size: when set, only whole frames are taken.
// The bytes of the most recent RUN that took any are kept for inspection.
type Sink struct {
	node.BaseNode
	total uint64
	last  []byte
}

// NewSink is the node.Creator of KindSink.
func NewSink(rec *graph.NodeRecord) (node.Node, error) {
	return &Sink{BaseNode: node.NewBaseNode(rec)}, nil
}

// Reset clears the counters.
func (s *Sink) Reset(args node.ResetArgs) error {
	if err := s.BaseNode.Reset(args); err != nil {
		return err
	}
	s.total = 0
	s.last = s.last[:0]
	return nil
}

// Run consumes the available input.
func (s *Sink) Run(args *node.RunArgs) node.Status {
	ins := args.Inputs()
	if len(ins) == 0 {
		return node.TaskCompleted
	}
	in := ins[0]
	n := in.Size
	if frame := param(s.Params(), 0); frame != 0 {
		n = n / frame * frame
	}
	in.Size = n
	if n == 0 {
		return node.TaskCompleted
	}
	s.total += uint64(n)
	s.last = append(s.last[:0], in.Data[:n]...)
	return node.TaskCompleted
}

// Total returns the bytes consumed since RESET.
func (s *Sink) Total() uint64 {
	return s.total
}

// Last returns the bytes taken by the most recent RUN.
func (s *Sink) Last() []byte {
	return s.last
}

var (
	_ node.Node = (*Source)(nil)
	_ node.Node = (*Copy)(nil)
	_ node.Node = (*Sink)(nil)
)
