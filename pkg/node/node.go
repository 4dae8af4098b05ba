// Package node defines the contract between the scheduler and the processing
// nodes of a graph.
//
// Every node kind implements Node. The scheduler talks to a node only
// through Dispatch, which decodes a Command and routes it to the matching
// capability. Optional capabilities (parameter read-back, relocation, data
// ports, library calls) are discovered with type assertions; a node that
// lacks one answers the command with ErrUnsupportedCommand.
//
// Nodes are created from their numeric kind id through a Registry when a
// graph is loaded. After that the id is no longer used.
package node

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/services"
)

// Status is what a node reports after RUN.
type Status uint8

const (
	// TaskCompleted means the node has nothing left to do for this pass.
	TaskCompleted Status = iota
	// TaskNotCompleted asks to be dispatched again.
	TaskNotCompleted
)

func (s Status) String() string {
	if s == TaskCompleted {
		return "completed"
	}
	return "not-completed"
}

// ResetArgs is the RESET payload.
type ResetArgs struct {
	Command Command
	Record  *graph.NodeRecord
	Image   *graph.Image
	// Memory holds the node's memory segments resolved to byte views.
	Memory   [][]byte
	Services services.Services
	Arcs     *arc.Manager
}

// Buffer is one arc as presented to a node during RUN.
//
// For inputs Data holds the readable bytes and Size the number of them that
// are real data; for outputs Data is the writable region and Size its length.
// The node rewrites Size to the number of bytes it consumed or produced.
type Buffer struct {
	Arc    uint16
	Output bool
	Format graph.Format
	Data   []byte
	Size   uint32
}

// RunArgs is the RUN payload.
type RunArgs struct {
	Ctx     context.Context
	Command Command
	Buffers []Buffer
}

// Inputs returns the input buffers in arc-list order.
func (r *RunArgs) Inputs() []*Buffer {
	return r.filter(false)
}

// Outputs returns the output buffers in arc-list order.
func (r *RunArgs) Outputs() []*Buffer {
	return r.filter(true)
}

func (r *RunArgs) filter(output bool) []*Buffer {
	var out []*Buffer
	for i := range r.Buffers {
		if r.Buffers[i].Output == output {
			out = append(out, &r.Buffers[i])
		}
	}
	return out
}

// Node is the capability every node kind implements.
type Node interface {
	// Reset prepares the node. Extension set on the command means warm boot.
	Reset(args ResetArgs) error
	// SetParameter patches the parameter blob in place.
	SetParameter(cmd Command, params []byte) error
	// Run processes the buffers and rewrites their sizes.
	Run(args *RunArgs) Status
	// Stop releases what Reset acquired.
	Stop() error
}

// ParameterReader answers READ_PARAMETER.
type ParameterReader interface {
	ReadParameter(cmd Command) ([]byte, error)
}

// Relocatable answers UPDATE_RELOCATABLE with freshly resolved memory segments.
type Relocatable interface {
	UpdateRelocatable(memory [][]byte) error
}

// DataPort answers SET_BUFFER, READ_DATA and WRITE_DATA.
type DataPort interface {
	SetBuffer(cmd Command, buf []byte) error
	ReadData(cmd Command, dst []byte) (int, error)
	WriteData(cmd Command, src []byte) (int, error)
}

// Faulter is implemented by nodes that can fail inside RUN without taking
// the graph down. Fault returns the failure of the most recent RUN, nil when
// it ran clean.
type Faulter interface {
	Fault() error
}

// Library answers LIBRARY calls.
type Library interface {
	Call(cmd Command, args []int32) (int32, error)
}

// Creator builds a node for one record of the node list.
type Creator func(rec *graph.NodeRecord) (Node, error)
