package script

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/services"
)

// Kind is the node kind id of script nodes.
const Kind uint16 = 1

// DefaultBudget applies to scripts whose image entry carries no budget.
const DefaultBudget = 1024

// ErrPort is returned by arc primitives addressing a missing or exhausted port.
var ErrPort = rterrors.NewError(rterrors.CodeScript, "bad arc port", nil)

// Width options of FuncArcRead and FuncArcWrite.
const (
	WidthWord uint8 = iota
	WidthByte
	WidthHalf
)

// Node runs a script program as a graph node.
//
// The program's heap is seeded with the node parameters, one little-endian
// word per heap slot. Arc primitives address the node's arcs by their
// position in the record's arc list and move data through the RUN buffers,
// so the scheduler advances the arcs as for any other node.
type Node struct {
	node.BaseNode

	machine *Machine
	budget  uint32
	arcs    *arc.Manager
	last    Result

	ctx    context.Context
	run    *node.RunArgs
	limits []uint32
	moved  []uint32
}

// NewNode is the node.Creator of script nodes.
func NewNode(rec *graph.NodeRecord) (node.Node, error) {
	if rec.ScriptIndex == 0 {
		return nil, fmt.Errorf("node %d has no script", rec.Index)
	}
	return &Node{BaseNode: node.NewBaseNode(rec)}, nil
}

// Reset creates the script instance. A warm boot keeps an existing one.
func (n *Node) Reset(args node.ResetArgs) error {
	if err := n.BaseNode.Reset(args); err != nil {
		return err
	}
	n.arcs = args.Arcs
	if args.Command.Extension && n.machine != nil {
		return nil
	}
	if args.Image == nil {
		return fmt.Errorf("script node reset without image")
	}
	rec := n.Record()
	prog, ok := args.Image.Script(rec.ScriptIndex)
	if !ok {
		return fmt.Errorf("node %d: script %d not in image", rec.Index, rec.ScriptIndex)
	}

	heap := int(prog.HeapWords)
	if words := (len(n.Params()) + 3) / 4; words > heap {
		heap = words
	}
	m, err := New(prog.Code, Config{
		StackDepth: int(prog.StackDepth),
		HeapWords:  heap,
		Syscaller:  n,
	})
	if err != nil {
		return fmt.Errorf("node %d: %w", rec.Index, err)
	}
	n.machine = m
	n.budget = prog.Budget
	if n.budget == 0 {
		n.budget = DefaultBudget
	}
	n.loadParams()

	n.limits = make([]uint32, len(rec.Arcs))
	n.moved = make([]uint32, len(rec.Arcs))
	return nil
}

func (n *Node) loadParams() {
	heap := n.machine.Heap()
	p := n.Params()
	for i := 0; i*4 < len(p) && i < len(heap); i++ {
		var w [4]byte
		copy(w[:], p[i*4:])
		heap[i] = int32(binary.LittleEndian.Uint32(w[:]))
	}
}

// SetParameter patches the parameters and reseeds the heap.
func (n *Node) SetParameter(cmd node.Command, params []byte) error {
	if err := n.BaseNode.SetParameter(cmd, params); err != nil {
		return err
	}
	if n.machine != nil {
		n.loadParams()
	}
	return nil
}

// Run gives the program one budget. Running out of budget reports
// TaskNotCompleted; the program resumes on the next dispatch.
func (n *Node) Run(args *node.RunArgs) node.Status {
	if n.machine == nil {
		n.last = Result{}
		return node.TaskCompleted
	}
	n.run = args
	n.ctx = args.Ctx
	if n.ctx == nil {
		n.ctx = context.Background()
	}
	for i := range args.Buffers {
		if i < len(n.limits) {
			n.limits[i] = args.Buffers[i].Size
			n.moved[i] = 0
		}
	}

	n.last = n.machine.Run(n.budget)

	for i := range args.Buffers {
		if i < len(n.moved) {
			args.Buffers[i].Size = n.moved[i]
		} else {
			args.Buffers[i].Size = 0
		}
	}
	n.run = nil
	n.ctx = nil

	if n.last.BudgetExhausted {
		return node.TaskNotCompleted
	}
	return node.TaskCompleted
}

// Stop destroys the script instance.
func (n *Node) Stop() error {
	n.machine = nil
	return n.BaseNode.Stop()
}

// Machine returns the script instance, nil before RESET or after STOP.
func (n *Node) Machine() *Machine {
	return n.machine
}

// Fault returns the error that ended the most recent RUN, if any.
func (n *Node) Fault() error {
	return n.last.Err
}

// LastResult reports the most recent RUN.
func (n *Node) LastResult() Result {
	return n.last
}

// Syscall serves arc primitives itself and forwards everything else to the
// services received at RESET.
func (n *Node) Syscall(w services.Word, params [4]int32) (int32, error) {
	if w.IsArcPrimitive() {
		return n.arcPrimitive(w, params)
	}
	svc := n.Services()
	if svc == nil {
		return 0, fmt.Errorf("%w: %s", services.ErrServiceUnsupported, w)
	}
	ctx := n.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return svc.Invoke(ctx, services.Call{Word: w, Params: params})
}

func (n *Node) port(i int32) (*node.Buffer, int, error) {
	if n.run == nil || i < 0 || int(i) >= len(n.run.Buffers) || int(i) >= len(n.limits) {
		return nil, 0, fmt.Errorf("%w: %d", ErrPort, i)
	}
	return &n.run.Buffers[i], int(i), nil
}

func width(option uint8) uint32 {
	switch option {
	case WidthByte:
		return 1
	case WidthHalf:
		return 2
	default:
		return 4
	}
}

func (n *Node) arcPrimitive(w services.Word, p [4]int32) (int32, error) {
	if w.Function == services.FuncArcFlags {
		if n.run == nil || p[0] < 0 || int(p[0]) >= len(n.run.Buffers) || n.arcs == nil {
			return 0, fmt.Errorf("%w: %d", ErrPort, p[0])
		}
		a, err := n.arcs.Arc(int(n.run.Buffers[p[0]].Arc))
		if err != nil {
			return 0, err
		}
		return int32(a.Flags()), nil
	}

	b, i, err := n.port(p[0])
	if err != nil {
		return 0, err
	}
	left := n.limits[i] - n.moved[i]

	switch w.Function {
	case services.FuncArcAvailable:
		if b.Output {
			return 0, nil
		}
		return int32(left), nil

	case services.FuncArcFree:
		if !b.Output {
			return 0, nil
		}
		return int32(left), nil

	case services.FuncArcRead:
		size := width(w.Option)
		if b.Output || left < size {
			return 0, fmt.Errorf("%w: %d has %d bytes to read", ErrPort, i, left)
		}
		var buf [4]byte
		copy(buf[:size], b.Data[n.moved[i]:])
		n.moved[i] += size
		v := binary.LittleEndian.Uint32(buf[:])
		switch size {
		case 1:
			return int32(int8(v)), nil
		case 2:
			return int32(int16(v)), nil
		}
		return int32(v), nil

	default: // FuncArcWrite
		size := width(w.Option)
		if !b.Output || left < size {
			return 0, fmt.Errorf("%w: %d has %d bytes free", ErrPort, i, left)
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(p[1]))
		copy(b.Data[n.moved[i]:], buf[:size])
		n.moved[i] += size
		return int32(size), nil
	}
}

var (
	_ node.Node            = (*Node)(nil)
	_ node.ParameterReader = (*Node)(nil)
	_ Syscaller            = (*Node)(nil)
)
