// Package jsnode provides a node kind that transforms arc data with a
// JavaScript function run by goja.
//
// The node parameter blob is the script source. It must define
//
//	function process(input) { ... }
//
// where input is a Uint8Array holding the bytes available on the node's
// first input. The return value is written to the first output: a typed
// array, an array of numbers, an ArrayBuffer or a string. Returning nothing
// consumes the input without producing. Globals persist between RUNs, so a
// script keeps state in ordinary variables.
//
// Output that does not fit the free space of the output arc is held back
// and written first on later RUNs; no input is consumed while some remains.
// A call that throws or times out drops its input.
package jsnode

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
)

// Kind is the node kind id of JS nodes.
const Kind uint16 = 5

var (
	ErrCompile = rterrors.NewError(rterrors.CodeNode, "javascript compile failed", nil)
	ErrRuntime = rterrors.NewError(rterrors.CodeNode, "javascript run failed", nil)
	ErrTimeout = rterrors.NewError(rterrors.CodeNode, "javascript run timed out", nil)
	ErrResult  = rterrors.NewError(rterrors.CodeNode, "unsupported javascript result", nil)
)

const entry = `(function (buf) {
	var r = process(new Uint8Array(buf));
	if (r === undefined || r === null) {
		return [];
	}
	if (typeof r === "string") {
		return r;
	}
	if (r instanceof ArrayBuffer) {
		r = new Uint8Array(r);
	}
	return Array.from(Uint8Array.from(r));
})`

// Register installs the JS kind into r.
func Register(r *node.Registry, cfg Config) error {
	creator, err := NewCreator(cfg)
	if err != nil {
		return err
	}
	r.Register(Kind, "js", creator)
	return nil
}

// NewCreator returns a node.Creator sharing cfg.
func NewCreator(cfg Config) (node.Creator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func(rec *graph.NodeRecord) (node.Node, error) {
		return &Node{BaseNode: node.NewBaseNode(rec), cfg: cfg}, nil
	}, nil
}

// Node runs one script.
type Node struct {
	node.BaseNode
	cfg Config

	vm      *goja.Runtime
	fn      goja.Callable
	pending []byte

	runs    atomic.Int64
	errs    atomic.Int64
	lastErr error
	fault   error
}

// Reset compiles the script. A warm boot keeps the runtime and its globals.
func (n *Node) Reset(args node.ResetArgs) error {
	if err := n.BaseNode.Reset(args); err != nil {
		return err
	}
	if n.WarmBoot() && n.vm != nil {
		return nil
	}
	n.pending = nil
	n.lastErr = nil
	return n.compile()
}

func (n *Node) compile() error {
	src := string(n.Params())
	if src == "" {
		return fmt.Errorf("%w: node %d has no script", ErrCompile, n.Record().Index)
	}
	prog, err := goja.Compile(fmt.Sprintf("node-%d.js", n.Record().Index), src, false)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompile, err)
	}

	vm, err := newRuntime(n.cfg, n.Record().Index)
	if err != nil {
		return err
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if fn, ok := goja.AssertFunction(vm.Get("process")); !ok || fn == nil {
		return fmt.Errorf("%w: script does not define process(input)", ErrCompile)
	}
	wrapped, err := vm.RunString(entry)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompile, err)
	}
	fn, _ := goja.AssertFunction(wrapped)

	n.vm = vm
	n.fn = fn
	return nil
}

// SetParameter replaces the script. The new script starts with fresh globals.
func (n *Node) SetParameter(cmd node.Command, params []byte) error {
	if err := n.BaseNode.SetParameter(cmd, params); err != nil {
		return err
	}
	if n.vm == nil {
		return nil
	}
	return n.compile()
}

// Run feeds the available input to process and writes the result.
func (n *Node) Run(args *node.RunArgs) node.Status {
	n.fault = nil
	ins, outs := args.Inputs(), args.Outputs()
	var in, out *node.Buffer
	if len(ins) > 0 {
		in = ins[0]
	}
	if len(outs) > 0 {
		out = outs[0]
	}
	inSize := uint32(0)
	if in != nil {
		inSize = in.Size
		in.Size = 0
	}
	outRoom := uint32(0)
	if out != nil {
		outRoom = out.Size
		out.Size = 0
	}
	if n.fn == nil {
		return node.TaskCompleted
	}

	written := uint32(0)
	if len(n.pending) > 0 {
		written = n.drain(out, 0, outRoom)
		if len(n.pending) > 0 {
			return node.TaskNotCompleted
		}
	}
	if inSize == 0 {
		return node.TaskCompleted
	}

	result, err := n.call(args.Ctx, in.Data[:inSize])
	in.Size = inSize
	n.runs.Add(1)
	if err != nil {
		n.errs.Add(1)
		n.lastErr = err
		n.fault = err
		return node.TaskCompleted
	}
	n.pending = result
	written = n.drain(out, written, outRoom)
	if len(n.pending) > 0 {
		return node.TaskNotCompleted
	}
	return node.TaskCompleted
}

// drain copies pending output after the first written bytes of out.
func (n *Node) drain(out *node.Buffer, written, room uint32) uint32 {
	if out == nil {
		// Nowhere to write; output is discarded.
		n.pending = nil
		return written
	}
	c := copy(out.Data[written:room], n.pending)
	n.pending = n.pending[c:]
	if len(n.pending) == 0 {
		n.pending = nil
	}
	written += uint32(c)
	out.Size = written
	return written
}

func (n *Node) call(ctx context.Context, input []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	vm := n.vm
	vm.ClearInterrupt()

	// Both callbacks are waited for before the interrupt is cleared, so a
	// late one cannot leak into the next call.
	var timedOut atomic.Bool
	fired := make(chan struct{})
	timer := time.AfterFunc(n.cfg.Timeout, func() {
		defer close(fired)
		timedOut.Store(true)
		vm.Interrupt("execution timeout")
	})
	cancelled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(cancelled)
		vm.Interrupt(ctx.Err())
	})
	defer func() {
		if !timer.Stop() {
			<-fired
		}
		if !stop() {
			<-cancelled
		}
		vm.ClearInterrupt()
	}()

	buf := make([]byte, len(input))
	copy(buf, input)
	v, err := n.fn(goja.Undefined(), vm.ToValue(vm.NewArrayBuffer(buf)))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if timedOut.Load() {
				return nil, fmt.Errorf("%w after %v", ErrTimeout, n.cfg.Timeout)
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrRuntime, ctx.Err())
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return exportBytes(v)
}

func exportBytes(v goja.Value) ([]byte, error) {
	switch x := v.Export().(type) {
	case string:
		return []byte(x), nil
	case []interface{}:
		out := make([]byte, len(x))
		for i, e := range x {
			switch num := e.(type) {
			case int64:
				out[i] = byte(num)
			case float64:
				out[i] = byte(int64(num))
			default:
				return nil, fmt.Errorf("%w: element %d is %T", ErrResult, i, e)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrResult, x)
	}
}

// Stop drops the runtime.
func (n *Node) Stop() error {
	n.vm = nil
	n.fn = nil
	n.pending = nil
	return n.BaseNode.Stop()
}

// Runs counts calls into the script.
func (n *Node) Runs() int64 { return n.runs.Load() }

// Errors counts failed calls.
func (n *Node) Errors() int64 { return n.errs.Load() }

// LastError returns the most recent script failure.
func (n *Node) LastError() error { return n.lastErr }

// Fault returns the error of the most recent RUN, nil when it ran clean.
func (n *Node) Fault() error { return n.fault }

// Pending returns the number of bytes held back for the output.
func (n *Node) Pending() int { return len(n.pending) }

var _ node.Node = (*Node)(nil)
