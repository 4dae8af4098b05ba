package node

import (
	"fmt"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrUnsupportedCommand is returned when a node lacks the capability a command needs.
var ErrUnsupportedCommand = rterrors.NewError(rterrors.CodeNode, "command not supported by node", rterrors.ErrUnsupported)

// Payload carries the command-dependent argument of a dispatch.
// Only the field matching the command kind is read.
type Payload struct {
	Reset  *ResetArgs // RESET
	Params []byte     // SET_PARAMETER
	Run    *RunArgs   // RUN
	Memory [][]byte   // UPDATE_RELOCATABLE
	Data   []byte     // SET_BUFFER, READ_DATA, WRITE_DATA
	Args   []int32    // LIBRARY
}

// Result is what a dispatch returns besides an error.
type Result struct {
	Status Status
	// N is the byte count of READ_DATA and WRITE_DATA.
	N int
	// Params is the READ_PARAMETER answer.
	Params []byte
	// Value is the LIBRARY answer.
	Value int32
	// Fault is what a Faulter reported after RUN.
	Fault error
}

// Dispatch invokes n with cmd. It is the single entry point the scheduler uses.
func Dispatch(n Node, cmd Command, p Payload) (Result, error) {
	switch cmd.Kind {
	case CmdReset:
		if p.Reset == nil {
			return Result{}, fmt.Errorf("%s: missing reset arguments", cmd.Kind)
		}
		args := *p.Reset
		args.Command = cmd
		return Result{}, n.Reset(args)

	case CmdSetParameter:
		return Result{}, n.SetParameter(cmd, p.Params)

	case CmdReadParameter:
		r, ok := n.(ParameterReader)
		if !ok {
			return Result{}, unsupported(cmd)
		}
		b, err := r.ReadParameter(cmd)
		return Result{Params: b}, err

	case CmdRun:
		if p.Run == nil {
			return Result{}, fmt.Errorf("%s: missing run arguments", cmd.Kind)
		}
		p.Run.Command = cmd
		res := Result{Status: n.Run(p.Run)}
		if f, ok := n.(Faulter); ok {
			res.Fault = f.Fault()
		}
		return res, nil

	case CmdStop:
		return Result{}, n.Stop()

	case CmdUpdateRelocatable:
		r, ok := n.(Relocatable)
		if !ok {
			return Result{}, unsupported(cmd)
		}
		return Result{}, r.UpdateRelocatable(p.Memory)

	case CmdSetBuffer, CmdReadData, CmdWriteData:
		d, ok := n.(DataPort)
		if !ok {
			return Result{}, unsupported(cmd)
		}
		switch cmd.Kind {
		case CmdSetBuffer:
			return Result{}, d.SetBuffer(cmd, p.Data)
		case CmdReadData:
			k, err := d.ReadData(cmd, p.Data)
			return Result{N: k}, err
		default:
			k, err := d.WriteData(cmd, p.Data)
			return Result{N: k}, err
		}

	case CmdLibrary:
		l, ok := n.(Library)
		if !ok {
			return Result{}, unsupported(cmd)
		}
		v, err := l.Call(cmd, p.Args)
		return Result{Value: v}, err

	default:
		return Result{}, fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}

func unsupported(cmd Command) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Kind)
}
