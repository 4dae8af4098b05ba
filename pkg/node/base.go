package node

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/services"
)

// BaseNode keeps what most node kinds need from RESET and implements the
// parameter commands. Embed it and implement Run.
type BaseNode struct {
	record   *graph.NodeRecord
	memory   [][]byte
	services services.Services
	params   []byte
	preset   uint8
	tag      uint8
	warm     bool
}

// NewBaseNode returns a base for rec. The parameter blob is copied once so
// later patches never touch the graph image.
func NewBaseNode(rec *graph.NodeRecord) BaseNode {
	b := BaseNode{record: rec}
	if rec != nil {
		b.params = append(make([]byte, 0, len(rec.Params.Bytes)), rec.Params.Bytes...)
		b.preset = rec.Params.Preset
		b.tag = rec.Params.Tag
	}
	return b
}

// Reset records the RESET payload.
func (b *BaseNode) Reset(args ResetArgs) error {
	if args.Record != nil {
		b.record = args.Record
	}
	b.memory = args.Memory
	b.services = args.Services
	b.warm = args.Command.Extension
	if args.Command.Preset != 0 {
		b.preset = args.Command.Preset
	}
	return nil
}

// SetParameter overwrites the parameter blob. A patch of the same size or
// smaller reuses the existing storage.
func (b *BaseNode) SetParameter(cmd Command, params []byte) error {
	if len(params) > cap(b.params) {
		return fmt.Errorf("parameter patch of %d bytes exceeds the %d reserved at load", len(params), cap(b.params))
	}
	b.params = b.params[:len(params)]
	copy(b.params, params)
	b.preset = cmd.Preset
	b.tag = cmd.Tag
	return nil
}

// ReadParameter returns a copy of the current parameter blob.
func (b *BaseNode) ReadParameter(Command) ([]byte, error) {
	return append([]byte(nil), b.params...), nil
}

// Stop implements Node.
func (b *BaseNode) Stop() error {
	b.memory = nil
	return nil
}

// Record returns the node-list record.
func (b *BaseNode) Record() *graph.NodeRecord { return b.record }

// Memory returns the resolved memory segments.
func (b *BaseNode) Memory() [][]byte { return b.memory }

// Services returns the services handle received at RESET.
func (b *BaseNode) Services() services.Services { return b.services }

// Params returns the current parameter blob. Callers must not keep it across commands.
func (b *BaseNode) Params() []byte { return b.params }

// Preset returns the active preset.
func (b *BaseNode) Preset() uint8 { return b.preset }

// Tag returns the tag of the last parameter patch.
func (b *BaseNode) Tag() uint8 { return b.tag }

// WarmBoot reports whether the last RESET was a warm boot.
func (b *BaseNode) WarmBoot() bool { return b.warm }

// UpdateRelocatable swaps the memory segments.
func (b *BaseNode) UpdateRelocatable(memory [][]byte) error {
	b.memory = memory
	return nil
}
