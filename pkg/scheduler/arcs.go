package scheduler

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
)

// BuildArcs creates the arc descriptors of img: buffers are resolved through
// tr, cursors restored from the image and the flow-error policy applied from
// the producer and consumer frame sizes.
//
// Instances sharing a graph must share the manager built here.
func BuildArcs(img *graph.Image, tr *mmu.Translator) (*arc.Manager, error) {
	m := arc.NewManager(tr, len(img.Arcs))
	for i := range img.Arcs {
		rec := &img.Arcs[i]
		if err := m.Reset(i, rec.Base, rec.Capacity, rec.ProducerFormat, rec.ConsumerFormat); err != nil {
			return nil, err
		}
		if err := m.Restore(i, rec.Read, rec.Write); err != nil {
			return nil, err
		}
		a, _ := m.Arc(i)
		a.DebugReg = rec.DebugReg
		a.Lock = rec.Lock

		pf, _ := img.Format(rec.ProducerFormat)
		cf, _ := img.Format(rec.ConsumerFormat)
		if _, err := m.CheckFlow(i, pf.FrameSize, cf.FrameSize); err != nil {
			return nil, fmt.Errorf("arc %d: %w", i, err)
		}
		if f := arc.Flags(rec.FlowFlags) &^ arc.FlagFlowError; f != 0 {
			a.SetFlag(f)
		}
	}
	return m, nil
}
