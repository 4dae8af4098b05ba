package scheduler

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// Port is one IO-table entry bound to its arc.
type Port struct {
	Entry graph.IOEntry
	Arc   *arc.Arc
}

// Driver moves data between the arcs of IO-table entries and the outside
// world. Drivers are keyed by the driver id of the entries they serve and are
// owned by the main instance.
//
// Receive ports are fed from the driver's own goroutines with
// arc.Arc.WriteExternal; that is the only write a driver may make to an arc
// from outside the scheduler. Transmit ports are drained in Flush, which the
// scheduler calls between passes.
type Driver interface {
	Open(ctx context.Context, ports []Port) error
	Flush(ctx context.Context) error
	Close() error
}
