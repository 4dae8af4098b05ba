// Package snapshot captures the observable state of a scheduler instance
// (arc cursors, node states, counters) and encodes it as canonical CBOR so
// that two identical runs produce byte-identical snapshots.
package snapshot

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/imagestore"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// Version is the snapshot layout version.
const Version = 1

// ContentType labels stored snapshots.
const ContentType = "application/cbor"

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// ErrVersion is returned when decoding a snapshot of another layout.
var ErrVersion = rterrors.NewError(rterrors.CodeIO, "unsupported snapshot version", nil)

// Snapshot is the state of one scheduler instance.
type Snapshot struct {
	Version   int                    `cbor:"1,keyasint" json:"version"`
	Instance  string                 `cbor:"2,keyasint" json:"instance"`
	Processor uint8                  `cbor:"3,keyasint" json:"processor"`
	State     string                 `cbor:"4,keyasint" json:"state"`
	Passes    int                    `cbor:"5,keyasint" json:"passes"`
	Arcs      []arc.State            `cbor:"6,keyasint" json:"arcs"`
	Nodes     []scheduler.NodeStatus `cbor:"7,keyasint" json:"nodes"`
	Metrics   metrics.Metrics        `cbor:"8,keyasint" json:"metrics"`
}

// Take captures s. Call it between Run calls.
func Take(s *scheduler.Scheduler) *Snapshot {
	snap := &Snapshot{
		Version:   Version,
		Instance:  s.ID(),
		Processor: s.Config().Processor,
		State:     s.State().String(),
		Passes:    s.Passes(),
		Nodes:     s.Nodes(),
	}
	if a := s.Arcs(); a != nil {
		snap.Arcs = a.Snapshot()
	}
	if m := s.Metrics(); m != nil {
		snap.Metrics = m.GetMetrics()
	}
	return snap
}

// Marshal encodes a snapshot.
func Marshal(s *Snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

// Unmarshal decodes a snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, s.Version)
	}
	return &s, nil
}

// Name is the default storage name: snapshots/<instance>/<passes>.cbor.
func (s *Snapshot) Name() string {
	return fmt.Sprintf("snapshots/%s/%06d.cbor", s.Instance, s.Passes)
}

// Save encodes s and stores it under name, or under s.Name() when name is
// empty. It returns the location reported by the store.
func Save(ctx context.Context, store imagestore.Store, s *Snapshot, name string) (string, error) {
	data, err := Marshal(s)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = s.Name()
	}
	return store.Put(ctx, name, data, map[string]string{
		"content-type": ContentType,
		"instance":     s.Instance,
		"passes":       fmt.Sprint(s.Passes),
	})
}
