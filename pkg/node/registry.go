package node

import (
	"fmt"
	"sort"
	"sync"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// ErrUnknownKind is returned when no creator is registered for a node kind.
var ErrUnknownKind = rterrors.NewError(rterrors.CodeNode, "no creator registered for node kind", nil)

// Registry maps numeric node kinds to creators.
// It maintains a thread-safe registry of node creators.
type Registry struct {
	creators map[uint16]Creator
	names    map[uint16]string
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		creators: make(map[uint16]Creator),
		names:    make(map[uint16]string),
	}
}

// Register registers a creator for a kind.
// If a creator already exists for the kind, it will be overwritten.
func (r *Registry) Register(kind uint16, name string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[kind] = creator
	r.names[kind] = name
}

// Create builds the node for rec.
func (r *Registry) Create(rec *graph.NodeRecord) (Node, error) {
	r.mu.RLock()
	creator, exists := r.creators[rec.Kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: kind %d (node %d)", ErrUnknownKind, rec.Kind, rec.Index)
	}

	n, err := creator(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %d (%s): %w", rec.Index, r.Name(rec.Kind), err)
	}
	return n, nil
}

// HasCreator checks if a creator exists for a kind.
func (r *Registry) HasCreator(kind uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.creators[kind]
	return exists
}

// Name returns the registered name of kind.
func (r *Registry) Name(kind uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.names[kind]; ok {
		return n
	}
	return fmt.Sprintf("kind-%d", kind)
}

// RegisteredKinds returns all registered kinds in ascending order.
func (r *Registry) RegisteredKinds() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]uint16, 0, len(r.creators))
	for k := range r.creators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Instantiate creates one node per record of img, in list order.
func (r *Registry) Instantiate(img *graph.Image) ([]Node, error) {
	nodes := make([]Node, len(img.Nodes))
	for i := range img.Nodes {
		n, err := r.Create(&img.Nodes[i])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}
