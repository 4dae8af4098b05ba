// Package services is the call-back surface nodes and scripts use to reach
// platform functionality: time, debug output, node control and the
// computational libraries addressed by service groups.
//
// A call is a packed service word plus up to four opaque parameters. The
// runtime does not interpret the semantics of any group; it only routes the
// call to the handler registered for the word's group.
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrServiceUnsupported is returned for calls to a group nobody registered.
var ErrServiceUnsupported = rterrors.NewError(rterrors.CodeService, "service not supported", rterrors.ErrUnsupported)

// Call is one service invocation.
type Call struct {
	Word   Word
	Params [4]int32
}

// Services is what nodes receive at RESET.
type Services interface {
	// Invoke runs the call and returns its scalar result.
	Invoke(ctx context.Context, call Call) (int32, error)
}

// Handler serves one service group.
type Handler interface {
	Serve(ctx context.Context, call Call) (int32, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (int32, error)

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, call Call) (int32, error) {
	return f(ctx, call)
}

// Middleware wraps a handler.
type Middleware func(Handler) Handler

// Registry routes calls to handlers by group.
// It is safe for concurrent use; handlers are normally registered at boot.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[Group]Handler
	middleware []Middleware
}

// NewRegistry returns an empty registry.
func NewRegistry(middleware ...Middleware) *Registry {
	return &Registry{
		handlers:   make(map[Group]Handler),
		middleware: middleware,
	}
}

// Register installs h for group g, replacing any previous handler.
func (r *Registry) Register(g Group, h Handler) {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[g] = h
}

// Has reports whether a handler serves g.
func (r *Registry) Has(g Group) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[g]
	return ok
}

// Groups returns the registered groups in ascending order.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.handlers))
	for g := range r.handlers {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invoke implements Services.
func (r *Registry) Invoke(ctx context.Context, call Call) (int32, error) {
	r.mu.RLock()
	h, ok := r.handlers[call.Word.Group]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrServiceUnsupported, call.Word)
	}
	return h.Serve(ctx, call)
}

var _ Services = (*Registry)(nil)

// Recover turns a panicking handler into an error.
func Recover() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, call Call) (v int32, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = rterrors.NewError(rterrors.CodeService, fmt.Sprintf("panic in %s", call.Word), fmt.Errorf("%v", p))
				}
			}()
			return next.Serve(ctx, call)
		})
	}
}
