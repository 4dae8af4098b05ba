package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Internal serves the time, debug and version functions of GroupInternal.
// Arc primitives of the same group never reach it: the script node serves them.
type Internal struct {
	logger  *zap.Logger
	boot    time.Time
	now     func() time.Time
	version int32
}

// InternalOption configures Internal.
type InternalOption func(*Internal)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) InternalOption {
	return func(i *Internal) {
		i.now = now
	}
}

// WithVersion sets the value FuncVersion returns.
func WithVersion(v int32) InternalOption {
	return func(i *Internal) {
		i.version = v
	}
}

// NewInternal returns the internal group handler. A nil logger discards debug output.
func NewInternal(logger *zap.Logger, opts ...InternalOption) *Internal {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Internal{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.boot = i.now()
	return i
}

// Serve implements Handler.
func (i *Internal) Serve(_ context.Context, call Call) (int32, error) {
	switch call.Word.Function {
	case FuncTime:
		return int32(i.now().Sub(i.boot).Milliseconds()), nil
	case FuncDebug:
		i.logger.Debug("script debug",
			zap.Uint8("tag", call.Word.Tag),
			zap.Uint8("option", call.Word.Option),
			zap.Int32s("params", call.Params[:]),
		)
		return 0, nil
	case FuncVersion:
		return i.version, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrServiceUnsupported, call.Word)
	}
}

// NewDefaultRegistry returns a registry with the internal group installed and
// panics in handlers turned into errors.
func NewDefaultRegistry(logger *zap.Logger, opts ...InternalOption) *Registry {
	r := NewRegistry(Recover())
	r.Register(GroupInternal, NewInternal(logger, opts...))
	return r
}
