package scheduler

import (
	"fmt"
	"time"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// Termination decides when Run returns.
type Termination uint8

const (
	// TerminationFromGraph follows the graph's scheduler control flags.
	TerminationFromGraph Termination = iota
	// ReturnAfterPass returns after one full pass regardless of remaining work.
	ReturnAfterPass
	// UntilNoProgress returns once a pass moves no data and leaves no node unfinished.
	UntilNoProgress
)

func (t Termination) String() string {
	switch t {
	case TerminationFromGraph:
		return "from-graph"
	case ReturnAfterPass:
		return "return-after-pass"
	case UntilNoProgress:
		return "until-no-progress"
	default:
		return fmt.Sprintf("termination(%d)", uint8(t))
	}
}

// ParseTermination reads the String form of a policy. Empty means
// TerminationFromGraph.
func ParseTermination(s string) (Termination, error) {
	for _, t := range []Termination{TerminationFromGraph, ReturnAfterPass, UntilNoProgress} {
		if s == t.String() {
			return t, nil
		}
	}
	if s == "" {
		return TerminationFromGraph, nil
	}
	return 0, fmt.Errorf("%w: unknown termination policy %q", rterrors.ErrInvalidConfig, s)
}

// Redispatch decides when a node that reported TaskNotCompleted runs again.
type Redispatch uint8

const (
	// RedispatchFromGraph follows the graph's scheduler control flags.
	RedispatchFromGraph Redispatch = iota
	// FinishPassFirst revisits unfinished nodes on the next pass, which bounds
	// the latency of one pass.
	FinishPassFirst
	// Immediate dispatches an unfinished node again straight away, as long as
	// it keeps moving data, up to MaxRetries extra times per pass.
	Immediate
)

func (r Redispatch) String() string {
	switch r {
	case RedispatchFromGraph:
		return "from-graph"
	case FinishPassFirst:
		return "finish-pass-first"
	case Immediate:
		return "immediate"
	default:
		return fmt.Sprintf("redispatch(%d)", uint8(r))
	}
}

// ParseRedispatch reads the String form of a strategy. Empty means
// RedispatchFromGraph.
func ParseRedispatch(s string) (Redispatch, error) {
	for _, r := range []Redispatch{RedispatchFromGraph, FinishPassFirst, Immediate} {
		if s == r.String() {
			return r, nil
		}
	}
	if s == "" {
		return RedispatchFromGraph, nil
	}
	return 0, fmt.Errorf("%w: unknown re-dispatch strategy %q", rterrors.ErrInvalidConfig, s)
}

// Config configures one scheduler instance.
type Config struct {
	// Processor is the id of the processor this instance runs on. Only nodes
	// with the same processor affinity are dispatched.
	Processor uint8

	// Main marks the instance that opens the shared I/O drivers and releases
	// the boot barrier. Exactly one instance per graph must be main.
	Main bool

	// Termination overrides the graph's termination policy.
	Termination Termination

	// Redispatch overrides the graph's re-dispatch strategy.
	Redispatch Redispatch

	// MaxPasses bounds the passes of one Run call.
	// Default: 1024
	MaxPasses int

	// MaxRetries bounds immediate re-dispatches of one node within a pass.
	// Default: 8
	MaxRetries int

	// WarmBoot sets the extension bit of RESET commands.
	WarmBoot bool

	// BootTimeout bounds how long a secondary instance waits for the main one.
	// Default: 5s
	BootTimeout time.Duration
}

// Defaults.
const (
	DefaultMaxPasses   = 1024
	DefaultMaxRetries  = 8
	DefaultBootTimeout = 5 * time.Second
)

// DefaultConfig returns the configuration of a single main instance on processor 0.
func DefaultConfig() Config {
	return Config{
		Processor:   0,
		Main:        true,
		Termination: TerminationFromGraph,
		Redispatch:  RedispatchFromGraph,
		MaxPasses:   DefaultMaxPasses,
		MaxRetries:  DefaultMaxRetries,
		BootTimeout: DefaultBootTimeout,
	}
}

// Validate applies defaults and rejects values no scheduler can run with.
func (c *Config) Validate() error {
	if c.Processor >= 32 {
		return rterrors.NewError(rterrors.CodeConfiguration, fmt.Sprintf("processor %d outside [0,32)", c.Processor), rterrors.ErrInvalidConfig)
	}
	if c.Termination > UntilNoProgress {
		return rterrors.NewError(rterrors.CodeConfiguration, "unknown termination policy "+c.Termination.String(), rterrors.ErrInvalidConfig)
	}
	if c.Redispatch > Immediate {
		return rterrors.NewError(rterrors.CodeConfiguration, "unknown re-dispatch strategy "+c.Redispatch.String(), rterrors.ErrInvalidConfig)
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = DefaultMaxPasses
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	return nil
}

// resolve replaces the FromGraph policies with the ones the image asks for.
func (c Config) resolve(h graph.Header) (Termination, Redispatch) {
	term, re := c.Termination, c.Redispatch
	if term == TerminationFromGraph {
		term = UntilNoProgress
		if h.Control&graph.ReturnAfterPass != 0 {
			term = ReturnAfterPass
		}
	}
	if re == RedispatchFromGraph {
		re = FinishPassFirst
		if h.Control&graph.ImmediateRedispatch != 0 {
			re = Immediate
		}
	}
	return term, re
}

// WithProcessor sets the processor id.
func (c Config) WithProcessor(p uint8) Config {
	c.Processor = p
	return c
}

// WithMain sets whether the instance is the main one.
func (c Config) WithMain(main bool) Config {
	c.Main = main
	return c
}

// WithTermination sets the termination policy.
func (c Config) WithTermination(t Termination) Config {
	c.Termination = t
	return c
}

// WithRedispatch sets the re-dispatch strategy.
func (c Config) WithRedispatch(r Redispatch) Config {
	c.Redispatch = r
	return c
}

// WithMaxPasses sets the pass bound of one Run call.
func (c Config) WithMaxPasses(n int) Config {
	c.MaxPasses = n
	return c
}

// WithMaxRetries sets the immediate re-dispatch bound.
func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

// WithWarmBoot sets whether RESET is a warm boot.
func (c Config) WithWarmBoot(warm bool) Config {
	c.WarmBoot = warm
	return c
}

// WithBootTimeout sets how long a secondary waits for the main instance.
func (c Config) WithBootTimeout(d time.Duration) Config {
	c.BootTimeout = d
	return c
}
