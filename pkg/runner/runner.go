// Package runner drives every scheduler instance of one graph side by side.
//
// One instance is created per processor. All of them share a single arc
// manager and boot barrier, and each is driven by its own goroutine. The main
// instance opens the I/O drivers; the others wait for it inside Reset.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// Config configures a Runner.
type Config struct {
	// Processors lists the processors to run an instance on. Empty means
	// every processor the graph allows.
	Processors []uint8

	// Main is the processor of the main instance. It must be one of Processors.
	Main uint8

	// Scheduler is the template for every instance. Processor and Main are
	// overwritten per instance.
	Scheduler scheduler.Config

	// InstanceID names the instances. With a single processor it is used as
	// is, otherwise "-p<processor>" is appended. Empty ids are generated.
	InstanceID string

	// Runs is the number of Run calls per instance; 0 runs until ctx ends.
	// Default: 1
	Runs int

	// Interval pauses between Run calls.
	Interval time.Duration
}

// DefaultConfig runs once on every allowed processor with processor 0 as main.
func DefaultConfig() Config {
	return Config{
		Scheduler: scheduler.DefaultConfig(),
		Runs:      1,
	}
}

// Result is the outcome of one instance.
type Result struct {
	Instance  string
	Processor uint8
	Report    scheduler.Report
	Err       error
}

// Runner owns the instances of one graph.
type Runner struct {
	cfg       Config
	instances []*scheduler.Scheduler
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates one scheduler instance per processor. rt.Arcs and rt.Barrier
// are created when nil; drivers are handed to the main instance only.
func New(cfg Config, rt scheduler.RuntimeConfig, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rt.Image == nil || rt.Translator == nil || rt.Registry == nil {
		return nil, rterrors.NewError(rterrors.CodeConfiguration, "image, translator and registry are required", rterrors.ErrInvalidConfig)
	}
	if cfg.Runs < 0 {
		return nil, rterrors.NewError(rterrors.CodeConfiguration, "runs must not be negative", rterrors.ErrInvalidConfig)
	}

	procs, err := processors(cfg, rt)
	if err != nil {
		return nil, err
	}
	if rt.Arcs == nil {
		if rt.Arcs, err = scheduler.BuildArcs(rt.Image, rt.Translator); err != nil {
			return nil, err
		}
	}
	if rt.Barrier == nil {
		rt.Barrier = scheduler.NewBootBarrier()
	}

	r := &Runner{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("daedalus/runner"),
	}
	for _, p := range procs {
		main := p == cfg.Main
		instRT := rt
		if !main {
			instRT.Drivers = nil
		}
		id := cfg.InstanceID
		if id != "" && len(procs) > 1 {
			id = fmt.Sprintf("%s-p%d", id, p)
		}
		s, err := scheduler.New(cfg.Scheduler.WithProcessor(p).WithMain(main), instRT,
			scheduler.WithLogger(logger),
			scheduler.WithInstanceID(id),
		)
		if err != nil {
			return nil, fmt.Errorf("processor %d: %w", p, err)
		}
		r.instances = append(r.instances, s)
	}

	logger.Info("Runner created",
		zap.Int("instances", len(r.instances)),
		zap.Uint8("main", cfg.Main),
		zap.Int("runs", cfg.Runs))
	return r, nil
}

// processors returns the sorted, deduplicated processor list and checks
// that the main processor is on it.
func processors(cfg Config, rt scheduler.RuntimeConfig) ([]uint8, error) {
	seen := make(map[uint8]bool)
	var procs []uint8
	if len(cfg.Processors) == 0 {
		for p := uint8(0); p < 32; p++ {
			if rt.Image.AllowsProcessor(p) {
				seen[p] = true
				procs = append(procs, p)
			}
		}
	}
	for _, p := range cfg.Processors {
		if !seen[p] {
			seen[p] = true
			procs = append(procs, p)
		}
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i] < procs[j] })

	if len(procs) == 0 {
		return nil, rterrors.NewError(rterrors.CodeConfiguration, "graph allows no processor", rterrors.ErrInvalidConfig)
	}
	if !seen[cfg.Main] {
		return nil, rterrors.NewError(rterrors.CodeConfiguration,
			fmt.Sprintf("main processor %d is not run", cfg.Main), rterrors.ErrInvalidConfig)
	}
	return procs, nil
}

// Run resets every instance and calls Run on it Config.Runs times, each
// instance on its own goroutine. The first failing instance cancels the
// others. An interrupted ctx is a normal way to stop and is not reported.
// Results come back in processor order.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(r.instances))
	var wg sync.WaitGroup
	for i, s := range r.instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.drive(ctx, s)
			if res.Err != nil {
				cancel()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("processor %d: %w", res.Processor, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runner) drive(ctx context.Context, s *scheduler.Scheduler) Result {
	cfg := s.Config()
	res := Result{Instance: s.ID(), Processor: cfg.Processor}

	ctx, span := r.tracer.Start(ctx, "runner.instance",
		trace.WithAttributes(
			attribute.String("scheduler.instance", s.ID()),
			attribute.Int("scheduler.processor", int(cfg.Processor)),
			attribute.Bool("scheduler.main", cfg.Main),
		))
	defer span.End()

	if err := s.Reset(ctx); err != nil {
		res.Err = err
	} else {
		res.Report, res.Err = Loop(ctx, s, r.cfg.Runs, r.cfg.Interval)
	}

	span.SetAttributes(
		attribute.Int("runner.passes", res.Report.Passes),
		attribute.Int64("runner.consumed", int64(res.Report.Consumed)),
		attribute.Int64("runner.produced", int64(res.Report.Produced)),
		attribute.Int("runner.faults", res.Report.Faults),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		r.logger.Error("Instance failed",
			zap.String("instance", res.Instance),
			zap.Uint8("processor", res.Processor),
			zap.Error(res.Err))
	}
	return res
}

// Loop calls Run until runs calls are made or ctx ends, adding up the
// reports. runs == 0 means until ctx ends; ctx ending is not an error.
func Loop(ctx context.Context, s *scheduler.Scheduler, runs int, interval time.Duration) (scheduler.Report, error) {
	var total scheduler.Report
	for i := 0; runs == 0 || i < runs; i++ {
		if ctx.Err() != nil {
			break
		}
		rep, err := s.Run(ctx)
		total.Passes += rep.Passes
		total.Consumed += rep.Consumed
		total.Produced += rep.Produced
		total.Faults += rep.Faults
		total.Unfinished = rep.Unfinished
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			return total, err
		}
		if interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}
	return total, nil
}

// Stop stops every instance, secondaries first so the main instance closes
// the drivers last.
func (r *Runner) Stop() error {
	var errs []error
	for i := len(r.instances) - 1; i >= 0; i-- {
		s := r.instances[i]
		if s.Config().Main {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if m := r.Main(); m != nil {
		if err := m.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instances returns the instances in processor order.
func (r *Runner) Instances() []*scheduler.Scheduler {
	return r.instances
}

// Instance returns the instance running on processor p, or nil.
func (r *Runner) Instance(p uint8) *scheduler.Scheduler {
	for _, s := range r.instances {
		if s.Config().Processor == p {
			return s
		}
	}
	return nil
}

// Main returns the main instance.
func (r *Runner) Main() *scheduler.Scheduler {
	return r.Instance(r.cfg.Main)
}
