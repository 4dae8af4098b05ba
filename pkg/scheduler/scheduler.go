// Package scheduler runs a loaded graph. A Scheduler resets the nodes it
// owns, then dispatches RUN to them pass after pass in node-list order: it
// builds each node's buffers from the arcs, lets the node report how many
// bytes it consumed and produced, and advances the arcs by exactly that.
//
// A Scheduler is single-threaded and cooperative; Run never sleeps or blocks
// on a node. Several instances, one per processor, may share an image, a
// translator, an arc manager and a boot barrier. Each instance owns the nodes
// whose processor affinity matches its own.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/services"
)

// State of a scheduler instance.
type State uint8

const (
	StateInit State = iota
	StateReset
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReset:
		return "reset"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	// ErrInvalidState is returned when an operation does not fit the lifecycle.
	ErrInvalidState = rterrors.NewError(rterrors.CodeNode, "operation not allowed in scheduler state", nil)

	// ErrProcessorNotAllowed is returned when the graph may not run on the instance's processor.
	ErrProcessorNotAllowed = rterrors.NewError(rterrors.CodeConfiguration, "processor not in the graph's allowed mask", rterrors.ErrInvalidConfig)

	// ErrNodeNotOwned is returned for node indexes another instance owns or that do not exist.
	ErrNodeNotOwned = rterrors.NewError(rterrors.CodeNode, "node not owned by this instance", nil)
)

// RuntimeConfig carries the tables a scheduler works on. Nothing in it is
// global, so instances running different graphs never interfere.
type RuntimeConfig struct {
	Image      *graph.Image
	Translator *mmu.Translator
	Registry   *node.Registry

	// Services is handed to nodes at RESET. Nil installs the default registry.
	Services services.Services

	// Arcs must be shared by all instances of one graph. Nil builds them with BuildArcs.
	Arcs *arc.Manager

	// Drivers serve the IO table, keyed by driver id. Only the main instance uses them.
	Drivers map[uint8]Driver

	// Barrier must be shared by all instances of one graph. Nil means the
	// instance runs alone.
	Barrier *BootBarrier
}

// DispatchEvent describes one RUN.
type DispatchEvent struct {
	Pass     int
	Node     int
	Kind     uint16
	Status   node.Status
	Consumed uint32
	Produced uint32
	// Fault is the failure the node reported for this RUN, if any.
	Fault error
}

// Report summarizes one Run call. Unfinished counts the nodes that reported
// TaskNotCompleted in the last pass; Faults counts RUNs that failed inside a
// node without stopping the graph.
type Report struct {
	Passes     int
	Consumed   uint64
	Produced   uint64
	Unfinished int
	Faults     int
}

// NodeStatus is the scheduling state of one owned node.
type NodeStatus struct {
	Index   int    `cbor:"1,keyasint" json:"index"`
	Kind    uint16 `cbor:"2,keyasint" json:"kind"`
	Name    string `cbor:"3,keyasint" json:"name"`
	Pending bool   `cbor:"4,keyasint" json:"pending"`
	Stopped bool   `cbor:"5,keyasint" json:"stopped"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstanceID replaces the generated instance id.
func WithInstanceID(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.id = id
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = c
	}
}

// WithTracer sets the tracer. The default comes from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = t
	}
}

// OnDispatch installs a hook called after every RUN.
func OnDispatch(fn func(DispatchEvent)) Option {
	return func(s *Scheduler) {
		s.onDispatch = fn
	}
}

type task struct {
	rec     *graph.NodeRecord
	node    node.Node
	name    string
	arcs    []*arc.Arc
	run     node.RunArgs
	pending bool
	stopped bool
	fault   error
}

func (t *task) command(kind node.CommandKind) node.Command {
	return node.Command{
		Kind:     kind,
		Preset:   t.rec.Params.Preset,
		Tag:      t.rec.Params.Tag,
		ArcCount: uint8(len(t.rec.Arcs)),
	}
}

// Scheduler is one scheduling instance.
type Scheduler struct {
	id         string
	cfg        Config
	term       Termination
	redispatch Redispatch

	img      *graph.Image
	tr       *mmu.Translator
	arcs     *arc.Manager
	services services.Services
	drivers  map[uint8]Driver
	order    []uint8
	barrier  *BootBarrier

	tasks []task
	owner []int
	state State
	pass  int

	logger     *zap.Logger
	metrics    metrics.Collector
	tracer     trace.Tracer
	onDispatch func(DispatchEvent)
}

// New prepares an instance: it checks processor affinity, builds or adopts
// the arcs and creates the owned nodes. Nodes are not reset yet.
func New(cfg Config, rt RuntimeConfig, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rt.Image == nil || rt.Translator == nil || rt.Registry == nil {
		return nil, rterrors.NewError(rterrors.CodeConfiguration, "image, translator and registry are required", rterrors.ErrInvalidConfig)
	}
	img := rt.Image
	if !img.AllowsProcessor(cfg.Processor) {
		return nil, fmt.Errorf("%w: %d (mask %#x)", ErrProcessorNotAllowed, cfg.Processor, img.Header.ProcessorMask)
	}

	s := &Scheduler{
		id:       uuid.NewString(),
		cfg:      cfg,
		img:      img,
		tr:       rt.Translator,
		arcs:     rt.Arcs,
		services: rt.Services,
		drivers:  rt.Drivers,
		barrier:  rt.Barrier,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("daedalus/scheduler"),
	}
	s.term, s.redispatch = cfg.resolve(img.Header)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("instance", s.id), zap.Uint8("processor", cfg.Processor))
	if s.metrics == nil {
		s.metrics = metrics.NewCollector(s.id)
	}
	if s.services == nil {
		s.services = services.NewDefaultRegistry(s.logger)
	}

	if s.arcs == nil {
		m, err := BuildArcs(img, rt.Translator)
		if err != nil {
			return nil, err
		}
		s.arcs = m
	} else if s.arcs.Len() != len(img.Arcs) {
		return nil, rterrors.NewError(rterrors.CodeConfiguration,
			fmt.Sprintf("arc manager has %d arcs, graph has %d", s.arcs.Len(), len(img.Arcs)), rterrors.ErrInvalidConfig)
	}

	for id := range s.drivers {
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })

	s.owner = make([]int, len(img.Nodes))
	for i := range img.Nodes {
		s.owner[i] = -1
		rec := &img.Nodes[i]
		if rec.Processor != cfg.Processor || rec.Locked {
			continue
		}
		t, err := s.newTask(rt.Registry, rec)
		if err != nil {
			return nil, err
		}
		s.owner[i] = len(s.tasks)
		s.tasks = append(s.tasks, t)
	}

	s.logger.Info("Scheduler created",
		zap.Int("nodes", len(img.Nodes)),
		zap.Int("owned", len(s.tasks)),
		zap.Int("arcs", s.arcs.Len()),
		zap.Stringer("termination", s.term),
		zap.Stringer("redispatch", s.redispatch),
		zap.Bool("main", cfg.Main))
	return s, nil
}

// newTask creates the node and the RUN buffers it will be handed on every
// dispatch, so that dispatching allocates nothing.
func (s *Scheduler) newTask(reg *node.Registry, rec *graph.NodeRecord) (task, error) {
	n, err := reg.Create(rec)
	if err != nil {
		return task{}, err
	}
	t := task{
		rec:  rec,
		node: n,
		name: reg.Name(rec.Kind),
		arcs: make([]*arc.Arc, len(rec.Arcs)),
		run:  node.RunArgs{Buffers: make([]node.Buffer, len(rec.Arcs))},
	}
	for j, ref := range rec.Arcs {
		a, err := s.arcs.Arc(int(ref.Index))
		if err != nil {
			return task{}, fmt.Errorf("node %d: %w", rec.Index, err)
		}
		format := a.ConsumerFormat
		if ref.Output {
			format = a.ProducerFormat
		}
		f, _ := s.img.Format(format)
		t.arcs[j] = a
		t.run.Buffers[j] = node.Buffer{Arc: ref.Index, Output: ref.Output, Format: f}
	}
	return t, nil
}

// Reset boots the instance and sends RESET to every owned node.
//
// The main instance opens the I/O drivers and releases the boot barrier,
// passing on its own failure. Secondary instances wait for the barrier for at
// most Config.BootTimeout.
func (s *Scheduler) Reset(ctx context.Context) error {
	if s.state == StateReset || s.state == StateRunning {
		return fmt.Errorf("%w: reset while %s", ErrInvalidState, s.state)
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.reset",
		trace.WithAttributes(
			attribute.String("scheduler.instance", s.id),
			attribute.Int("scheduler.processor", int(s.cfg.Processor)),
			attribute.Bool("scheduler.main", s.cfg.Main),
		))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Scheduler reset failed", zap.Error(err))
		return err
	}

	if err := s.boot(ctx); err != nil {
		return fail(err)
	}

	for i := range s.tasks {
		t := &s.tasks[i]
		mem, err := s.resolveMemory(t.rec)
		if err != nil {
			return fail(err)
		}
		cmd := t.command(node.CmdReset)
		cmd.Extension = s.cfg.WarmBoot
		args := &node.ResetArgs{
			Record:   t.rec,
			Image:    s.img,
			Memory:   mem,
			Services: s.services,
			Arcs:     s.arcs,
		}
		if _, err := node.Dispatch(t.node, cmd, node.Payload{Reset: args}); err != nil {
			return fail(fmt.Errorf("reset node %d (%s): %w", t.rec.Index, t.name, err))
		}
		t.pending = false
		t.stopped = false
	}

	s.state = StateReset
	s.pass = 0
	s.logger.Info("Scheduler reset", zap.Int("nodes", len(s.tasks)), zap.Bool("warm_boot", s.cfg.WarmBoot))
	return nil
}

func (s *Scheduler) boot(ctx context.Context) error {
	if !s.cfg.Main {
		if s.barrier == nil {
			return nil
		}
		s.logger.Debug("Waiting for main instance")
		wctx, cancel := context.WithTimeout(ctx, s.cfg.BootTimeout)
		defer cancel()
		return s.barrier.Wait(wctx)
	}

	err := s.openDrivers(ctx)
	if s.barrier != nil {
		s.barrier.Release(err)
	}
	return err
}

func (s *Scheduler) openDrivers(ctx context.Context) error {
	ports := make(map[uint8][]Port)
	for i, e := range s.img.IO {
		if _, ok := s.drivers[e.Driver]; !ok {
			return rterrors.NewError(rterrors.CodeIO,
				fmt.Sprintf("no driver %d for io entry %d", e.Driver, i), rterrors.ErrInvalidConfig)
		}
		a, err := s.arcs.Arc(int(e.Arc))
		if err != nil {
			return fmt.Errorf("io entry %d: %w", i, err)
		}
		ports[e.Driver] = append(ports[e.Driver], Port{Entry: e, Arc: a})
	}
	for _, id := range s.order {
		if err := s.drivers[id].Open(ctx, ports[id]); err != nil {
			return rterrors.NewError(rterrors.CodeIO, fmt.Sprintf("open driver %d", id), err)
		}
		s.logger.Debug("Driver opened", zap.Uint8("driver", id), zap.Int("ports", len(ports[id])))
	}
	return nil
}

func (s *Scheduler) resolveMemory(rec *graph.NodeRecord) ([][]byte, error) {
	if len(rec.Memory) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(rec.Memory))
	for i, seg := range rec.Memory {
		b, err := s.tr.Resolve(seg.Base, int(seg.Size))
		if err != nil {
			return nil, fmt.Errorf("node %d memory segment %d: %w", rec.Index, i, err)
		}
		out[i] = b
	}
	return out, nil
}

// Run performs passes until the termination policy says to return, at most
// Config.MaxPasses of them. ctx is checked between passes only.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	var rep Report
	if s.state != StateReset && s.state != StateRunning {
		return rep, fmt.Errorf("%w: run while %s", ErrInvalidState, s.state)
	}
	s.state = StateRunning

	for rep.Passes < s.cfg.MaxPasses {
		if err := ctx.Err(); err != nil {
			return rep, rterrors.NewError(rterrors.CodeContextCancelled, "run interrupted", err)
		}
		p, err := s.runPass(ctx)
		rep.Passes++
		rep.Consumed += p.consumed
		rep.Produced += p.produced
		rep.Unfinished = p.unfinished
		rep.Faults += p.faults
		if err != nil {
			return rep, err
		}
		if err := s.flush(ctx); err != nil {
			return rep, err
		}
		if s.term == ReturnAfterPass {
			break
		}
		if p.consumed == 0 && p.produced == 0 && p.unfinished == 0 {
			break
		}
	}
	return rep, nil
}

type passStats struct {
	consumed   uint64
	produced   uint64
	unfinished int
	faults     int
}

func (s *Scheduler) runPass(ctx context.Context) (passStats, error) {
	s.pass++
	ctx, span := s.tracer.Start(ctx, "scheduler.pass",
		trace.WithAttributes(
			attribute.String("scheduler.instance", s.id),
			attribute.Int("scheduler.pass", s.pass),
		))
	defer span.End()
	s.metrics.RecordPass()

	var st passStats
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.stopped {
			s.metrics.RecordSkipped()
			continue
		}
		for retry := 0; ; retry++ {
			status, in, out, err := s.dispatchRun(ctx, t)
			if err != nil {
				s.metrics.RecordError()
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return st, err
			}
			st.consumed += uint64(in)
			st.produced += uint64(out)
			t.pending = status == node.TaskNotCompleted
			if t.fault != nil {
				st.faults++
			}

			// An unfinished node that moved nothing would only spin.
			if !t.pending || s.redispatch != Immediate || in+out == 0 || retry >= s.cfg.MaxRetries {
				break
			}
		}
		if t.pending {
			st.unfinished++
		}
	}

	span.SetAttributes(
		attribute.Int64("scheduler.bytes_consumed", int64(st.consumed)),
		attribute.Int64("scheduler.bytes_produced", int64(st.produced)),
		attribute.Int("scheduler.unfinished", st.unfinished),
		attribute.Int("scheduler.faults", st.faults),
	)
	s.logger.Debug("Pass completed",
		zap.Int("pass", s.pass),
		zap.Uint64("consumed", st.consumed),
		zap.Uint64("produced", st.produced),
		zap.Int("unfinished", st.unfinished),
		zap.Int("faults", st.faults))
	return st, nil
}

// dispatchRun sends RUN to one node and advances its arcs by what it reports.
// Reported sizes are clamped to the views handed out.
func (s *Scheduler) dispatchRun(ctx context.Context, t *task) (node.Status, uint32, uint32, error) {
	for j := range t.run.Buffers {
		b := &t.run.Buffers[j]
		if b.Output {
			b.Data = t.arcs[j].WriteView()
		} else {
			view, _, err := s.arcs.ConsumerView(t.arcs[j].Index)
			if err != nil {
				return node.TaskCompleted, 0, 0, fmt.Errorf("node %d: %w", t.rec.Index, err)
			}
			b.Data = view
		}
		b.Size = uint32(len(b.Data))
	}

	t.run.Ctx = ctx
	start := time.Now()
	res, err := node.Dispatch(t.node, t.command(node.CmdRun), node.Payload{Run: &t.run})
	elapsed := time.Since(start)
	t.run.Ctx = nil
	if err != nil {
		return node.TaskCompleted, 0, 0, fmt.Errorf("run node %d (%s): %w", t.rec.Index, t.name, err)
	}

	var consumed, produced uint32
	for j := range t.run.Buffers {
		b := &t.run.Buffers[j]
		a := t.arcs[j]
		n := min(b.Size, uint32(len(b.Data)))
		b.Data = nil
		if b.Output {
			n = min(n, a.Free())
			if err := a.AdvanceWrite(n); err != nil {
				return res.Status, consumed, produced, err
			}
			produced += n
		} else {
			n = min(n, a.Available())
			if err := a.AdvanceRead(n); err != nil {
				return res.Status, consumed, produced, err
			}
			consumed += n
		}
	}

	s.metrics.RecordDispatch(elapsed.Nanoseconds(), consumed, produced, res.Status == node.TaskCompleted)
	t.fault = res.Fault
	if res.Fault != nil {
		s.metrics.RecordError()
		span := trace.SpanFromContext(ctx)
		span.RecordError(res.Fault, trace.WithAttributes(attribute.Int("scheduler.node", t.rec.Index)))
		s.logger.Warn("Node fault",
			zap.Int("pass", s.pass),
			zap.Int("node", t.rec.Index),
			zap.String("kind", t.name),
			zap.Error(res.Fault))
	}
	if s.onDispatch != nil {
		s.onDispatch(DispatchEvent{
			Pass:     s.pass,
			Node:     t.rec.Index,
			Kind:     t.rec.Kind,
			Status:   res.Status,
			Consumed: consumed,
			Produced: produced,
			Fault:    res.Fault,
		})
	}
	return res.Status, consumed, produced, nil
}

func (s *Scheduler) flush(ctx context.Context) error {
	if !s.cfg.Main {
		return nil
	}
	for _, id := range s.order {
		if err := s.drivers[id].Flush(ctx); err != nil {
			return rterrors.NewError(rterrors.CodeIO, fmt.Sprintf("flush driver %d", id), err)
		}
	}
	return nil
}

func (s *Scheduler) task(index int) (*task, error) {
	if index < 0 || index >= len(s.owner) || s.owner[index] < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotOwned, index)
	}
	return &s.tasks[s.owner[index]], nil
}

// SetParameter patches the parameters of a node without reallocating them.
// wait sets the extension bit, asking the node to finish the update before
// returning.
func (s *Scheduler) SetParameter(index int, preset, tag uint8, params []byte, wait bool) error {
	t, err := s.task(index)
	if err != nil {
		return err
	}
	cmd := t.command(node.CmdSetParameter)
	cmd.Preset = preset
	cmd.Tag = tag
	cmd.Extension = wait
	if _, err := node.Dispatch(t.node, cmd, node.Payload{Params: params}); err != nil {
		return fmt.Errorf("set parameter of node %d: %w", index, err)
	}
	return nil
}

// ReadParameter returns the current parameters of a node.
func (s *Scheduler) ReadParameter(index int) ([]byte, error) {
	t, err := s.task(index)
	if err != nil {
		return nil, err
	}
	res, err := node.Dispatch(t.node, t.command(node.CmdReadParameter), node.Payload{})
	if err != nil {
		return nil, fmt.Errorf("read parameter of node %d: %w", index, err)
	}
	return res.Params, nil
}

// Relocate resolves a node's memory segments again and hands them over with
// UPDATE_RELOCATABLE.
func (s *Scheduler) Relocate(index int) error {
	t, err := s.task(index)
	if err != nil {
		return err
	}
	mem, err := s.resolveMemory(t.rec)
	if err != nil {
		return err
	}
	if _, err := node.Dispatch(t.node, t.command(node.CmdUpdateRelocatable), node.Payload{Memory: mem}); err != nil {
		return fmt.Errorf("relocate node %d: %w", index, err)
	}
	return nil
}

// StopNode sends STOP to one node; it is not dispatched again until the next Reset.
func (s *Scheduler) StopNode(index int) error {
	t, err := s.task(index)
	if err != nil {
		return err
	}
	if t.stopped {
		return nil
	}
	t.stopped = true
	t.pending = false
	if _, err := node.Dispatch(t.node, t.command(node.CmdStop), node.Payload{}); err != nil {
		return fmt.Errorf("stop node %d: %w", index, err)
	}
	return nil
}

// Stop sends STOP to every running node and, on the main instance, closes
// the drivers. All failures are reported together.
func (s *Scheduler) Stop() error {
	if s.state == StateStopped {
		return nil
	}
	var errs []error
	for i := range s.tasks {
		if err := s.StopNode(s.tasks[i].rec.Index); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.Main && s.state != StateInit {
		for _, id := range s.order {
			if err := s.drivers[id].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close driver %d: %w", id, err))
			}
		}
	}
	s.state = StateStopped
	s.logger.Info("Scheduler stopped", zap.Int("passes", s.pass), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// ID returns the instance id.
func (s *Scheduler) ID() string { return s.id }

// Config returns the validated configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// State returns the lifecycle state.
func (s *Scheduler) State() State { return s.state }

// Passes returns the passes run since the last Reset.
func (s *Scheduler) Passes() int { return s.pass }

// Image returns the graph.
func (s *Scheduler) Image() *graph.Image { return s.img }

// Arcs returns the arc manager.
func (s *Scheduler) Arcs() *arc.Manager { return s.arcs }

// Metrics returns the metrics collector.
func (s *Scheduler) Metrics() metrics.Collector { return s.metrics }

// Termination returns the termination policy in effect.
func (s *Scheduler) Termination() Termination { return s.term }

// Redispatch returns the re-dispatch strategy in effect.
func (s *Scheduler) Redispatch() Redispatch { return s.redispatch }

// Node returns the node instance at list position index.
func (s *Scheduler) Node(index int) (node.Node, error) {
	t, err := s.task(index)
	if err != nil {
		return nil, err
	}
	return t.node, nil
}

// Nodes reports the owned nodes in list order.
func (s *Scheduler) Nodes() []NodeStatus {
	out := make([]NodeStatus, len(s.tasks))
	for i := range s.tasks {
		t := &s.tasks[i]
		out[i] = NodeStatus{
			Index:   t.rec.Index,
			Kind:    t.rec.Kind,
			Name:    t.name,
			Pending: t.pending,
			Stopped: t.stopped,
		}
	}
	return out
}
