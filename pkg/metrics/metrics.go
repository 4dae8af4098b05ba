// Package metrics collects scheduler counters.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time copy of the counters.
type Metrics struct {
	Passes        int64  `json:"passes"`
	Dispatches    int64  `json:"dispatches"`
	NotCompleted  int64  `json:"not_completed"`
	Skipped       int64  `json:"skipped"`
	Errors        int64  `json:"errors"`
	BytesConsumed int64  `json:"bytes_consumed"`
	BytesProduced int64  `json:"bytes_produced"`
	DispatchNs    int64  `json:"dispatch_ns"`
	Instance      string `json:"instance"`
}

// Collector records scheduler activity. Implementations must be safe for
// concurrent use: snapshots may be taken while a scheduler runs.
type Collector interface {
	RecordPass()
	RecordDispatch(durationNs int64, consumed, produced uint32, completed bool)
	RecordSkipped()
	RecordError()
	GetMetrics() Metrics
	Reset()
}

// DefaultCollector is an atomic counters implementation of Collector.
type DefaultCollector struct {
	passes       atomic.Int64
	dispatches   atomic.Int64
	notCompleted atomic.Int64
	skipped      atomic.Int64
	errors       atomic.Int64
	consumed     atomic.Int64
	produced     atomic.Int64
	dispatchNs   atomic.Int64

	mu       sync.RWMutex
	instance string
}

// NewCollector creates a collector labelled with a scheduler instance id.
func NewCollector(instance string) *DefaultCollector {
	return &DefaultCollector{instance: instance}
}

// RecordPass counts one scheduler pass.
func (m *DefaultCollector) RecordPass() {
	m.passes.Add(1)
}

// RecordDispatch counts one RUN and the bytes it moved.
func (m *DefaultCollector) RecordDispatch(durationNs int64, consumed, produced uint32, completed bool) {
	m.dispatches.Add(1)
	m.dispatchNs.Add(durationNs)
	m.consumed.Add(int64(consumed))
	m.produced.Add(int64(produced))
	if !completed {
		m.notCompleted.Add(1)
	}
}

// RecordSkipped counts a node not dispatched by this instance.
func (m *DefaultCollector) RecordSkipped() {
	m.skipped.Add(1)
}

// RecordError counts a failed dispatch.
func (m *DefaultCollector) RecordError() {
	m.errors.Add(1)
}

// GetMetrics returns the current counters.
func (m *DefaultCollector) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Metrics{
		Passes:        m.passes.Load(),
		Dispatches:    m.dispatches.Load(),
		NotCompleted:  m.notCompleted.Load(),
		Skipped:       m.skipped.Load(),
		Errors:        m.errors.Load(),
		BytesConsumed: m.consumed.Load(),
		BytesProduced: m.produced.Load(),
		DispatchNs:    m.dispatchNs.Load(),
		Instance:      m.instance,
	}
}

// Reset zeroes all counters.
func (m *DefaultCollector) Reset() {
	m.passes.Store(0)
	m.dispatches.Store(0)
	m.notCompleted.Store(0)
	m.skipped.Store(0)
	m.errors.Store(0)
	m.consumed.Store(0)
	m.produced.Store(0)
	m.dispatchNs.Store(0)
}

// SetInstance relabels the collector.
func (m *DefaultCollector) SetInstance(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instance = id
}

// AverageDispatchTime returns the mean duration of a RUN.
func (m *DefaultCollector) AverageDispatchTime() time.Duration {
	n := m.dispatches.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.dispatchNs.Load() / n)
}

// CompletionRate returns the percentage of RUNs that reported completion.
func (m *DefaultCollector) CompletionRate() float64 {
	n := m.dispatches.Load()
	if n == 0 {
		return 0
	}
	return float64(n-m.notCompleted.Load()) / float64(n) * 100
}

var _ Collector = (*DefaultCollector)(nil)

// NoOpCollector discards everything.
type NoOpCollector struct{}

func (NoOpCollector) RecordPass()                                {}
func (NoOpCollector) RecordDispatch(int64, uint32, uint32, bool) {}
func (NoOpCollector) RecordSkipped()                             {}
func (NoOpCollector) RecordError()                               {}
func (NoOpCollector) GetMetrics() Metrics                        { return Metrics{} }
func (NoOpCollector) Reset()                                     {}

var _ Collector = NoOpCollector{}
