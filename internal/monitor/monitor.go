// Package monitor records per-operation outcomes and computes rolling
// aggregates over a bounded trailing window. Observability must never
// break the pipeline it observes: sink failures are logged, not returned.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"credit-risk-engine/internal/common/logger"
)

// Record is an immutable per-operation event.
type Record struct {
	Component string
	Operation string
	Start     time.Time
	Duration  time.Duration
	Success   bool
	ErrorKind string
}

// Snapshot holds rolling aggregates over the trailing window.
type Snapshot struct {
	Count       int           `json:"count"`
	Failures    int           `json:"failures"`
	ErrorRate   float64       `json:"errorRate"`
	MeanLatency time.Duration `json:"meanLatency"`
	P95Latency  time.Duration `json:"p95Latency"`
	Window      time.Duration `json:"window"`
	Degraded    bool          `json:"degraded"`
}

// Sink receives every record as a durable side effect.
type Sink interface {
	Write(r Record) error
}

// Config bounds the window and sets degradation thresholds.
type Config struct {
	Window           time.Duration
	MaxRecords       int
	MinSamples       int
	ErrorRateLimit   float64
	LatencyP95Limit  time.Duration
}

// Monitor keeps a time- and count-bounded record set.
type Monitor struct {
	cfg    Config
	sink   Sink
	logger logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	records []Record
}

func New(cfg Config, sink Sink, log logger.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 4096
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.ErrorRateLimit <= 0 {
		cfg.ErrorRateLimit = 0.15
	}
	if cfg.LatencyP95Limit <= 0 {
		cfg.LatencyP95Limit = 2 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		sink:   sink,
		logger: log.WithFields(map[string]interface{}{"component": "monitor"}),
		now:    time.Now,
	}
}

// Record appends one event. Amortized O(1); never returns an error.
func (m *Monitor) Record(component, operation string, duration time.Duration, success bool, errorKind string) {
	now := m.now()
	r := Record{
		Component: component,
		Operation: operation,
		Start:     now.Add(-duration),
		Duration:  duration,
		Success:   success,
		ErrorKind: errorKind,
	}

	m.mu.Lock()
	m.records = append(m.records, r)
	if len(m.records) > m.cfg.MaxRecords {
		// Count bound: drop the oldest half in one copy, keeping appends O(1)
		// amortized instead of shifting on every insert.
		keep := m.cfg.MaxRecords / 2
		m.records = append(m.records[:0], m.records[len(m.records)-keep:]...)
	}
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.Write(r); err != nil {
			m.logger.Warn("metrics sink write failed", map[string]interface{}{
				"component": component, "operation": operation, "error": err,
			})
		}
	}
}

// Snapshot returns aggregates over the trailing window, evicting expired
// records first.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	m.evictLocked()
	window := make([]Record, len(m.records))
	copy(window, m.records)
	m.mu.Unlock()

	snap := Snapshot{Window: m.cfg.Window, Count: len(window)}
	if len(window) == 0 {
		return snap
	}

	var total time.Duration
	durations := make([]time.Duration, 0, len(window))
	for _, r := range window {
		total += r.Duration
		durations = append(durations, r.Duration)
		if !r.Success {
			snap.Failures++
		}
	}
	snap.ErrorRate = float64(snap.Failures) / float64(snap.Count)
	snap.MeanLatency = total / time.Duration(snap.Count)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (95*len(durations) + 99) / 100
	if idx > 0 {
		idx--
	}
	snap.P95Latency = durations[idx]

	snap.Degraded = m.degradedFrom(snap)
	return snap
}

// Degraded reports true once error rate or p95 latency crosses the
// configured thresholds over a minimum sample count.
func (m *Monitor) Degraded() bool {
	snap := m.Snapshot()
	return snap.Degraded
}

func (m *Monitor) degradedFrom(snap Snapshot) bool {
	if snap.Count < m.cfg.MinSamples {
		MonitorDegraded.Set(0)
		return false
	}
	degraded := snap.ErrorRate > m.cfg.ErrorRateLimit || snap.P95Latency > m.cfg.LatencyP95Limit
	if degraded {
		MonitorDegraded.Set(1)
	} else {
		MonitorDegraded.Set(0)
	}
	return degraded
}

// evictLocked drops records older than the window. Records are appended in
// arrival order, so the cut point is found by scanning from the front.
func (m *Monitor) evictLocked() {
	cutoff := m.now().Add(-m.cfg.Window)
	i := 0
	for i < len(m.records) && m.records[i].Start.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.records = append(m.records[:0], m.records[i:]...)
	}
}

// PrometheusSink writes records to the process-wide prometheus collectors.
type PrometheusSink struct{}

func (PrometheusSink) Write(r Record) (err error) {
	// promauto collectors panic on malformed label values rather than
	// returning errors; the monitor contract wants an error to swallow.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("prometheus sink: %v", rec)
		}
	}()

	OperationsTotal.WithLabelValues(r.Component, r.Operation).Inc()
	OperationDuration.WithLabelValues(r.Component, r.Operation).Observe(r.Duration.Seconds())
	if !r.Success {
		OperationsFailed.WithLabelValues(r.Component, r.Operation, r.ErrorKind).Inc()
	}
	return nil
}
