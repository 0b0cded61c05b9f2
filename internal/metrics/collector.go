// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
}

// Operation names for the collector.
const (
	OpExtract  = "extract"
	OpBatch    = "batch"
	OpJobRun   = "job_run"
	OpPipeline = "pipeline"
)

// DispatchOp returns the operation name for dispatching one category.
func DispatchOp(category string) string {
	return "dispatch_" + category
}

// PipelineOp returns the operation name for a synchronous pipeline endpoint.
func PipelineOp(name string) string {
	return OpPipeline + "_" + name
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordFailure counts a failed run of an operation. Timing is recorded
// separately.
func (c *Collector) RecordFailure(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).Failures++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || (m.Count == 0 && m.Failures == 0) {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		snap.MinTimeMs = m.MinTime.Milliseconds()
	}
	return snap
}

// Operations returns the names of all recorded operations, sorted.
func (c *Collector) Operations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]*OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		if snap := snapshotOp(m); snap != nil {
			ops[name] = snap
		}
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    ops,
	}
}
