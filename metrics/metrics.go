// Package metrics defines the hooks the replicator reports through and a
// counter-based collector that can be served over HTTP.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names used with RecordDuration and RecordErrors.
const (
	OpFetch      = "fetch"
	OpAttachment = "attachment"
	OpInsert     = "insert"
	OpCheckpoint = "checkpoint"
	OpChanges    = "changes"
	OpEvict      = "evict"
)

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordDuration records how long one operation took
	RecordDuration(op string, d time.Duration)

	// RecordChanges records change feed rows discovered and completed
	RecordChanges(discovered, completed int)

	// RecordRevisions records revisions stored and rejected by the local store
	RecordRevisions(stored, rejected int)

	// RecordErrors records a failed operation by error kind
	RecordErrors(op, kind string)
}

// NoOpMetricsCollector discards everything.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordDuration(op string, d time.Duration) {}
func (*NoOpMetricsCollector) RecordChanges(discovered, completed int)   {}
func (*NoOpMetricsCollector) RecordRevisions(stored, rejected int)      {}
func (*NoOpMetricsCollector) RecordErrors(op, kind string)              {}

// Or returns m, or a no-op collector when m is nil.
func Or(m MetricsCollector) MetricsCollector {
	if m == nil {
		return &NoOpMetricsCollector{}
	}
	return m
}

// Collector keeps running totals.
type Collector struct {
	discovered atomic.Int64
	completed  atomic.Int64
	stored     atomic.Int64
	rejected   atomic.Int64
	lastUpdate atomic.Value // time.Time

	mu        sync.Mutex
	durations map[string]time.Duration
	counts    map[string]int64
	errors    map[string]int64
}

func NewCollector() *Collector {
	return &Collector{
		durations: make(map[string]time.Duration),
		counts:    make(map[string]int64),
		errors:    make(map[string]int64),
	}
}

func (c *Collector) RecordDuration(op string, d time.Duration) {
	c.mu.Lock()
	c.durations[op] += d
	c.counts[op]++
	c.mu.Unlock()
	c.lastUpdate.Store(time.Now())
}

func (c *Collector) RecordChanges(discovered, completed int) {
	c.discovered.Add(int64(discovered))
	c.completed.Add(int64(completed))
}

func (c *Collector) RecordRevisions(stored, rejected int) {
	c.stored.Add(int64(stored))
	c.rejected.Add(int64(rejected))
	c.lastUpdate.Store(time.Now())
}

func (c *Collector) RecordErrors(op, kind string) {
	if kind == "" {
		kind = "other"
	}
	c.mu.Lock()
	c.errors[op+"."+kind]++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of a Collector.
type Snapshot struct {
	Discovered  int64            `json:"changes_discovered"`
	Completed   int64            `json:"changes_completed"`
	Stored      int64            `json:"revisions_stored"`
	Rejected    int64            `json:"revisions_rejected"`
	DurationsMS map[string]int64 `json:"durations_ms"`
	Counts      map[string]int64 `json:"operations"`
	Errors      map[string]int64 `json:"errors"`
	LastUpdate  string           `json:"last_update,omitempty"`
}

func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Discovered:  c.discovered.Load(),
		Completed:   c.completed.Load(),
		Stored:      c.stored.Load(),
		Rejected:    c.rejected.Load(),
		DurationsMS: make(map[string]int64),
		Counts:      make(map[string]int64),
		Errors:      make(map[string]int64),
	}
	c.mu.Lock()
	for op, d := range c.durations {
		s.DurationsMS[op] = d.Milliseconds()
	}
	for op, n := range c.counts {
		s.Counts[op] = n
	}
	for k, n := range c.errors {
		s.Errors[k] = n
	}
	c.mu.Unlock()
	if t, ok := c.lastUpdate.Load().(time.Time); ok {
		s.LastUpdate = t.Format(time.RFC3339)
	}
	return s
}

// ServeHTTP exposes the snapshot as JSON.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Snapshot())
}
