// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for driver-level monitoring.
// Exposes counters and gauges in a thread-safe map with dynamic registration.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known counter names.
const (
	MetricBuffersFlushed   = "packetizer.buffers_flushed"
	MetricBytesSent        = "packetizer.bytes_sent"
	MetricMessagesReceived = "packetizer.messages_received"
	MetricUpcallSpawns     = "upcall.spawns"
	MetricUpcallHandoffs   = "upcall.handoffs"
	MetricUpcallErrors     = "upcall.handler_errors"
	MetricSplitterFailures = "splitter.peer_failures"
	MetricNameLookups      = "nameservice.lookups"
)

// MetricsRegistry holds counters and free-form gauges.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	gauges   map[string]any
	updated  atomic.Int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*atomic.Int64),
		gauges:   make(map[string]any),
	}
}

// Counter obtains or creates a named counter. Callers on hot paths keep the
// returned pointer. A nil registry returns a detached counter.
func (mr *MetricsRegistry) Counter(key string) *atomic.Int64 {
	if mr == nil {
		return new(atomic.Int64)
	}
	mr.mu.RLock()
	c, ok := mr.counters[key]
	mr.mu.RUnlock()
	if ok {
		return c
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c, ok := mr.counters[key]; ok {
		return c
	}
	c = new(atomic.Int64)
	mr.counters[key] = c
	return c
}

// Add increments a named counter.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	if mr == nil {
		return
	}
	mr.Counter(key).Add(delta)
	mr.updated.Store(time.Now().UnixNano())
}

// Set sets or updates a gauge.
func (mr *MetricsRegistry) Set(key string, value any) {
	if mr == nil {
		return
	}
	mr.mu.Lock()
	mr.gauges[key] = value
	mr.mu.Unlock()
	mr.updated.Store(time.Now().UnixNano())
}

// Updated returns the time of the last change.
func (mr *MetricsRegistry) Updated() time.Time {
	return time.Unix(0, mr.updated.Load())
}

// GetSnapshot returns the latest counters and gauges.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.counters)+len(mr.gauges))
	for k, v := range mr.gauges {
		out[k] = v
	}
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	return out
}
