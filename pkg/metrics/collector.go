// Package metrics maintains the core's operational counters. Counters are
// independent atomics; a snapshot may be torn across fields but each field
// is exact.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector accumulates event and function counters for the lifetime of
// the process. The zero value is not usable; call New.
type Collector struct {
	start time.Time

	eventsPublished atomic.Uint64
	eventsReplayed  atomic.Uint64
	eventsFailed    atomic.Uint64

	functionsExecuted    atomic.Uint64
	functionsSucceeded   atomic.Uint64
	functionsFailed      atomic.Uint64
	totalExecutionTimeMs atomic.Uint64

	logConnected atomic.Bool
}

func New() *Collector {
	return &Collector{start: time.Now()}
}

func (c *Collector) EventPublished() { c.eventsPublished.Add(1) }
func (c *Collector) EventReplayed()  { c.eventsReplayed.Add(1) }
func (c *Collector) EventFailed()    { c.eventsFailed.Add(1) }

// FunctionExecution records one completed invocation.
func (c *Collector) FunctionExecution(d time.Duration, success bool) {
	c.functionsExecuted.Add(1)
	c.totalExecutionTimeMs.Add(uint64(d.Milliseconds()))
	if success {
		c.functionsSucceeded.Add(1)
	} else {
		c.functionsFailed.Add(1)
	}
}

func (c *Collector) SetLogConnected(connected bool) { c.logConnected.Store(connected) }

// EventMetrics is the events block of a snapshot.
type EventMetrics struct {
	Published   uint64  `json:"published"`
	Replayed    uint64  `json:"replayed"`
	Failed      uint64  `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// FunctionMetrics is the functions block of a snapshot.
type FunctionMetrics struct {
	Executed           uint64  `json:"executed"`
	Succeeded          uint64  `json:"succeeded"`
	Failed             uint64  `json:"failed"`
	SuccessRate        float64 `json:"success_rate"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
}

// SystemMetrics is the system block of a snapshot.
type SystemMetrics struct {
	UptimeSeconds uint64 `json:"uptime_seconds"`
	LogConnected  bool   `json:"log_connected"`
}

// Snapshot is the wire shape served by the metrics endpoint.
type Snapshot struct {
	Events    EventMetrics    `json:"events"`
	Functions FunctionMetrics `json:"functions"`
	System    SystemMetrics   `json:"system"`
}

// Snapshot derives rates from the current counters. Success rates report
// 100 when nothing has run yet.
func (c *Collector) Snapshot() Snapshot {
	published := c.eventsPublished.Load()
	replayed := c.eventsReplayed.Load()
	eventsFailed := c.eventsFailed.Load()

	executed := c.functionsExecuted.Load()
	succeeded := c.functionsSucceeded.Load()
	fnFailed := c.functionsFailed.Load()
	totalMs := c.totalExecutionTimeMs.Load()

	eventTotal := published + replayed
	eventRate := 100.0
	if eventTotal > 0 {
		failed := eventsFailed
		if failed > eventTotal {
			failed = eventTotal
		}
		eventRate = float64(eventTotal-failed) / float64(eventTotal) * 100.0
	}

	fnRate := 100.0
	avgMs := 0.0
	if executed > 0 {
		fnRate = float64(succeeded) / float64(executed) * 100.0
		avgMs = float64(totalMs) / float64(executed)
	}

	return Snapshot{
		Events: EventMetrics{
			Published:   published,
			Replayed:    replayed,
			Failed:      eventsFailed,
			SuccessRate: eventRate,
		},
		Functions: FunctionMetrics{
			Executed:           executed,
			Succeeded:          succeeded,
			Failed:             fnFailed,
			SuccessRate:        fnRate,
			AvgExecutionTimeMs: avgMs,
		},
		System: SystemMetrics{
			UptimeSeconds: uint64(time.Since(c.start).Seconds()),
			LogConnected:  c.logConnected.Load(),
		},
	}
}
