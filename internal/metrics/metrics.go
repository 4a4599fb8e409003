// Package metrics implements the rolling counters, per-priority processing-time averages,
// and throughput sampling described for the message buffer's MetricsCollector, plus an
// AlertChecker that compares the latest snapshot against a threshold bundle.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/pkg/ringbuffer"
)

const sampleWindowCapacity = 128 // power of two; the collector keeps only the newest 100

// rollingWindow holds up to maxKept processing-time samples for one priority and
// recomputes their average incrementally. The ring buffer provides the fixed-capacity slot
// storage; the mutex serializes the sum/count bookkeeping that the buffer's own atomics
// don't track, since "last-100" eviction depends on the count, not just slot occupancy.
type rollingWindow struct {
	mu      sync.Mutex
	slots   *ringbuffer.RingBuffer[time.Duration]
	maxKept int
	sum     time.Duration
	count   int
}

func newRollingWindow(maxKept int) *rollingWindow {
	return &rollingWindow{
		slots:   ringbuffer.New[time.Duration](sampleWindowCapacity),
		maxKept: maxKept,
	}
}

func (w *rollingWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= w.maxKept {
		if old := w.slots.Get(); old != nil {
			w.sum -= *old
			w.count--
		}
	}
	w.slots.Put(&d)
	w.sum += d
	w.count++
}

func (w *rollingWindow) average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	return w.sum / time.Duration(w.count)
}

// PrioritySnapshot is the per-priority slice of a Snapshot.
type PrioritySnapshot struct {
	Processed       uint64
	AvgProcessingMs float64
	QueueDepth      int
}

// Snapshot is an immutable point-in-time view of the collector's counters.
type Snapshot struct {
	TotalProcessed  uint64
	FailedCount     uint64
	RetryCount      uint64
	ThroughputPerS  float64
	LastUpdated     time.Time
	ByPriority      map[buffer.Priority]PrioritySnapshot
}

// Collector accumulates success/failure/retry counters and per-priority rolling averages.
// Counter mutation happens under one mutex: the counters are read far less often than they're
// written, so a single lock keeps the bookkeeping simple and correct under concurrent workers.
// Each priority's rolling window guards its samples with its own mutex, taken before c.mu.
type Collector struct {
	mu sync.Mutex

	totalProcessed uint64
	failedCount    uint64
	retryCount     uint64
	processed      [4]uint64
	windows        [4]*rollingWindow
	queueSizes     map[buffer.Priority]int

	windowStart   time.Time
	windowCount   uint64
	throughputPS  float64
	lastUpdated   time.Time
}

// NewCollector creates a Collector with a 100-sample rolling window per priority.
func NewCollector() *Collector {
	c := &Collector{
		queueSizes:  make(map[buffer.Priority]int, 4),
		windowStart: time.Now(),
		lastUpdated: time.Now(),
	}
	for i := range c.windows {
		c.windows[i] = newRollingWindow(100)
	}
	return c
}

// RecordSuccess records a successfully processed message: increments counters, appends a
// processing-time sample (evicting the oldest once the window holds 100), and recomputes the
// throughput whenever at least one second has elapsed since the last recomputation.
func (c *Collector) RecordSuccess(priority buffer.Priority, elapsed time.Duration) {
	c.windows[priority].record(elapsed)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalProcessed++
	c.processed[priority]++
	c.windowCount++
	c.lastUpdated = time.Now()

	if since := time.Since(c.windowStart); since >= time.Second {
		c.throughputPS = float64(c.windowCount) / since.Seconds()
		c.windowCount = 0
		c.windowStart = time.Now()
	}
}

// RecordFailure increments the failed-message counter.
func (c *Collector) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedCount++
	c.lastUpdated = time.Now()
}

// RecordRetry increments the retry counter.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount++
	c.lastUpdated = time.Now()
}

// UpdateQueueSizes replaces the queue-size snapshot used for the Buffer-pressure alert checks.
func (c *Collector) UpdateQueueSizes(sizes map[buffer.Priority]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueSizes = sizes
}

// Snapshot returns an immutable copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byPriority := make(map[buffer.Priority]PrioritySnapshot, 4)
	for p := buffer.Low; p <= buffer.Critical; p++ {
		byPriority[p] = PrioritySnapshot{
			Processed:       c.processed[p],
			AvgProcessingMs: float64(c.windows[p].average()) / float64(time.Millisecond),
			QueueDepth:      c.queueSizes[p],
		}
	}

	return Snapshot{
		TotalProcessed: c.totalProcessed,
		FailedCount:    c.failedCount,
		RetryCount:     c.retryCount,
		ThroughputPerS: c.throughputPS,
		LastUpdated:    c.lastUpdated,
		ByPriority:     byPriority,
	}
}

// ErrorRatePct returns failed/total * 100, or 0 when nothing has been processed yet.
func (s Snapshot) ErrorRatePct() float64 {
	if s.TotalProcessed == 0 {
		return 0
	}
	return float64(s.FailedCount) / float64(s.TotalProcessed) * 100
}

// Severity classifies an Alert.
type Severity string

// Severity levels, least to most urgent.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single threshold breach surfaced by the AlertChecker.
type Alert struct {
	Message   string
	Severity  Severity
	Timestamp time.Time
}

// Thresholds bundles the limits an AlertChecker compares a Snapshot against.
type Thresholds struct {
	QueueSizeWarning         int
	QueueSizeCritical        int
	ProcessingTimeWarningMs  float64
	ProcessingTimeCriticalMs float64
	MinThroughputWarning     float64
	ErrorRateWarningPct      float64
}

// AlertChecker evaluates Snapshots against a fixed Thresholds bundle.
type AlertChecker struct {
	thresholds Thresholds
}

// NewAlertChecker creates an AlertChecker bound to the given thresholds.
func NewAlertChecker(t Thresholds) *AlertChecker {
	return &AlertChecker{thresholds: t}
}

// Check evaluates queue depth, processing time, throughput and error rate independently and
// returns all resulting alerts together. For one priority's queue depth or processing time it
// reports only the most severe level reached: a critical breach raises no separate warning.
func (a *AlertChecker) Check(snap Snapshot) []Alert {
	var alerts []Alert
	now := snap.LastUpdated
	t := a.thresholds

	for p := buffer.Low; p <= buffer.Critical; p++ {
		ps := snap.ByPriority[p]
		switch {
		case t.QueueSizeCritical > 0 && ps.QueueDepth >= t.QueueSizeCritical:
			alerts = append(alerts, Alert{
				Message:   fmt.Sprintf("%s queue depth %d at or above critical threshold %d", p, ps.QueueDepth, t.QueueSizeCritical),
				Severity:  SeverityCritical,
				Timestamp: now,
			})
		case t.QueueSizeWarning > 0 && ps.QueueDepth >= t.QueueSizeWarning:
			alerts = append(alerts, Alert{
				Message:   fmt.Sprintf("%s queue depth %d at or above warning threshold %d", p, ps.QueueDepth, t.QueueSizeWarning),
				Severity:  SeverityWarning,
				Timestamp: now,
			})
		}

		switch {
		case t.ProcessingTimeCriticalMs > 0 && ps.AvgProcessingMs >= t.ProcessingTimeCriticalMs:
			alerts = append(alerts, Alert{
				Message:   fmt.Sprintf("%s avg processing time %.1fms at or above critical threshold %.1fms", p, ps.AvgProcessingMs, t.ProcessingTimeCriticalMs),
				Severity:  SeverityCritical,
				Timestamp: now,
			})
		case t.ProcessingTimeWarningMs > 0 && ps.AvgProcessingMs >= t.ProcessingTimeWarningMs:
			alerts = append(alerts, Alert{
				Message:   fmt.Sprintf("%s avg processing time %.1fms at or above warning threshold %.1fms", p, ps.AvgProcessingMs, t.ProcessingTimeWarningMs),
				Severity:  SeverityWarning,
				Timestamp: now,
			})
		}
	}

	if t.MinThroughputWarning > 0 && snap.ThroughputPerS < t.MinThroughputWarning {
		alerts = append(alerts, Alert{
			Message:   fmt.Sprintf("throughput %.2f msg/s below minimum %.2f msg/s", snap.ThroughputPerS, t.MinThroughputWarning),
			Severity:  SeverityWarning,
			Timestamp: now,
		})
	}

	if snap.TotalProcessed > 0 {
		if errRate := snap.ErrorRatePct(); t.ErrorRateWarningPct > 0 && errRate >= t.ErrorRateWarningPct {
			alerts = append(alerts, Alert{
				Message:   fmt.Sprintf("error rate %.2f%% at or above warning threshold %.2f%%", errRate, t.ErrorRateWarningPct),
				Severity:  SeverityWarning,
				Timestamp: now,
			})
		}
	}

	return alerts
}
