package metrics

import (
	"testing"
	"time"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSuccessTracksPerPriorityCounts(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess(buffer.Critical, 10*time.Millisecond)
	c.RecordSuccess(buffer.Critical, 20*time.Millisecond)
	c.RecordSuccess(buffer.Low, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalProcessed)
	assert.Equal(t, uint64(2), snap.ByPriority[buffer.Critical].Processed)
	assert.Equal(t, uint64(1), snap.ByPriority[buffer.Low].Processed)
	assert.InDelta(t, 15.0, snap.ByPriority[buffer.Critical].AvgProcessingMs, 0.001)
}

func TestRollingWindowEvictsOldestBeyondMaxKept(t *testing.T) {
	w := newRollingWindow(3)
	w.record(10 * time.Millisecond)
	w.record(20 * time.Millisecond)
	w.record(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, w.average())

	// Fourth sample evicts the oldest (10ms), leaving 20, 30, 40 -> avg 30ms.
	w.record(40 * time.Millisecond)
	assert.Equal(t, 30*time.Millisecond, w.average())
}

func TestErrorRatePctZeroWhenNothingProcessed(t *testing.T) {
	snap := Snapshot{}
	assert.Equal(t, 0.0, snap.ErrorRatePct())
}

func TestErrorRatePctComputesPercentage(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess(buffer.Normal, time.Millisecond)
	c.RecordSuccess(buffer.Normal, time.Millisecond)
	c.RecordFailure()

	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.FailedCount)
	assert.InDelta(t, 50.0, snap.ErrorRatePct(), 0.001)
}

func TestUpdateQueueSizesReflectedInSnapshot(t *testing.T) {
	c := NewCollector()
	c.UpdateQueueSizes(map[buffer.Priority]int{buffer.High: 7})

	snap := c.Snapshot()
	assert.Equal(t, 7, snap.ByPriority[buffer.High].QueueDepth)
	assert.Equal(t, 0, snap.ByPriority[buffer.Low].QueueDepth)
}

func TestAlertCheckerEmitsNothingBelowThresholds(t *testing.T) {
	checker := NewAlertChecker(Thresholds{
		QueueSizeWarning:    100,
		QueueSizeCritical:   200,
		ErrorRateWarningPct: 50,
	})
	snap := Snapshot{
		TotalProcessed: 10,
		FailedCount:    1,
		LastUpdated:    time.Now(),
		ByPriority:     map[buffer.Priority]PrioritySnapshot{buffer.Low: {QueueDepth: 1}},
	}
	assert.Empty(t, checker.Check(snap))
}

func TestAlertCheckerEmitsCriticalQueueDepthAlert(t *testing.T) {
	checker := NewAlertChecker(Thresholds{QueueSizeWarning: 50, QueueSizeCritical: 100})
	snap := Snapshot{
		LastUpdated: time.Now(),
		ByPriority:  map[buffer.Priority]PrioritySnapshot{buffer.Critical: {QueueDepth: 150}},
	}
	alerts := checker.Check(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestAlertCheckerSuppressesErrorRateWhenNothingProcessed(t *testing.T) {
	checker := NewAlertChecker(Thresholds{ErrorRateWarningPct: 1})
	snap := Snapshot{
		TotalProcessed: 0,
		LastUpdated:    time.Now(),
		ByPriority:     map[buffer.Priority]PrioritySnapshot{},
	}
	assert.Empty(t, checker.Check(snap))
}

func TestAlertCheckerEmitsThroughputAndErrorRateAlerts(t *testing.T) {
	checker := NewAlertChecker(Thresholds{
		MinThroughputWarning: 100,
		ErrorRateWarningPct:  10,
	})
	snap := Snapshot{
		TotalProcessed: 10,
		FailedCount:    5,
		ThroughputPerS: 1,
		LastUpdated:    time.Now(),
		ByPriority:     map[buffer.Priority]PrioritySnapshot{},
	}
	alerts := checker.Check(snap)
	require.Len(t, alerts, 2)
}
