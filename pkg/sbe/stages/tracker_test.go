package stages

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerStatesFromCountdown(t *testing.T) {
	tr := NewRowstoreScanModeTracker(TrackerConfig{MinBatchSize: 3, MaxBatchSize: 8, GrowthFactor: 2})
	require.True(t, tr.IsIdle())
	require.False(t, tr.IsScanningRowstore())

	tr.StartScan()
	require.False(t, tr.IsIdle())
	require.True(t, tr.IsScanningRowstore())
	require.False(t, tr.IsFinishingBatch())

	require.False(t, tr.Track()) // 3 -> 2
	require.False(t, tr.Track()) // 2 -> 1
	require.True(t, tr.IsFinishingBatch())
	require.True(t, tr.Track()) // 1 -> 0, back to idle
	require.True(t, tr.IsIdle())
}

func TestTrackerBatchGrowthBounded(t *testing.T) {
	tr := NewRowstoreScanModeTracker(TrackerConfig{MinBatchSize: 4, MaxBatchSize: 10, GrowthFactor: 2})

	var sizes []int
	prev := 0
	for i := 0; i < 5; i++ {
		tr.StartScan()
		size := tr.BatchSize()
		sizes = append(sizes, size)
		require.GreaterOrEqual(t, size, prev, "batch size must be non-decreasing")
		require.LessOrEqual(t, size, 10)
		prev = size
		for !tr.IsIdle() {
			tr.Track()
		}
	}
	require.Equal(t, []int{4, 8, 10, 10, 10}, sizes)
}

func TestTrackerReset(t *testing.T) {
	tr := NewRowstoreScanModeTracker(DefaultTrackerConfig())
	tr.StartScan()
	tr.StartScan()
	tr.Reset()
	require.True(t, tr.IsIdle())
	require.Equal(t, DefaultTrackerConfig().MinBatchSize, tr.BatchSize())
}
