package store

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harmlab/internal/core/domain"
)

func TestSnapshotLog_AppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	w, err := NewSnapshotWriter(path)
	require.NoError(t, err)

	snaps := []domain.QualitySnapshot{
		{TimestampOffset: 1.0, FramesInWindow: 60, StallMsInWindow: 0, BitrateMbpsInWindow: 10.5},
		{TimestampOffset: 2.0, FramesInWindow: 0, StallMsInWindow: 0, BitrateMbpsInWindow: 0},
		{TimestampOffset: 3.0, FramesInWindow: 42, StallMsInWindow: 312.5, BitrateMbpsInWindow: 7.25},
	}
	for _, s := range snaps {
		require.NoError(t, w.Append(s))
	}
	require.NoError(t, w.Close())

	got, err := ReadSnapshots(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range snaps {
		assert.InDelta(t, snaps[i].TimestampOffset, got[i].TimestampOffset, 1e-9)
		assert.Equal(t, snaps[i].FramesInWindow, got[i].FramesInWindow)
		assert.InDelta(t, snaps[i].StallMsInWindow, got[i].StallMsInWindow, 1e-9)
		assert.InDelta(t, snaps[i].BitrateMbpsInWindow, got[i].BitrateMbpsInWindow, 1e-9)
	}
}

func TestSnapshotLog_HeaderMatchesWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	w, err := NewSnapshotWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	header := strings.TrimSpace(string(raw))
	assert.Equal(t, "timestamp,fps,stall_duration_ms,bitrate_mbps", header)
}

func TestSnapshotLog_HeaderOnlyReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	w, err := NewSnapshotWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := ReadSnapshots(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReport_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")

	results := []domain.PhaseResult{
		{PhaseName: "baseline", AvgFps: 59.7, TotalStallMs: 120.5, AppThroughputMbps: 11.2, CompetingThroughputMbps: 0, FairnessIndex: 1.0},
		{PhaseName: "wired_attack", AvgFps: 31.4, TotalStallMs: 4200, AppThroughputMbps: 4.8, CompetingThroughputMbps: 33.1, FairnessIndex: 0.64},
	}
	require.NoError(t, WriteReport(path, results))

	got, err := ReadReport(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range results {
		assert.Equal(t, results[i].PhaseName, got[i].PhaseName)
		assert.InDelta(t, results[i].AvgFps, got[i].AvgFps, 1e-9)
		assert.InDelta(t, results[i].TotalStallMs, got[i].TotalStallMs, 1e-9)
		assert.InDelta(t, results[i].AppThroughputMbps, got[i].AppThroughputMbps, 1e-9)
		assert.InDelta(t, results[i].CompetingThroughputMbps, got[i].CompetingThroughputMbps, 1e-9)
		assert.InDelta(t, results[i].FairnessIndex, got[i].FairnessIndex, 1e-9)
	}
}

func TestReport_HeaderMatchesWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, WriteReport(path, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	header := strings.TrimSpace(string(raw))
	assert.Equal(t, "phase,avg_fps,total_stall_ms,game_mbps,attack_mbps,j_index", header)
}

func TestReport_SentinelFieldsSurviveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")

	results := []domain.PhaseResult{domain.SentinelResult("lossy_attack")}
	require.NoError(t, WriteReport(path, results))

	got, err := ReadReport(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lossy_attack", got[0].PhaseName)
	assert.True(t, math.IsNaN(got[0].AvgFps))
	assert.True(t, math.IsNaN(got[0].CompetingThroughputMbps))
	assert.True(t, math.IsNaN(got[0].FairnessIndex))
}
