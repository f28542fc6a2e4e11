package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/services"
)

type recordingSink struct {
	appended []domain.QualitySnapshot
	closed   bool
}

func (s *recordingSink) Append(snap domain.QualitySnapshot) error {
	s.appended = append(s.appended, snap)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestCollector_FrameAndStallCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordFrame(0)
	c.RecordFrame(16 * time.Millisecond)
	c.RecordStall(domain.StallEvent{DurationMs: 312.5, FrameIndex: 42})

	assert.InDelta(t, 2, testutil.ToFloat64(c.framesTotal), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stallsTotal), 1e-9)
	assert.InDelta(t, 312.5, testutil.ToFloat64(c.stallMsTotal), 1e-9)
}

func TestCollector_MonitorStallsMirrorIntoCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	monitor := services.NewStreamQualityMonitor(services.MonitorConfig{
		StallThreshold:   200 * time.Millisecond,
		SnapshotInterval: time.Second,
		JitterWindow:     60,
	}, zap.NewNop().Sugar())
	monitor.SetStallHook(c.RecordStall)

	// Five frames 500 ms apart: every gap after the first frame stalls.
	base := time.Now()
	for i := 0; i < 5; i++ {
		monitor.OnFrameAt(base.Add(time.Duration(i)*500*time.Millisecond), 1200)
	}

	require.Len(t, monitor.StallEvents(), 4)
	assert.InDelta(t, 4, testutil.ToFloat64(c.stallsTotal), 1e-9)
	assert.InDelta(t, 2000, testutil.ToFloat64(c.stallMsTotal), 1e-9)
}

func TestCollector_SnapshotSetsWindowGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordSnapshot(domain.QualitySnapshot{FramesInWindow: 57, BitrateMbpsInWindow: 9.8})
	assert.InDelta(t, 57, testutil.ToFloat64(c.windowFps), 1e-9)
	assert.InDelta(t, 9.8, testutil.ToFloat64(c.windowBitrate), 1e-9)

	// The next window overwrites, it does not accumulate.
	c.RecordSnapshot(domain.QualitySnapshot{FramesInWindow: 3, BitrateMbpsInWindow: 0.4})
	assert.InDelta(t, 3, testutil.ToFloat64(c.windowFps), 1e-9)
	assert.InDelta(t, 0.4, testutil.ToFloat64(c.windowBitrate), 1e-9)
}

func TestInstrumentedSink_MirrorsAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	inner := &recordingSink{}
	sink := NewInstrumentedSink(inner, c)

	snap := domain.QualitySnapshot{TimestampOffset: 1, FramesInWindow: 60, BitrateMbpsInWindow: 11.1}
	require.NoError(t, sink.Append(snap))

	require.Len(t, inner.appended, 1)
	assert.Equal(t, snap, inner.appended[0])
	assert.InDelta(t, 60, testutil.ToFloat64(c.windowFps), 1e-9)

	require.NoError(t, sink.Close())
	assert.True(t, inner.closed)
}
