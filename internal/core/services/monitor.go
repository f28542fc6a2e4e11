package services

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/ports"
)

// MonitorConfig fixes the monitor's window geometry for the life of one
// phase. The window length must stay constant so snapshots are directly
// comparable.
type MonitorConfig struct {
	StallThreshold   time.Duration
	SnapshotInterval time.Duration
	JitterWindow     int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StallThreshold:   200 * time.Millisecond,
		SnapshotInterval: time.Second,
		JitterWindow:     60,
	}
}

// StreamQualityMonitor consumes the frame-arrival event stream of one
// receiving endpoint and reduces it into per-window quality snapshots.
// Absorbing frames and emitting snapshots proceed independently; they only
// meet on the mutex-guarded window counters, which Tick drains atomically.
type StreamQualityMonitor struct {
	cfg MonitorConfig
	log *zap.SugaredLogger

	mu          sync.Mutex
	started     time.Time
	lastArrival time.Time
	haveLast    bool
	frameIndex  int64

	// window counters, reset on every Tick
	frames  int
	stallMs float64
	bytes   int64

	stallEvents []domain.StallEvent
	deltas      []float64 // rolling inter-arrival window for jitter stats

	onStall func(domain.StallEvent)
	now     func() time.Time
}

func NewStreamQualityMonitor(cfg MonitorConfig, log *zap.SugaredLogger) *StreamQualityMonitor {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 200 * time.Millisecond
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Second
	}
	if cfg.JitterWindow < 2 {
		cfg.JitterWindow = 60
	}
	m := &StreamQualityMonitor{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	m.started = m.now()
	return m
}

// OnFrame registers one observed frame arriving now.
func (m *StreamQualityMonitor) OnFrame(byteSize int) {
	m.OnFrameAt(m.now(), byteSize)
}

// OnFrameAt registers one observed frame with an explicit arrival time. The
// first frame only records its arrival: with no previous timestamp there is
// nothing to classify.
func (m *StreamQualityMonitor) OnFrameAt(arrival time.Time, byteSize int) {
	m.mu.Lock()

	m.frames++
	m.frameIndex++
	m.bytes += int64(byteSize)

	if !m.haveLast {
		m.haveLast = true
		m.lastArrival = arrival
		m.mu.Unlock()
		return
	}

	deltaMs := float64(arrival.Sub(m.lastArrival)) / float64(time.Millisecond)
	m.lastArrival = arrival

	m.deltas = append(m.deltas, deltaMs)
	if len(m.deltas) > m.cfg.JitterWindow {
		m.deltas = m.deltas[1:]
	}

	var stalled *domain.StallEvent
	if deltaMs > float64(m.cfg.StallThreshold)/float64(time.Millisecond) {
		m.stallMs += deltaMs
		ev := domain.StallEvent{
			OccurredAt: arrival.Sub(m.started),
			DurationMs: deltaMs,
			FrameIndex: m.frameIndex,
		}
		m.stallEvents = append(m.stallEvents, ev)
		stalled = &ev
	}
	hook := m.onStall
	m.mu.Unlock()

	if stalled != nil {
		m.log.Warnw("stall detected",
			"delta_ms", stalled.DurationMs,
			"frame", stalled.FrameIndex,
		)
		if hook != nil {
			hook(*stalled)
		}
	}
}

// Tick drains the window counters into one snapshot and resets them. A
// window with zero frames yields a zero snapshot, never an error: the
// snapshot sequence must have no time gaps or later averaging is corrupted.
func (m *StreamQualityMonitor) Tick() domain.QualitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowSeconds := m.cfg.SnapshotInterval.Seconds()
	snap := domain.QualitySnapshot{
		TimestampOffset:     m.now().Sub(m.started).Seconds(),
		FramesInWindow:      m.frames,
		StallMsInWindow:     m.stallMs,
		BitrateMbpsInWindow: float64(m.bytes) * 8 / (windowSeconds * 1_000_000),
	}

	m.frames = 0
	m.stallMs = 0
	m.bytes = 0

	return snap
}

// Run ticks on the configured interval and appends every snapshot to the
// sink until the context is cancelled. It keeps ticking even after the
// frame source dies; dead windows come out as zero snapshots.
func (m *StreamQualityMonitor) Run(ctx context.Context, sink ports.SnapshotSink) error {
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := m.Tick()
			if err := sink.Append(snap); err != nil {
				m.log.Errorw("failed to persist snapshot", "error", err)
			}
		}
	}
}

// SetStallHook registers a callback invoked once per classified stall,
// outside the monitor's lock. The metrics collector mirrors stall counters
// through it.
func (m *StreamQualityMonitor) SetStallHook(fn func(domain.StallEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStall = fn
}

// StallEvents returns a copy of every stall classified since start.
func (m *StreamQualityMonitor) StallEvents() []domain.StallEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StallEvent, len(m.stallEvents))
	copy(out, m.stallEvents)
	return out
}

// JitterSummary describes the variability of inter-frame arrival time over
// the rolling delta window.
type JitterSummary struct {
	Samples int
	MeanMs  float64
	StdevMs float64
	MinMs   float64
	MaxMs   float64
	P95Ms   float64
	P99Ms   float64
}

// Jitter computes summary statistics over the rolling inter-arrival window.
func (m *StreamQualityMonitor) Jitter() JitterSummary {
	m.mu.Lock()
	deltas := make([]float64, len(m.deltas))
	copy(deltas, m.deltas)
	m.mu.Unlock()

	s := JitterSummary{Samples: len(deltas)}
	if len(deltas) == 0 {
		return s
	}

	sorted := make([]float64, len(deltas))
	copy(sorted, deltas)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	s.MeanMs = sum / float64(len(deltas))
	s.MinMs = sorted[0]
	s.MaxMs = sorted[len(sorted)-1]
	s.P95Ms = percentile(sorted, 0.95)
	s.P99Ms = percentile(sorted, 0.99)

	if len(deltas) > 1 {
		var sq float64
		for _, d := range deltas {
			sq += (d - s.MeanMs) * (d - s.MeanMs)
		}
		s.StdevMs = math.Sqrt(sq / float64(len(deltas)-1))
	}
	return s
}

// LogSummary writes the end-of-phase jitter and stall summary.
func (m *StreamQualityMonitor) LogSummary() {
	j := m.Jitter()
	stalls := m.StallEvents()
	var totalStallMs float64
	for _, st := range stalls {
		totalStallMs += st.DurationMs
	}
	m.log.Infow("stream quality summary",
		"stall_events", len(stalls),
		"total_stall_ms", totalStallMs,
		"jitter_mean_ms", j.MeanMs,
		"jitter_stdev_ms", j.StdevMs,
		"jitter_p95_ms", j.P95Ms,
		"jitter_p99_ms", j.P99Ms,
	)
}

// percentile over an ascending-sorted slice, nearest-rank.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SetClock replaces the monitor's time source. Test hook.
func (m *StreamQualityMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.started = now()
}
