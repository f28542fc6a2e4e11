package domain

import "time"

// FrameArrivalEvent is one observed frame at the receiving endpoint. The
// media peer probe produces these at an externally paced rate; each event is
// consumed exactly once by the quality monitor.
type FrameArrivalEvent struct {
	ArrivalTime time.Time
	ByteSize    int
}

// StallEvent records an inter-frame gap that exceeded the stall threshold.
type StallEvent struct {
	OccurredAt time.Duration // offset from monitor start
	DurationMs float64
	FrameIndex int64
}

// QualitySnapshot is one non-cumulative window of streaming quality,
// emitted once per monitor tick. Counters reset to zero after emission.
// CSV layout matches the snapshot log: timestamp,fps,stall_duration_ms,bitrate_mbps.
type QualitySnapshot struct {
	TimestampOffset     float64 `csv:"timestamp"`
	FramesInWindow      int     `csv:"fps"`
	StallMsInWindow     float64 `csv:"stall_duration_ms"`
	BitrateMbpsInWindow float64 `csv:"bitrate_mbps"`
}

// ThroughputSample is one throughput figure parsed from the competing
// bulk flow's own reporting.
type ThroughputSample struct {
	FlowID string
	Mbps   float64
}
