// Package monitoring exposes the monitor daemon's live counters to
// Prometheus. The scrape surface is a live view for watching a phase in
// flight; the CSV snapshot log remains the authoritative record.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/ports"
)

type PrometheusCollector struct {
	// Counters
	framesTotal  prometheus.Counter
	stallsTotal  prometheus.Counter
	stallMsTotal prometheus.Counter

	// Gauges
	windowFps        prometheus.Gauge
	windowBitrate    prometheus.Gauge
	sourcesConnected prometheus.Gauge

	// Histograms
	interArrival prometheus.Histogram
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		framesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "harmlab_frames_received_total",
			Help: "Total number of frame arrivals observed",
		}),

		stallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "harmlab_stalls_total",
			Help: "Total number of stall events classified",
		}),

		stallMsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "harmlab_stall_milliseconds_total",
			Help: "Total stalled time in milliseconds",
		}),

		windowFps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harmlab_window_fps",
			Help: "Frames received in the last snapshot window",
		}),

		windowBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harmlab_window_bitrate_mbps",
			Help: "Application bitrate over the last snapshot window in Mbps",
		}),

		sourcesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harmlab_telemetry_sources_connected",
			Help: "Currently connected telemetry sources",
		}),

		interArrival: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harmlab_inter_arrival_seconds",
			Help:    "Inter-frame arrival time",
			Buckets: []float64{0.005, 0.01, 0.017, 0.033, 0.05, 0.1, 0.2, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordFrame(interArrival time.Duration) {
	p.framesTotal.Inc()
	if interArrival > 0 {
		p.interArrival.Observe(interArrival.Seconds())
	}
}

func (p *PrometheusCollector) RecordStall(stall domain.StallEvent) {
	p.stallsTotal.Inc()
	p.stallMsTotal.Add(stall.DurationMs)
}

func (p *PrometheusCollector) SourceConnected()    { p.sourcesConnected.Inc() }
func (p *PrometheusCollector) SourceDisconnected() { p.sourcesConnected.Dec() }

func (p *PrometheusCollector) RecordSnapshot(snap domain.QualitySnapshot) {
	p.windowFps.Set(float64(snap.FramesInWindow))
	p.windowBitrate.Set(snap.BitrateMbpsInWindow)
}

// InstrumentedSink mirrors every snapshot into the collector on its way to
// the underlying sink.
type InstrumentedSink struct {
	next      ports.SnapshotSink
	collector *PrometheusCollector
}

func NewInstrumentedSink(next ports.SnapshotSink, collector *PrometheusCollector) *InstrumentedSink {
	return &InstrumentedSink{next: next, collector: collector}
}

func (s *InstrumentedSink) Append(snapshot domain.QualitySnapshot) error {
	s.collector.RecordSnapshot(snapshot)
	return s.next.Append(snapshot)
}

func (s *InstrumentedSink) Close() error {
	return s.next.Close()
}
