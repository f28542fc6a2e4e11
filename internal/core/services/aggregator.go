package services

import (
	"math"

	"go.uber.org/zap"

	"harmlab/internal/core/domain"
)

// Thresholds of the degradation verdict: the operational definition of
// "contention meaningfully harmed the stream".
const (
	fpsDropThreshold   = 0.3
	stallMsThreshold   = 1000.0
	harmFactorSentinel = 999.0
	bitsPerMegabit     = 1_000_000.0
)

// MetricsAggregator reduces one phase's raw artifacts into a PhaseResult and
// summarizes the full run. Derivation never fails: division-by-zero and
// missing inputs come out as not-a-number sentinels, so one bad phase can
// never abort the report.
type MetricsAggregator struct {
	log *zap.SugaredLogger
}

func NewMetricsAggregator(log *zap.SugaredLogger) *MetricsAggregator {
	return &MetricsAggregator{log: log}
}

// Reduce computes one phase's result from its snapshot log, the competing
// flow's throughput samples, and the receiver interface byte counters.
func (a *MetricsAggregator) Reduce(
	phase domain.Phase,
	snapshots []domain.QualitySnapshot,
	samples []domain.ThroughputSample,
	startBytes, endBytes int64,
) domain.PhaseResult {
	result := domain.PhaseResult{PhaseName: phase.Name}

	var fpsSum, stallSum, bitrateSum float64
	for _, s := range snapshots {
		fpsSum += float64(s.FramesInWindow)
		stallSum += s.StallMsInWindow
		bitrateSum += s.BitrateMbpsInWindow
	}
	if len(snapshots) > 0 {
		result.AvgFps = fpsSum / float64(len(snapshots))
	}
	result.TotalStallMs = stallSum

	result.CompetingThroughputMbps = a.competingThroughput(phase, samples)

	// Application-layer bitrate is authoritative: interface bytes include
	// the competing flow's traffic and are only a fallback.
	if len(snapshots) > 0 {
		result.AppThroughputMbps = bitrateSum / float64(len(snapshots))
	} else {
		result.AppThroughputMbps = a.interfaceThroughput(phase, startBytes, endBytes, result.CompetingThroughputMbps)
	}

	result.FairnessIndex = a.fairness(phase, result.AppThroughputMbps, result.CompetingThroughputMbps)

	a.log.Infow("phase reduced",
		"phase", phase.Name,
		"avg_fps", result.AvgFps,
		"total_stall_ms", result.TotalStallMs,
		"app_mbps", result.AppThroughputMbps,
		"competing_mbps", result.CompetingThroughputMbps,
		"j_index", result.FairnessIndex,
	)
	return result
}

// competingThroughput averages the bulk flow's own reports. A competing
// phase with zero samples means "could not measure, assume saturation", and
// that is NaN, never zero.
func (a *MetricsAggregator) competingThroughput(phase domain.Phase, samples []domain.ThroughputSample) float64 {
	if len(samples) == 0 {
		if phase.HasCompetingFlow {
			a.log.Warnw("competing flow produced no throughput samples, assuming saturation", "phase", phase.Name)
			return math.NaN()
		}
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Mbps
	}
	return sum / float64(len(samples))
}

// interfaceThroughput derives the stream's share from raw interface byte
// counters when no application-layer figure exists. The counters include the
// competing flow, so its reported throughput is subtracted when known.
func (a *MetricsAggregator) interfaceThroughput(phase domain.Phase, startBytes, endBytes int64, competingMbps float64) float64 {
	seconds := phase.Duration.Seconds()
	if seconds <= 0 || endBytes < startBytes {
		return math.NaN()
	}
	totalMbps := float64(endBytes-startBytes) * 8 / (seconds * bitsPerMegabit)
	if phase.HasCompetingFlow && !math.IsNaN(competingMbps) {
		return math.Max(0, totalMbps-competingMbps)
	}
	return totalMbps
}

// fairness computes Jain's index over the two flows. The two inputs are
// measured over different windows and mechanisms (snapshot windows vs the
// bulk flow's own interval reports) and are not time-aligned; the index is a
// coarse fairness signal, not precise accounting.
func (a *MetricsAggregator) fairness(phase domain.Phase, appMbps, competingMbps float64) float64 {
	if !phase.HasCompetingFlow || competingMbps == 0 {
		// Single active flow is trivially fully fair.
		return 1.0
	}
	if math.IsNaN(appMbps) || math.IsNaN(competingMbps) {
		return math.NaN()
	}

	total := appMbps + competingMbps
	sumSq := appMbps*appMbps + competingMbps*competingMbps
	if total <= 0 || sumSq <= 0 {
		a.log.Warnw("non-positive throughput computing fairness index",
			"phase", phase.Name, "app_mbps", appMbps, "competing_mbps", competingMbps)
		return math.NaN()
	}
	return (total * total) / (2 * sumSq)
}

// Summarize collects the ordered phase results into the run report. The harm
// factor compares the first contention phase (results[1]) against the
// baseline (results[0]); the 999 sentinel stands in for "infinitely worse"
// so the value stays finite and comparable across runs.
func (a *MetricsAggregator) Summarize(results []domain.PhaseResult) domain.ExperimentReport {
	report := domain.ExperimentReport{Results: results}
	if len(results) < 2 {
		return report
	}

	baseline := results[0]
	contention := results[1]

	switch {
	case baseline.TotalStallMs > 0:
		report.HarmFactor = contention.TotalStallMs / baseline.TotalStallMs
	case contention.TotalStallMs > 0:
		report.HarmFactor = harmFactorSentinel
	default:
		report.HarmFactor = 0
	}

	fpsDrop := 0.0
	if baseline.AvgFps > 0 {
		fpsDrop = (baseline.AvgFps - contention.AvgFps) / baseline.AvgFps
	}
	report.DegradationDetected = fpsDrop > fpsDropThreshold || contention.TotalStallMs > stallMsThreshold

	a.log.Infow("experiment summarized",
		"harm_factor", report.HarmFactor,
		"fps_drop", fpsDrop,
		"degradation_detected", report.DegradationDetected,
	)
	return report
}
