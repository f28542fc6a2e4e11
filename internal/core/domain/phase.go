package domain

import (
	"fmt"
	"math"
	"time"
)

// Phase is one controlled trial: a fixed link profile and duration, with or
// without a competing bulk flow. Phases execute strictly in order; a failed
// phase yields a sentinel result and the run continues.
type Phase struct {
	Name             string
	HasCompetingFlow bool
	LossPercent      float64
	Duration         time.Duration
	Warmup           time.Duration
}

func (p Phase) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("phase: name must not be empty")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("phase %s: duration must be > 0", p.Name)
	}
	if p.Warmup < 0 {
		return fmt.Errorf("phase %s: warmup must be >= 0", p.Name)
	}
	if p.LossPercent < 0 || p.LossPercent > 100 {
		return fmt.Errorf("phase %s: loss_percent must be within [0,100], got %g", p.Name, p.LossPercent)
	}
	return nil
}

// PhaseResult is the reduced outcome of one phase, immutable once computed.
// Not-a-number fields mean "could not measure", never "measured zero".
// CSV layout matches the phase report: phase,avg_fps,total_stall_ms,game_mbps,attack_mbps,j_index.
type PhaseResult struct {
	PhaseName               string  `csv:"phase"`
	AvgFps                  float64 `csv:"avg_fps"`
	TotalStallMs            float64 `csv:"total_stall_ms"`
	AppThroughputMbps       float64 `csv:"game_mbps"`
	CompetingThroughputMbps float64 `csv:"attack_mbps"`
	FairnessIndex           float64 `csv:"j_index"`
}

// SentinelResult is the placeholder recorded for a phase whose artifacts
// could not be collected.
func SentinelResult(phaseName string) PhaseResult {
	nan := math.NaN()
	return PhaseResult{
		PhaseName:               phaseName,
		AvgFps:                  nan,
		TotalStallMs:            nan,
		AppThroughputMbps:       nan,
		CompetingThroughputMbps: nan,
		FairnessIndex:           nan,
	}
}

// ExperimentReport collects every phase result plus the cross-phase verdict.
type ExperimentReport struct {
	RunID               string
	Results             []PhaseResult
	HarmFactor          float64
	DegradationDetected bool
}
