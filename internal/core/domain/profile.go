package domain

import "fmt"

// LinkProfile is the declarative shape of the bottleneck link for one phase:
// a hard capacity cap, a bounded queue, and an optional uniform random loss.
// A profile is built once per phase, applied, and discarded.
type LinkProfile struct {
	CapacityMbps      float64
	QueueLimitPackets int
	LossPercent       float64
}

func (p LinkProfile) Validate() error {
	if p.CapacityMbps <= 0 {
		return fmt.Errorf("link profile: capacity_mbps must be > 0, got %g", p.CapacityMbps)
	}
	if p.QueueLimitPackets < 1 {
		return fmt.Errorf("link profile: queue_limit_packets must be >= 1, got %d", p.QueueLimitPackets)
	}
	if p.LossPercent < 0 || p.LossPercent > 100 {
		return fmt.Errorf("link profile: loss_percent must be within [0,100], got %g", p.LossPercent)
	}
	return nil
}
