// Package shaper translates a declarative link profile into the tc
// discipline applied on the relay node's data interface.
package shaper

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/ports"
	"harmlab/internal/infrastructure/node"
	experrors "harmlab/pkg/errors"
)

// TCShaper installs a two-level discipline: an outer HTB class with
// rate == ceil (a hard cap, so the experiment measures contention within a
// fixed capacity rather than variable capacity) and an inner netem leaf
// bounded to the profile's queue depth, approximating a real router's finite
// buffer so stalls emerge from queueing rather than from the shaper.
type TCShaper struct {
	log *zap.SugaredLogger
}

func NewTCShaper(log *zap.SugaredLogger) *TCShaper {
	return &TCShaper{log: log}
}

// Apply is idempotent: any existing root discipline is removed first, with
// "not found" tolerated, so stale rules never accumulate across phases.
func (s *TCShaper) Apply(ctx context.Context, n ports.Node, iface string, profile domain.LinkProfile) error {
	if err := profile.Validate(); err != nil {
		return experrors.Wrap(err, experrors.ErrCodeConfig, "invalid link profile")
	}

	node.BestEffort(ctx, n, fmt.Sprintf("sudo tc qdisc del dev %s root", iface), s.log)

	leaf := fmt.Sprintf("sudo tc qdisc add dev %s parent 1:10 handle 10: netem limit %d",
		iface, profile.QueueLimitPackets)
	if profile.LossPercent > 0 {
		leaf += fmt.Sprintf(" loss %g%%", profile.LossPercent)
	}

	cmds := []string{
		fmt.Sprintf("sudo tc qdisc add dev %s root handle 1: htb default 10", iface),
		fmt.Sprintf("sudo tc class add dev %s parent 1: classid 1:10 htb rate %gmbit ceil %gmbit",
			iface, profile.CapacityMbps, profile.CapacityMbps),
		leaf,
	}

	for _, cmd := range cmds {
		res, err := n.Execute(ctx, cmd)
		if err != nil || res.ExitCode != 0 {
			dump, _ := s.Stats(ctx, n, iface)
			s.log.Errorw("shaper apply failed",
				"node", n.Name(),
				"iface", iface,
				"cmd", cmd,
				"exit_code", res.ExitCode,
				"stderr", res.Stderr,
				"qdisc_dump", dump,
				"error", err,
			)
			e := experrors.New(experrors.ErrCodeConfig,
				fmt.Sprintf("apply shaping on %s/%s", n.Name(), iface))
			e.Cause = err
			return e.WithContext("cmd", cmd).WithContext("stderr", res.Stderr)
		}
	}

	s.log.Infow("shaping applied",
		"node", n.Name(),
		"iface", iface,
		"capacity_mbps", profile.CapacityMbps,
		"queue_limit_packets", profile.QueueLimitPackets,
		"loss_percent", profile.LossPercent,
	)
	return nil
}

// Clear removes the discipline, best-effort.
func (s *TCShaper) Clear(ctx context.Context, n ports.Node, iface string) {
	node.BestEffort(ctx, n, fmt.Sprintf("sudo tc qdisc del dev %s root", iface), s.log)
}

// Stats returns the current qdisc dump for diagnostics.
func (s *TCShaper) Stats(ctx context.Context, n ports.Node, iface string) (string, error) {
	res, err := n.Execute(ctx, fmt.Sprintf("tc -s qdisc show dev %s", iface))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
