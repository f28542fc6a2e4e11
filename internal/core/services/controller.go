package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/ports"
	"harmlab/internal/infrastructure/node"
	"harmlab/internal/infrastructure/store"
	"harmlab/pkg/config"
	experrors "harmlab/pkg/errors"
	"harmlab/pkg/retry"
)

// PhaseState is where the controller is inside one phase.
type PhaseState int

const (
	StateIdle PhaseState = iota
	StateConfiguring
	StateWarmup
	StateRunning
	StateDraining
	StateCollected
	StateFailed
)

func (s PhaseState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateWarmup:
		return "warmup"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCollected:
		return "collected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fleet is the four machines one experiment runs across.
type Fleet struct {
	Sender   ports.Node
	Receiver ports.Node
	Router   ports.Node
	Attacker ports.Node
}

func (f Fleet) all() []ports.Node {
	return []ports.Node{f.Sender, f.Receiver, f.Router, f.Attacker}
}

// PhaseController drives the phase sequence from a single control goroutine.
// Remote workers (monitor, media sender, competing flow) are detached
// background processes that are never awaited; the timing budgets are the
// only synchronization, so they are correctness-relevant constants rather
// than tuning knobs.
type PhaseController struct {
	cfg        *config.Config
	fleet      Fleet
	shaper     ports.Shaper
	aggregator *MetricsAggregator
	log        *zap.SugaredLogger

	state PhaseState

	// hooks, replaced in tests
	sleep         func(ctx context.Context, d time.Duration) error
	readSnapshots func(path string) ([]domain.QualitySnapshot, error)
}

func NewPhaseController(cfg *config.Config, fleet Fleet, shaper ports.Shaper, aggregator *MetricsAggregator, log *zap.SugaredLogger) *PhaseController {
	return &PhaseController{
		cfg:           cfg,
		fleet:         fleet,
		shaper:        shaper,
		aggregator:    aggregator,
		log:           log,
		state:         StateIdle,
		sleep:         sleepCtx,
		readSnapshots: store.ReadSnapshots,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *PhaseController) setState(s PhaseState, phase string) {
	c.log.Infow("phase transition", "phase", phase, "from", c.state.String(), "to", s.String())
	c.state = s
}

// State returns the controller's current state.
func (c *PhaseController) State() PhaseState { return c.state }

// RunAll executes every configured phase strictly in order. A failed phase
// records a sentinel result and the run continues; only cancellation stops
// the sequence early. A final cleanup pass across all nodes runs regardless
// of how the sequence ended.
func (c *PhaseController) RunAll(ctx context.Context) ([]domain.PhaseResult, error) {
	defer func() {
		// The operator may have interrupted the run; cleanup still gets its
		// own bounded context so stray processes never survive into the next
		// run.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.KillAll(cleanupCtx)
		if c.fleet.Router != nil {
			c.shaper.Clear(cleanupCtx, c.fleet.Router, c.cfg.Fleet.Router.Iface)
		}
	}()

	if err := c.ConfigureFleet(ctx); err != nil {
		c.log.Errorw("fleet configuration incomplete, continuing with partial configuration", "error", err)
	}

	phases := c.cfg.ExperimentPhases()
	results := make([]domain.PhaseResult, 0, len(phases))
	for i, phase := range phases {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		result, err := c.RunPhase(ctx, phase)
		if err != nil {
			if ctx.Err() != nil {
				results = append(results, domain.SentinelResult(phase.Name))
				return results, ctx.Err()
			}
			c.log.Errorw("phase failed, recording sentinel result and continuing",
				"phase", phase.Name, "index", i, "error", err)
			results = append(results, domain.SentinelResult(phase.Name))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// RunPhase executes one phase end to end. Draining always runs, even when an
// earlier step failed, so a broken phase never leaks processes into the next.
func (c *PhaseController) RunPhase(ctx context.Context, phase domain.Phase) (result domain.PhaseResult, err error) {
	if err := phase.Validate(); err != nil {
		c.setState(StateFailed, phase.Name)
		return domain.PhaseResult{}, experrors.Wrap(err, experrors.ErrCodeConfig, "invalid phase")
	}

	c.log.Infow("phase starting",
		"phase", phase.Name,
		"competing_flow", phase.HasCompetingFlow,
		"loss_percent", phase.LossPercent,
		"duration", phase.Duration,
	)

	var startBytes, endBytes int64
	var snapshots []domain.QualitySnapshot
	var samples []domain.ThroughputSample

	defer func() {
		c.setState(StateDraining, phase.Name)
		drainCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		c.KillAll(drainCtx)
		c.logQdiscState(drainCtx, phase.Name)
		endBytes = c.interfaceBytes(drainCtx, c.fleet.Receiver, c.cfg.Fleet.Receiver.Iface)

		snapshots, samples = c.collect(drainCtx, phase)

		if err != nil {
			c.setState(StateFailed, phase.Name)
			return
		}
		c.setState(StateCollected, phase.Name)
		result = c.aggregator.Reduce(phase, snapshots, samples, startBytes, endBytes)
	}()

	// Configuring
	c.setState(StateConfiguring, phase.Name)
	profile := domain.LinkProfile{
		CapacityMbps:      c.cfg.Link.CapacityMbps,
		QueueLimitPackets: c.cfg.Link.QueueLimitPackets,
		LossPercent:       phase.LossPercent,
	}
	if err = c.shaper.Apply(ctx, c.fleet.Router, c.cfg.Fleet.Router.Iface, profile); err != nil {
		return domain.PhaseResult{}, err
	}
	c.KillAll(ctx)
	if err = c.sleep(ctx, c.cfg.Timing.Settle.Std()); err != nil {
		return domain.PhaseResult{}, err
	}

	// Warmup: the competing flow ramps up before measurement begins, so a
	// fresh stream never wins the race for buffer space.
	c.setState(StateWarmup, phase.Name)
	if err = c.fleet.Receiver.ExecuteBackground(ctx, c.cfg.Commands.MonitorStart); err != nil {
		return domain.PhaseResult{}, experrors.Wrap(err, experrors.ErrCodeConfig, "start monitor")
	}
	if phase.HasCompetingFlow {
		if err = c.startCompetingFlow(ctx, phase); err != nil {
			return domain.PhaseResult{}, err
		}
	}
	if err = c.sleep(ctx, phase.Warmup); err != nil {
		return domain.PhaseResult{}, err
	}

	// Running: a blocking wait, the only experiment-controlled duration.
	c.setState(StateRunning, phase.Name)
	startBytes = c.interfaceBytes(ctx, c.fleet.Receiver, c.cfg.Fleet.Receiver.Iface)
	sender := fmt.Sprintf(c.cfg.Commands.MediaSender, hostOnly(c.cfg.Fleet.Receiver.DataAddr))
	if err = c.fleet.Sender.ExecuteBackground(ctx, sender); err != nil {
		return domain.PhaseResult{}, experrors.Wrap(err, experrors.ErrCodeConfig, "start media sender")
	}
	if err = c.sleep(ctx, phase.Duration); err != nil {
		return domain.PhaseResult{}, err
	}

	return result, nil
}

// logQdiscState dumps the router's queueing discipline counters at the end
// of a phase. Drops and requeues recorded here are the ground truth for
// whether the shaped bottleneck actually saturated.
func (c *PhaseController) logQdiscState(ctx context.Context, phase string) {
	if c.fleet.Router == nil {
		return
	}
	dump, err := c.shaper.Stats(ctx, c.fleet.Router, c.cfg.Fleet.Router.Iface)
	if err != nil {
		c.log.Warnw("qdisc stats unavailable", "phase", phase, "error", err)
		return
	}
	c.log.Infow("qdisc state after phase", "phase", phase, "qdisc", strings.TrimSpace(dump))
}

// startCompetingFlow launches the bulk-flow server on the receiver and the
// client on the attacker. The client runs longer than the measurement window
// so it never finishes mid-phase.
func (c *PhaseController) startCompetingFlow(ctx context.Context, phase domain.Phase) error {
	if err := c.fleet.Receiver.ExecuteBackground(ctx, c.cfg.Commands.CompetingServer); err != nil {
		return experrors.Wrap(err, experrors.ErrCodeConfig, "start competing server")
	}

	seconds := int((phase.Duration + phase.Warmup + c.cfg.Timing.CompetingSlack.Std()).Seconds())
	client := fmt.Sprintf(c.cfg.Commands.CompetingClient, hostOnly(c.cfg.Fleet.Receiver.DataAddr), seconds)
	if err := c.fleet.Attacker.ExecuteBackground(ctx, client); err != nil {
		return experrors.Wrap(err, experrors.ErrCodeConfig, "start competing client")
	}

	c.log.Infow("competing flow started", "phase", phase.Name, "client_seconds", seconds)
	return nil
}

// collect downloads the phase's artifacts. Failures degrade to empty inputs,
// which the aggregator turns into sentinel fields; "could not measure" must
// never come out as zero.
func (c *PhaseController) collect(ctx context.Context, phase domain.Phase) ([]domain.QualitySnapshot, []domain.ThroughputSample) {
	var snapshots []domain.QualitySnapshot
	var samples []domain.ThroughputSample

	localSnap := filepath.Join(c.cfg.Output.Dir, phase.Name+"_metrics.csv")
	if err := c.fleet.Receiver.Download(c.cfg.Monitor.SnapshotPath, localSnap); err != nil {
		c.log.Warnw("snapshot log download failed", "phase", phase.Name, "error", err)
	} else {
		loaded, err := c.readSnapshots(localSnap)
		if err != nil {
			c.log.Warnw("snapshot log unreadable", "phase", phase.Name, "path", localSnap, "error", err)
		} else {
			snapshots = loaded
		}
	}

	if phase.HasCompetingFlow {
		localAttack := filepath.Join(c.cfg.Output.Dir, phase.Name+"_attack.log")
		if err := c.fleet.Attacker.Download(c.cfg.Commands.CompetingLog, localAttack); err != nil {
			c.log.Warnw("competing flow log download failed", "phase", phase.Name, "error", err)
		} else {
			f, err := os.Open(localAttack)
			if err != nil {
				c.log.Warnw("competing flow log unreadable", "phase", phase.Name, "error", err)
			} else {
				samples = ParseBulkFlowLog(f)
				f.Close()
			}
		}
	}

	c.log.Infow("artifacts collected",
		"phase", phase.Name,
		"snapshots", len(snapshots),
		"throughput_samples", len(samples),
	)
	return snapshots, samples
}

// KillAll terminates every managed process pattern on every node. Idempotent
// and best-effort: "no such process" is the common case between phases.
func (c *PhaseController) KillAll(ctx context.Context) {
	for _, n := range c.fleet.all() {
		if n == nil {
			continue
		}
		for _, pattern := range c.cfg.Commands.KillPatterns {
			node.BestEffort(ctx, n, fmt.Sprintf("sudo pkill -f %q", pattern), c.log)
		}
	}
}

// ConfigureFleet applies addresses, routes and forwarding across the fleet.
// Each node's steps are retried on a bounded fixed-delay policy; exhausting
// retries leaves that node partially configured, later phases observe the
// misconfiguration rather than having it silently healed.
func (c *PhaseController) ConfigureFleet(ctx context.Context) error {
	policy := retry.FixedConfig(c.cfg.Timing.ConfigAttempts, c.cfg.Timing.ConfigDelay.Std())

	endpoints := []struct {
		node ports.Node
		cfg  config.NodeConfig
	}{
		{c.fleet.Sender, c.cfg.Fleet.Sender},
		{c.fleet.Receiver, c.cfg.Fleet.Receiver},
		{c.fleet.Router, c.cfg.Fleet.Router},
		{c.fleet.Attacker, c.cfg.Fleet.Attacker},
	}

	var firstErr error
	for _, ep := range endpoints {
		if ep.node == nil || ep.cfg.Iface == "" {
			continue
		}
		nodeName := ep.node.Name()
		err := retry.Retry(ctx, policy, func() error {
			return c.configureNode(ctx, ep.node, ep.cfg)
		})
		if err != nil {
			c.log.Errorw("node configuration failed after retries", "node", nodeName, "error", err)
			if firstErr == nil {
				firstErr = experrors.Wrap(err, experrors.ErrCodeConfig, "configure "+nodeName)
			}
		}
	}

	if c.fleet.Router != nil && c.cfg.Fleet.Router.Iface != "" {
		node.BestEffort(ctx, c.fleet.Router, "sudo sysctl -w net.ipv4.ip_forward=1", c.log)
		node.BestEffort(ctx, c.fleet.Router, "sudo iptables -P FORWARD ACCEPT", c.log)
	}

	c.verifyReachability(ctx)
	return firstErr
}

func (c *PhaseController) configureNode(ctx context.Context, n ports.Node, nc config.NodeConfig) error {
	cmds := []string{
		fmt.Sprintf("sudo ip addr replace %s dev %s", nc.DataAddr, nc.Iface),
		fmt.Sprintf("sudo ip link set %s up", nc.Iface),
		// Offloads coalesce packets and distort per-packet queueing on the
		// shaped path.
		fmt.Sprintf("sudo ethtool -K %s gro off gso off tso off", nc.Iface),
		// Redirects would steer traffic around the shaped router mid-run.
		"sudo sysctl -w net.ipv4.conf.all.accept_redirects=0",
		"sudo sysctl -w net.ipv4.conf.all.send_redirects=0",
	}
	if nc.Route != "" && nc.Gateway != "" {
		cmds = append(cmds, fmt.Sprintf("sudo ip route replace %s via %s", nc.Route, nc.Gateway))
	}

	for _, cmd := range cmds {
		res, err := n.Execute(ctx, cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%s: exit %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// verifyReachability pings the receiver's data address from the sender and
// the attacker and checks the route still goes via the shaped router.
// Diagnostic only: a broken or bypassing path shows up here first instead of
// as an all-zero phase later.
func (c *PhaseController) verifyReachability(ctx context.Context) {
	target := hostOnly(c.cfg.Fleet.Receiver.DataAddr)
	if target == "" {
		return
	}
	sources := []struct {
		node    ports.Node
		gateway string
	}{
		{c.fleet.Sender, c.cfg.Fleet.Sender.Gateway},
		{c.fleet.Attacker, c.cfg.Fleet.Attacker.Gateway},
	}
	for _, src := range sources {
		n := src.node
		if n == nil {
			continue
		}
		d := node.BestEffort(ctx, n, fmt.Sprintf("ping -c 2 -W 2 %s", target), c.log)
		if !d.Ok() {
			c.log.Warnw("receiver data address unreachable", "from", n.Name(), "target", target)
		} else {
			c.log.Infow("data path verified", "from", n.Name(), "target", target)
		}

		if src.gateway == "" {
			continue
		}
		res, err := n.Execute(ctx, fmt.Sprintf("ip route get %s", target))
		if err != nil || res.ExitCode != 0 {
			continue
		}
		if !strings.Contains(res.Stdout, "via "+src.gateway) {
			c.log.Warnw("route bypasses the shaped router",
				"from", n.Name(), "target", target, "expected_gateway", src.gateway, "route", strings.TrimSpace(res.Stdout))
		}
	}
}

// interfaceBytes reads the receiver interface's rx byte counter. Failure is
// tolerable: the counter only backs the fallback throughput estimate.
func (c *PhaseController) interfaceBytes(ctx context.Context, n ports.Node, iface string) int64 {
	if n == nil || iface == "" {
		return 0
	}
	res, err := n.Execute(ctx, fmt.Sprintf("cat /sys/class/net/%s/statistics/rx_bytes", iface))
	if err != nil || res.ExitCode != 0 {
		c.log.Warnw("interface byte counter unavailable", "node", n.Name(), "iface", iface, "error", err)
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		c.log.Warnw("interface byte counter unparseable", "node", n.Name(), "raw", res.Stdout)
		return 0
	}
	return v
}

// hostOnly strips a CIDR suffix from an address.
func hostOnly(addr string) string {
	if i := strings.Index(addr, "/"); i >= 0 {
		return addr[:i]
	}
	return addr
}
