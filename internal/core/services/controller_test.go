package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/ports"
	"harmlab/pkg/config"
)

// scriptedNode records every command and serves canned responses keyed by
// substring.
type scriptedNode struct {
	name string

	mu         sync.Mutex
	executed   []string
	background []string
	downloads  []string

	responses map[string]ports.ExecResult // substring -> result
	failOn    string                      // substring -> transport error
	fileBody  string                      // written on Download
}

func newScriptedNode(name string) *scriptedNode {
	return &scriptedNode{name: name, responses: make(map[string]ports.ExecResult)}
}

func (n *scriptedNode) Name() string { return n.name }

func (n *scriptedNode) Execute(_ context.Context, cmd string) (ports.ExecResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.executed = append(n.executed, cmd)
	if n.failOn != "" && strings.Contains(cmd, n.failOn) {
		return ports.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}
	for sub, res := range n.responses {
		if strings.Contains(cmd, sub) {
			return res, nil
		}
	}
	return ports.ExecResult{}, nil
}

func (n *scriptedNode) ExecuteBackground(_ context.Context, cmd string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.background = append(n.background, cmd)
	return nil
}

func (n *scriptedNode) Upload(string, string) error { return nil }

func (n *scriptedNode) Download(remote, local string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.downloads = append(n.downloads, remote)
	return os.WriteFile(local, []byte(n.fileBody), 0o644)
}

func (n *scriptedNode) commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.executed))
	copy(out, n.executed)
	return out
}

// fakeShaper records applies, clears and stats dumps, and optionally fails.
type fakeShaper struct {
	applied []domain.LinkProfile
	cleared []string
	stats   []string
	fail    bool
}

func (s *fakeShaper) Apply(_ context.Context, _ ports.Node, _ string, p domain.LinkProfile) error {
	s.applied = append(s.applied, p)
	if s.fail {
		return fmt.Errorf("shaper down")
	}
	return nil
}

func (s *fakeShaper) Clear(_ context.Context, _ ports.Node, iface string) {
	s.cleared = append(s.cleared, iface)
}

func (s *fakeShaper) Stats(_ context.Context, _ ports.Node, iface string) (string, error) {
	s.stats = append(s.stats, iface)
	return "qdisc htb 1: root", nil
}

type testHarness struct {
	cfg      *config.Config
	ctrl     *PhaseController
	shaper   *fakeShaper
	sender   *scriptedNode
	receiver *scriptedNode
	router   *scriptedNode
	attacker *scriptedNode
	slept    *[]time.Duration
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := zap.NewNop().Sugar()

	cfg := config.DefaultConfig()
	cfg.Output.Dir = t.TempDir()
	cfg.Timing.ConfigDelay = config.Duration(time.Millisecond)
	cfg.Fleet.Sender.Iface = "ens7"
	cfg.Fleet.Sender.DataAddr = "10.0.1.1/24"
	cfg.Fleet.Receiver.Iface = "ens7"
	cfg.Fleet.Receiver.DataAddr = "10.0.2.1/24"
	cfg.Fleet.Router.Iface = "ens8"
	cfg.Fleet.Router.DataAddr = "10.0.1.254/24"
	cfg.Fleet.Attacker.Iface = "ens7"
	cfg.Fleet.Attacker.DataAddr = "10.0.1.2/24"

	h := &testHarness{
		cfg:      cfg,
		shaper:   &fakeShaper{},
		sender:   newScriptedNode("sender"),
		receiver: newScriptedNode("receiver"),
		router:   newScriptedNode("router"),
		attacker: newScriptedNode("attacker"),
	}

	fleet := Fleet{Sender: h.sender, Receiver: h.receiver, Router: h.router, Attacker: h.attacker}
	h.ctrl = NewPhaseController(cfg, fleet, h.shaper, NewMetricsAggregator(log), log)

	slept := []time.Duration{}
	h.slept = &slept
	h.ctrl.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	h.ctrl.readSnapshots = func(string) ([]domain.QualitySnapshot, error) {
		return []domain.QualitySnapshot{
			{TimestampOffset: 1, FramesInWindow: 60, BitrateMbpsInWindow: 10},
			{TimestampOffset: 2, FramesInWindow: 58, StallMsInWindow: 250, BitrateMbpsInWindow: 9},
		}, nil
	}
	return h
}

func basePhase(name string, competing bool) domain.Phase {
	return domain.Phase{
		Name:             name,
		HasCompetingFlow: competing,
		Duration:         40 * time.Second,
		Warmup:           5 * time.Second,
	}
}

func TestRunPhase_BaselineHappyPath(t *testing.T) {
	h := newHarness(t)

	result, err := h.ctrl.RunPhase(context.Background(), basePhase("baseline", false))
	require.NoError(t, err)

	assert.Equal(t, StateCollected, h.ctrl.State())
	assert.Equal(t, "baseline", result.PhaseName)
	assert.InDelta(t, 59, result.AvgFps, 1e-9)
	assert.InDelta(t, 250, result.TotalStallMs, 1e-9)
	assert.InDelta(t, 1.0, result.FairnessIndex, 1e-9)

	// Shaper applied with the phase's loss over the shared capacity cap.
	require.Len(t, h.shaper.applied, 1)
	assert.InDelta(t, 40, h.shaper.applied[0].CapacityMbps, 1e-9)
	assert.Zero(t, h.shaper.applied[0].LossPercent)

	// Monitor on the receiver, media sender on the sender, no competing flow.
	require.Len(t, h.receiver.background, 1)
	assert.Contains(t, h.receiver.background[0], "harmlab-monitor")
	require.Len(t, h.sender.background, 1)
	assert.Contains(t, h.sender.background[0], "10.0.2.1")
	assert.Empty(t, h.attacker.background)

	// The drain pass dumped the router's qdisc counters.
	assert.Equal(t, []string{"ens8"}, h.shaper.stats)
}

func TestRunPhase_FailedPhaseStillDumpsQdiscState(t *testing.T) {
	h := newHarness(t)
	h.shaper.fail = true

	_, err := h.ctrl.RunPhase(context.Background(), basePhase("baseline", false))
	require.Error(t, err)
	assert.Equal(t, []string{"ens8"}, h.shaper.stats)
}

func TestRunPhase_CompetingFlowOutlivesMeasurement(t *testing.T) {
	h := newHarness(t)
	h.attacker.fileBody = "[SUM]   0.00-1.00   sec  4.00 MBytes  33.6 Mbits/sec\n"

	result, err := h.ctrl.RunPhase(context.Background(), basePhase("wired_attack", true))
	require.NoError(t, err)

	// run 40 + warmup 5 + slack 15
	require.Len(t, h.attacker.background, 1)
	assert.Contains(t, h.attacker.background[0], "-t 60")
	assert.Contains(t, h.attacker.background[0], "10.0.2.1")

	// Server side started on the receiver alongside the monitor.
	require.Len(t, h.receiver.background, 2)
	assert.Contains(t, h.receiver.background[1], "iperf3 -s")

	assert.InDelta(t, 33.6, result.CompetingThroughputMbps, 1e-9)
	assert.False(t, math.IsNaN(result.FairnessIndex))
}

func TestRunPhase_ShaperFailureStillDrains(t *testing.T) {
	h := newHarness(t)
	h.shaper.fail = true

	_, err := h.ctrl.RunPhase(context.Background(), basePhase("baseline", false))
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.ctrl.State())

	// The drain pass killed processes on every node despite the early exit.
	for _, n := range []*scriptedNode{h.sender, h.receiver, h.router, h.attacker} {
		killed := 0
		for _, cmd := range n.commands() {
			if strings.Contains(cmd, "pkill") {
				killed++
			}
		}
		assert.GreaterOrEqual(t, killed, len(h.cfg.Commands.KillPatterns), "node %s", n.name)
	}

	// Nothing was started.
	assert.Empty(t, h.sender.background)
}

func TestRunPhase_WarmupPrecedesMediaStart(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.RunPhase(context.Background(), basePhase("wired_attack", true))
	require.NoError(t, err)

	// settle, warmup, run in that order.
	require.Len(t, *h.slept, 3)
	assert.Equal(t, h.cfg.Timing.Settle.Std(), (*h.slept)[0])
	assert.Equal(t, 5*time.Second, (*h.slept)[1])
	assert.Equal(t, 40*time.Second, (*h.slept)[2])
}

func TestRunAll_FailedPhaseYieldsSentinelAndContinues(t *testing.T) {
	h := newHarness(t)
	// First phase apply succeeds, second fails, third succeeds.
	calls := 0
	h.ctrl.shaper = shaperFunc(func(p domain.LinkProfile) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("shaper down")
		}
		return nil
	})

	results, err := h.ctrl.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "baseline", results[0].PhaseName)
	assert.False(t, math.IsNaN(results[0].AvgFps))

	assert.Equal(t, "wired_attack", results[1].PhaseName)
	assert.True(t, math.IsNaN(results[1].AvgFps))
	assert.True(t, math.IsNaN(results[1].FairnessIndex))

	assert.Equal(t, "lossy_attack", results[2].PhaseName)
	assert.False(t, math.IsNaN(results[2].AvgFps))
}

func TestRunAll_CancelStopsSequenceAfterCleanup(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	results, err := h.ctrl.RunAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, len(results), 1)

	// The final cleanup pass still ran.
	killed := false
	for _, cmd := range h.sender.commands() {
		if strings.Contains(cmd, "pkill") {
			killed = true
		}
	}
	assert.True(t, killed)
	assert.Equal(t, []string{"ens8"}, h.shaper.cleared)
}

func TestRunAll_RemovesShapingAfterLastPhase(t *testing.T) {
	h := newHarness(t)

	results, err := h.ctrl.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	// One Clear on exit, not one per phase: shaping carries across phases
	// and only the final cleanup tears it down.
	assert.Equal(t, []string{"ens8"}, h.shaper.cleared)
	assert.Len(t, h.shaper.stats, 3)
}

func TestConfigureFleet_AppliesAddressesAndForwarding(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.ConfigureFleet(context.Background()))

	senderCmds := strings.Join(h.sender.commands(), "\n")
	assert.Contains(t, senderCmds, "ip addr replace 10.0.1.1/24 dev ens7")
	assert.Contains(t, senderCmds, "ethtool -K ens7 gro off gso off tso off")
	assert.Contains(t, senderCmds, "accept_redirects=0")
	assert.Contains(t, senderCmds, "ping -c 2 -W 2 10.0.2.1")

	routerCmds := strings.Join(h.router.commands(), "\n")
	assert.Contains(t, routerCmds, "net.ipv4.ip_forward=1")
	assert.Contains(t, routerCmds, "iptables -P FORWARD ACCEPT")
}

func TestConfigureFleet_RetriesThenReportsFirstFailure(t *testing.T) {
	h := newHarness(t)
	h.router.failOn = "ip addr replace"

	err := h.ctrl.ConfigureFleet(context.Background())
	require.Error(t, err)

	attempts := 0
	for _, cmd := range h.router.commands() {
		if strings.Contains(cmd, "ip addr replace") {
			attempts++
		}
	}
	assert.Equal(t, h.cfg.Timing.ConfigAttempts, attempts)

	// The rest of the fleet was still configured.
	assert.NotEmpty(t, h.attacker.commands())
}

func TestInterfaceBytes_ParsesCounter(t *testing.T) {
	h := newHarness(t)
	h.receiver.responses["rx_bytes"] = ports.ExecResult{Stdout: " 123456789\n"}

	got := h.ctrl.interfaceBytes(context.Background(), h.receiver, "ens7")
	assert.Equal(t, int64(123456789), got)
}

func TestInterfaceBytes_UnreadableCounterIsZero(t *testing.T) {
	h := newHarness(t)
	h.receiver.responses["rx_bytes"] = ports.ExecResult{ExitCode: 1, Stderr: "No such file"}

	got := h.ctrl.interfaceBytes(context.Background(), h.receiver, "ens7")
	assert.Zero(t, got)
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "10.0.2.1", hostOnly("10.0.2.1/24"))
	assert.Equal(t, "10.0.2.1", hostOnly("10.0.2.1"))
	assert.Equal(t, "", hostOnly(""))
}

// shaperFunc adapts a function to the Shaper port.
type shaperFunc func(domain.LinkProfile) error

func (f shaperFunc) Apply(_ context.Context, _ ports.Node, _ string, p domain.LinkProfile) error {
	return f(p)
}

func (f shaperFunc) Clear(context.Context, ports.Node, string) {}

func (f shaperFunc) Stats(context.Context, ports.Node, string) (string, error) { return "", nil }
