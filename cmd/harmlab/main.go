// The harmlab controller drives a full contention experiment: it configures
// the fleet, runs each phase under its link profile, collects the artifacts
// and writes the phase report with the run verdict.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"harmlab/internal/core/services"
	"harmlab/internal/infrastructure/node"
	"harmlab/internal/infrastructure/shaper"
	"harmlab/internal/infrastructure/store"
	"harmlab/pkg/config"
	"harmlab/pkg/logger"
	"harmlab/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "configuration file")
	local := flag.Bool("local", false, "run every fleet role on the local machine")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Nothing is wired yet, stderr is all we have.
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	runID := utils.GenerateRunID()
	log = log.With("run_id", runID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		log.Fatalw("cannot create output directory", "dir", cfg.Output.Dir, "error", err)
	}

	fleet, cleanup, err := dialFleet(cfg, *local, log)
	if err != nil {
		log.Fatalw("fleet connection failed", "error", err)
	}
	defer cleanup()

	aggregator := services.NewMetricsAggregator(log)
	controller := services.NewPhaseController(cfg, fleet, shaper.NewTCShaper(log), aggregator, log)

	results, runErr := controller.RunAll(ctx)
	if runErr != nil {
		log.Errorw("run interrupted", "error", runErr, "completed_phases", len(results))
	}

	report := aggregator.Summarize(results)
	report.RunID = runID

	reportPath := filepath.Join(cfg.Output.Dir, cfg.Output.ReportPath)
	if err := store.WriteReport(reportPath, report.Results); err != nil {
		log.Errorw("writing report failed", "path", reportPath, "error", err)
		os.Exit(1)
	}

	log.Infow("experiment finished",
		"report", reportPath,
		"phases", len(report.Results),
		"harm_factor", report.HarmFactor,
		"degradation_detected", report.DegradationDetected,
	)
	if report.DegradationDetected {
		log.Warnw("verdict: competing flow meaningfully harmed the stream")
	} else {
		log.Infow("verdict: no meaningful degradation detected")
	}

	if runErr != nil {
		os.Exit(1)
	}
}

// dialFleet connects the four roles. Local mode backs every role with the
// local shell, which is how single-machine smoke runs work.
func dialFleet(cfg *config.Config, local bool, log *zap.SugaredLogger) (services.Fleet, func(), error) {
	if local {
		return services.Fleet{
			Sender:   node.NewLocalNode("sender", log),
			Receiver: node.NewLocalNode("receiver", log),
			Router:   node.NewLocalNode("router", log),
			Attacker: node.NewLocalNode("attacker", log),
		}, func() {}, nil
	}

	roles := []struct {
		name string
		cfg  config.NodeConfig
	}{
		{"sender", cfg.Fleet.Sender},
		{"receiver", cfg.Fleet.Receiver},
		{"router", cfg.Fleet.Router},
		{"attacker", cfg.Fleet.Attacker},
	}

	var dialed []*node.SSHNode
	cleanup := func() {
		for _, n := range dialed {
			n.Close()
		}
	}

	var fleet services.Fleet
	for _, role := range roles {
		n, err := node.DialSSH(role.name, node.SSHConfig{
			Host:    role.cfg.Host,
			Port:    role.cfg.Port,
			User:    role.cfg.User,
			KeyFile: role.cfg.KeyFile,
		}, log)
		if err != nil {
			cleanup()
			return services.Fleet{}, func() {}, err
		}
		dialed = append(dialed, n)

		switch role.name {
		case "sender":
			fleet.Sender = n
		case "receiver":
			fleet.Receiver = n
		case "router":
			fleet.Router = n
		case "attacker":
			fleet.Attacker = n
		}
	}
	return fleet, cleanup, nil
}
