// The monitor daemon runs on the receiving endpoint. It accepts the media
// receiver's telemetry stream, reduces it into per-second quality snapshots,
// appends them to the snapshot log the controller later downloads, and
// exposes live counters for scraping.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"harmlab/internal/core/services"
	"harmlab/internal/infrastructure/ingest"
	"harmlab/internal/infrastructure/monitoring"
	"harmlab/internal/infrastructure/node"
	"harmlab/internal/infrastructure/pipeline"
	"harmlab/internal/infrastructure/store"
	"harmlab/pkg/config"
	"harmlab/pkg/logger"
)

func main() {
	cfg := config.DefaultConfig()

	listen := flag.String("listen", cfg.Monitor.ListenAddr, "telemetry listen address")
	metricsAddr := flag.String("metrics", cfg.Monitor.MetricsAddr, "metrics listen address")
	output := flag.String("output", cfg.Monitor.SnapshotPath, "snapshot log path")
	stallThreshold := flag.Duration("stall-threshold", cfg.Monitor.StallThreshold.Std(), "inter-frame gap classified as a stall")
	interval := flag.Duration("interval", cfg.Monitor.SnapshotInterval.Std(), "snapshot window length")
	restartCmd := flag.String("restart-cmd", "", "command run to rewind the media pipeline on end of stream")
	logLevel := flag.String("log-level", cfg.Logging.Level, "log level")
	flag.Parse()

	zapLogger := logger.New(*logLevel, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer, err := store.NewSnapshotWriter(*output)
	if err != nil {
		log.Fatalw("cannot open snapshot log", "path", *output, "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	sink := monitoring.NewInstrumentedSink(writer, collector)

	monitor := services.NewStreamQualityMonitor(services.MonitorConfig{
		StallThreshold:   *stallThreshold,
		SnapshotInterval: *interval,
		JitterWindow:     cfg.Monitor.JitterWindow,
	}, log)

	var restart pipeline.RestartFunc
	if *restartCmd != "" {
		local := node.NewLocalNode("receiver", log)
		cmd := *restartCmd
		restart = func(ctx context.Context) error {
			return local.ExecuteBackground(ctx, cmd)
		}
	}
	machine := pipeline.NewMachine(restart, log)

	go func() {
		if err := machine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("pipeline state machine stopped", "error", err)
		}
	}()

	go func() {
		// Ticks until cancelled; dead frame sources come out as zero windows.
		monitor.Run(ctx, sink)
	}()

	server := ingest.NewServer(monitor, machine, collector, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", server.HandleFrames)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		log.Infow("telemetry server listening", "address", *listen, "output", *output)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("telemetry server failed", "error", err)
		}
	}()

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Infow("metrics server listening", "address", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	monitor.LogSummary()
	if err := sink.Close(); err != nil {
		log.Errorw("closing snapshot log failed", "error", err)
	}
	log.Infow("monitor stopped")
}
