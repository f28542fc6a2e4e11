package main

import (
	"net/http"

	"harmlab/internal/infrastructure/signal"
	"harmlab/pkg/config"
	"harmlab/pkg/logger"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/harmlab/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	relay := signal.NewRelay(log)
	relay.SetRateLimit(cfg.Signal.MessagesPerSecond, cfg.Signal.Burst)

	http.HandleFunc("/ws", relay.HandleWebSocket)
	http.HandleFunc("/health", relay.HealthCheck)

	log.Infow("signaling relay listening", "address", cfg.Signal.Address)
	if err := http.ListenAndServe(cfg.Signal.Address, nil); err != nil {
		log.Fatalw("relay server failed", "error", err)
	}
}
