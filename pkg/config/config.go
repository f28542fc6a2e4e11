package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"harmlab/internal/core/domain"
)

// Duration decodes human-readable values like "40s" or "200ms". Plain
// time.Duration under yaml.v2 only accepts integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// NodeConfig describes how to reach one fleet machine and which data-plane
// interface/address the experiment uses on it.
type NodeConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	KeyFile  string `yaml:"key_file"`
	Iface    string `yaml:"iface"`
	DataAddr string `yaml:"data_addr"`
	Gateway  string `yaml:"gateway"`
	Route    string `yaml:"route"` // remote subnet reached via Gateway
}

// PhaseConfig is one entry of the ordered phase sequence.
type PhaseConfig struct {
	Name          string  `yaml:"name"`
	CompetingFlow bool    `yaml:"competing_flow"`
	LossPercent   float64 `yaml:"loss_percent"`
}

type Config struct {
	Fleet struct {
		Sender   NodeConfig `yaml:"sender"`
		Receiver NodeConfig `yaml:"receiver"`
		Router   NodeConfig `yaml:"router"`
		Attacker NodeConfig `yaml:"attacker"`
	} `yaml:"fleet"`

	Link struct {
		CapacityMbps      float64 `yaml:"capacity_mbps"`
		QueueLimitPackets int     `yaml:"queue_limit_packets"`
	} `yaml:"link"`

	Phases []PhaseConfig `yaml:"phases"`

	Timing struct {
		Run            Duration `yaml:"run"`
		Warmup         Duration `yaml:"warmup"`
		Settle         Duration `yaml:"settle"`
		CompetingSlack Duration `yaml:"competing_slack"`
		ConfigAttempts int      `yaml:"config_attempts"`
		ConfigDelay    Duration `yaml:"config_delay"`
	} `yaml:"timing"`

	Monitor struct {
		ListenAddr       string   `yaml:"listen_addr"`
		MetricsAddr      string   `yaml:"metrics_addr"`
		StallThreshold   Duration `yaml:"stall_threshold"`
		SnapshotInterval Duration `yaml:"snapshot_interval"`
		SnapshotPath     string   `yaml:"snapshot_path"` // remote, on the receiver
		JitterWindow     int      `yaml:"jitter_window"`
	} `yaml:"monitor"`

	Commands struct {
		MonitorStart    string   `yaml:"monitor_start"`
		MediaSender     string   `yaml:"media_sender"`
		CompetingServer string   `yaml:"competing_server"`
		CompetingClient string   `yaml:"competing_client"` // %s = target addr, %d = seconds
		CompetingLog    string   `yaml:"competing_log"`    // remote, on the attacker
		KillPatterns    []string `yaml:"kill_patterns"`
	} `yaml:"commands"`

	Output struct {
		Dir        string `yaml:"dir"`
		ReportPath string `yaml:"report_path"`
	} `yaml:"output"`

	Signal struct {
		Address           string  `yaml:"address"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"signal"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Link.CapacityMbps <= 0 {
		return fmt.Errorf("link.capacity_mbps must be > 0")
	}
	if c.Link.QueueLimitPackets < 1 {
		return fmt.Errorf("link.queue_limit_packets must be >= 1")
	}

	if len(c.Phases) == 0 {
		return fmt.Errorf("phases must not be empty")
	}
	seen := make(map[string]bool, len(c.Phases))
	for i, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("phases[%d].name must not be empty", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("phases[%d].name %q duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if p.LossPercent < 0 || p.LossPercent > 100 {
			return fmt.Errorf("phases[%d].loss_percent must be within [0,100]", i)
		}
	}

	if c.Timing.Run <= 0 {
		return fmt.Errorf("timing.run must be > 0")
	}
	if c.Timing.Warmup < 0 {
		return fmt.Errorf("timing.warmup must be >= 0")
	}
	if c.Timing.Settle < 0 {
		return fmt.Errorf("timing.settle must be >= 0")
	}
	if c.Timing.ConfigAttempts < 1 {
		return fmt.Errorf("timing.config_attempts must be >= 1")
	}

	if c.Monitor.StallThreshold <= 0 {
		return fmt.Errorf("monitor.stall_threshold must be > 0")
	}
	if c.Monitor.SnapshotInterval <= 0 {
		return fmt.Errorf("monitor.snapshot_interval must be > 0")
	}
	if c.Monitor.JitterWindow < 2 {
		return fmt.Errorf("monitor.jitter_window must be >= 2")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.messages_per_second must be > 0")
	}
	if c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults: the three-phase
// baseline / wired contention / lossy contention sequence over a 40 Mbit
// hard-capped link with a 1000-packet router buffer.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Link.CapacityMbps = 40
	cfg.Link.QueueLimitPackets = 1000

	cfg.Phases = []PhaseConfig{
		{Name: "baseline", CompetingFlow: false, LossPercent: 0},
		{Name: "wired_attack", CompetingFlow: true, LossPercent: 0},
		{Name: "lossy_attack", CompetingFlow: true, LossPercent: 2},
	}

	cfg.Timing.Run = Duration(40 * time.Second)
	cfg.Timing.Warmup = Duration(5 * time.Second)
	cfg.Timing.Settle = Duration(2 * time.Second)
	cfg.Timing.CompetingSlack = Duration(15 * time.Second)
	cfg.Timing.ConfigAttempts = 3
	cfg.Timing.ConfigDelay = Duration(5 * time.Second)

	cfg.Monitor.ListenAddr = ":8888"
	cfg.Monitor.MetricsAddr = ":9091"
	cfg.Monitor.StallThreshold = Duration(200 * time.Millisecond)
	cfg.Monitor.SnapshotInterval = Duration(time.Second)
	cfg.Monitor.SnapshotPath = "gaming_metrics.csv"
	cfg.Monitor.JitterWindow = 60

	cfg.Commands.MonitorStart = "./harmlab-monitor --listen :8888 --output gaming_metrics.csv > monitor.log 2>&1"
	cfg.Commands.MediaSender = "./media-sender --receiver %s > sender.log 2>&1"
	cfg.Commands.CompetingServer = "iperf3 -s -p 5202"
	cfg.Commands.CompetingClient = "iperf3 -c %s -p 5202 -C bbr -P 5 -t %d --logfile attack.log"
	cfg.Commands.CompetingLog = "attack.log"
	cfg.Commands.KillPatterns = []string{"harmlab-monitor", "media-sender", "iperf3"}

	cfg.Output.Dir = "artifacts"
	cfg.Output.ReportPath = "gaming_metrics_report.csv"

	cfg.Signal.Address = ":8443"
	cfg.Signal.MessagesPerSecond = 100
	cfg.Signal.Burst = 200

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Fleet.Sender.Port = 22
	cfg.Fleet.Receiver.Port = 22
	cfg.Fleet.Router.Port = 22
	cfg.Fleet.Attacker.Port = 22

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("HARMLAB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("HARMLAB_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if path := os.Getenv("HARMLAB_REPORT_PATH"); path != "" {
		c.Output.ReportPath = path
	}
	if dir := os.Getenv("HARMLAB_OUTPUT_DIR"); dir != "" {
		c.Output.Dir = dir
	}
}

// ExperimentPhases converts the configured phase sequence into domain phases
// carrying the shared timing budget.
func (c *Config) ExperimentPhases() []domain.Phase {
	phases := make([]domain.Phase, 0, len(c.Phases))
	for _, p := range c.Phases {
		phases = append(phases, domain.Phase{
			Name:             p.Name,
			HasCompetingFlow: p.CompetingFlow,
			LossPercent:      p.LossPercent,
			Duration:         c.Timing.Run.Std(),
			Warmup:           c.Timing.Warmup.Std(),
		})
	}
	return phases
}
