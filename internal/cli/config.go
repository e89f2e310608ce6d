package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/communicator"
	"github.com/ChuLiYu/multiworld/internal/controller"
	"github.com/ChuLiYu/multiworld/internal/watchdog"
)

// Config represents the complete node configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Node struct {
		Name string `yaml:"name"`
	} `yaml:"node"`

	Log struct {
		Level string `yaml:"level"` // debug, info, warn, error
	} `yaml:"log"`

	Backend struct {
		Kind              string        `yaml:"kind"`
		MailboxDepth      int           `yaml:"mailbox_depth"`
		RendezvousTimeout time.Duration `yaml:"rendezvous_timeout"`
	} `yaml:"backend"`

	Communicator communicator.Config `yaml:"communicator"`
	Watchdog     watchdog.Config     `yaml:"watchdog"`

	Server struct {
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the configuration used for every key a file leaves out.
func DefaultConfig() *Config {
	ctrl := controller.DefaultConfig()

	cfg := &Config{}
	cfg.Node.Name = ctrl.NodeName
	cfg.Log.Level = "info"
	cfg.Backend.Kind = backend.MemoryKind
	cfg.Backend.MailboxDepth = ctrl.MailboxDepth
	cfg.Backend.RendezvousTimeout = ctrl.RendezvousTimeout
	cfg.Communicator = ctrl.Communicator
	cfg.Watchdog = ctrl.Watchdog
	cfg.Server.Port = 50061
	cfg.Server.ShutdownTimeout = ctrl.ShutdownTimeout
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return cfg
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	_, levelErr := parseLevel(c.Log.Level)
	check(levelErr == nil, "log.level: %v", levelErr)
	check(c.Backend.Kind == backend.MemoryKind, "backend.kind: unsupported backend %q", c.Backend.Kind)
	check(c.Backend.MailboxDepth > 0, "backend.mailbox_depth must be > 0")
	check(c.Backend.RendezvousTimeout >= 0, "backend.rendezvous_timeout must not be negative")
	check(c.Communicator.BatchWindow >= 0, "communicator.batch_window must not be negative")
	check(c.Communicator.MaxBatchSize > 0, "communicator.max_batch_size must be > 0")
	check(c.Communicator.QueueSize > 0, "communicator.queue_size must be > 0")
	check(c.Watchdog.ProbeInterval > 0, "watchdog.probe_interval must be > 0")
	check(c.Watchdog.CheckEvery > 0, "watchdog.check_every must be > 0")
	check(c.Watchdog.ProbeTimeout > 0, "watchdog.probe_timeout must be > 0")
	check(c.Watchdog.ReleaseTimeout > 0, "watchdog.release_timeout must be > 0")
	check(c.Watchdog.MaxConcurrentProbes > 0, "watchdog.max_concurrent_probes must be > 0")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be > 0")
	if c.Metrics.Enabled {
		check(c.Metrics.Port > 0 && c.Metrics.Port < 65536, "metrics.port %d out of range", c.Metrics.Port)
		check(c.Metrics.Port != c.Server.Port, "metrics.port and server.port must differ")
	}
	return errs
}

// ControllerConfig converts the file layout into the controller's Config.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		NodeName:          c.Node.Name,
		MailboxDepth:      c.Backend.MailboxDepth,
		RendezvousTimeout: c.Backend.RendezvousTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
		Communicator:      c.Communicator,
		Watchdog:          c.Watchdog,
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}

func newLogger(level string) *slog.Logger {
	lvl, _ := parseLevel(level)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
