// Package config loads swarmd's TOML configuration with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the swarmd process configuration.
type Config struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`

	Nats       NatsConfig       `toml:"nats"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Spool      SpoolConfig      `toml:"spool"`
	Defaults   GroupDefaults    `toml:"defaults"`
}

// NatsConfig selects an external broker or an embedded server.
type NatsConfig struct {
	URL      string `toml:"url"`
	Embedded bool   `toml:"embedded"`
	Port     int    `toml:"port"`
}

// CheckpointConfig selects the durable store backing consensus finality.
type CheckpointConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "memory"
	Path   string `toml:"path"`
}

// SpoolConfig points at the local task submissions file.
type SpoolConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// GroupDefaults apply when a group init request leaves fields empty.
type GroupDefaults struct {
	Topology        string `toml:"topology"`
	Consensus       string `toml:"consensus"`
	SweepIntervalMS int    `toml:"sweep_interval_ms"`
}

// SweepInterval converts the configured milliseconds to a duration.
func (d GroupDefaults) SweepInterval() time.Duration {
	return time.Duration(d.SweepIntervalMS) * time.Millisecond
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Name: "swarmd",
		Addr: ":8600",
		Nats: NatsConfig{Embedded: true, Port: -1},
		Checkpoint: CheckpointConfig{
			Driver: "sqlite",
			Path:   "data/checkpoints.db",
		},
		Spool: SpoolConfig{Path: "data/tasks.jsonl"},
		Defaults: GroupDefaults{
			Topology:        "mesh",
			Consensus:       "raft",
			SweepIntervalMS: 1000,
		},
	}
}

// Load reads the TOML file, fills defaults, applies environment overrides
// and validates. An empty path yields the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWARMD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SWARMD_NATS_URL"); v != "" {
		cfg.Nats.URL = v
		cfg.Nats.Embedded = false
	}
	if v := os.Getenv("SWARMD_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("SWARMD_SPOOL_PATH"); v != "" {
		cfg.Spool.Path = v
		cfg.Spool.Enabled = true
	}
}

// Validate rejects configurations swarmd cannot start with. An empty addr is
// allowed: swarmd then picks a free port at startup.
func Validate(cfg Config) error {
	switch cfg.Checkpoint.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Checkpoint.Path) == "" {
			return fmt.Errorf("sqlite checkpoint driver requires a path")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown checkpoint driver %q", cfg.Checkpoint.Driver)
	}
	if !cfg.Nats.Embedded && cfg.Nats.URL == "" {
		return fmt.Errorf("nats requires a url unless embedded")
	}
	if cfg.Spool.Enabled && strings.TrimSpace(cfg.Spool.Path) == "" {
		return fmt.Errorf("spool enabled without a path")
	}
	return nil
}
