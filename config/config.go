// Package config loads the go-offload configuration.
//
// Loading overlays a file on the built-in defaults from default.toml:
// only the keys present in the file change, so a valid configuration
// exists even without one. A file that exists but does not parse, or
// does not validate, is an error rather than a silent fallback.
// Command-line flags and $OFFLOAD_LOG override what is loaded; that
// happens in the CLI.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/interpreter/device/ebpf"
	"github.com/frobware/go-offload/interpreter/device/sqlite"
	"github.com/frobware/go-offload/peer"
	"github.com/frobware/go-offload/retry"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is where offloadctl looks when --config is not set.
const DefaultConfigPath = "/etc/offload/offload.toml"

// Backend kinds.
const (
	BackendSQLite = "sqlite"
	BackendEBPF   = "ebpf"
)

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig        `toml:"logging"`
	Device   compute.Capabilities `toml:"device"`
	Topology peer.Topology        `toml:"topology"`
	Retry    RetryConfig          `toml:"retry"`
	Manager  ManagerConfig        `toml:"manager"`
	Backend  BackendConfig        `toml:"backend"`
	Metrics  MetricsConfig        `toml:"metrics"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec such as "info,manager=debug".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// Components adds per-component levels to Level.
	Components map[string]string `toml:"components"`
}

// ToSpec returns the log spec: Level, followed by the Components
// overrides sorted by name.
func (c *LoggingConfig) ToSpec() string {
	parts := []string{c.Level}
	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Trim(strings.Join(parts, ","), ",")
}

// RetryConfig controls the unready queue.
type RetryConfig struct {
	Interval time.Duration `toml:"interval"`
}

// Options converts c for retry.New.
func (c RetryConfig) Options() retry.Options {
	return retry.Options{Interval: c.Interval}
}

// ManagerConfig holds rule registry settings.
type ManagerConfig struct {
	SoftwarePort uint32 `toml:"software_port"`
}

// BackendConfig selects and sizes the primary device.
type BackendConfig struct {
	Kind   string           `toml:"kind"`
	Device offload.DeviceID `toml:"device"`
	DBPath string           `toml:"db_path"`
	Limits sqlite.Limits    `toml:"limits"`
	EBPF   ebpf.Options     `toml:"ebpf"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// DefaultConfig returns the configuration in the embedded default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path on the defaults. A missing file
// yields the defaults; an empty path means DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config file %s: unknown keys %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend.Kind {
	case BackendSQLite, BackendEBPF:
	default:
		errs = append(errs, fmt.Errorf("backend.kind: unknown backend %q", c.Backend.Kind))
	}
	if c.Backend.Device == "" {
		errs = append(errs, errors.New("backend.device: must not be empty"))
	}
	if c.Retry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("retry.interval: must be positive, got %s", c.Retry.Interval))
	}
	if c.Device.MaxSegments < 1 {
		errs = append(errs, fmt.Errorf("device.max_segments: must be at least 1, got %d", c.Device.MaxSegments))
	}
	seen := make(map[offload.DeviceID]bool)
	for _, p := range c.Topology.Peers {
		if p == c.Backend.Device {
			errs = append(errs, fmt.Errorf("topology.peers: %s is the primary", p))
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("topology.peers: %s listed twice", p))
		}
		seen[p] = true
	}
	return errors.Join(errs...)
}
