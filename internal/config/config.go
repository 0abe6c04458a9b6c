// Package config loads and validates the helper daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// Namespace is the label prefix all helper artifacts live under. The
// queue label and socket name must stay inside it.
const Namespace = "com.resticd"

// Config is the daemon configuration. Zero fields are filled from
// Default before validation.
type Config struct {
	// SocketPath is the unix socket the helper listens on.
	SocketPath string `yaml:"socket_path"`

	// PIDFile records the running daemon's PID for status/stop.
	PIDFile string `yaml:"pid_file"`

	// ResticBinary is the path of the restic executable to invoke.
	ResticBinary string `yaml:"restic_binary"`

	// CacheDir is created on demand and injected as RESTIC_CACHE_DIR.
	CacheDir string `yaml:"cache_dir"`

	// DataDir holds the encryption key and the encrypted audit store.
	DataDir string `yaml:"data_dir"`

	// QueueLabel names the command queue; must stay in Namespace.
	QueueLabel string `yaml:"queue_label"`

	// ProtocolVersion is the interface version spoken on the socket.
	ProtocolVersion int `yaml:"protocol_version"`

	// CommandTimeout bounds each restic invocation.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxRetries bounds automatic retry of transient failures.
	// Zero means the first failure is immediately terminal.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the pause before a failed message re-enters the
	// pending queue.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// HealthInterval is the period of the health monitor.
	HealthInterval time.Duration `yaml:"health_interval"`

	// Limits can raise (never lower) the resource minimums.
	Limits domain.ResourceLimits `yaml:"limits"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, "."+Namespace)
	return Config{
		SocketPath:      filepath.Join(base, Namespace+".sock"),
		PIDFile:         filepath.Join(base, Namespace+".pid"),
		ResticBinary:    "/usr/local/bin/restic",
		CacheDir:        filepath.Join(base, "cache"),
		DataDir:         filepath.Join(base, "data"),
		QueueLabel:      Namespace + ".queue",
		ProtocolVersion: 1,
		CommandTimeout:  5 * time.Minute,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		HealthInterval:  30 * time.Second,
	}
}

// Load reads the YAML config at path, filling unset fields from
// Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(ExpandHome(path))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SocketPath = ExpandHome(cfg.SocketPath)
	cfg.PIDFile = ExpandHome(cfg.PIDFile)
	cfg.ResticBinary = ExpandHome(cfg.ResticBinary)
	cfg.CacheDir = ExpandHome(cfg.CacheDir)
	cfg.DataDir = ExpandHome(cfg.DataDir)

	return cfg, nil
}

// Validate sanity-checks the static configuration.
func (c Config) Validate() error {
	if c.CommandTimeout <= 0 {
		return &domain.ValidationError{Field: "command_timeout", Reason: "must be positive"}
	}
	if c.MaxRetries < 0 {
		return &domain.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if c.RetryDelay < 0 {
		return &domain.ValidationError{Field: "retry_delay", Reason: "must not be negative"}
	}
	if c.ProtocolVersion <= 0 {
		return &domain.ValidationError{Field: "protocol_version", Reason: "must be positive"}
	}
	if c.HealthInterval <= 0 {
		return &domain.ValidationError{Field: "health_interval", Reason: "must be positive"}
	}
	if !strings.HasPrefix(c.QueueLabel, Namespace+".") {
		return &domain.ValidationError{Field: "queue_label", Reason: fmt.Sprintf("must be under %s", Namespace)}
	}
	if strings.TrimSpace(c.SocketPath) == "" {
		return &domain.ValidationError{Field: "socket_path", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.ResticBinary) == "" {
		return &domain.ValidationError{Field: "restic_binary", Reason: "must not be empty"}
	}
	return nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
