package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/resticd/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().QueueLabel, cfg.QueueLabel)
	assert.Equal(t, Default().CommandTimeout, cfg.CommandTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resticd.yaml")
	body := `
restic_binary: /opt/restic/restic
command_timeout: 90s
max_retries: 5
limits:
  min_available_disk: 2147483648
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/restic/restic", cfg.ResticBinary)
	assert.Equal(t, 90*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, uint64(2147483648), cfg.Limits.MinAvailableDisk)
	// Untouched fields keep defaults.
	assert.Equal(t, Default().QueueLabel, cfg.QueueLabel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero timeout", func(c *Config) { c.CommandTimeout = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero protocol version", func(c *Config) { c.ProtocolVersion = 0 }},
		{"zero health interval", func(c *Config) { c.HealthInterval = 0 }},
		{"queue label outside namespace", func(c *Config) { c.QueueLabel = "com.other.queue" }},
		{"empty socket path", func(c *Config) { c.SocketPath = " " }},
		{"empty restic binary", func(c *Config) { c.ResticBinary = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}
