// Package policy holds the fixed safety rails applied to every restic
// invocation before a subprocess is spawned.
package policy

import (
	"fmt"
	"strings"

	"github.com/eliteGoblin/resticd/internal/domain"
)

const (
	// EnvPassword must be present and non-empty before execution.
	EnvPassword = "RESTIC_PASSWORD"
	// EnvRepository must be present and non-empty before execution.
	EnvRepository = "RESTIC_REPOSITORY"
	// EnvCacheDir is injected during preparation.
	EnvCacheDir = "RESTIC_CACHE_DIR"
	// EnvProgressFPS is injected during preparation.
	EnvProgressFPS = "RESTIC_PROGRESS_FPS"
)

// Reference thresholds: commands are refused when the helper has less
// than 512 MB of memory or 1 GB of disk available.
const (
	MinAvailableMemory = 512 * 1024 * 1024
	MinAvailableDisk   = 1024 * 1024 * 1024
	MaxCPUPercent      = 90.0
)

// deniedFlags are restic flags that defeat the safety guarantees the
// helper relies on (locking, caching, forced destructive operations).
// The deny-list is fixed and cannot be overridden by configuration.
var deniedFlags = []string{"--no-cache", "--no-lock", "--force"}

// requiredEnv are the environment keys every command must carry.
var requiredEnv = []string{EnvPassword, EnvRepository}

// Safety bundles the command and resource rails. Construct once via
// Default and inject; resource minimums may be raised through
// configuration but never lowered below the reference thresholds.
type Safety struct {
	limits domain.ResourceLimits
}

// Default returns the safety policy with reference thresholds.
func Default() Safety {
	return Safety{limits: domain.ResourceLimits{
		MaxCPUPercent:      MaxCPUPercent,
		MinAvailableMemory: MinAvailableMemory,
		MinAvailableDisk:   MinAvailableDisk,
	}}
}

// WithLimits returns a policy with raised resource minimums. Values
// below the reference thresholds are clamped up to them.
func WithLimits(lim domain.ResourceLimits) Safety {
	s := Default()
	if lim.MaxCPUPercent > 0 && lim.MaxCPUPercent < s.limits.MaxCPUPercent {
		s.limits.MaxCPUPercent = lim.MaxCPUPercent
	}
	if lim.MinAvailableMemory > s.limits.MinAvailableMemory {
		s.limits.MinAvailableMemory = lim.MinAvailableMemory
	}
	if lim.MinAvailableDisk > s.limits.MinAvailableDisk {
		s.limits.MinAvailableDisk = lim.MinAvailableDisk
	}
	return s
}

// Limits returns the effective resource limits.
func (s Safety) Limits() domain.ResourceLimits {
	return s.limits
}

// CheckCommand validates well-formedness of a command: non-empty command
// and working directory, no path traversal in arguments, no denied
// flags, no empty environment keys or values, and all required
// environment keys present.
func (s Safety) CheckCommand(cfg domain.CommandConfig) error {
	if strings.TrimSpace(cfg.Command) == "" {
		return &domain.ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if strings.TrimSpace(cfg.WorkingDir) == "" {
		return &domain.ValidationError{Field: "working_dir", Reason: "must not be empty"}
	}

	for _, arg := range cfg.Args {
		if strings.Contains(arg, "..") {
			return &domain.ValidationError{Field: "args", Reason: fmt.Sprintf("path traversal in %q", arg)}
		}
		for _, denied := range deniedFlags {
			if arg == denied {
				return &domain.ValidationError{Field: "args", Reason: fmt.Sprintf("unsafe flag %s", denied)}
			}
		}
	}

	for k, v := range cfg.Env {
		if strings.TrimSpace(k) == "" {
			return &domain.ValidationError{Field: "env", Reason: "empty environment key"}
		}
		if strings.TrimSpace(v) == "" {
			return &domain.ValidationError{Field: "env", Reason: fmt.Sprintf("empty value for %s", k)}
		}
	}
	for _, key := range requiredEnv {
		if cfg.Env[key] == "" {
			return &domain.ValidationError{Field: "env", Reason: fmt.Sprintf("missing required %s", key)}
		}
	}

	return nil
}

// CheckResources validates one resource sample against the limits.
func (s Safety) CheckResources(res domain.SystemResources) error {
	ok, reason := res.WithinLimits(s.limits)
	if ok {
		return nil
	}
	switch {
	case strings.Contains(reason, "memory"):
		return &domain.ResourceError{Resource: "memory", Reason: reason}
	case strings.Contains(reason, "disk"):
		return &domain.ResourceError{Resource: "disk space", Reason: reason}
	default:
		return &domain.ResourceError{Resource: "cpu", Reason: reason}
	}
}
