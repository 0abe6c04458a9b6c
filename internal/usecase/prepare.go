// Package usecase contains application business logic.
package usecase

import (
	"fmt"
	"os"
	"time"

	"github.com/eliteGoblin/resticd/internal/domain"
	"github.com/eliteGoblin/resticd/internal/policy"
)

// defaultProgressFPS keeps restic's progress output at one update per
// second, which is plenty for a background helper.
const defaultProgressFPS = "1"

// prepareCommand turns a validated CommandConfig into the executable
// form: creates the cache directory on demand, injects RESTIC_CACHE_DIR
// and RESTIC_PROGRESS_FPS, normalises arguments with --json --quiet,
// and applies the default timeout.
func prepareCommand(cfg domain.CommandConfig, cacheDir string, defaultTimeout time.Duration) (domain.PreparedCommand, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return domain.PreparedCommand{}, fmt.Errorf("failed to create cache directory: %w", err)
	}

	env := make(map[string]string, len(cfg.Env)+2)
	for k, v := range cfg.Env {
		env[k] = v
	}
	env[policy.EnvCacheDir] = cacheDir
	if env[policy.EnvProgressFPS] == "" {
		env[policy.EnvProgressFPS] = defaultProgressFPS
	}

	args := make([]string, 0, len(cfg.Args)+2)
	args = append(args, cfg.Args...)
	if !containsArg(args, "--json") {
		args = append(args, "--json")
	}
	if !containsArg(args, "--quiet") {
		args = append(args, "--quiet")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return domain.PreparedCommand{
		Command:    cfg.Command,
		Args:       args,
		Env:        env,
		WorkingDir: cfg.WorkingDir,
		Timeout:    timeout,
	}, nil
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
