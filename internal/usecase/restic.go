package usecase

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
	"github.com/eliteGoblin/resticd/internal/policy"
	"github.com/eliteGoblin/resticd/internal/restic"
)

// Bookmark keys understood by ExecuteCommand. Source bookmarks use the
// "source:" prefix followed by an ordering index.
const (
	BookmarkRepository   = "repository"
	BookmarkTarget       = "target"
	BookmarkSourcePrefix = "source:"
)

// HealthReporter exposes the latest connection health snapshot. The
// service refuses new commands while the channel is unhealthy.
type HealthReporter interface {
	Status() domain.HealthStatus
}

// ServiceConfig carries the fixed parameters of the restic service.
type ServiceConfig struct {
	ResticBinary   string
	CacheDir       string
	CommandTimeout time.Duration
	SessionID      int
}

// ResticService executes restic commands on behalf of clients. Every
// invocation follows the same template: resolve bookmarks, start scoped
// access, validate prerequisites, prepare, run, record, release. Scoped
// access is released on every exit path, success or failure.
type ResticService struct {
	cfg      ServiceConfig
	safety   policy.Safety
	runner   domain.Runner
	probe    domain.ResourceProbe
	recorder domain.Recorder
	scopes   domain.ScopeResolver
	health   HealthReporter
	logger   *zap.Logger

	mu        sync.Mutex
	current   domain.Process
	cancelled bool
}

// NewResticService constructs the service. health may be nil when no
// monitor is running (e.g. one-shot CLI use).
func NewResticService(
	cfg ServiceConfig,
	safety policy.Safety,
	runner domain.Runner,
	probe domain.ResourceProbe,
	recorder domain.Recorder,
	scopes domain.ScopeResolver,
	health HealthReporter,
	logger *zap.Logger,
) *ResticService {
	return &ResticService{
		cfg:      cfg,
		safety:   safety,
		runner:   runner,
		probe:    probe,
		recorder: recorder,
		scopes:   scopes,
		health:   health,
		logger:   logger,
	}
}

// BackupRequest describes one backup invocation.
type BackupRequest struct {
	Repository []byte
	Password   string
	Sources    [][]byte
	Excludes   []string
	Tags       []string
}

// RestoreRequest describes one restore invocation.
type RestoreRequest struct {
	Repository []byte
	Password   string
	SnapshotID string
	Target     []byte
}

// InitRepository initialises a new restic repository at the bookmarked
// location.
func (s *ResticService) InitRepository(ctx context.Context, repository []byte, password string) (domain.ProcessResult, error) {
	return s.execute(ctx, password, repository, nil, nil, func(repoPath string, _ []string, _ string) []string {
		return []string{"init"}
	})
}

// Backup runs a backup of the bookmarked sources into the bookmarked
// repository and returns the parsed summary when restic emitted one.
func (s *ResticService) Backup(ctx context.Context, req BackupRequest) (domain.ProcessResult, *restic.BackupSummary, error) {
	result, err := s.execute(ctx, req.Password, req.Repository, req.Sources, nil,
		func(repoPath string, sources []string, _ string) []string {
			args := []string{"backup"}
			for _, ex := range req.Excludes {
				args = append(args, "--exclude", ex)
			}
			for _, tag := range req.Tags {
				args = append(args, "--tag", tag)
			}
			return append(args, sources...)
		})
	if err != nil {
		return result, nil, err
	}
	summary, perr := restic.ParseBackupSummary(result.Output)
	if perr != nil {
		s.logger.Warn("Backup succeeded but summary could not be parsed", zap.Error(perr))
		return result, nil, nil
	}
	return result, summary, nil
}

// Snapshots lists the repository snapshots.
func (s *ResticService) Snapshots(ctx context.Context, repository []byte, password string) (domain.ProcessResult, []restic.Snapshot, error) {
	result, err := s.execute(ctx, password, repository, nil, nil,
		func(repoPath string, _ []string, _ string) []string {
			return []string{"snapshots"}
		})
	if err != nil {
		return result, nil, err
	}
	snapshots, perr := restic.ParseSnapshots(result.Output)
	if perr != nil {
		return result, nil, perr
	}
	return result, snapshots, nil
}

// Restore restores a snapshot into the bookmarked target directory.
// A missing target is rejected up front; restic would otherwise be
// spawned with an empty --target.
func (s *ResticService) Restore(ctx context.Context, req RestoreRequest) (domain.ProcessResult, error) {
	if len(req.Target) == 0 {
		return domain.ProcessResult{}, &domain.ValidationError{Field: "target", Reason: "restore requires a target bookmark"}
	}
	return s.execute(ctx, req.Password, req.Repository, nil, req.Target,
		func(repoPath string, _ []string, target string) []string {
			return []string{"restore", req.SnapshotID, "--target", target}
		})
}

// Check verifies repository integrity.
func (s *ResticService) Check(ctx context.Context, repository []byte, password string) (domain.ProcessResult, error) {
	return s.execute(ctx, password, repository, nil, nil,
		func(repoPath string, _ []string, _ string) []string {
			return []string{"check"}
		})
}

// ValidateBookmark resolves a bookmark without starting access, so
// clients can detect stale bookmarks before queueing work.
func (s *ResticService) ValidateBookmark(data []byte) error {
	scope, err := s.scopes.FromBookmark(data)
	if err != nil {
		s.record(domain.OperationBookmark, "", domain.OperationFailure, err)
		return err
	}
	s.record(domain.OperationBookmark, scope.Path(), domain.OperationSuccess, nil)
	return nil
}

// CancelOperation terminates the in-flight command, if any. Returns
// true when a running process was signalled, false when there was
// nothing to cancel.
func (s *ResticService) CancelOperation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	pid := s.current.PID()
	if err := s.current.Terminate(); err != nil {
		s.logger.Warn("Failed to terminate process", zap.Int("pid", pid), zap.Error(err))
	}
	s.cancelled = true
	s.logger.Info("Cancelled in-flight operation", zap.Int("pid", pid))
	return true
}

// ExecuteCommand is the generic entry point used by the wire protocol.
// cfg.Command carries the restic verb, cfg.Args any verb-specific extra
// arguments, and cfg.Bookmarks the repository, source and target
// locations by well-known key.
func (s *ResticService) ExecuteCommand(ctx context.Context, cfg domain.CommandConfig) (domain.ProcessResult, error) {
	password := cfg.Env[policy.EnvPassword]
	repository := cfg.Bookmarks[BookmarkRepository]
	sources := sourceBookmarks(cfg.Bookmarks)
	target := cfg.Bookmarks[BookmarkTarget]

	switch cfg.Command {
	case "init":
		return s.InitRepository(ctx, repository, password)
	case "backup":
		// Excludes and tags travel pre-rendered in Args.
		return s.execute(ctx, password, repository, sources, nil,
			func(repoPath string, srcPaths []string, _ string) []string {
				return append(append([]string{"backup"}, cfg.Args...), srcPaths...)
			})
	case "snapshots":
		result, _, err := s.Snapshots(ctx, repository, password)
		return result, err
	case "restore":
		snapshotID := "latest"
		if len(cfg.Args) > 0 {
			snapshotID = cfg.Args[0]
		}
		return s.Restore(ctx, RestoreRequest{
			Repository: repository,
			Password:   password,
			SnapshotID: snapshotID,
			Target:     target,
		})
	case "check":
		return s.Check(ctx, repository, password)
	default:
		return domain.ProcessResult{}, &domain.ValidationError{Field: "command", Reason: fmt.Sprintf("unknown operation %q", cfg.Command)}
	}
}

// execute is the shared invocation template.
func (s *ResticService) execute(
	ctx context.Context,
	password string,
	repository []byte,
	sources [][]byte,
	target []byte,
	buildArgs func(repoPath string, sourcePaths []string, targetPath string) []string,
) (domain.ProcessResult, error) {
	repoScope, err := s.startScope(repository)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	defer s.stopScope(repoScope)

	var sourcePaths []string
	for _, src := range sources {
		scope, err := s.startScope(src)
		if err != nil {
			return domain.ProcessResult{}, err
		}
		defer s.stopScope(scope)
		sourcePaths = append(sourcePaths, scope.Path())
	}

	var targetPath string
	if len(target) > 0 {
		scope, err := s.startScope(target)
		if err != nil {
			return domain.ProcessResult{}, err
		}
		defer s.stopScope(scope)
		targetPath = scope.Path()
	}

	cfg := domain.CommandConfig{
		Command: s.cfg.ResticBinary,
		Args:    buildArgs(repoScope.Path(), sourcePaths, targetPath),
		Env: map[string]string{
			policy.EnvPassword:   password,
			policy.EnvRepository: repoScope.Path(),
		},
		WorkingDir: repoScope.Path(),
		Timeout:    s.cfg.CommandTimeout,
		SessionID:  s.cfg.SessionID,
	}

	if err := s.validatePrerequisites(ctx, cfg); err != nil {
		return domain.ProcessResult{}, err
	}

	prepared, err := prepareCommand(cfg, s.cfg.CacheDir, s.cfg.CommandTimeout)
	if err != nil {
		return domain.ProcessResult{}, err
	}

	return s.run(ctx, prepared)
}

// validatePrerequisites applies the pre-spawn gates in order: service
// availability, resource budget, command well-formedness, live health.
func (s *ResticService) validatePrerequisites(ctx context.Context, cfg domain.CommandConfig) error {
	if _, err := os.Stat(s.cfg.ResticBinary); err != nil {
		return fmt.Errorf("restic binary %s: %w", s.cfg.ResticBinary, domain.ErrServiceUnavailable)
	}

	sample, err := s.probe.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample resources: %w", err)
	}
	if err := s.safety.CheckResources(sample); err != nil {
		return err
	}

	if err := s.safety.CheckCommand(cfg); err != nil {
		return err
	}

	if s.health != nil {
		status := s.health.Status()
		if status.State.Code == domain.HealthUnhealthy {
			return fmt.Errorf("connection unhealthy: %s: %w", status.State.Reason, domain.ErrServiceUnavailable)
		}
	}
	return nil
}

// run starts the prepared command, tracks it for cancellation, waits
// for completion and records the outcome. Only one command runs at a
// time per service instance.
func (s *ResticService) run(ctx context.Context, prepared domain.PreparedCommand) (domain.ProcessResult, error) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return domain.ProcessResult{}, fmt.Errorf("operation already in progress: %w", domain.ErrServiceUnavailable)
	}
	proc, err := s.runner.Start(ctx, prepared)
	if err != nil {
		s.mu.Unlock()
		s.record(domain.OperationProcess, prepared.Command, domain.OperationFailure, err)
		return domain.ProcessResult{}, err
	}
	s.current = proc
	s.cancelled = false
	s.mu.Unlock()

	s.logger.Info("Started restic process",
		zap.Int("pid", proc.PID()),
		zap.Strings("args", prepared.Args))

	result, waitErr := proc.Wait()

	s.mu.Lock()
	wasCancelled := s.cancelled
	s.current = nil
	s.cancelled = false
	s.mu.Unlock()

	if wasCancelled {
		s.record(domain.OperationProcess, prepared.Command, domain.OperationFailure, domain.ErrCancelled)
		return result, domain.ErrCancelled
	}
	if waitErr != nil {
		s.record(domain.OperationProcess, prepared.Command, domain.OperationFailure, waitErr)
		return result, waitErr
	}
	if !result.Succeeded() {
		exitErr := &domain.ExitError{ExitCode: result.ExitCode, Stderr: result.Error}
		s.record(domain.OperationProcess, prepared.Command, domain.OperationFailure, exitErr)
		return result, exitErr
	}

	s.record(domain.OperationProcess, prepared.Command, domain.OperationSuccess, nil)
	return result, nil
}

// startScope resolves a bookmark and starts scoped access, recording
// both steps.
func (s *ResticService) startScope(bookmark []byte) (domain.Scope, error) {
	if len(bookmark) == 0 {
		return nil, fmt.Errorf("missing bookmark: %w", domain.ErrBookmarkInvalid)
	}
	scope, err := s.scopes.FromBookmark(bookmark)
	if err != nil {
		s.record(domain.OperationBookmark, "", domain.OperationFailure, err)
		return nil, err
	}
	if err := scope.StartAccessing(); err != nil {
		s.record(domain.OperationAccess, scope.Path(), domain.OperationFailure, err)
		return nil, err
	}
	s.record(domain.OperationAccess, scope.Path(), domain.OperationSuccess, nil)
	return scope, nil
}

func (s *ResticService) stopScope(scope domain.Scope) {
	scope.StopAccessing()
}

func (s *ResticService) record(opType domain.OperationType, path string, status domain.OperationStatus, err error) {
	rec := domain.SecurityOperationRecord{
		Path:   path,
		Type:   opType,
		Status: status,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.recorder.Record(rec)
}

// sourceBookmarks extracts source bookmarks in index order.
func sourceBookmarks(bookmarks map[string][]byte) [][]byte {
	var keys []string
	for k := range bookmarks {
		if strings.HasPrefix(k, BookmarkSourcePrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, bookmarks[k])
	}
	return out
}
