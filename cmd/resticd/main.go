// Package main is the CLI entry point for resticd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/resticd/internal/config"
	"github.com/eliteGoblin/resticd/internal/daemon"
	"github.com/eliteGoblin/resticd/internal/domain"
	"github.com/eliteGoblin/resticd/internal/infra"
	"github.com/eliteGoblin/resticd/internal/ipc"
	"github.com/eliteGoblin/resticd/internal/policy"
	"github.com/eliteGoblin/resticd/internal/queue"
	"github.com/eliteGoblin/resticd/internal/restic"
	"github.com/eliteGoblin/resticd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resticd",
	Short: "Sandboxed restic helper daemon",
	Long: `resticd runs restic commands through a privileged helper process.
The helper listens on a unix socket, validates every command against
fixed safety rails, and executes restic with bounded timeouts and
captured output. Client commands queue work through the helper and
retry automatically when the connection drops.

The repository password is read from the RESTIC_PASSWORD environment
variable. It is never accepted as a flag and never written to logs.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the helper daemon in the foreground",
	Long: `Starts the helper: binds the unix socket, opens the encrypted audit
store, and serves commands until interrupted. Client commands spawn
this automatically when no helper is running.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show helper health and version",
	RunE:  runStatus,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialise a new restic repository",
	RunE:  runInit,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up source directories into the repository",
	RunE:  runBackup,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List repository snapshots",
	RunE:  runSnapshots,
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a snapshot into a target directory",
	RunE:  runRestore,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify repository integrity",
	RunE:  runCheck,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the helper's in-flight operation",
	RunE:  runCancel,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the helper daemon",
	RunE:  runStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath string
	repoPath   string
	sources    []string
	excludes   []string
	tags       []string
	snapshotID string
	targetPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	for _, cmd := range []*cobra.Command{initCmd, backupCmd, snapshotsCmd, restoreCmd, checkCmd} {
		cmd.Flags().StringVar(&repoPath, "repo", "", "Repository directory")
		_ = cmd.MarkFlagRequired("repo")
	}
	backupCmd.Flags().StringArrayVar(&sources, "source", nil, "Source directory to back up (repeatable)")
	_ = backupCmd.MarkFlagRequired("source")
	backupCmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Exclude pattern (repeatable)")
	backupCmd.Flags().StringArrayVar(&tags, "tag", nil, "Snapshot tag (repeatable)")
	restoreCmd.Flags().StringVar(&snapshotID, "snapshot", "latest", "Snapshot ID to restore")
	restoreCmd.Flags().StringVar(&targetPath, "target", "", "Directory to restore into")
	_ = restoreCmd.MarkFlagRequired("target")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")
	snapshotsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if err := daemon.WritePIDFile(cfg.PIDFile); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer daemon.RemovePIDFile(cfg.PIDFile)

	// Encrypted audit trail.
	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return fmt.Errorf("failed to obtain audit key: %w", err)
	}
	store, err := infra.NewAuditStore(cfg.DataDir, key)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()
	recorder := infra.NewOperationRecorderWithStore(store, logger)
	defer recorder.Close()

	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	probe, err := infra.NewResourceProbe(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to initialise resource probe: %w", err)
	}

	safety := policy.WithLimits(cfg.Limits)
	registry := infra.NewAccessRegistry()
	resolver := infra.NewScopeResolver(registry)
	monitor := daemon.NewHealthMonitor(
		daemon.SocketPinger{SocketPath: cfg.SocketPath},
		probe, safety, cfg.HealthInterval, logger)

	service := usecase.NewResticService(
		usecase.ServiceConfig{
			ResticBinary:   cfg.ResticBinary,
			CacheDir:       cfg.CacheDir,
			CommandTimeout: cfg.CommandTimeout,
			SessionID:      os.Getuid(),
		},
		safety,
		infra.NewExecRunner(logger),
		probe,
		recorder,
		resolver,
		monitor,
		logger,
	)

	server := ipc.NewServer(
		ipc.ServerConfig{SocketPath: cfg.SocketPath, Version: Version},
		service, probe, monitor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	// The monitor pings our own socket, so it starts once the listener
	// is accepting.
	go func() {
		for !daemon.HelperRunning(cfg.SocketPath) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		monitor.StartMonitoring(ctx)
	}()
	defer monitor.StopMonitoring()

	logger.Info("Helper starting",
		zap.String("version", Version),
		zap.String("socket", cfg.SocketPath),
		zap.String("restic", cfg.ResticBinary))
	return server.Serve(ctx)
}

// client bundles everything a client command needs to talk to the
// helper: the connection, the retrying queue worker, and teardown.
type client struct {
	conn   *ipc.Connection
	worker *queue.Worker
	cfg    config.Config
	close  func()
}

func newClient(ctx context.Context) (*client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := clientLogger()

	if err := daemon.EnsureHelperRunning(ctx, cfg.SocketPath, logger); err != nil {
		return nil, err
	}

	conn := ipc.NewConnection(cfg.SocketPath, logger)
	conn.SetInvalidationHandler(func(err error) {
		logger.Warn("Helper connection lost", zap.Error(err))
	})
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	q := queue.New(queue.Config{
		Label:      cfg.QueueLabel,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, logger)
	worker := queue.NewWorker(q, conn, logger)

	workerCtx, stopWorker := context.WithCancel(ctx)
	go worker.Run(workerCtx)

	return &client{
		conn:   conn,
		worker: worker,
		cfg:    cfg,
		close: func() {
			stopWorker()
			conn.Close()
		},
	}, nil
}

// buildCommand turns local paths into bookmarks and assembles the wire
// command. The password travels in the env map, never in args.
func buildCommand(verb string, extraArgs []string, repo string, srcs []string, target string) (domain.CommandConfig, error) {
	password := os.Getenv("RESTIC_PASSWORD")
	if password == "" {
		return domain.CommandConfig{}, errors.New("RESTIC_PASSWORD is not set")
	}

	bookmarks := make(map[string][]byte)
	repoBookmark, err := infra.CreateBookmark(repo)
	if err != nil {
		return domain.CommandConfig{}, fmt.Errorf("repository %s: %w", repo, err)
	}
	bookmarks[usecase.BookmarkRepository] = repoBookmark

	for i, src := range srcs {
		b, err := infra.CreateBookmark(src)
		if err != nil {
			return domain.CommandConfig{}, fmt.Errorf("source %s: %w", src, err)
		}
		bookmarks[fmt.Sprintf("%s%d", usecase.BookmarkSourcePrefix, i)] = b
	}
	if target != "" {
		b, err := infra.CreateBookmark(target)
		if err != nil {
			return domain.CommandConfig{}, fmt.Errorf("target %s: %w", target, err)
		}
		bookmarks[usecase.BookmarkTarget] = b
	}

	return domain.CommandConfig{
		Command:   verb,
		Args:      extraArgs,
		Env:       map[string]string{"RESTIC_PASSWORD": password},
		Bookmarks: bookmarks,
		SessionID: os.Getuid(),
	}, nil
}

func submit(cmd domain.CommandConfig) (domain.ProcessResult, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	defer c.close()

	return c.worker.Submit(ctx, cmd)
}

func reportFailure(result domain.ProcessResult, err error) error {
	var exitErr *domain.ExitError
	if errors.As(err, &exitErr) && exitErr.Stderr != "" {
		fmt.Fprintln(os.Stderr, exitErr.Stderr)
	} else if result.Error != "" {
		fmt.Fprintln(os.Stderr, result.Error)
	}
	return err
}

func runInit(cmd *cobra.Command, args []string) error {
	wire, err := buildCommand("init", nil, repoPath, nil, "")
	if err != nil {
		return err
	}
	result, err := submit(wire)
	if err != nil {
		return reportFailure(result, err)
	}
	fmt.Printf("Repository initialised at %s\n", repoPath)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	var extra []string
	for _, ex := range excludes {
		extra = append(extra, "--exclude", ex)
	}
	for _, tag := range tags {
		extra = append(extra, "--tag", tag)
	}

	wire, err := buildCommand("backup", extra, repoPath, sources, "")
	if err != nil {
		return err
	}
	result, err := submit(wire)
	if err != nil {
		return reportFailure(result, err)
	}

	summary, perr := restic.ParseBackupSummary(result.Output)
	if perr != nil || summary == nil {
		fmt.Println("Backup complete.")
		return nil
	}
	fmt.Println("\n=== Backup Complete ===")
	fmt.Printf("Snapshot: %s\n", summary.SnapshotID)
	fmt.Printf("New files: %d, changed: %d, unmodified: %d\n",
		summary.FilesNew, summary.FilesChanged, summary.FilesUnmodified)
	fmt.Printf("Data added: %d bytes\n", summary.DataAdded)
	fmt.Printf("Duration: %.1fs\n", summary.TotalDuration)
	fmt.Println("=======================")
	return nil
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	wire, err := buildCommand("snapshots", nil, repoPath, nil, "")
	if err != nil {
		return err
	}
	result, err := submit(wire)
	if err != nil {
		return reportFailure(result, err)
	}

	if jsonOutput {
		fmt.Println(result.Output)
		return nil
	}
	snapshots, err := restic.ParseSnapshots(result.Output)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Println("No snapshots.")
		return nil
	}
	fmt.Println("\n=== Snapshots ===")
	for _, s := range snapshots {
		fmt.Printf("%s  %s  %v", s.ShortID, s.Time.Format(time.RFC3339), s.Paths)
		if len(s.Tags) > 0 {
			fmt.Printf("  tags=%v", s.Tags)
		}
		fmt.Println()
	}
	fmt.Println("=================")
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	wire, err := buildCommand("restore", []string{snapshotID}, repoPath, nil, targetPath)
	if err != nil {
		return err
	}
	result, err := submit(wire)
	if err != nil {
		return reportFailure(result, err)
	}
	fmt.Printf("Restored snapshot %s into %s\n", snapshotID, targetPath)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	wire, err := buildCommand("check", nil, repoPath, nil, "")
	if err != nil {
		return err
	}
	result, err := submit(wire)
	if err != nil {
		return reportFailure(result, err)
	}
	fmt.Println("Repository check passed.")
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !daemon.HelperRunning(cfg.SocketPath) {
		fmt.Println("Helper is not running; nothing to cancel.")
		return nil
	}

	conn := ipc.NewConnection(cfg.SocketPath, clientLogger())
	conn.SetInvalidationHandler(func(error) {})
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	cancelled, err := conn.Cancel(ctx)
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Println("Cancelled in-flight operation.")
	} else {
		fmt.Println("No operation in flight.")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !daemon.HelperRunning(cfg.SocketPath) {
		if jsonOutput {
			fmt.Println(`{"running":false}`)
			return nil
		}
		fmt.Println("\n=== resticd Status ===")
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun any command (or 'resticd serve') to start the helper.")
		fmt.Println("======================")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := ipc.NewConnection(cfg.SocketPath, clientLogger())
	conn.SetInvalidationHandler(func(error) {})
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	status, err := conn.Status(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println("\n=== resticd Status ===")
	fmt.Printf("Status: RUNNING (pid %d, version %s)\n", status.PID, status.Version)
	fmt.Printf("Health: %s", status.Health.State.Code)
	if status.Health.State.Reason != "" {
		fmt.Printf(" (%s)", status.Health.State.Reason)
	}
	fmt.Println()
	fmt.Printf("Checks: %d ok, %d failed\n",
		status.Health.SuccessfulChecks, status.Health.FailedChecks)
	if !status.Health.LastChecked.IsZero() {
		fmt.Printf("Last check: %s ago\n", time.Since(status.Health.LastChecked).Round(time.Second))
	}
	fmt.Printf("Socket: %s\n", cfg.SocketPath)
	fmt.Println("======================")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	stopped, err := daemon.StopHelper(cfg.PIDFile, infra.NewProcessManager(), clientLogger())
	if err != nil {
		return err
	}
	if stopped {
		fmt.Println("Helper stopped.")
	} else {
		fmt.Println("Helper was not running.")
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("resticd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// createLogger builds the daemon logger, writing to a file beside the
// socket so foreground and spawned helpers log the same way.
func createLogger(cfg config.Config) *zap.Logger {
	logPath := filepath.Join(filepath.Dir(cfg.SocketPath), "resticd.log")
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{logPath}
	zc.ErrorOutputPaths = []string{logPath}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// clientLogger keeps interactive commands quiet unless something is
// actually wrong.
func clientLogger() *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
