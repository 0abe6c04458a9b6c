//go:build integration

package integration

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/daemon"
	"github.com/eliteGoblin/resticd/internal/domain"
	"github.com/eliteGoblin/resticd/internal/infra"
	"github.com/eliteGoblin/resticd/internal/ipc"
	"github.com/eliteGoblin/resticd/internal/policy"
	"github.com/eliteGoblin/resticd/internal/queue"
	"github.com/eliteGoblin/resticd/internal/restic"
	"github.com/eliteGoblin/resticd/internal/usecase"
)

// stubRestic stands in for the real binary: it reads the verb from its
// first argument and marker files in the repository directory.
const stubRestic = `#!/bin/sh
repo="$RESTIC_REPOSITORY"
[ -f "$repo/slow" ] && sleep 10
if [ -f "$repo/fail" ]; then
  echo "Fatal: simulated failure" >&2
  exit 1
fi
case "$1" in
  backup)
    echo '{"message_type":"summary","files_new":1,"data_added":42,"snapshot_id":"stub1234"}'
    ;;
  snapshots)
    echo '[{"id":"stubsnapshot","short_id":"stub1234","time":"2026-01-01T00:00:00Z","paths":["/src"]}]'
    ;;
esac
exit 0
`

var _ = Describe("Helper", func() {
	var (
		tmpDir    string
		repoDir   string
		sourceDir string
		socket    string

		registry *infra.AccessRegistry
		recorder *infra.OperationRecorderImpl
		service  *usecase.ResticService
		monitor  *daemon.HealthMonitor
		server   *ipc.Server
		stopSrv  context.CancelFunc

		conn   *ipc.Connection
		worker *queue.Worker
		stopWk context.CancelFunc
	)

	submitVerb := func(verb string, args []string, bookmarks map[string][]byte) (domain.ProcessResult, error) {
		return worker.Submit(context.Background(), domain.CommandConfig{
			Command:   verb,
			Args:      args,
			Env:       map[string]string{"RESTIC_PASSWORD": "test-password"},
			Bookmarks: bookmarks,
			SessionID: os.Getuid(),
		})
	}

	mustBookmark := func(path string) []byte {
		b, err := infra.CreateBookmark(path)
		Expect(err).NotTo(HaveOccurred())
		return b
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "resticd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		sourceDir = filepath.Join(tmpDir, "source")
		Expect(os.MkdirAll(repoDir, 0755)).To(Succeed())
		Expect(os.MkdirAll(sourceDir, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(sourceDir, "doc.txt"), []byte("hello"), 0644)).To(Succeed())

		binary := filepath.Join(tmpDir, "restic")
		Expect(os.WriteFile(binary, []byte(stubRestic), 0755)).To(Succeed())

		socket = filepath.Join(tmpDir, "helper.sock")
		logger := zap.NewNop()

		registry = infra.NewAccessRegistry()
		recorder = infra.NewOperationRecorder(logger)
		probe, err := infra.NewResourceProbe(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		safety := policy.Default()

		monitor = daemon.NewHealthMonitor(
			daemon.SocketPinger{SocketPath: socket},
			probe, safety, time.Minute, logger)

		service = usecase.NewResticService(
			usecase.ServiceConfig{
				ResticBinary:   binary,
				CacheDir:       filepath.Join(tmpDir, "cache"),
				CommandTimeout: 30 * time.Second,
				SessionID:      os.Getuid(),
			},
			safety,
			infra.NewExecRunner(logger),
			probe,
			recorder,
			infra.NewScopeResolver(registry),
			monitor,
			logger,
		)

		server = ipc.NewServer(
			ipc.ServerConfig{SocketPath: socket, Version: "integration"},
			service, probe, monitor, logger)

		var srvCtx context.Context
		srvCtx, stopSrv = context.WithCancel(context.Background())
		go func() {
			defer GinkgoRecover()
			_ = server.Serve(srvCtx)
		}()
		Eventually(func() error {
			c, err := net.Dial("unix", socket)
			if err == nil {
				c.Close()
			}
			return err
		}, 2*time.Second, 10*time.Millisecond).Should(Succeed())

		conn = ipc.NewConnection(socket, logger)
		conn.SetInvalidationHandler(func(error) {})
		Expect(conn.Connect(context.Background())).To(Succeed())

		q := queue.New(queue.Config{
			Label:      "com.resticd.queue.integration",
			MaxRetries: 1,
			RetryDelay: 10 * time.Millisecond,
		}, logger)
		worker = queue.NewWorker(q, conn, logger)

		var wkCtx context.Context
		wkCtx, stopWk = context.WithCancel(context.Background())
		go worker.Run(wkCtx)
	})

	AfterEach(func() {
		stopWk()
		conn.Close()
		stopSrv()
		os.RemoveAll(tmpDir)
	})

	Describe("Backup", func() {
		Context("when the repository and source are bookmarked", func() {
			It("should run the backup and release all scoped access", func() {
				result, err := submitVerb("backup", nil, map[string][]byte{
					usecase.BookmarkRepository:          mustBookmark(repoDir),
					usecase.BookmarkSourcePrefix + "0": mustBookmark(sourceDir),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(result.ExitCode).To(Equal(0))

				summary, err := restic.ParseBackupSummary(result.Output)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary).NotTo(BeNil())
				Expect(summary.SnapshotID).To(Equal("stub1234"))

				Expect(registry.ActiveCount()).To(BeZero())

				var accessRecords int
				for _, rec := range recorder.Records() {
					if rec.Type == domain.OperationAccess && rec.Status == domain.OperationSuccess {
						accessRecords++
					}
				}
				Expect(accessRecords).To(Equal(2))
			})
		})

		Context("when restic fails", func() {
			It("should surface the exit code and stderr", func() {
				Expect(os.WriteFile(filepath.Join(repoDir, "fail"), nil, 0644)).To(Succeed())

				_, err := submitVerb("backup", nil, map[string][]byte{
					usecase.BookmarkRepository: mustBookmark(repoDir),
				})
				var exitErr *domain.ExitError
				Expect(err).To(HaveOccurred())
				Expect(errors.As(err, &exitErr)).To(BeTrue())
				Expect(exitErr.ExitCode).To(Equal(1))
				Expect(exitErr.Stderr).To(ContainSubstring("simulated failure"))
				Expect(registry.ActiveCount()).To(BeZero())
			})
		})

		Context("when a denied flag is smuggled into the arguments", func() {
			It("should reject the command before spawning anything", func() {
				_, err := submitVerb("backup", []string{"--force"}, map[string][]byte{
					usecase.BookmarkRepository: mustBookmark(repoDir),
				})
				var verr *domain.ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
			})
		})
	})

	Describe("Bookmarks", func() {
		Context("when the bookmarked directory was replaced", func() {
			It("should report the bookmark as stale", func() {
				victim := filepath.Join(tmpDir, "victim")
				replacement := filepath.Join(tmpDir, "replacement")
				Expect(os.MkdirAll(victim, 0755)).To(Succeed())
				Expect(os.MkdirAll(replacement, 0755)).To(Succeed())
				bookmark := mustBookmark(victim)

				// Swap in a different directory so the inode changes.
				Expect(os.RemoveAll(victim)).To(Succeed())
				Expect(os.Rename(replacement, victim)).To(Succeed())

				_, err := submitVerb("backup", nil, map[string][]byte{
					usecase.BookmarkRepository: bookmark,
				})
				Expect(errors.Is(err, domain.ErrBookmarkStale)).To(BeTrue())
			})
		})
	})

	Describe("Cancellation", func() {
		Context("when a long command is in flight", func() {
			It("should cancel it on request", func() {
				Expect(os.WriteFile(filepath.Join(repoDir, "slow"), nil, 0644)).To(Succeed())

				done := make(chan error, 1)
				go func() {
					defer GinkgoRecover()
					_, err := submitVerb("backup", nil, map[string][]byte{
						usecase.BookmarkRepository: mustBookmark(repoDir),
					})
					done <- err
				}()

				Eventually(func() bool {
					cancelled, err := conn.Cancel(context.Background())
					return err == nil && cancelled
				}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

				Eventually(done, 5*time.Second).Should(Receive(MatchError(domain.ErrCancelled)))
				Expect(registry.ActiveCount()).To(BeZero())
			})

			It("should report nothing to cancel when idle", func() {
				cancelled, err := conn.Cancel(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeFalse())
			})
		})
	})

	Describe("Snapshots", func() {
		It("should return the parsed snapshot list", func() {
			result, err := submitVerb("snapshots", nil, map[string][]byte{
				usecase.BookmarkRepository: mustBookmark(repoDir),
			})
			Expect(err).NotTo(HaveOccurred())

			snapshots, err := restic.ParseSnapshots(result.Output)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshots).To(HaveLen(1))
			Expect(snapshots[0].ShortID).To(Equal("stub1234"))
		})
	})

	Describe("Health", func() {
		It("should report healthy once the socket is up", func() {
			status := monitor.PerformHealthCheck(context.Background())
			Expect(status.State.Code).To(Equal(domain.HealthHealthy))

			reply, err := conn.Status(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Health.SuccessfulChecks).To(BeNumerically(">=", 1))
			Expect(reply.Version).To(Equal("integration"))
		})

		It("should answer pings", func() {
			Expect(conn.Ping(context.Background())).To(Succeed())
		})
	})
})
