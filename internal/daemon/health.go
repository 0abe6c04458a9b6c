// Package daemon contains the long-running loops of the helper and its
// client: connection health monitoring and helper process bootstrap.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
	"github.com/eliteGoblin/resticd/internal/policy"
)

// HealthMonitor periodically pings the channel and samples resources,
// publishing a classified snapshot. State begins as unknown and never
// reverts to unknown once the first check has run.
type HealthMonitor struct {
	pinger   domain.Pinger
	probe    domain.ResourceProbe
	safety   policy.Safety
	interval time.Duration
	logger   *zap.Logger

	// now is swappable for deterministic tests.
	now func() time.Time

	mu     sync.Mutex
	status domain.HealthStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor constructs a stopped monitor.
func NewHealthMonitor(pinger domain.Pinger, probe domain.ResourceProbe, safety policy.Safety, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pinger:   pinger,
		probe:    probe,
		safety:   safety,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		status: domain.HealthStatus{
			State: domain.HealthState{Code: domain.HealthUnknown},
		},
	}
}

// StartMonitoring begins periodic checks. Calling it on a running
// monitor is a no-op.
func (m *HealthMonitor) StartMonitoring(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
	m.logger.Info("Health monitoring started", zap.Duration("interval", m.interval))
}

// StopMonitoring halts the periodic checks and waits for the loop to
// exit. The last published snapshot remains readable.
func (m *HealthMonitor) StopMonitoring() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Health monitoring stopped")
}

// Status returns the latest snapshot.
func (m *HealthMonitor) Status() domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *HealthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First check immediately rather than waiting a full interval.
	m.PerformHealthCheck(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PerformHealthCheck(ctx)
		}
	}
}

// PerformHealthCheck runs one check cycle: ping first, then resource
// limits. A failed ping makes the state unhealthy; a successful ping
// with an exceeded limit makes it degraded.
func (m *HealthMonitor) PerformHealthCheck(ctx context.Context) domain.HealthStatus {
	checkedAt := m.now()

	if err := m.pinger.Ping(ctx); err != nil {
		m.mu.Lock()
		m.status.FailedChecks++
		m.status.LastChecked = checkedAt
		m.status.State = domain.HealthState{
			Code:   domain.HealthUnhealthy,
			Reason: "ping failed: " + err.Error(),
		}
		status := m.status
		m.mu.Unlock()
		m.logger.Warn("Health check failed", zap.Error(err), zap.Int("failed_checks", status.FailedChecks))
		return status
	}

	state := domain.HealthState{Code: domain.HealthHealthy}
	var resources domain.SystemResources
	sample, err := m.probe.Snapshot(ctx)
	if err != nil {
		state = domain.HealthState{Code: domain.HealthDegraded, Reason: "resource sampling failed: " + err.Error()}
	} else {
		resources = sample
		if ok, reason := sample.WithinLimits(m.safety.Limits()); !ok {
			state = domain.HealthState{Code: domain.HealthDegraded, Reason: reason}
		}
	}

	m.mu.Lock()
	m.status.SuccessfulChecks++
	m.status.LastChecked = checkedAt
	m.status.State = state
	if err == nil {
		m.status.Resources = resources
	}
	status := m.status
	m.mu.Unlock()

	if state.Code == domain.HealthDegraded {
		m.logger.Warn("Connection degraded", zap.String("reason", state.Reason))
	} else {
		m.logger.Debug("Health check passed", zap.Int("successful_checks", status.SuccessfulChecks))
	}
	return status
}
