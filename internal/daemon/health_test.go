package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
	"github.com/eliteGoblin/resticd/internal/policy"
)

type scriptedPinger struct {
	errs []error
	call int
}

func (p *scriptedPinger) Ping(ctx context.Context) error {
	err := p.errs[p.call%len(p.errs)]
	p.call++
	return err
}

type staticProbe struct {
	res domain.SystemResources
	err error
}

func (p staticProbe) Snapshot(ctx context.Context) (domain.SystemResources, error) {
	return p.res, p.err
}

func plentyOfResources() domain.SystemResources {
	return domain.SystemResources{
		CPUPercent:      5,
		AvailableMemory: 8 * 1024 * 1024 * 1024,
		AvailableDisk:   100 * 1024 * 1024 * 1024,
	}
}

func newMonitor(pinger domain.Pinger, probe domain.ResourceProbe) *HealthMonitor {
	return NewHealthMonitor(pinger, probe, policy.Default(), time.Minute, zap.NewNop())
}

func TestInitialStateIsUnknown(t *testing.T) {
	m := newMonitor(&scriptedPinger{errs: []error{nil}}, staticProbe{res: plentyOfResources()})
	status := m.Status()
	assert.Equal(t, domain.HealthUnknown, status.State.Code)
	assert.Zero(t, status.SuccessfulChecks)
	assert.True(t, status.LastChecked.IsZero())
}

func TestHealthyCheck(t *testing.T) {
	m := newMonitor(&scriptedPinger{errs: []error{nil}}, staticProbe{res: plentyOfResources()})

	status := m.PerformHealthCheck(context.Background())
	assert.Equal(t, domain.HealthHealthy, status.State.Code)
	assert.Empty(t, status.State.Reason)
	assert.Equal(t, 1, status.SuccessfulChecks)
	assert.Zero(t, status.FailedChecks)
	assert.False(t, status.LastChecked.IsZero())
	assert.Equal(t, plentyOfResources(), status.Resources)
}

func TestPingFailureIsUnhealthy(t *testing.T) {
	m := newMonitor(&scriptedPinger{errs: []error{domain.ErrConnectionInterrupted}},
		staticProbe{res: plentyOfResources()})

	status := m.PerformHealthCheck(context.Background())
	assert.Equal(t, domain.HealthUnhealthy, status.State.Code)
	assert.Contains(t, status.State.Reason, "ping failed")
	assert.Equal(t, 1, status.FailedChecks)
	assert.Zero(t, status.SuccessfulChecks)
}

func TestExceededLimitIsDegraded(t *testing.T) {
	lowMemory := plentyOfResources()
	lowMemory.AvailableMemory = 1024
	m := newMonitor(&scriptedPinger{errs: []error{nil}}, staticProbe{res: lowMemory})

	status := m.PerformHealthCheck(context.Background())
	assert.Equal(t, domain.HealthDegraded, status.State.Code)
	assert.Contains(t, status.State.Reason, "memory")
	// A degraded check still counts as a successful ping.
	assert.Equal(t, 1, status.SuccessfulChecks)
}

func TestProbeFailureIsDegraded(t *testing.T) {
	m := newMonitor(&scriptedPinger{errs: []error{nil}},
		staticProbe{err: errors.New("proc unavailable")})

	status := m.PerformHealthCheck(context.Background())
	assert.Equal(t, domain.HealthDegraded, status.State.Code)
	assert.Contains(t, status.State.Reason, "resource sampling failed")
}

func TestStateNeverRevertsToUnknown(t *testing.T) {
	m := newMonitor(&scriptedPinger{errs: []error{nil, domain.ErrProxyUnavailable}},
		staticProbe{res: plentyOfResources()})
	ctx := context.Background()

	assert.Equal(t, domain.HealthHealthy, m.PerformHealthCheck(ctx).State.Code)
	assert.Equal(t, domain.HealthUnhealthy, m.PerformHealthCheck(ctx).State.Code)
	assert.Equal(t, domain.HealthHealthy, m.PerformHealthCheck(ctx).State.Code)

	status := m.Status()
	assert.Equal(t, 2, status.SuccessfulChecks)
	assert.Equal(t, 1, status.FailedChecks)
	assert.NotEqual(t, domain.HealthUnknown, status.State.Code)
}

func TestRecoveryAfterFailure(t *testing.T) {
	m := newMonitor(&scriptedPinger{errs: []error{domain.ErrProxyUnavailable, nil}},
		staticProbe{res: plentyOfResources()})
	ctx := context.Background()

	assert.Equal(t, domain.HealthUnhealthy, m.PerformHealthCheck(ctx).State.Code)
	status := m.PerformHealthCheck(ctx)
	assert.Equal(t, domain.HealthHealthy, status.State.Code)
	assert.Empty(t, status.State.Reason)
}

func TestStartMonitoringIsIdempotent(t *testing.T) {
	m := NewHealthMonitor(&scriptedPinger{errs: []error{nil}},
		staticProbe{res: plentyOfResources()}, policy.Default(), 10*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	m.StartMonitoring(ctx)
	m.StartMonitoring(ctx)
	defer m.StopMonitoring()

	require.Eventually(t, func() bool {
		return m.Status().SuccessfulChecks >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopMonitoringHaltsChecks(t *testing.T) {
	m := NewHealthMonitor(&scriptedPinger{errs: []error{nil}},
		staticProbe{res: plentyOfResources()}, policy.Default(), 5*time.Millisecond, zap.NewNop())

	m.StartMonitoring(context.Background())
	require.Eventually(t, func() bool {
		return m.Status().SuccessfulChecks >= 1
	}, time.Second, time.Millisecond)
	m.StopMonitoring()

	last := m.Status().LastChecked
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, last, m.Status().LastChecked, "no checks after stop")

	// Stopping twice is safe.
	m.StopMonitoring()
}
