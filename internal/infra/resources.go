package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// ResourceProbeImpl implements domain.ResourceProbe using gopsutil.
// Disk space is sampled at the cache directory's filesystem since that
// is where restic writes.
type ResourceProbeImpl struct {
	diskPath string
	self     *process.Process
}

// NewResourceProbe creates a probe sampling disk space at diskPath.
func NewResourceProbe(diskPath string) (*ResourceProbeImpl, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	return &ResourceProbeImpl{diskPath: diskPath, self: self}, nil
}

// Snapshot returns a point-in-time resource sample. Per-process file
// handle and connection counts are best-effort: some platforms refuse
// them without privileges, which surfaces as zero rather than an error.
func (p *ResourceProbeImpl) Snapshot(ctx context.Context) (domain.SystemResources, error) {
	var res domain.SystemResources

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return res, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(percents) > 0 {
		res.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to sample memory: %w", err)
	}
	res.AvailableMemory = vm.Available

	usage, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return res, fmt.Errorf("failed to sample disk: %w", err)
	}
	res.AvailableDisk = usage.Free

	if fds, err := p.self.NumFDsWithContext(ctx); err == nil {
		res.OpenFileHandles = int(fds)
	}
	if conns, err := p.self.ConnectionsWithContext(ctx); err == nil {
		res.ActiveConnections = len(conns)
	}

	return res, nil
}

// Ensure ResourceProbeImpl implements domain.ResourceProbe.
var _ domain.ResourceProbe = (*ResourceProbeImpl)(nil)
