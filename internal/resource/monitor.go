// Package resource gates task admission on host CPU and memory headroom.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Usage is one point-in-time host sample.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Sampler reads host utilization (seam for deterministic tests).
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler samples the local machine via gopsutil.
type HostSampler struct {
	// CPUInterval is how long the CPU percentage is measured over.
	CPUInterval time.Duration
}

// Sample reads current CPU and memory utilization.
func (s HostSampler) Sample(ctx context.Context) (Usage, error) {
	interval := s.CPUInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	cpuPercents, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}
	u := Usage{MemoryPercent: vm.UsedPercent}
	if len(cpuPercents) > 0 {
		u.CPUPercent = cpuPercents[0]
	}
	return u, nil
}

// Config controls admission thresholds and the sampling window.
type Config struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	WindowSamples    int
}

// Monitor implements scheduler.AdmissionController. It is read-only; a
// rejected admission is a deferral, retried on the dispatcher's next cycle
// rather than busy-polled here.
type Monitor struct {
	sampler Sampler
	cfg     Config
	logger  *zap.Logger
}

// NewMonitor builds a Monitor with the given sampler and thresholds.
func NewMonitor(sampler Sampler, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MaxCPUPercent <= 0 {
		cfg.MaxCPUPercent = 80
	}
	if cfg.MaxMemoryPercent <= 0 {
		cfg.MaxMemoryPercent = 80
	}
	if cfg.WindowSamples <= 0 {
		cfg.WindowSamples = 3
	}
	return &Monitor{sampler: sampler, cfg: cfg, logger: logger}
}

// Snapshot returns a single current sample for status reporting.
func (m *Monitor) Snapshot(ctx context.Context) (Usage, error) {
	return m.sampler.Sample(ctx)
}

// CanAdmit averages a short window of samples and compares it against the
// configured thresholds.
func (m *Monitor) CanAdmit(ctx context.Context) bool {
	var window Usage
	taken := 0
	for i := 0; i < m.cfg.WindowSamples; i++ {
		u, err := m.sampler.Sample(ctx)
		if err != nil {
			m.logger.Warn("resource sample failed", zap.Error(err))
			continue
		}
		window.CPUPercent += u.CPUPercent
		window.MemoryPercent += u.MemoryPercent
		taken++
	}
	if taken == 0 {
		// No readings at all: admit rather than stall the fleet on a
		// monitoring failure.
		return true
	}
	window.CPUPercent /= float64(taken)
	window.MemoryPercent /= float64(taken)

	if window.CPUPercent > m.cfg.MaxCPUPercent {
		m.logger.Warn("admission deferred: cpu above threshold",
			zap.Float64("cpu_percent", window.CPUPercent),
			zap.Float64("max_cpu_percent", m.cfg.MaxCPUPercent),
		)
		return false
	}
	if window.MemoryPercent > m.cfg.MaxMemoryPercent {
		m.logger.Warn("admission deferred: memory above threshold",
			zap.Float64("memory_percent", window.MemoryPercent),
			zap.Float64("max_memory_percent", m.cfg.MaxMemoryPercent),
		)
		return false
	}
	return true
}
