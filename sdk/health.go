package plugins

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthCheckFunc reports nil when the checked resource is healthy.
type HealthCheckFunc func() error

// HealthChecks is a registry of named health checks. It is safe for
// concurrent use.
type HealthChecks struct {
	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
}

// NewHealthChecks creates an empty registry.
func NewHealthChecks() *HealthChecks {
	return &HealthChecks{checks: make(map[string]HealthCheckFunc)}
}

// Register adds or replaces the check called name.
func (h *HealthChecks) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Names returns the registered check names in sorted order.
func (h *HealthChecks) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the check called name. The check runs without the registry
// lock held so it may block on I/O.
func (h *HealthChecks) Run(name string) error {
	h.mu.RLock()
	check, ok := h.checks[name]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown health check: %s", name)
	}
	return check()
}

// HealthThresholds bounds what SystemResourcesCheck accepts.
type HealthThresholds struct {
	MaxMemoryPercent float64
	MaxCPUPercent    float64
	CPUSampleWindow  time.Duration
}

// DefaultHealthThresholds mirrors the limits the host applies to plugins.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MaxMemoryPercent: 90.0,
		MaxCPUPercent:    95.0,
		CPUSampleWindow:  200 * time.Millisecond,
	}
}

// SystemResourcesCheck returns a check that fails when host memory or CPU
// usage is above the thresholds.
func SystemResourcesCheck(thresholds HealthThresholds) HealthCheckFunc {
	return func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("failed to read memory stats: %w", err)
		}
		if thresholds.MaxMemoryPercent > 0 && vm.UsedPercent > thresholds.MaxMemoryPercent {
			return fmt.Errorf("memory usage %.1f%% exceeds %.1f%%", vm.UsedPercent, thresholds.MaxMemoryPercent)
		}

		if thresholds.MaxCPUPercent <= 0 {
			return nil
		}
		percents, err := cpu.Percent(thresholds.CPUSampleWindow, false)
		if err != nil {
			return fmt.Errorf("failed to read cpu stats: %w", err)
		}
		if len(percents) > 0 && percents[0] > thresholds.MaxCPUPercent {
			return fmt.Errorf("cpu usage %.1f%% exceeds %.1f%%", percents[0], thresholds.MaxCPUPercent)
		}
		return nil
	}
}
