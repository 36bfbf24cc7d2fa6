// Package sysmon periodically samples host CPU/memory/goroutine usage the
// way ws/internal/shared/monitoring/system_monitor.go centralizes resource
// measurement into a single ticker-driven collector, except it reads
// through gopsutil/v3 directly (cpu.Percent, mem.VirtualMemory) the way
// nishisan-dev-n-backup/internal/agent/monitor.go does, rather than the
// teacher's cgroup-aware platform package.
package sysmon

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adred-codev/fanoutsink/internal/telemetry"
)

// Snapshot is a single point-in-time system measurement.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryBytes   uint64
	Goroutines    int
	Timestamp     time.Time
}

// Monitor samples system resource usage on a ticker and exposes the most
// recent Snapshot.
type Monitor struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	snapshot Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor. Call Start to begin sampling.
func New(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("component", "sysmon").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic sampling at interval. Safe to call once.
func (m *Monitor) Start(interval time.Duration) {
	m.collect()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Snapshot returns the most recent measurement.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Monitor) collect() {
	snap := Snapshot{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("failed to sample cpu usage")
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
		snap.MemoryBytes = v.Used
	} else {
		m.logger.Debug().Err(err).Msg("failed to sample memory usage")
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	cpuUsagePercent.Set(snap.CPUPercent)
	memoryUsageBytes.Set(float64(snap.MemoryBytes))
	goroutinesActive.Set(float64(snap.Goroutines))
}

var (
	cpuUsagePercent  = telemetry.NewGauge("fanout_host_cpu_usage_percent", "Host CPU usage percentage sampled by sysmon")
	memoryUsageBytes = telemetry.NewGauge("fanout_host_memory_bytes", "Host memory usage in bytes sampled by sysmon")
	goroutinesActive = telemetry.NewGauge("fanout_goroutines_active", "Current number of active goroutines")
)
