// Package resources implements the periodic aggregation of container-engine
// usage against configured global quotas, and the Admit() guard consulted
// by the Orchestrator before creating a container.
package resources

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/metrics"
	"github.com/cuemby/ctfd/pkg/portalloc"
)

// Usage is a read-mostly snapshot for one resource class.
type Usage struct {
	Current float64
	Limit   float64
	Percent float64
}

// Snapshot is the full resource_usage structure exposed to the API.
type Snapshot struct {
	Containers  Usage
	CPU         Usage
	Memory      Usage
	Ports       Usage
	LastUpdated int64
	Status      string
}

// StatsSource abstracts the engine call the Monitor needs: aggregate CPU
// percent and memory bytes across this deployment's running containers.
type StatsSource interface {
	AggregateStats(ctx context.Context) (cpuPercent float64, memoryBytes int64, err error)
}

// Monitor periodically refreshes Snapshot and answers Admit() checks.
type Monitor struct {
	db     *sql.DB
	engine StatsSource

	enabled          bool
	maxContainers    int
	maxCPUPercent    float64
	maxMemoryBytes   int64
	checkInterval    time.Duration
	softLimitPercent float64

	mu       sync.RWMutex
	snapshot Snapshot

	stopCh chan struct{}
}

// New builds a Monitor. enabled mirrors Config.EnableResourceQuotas; when
// false, Admit always succeeds and no background loop runs.
func New(db *sql.DB, engine StatsSource, enabled bool, maxContainers int, maxCPUPercent float64, maxMemoryBytes int64, checkInterval time.Duration, softLimitPercent float64) *Monitor {
	return &Monitor{
		db:               db,
		engine:           engine,
		enabled:          enabled,
		maxContainers:    maxContainers,
		maxCPUPercent:    maxCPUPercent,
		maxMemoryBytes:   maxMemoryBytes,
		checkInterval:    checkInterval,
		softLimitPercent: softLimitPercent,
		snapshot:         Snapshot{Status: "initializing"},
		stopCh:           make(chan struct{}),
	}
}

// Start begins the periodic refresh loop. No-op if quotas are disabled.
func (m *Monitor) Start(ctx context.Context) {
	if !m.enabled {
		log.WithComponent("resources").Info().Msg("resource quotas disabled, monitor not started")
		return
	}
	go func() {
		m.refresh(ctx)
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refresh(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) refresh(ctx context.Context) {
	l := log.WithComponent("resources")

	var containerCount int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM containers WHERE status = 'running'`).Scan(&containerCount); err != nil {
		l.Error().Err(err).Msg("failed to count active containers")
		m.mu.Lock()
		m.snapshot.Status = "error"
		m.mu.Unlock()
		return
	}

	var cpuPercent float64
	var memoryBytes int64
	if m.engine != nil {
		var err error
		cpuPercent, memoryBytes, err = m.engine.AggregateStats(ctx)
		if err != nil {
			l.Warn().Err(err).Msg("failed to aggregate engine stats")
		}
	}

	metrics.ActiveContainers.Set(float64(containerCount))

	dbStats := m.db.Stats()
	metrics.DatabaseConnectionPool.WithLabelValues("free").Set(float64(dbStats.Idle))
	metrics.DatabaseConnectionPool.WithLabelValues("in_use").Set(float64(dbStats.InUse))
	metrics.DatabaseConnectionPool.WithLabelValues("max").Set(float64(dbStats.MaxOpenConnections))

	var portsUsage Usage
	if total, allocated, err := portalloc.Counts(ctx, m.db); err != nil {
		l.Warn().Err(err).Msg("failed to count port allocations")
	} else {
		portsUsage = usageOf(float64(allocated), float64(total))
	}

	now := time.Now().Unix()
	snap := Snapshot{
		Containers:  usageOf(float64(containerCount), float64(m.maxContainers)),
		CPU:         usageOf(cpuPercent, m.maxCPUPercent),
		Memory:      usageOf(float64(memoryBytes), float64(m.maxMemoryBytes)),
		Ports:       portsUsage,
		LastUpdated: now,
		Status:      "active",
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	metrics.ResourceCurrent.WithLabelValues("containers").Set(snap.Containers.Current)
	metrics.ResourceLimit.WithLabelValues("containers").Set(snap.Containers.Limit)
	metrics.ResourceUsagePercent.WithLabelValues("containers").Set(snap.Containers.Percent)
	metrics.ResourceCurrent.WithLabelValues("cpu").Set(snap.CPU.Current)
	metrics.ResourceLimit.WithLabelValues("cpu").Set(snap.CPU.Limit)
	metrics.ResourceUsagePercent.WithLabelValues("cpu").Set(snap.CPU.Percent)
	metrics.ResourceCurrent.WithLabelValues("memory").Set(snap.Memory.Current)
	metrics.ResourceLimit.WithLabelValues("memory").Set(snap.Memory.Limit)
	metrics.ResourceUsagePercent.WithLabelValues("memory").Set(snap.Memory.Percent)
	metrics.ResourceCurrent.WithLabelValues("ports").Set(snap.Ports.Current)
	metrics.ResourceLimit.WithLabelValues("ports").Set(snap.Ports.Limit)
	metrics.ResourceUsagePercent.WithLabelValues("ports").Set(snap.Ports.Percent)
	metrics.PortPool.WithLabelValues("allocated").Set(snap.Ports.Current)
	metrics.PortPool.WithLabelValues("total").Set(snap.Ports.Limit)
	metrics.PortPool.WithLabelValues("free").Set(snap.Ports.Limit - snap.Ports.Current)

	m.logHighUsage(snap, l)
}

func usageOf(current, limit float64) Usage {
	pct := 0.0
	if limit > 0 {
		pct = (current / limit) * 100
	}
	return Usage{Current: current, Limit: limit, Percent: pct}
}

func (m *Monitor) logHighUsage(snap Snapshot, l *zerolog.Logger) {
	if snap.Containers.Percent >= m.softLimitPercent {
		l.Warn().Float64("percent", snap.Containers.Percent).Msg("high container count")
	}
	if snap.CPU.Percent >= m.softLimitPercent {
		l.Warn().Float64("percent", snap.CPU.Percent).Msg("high cpu usage")
	}
	if snap.Memory.Percent >= m.softLimitPercent {
		l.Warn().Float64("percent", snap.Memory.Percent).Msg("high memory usage")
	}
	if snap.Ports.Percent >= m.softLimitPercent {
		l.Warn().Float64("percent", snap.Ports.Percent).Msg("high port pool usage")
	}
}

// Get returns a thread-safe copy of the current snapshot.
func (m *Monitor) Get() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// RejectReason names which resource caused an Admit rejection.
type RejectReason struct {
	Resource string
	Current  float64
	Limit    float64
}

// Admit checks whether a new container of the given expected footprint can
// be admitted. Forces a synchronous refresh if the snapshot is stale
// (older than 3x the check interval), per the original's staleness guard.
func (m *Monitor) Admit(ctx context.Context, expectedCPU, expectedMemoryBytes float64) (bool, *RejectReason) {
	metrics.ResourceQuotaChecksTotal.Inc()
	if !m.enabled {
		return true, nil
	}

	snap := m.Get()
	staleAfter := int64(3 * m.checkInterval.Seconds())
	if snap.LastUpdated < time.Now().Unix()-staleAfter {
		m.refresh(ctx)
		snap = m.Get()
	}

	if snap.Containers.Current >= snap.Containers.Limit {
		metrics.ResourceQuotaRejectionsTotal.WithLabelValues("containers").Inc()
		return false, &RejectReason{"containers", snap.Containers.Current, snap.Containers.Limit}
	}
	if snap.CPU.Current+expectedCPU > snap.CPU.Limit {
		metrics.ResourceQuotaRejectionsTotal.WithLabelValues("cpu").Inc()
		return false, &RejectReason{"cpu", snap.CPU.Current, snap.CPU.Limit}
	}
	if snap.Memory.Current+expectedMemoryBytes > snap.Memory.Limit {
		metrics.ResourceQuotaRejectionsTotal.WithLabelValues("memory").Inc()
		return false, &RejectReason{"memory", snap.Memory.Current, snap.Memory.Limit}
	}
	return true, nil
}
