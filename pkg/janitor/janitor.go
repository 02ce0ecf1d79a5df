// Package janitor runs the two background workers that keep containers,
// port reservations and rate-limit rows from outliving their purpose: a
// bounded pool of per-container monitors, and a periodic batch sweeper.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/metrics"
	"github.com/cuemby/ctfd/pkg/portalloc"
	"github.com/cuemby/ctfd/pkg/runtime"
	"github.com/cuemby/ctfd/pkg/store"
)

// Config carries the maintenance tunables from Config's Maintenance group.
type Config struct {
	ThreadPoolSize      int
	MaintenanceInterval time.Duration
	MaintenanceBatch    int
	StalePortMaxAge     time.Duration
	RateLimitWindow     time.Duration
}

// maxReclaimBackoff caps the exponential dampening applied to a container
// whose reclaim keeps failing, so a permanently broken row is retried at
// most once every ten minutes instead of hammering the engine/store.
const maxReclaimBackoff = 10 * time.Minute

// reclaimState tracks a container's consecutive reclaim failures so
// sweepOnce can back off instead of retrying it every cycle.
type reclaimState struct {
	failures int
	nextTry  int64
}

// Janitor owns the per-container monitor pool and the periodic sweeper.
type Janitor struct {
	store  *store.Store
	driver *runtime.Driver
	ports  *portalloc.Allocator
	cfg    Config

	sem chan struct{}

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc
	failures  map[string]*reclaimState
	stopCh    chan struct{}
}

// New builds a Janitor over its collaborators.
func New(st *store.Store, driver *runtime.Driver, ports *portalloc.Allocator, cfg Config) *Janitor {
	if cfg.ThreadPoolSize <= 0 {
		cfg.ThreadPoolSize = 32
	}
	return &Janitor{
		store:     st,
		driver:    driver,
		ports:     ports,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.ThreadPoolSize),
		cancelFns: make(map[string]context.CancelFunc),
		failures:  make(map[string]*reclaimState),
		stopCh:    make(chan struct{}),
	}
}

// Start resumes monitoring every currently-running container and launches
// the sweeper loop.
func (j *Janitor) Start(ctx context.Context) error {
	running, err := j.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, c := range running {
		j.Watch(c.ID)
	}
	go j.sweepLoop(ctx)
	return nil
}

// Stop cancels every monitor and halts the sweeper. In-flight sweeper
// batches finish; the next iteration does not start.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.mu.Lock()
	for _, cancel := range j.cancelFns {
		cancel()
	}
	j.cancelFns = make(map[string]context.CancelFunc)
	j.mu.Unlock()
}

// Watch starts (or restarts) a monitor for id, drawn from the bounded
// worker pool. Called by the Orchestrator right after Deploy, and after
// Extend to make sure a monitor exists.
func (j *Janitor) Watch(id string) {
	j.mu.Lock()
	if cancel, ok := j.cancelFns[id]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancelFns[id] = cancel
	j.mu.Unlock()

	go j.monitor(ctx, id)
}

// CancelWatch stops a container's monitor without reclaiming it — used by
// Stop/Restart which perform reclamation themselves.
func (j *Janitor) CancelWatch(id string) {
	j.mu.Lock()
	if cancel, ok := j.cancelFns[id]; ok {
		cancel()
		delete(j.cancelFns, id)
	}
	j.mu.Unlock()
}

func (j *Janitor) clearWatch(id string) {
	j.mu.Lock()
	delete(j.cancelFns, id)
	j.mu.Unlock()
}

// monitor sleeps until the container's expiration_time, re-reading it on
// each wake so an Extend mid-sleep is honored, then reclaims the container.
// It waits for a free pool slot before doing anything, since the pool is
// sized for how many containers may be waiting concurrently, not how many
// wake up at once.
func (j *Janitor) monitor(ctx context.Context, id string) {
	select {
	case j.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-j.sem }()
	defer j.clearWatch(id)

	l := log.WithContainerID(id)
	for {
		c, err := j.store.GetByID(ctx, id)
		if err != nil {
			l.Warn().Err(err).Msg("monitor: lookup failed, giving up")
			return
		}
		if c == nil || c.Status != store.StatusRunning {
			return
		}

		wait := time.Until(time.Unix(c.ExpirationTime, 0))
		if wait <= 0 {
			err := j.reclaim(ctx, id)
			j.recordReclaimResult(id, time.Now().Unix(), err)
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// loop: re-read in case Extend moved the deadline further out
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// reclaim force-removes the engine container, marks it removed, and
// releases its port. Idempotent: a container already gone from the engine
// or already removed in the store is treated as success. Every failing
// phase is logged with the container id, the phase name and the error, and
// counted in metrics.ErrorsTotal so a stuck reclaim shows up on /metrics.
func (j *Janitor) reclaim(ctx context.Context, id string) error {
	l := log.WithContainerID(id)
	c, err := j.store.GetByID(ctx, id)
	if err != nil {
		l.Error().Str("phase", "lookup").Err(err).Msg("reclaim failed")
		metrics.ErrorsTotal.WithLabelValues("janitor_reclaim").Inc()
		return err
	}
	if c == nil || c.Status != store.StatusRunning {
		return nil
	}

	if err := j.driver.Remove(ctx, id); err != nil && !runtime.IsNotFound(err) {
		// Best-effort: store/port cleanup below is what actually frees the
		// resource, the engine may converge on its own after this.
		l.Warn().Str("phase", "engine_remove").Err(err).Msg("reclaim: engine remove failed, continuing")
	}
	if err := j.store.SetStatus(ctx, id, store.StatusRemoved); err != nil {
		l.Error().Str("phase", "set_status").Err(err).Msg("reclaim failed")
		metrics.ErrorsTotal.WithLabelValues("janitor_reclaim").Inc()
		return err
	}
	if err := j.ports.Release(ctx, c.Port); err != nil {
		l.Error().Str("phase", "port_release").Int("port", c.Port).Err(err).Msg("reclaim failed")
		metrics.ErrorsTotal.WithLabelValues("janitor_reclaim").Inc()
		return err
	}
	metrics.ObserveSince(metrics.ContainerLifetimeSeconds, time.Unix(c.StartTime, 0))
	l.Info().Msg("container reclaimed")
	return nil
}

// shouldAttemptReclaim reports whether id's backoff window, if any, has
// elapsed.
func (j *Janitor) shouldAttemptReclaim(id string, now int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.failures[id]
	return !ok || now >= st.nextTry
}

// recordReclaimResult clears id's failure state on success, or bumps its
// consecutive failure count and schedules the next retry with exponential
// backoff capped at maxReclaimBackoff.
func (j *Janitor) recordReclaimResult(id string, now int64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err == nil {
		delete(j.failures, id)
		return
	}
	st, ok := j.failures[id]
	if !ok {
		st = &reclaimState{}
		j.failures[id] = st
	}
	st.failures++
	backoff := time.Duration(1<<min(st.failures, 10)) * time.Second
	if backoff > maxReclaimBackoff {
		backoff = maxReclaimBackoff
	}
	st.nextTry = now + int64(backoff.Seconds())
}

func (j *Janitor) sweepLoop(ctx context.Context) {
	interval := j.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.sweepOnce(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce performs one maintenance cycle: batch-reclaim of overdue
// containers a monitor might have missed (process crash, pool exhaustion),
// a port-table desync sweep, and a stale rate-limit row purge.
func (j *Janitor) sweepOnce(ctx context.Context) {
	l := log.WithComponent("janitor")
	start := time.Now()
	now := start.Unix()

	batch := j.cfg.MaintenanceBatch
	if batch <= 0 {
		batch = 50
	}
	expired, err := j.store.ExpiredRunning(ctx, now, batch)
	if err != nil {
		l.Error().Err(err).Msg("sweep: list expired failed")
	} else {
		skipped := 0
		for i, c := range expired {
			if !j.shouldAttemptReclaim(c.ID, now) {
				skipped++
				continue
			}
			j.CancelWatch(c.ID)
			err := j.reclaim(ctx, c.ID)
			j.recordReclaimResult(c.ID, now, err)
			if (i+1)%10 == 0 && i+1 < len(expired) {
				time.Sleep(time.Second) // pause between sub-batches, avoid resource spikes
			}
		}
		if skipped > 0 {
			l.Debug().Int("count", skipped).Msg("sweep: skipped containers under reclaim backoff")
		}
		if len(expired) > 0 {
			l.Info().Int("count", len(expired)).Msg("sweep: reclaimed expired containers")
		}
	}

	running, err := j.store.ListRunning(ctx)
	if err != nil {
		l.Error().Err(err).Msg("sweep: list running failed")
	} else {
		runningIDs := make(map[string]bool, len(running))
		for _, c := range running {
			runningIDs[c.ID] = true
		}
		maxAge := j.cfg.StalePortMaxAge
		if maxAge <= 0 {
			maxAge = time.Hour
		}
		released, err := portalloc.Sweep(ctx, j.store.MaintenancePool(), maxAge, runningIDs)
		if err != nil {
			l.Error().Err(err).Msg("sweep: port sweep failed")
		} else if released > 0 {
			l.Info().Int("count", released).Msg("sweep: released stale port reservations")
		}
	}

	window := j.cfg.RateLimitWindow
	if window <= 0 {
		window = time.Hour
	}
	if n, err := j.store.PurgeIPRequests(ctx, now-int64(window.Seconds())); err != nil {
		l.Error().Err(err).Msg("sweep: purge ip_requests failed")
	} else if n > 0 {
		l.Debug().Int64("count", n).Msg("sweep: purged stale ip_requests rows")
	}

	metrics.DatabaseOperationDuration.Observe(time.Since(start).Seconds())
	metrics.DatabaseOperationsTotal.WithLabelValues("sweep").Inc()
}
