// Package orchestrator composes the Store, PortAllocator, ContainerDriver,
// RateLimiter, ResourceMonitor and CaptchaBroker into the four public
// lifecycle operations a challenge deployment exposes: Deploy, Stop,
// Restart, Extend, plus the read-only GetOwned lookup.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ctfd/pkg/captcha"
	"github.com/cuemby/ctfd/pkg/config"
	"github.com/cuemby/ctfd/pkg/janitor"
	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/metrics"
	"github.com/cuemby/ctfd/pkg/portalloc"
	"github.com/cuemby/ctfd/pkg/ratelimit"
	"github.com/cuemby/ctfd/pkg/resources"
	"github.com/cuemby/ctfd/pkg/runtime"
	"github.com/cuemby/ctfd/pkg/store"
)

// Kind classifies an Orchestrator failure so the API layer can map it to
// the right HTTP status without inspecting error strings.
type Kind int

const (
	KindNone Kind = iota
	KindCaptchaInvalid
	KindRateLimited
	KindQuotaExceeded
	KindAlreadyOwns
	KindPortPoolFull
	KindEngineTransient
	KindEngineFatal
	KindStoreTransient
	KindNotFound
	KindAdminForbidden
)

// Error is a classified Orchestrator failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func kindErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Deployment is the read-only view returned to callers.
type Deployment struct {
	Port           int
	ExpirationTime int64
}

// Orchestrator is the single entry point for challenge lifecycle operations.
type Orchestrator struct {
	cfg     *config.Config
	store   *store.Store
	ports   *portalloc.Allocator
	driver  *runtime.Driver
	limiter *ratelimit.Limiter
	quota   *resources.Monitor
	captcha *captcha.Broker
	janitor *janitor.Janitor

	opTimeout time.Duration
}

// New builds an Orchestrator over its collaborators.
func New(cfg *config.Config, st *store.Store, ports *portalloc.Allocator, driver *runtime.Driver,
	limiter *ratelimit.Limiter, quota *resources.Monitor, cb *captcha.Broker, jan *janitor.Janitor) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, store: st, ports: ports, driver: driver,
		limiter: limiter, quota: quota, captcha: cb, janitor: jan,
		opTimeout: 30 * time.Second,
	}
}

// Deploy runs the full admission pipeline and creates a new challenge
// container for userUUID, unwinding every prior reservation on failure.
func (o *Orchestrator) Deploy(ctx context.Context, userUUID, ip, captchaID, captchaAnswer string) (*Deployment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.ObserveSince(metrics.ContainerDeploymentDuration, start)
		metrics.ContainerDeploymentsTotal.WithLabelValues(outcome).Inc()
	}()

	l := log.WithUserUUID(userUUID)

	if !o.cfg.BypassCaptcha {
		if !o.captcha.Verify(captchaID, captchaAnswer) {
			outcome = "captcha_invalid"
			return nil, kindErr(KindCaptchaInvalid, "captcha invalid", nil)
		}
	}

	admitted, err := o.limiter.Admit(ctx, ip)
	if err != nil {
		outcome = "store_transient"
		return nil, kindErr(KindStoreTransient, "rate limit check failed", err)
	}
	if !admitted {
		outcome = "rate_limited"
		return nil, kindErr(KindRateLimited, "rate limit exceeded", nil)
	}

	existing, err := o.store.GetByUserUUID(ctx, userUUID)
	if err != nil {
		outcome = "store_transient"
		return nil, kindErr(KindStoreTransient, "lookup failed", err)
	}
	if existing != nil {
		outcome = "already_owns"
		return nil, kindErr(KindAlreadyOwns, "existing instance", nil)
	}

	if ok, reason := o.quota.Admit(ctx, o.cfg.PerContainerCPU*100, float64(o.cfg.PerContainerMem)); !ok {
		outcome = "quota_exceeded"
		return nil, kindErr(KindQuotaExceeded, fmt.Sprintf("resource %s exhausted", reason.Resource), nil)
	}

	placeholderID := "pending-" + uuid.NewString()
	port, err := o.ports.Reserve(ctx, placeholderID)
	if err != nil {
		outcome = "port_pool_full"
		return nil, kindErr(KindPortPoolFull, "no free port", err)
	}

	spec := o.buildSpec(placeholderID, port)
	engineID, err := o.driver.Create(ctx, spec)
	if err != nil {
		_ = o.ports.Release(ctx, port)
		outcome = "engine_error"
		return nil, o.classifyEngineErr("create", err)
	}
	if err := o.driver.Start(ctx, engineID); err != nil {
		_ = o.driver.Remove(context.Background(), engineID)
		_ = o.ports.Release(ctx, port)
		outcome = "engine_error"
		return nil, o.classifyEngineErr("start", err)
	}

	now := time.Now().Unix()
	container := &store.Container{
		ID: engineID, Port: port, StartTime: now,
		ExpirationTime: now + int64(o.cfg.DefaultLifetimeSec),
		UserUUID:       userUUID, IPAddress: ip, Status: store.StatusRunning,
	}
	if err := o.store.InsertContainer(ctx, container); err != nil {
		if rmErr := o.driver.Remove(context.Background(), engineID); rmErr != nil {
			l.Error().Err(rmErr).Msg("deploy: rollback remove failed after insert failure")
		}
		_ = o.ports.Release(ctx, port)
		outcome = "store_transient"
		return nil, kindErr(KindStoreTransient, "failed to persist container", err)
	}

	if err := o.ports.UpdateContainerID(ctx, port, engineID); err != nil {
		// The container row is already authoritative; a later Janitor sweep
		// reconciles the port_allocations row (it still points at the
		// placeholder id, which Sweep treats as orphaned once past max age).
		l.Warn().Err(err).Msg("deploy: failed to update port allocation container id")
	}

	o.janitor.Watch(engineID)

	outcome = "success"
	l.Info().Str("container_id", engineID).Int("port", port).Msg("deployed challenge container")
	return &Deployment{Port: port, ExpirationTime: container.ExpirationTime}, nil
}

func (o *Orchestrator) buildSpec(id string, port int) runtime.CreateSpec {
	return BuildSpec(o.cfg, id, port)
}

// BuildSpec fills out a CreateSpec from cfg's per-container knobs for a
// container listening on port, exported so callers outside Deploy (namely
// the fixed reference instance main.go starts at startup) build the exact
// same security/limit profile instead of drifting from it.
func BuildSpec(cfg *config.Config, id string, port int) runtime.CreateSpec {
	return runtime.CreateSpec{
		ID:               id,
		Image:            cfg.ImagesName,
		HostPort:         port,
		PortInContainer:  cfg.PortInContainer,
		NetworkName:      cfg.NetworkName,
		Env:              map[string]string{"FLAG": cfg.Flag},
		MemoryLimitBytes: cfg.PerContainerMem,
		SwapLimitBytes:   cfg.PerContainerSwap,
		CPUCores:         cfg.PerContainerCPU,
		PidsLimit:        cfg.PerContainerPids,
		NoNewPrivileges:  cfg.NoNewPrivileges,
		ReadOnlyRootFS:   cfg.ReadOnly,
		TmpfsEnable:      cfg.TmpfsEnable,
		TmpfsSizeBytes:   parseSize(cfg.TmpfsSize),
		DropAllCaps:      cfg.DropAllCaps,
		AddCapNetBind:    cfg.CapNetBind,
		AddCapChown:      cfg.CapChown,
	}
}

// parseSize converts a docker-style size string ("64m", "1g") to bytes.
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult = 1024
		s = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}

func (o *Orchestrator) classifyEngineErr(op string, err error) error {
	if de, ok := err.(*runtime.DriverError); ok {
		switch de.Kind {
		case runtime.KindConflict:
			return kindErr(KindEngineTransient, op+" failed, retryable", err)
		case runtime.KindNotFound:
			return kindErr(KindNotFound, op+": container not found", err)
		}
	}
	return kindErr(KindEngineFatal, op+" failed", err)
}

// Stop force-removes the caller's running container. Idempotent: no owned
// container is treated as success (mirrors the store row already being gone).
func (o *Orchestrator) Stop(ctx context.Context, userUUID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	c, err := o.store.GetByUserUUID(ctx, userUUID)
	if err != nil {
		return kindErr(KindStoreTransient, "lookup failed", err)
	}
	if c == nil {
		return nil
	}
	return o.stopContainer(ctx, c)
}

func (o *Orchestrator) stopContainer(ctx context.Context, c *store.Container) error {
	o.janitor.CancelWatch(c.ID)
	if err := o.driver.Remove(ctx, c.ID); err != nil && !runtime.IsNotFound(err) {
		log.WithContainerID(c.ID).Warn().Err(err).Msg("stop: engine remove failed")
	}
	if err := o.store.SetStatus(ctx, c.ID, store.StatusStopped); err != nil {
		return kindErr(KindStoreTransient, "failed to update status", err)
	}
	if err := o.ports.Release(ctx, c.Port); err != nil {
		log.WithContainerID(c.ID).Error().Err(err).Msg("stop: port release failed")
	}
	return nil
}

// Restart stops the caller's container and redeploys, skipping captcha and
// rate-limit checks since the caller already proved ownership. The original
// expiration is preserved unless RestartResetsLifetime is enabled or that
// expiration has already passed, in which case a fresh lifetime starts now.
func (o *Orchestrator) Restart(ctx context.Context, userUUID, ip string) (*Deployment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	existing, err := o.store.GetByUserUUID(ctx, userUUID)
	if err != nil {
		return nil, kindErr(KindStoreTransient, "lookup failed", err)
	}
	if existing == nil {
		return nil, kindErr(KindNotFound, "no running container", nil)
	}
	preservedExpiration := existing.ExpirationTime

	if ok, reason := o.quota.Admit(ctx, o.cfg.PerContainerCPU*100, float64(o.cfg.PerContainerMem)); !ok {
		return nil, kindErr(KindQuotaExceeded, fmt.Sprintf("resource %s exhausted", reason.Resource), nil)
	}

	if err := o.stopContainer(ctx, existing); err != nil {
		return nil, err
	}

	placeholderID := "pending-" + uuid.NewString()
	port, err := o.ports.Reserve(ctx, placeholderID)
	if err != nil {
		return nil, kindErr(KindPortPoolFull, "no free port", err)
	}

	spec := o.buildSpec(placeholderID, port)
	engineID, err := o.driver.Create(ctx, spec)
	if err != nil {
		_ = o.ports.Release(ctx, port)
		return nil, o.classifyEngineErr("create", err)
	}
	if err := o.driver.Start(ctx, engineID); err != nil {
		_ = o.driver.Remove(context.Background(), engineID)
		_ = o.ports.Release(ctx, port)
		return nil, o.classifyEngineErr("start", err)
	}

	now := time.Now().Unix()
	expiration := preservedExpiration
	if o.cfg.RestartResetsLifetime || expiration <= now {
		expiration = now + int64(o.cfg.DefaultLifetimeSec)
	}

	container := &store.Container{
		ID: engineID, Port: port, StartTime: now, ExpirationTime: expiration,
		UserUUID: userUUID, IPAddress: ip, Status: store.StatusRunning,
	}
	if err := o.store.InsertContainer(ctx, container); err != nil {
		if rmErr := o.driver.Remove(context.Background(), engineID); rmErr != nil {
			log.WithUserUUID(userUUID).Error().Err(rmErr).Msg("restart: rollback remove failed")
		}
		_ = o.ports.Release(ctx, port)
		return nil, kindErr(KindStoreTransient, "failed to persist container", err)
	}
	if err := o.ports.UpdateContainerID(ctx, port, engineID); err != nil {
		log.WithUserUUID(userUUID).Warn().Err(err).Msg("restart: failed to update port allocation container id")
	}

	o.janitor.Watch(engineID)
	return &Deployment{Port: port, ExpirationTime: expiration}, nil
}

// Extend advances the caller's container expiration by ExtensionSec beyond
// max(current expiration, now), and nudges the monitor to observe it.
func (o *Orchestrator) Extend(ctx context.Context, userUUID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	c, err := o.store.GetByUserUUID(ctx, userUUID)
	if err != nil {
		return 0, kindErr(KindStoreTransient, "lookup failed", err)
	}
	if c == nil {
		return 0, kindErr(KindNotFound, "no running container", nil)
	}

	now := time.Now().Unix()
	base := c.ExpirationTime
	if base < now {
		base = now
	}
	newExpiration := base + int64(o.cfg.ExtensionSec)

	if err := o.store.SetExpiration(ctx, c.ID, newExpiration); err != nil {
		return 0, kindErr(KindStoreTransient, "failed to extend", err)
	}
	o.janitor.Watch(c.ID)
	return newExpiration, nil
}

// GetOwned returns the caller's running container view, or nil if none.
func (o *Orchestrator) GetOwned(ctx context.Context, userUUID string) (*store.Container, error) {
	c, err := o.store.GetByUserUUID(ctx, userUUID)
	if err != nil {
		return nil, kindErr(KindStoreTransient, "lookup failed", err)
	}
	return c, nil
}
