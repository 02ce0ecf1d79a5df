// Package runtime is the thin abstraction over the host container engine:
// create/start/stop/remove/logs/stats for challenge instances, backed by
// containerd and the OCI runtime spec.
package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	cgroupstats "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/network"
)

// DefaultNamespace is the containerd namespace challenge containers run in.
const DefaultNamespace = "ctfd"

// DefaultSocketPath is the standard containerd control socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// ErrKind classifies a driver failure so callers can decide retry policy.
type ErrKind int

const (
	// KindFatal is a non-retryable error that must be surfaced.
	KindFatal ErrKind = iota
	// KindNotFound means the container is already gone; benign for removal paths.
	KindNotFound
	// KindConflict is retryable with backoff.
	KindConflict
)

// DriverError wraps an underlying engine error with a classification.
type DriverError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *DriverError) Error() string { return fmt.Sprintf("runtime: %s: %v", e.Op, e.Err) }
func (e *DriverError) Unwrap() error { return e.Err }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return &DriverError{Kind: KindNotFound, Op: op, Err: err}
	case errdefs.IsConflict(err), errdefs.IsUnavailable(err):
		return &DriverError{Kind: KindConflict, Op: op, Err: err}
	default:
		return &DriverError{Kind: KindFatal, Op: op, Err: err}
	}
}

// IsNotFound reports whether err (or a wrapped DriverError) is KindNotFound.
func IsNotFound(err error) bool {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Kind == KindNotFound
	}
	return errdefs.IsNotFound(err)
}

// RoleReference labels the single, perpetually-running challenge instance
// kept up for smoke testing (bound to DirectTestPort), as opposed to the
// per-user instances Deploy creates.
const RoleReference = "reference"

// CreateSpec describes a challenge container to create, carrying every
// security/limit knob configured for the deployment.
type CreateSpec struct {
	ID              string // engine container id (placeholder or final)
	Image           string
	HostPort        int
	PortInContainer int
	NetworkName     string
	Role            string // "" for a per-user deployment, RoleReference for the fixed smoke-test instance
	Env             map[string]string

	MemoryLimitBytes int64
	SwapLimitBytes   int64
	CPUCores         float64
	PidsLimit        int64

	NoNewPrivileges bool
	ReadOnlyRootFS  bool
	TmpfsEnable     bool
	TmpfsSizeBytes  int64
	DropAllCaps     bool
	AddCapNetBind   bool
	AddCapChown     bool
}

// Stats is a point-in-time resource reading for one container.
type Stats struct {
	CPUPercent  float64
	MemoryBytes int64
}

// portBinding is the host/container port pair recorded at Create time so
// Start can hand it to the network Publisher once the task (and its pid)
// exists.
type portBinding struct {
	hostPort      int
	containerPort int
}

// Driver is the ContainerDriver implementation backed by containerd.
type Driver struct {
	client    *containerd.Client
	namespace string
	netPub    *network.Publisher

	mu      sync.Mutex
	pending map[string]portBinding
}

// New connects to the containerd socket under the given namespace. netPub
// may be nil (equivalent to a disabled Publisher): Create/Start then only
// label the container's assigned host port instead of publishing it.
func New(socketPath, namespace string, netPub *network.Publisher) (*Driver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect: %w", err)
	}
	if netPub == nil {
		netPub, _ = network.NewPublisher("")
	}
	return &Driver{client: client, namespace: namespace, netPub: netPub, pending: make(map[string]portBinding)}, nil
}

func (d *Driver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

// Close releases the containerd client connection.
func (d *Driver) Close() error { return d.client.Close() }

// PullImage ensures the image is present locally.
func (d *Driver) PullImage(ctx context.Context, imageRef string) error {
	ctx = d.ctx(ctx)
	_, err := d.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	return classify("pull image", err)
}

// Create builds a container from spec without starting it, and records its
// host/container port pair for Start. Start attaches stdio to the
// per-container log file that Logs() reads.
func (d *Driver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", classify("resolve image", err)
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostname(shortID(spec.ID)),
		withResourceLimits(spec),
		withSecurity(spec),
	}
	if spec.TmpfsEnable {
		specOpts = append(specOpts, oci.WithMounts([]specs.Mount{{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{fmt.Sprintf("size=%d", spec.TmpfsSizeBytes)},
		}}))
	}

	labels := map[string]string{
		"ctfd.network":   spec.NetworkName,
		"ctfd.host-port": strconv.Itoa(spec.HostPort),
	}
	if spec.Role == RoleReference {
		labels["ctfd.role"] = RoleReference
	} else {
		labels["ctfd.deployment"] = "true"
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", classify("create container", err)
	}

	d.mu.Lock()
	d.pending[container.ID()] = portBinding{hostPort: spec.HostPort, containerPort: spec.PortInContainer}
	d.mu.Unlock()

	return container.ID(), nil
}

// withResourceLimits applies memory/swap/cpu/pids constraints directly on
// the raw Linux resource fields, since oci.SpecOpts has no dedicated swap
// or cpu-quota helper.
func withResourceLimits(spec CreateSpec) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if spec.MemoryLimitBytes > 0 {
			mem := spec.MemoryLimitBytes
			swap := mem
			if spec.SwapLimitBytes > 0 {
				swap = spec.SwapLimitBytes
			}
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &mem, Swap: &swap}
		}
		if spec.CPUCores > 0 {
			period := uint64(100000)
			quota := int64(spec.CPUCores * 100000)
			s.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		if spec.PidsLimit > 0 {
			s.Linux.Resources.Pids = &specs.LinuxPids{Limit: spec.PidsLimit}
		}
		return nil
	}
}

// withSecurity applies no-new-privileges, read-only rootfs, and the
// capability drop/re-add policy.
func withSecurity(spec CreateSpec) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if spec.NoNewPrivileges {
			s.Process.NoNewPrivileges = true
		}
		if spec.ReadOnlyRootFS {
			s.Root.Readonly = true
		}
		if spec.DropAllCaps {
			add := []string{}
			if spec.AddCapNetBind {
				add = append(add, "CAP_NET_BIND_SERVICE")
			}
			if spec.AddCapChown {
				add = append(add, "CAP_CHOWN")
			}
			s.Process.Capabilities = &specs.LinuxCapabilities{
				Bounding:  add,
				Effective: add,
				Permitted: add,
			}
		}
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Start creates and starts the task for an already-created container,
// piping stdio to a per-container log file for later retrieval, then
// publishes its host port → container port mapping onto the network
// namespace the task's process now owns.
func (d *Driver) Start(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return classify("load container", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("runtime: log dir: %w", err)
	}
	logCreator := cio.LogFile(logPath(id))
	task, err := container.NewTask(ctx, logCreator)
	if err != nil {
		return classify("create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return classify("start task", err)
	}

	d.mu.Lock()
	binding, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	if ok {
		if err := d.netPub.AttachContainer(ctx, id, int(task.Pid()), binding.hostPort, binding.containerPort); err != nil {
			return fmt.Errorf("runtime: publish port: %w", err)
		}
	}
	return nil
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs and deletes the
// task. A missing container is treated as already-stopped (NotFound).
func (d *Driver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return classify("load container", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("load task", err)
	}

	statusCh, err := task.Wait(ctx)
	if err != nil {
		return classify("wait task", err)
	}
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return classify("term task", err)
	}
	select {
	case <-statusCh:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return classify("kill task", err)
		}
		<-statusCh
	}
	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return classify("delete task", err)
	}
	return nil
}

// Remove stops (best-effort) and deletes the container and its snapshot,
// and tears down its network attachment if one was published. NotFound is
// benign.
func (d *Driver) Remove(ctx context.Context, id string) error {
	if err := d.Stop(ctx, id, 5*time.Second); err != nil && !IsNotFound(err) {
		log.WithComponent("runtime").Warn().Err(err).Str("container_id", id).Msg("stop before remove failed")
	}
	d.netPub.DetachContainer(id)
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
	nctx := d.ctx(ctx)
	container, err := d.client.LoadContainer(nctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("load container", err)
	}
	if err := container.Delete(nctx, containerd.WithSnapshotCleanup); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("delete container", err)
	}
	_ = os.Remove(logPath(id))
	return nil
}

// Status is the coarse running/stopped/missing state of a container.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusMissing Status = "missing"
)

// GetStatus reports a container's current state.
func (d *Driver) GetStatus(ctx context.Context, id string) (Status, error) {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusMissing, nil
		}
		return "", classify("load container", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusStopped, nil
		}
		return "", classify("load task", err)
	}
	st, err := task.Status(ctx)
	if err != nil {
		return "", classify("task status", err)
	}
	if st.Status == containerd.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// Stats reports point-in-time CPU/memory usage for a single container by
// decoding the cgroup metrics containerd exposes for its task.
func (d *Driver) Stats(ctx context.Context, id string) (Stats, error) {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return Stats{}, classify("load container", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return Stats{}, classify("load task", err)
	}
	metric, err := task.Metrics(ctx)
	if err != nil {
		return Stats{}, classify("task metrics", err)
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return Stats{}, fmt.Errorf("runtime: decode metrics: %w", err)
	}
	cg, ok := data.(*cgroupstats.Metrics)
	if !ok || cg.CPU == nil || cg.Memory == nil {
		return Stats{}, fmt.Errorf("runtime: unexpected metrics type %T", data)
	}
	var memBytes int64
	if cg.Memory.Usage != nil {
		memBytes = int64(cg.Memory.Usage.Usage)
	}
	// CPU usage from cgroups is a cumulative nanosecond counter; without a
	// second sample to diff against, report it as a percentage of one core.
	var cpuPercent float64
	if cg.CPU.Usage != nil {
		cpuPercent = float64(cg.CPU.Usage.Total) / float64(time.Second) * 100
	}
	return Stats{CPUPercent: cpuPercent, MemoryBytes: memBytes}, nil
}

// AggregateStats implements resources.StatsSource by summing Stats across
// every id currently labelled as a challenge deployment.
func (d *Driver) AggregateStats(ctx context.Context) (cpuPercent float64, memoryBytes int64, err error) {
	ids, err := d.ListDeployment(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		s, err := d.Stats(ctx, id)
		if err != nil {
			continue // best-effort: one dead container shouldn't fail the round
		}
		cpuPercent += s.CPUPercent
		memoryBytes += s.MemoryBytes
	}
	return cpuPercent, memoryBytes, nil
}

// ListDeployment enumerates containers carrying the ctfd.deployment label,
// i.e. per-user challenge instances. This is the set AggregateStats sums
// over, matching resource quotas being scoped to challenge containers, not
// the fixed system services below.
func (d *Driver) ListDeployment(ctx context.Context) ([]string, error) {
	return d.listByLabel(ctx, `labels."ctfd.deployment"==true`)
}

// ListSystemServices enumerates the fixed, non-per-user services this
// driver is responsible for: today, only the reference challenge instance
// kept perpetually running on DirectTestPort for smoke testing
// (ctfd.role==reference). The API process itself and the database are not
// containerd-managed containers in this deployment (the API is this same
// host process, the database is an external Postgres reachable over the
// network per the config's DBHost/DBPort), so they are not enumerable
// here — they're surfaced instead through /admin/status's own
// "challenge"/"database" fields.
func (d *Driver) ListSystemServices(ctx context.Context) ([]string, error) {
	return d.listByLabel(ctx, `labels."ctfd.role"==`+RoleReference)
}

func (d *Driver) listByLabel(ctx context.Context, filter string) ([]string, error) {
	ctx = d.ctx(ctx)
	list, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, classify("list containers", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// EnsureReferenceInstance guarantees the fixed reference challenge
// instance is up, creating and starting it from spec (spec.Role must be
// RoleReference) if no ctfd.role==reference container already exists.
// Idempotent: repeated calls after a successful create are no-ops that
// just return the existing id.
func (d *Driver) EnsureReferenceInstance(ctx context.Context, spec CreateSpec) (string, error) {
	existing, err := d.ListSystemServices(ctx)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	id, err := d.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := d.Start(ctx, id); err != nil {
		_ = d.Remove(context.Background(), id)
		return "", err
	}
	return id, nil
}

const logDir = "/var/log/ctfd"

func logPath(id string) string { return logDir + "/" + id + ".log" }

// Logs returns up to tail lines from the container's log file, optionally
// filtered to lines at or after a unix-epoch since cutoff (best-effort: the
// log file has no per-line timestamps, so since is applied as a coarse
// "file modified at or after" gate when the whole file predates it).
func (d *Driver) Logs(id string, tail int, since int64) ([]string, error) {
	f, err := os.Open(logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &DriverError{Kind: KindNotFound, Op: "open logs", Err: err}
		}
		return nil, classify("open logs", err)
	}
	defer f.Close()

	if since > 0 {
		if fi, statErr := f.Stat(); statErr == nil && fi.ModTime().Unix() < since {
			return nil, nil
		}
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		lines = append(lines, line)
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runtime: scan logs: %w", err)
	}
	return lines, nil
}
