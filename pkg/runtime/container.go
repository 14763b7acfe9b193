package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// ContainerConnector is the "podman" stand-in: one containerd container
// per workload instance, generalized from a generic container-orchestrator
// connector to types.WorkloadSpec and re-targeted at the agent's
// state-mapping table.
type ContainerConnector struct {
	client    *containerd.Client
	namespace string
	runDir    string
	cache     *stateCache
}

// NewContainerConnector dials containerd at socketPath (DefaultSocketPath
// if empty) and scopes all operations to the agent's namespace. runDir is
// where this agent materializes workload state on disk; container task
// output is logged under "<runDir>/logs" so GetLogFetcher can tail it.
func NewContainerConnector(socketPath, runDir string) (*ContainerConnector, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, &types.RuntimeError{Kind: types.RuntimeOther, Op: "connect", Err: err}
	}

	c := &ContainerConnector{client: client, namespace: DefaultNamespace, runDir: runDir}
	c.cache = newStateCache(c.refreshCache)
	return c, nil
}

func (r *ContainerConnector) Name() types.RuntimeName { return "podman" }

func (r *ContainerConnector) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerConnector) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// refreshCache lists every container in the namespace and maps its
// containerd task status + exit code to the §4.1 state table.
func (r *ContainerConnector) refreshCache(ctx context.Context) (map[string]containerSnapshot, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make(map[string]containerSnapshot, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			labels = nil
		}
		out[c.ID()] = containerSnapshot{
			state:      r.mapState(ctx, c),
			agentLabel: labels[AgentLabel],
			nameLabel:  labels[InstanceLabel],
			podLabel:   labels[PodLabel],
		}
	}
	return out, nil
}

// mapState implements the state-mapping table in §4.1.
func (r *ContainerConnector) mapState(ctx context.Context, c containerd.Container) types.ExecutionState {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return types.PendingStarting("container created, no task yet")
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.FailedUnknown()
	}
	switch status.Status {
	case containerd.Running:
		return types.RunningOk()
	case containerd.Paused:
		return types.FailedUnknown()
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.SucceededOk()
		}
		return types.FailedExecFailed(fmt.Sprintf("exit code %d", status.ExitStatus))
	case containerd.Pausing, containerd.Stopping:
		return types.StoppingWaitingToStop()
	default:
		return types.PendingStarting(string(status.Status))
	}
}

func (r *ContainerConnector) ListReusable(ctx context.Context, agentName types.AgentName) ([]types.WorkloadInstanceName, error) {
	snap, err := r.refreshCache(ctx)
	if err != nil {
		// Tolerated by the caller: "none found."
		return nil, err
	}
	var out []types.WorkloadInstanceName
	for _, s := range snap {
		if s.agentLabel != string(agentName) || s.nameLabel == "" {
			continue
		}
		out = append(out, parseInstanceLabel(s.nameLabel))
	}
	return out, nil
}

// parseInstanceLabel reverses WorkloadInstanceName.String(); malformed
// labels degrade to a workload name only.
func parseInstanceLabel(label string) types.WorkloadInstanceName {
	var wl, hash, agent string
	n, _ := fmt.Sscanf(label, "%s", &wl)
	if n != 1 {
		return types.WorkloadInstanceName{WorkloadName: types.WorkloadName(label)}
	}
	// WorkloadInstanceName.String is "wl.hash.agent"; Sscanf with %s can't
	// split on '.', so do it manually.
	parts := splitDotted(label)
	if len(parts) == 3 {
		wl, hash, agent = parts[0], parts[1], parts[2]
		return types.WorkloadInstanceName{WorkloadName: types.WorkloadName(wl), ConfigHash: hash, AgentName: types.AgentName(agent)}
	}
	return types.WorkloadInstanceName{WorkloadName: types.WorkloadName(label)}
}

func splitDotted(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func (r *ContainerConnector) Create(ctx context.Context, spec *types.WorkloadSpec, files []HostFileMapping, existingID string) (string, error) {
	ctx = r.ctx(ctx)

	if existingID != "" {
		container, err := r.client.LoadContainer(ctx, existingID)
		if err != nil {
			return "", &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "load-existing", Err: err}
		}
		if err := r.startTask(ctx, container); err != nil {
			return "", err
		}
		return existingID, nil
	}

	image, err := r.client.Pull(ctx, spec.RuntimeConfig, containerd.WithPullUnpack)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "pull", Err: err}
	}

	id := spec.InstanceName.String()
	opts := []oci.SpecOpts{oci.WithImageConfig(image)}

	var mounts []specs.Mount
	for _, f := range files {
		mounts = append(mounts, specs.Mount{
			Source:      f.HostPath,
			Destination: f.ContainerPath,
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{
		AgentLabel:    string(spec.InstanceName.AgentName),
		InstanceLabel: spec.InstanceName.String(),
	}

	container, err := r.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "new-container", Err: err}
	}

	if err := r.startTask(ctx, container); err != nil {
		// Best-effort cleanup of the partially-created container.
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", err
	}

	return container.ID(), nil
}

func (r *ContainerConnector) startTask(ctx context.Context, container containerd.Container) error {
	if err := os.MkdirAll(filepath.Join(r.runDir, "logs"), 0755); err != nil {
		return &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "new-task", Err: err}
	}
	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(container.ID())))
	if err != nil {
		return &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "new-task", Err: err}
	}
	if err := task.Start(ctx); err != nil {
		return &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "start-task", Err: err}
	}
	return nil
}

// logPath is where a container's combined stdout/stderr is logged, per
// the task's cio.LogFile sink.
func (r *ContainerConnector) logPath(id string) string {
	return filepath.Join(r.runDir, "logs", id+".log")
}

func (r *ContainerConnector) GetID(ctx context.Context, instance types.WorkloadInstanceName) (string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeOther, Op: "list", Err: err}
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[InstanceLabel] == instance.String() {
			return c.ID(), nil
		}
	}
	return "", &types.RuntimeError{Kind: types.RuntimeOther, Op: "get-id", Err: errdefs.ErrNotFound}
}

func (r *ContainerConnector) StartStateChecker(ctx context.Context, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) StateCheckerHandle {
	r.cache.ensureFresh(ctx)
	return startPollingStateChecker(ctx, r.cache, id, instance, sink)
}

func (r *ContainerConnector) Delete(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &types.RuntimeError{Kind: types.RuntimeTransientDelete, Op: "load", Err: err}
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, waitErr := task.Wait(stopCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return &types.RuntimeError{Kind: types.RuntimeTransientDelete, Op: "delete", Err: err}
	}
	return nil
}

// GetLogFetcher opens id's log file (stdout and stderr are combined into
// one sink by cio.LogFile at task-creation time, so stderr is always
// nil) and, if opts.Follow, keeps it open past EOF to pick up output the
// task writes afterward.
func (r *ContainerConnector) GetLogFetcher(ctx context.Context, id string, opts LogFetcherOptions) (io.ReadCloser, io.ReadCloser, error) {
	log.WithComponent("runtime").Debug().Str("id", id).Bool("follow", opts.Follow).Msg("log fetcher requested")
	stdout, err := newLogTailer(r.logPath(id), opts)
	if err != nil {
		return nil, nil, &types.RuntimeError{Kind: types.RuntimeOther, Op: "get-log-fetcher", Err: fmt.Errorf("open log file for %s: %w", id, err)}
	}
	return stdout, nil, nil
}

// logTailer is an io.ReadCloser over a log file that, when follow is
// set, blocks past EOF instead of returning it, polling for output the
// task writes afterward.
type logTailer struct {
	f      *os.File
	follow bool
	done   chan struct{}
}

func newLogTailer(path string, opts LogFetcherOptions) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if opts.Tail > 0 {
		seekToTail(f, opts.Tail)
	}
	return &logTailer{f: f, follow: opts.Follow, done: make(chan struct{})}, nil
}

func (t *logTailer) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return n, err
		}
		if !t.follow {
			return n, io.EOF
		}
		select {
		case <-t.done:
			return 0, io.EOF
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (t *logTailer) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return t.f.Close()
}

// seekToTail positions f just before its last n lines, read from the
// start since a log file's exact byte length isn't known up front.
func seekToTail(f *os.File, n int) {
	data, err := io.ReadAll(f)
	if err != nil {
		_, _ = f.Seek(0, io.SeekStart)
		return
	}
	trimmed := bytes.TrimSuffix(data, []byte("\n"))
	lines := bytes.Split(trimmed, []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	offset := len(trimmed) - len(bytes.Join(lines, []byte("\n")))
	if offset < 0 {
		offset = 0
	}
	_, _ = f.Seek(int64(offset), io.SeekStart)
}
