package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// podManifest is the minimal shape this agent understands out of a
// "podman-kube" RuntimeConfig blob: enough to create one containerd
// container per listed container, sharing a pod identity.
type podManifest struct {
	Name       string            `yaml:"name"`
	Containers []podManifestEntry `yaml:"containers"`
}

type podManifestEntry struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
}

// podRecord is the base64 JSON written to the `<instance>.pods` label
// after a successful apply, per §4.1.
type podRecord struct {
	ContainerID string `json:"containerId"`
	Name        string `json:"name"`
}

// PodConnector is the "podman-kube" stand-in: groups several containerd
// containers under one workload instance by parsing an opaque YAML pod
// manifest out of the workload's runtime config.
type PodConnector struct {
	client    *containerd.Client
	namespace string
	runDir    string
	cache     *stateCache
}

// NewPodConnector takes a containerd client dialed the same way as
// ContainerConnector's; the agent opens a separate connection for each
// of the two connectors. runDir must match the one the sibling
// ContainerConnector was given, since pod members' task output is
// logged under it exactly the same way.
func NewPodConnector(client *containerd.Client, runDir string) *PodConnector {
	p := &PodConnector{client: client, namespace: DefaultNamespace, runDir: runDir}
	p.cache = newStateCache(p.refreshCache)
	return p
}

func (p *PodConnector) connector() *ContainerConnector {
	return &ContainerConnector{client: p.client, namespace: p.namespace, runDir: p.runDir}
}

func (p *PodConnector) Name() types.RuntimeName { return "podman-kube" }

func (p *PodConnector) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, p.namespace)
}

func (p *PodConnector) refreshCache(ctx context.Context) (map[string]containerSnapshot, error) {
	ctx = p.ctx(ctx)
	containers, err := p.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	cc := p.connector()
	out := make(map[string]containerSnapshot, len(containers))
	for _, c := range containers {
		labels, _ := c.Labels(ctx)
		out[c.ID()] = containerSnapshot{
			state:      cc.mapState(ctx, c),
			agentLabel: labels[AgentLabel],
			nameLabel:  labels[InstanceLabel],
			podLabel:   labels[PodLabel],
		}
	}
	return out, nil
}

func (p *PodConnector) ListReusable(ctx context.Context, agentName types.AgentName) ([]types.WorkloadInstanceName, error) {
	snap, err := p.refreshCache(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[types.WorkloadInstanceName]bool{}
	var out []types.WorkloadInstanceName
	for _, s := range snap {
		if s.agentLabel != string(agentName) || s.nameLabel == "" {
			continue
		}
		inst := parseInstanceLabel(s.nameLabel)
		if !seen[inst] {
			seen[inst] = true
			out = append(out, inst)
		}
	}
	return out, nil
}

// parseManifest decodes the opaque YAML blob per §4.1's podman-kube
// connector contract.
func parseManifest(raw string) (*podManifest, error) {
	var m podManifest
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse pod manifest: %w", err)
	}
	if len(m.Containers) == 0 {
		return nil, fmt.Errorf("pod manifest declares no containers")
	}
	return &m, nil
}

func (p *PodConnector) Create(ctx context.Context, spec *types.WorkloadSpec, files []HostFileMapping, existingID string) (string, error) {
	if len(spec.Files) > 0 {
		return "", &types.RuntimeError{Kind: types.RuntimeUnsupported, Op: "create",
			Err: fmt.Errorf("podman-kube workloads may not carry WorkloadSpec.Files; use the manifest's own config mechanism")}
	}

	manifest, err := parseManifest(spec.RuntimeConfig)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeUnsupported, Op: "create", Err: err}
	}

	ctx = p.ctx(ctx)
	cc := p.connector()

	configLabel := base64.StdEncoding.EncodeToString([]byte(spec.RuntimeConfig))

	var records []podRecord
	var created []string
	for _, entry := range manifest.Containers {
		subSpec := &types.WorkloadSpec{
			InstanceName:  spec.InstanceName,
			RuntimeName:   p.Name(),
			RuntimeConfig: entry.Image,
		}
		id, err := cc.createLabeled(ctx, subSpec, files, entry.Name)
		if err != nil {
			for _, c := range created {
				_ = cc.Delete(ctx, c)
			}
			return "", err
		}
		created = append(created, id)
		records = append(records, podRecord{ContainerID: id, Name: entry.Name})
	}

	// Stash the base64 runtime config and pod member list on every
	// member container, per §4.1's `<instance>.config` and
	// `<instance>.pods` labels. Nothing in this connector reads them
	// back: GetID, mergeState and Delete key off InstanceLabel.
	extra := map[string]string{spec.InstanceName.String() + ".config": configLabel}
	if encoded, err := json.Marshal(records); err == nil {
		extra[spec.InstanceName.String()+".pods"] = base64.StdEncoding.EncodeToString(encoded)
	} else {
		log.WithComponent("runtime").Warn().Err(err).Msg("failed to encode pod record label")
	}
	for _, id := range created {
		p.setInstanceLabels(ctx, id, extra)
	}

	// The instance id for a pod is the WorkloadInstanceName, matching
	// GetID's return value and the InstanceLabel every member carries;
	// Delete/GetLogFetcher both key off this, not the manifest name.
	return spec.InstanceName.String(), nil
}

// setInstanceLabels merges extra into containerID's existing containerd
// labels. A failure is logged and apply continues: losing this metadata
// doesn't affect the pod's running state, only introspection of it.
func (p *PodConnector) setInstanceLabels(ctx context.Context, containerID string, extra map[string]string) {
	c, err := p.client.ContainerService().Get(ctx, containerID)
	if err != nil {
		log.WithComponent("runtime").Warn().Err(err).Str("container", containerID).Msg("failed to read container for label update")
		return
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	var fields []string
	for k, v := range extra {
		c.Labels[k] = v
		fields = append(fields, "labels."+k)
	}
	if _, err := p.client.ContainerService().Update(ctx, c, fields...); err != nil {
		log.WithComponent("runtime").Warn().Err(err).Str("container", containerID).Msg("failed to persist pod metadata labels")
	}
}

// createLabeled creates a single pod-member container, stamping both the
// shared instance label and the per-container pod label.
func (c *ContainerConnector) createLabeled(ctx context.Context, spec *types.WorkloadSpec, files []HostFileMapping, containerName string) (string, error) {
	image, err := c.client.Pull(ctx, spec.RuntimeConfig, containerd.WithPullUnpack)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "pull", Err: err}
	}

	id := spec.InstanceName.String() + "." + containerName
	labels := map[string]string{
		AgentLabel:    string(spec.InstanceName.AgentName),
		InstanceLabel: spec.InstanceName.String(),
		PodLabel:      containerName,
	}

	container, err := c.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "new-container", Err: err}
	}
	if err := c.startTask(ctx, container); err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", err
	}
	return container.ID(), nil
}

func (p *PodConnector) GetID(ctx context.Context, instance types.WorkloadInstanceName) (string, error) {
	ctx = p.ctx(ctx)
	containers, err := p.client.Containers(ctx)
	if err != nil {
		return "", &types.RuntimeError{Kind: types.RuntimeOther, Op: "list", Err: err}
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[InstanceLabel] == instance.String() {
			return instance.String(), nil
		}
	}
	return "", &types.RuntimeError{Kind: types.RuntimeOther, Op: "get-id", Err: fmt.Errorf("pod %s not found", instance)}
}

func (p *PodConnector) StartStateChecker(ctx context.Context, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) StateCheckerHandle {
	p.cache.ensureFresh(ctx)
	checkerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h := &pollingStateChecker{cancel: cancel, done: done}

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var last types.ExecutionState
		first := true
		for {
			select {
			case <-checkerCtx.Done():
				return
			case <-ticker.C:
				p.cache.ensureFresh(checkerCtx)
				state := p.mergeState(instance)
				if first || !state.Equal(last) {
					first = false
					last = state
					select {
					case sink <- types.WorkloadState{InstanceName: instance, State: state}:
					case <-checkerCtx.Done():
						return
					}
				}
			}
		}
	}()
	return h
}

// mergeState implements the pod-level minimum-priority merge rule:
// Failed<Starting<Unknown<Running<Stopping<Succeeded (lowest wins).
func (p *PodConnector) mergeState(instance types.WorkloadInstanceName) types.ExecutionState {
	priority := map[types.ExecutionStateKind]int{
		types.StateFailed:    0,
		types.StatePending:   1,
		types.StateRunning:   3,
		types.StateStopping:  4,
		types.StateSucceeded: 5,
	}

	snap := p.cache.all()
	var members []containerSnapshot
	for _, s := range snap {
		if s.nameLabel == instance.String() {
			members = append(members, s)
		}
	}
	if len(members) == 0 {
		return types.FailedLost()
	}

	rankOf := func(s types.ExecutionState) int {
		if s.Kind == types.StateFailed && s.SubState == types.SubFailedUnknown {
			return 2 // Unknown
		}
		rank, ok := priority[s.Kind]
		if !ok {
			return 2 // Unknown
		}
		return rank
	}

	best := members[0].state
	bestRank := rankOf(best)
	for _, m := range members[1:] {
		if rank := rankOf(m.state); rank < bestRank {
			bestRank = rank
			best = m.state
		}
	}
	return best
}

// Delete removes only the member containers belonging to pod instance id,
// matching on InstanceLabel exactly as GetID does. Matching on a
// non-empty PodLabel instead would delete every pod workload's
// containers on the host, not just this one.
func (p *PodConnector) Delete(ctx context.Context, id string) error {
	ctx = p.ctx(ctx)
	cc := p.connector()
	containers, err := p.client.Containers(ctx)
	if err != nil {
		return &types.RuntimeError{Kind: types.RuntimeTransientDelete, Op: "list", Err: err}
	}
	var lastErr error
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil || labels[InstanceLabel] != id {
			continue
		}
		if err := cc.Delete(ctx, c.ID()); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// GetLogFetcher concatenates every pod member's log file for a single
// combined stream; members are taken from the state cache, so their
// order in that stream is not defined. Single-member pods just delegate
// to the underlying ContainerConnector.
func (p *PodConnector) GetLogFetcher(ctx context.Context, id string, opts LogFetcherOptions) (io.ReadCloser, io.ReadCloser, error) {
	ctx = p.ctx(ctx)
	p.cache.ensureFresh(ctx)
	snap := p.cache.all()

	var memberIDs []string
	for cid, s := range snap {
		if s.nameLabel == id {
			memberIDs = append(memberIDs, cid)
		}
	}
	if len(memberIDs) == 0 {
		return nil, nil, &types.RuntimeError{Kind: types.RuntimeOther, Op: "get-log-fetcher", Err: fmt.Errorf("no pod members found for %s", id)}
	}

	cc := p.connector()
	if len(memberIDs) == 1 {
		return cc.GetLogFetcher(ctx, memberIDs[0], opts)
	}

	var readers []io.ReadCloser
	for _, mid := range memberIDs {
		r, _, err := cc.GetLogFetcher(ctx, mid, opts)
		if err != nil {
			for _, opened := range readers {
				_ = opened.Close()
			}
			return nil, nil, err
		}
		readers = append(readers, r)
	}
	return newMultiCloser(readers), nil, nil
}

// multiCloser concatenates several readers (via io.MultiReader) while
// closing all of them on Close.
type multiCloser struct {
	io.Reader
	closers []io.ReadCloser
}

func newMultiCloser(readers []io.ReadCloser) *multiCloser {
	rs := make([]io.Reader, len(readers))
	for i, r := range readers {
		rs[i] = r
	}
	return &multiCloser{Reader: io.MultiReader(rs...), closers: readers}
}

func (m *multiCloser) Close() error {
	var lastErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
