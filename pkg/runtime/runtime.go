package runtime

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// DefaultNamespace is the containerd namespace this agent operates in.
const DefaultNamespace = "ankaios-agent"

// DefaultSocketPath is the default containerd socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// AgentLabel and InstanceLabel are the containerd container labels a
// connector stamps on every container it creates: the
// `agent=<agent>,name=<instance>` labeling list_reusable needs to find
// its own containers again after an agent restart.
const (
	AgentLabel    = "agent"
	InstanceLabel = "name"
	PodLabel      = "pod.container"
)

// HostFileMapping describes one workload file already materialized on
// the host by the WorkloadFilesCreator, ready to be bind-mounted
// read-only into a created container.
type HostFileMapping struct {
	HostPath      string
	ContainerPath string
}

// LogFetcherOptions controls a get_log_fetcher call.
type LogFetcherOptions struct {
	Follow bool
	Tail   int
	Since  time.Time
	Until  time.Time
}

// StateCheckerHandle stops a running state checker.
type StateCheckerHandle interface {
	Stop()
}

// Connector is the capability interface every runtime backend
// implements; §4.1 names it the Runtime Connector.
type Connector interface {
	// Name returns a stable identifier for this connector, e.g. "podman".
	Name() types.RuntimeName

	// ListReusable returns instance names started by a previous run of
	// this same agent that are still present on the host. Failures are
	// tolerated by the caller: an error here is treated as "none found."
	ListReusable(ctx context.Context, agentName types.AgentName) ([]types.WorkloadInstanceName, error)

	// Create pulls the image (if needed), creates and starts a new
	// container for spec, labeling it per AgentLabel/InstanceLabel, or,
	// if existingID is non-empty, starts that existing container
	// instead. Returns the runtime id on success.
	Create(ctx context.Context, spec *types.WorkloadSpec, files []HostFileMapping, existingID string) (string, error)

	// GetID maps an instance name to a runtime id via the InstanceLabel.
	GetID(ctx context.Context, instance types.WorkloadInstanceName) (string, error)

	// StartStateChecker creates a polling checker that emits
	// WorkloadStates for instance onto sink at roughly 1 Hz, and returns
	// a handle to stop it.
	StartStateChecker(ctx context.Context, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) StateCheckerHandle

	// Delete stops and removes the container(s) backing id.
	Delete(ctx context.Context, id string) error

	// GetLogFetcher returns a stdout/stderr byte stream for id.
	GetLogFetcher(ctx context.Context, id string, opts LogFetcherOptions) (stdout io.ReadCloser, stderr io.ReadCloser, err error)
}

// containerSnapshot is one entry of the shared state cache.
type containerSnapshot struct {
	state      types.ExecutionState
	agentLabel string
	nameLabel  string
	podLabel   string
}

// stateCache is the short-lived, mutex-guarded snapshot of all container
// states in the agent's containerd namespace, shared by both connector
// variants and refreshed at most once per second or on checker start, per
// §4.1's load-bounding recommendation.
type stateCache struct {
	mu          sync.RWMutex
	lastRefresh time.Time
	byID        map[string]containerSnapshot
	refresh     func(ctx context.Context) (map[string]containerSnapshot, error)
}

func newStateCache(refresh func(ctx context.Context) (map[string]containerSnapshot, error)) *stateCache {
	return &stateCache{byID: make(map[string]containerSnapshot), refresh: refresh}
}

// ensureFresh refreshes the cache if it is older than 1 second.
func (c *stateCache) ensureFresh(ctx context.Context) {
	c.mu.RLock()
	stale := time.Since(c.lastRefresh) >= time.Second
	c.mu.RUnlock()
	if !stale {
		return
	}
	snap, err := c.refresh(ctx)
	if err != nil {
		log.WithComponent("runtime").Warn().Err(err).Msg("state cache refresh failed")
		return
	}
	c.mu.Lock()
	c.byID = snap
	c.lastRefresh = time.Now()
	c.mu.Unlock()
}

// get returns a point-in-time, lock-free-after-copy snapshot for id.
func (c *stateCache) get(id string) (containerSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// all returns a copy of every cached entry.
func (c *stateCache) all() map[string]containerSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]containerSnapshot, len(c.byID))
	for k, v := range c.byID {
		out[k] = v
	}
	return out
}

// pollingStateChecker implements StateCheckerHandle over a ~1 Hz ticker
// that reads a single id out of a stateCache and emits transitions on
// state change only, using the same ticker-plus-consecutive-snapshot
// idiom a container health checker would, repurposed to emit
// WorkloadState instead of a health Result.
type pollingStateChecker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startPollingStateChecker(parent context.Context, cache *stateCache, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) StateCheckerHandle {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	checker := &pollingStateChecker{cancel: cancel, done: done}

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var last types.ExecutionState
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache.ensureFresh(ctx)
				snap, ok := cache.get(id)
				var state types.ExecutionState
				if !ok {
					state = types.FailedLost()
				} else {
					state = snap.state
				}
				if first || !state.Equal(last) {
					first = false
					last = state
					select {
					case sink <- types.WorkloadState{InstanceName: instance, State: state, ObservedAt: time.Now()}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return checker
}

func (c *pollingStateChecker) Stop() {
	c.cancel()
	<-c.done
}
