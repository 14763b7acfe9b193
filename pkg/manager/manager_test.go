package manager

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

type fakeConnector struct {
	name        types.RuntimeName
	mu          sync.Mutex
	createCalls int
	reusable    []types.WorkloadInstanceName
	idsByName   map[types.WorkloadName]string
}

func (f *fakeConnector) Name() types.RuntimeName { return f.name }

func (f *fakeConnector) ListReusable(ctx context.Context, agentName types.AgentName) ([]types.WorkloadInstanceName, error) {
	return f.reusable, nil
}

func (f *fakeConnector) Create(ctx context.Context, spec *types.WorkloadSpec, files []runtime.HostFileMapping, existingID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return "id-" + string(spec.InstanceName.WorkloadName), nil
}

func (f *fakeConnector) GetID(ctx context.Context, instance types.WorkloadInstanceName) (string, error) {
	if f.idsByName == nil {
		return "", nil
	}
	return f.idsByName[instance.WorkloadName], nil
}

func (f *fakeConnector) StartStateChecker(ctx context.Context, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) runtime.StateCheckerHandle {
	return fakeChecker{}
}

func (f *fakeConnector) Delete(ctx context.Context, id string) error { return nil }

func (f *fakeConnector) GetLogFetcher(ctx context.Context, id string, opts runtime.LogFetcherOptions) (io.ReadCloser, io.ReadCloser, error) {
	return nil, nil, nil
}

func (f *fakeConnector) createCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

type fakeChecker struct{}

func (fakeChecker) Stop() {}

func newTestManager(t *testing.T, connector *fakeConnector) (*Manager, *store.Store) {
	t.Helper()
	st := store.New()
	m := New(Config{AgentName: "agent_A", RunDir: t.TempDir()}, st)
	m.RegisterConnector(connector)
	m.Start()
	t.Cleanup(m.Stop)
	return m, st
}

func spec(name types.WorkloadName) *types.WorkloadSpec {
	return &types.WorkloadSpec{
		InstanceName: types.WorkloadInstanceName{WorkloadName: name, ConfigHash: "h1", AgentName: "agent_A"},
		RuntimeName:  "fake",
	}
}

func TestReconcileCreatesUndiscoveredDesiredWorkloads(t *testing.T) {
	connector := &fakeConnector{name: "fake"}
	m, _ := newTestManager(t, connector)

	m.Reconcile(context.Background(), []*types.WorkloadSpec{spec("nginx")})

	require.Eventually(t, func() bool { return connector.createCallCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandleUpdateCollapsesMatchingAddAndDeleteIntoUpdate(t *testing.T) {
	connector := &fakeConnector{name: "fake"}
	m, _ := newTestManager(t, connector)

	m.Reconcile(context.Background(), []*types.WorkloadSpec{spec("nginx")})
	require.Eventually(t, func() bool { return connector.createCallCount() == 1 }, time.Second, 5*time.Millisecond)

	old := types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"}
	newSpec := spec("nginx")
	newSpec.InstanceName.ConfigHash = "h2"

	m.HandleUpdate(context.Background(), []*types.WorkloadSpec{newSpec}, []types.WorkloadInstanceName{old})

	require.Eventually(t, func() bool { return connector.createCallCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHysteresisBlocksStaleRunningAfterStopping(t *testing.T) {
	assert.True(t, hysteresisBlocks(types.StoppingRequestedAtRuntime(), types.RunningOk()))
	assert.False(t, hysteresisBlocks(types.RunningOk(), types.StoppingRequestedAtRuntime()))
	assert.False(t, hysteresisBlocks(types.StoppingRequestedAtRuntime(), types.SucceededOk()))
}

func TestDeleteConditionsForDerivesFromAddCondition(t *testing.T) {
	connector := &fakeConnector{name: "fake"}
	m, _ := newTestManager(t, connector)

	dependent := spec("sidecar")
	dependent.Dependencies = map[types.WorkloadName]types.AddCondition{"nginx": types.AddConditionRunning}
	m.mu.Lock()
	m.desired["sidecar"] = dependent
	m.mu.Unlock()

	conds := m.DeleteConditionsFor(types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"})
	require.Len(t, conds, 1)
	assert.Equal(t, types.DeleteConditionRunning, conds[0])
}
