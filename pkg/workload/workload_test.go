package workload

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/files"
	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

type fakeConnector struct {
	mu          sync.Mutex
	createCalls int
	createErr   error
	deleteErr   error
	deleteCalls int
	checkers    []chan<- types.WorkloadState
	getIDResult string
	getIDErr    error
}

func (f *fakeConnector) Name() types.RuntimeName { return "fake" }

func (f *fakeConnector) ListReusable(ctx context.Context, agentName types.AgentName) ([]types.WorkloadInstanceName, error) {
	return nil, nil
}

func (f *fakeConnector) Create(ctx context.Context, spec *types.WorkloadSpec, hostFiles []runtime.HostFileMapping, existingID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "id-" + string(spec.InstanceName.WorkloadName), nil
}

func (f *fakeConnector) GetID(ctx context.Context, instance types.WorkloadInstanceName) (string, error) {
	return f.getIDResult, f.getIDErr
}

func (f *fakeConnector) StartStateChecker(ctx context.Context, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) runtime.StateCheckerHandle {
	f.mu.Lock()
	f.checkers = append(f.checkers, sink)
	f.mu.Unlock()
	return &fakeChecker{}
}

func (f *fakeConnector) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeConnector) GetLogFetcher(ctx context.Context, id string, opts runtime.LogFetcherOptions) (io.ReadCloser, io.ReadCloser, error) {
	return nil, nil, nil
}

func (f *fakeConnector) createCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

type fakeChecker struct{}

func (f *fakeChecker) Stop() {}

type stateRecorder struct {
	mu      sync.Mutex
	emitted []types.WorkloadState
}

func (r *stateRecorder) sink(ws types.WorkloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, ws)
}

func (r *stateRecorder) snapshot() []types.WorkloadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.WorkloadState, len(r.emitted))
	copy(out, r.emitted)
	return out
}

func newTestLoop(t *testing.T, connector *fakeConnector) (*Loop, *stateRecorder) {
	t.Helper()
	creator := files.NewCreator(t.TempDir())
	recorder := &stateRecorder{}
	instance := types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"}
	loop := New(connector, creator, instance, "agent_A", nil, recorder.sink)
	loop.Start(context.Background())
	return loop, recorder
}

func instanceName(wl types.WorkloadName) types.WorkloadInstanceName {
	return types.WorkloadInstanceName{WorkloadName: wl, ConfigHash: "h1", AgentName: "agent_A"}
}

func TestCreateSucceedsAndInvokesConnectorOnce(t *testing.T) {
	connector := &fakeConnector{}
	loop, recorder := newTestLoop(t, connector)

	spec := &types.WorkloadSpec{InstanceName: instanceName("nginx"), RuntimeName: "fake"}
	loop.SubmitCreate(spec)

	require.Eventually(t, func() bool { return connector.createCallCount() == 1 }, time.Second, 5*time.Millisecond)

	states := recorder.snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, types.StatePending, states[0].State.Kind)
	assert.Equal(t, types.SubPendingStarting, states[0].State.SubState)
}

func TestCreateFailureRetriesWithBackoff(t *testing.T) {
	connector := &fakeConnector{createErr: &types.RuntimeError{Kind: types.RuntimeTransientCreate, Op: "create"}}
	loop, recorder := newTestLoop(t, connector)

	spec := &types.WorkloadSpec{InstanceName: instanceName("nginx"), RuntimeName: "fake"}
	loop.SubmitCreate(spec)

	require.Eventually(t, func() bool { return connector.createCallCount() >= 1 }, time.Second, 5*time.Millisecond)

	states := recorder.snapshot()
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, types.StatePending, last.State.Kind)
	assert.Equal(t, types.SubPendingStarting, last.State.SubState)
}

func TestCreateUnsupportedRuntimeDoesNotRetry(t *testing.T) {
	connector := &fakeConnector{createErr: &types.RuntimeError{Kind: types.RuntimeUnsupported, Op: "create"}}
	loop, recorder := newTestLoop(t, connector)

	spec := &types.WorkloadSpec{InstanceName: instanceName("nginx"), RuntimeName: "fake"}
	loop.SubmitCreate(spec)

	require.Eventually(t, func() bool {
		for _, ws := range recorder.snapshot() {
			if ws.State.SubState == types.SubPendingStartingFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, connector.createCallCount())
}

func TestDeleteAfterRunningEmitsRemovedAndTerminates(t *testing.T) {
	connector := &fakeConnector{}
	loop, recorder := newTestLoop(t, connector)

	spec := &types.WorkloadSpec{InstanceName: instanceName("nginx"), RuntimeName: "fake"}
	loop.SubmitCreate(spec)
	require.Eventually(t, func() bool { return connector.createCallCount() == 1 }, time.Second, 5*time.Millisecond)

	loop.SubmitDelete()

	select {
	case <-loop.Stopped():
	case <-time.After(time.Second):
		t.Fatal("loop did not terminate after delete")
	}

	states := recorder.snapshot()
	last := states[len(states)-1]
	assert.Equal(t, types.ExecutionState{}, last.State)
	assert.Equal(t, 1, connector.deleteCalls)
}

func TestRestartPolicyAlwaysRestartsOnSucceeded(t *testing.T) {
	connector := &fakeConnector{}
	loop, recorder := newTestLoop(t, connector)

	spec := &types.WorkloadSpec{InstanceName: instanceName("nginx"), RuntimeName: "fake", RestartPolicy: types.RestartAlways}
	loop.SubmitCreate(spec)
	require.Eventually(t, func() bool { return connector.createCallCount() == 1 }, time.Second, 5*time.Millisecond)

	connector.mu.Lock()
	sink := connector.checkers[0]
	connector.mu.Unlock()
	sink <- types.WorkloadState{InstanceName: instanceName("nginx"), State: types.SucceededOk()}

	require.Eventually(t, func() bool { return connector.createCallCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, connector.deleteCalls)

	_ = recorder.snapshot()
}

type fakeGateway struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (g *fakeGateway) Register(instanceName string, access *types.ControlInterfaceAccess, output io.ReadCloser, input io.WriteCloser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, instanceName)
}

func (g *fakeGateway) Unregister(instanceName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unregistered = append(g.unregistered, instanceName)
}

func TestCreateWithControlAccessRegistersAndDeleteUnregisters(t *testing.T) {
	connector := &fakeConnector{}
	creator := files.NewCreator(t.TempDir())
	recorder := &stateRecorder{}
	gw := &fakeGateway{}
	instance := instanceName("nginx")
	loop := New(connector, creator, instance, "agent_A", gw, recorder.sink)
	loop.Start(context.Background())

	spec := &types.WorkloadSpec{
		InstanceName:  instance,
		RuntimeName:   "fake",
		ControlAccess: &types.ControlInterfaceAccess{},
	}
	loop.SubmitCreate(spec)

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.registered) == 1
	}, time.Second, 5*time.Millisecond)

	loop.SubmitDelete()
	select {
	case <-loop.Stopped():
	case <-time.After(time.Second):
		t.Fatal("loop did not terminate after delete")
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, []string{instance.String()}, gw.registered)
	assert.Equal(t, []string{instance.String()}, gw.unregistered)
}
