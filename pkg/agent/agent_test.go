package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/controlapi"
	"github.com/cuemby/ankaios-agent/pkg/gateway"
	"github.com/cuemby/ankaios-agent/pkg/manager"
	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []controlapi.ToServer
	recv chan controlapi.FromServer
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan controlapi.FromServer, 8)}
}

func (c *fakeConn) Send(msg controlapi.ToServer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Recv() (controlapi.FromServer, error) {
	msg, ok := <-c.recv
	if !ok {
		return controlapi.FromServer{}, io.EOF
	}
	return msg, nil
}

func (c *fakeConn) Close() error { close(c.recv); return nil }

func (c *fakeConn) snapshot() []controlapi.ToServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]controlapi.ToServer, len(c.sent))
	copy(out, c.sent)
	return out
}

type noopConnector struct{}

func (noopConnector) Name() types.RuntimeName { return "fake" }
func (noopConnector) ListReusable(ctx context.Context, agentName types.AgentName) ([]types.WorkloadInstanceName, error) {
	return nil, nil
}
func (noopConnector) Create(ctx context.Context, spec *types.WorkloadSpec, files []runtime.HostFileMapping, existingID string) (string, error) {
	return "id-" + string(spec.InstanceName.WorkloadName), nil
}
func (noopConnector) GetID(ctx context.Context, instance types.WorkloadInstanceName) (string, error) {
	return "", nil
}
func (noopConnector) StartStateChecker(ctx context.Context, id string, instance types.WorkloadInstanceName, sink chan<- types.WorkloadState) runtime.StateCheckerHandle {
	return noopChecker{}
}
func (noopConnector) Delete(ctx context.Context, id string) error { return nil }
func (noopConnector) GetLogFetcher(ctx context.Context, id string, opts runtime.LogFetcherOptions) (io.ReadCloser, io.ReadCloser, error) {
	return nil, nil, nil
}

type noopChecker struct{}

func (noopChecker) Stop() {}

func newTestAgent(t *testing.T) (*Agent, *fakeConn, *store.Store) {
	t.Helper()
	st := store.New()
	mgr := manager.New(manager.Config{AgentName: "agent_A", RunDir: t.TempDir()}, st)
	mgr.RegisterConnector(noopConnector{})
	mgr.Start()
	t.Cleanup(mgr.Stop)

	conn := newFakeConn()
	var ag *Agent
	gw := gateway.New("agent_A", senderFunc(func(agentName string, req controlapi.ToAnkaios) error {
		return ag.SendRequest(agentName, req)
	}))
	ag = New("agent_A", conn, mgr, gw, st)
	return ag, conn, st
}

type senderFunc func(agentName string, req controlapi.ToAnkaios) error

func (f senderFunc) SendRequest(agentName string, req controlapi.ToAnkaios) error {
	return f(agentName, req)
}

func TestFirstUpdateWorkloadReconciles(t *testing.T) {
	ag, _, _ := newTestAgent(t)

	spec := controlapi.ToWorkloadSpecWire(&types.WorkloadSpec{
		InstanceName: types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"},
		RuntimeName:  "fake",
	})
	ag.dispatch(context.Background(), controlapi.FromServer{Kind: controlapi.FromServerUpdateWorkload, Added: []controlapi.WorkloadSpecWire{spec}})

	ag.mu.Lock()
	reconciled := ag.reconciled
	ag.mu.Unlock()
	assert.True(t, reconciled)
}

func TestUpdateWorkloadStateIgnoresRemoved(t *testing.T) {
	ag, _, st := newTestAgent(t)

	removed := controlapi.WorkloadStateWire{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "other_agent"}
	present := controlapi.WorkloadStateWire{WorkloadName: "sidecar", ConfigHash: "h1", AgentName: "other_agent", Kind: string(types.StateRunning)}

	ag.dispatch(context.Background(), controlapi.FromServer{
		Kind:   controlapi.FromServerUpdateWorkloadState,
		States: []controlapi.WorkloadStateWire{removed, present},
	})

	_, ok := st.Get(types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "other_agent"})
	assert.False(t, ok)

	ws, ok := st.Get(types.WorkloadInstanceName{WorkloadName: "sidecar", ConfigHash: "h1", AgentName: "other_agent"})
	require.True(t, ok)
	assert.Equal(t, types.StateRunning, ws.State.Kind)
}

func TestForwardStateChangesReportsOwnAgentInstancesOnly(t *testing.T) {
	ag, conn, st := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := st.Broker().Subscribe()
	go ag.forwardStateChanges(ctx, sub)

	st.Set(types.WorkloadState{
		InstanceName: types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"},
		State:        types.RunningOk(),
	})
	st.Set(types.WorkloadState{
		InstanceName: types.WorkloadInstanceName{WorkloadName: "other", ConfigHash: "h1", AgentName: "not_me"},
		State:        types.RunningOk(),
	})

	require.Eventually(t, func() bool {
		for _, msg := range conn.snapshot() {
			if msg.Kind == controlapi.ToServerUpdateWorkloadState && len(msg.States) == 1 && msg.States[0].WorkloadName == "nginx" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, msg := range conn.snapshot() {
		for _, s := range msg.States {
			assert.NotEqual(t, "other", s.WorkloadName)
		}
	}
}

func TestStartLogSubscriptionWithNoMatchingWorkloadStopsImmediately(t *testing.T) {
	ag, conn, _ := newTestAgent(t)

	ag.startLogSubscription(context.Background(), "sub-1", []string{"unknown"})

	require.Eventually(t, func() bool {
		for _, msg := range conn.snapshot() {
			if msg.Kind == controlapi.ToServerLogsStopResponse && msg.SubscriptionID == "sub-1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCancelLogSubscriptionRemovesEntry(t *testing.T) {
	ag, _, _ := newTestAgent(t)

	called := false
	ag.mu.Lock()
	ag.subs["sub-1"] = func() { called = true }
	ag.mu.Unlock()

	ag.cancelLogSubscription("sub-1")
	assert.True(t, called)

	ag.mu.Lock()
	_, exists := ag.subs["sub-1"]
	ag.mu.Unlock()
	assert.False(t, exists)
}
