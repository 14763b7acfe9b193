package gateway

import (
	"bufio"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/controlapi"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// fakeSender records every forwarded request.
type fakeSender struct {
	mu   sync.Mutex
	reqs []controlapi.ToAnkaios
}

func (f *fakeSender) SendRequest(agentName string, req controlapi.ToAnkaios) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeSender) last() (controlapi.ToAnkaios, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return controlapi.ToAnkaios{}, false
	}
	return f.reqs[len(f.reqs)-1], true
}

// testRig wires a session's output (workload write side) and input
// (workload read side) through in-memory pipes.
type testRig struct {
	workloadWrite io.WriteCloser // test writes here, gateway reads (session.output)
	workloadRead  *bufio.Reader  // test reads here, gateway writes (session.input)
}

func newRig(g *Gateway, name string, access *types.ControlInterfaceAccess) *testRig {
	outR, outW := io.Pipe() // workload -> gateway
	inR, inW := io.Pipe()   // gateway -> workload

	g.Register(name, access, outR, inW)
	return &testRig{workloadWrite: outW, workloadRead: bufio.NewReader(inR)}
}

func (r *testRig) sendHello(t *testing.T, version string) {
	t.Helper()
	require.NoError(t, controlapi.WriteFrame(r.workloadWrite, controlapi.Hello{Version: version}.Marshal()))
}

func (r *testRig) sendRequest(t *testing.T, req controlapi.ToAnkaios) {
	t.Helper()
	require.NoError(t, controlapi.WriteFrame(r.workloadWrite, req.Marshal()))
}

func (r *testRig) readResponse(t *testing.T) controlapi.FromAnkaios {
	t.Helper()
	frame, err := controlapi.ReadFrame(r.workloadRead)
	require.NoError(t, err)
	resp, err := controlapi.UnmarshalFromAnkaios(frame)
	require.NoError(t, err)
	return resp
}

func TestHandshakeRejectsIncompatibleVersion(t *testing.T) {
	sender := &fakeSender{}
	g := New("agent_A", sender)
	rig := newRig(g, "nginx", nil)

	rig.sendHello(t, "9.9")

	resp := rig.readResponse(t)
	assert.Equal(t, controlapi.FromAnkaiosConnectionClosed, resp.Kind)
}

func TestRequestDeniedWithoutAccessRules(t *testing.T) {
	sender := &fakeSender{}
	g := New("agent_A", sender)
	rig := newRig(g, "nginx", nil)

	rig.sendHello(t, SupportedProtocolVersion)
	rig.sendRequest(t, controlapi.ToAnkaios{
		Kind:      controlapi.ToAnkaiosReadState,
		RequestID: "req-1",
	})

	resp := rig.readResponse(t)
	assert.Equal(t, controlapi.FromAnkaiosError, resp.Kind)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestRequestForwardedWhenAuthorizedWithRewrittenID(t *testing.T) {
	sender := &fakeSender{}
	g := New("agent_A", sender)
	access := &types.ControlInterfaceAccess{
		AllowStateRules: []types.StateRule{{Operation: types.OperationRead, FilterMask: "*"}},
	}
	rig := newRig(g, "nginx", access)

	rig.sendHello(t, SupportedProtocolVersion)
	rig.sendRequest(t, controlapi.ToAnkaios{
		Kind:      controlapi.ToAnkaiosReadState,
		RequestID: "req-7",
	})

	require.Eventually(t, func() bool {
		_, ok := sender.last()
		return ok
	}, time.Second, 5*time.Millisecond)

	req, _ := sender.last()
	assert.Equal(t, "nginx@req-7", req.RequestID)
}

func TestDispatchRoutesResponseBackToSession(t *testing.T) {
	sender := &fakeSender{}
	g := New("agent_A", sender)
	rig := newRig(g, "nginx", nil)
	rig.sendHello(t, SupportedProtocolVersion)

	inner := controlapi.FromAnkaios{
		Kind:      controlapi.FromAnkaiosStateResult,
		RequestID: "nginx@req-7",
		StateJSON: []byte(`{"ok":true}`),
	}
	g.Dispatch(controlapi.FromServer{
		Kind:     controlapi.FromServerResponse,
		Response: inner.Marshal(),
	})

	resp := rig.readResponse(t)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.Equal(t, inner.StateJSON, resp.StateJSON)
}

func TestDispatchToUnknownSessionIsIgnored(t *testing.T) {
	sender := &fakeSender{}
	g := New("agent_A", sender)

	inner := controlapi.FromAnkaios{Kind: controlapi.FromAnkaiosStateResult, RequestID: "ghost@req-1"}
	assert.NotPanics(t, func() {
		g.Dispatch(controlapi.FromServer{Kind: controlapi.FromServerResponse, Response: inner.Marshal()})
	})
}
