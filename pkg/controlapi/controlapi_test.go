package controlapi

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello control interface")

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRoundTripMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("one"), []byte(""), []byte("three")}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	big := uint64(maxFrameSize) + 1
	lenBuf := make([]byte, 0, maxVarintLen)
	for big >= 0x80 {
		lenBuf = append(lenBuf, byte(big)|0x80)
		big >>= 7
	}
	lenBuf = append(lenBuf, byte(big))
	buf.Write(lenBuf)

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestHelloRoundTrip(t *testing.T) {
	h := Hello{Version: "0.1"}
	got, err := UnmarshalHello(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestToAnkaiosRoundTrip(t *testing.T) {
	m := ToAnkaios{
		Kind:           ToAnkaiosWriteState,
		RequestID:      "req-1",
		FieldMasks:     []string{"desiredState.workloads"},
		WriteStateJSON: []byte(`{"workloads":{}}`),
	}
	got, err := UnmarshalToAnkaios(m.Marshal())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestFromAnkaiosRoundTrip(t *testing.T) {
	m := FromAnkaios{
		Kind:      FromAnkaiosLogEntries,
		RequestID: "req-2",
		LogLines:  []string{"line one", "line two"},
	}
	got, err := UnmarshalFromAnkaios(m.Marshal())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRequestIDPrefixRoundTrip(t *testing.T) {
	prefixed := RewriteRequestIDToServer("my_workload", "req-3")
	wl, orig, ok := SplitServerRequestID(prefixed)
	require.True(t, ok)
	assert.Equal(t, "my_workload", wl)
	assert.Equal(t, "req-3", orig)
}

func TestSplitServerRequestIDRejectsUnprefixed(t *testing.T) {
	_, _, ok := SplitServerRequestID("no-at-sign-here")
	assert.False(t, ok)
}

func TestWorkloadStateWireRoundTrip(t *testing.T) {
	ws := types.WorkloadState{
		InstanceName: types.WorkloadInstanceName{
			WorkloadName: "nginx",
			ConfigHash:   "abc123",
			AgentName:    "agent_A",
		},
		State: types.RunningOk(),
	}
	wire := ToWorkloadStateWire(ws)
	got, err := unmarshalWorkloadStateWire(wire.marshal())
	require.NoError(t, err)
	assert.Equal(t, wire, got)
	assert.Equal(t, ws.InstanceName, got.ToWorkloadState().InstanceName)
	assert.True(t, ws.State.Equal(got.ToWorkloadState().State))
}

func TestWorkloadSpecWireRoundTrip(t *testing.T) {
	spec := &types.WorkloadSpec{
		InstanceName: types.WorkloadInstanceName{
			WorkloadName: "nginx",
			ConfigHash:   "abc123",
			AgentName:    "agent_A",
		},
		RuntimeName:   "podman",
		RuntimeConfig: "image: nginx:latest",
		RestartPolicy: types.RestartAlways,
		Dependencies: map[types.WorkloadName]types.AddCondition{
			"db": types.AddConditionRunning,
		},
	}
	wire := ToWorkloadSpecWire(spec)
	got, err := unmarshalWorkloadSpecWire(wire.marshal())
	require.NoError(t, err)
	assert.ElementsMatch(t, wire.Dependencies, got.Dependencies)

	roundTripped := got.ToWorkloadSpec()
	assert.Equal(t, spec.InstanceName, roundTripped.InstanceName)
	assert.Equal(t, spec.RuntimeName, roundTripped.RuntimeName)
	assert.Equal(t, spec.RestartPolicy, roundTripped.RestartPolicy)
	assert.Equal(t, spec.Dependencies, roundTripped.Dependencies)
}

func TestToServerRoundTrip(t *testing.T) {
	inner := ToAnkaios{Kind: ToAnkaiosReadState, RequestID: "nginx@req-9"}
	m := ToServer{
		Kind:      ToServerRequest,
		AgentName: "agent_A",
		Request:   inner.Marshal(),
	}
	got, err := UnmarshalToServer(m.Marshal())
	require.NoError(t, err)
	assert.Equal(t, m.Kind, got.Kind)
	assert.Equal(t, m.AgentName, got.AgentName)
	assert.Equal(t, m.Request, got.Request)
}

func TestToServerStatesRoundTrip(t *testing.T) {
	m := ToServer{
		Kind:      ToServerUpdateWorkloadState,
		AgentName: "agent_A",
		States: []WorkloadStateWire{
			ToWorkloadStateWire(types.WorkloadState{
				InstanceName: types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"},
				State:        types.RunningOk(),
			}),
			ToWorkloadStateWire(types.WorkloadState{
				InstanceName: types.WorkloadInstanceName{WorkloadName: "redis", ConfigHash: "h2", AgentName: "agent_A"},
				State:        types.SucceededOk(),
			}),
		},
	}
	got, err := UnmarshalToServer(m.Marshal())
	require.NoError(t, err)
	require.Len(t, got.States, 2)
	assert.Equal(t, m.States, got.States)
}

func TestFromServerUpdateWorkloadRoundTrip(t *testing.T) {
	spec := &types.WorkloadSpec{
		InstanceName: types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "h1", AgentName: "agent_A"},
		RuntimeName:  "podman",
	}
	m := FromServer{
		Kind:    FromServerUpdateWorkload,
		Added:   []WorkloadSpecWire{ToWorkloadSpecWire(spec)},
		Deleted: []string{"redis.h2.agent_A"},
	}
	got, err := UnmarshalFromServer(m.Marshal())
	require.NoError(t, err)
	require.Len(t, got.Added, 1)
	assert.Equal(t, m.Added[0].WorkloadName, got.Added[0].WorkloadName)
	assert.Equal(t, m.Deleted, got.Deleted)
}

func TestFromServerResponseRoundTrip(t *testing.T) {
	inner := FromAnkaios{Kind: FromAnkaiosStateResult, RequestID: "nginx@req-9", StateJSON: []byte(`{}`)}
	m := FromServer{
		Kind:     FromServerResponse,
		Response: inner.Marshal(),
	}
	got, err := UnmarshalFromServer(m.Marshal())
	require.NoError(t, err)
	assert.Equal(t, m.Response, got.Response)

	innerGot, err := UnmarshalFromAnkaios(got.Response)
	require.NoError(t, err)
	assert.Equal(t, inner, innerGot)
}
