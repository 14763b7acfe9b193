package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

func testInstance() types.WorkloadInstanceName {
	return types.WorkloadInstanceName{WorkloadName: "nginx", ConfigHash: "abc123", AgentName: "agent_A"}
}

func TestSetAndGet(t *testing.T) {
	s := New()
	inst := testInstance()

	_, ok := s.Get(inst)
	assert.False(t, ok, "absence means Removed")

	s.Set(types.WorkloadState{InstanceName: inst, State: types.RunningOk(), ObservedAt: time.Now()})

	got, ok := s.Get(inst)
	require.True(t, ok)
	assert.Equal(t, types.StateRunning, got.State.Kind)
}

func TestRemoveDeletesEntry(t *testing.T) {
	s := New()
	inst := testInstance()
	s.Set(types.WorkloadState{InstanceName: inst, State: types.RunningOk()})

	s.Remove(inst)

	_, ok := s.Get(inst)
	assert.False(t, ok)
}

func TestGetByNameIgnoresConfigHash(t *testing.T) {
	s := New()
	inst := testInstance()
	s.Set(types.WorkloadState{InstanceName: inst, State: types.SucceededOk()})

	got, ok := s.GetByName(inst.AgentName, inst.WorkloadName)
	require.True(t, ok)
	assert.Equal(t, types.StateSucceeded, got.State.Kind)
}

func TestBrokerNotifiesOnWrite(t *testing.T) {
	s := New()
	defer s.Broker().Stop()
	sub := s.Broker().Subscribe()
	defer s.Broker().Unsubscribe(sub)

	inst := testInstance()
	s.Set(types.WorkloadState{InstanceName: inst, State: types.RunningOk()})

	select {
	case evt := <-sub:
		assert.Equal(t, inst, evt.Instance)
	case <-time.After(time.Second):
		t.Fatal("expected a store-change notification")
	}
}

func TestSnapshotReturnsAllEntries(t *testing.T) {
	s := New()
	a := testInstance()
	b := types.WorkloadInstanceName{WorkloadName: "redis", ConfigHash: "def456", AgentName: "agent_A"}
	s.Set(types.WorkloadState{InstanceName: a, State: types.RunningOk()})
	s.Set(types.WorkloadState{InstanceName: b, State: types.PendingInitial()})

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
}
