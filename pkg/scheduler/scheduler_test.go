package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

type fakeDeps struct {
	conds map[types.WorkloadInstanceName][]types.DeleteCondition
}

func (f *fakeDeps) DeleteConditionsFor(instance types.WorkloadInstanceName) []types.DeleteCondition {
	return f.conds[instance]
}

func instanceFor(name string) types.WorkloadInstanceName {
	return types.WorkloadInstanceName{WorkloadName: types.WorkloadName(name), ConfigHash: "h", AgentName: "agent_A"}
}

func TestEnqueueCreateNoDependenciesIsImmediatelyReady(t *testing.T) {
	st := store.New()
	sch := New(st, &fakeDeps{})

	spec := &types.WorkloadSpec{InstanceName: instanceFor("nginx")}
	sch.Enqueue([]types.WorkloadOperation{types.NewCreateOp(spec)})

	ready := sch.DrainReady()
	require.Len(t, ready, 1)
	assert.Equal(t, types.OpCreate, ready[0].Kind())
}

func TestEnqueueCreateUnmetDependencyWaits(t *testing.T) {
	st := store.New()
	sch := New(st, &fakeDeps{})

	spec := &types.WorkloadSpec{
		InstanceName: instanceFor("web"),
		Dependencies: map[types.WorkloadName]types.AddCondition{"db": types.AddConditionRunning},
	}
	sch.Enqueue([]types.WorkloadOperation{types.NewCreateOp(spec)})

	assert.Empty(t, sch.DrainReady())

	ws, ok := st.Get(spec.InstanceName)
	require.True(t, ok)
	assert.Equal(t, types.StatePending, ws.State.Kind)
	assert.Equal(t, types.SubPendingWaitingToStart, ws.State.SubState)
}

func TestOnStateChangePromotesSatisfiedWaiters(t *testing.T) {
	st := store.New()
	sch := New(st, &fakeDeps{})
	sch.Start()
	defer sch.Stop()

	spec := &types.WorkloadSpec{
		InstanceName: instanceFor("web"),
		Dependencies: map[types.WorkloadName]types.AddCondition{"db": types.AddConditionRunning},
	}
	sch.Enqueue([]types.WorkloadOperation{types.NewCreateOp(spec)})
	require.Empty(t, sch.DrainReady())

	dbInstance := types.WorkloadInstanceName{WorkloadName: "db", ConfigHash: "h", AgentName: "agent_A"}
	st.Set(types.WorkloadState{InstanceName: dbInstance, State: types.RunningOk()})

	require.Eventually(t, func() bool {
		return len(sch.DrainReady()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEnqueueDeleteWithPendingConditionWaits(t *testing.T) {
	st := store.New()
	target := instanceFor("db")
	deps := &fakeDeps{conds: map[types.WorkloadInstanceName][]types.DeleteCondition{
		target: {types.DeleteConditionNotPendingNorRunning},
	}}
	sch := New(st, deps)

	st.Set(types.WorkloadState{InstanceName: target, State: types.RunningOk()})
	sch.Enqueue([]types.WorkloadOperation{types.NewDeleteOp(target)})

	assert.Empty(t, sch.DrainReady())
	ws, ok := st.Get(target)
	require.True(t, ok)
	assert.Equal(t, types.StateStopping, ws.State.Kind)
}

func TestEnqueueDeleteSatisfiedByWaitingToStart(t *testing.T) {
	st := store.New()
	target := instanceFor("db")
	deps := &fakeDeps{conds: map[types.WorkloadInstanceName][]types.DeleteCondition{
		target: {types.DeleteConditionRunning},
	}}
	sch := New(st, deps)

	st.Set(types.WorkloadState{InstanceName: target, State: types.PendingWaitingToStart()})
	sch.Enqueue([]types.WorkloadOperation{types.NewDeleteOp(target)})

	ready := sch.DrainReady()
	assert.Len(t, ready, 1)
}

func TestUpdateParkedOnPendingDeleteConditionStaysParkedUntilResolved(t *testing.T) {
	st := store.New()
	old := instanceFor("db")
	deps := &fakeDeps{conds: map[types.WorkloadInstanceName][]types.DeleteCondition{
		old: {types.DeleteConditionNotPendingNorRunning},
	}}
	sch := New(st, deps)
	sch.Start()
	defer sch.Stop()

	st.Set(types.WorkloadState{InstanceName: old, State: types.RunningOk()})
	newSpec := &types.WorkloadSpec{InstanceName: old}
	sch.Enqueue([]types.WorkloadOperation{types.NewUpdateOp(old, newSpec)})

	// Parked as a whole Update (not split): old's DeleteCondition is
	// still pending, so neither half may run yet.
	require.Empty(t, sch.DrainReady())

	// An unrelated state write anywhere in the agent must not promote
	// this Update: it stays parked until old itself clears.
	other := instanceFor("unrelated")
	st.Set(types.WorkloadState{InstanceName: other, State: types.RunningOk()})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, sch.DrainReady())

	// Once old is no longer Pending/Running, the parked Update is
	// promoted.
	st.Set(types.WorkloadState{InstanceName: old, State: types.SucceededOk()})
	require.Eventually(t, func() bool {
		ready := sch.DrainReady()
		return len(ready) == 1 && ready[0].Kind() == types.OpUpdate
	}, time.Second, 10*time.Millisecond)
}

func TestUpdateSplitsIntoDeleteAndCreateHalves(t *testing.T) {
	st := store.New()
	sch := New(st, &fakeDeps{})

	old := instanceFor("web")
	newSpec := &types.WorkloadSpec{InstanceName: instanceFor("web")}
	sch.Enqueue([]types.WorkloadOperation{types.NewUpdateOp(old, newSpec)})

	ready := sch.DrainReady()
	require.Len(t, ready, 2)
	assert.Equal(t, types.OpUpdateDeleteOnly, ready[0].Kind())
	assert.Equal(t, types.OpUpdate, ready[1].Kind())
}
