package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/metrics"
	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// DependencySet lets the scheduler ask "is instance X a dependency
// target of some other workload the server still knows about, and under
// what DeleteCondition" without owning the full desired-state graph
// itself; the runtime manager supplies it.
type DependencySet interface {
	// DeleteConditionsFor returns every DeleteCondition other known
	// workloads impose on instance, because instance appears in their
	// Dependencies map.
	DeleteConditionsFor(instance types.WorkloadInstanceName) []types.DeleteCondition
}

// Scheduler holds WorkloadOperations whose AddCondition/DeleteCondition
// set is not yet satisfied by the Workload-State Store, admitting them
// once it is. The Start/Stop/background-rescan-loop shape is shared
// with the rest of this agent; the admission algorithm itself is
// dependency-state gating (§4.2), not resource-based placement.
type Scheduler struct {
	store *store.Store
	deps  DependencySet
	log   zerolog.Logger

	mu      sync.Mutex
	waiting []waitingEntry

	readyMu sync.Mutex
	ready   []types.WorkloadOperation

	stopCh chan struct{}
	sub    store.Subscriber
}

type waitingEntry struct {
	op       types.WorkloadOperation
	parkedAt time.Time
}

// New creates a Scheduler over store, consulting deps for delete-side
// dependency checks.
func New(st *store.Store, deps DependencySet) *Scheduler {
	return &Scheduler{
		store:  st,
		deps:   deps,
		log:    log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to store changes and begins the on_state_change
// rescan loop.
func (s *Scheduler) Start() {
	s.sub = s.store.Broker().Subscribe()
	go s.run()
}

// Stop ends the rescan loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.sub:
			s.onStateChange()
		case <-s.stopCh:
			return
		}
	}
}

// Enqueue implements §4.2's enqueue(ops): each operation either becomes
// immediately ready or is parked on the waiting queue with the
// corresponding Pending/Stopping state emitted.
func (s *Scheduler) Enqueue(ops []types.WorkloadOperation) {
	for _, op := range ops {
		s.enqueueOne(op)
	}
	metrics.WaitingQueueDepth.Set(float64(s.waitingLen()))
}

func (s *Scheduler) enqueueOne(op types.WorkloadOperation) {
	switch op.Kind() {
	case types.OpCreate:
		s.enqueueCreate(op)
	case types.OpDelete:
		s.enqueueDelete(op)
	case types.OpUpdate:
		s.enqueueUpdate(op)
	case types.OpUpdateDeleteOnly:
		// I5: never enqueued; always ready.
		s.pushReady(op)
	}
}

func (s *Scheduler) enqueueCreate(op types.WorkloadOperation) {
	spec := op.Spec()
	if spec.HasDependencies() && !s.addConditionsSatisfied(spec) {
		s.park(op)
		s.emitState(spec.InstanceName, types.PendingWaitingToStart())
		return
	}
	s.pushReady(op)
}

func (s *Scheduler) enqueueDelete(op types.WorkloadOperation) {
	instance, _ := op.OldInstance()
	if s.deleteConditionsPending(instance) {
		s.park(op)
		s.emitState(instance, types.StoppingWaitingToStop())
		return
	}
	s.pushReady(op)
}

func (s *Scheduler) enqueueUpdate(op types.WorkloadOperation) {
	old, _ := op.OldInstance()
	spec := op.Spec()

	if s.deleteConditionsPending(old) {
		s.park(op)
		s.emitState(old, types.StoppingWaitingToStop())
		return
	}

	// Split: the delete half is always ready.
	s.pushReady(types.NewUpdateDeleteOnlyOp(old))

	if spec.HasDependencies() && !s.addConditionsSatisfied(spec) {
		s.park(types.NewCreateOp(spec))
		s.emitState(spec.InstanceName, types.PendingWaitingToStart())
		return
	}
	s.pushReady(types.NewUpdateOp(old, spec))
}

func (s *Scheduler) park(op types.WorkloadOperation) {
	s.mu.Lock()
	s.waiting = append(s.waiting, waitingEntry{op: op, parkedAt: time.Now()})
	s.mu.Unlock()
}

func (s *Scheduler) pushReady(op types.WorkloadOperation) {
	s.readyMu.Lock()
	s.ready = append(s.ready, op)
	s.readyMu.Unlock()
	metrics.OperationsAdmittedTotal.WithLabelValues(op.Kind().String()).Inc()
}

func (s *Scheduler) waitingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// DrainReady returns and clears every operation admitted since the last
// call, preserving the order operations were marked ready — callers
// (the runtime manager) execute them in that order within one
// scheduling pass.
func (s *Scheduler) DrainReady() []types.WorkloadOperation {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	out := s.ready
	s.ready = nil
	return out
}

// onStateChange implements §4.2's on_state_change(): rescan the
// WaitingQueue; any entry whose conditions are now satisfied is removed
// and appended to the ready output, preserving insertion order.
func (s *Scheduler) onStateChange() {
	s.mu.Lock()
	var stillWaiting []waitingEntry
	var nowReady []waitingEntry
	for _, entry := range s.waiting {
		if s.isSatisfied(entry.op) {
			nowReady = append(nowReady, entry)
		} else {
			stillWaiting = append(stillWaiting, entry)
		}
	}
	s.waiting = stillWaiting
	s.mu.Unlock()

	for _, entry := range nowReady {
		metrics.SchedulingLatency.Observe(time.Since(entry.parkedAt).Seconds())
		s.pushReady(entry.op)
	}
	metrics.WaitingQueueDepth.Set(float64(s.waitingLen()))
}

func (s *Scheduler) isSatisfied(op types.WorkloadOperation) bool {
	switch op.Kind() {
	case types.OpCreate:
		return s.addConditionsSatisfied(op.Spec())
	case types.OpDelete:
		instance, _ := op.OldInstance()
		return !s.deleteConditionsPending(instance)
	case types.OpUpdate:
		old, _ := op.OldInstance()
		return !s.deleteConditionsPending(old) && s.addConditionsSatisfied(op.Spec())
	default:
		return true
	}
}

// addConditionsSatisfied implements §4.2's satisfaction table for
// AddCondition.
func (s *Scheduler) addConditionsSatisfied(spec *types.WorkloadSpec) bool {
	for dep, cond := range spec.Dependencies {
		ws, ok := s.store.GetByName(spec.InstanceName.AgentName, dep)
		if !ok {
			// Absent state means Removed: satisfies no AddCondition.
			return false
		}
		if !addConditionSatisfiedBy(cond, ws.State) {
			return false
		}
	}
	return true
}

func addConditionSatisfiedBy(cond types.AddCondition, state types.ExecutionState) bool {
	switch cond {
	case types.AddConditionRunning:
		return state.Equal(types.RunningOk())
	case types.AddConditionSucceeded:
		return state.Equal(types.SucceededOk())
	case types.AddConditionFailed:
		return state.Kind == types.StateFailed && state.SubState == types.SubFailedExecFailed
	default:
		return false
	}
}

// deleteConditionsPending reports whether instance still has at least
// one unmet DeleteCondition imposed on it by another workload the server
// still knows about.
func (s *Scheduler) deleteConditionsPending(instance types.WorkloadInstanceName) bool {
	conds := s.deps.DeleteConditionsFor(instance)
	if len(conds) == 0 {
		return false
	}

	ws, ok := s.store.Get(instance)
	var state types.ExecutionState
	if ok {
		state = ws.State
	}
	// Absence (Removed) satisfies any DeleteCondition.
	if !ok {
		return false
	}

	for _, cond := range conds {
		if !deleteConditionSatisfiedBy(cond, state) {
			return true
		}
	}
	return false
}

func deleteConditionSatisfiedBy(cond types.DeleteCondition, state types.ExecutionState) bool {
	// Pending(WaitingToStart) counts as satisfying any DeleteCondition to
	// break potential deadlocks between mutually-waiting workloads.
	if state.Kind == types.StatePending && state.SubState == types.SubPendingWaitingToStart {
		return true
	}
	switch cond {
	case types.DeleteConditionNotPendingNorRunning:
		if state.Kind == types.StatePending {
			return false
		}
		if state.Equal(types.RunningOk()) {
			return false
		}
		return true
	case types.DeleteConditionRunning:
		return state.Equal(types.RunningOk())
	default:
		return false
	}
}

func (s *Scheduler) emitState(instance types.WorkloadInstanceName, state types.ExecutionState) {
	s.store.Set(types.WorkloadState{InstanceName: instance, State: state})
	metrics.WorkloadStateTransitionsTotal.WithLabelValues(string(state.Kind)).Inc()
	s.log.Debug().Str("instance", instance.String()).Str("state", state.String()).Msg("scheduler emitted state")
}
