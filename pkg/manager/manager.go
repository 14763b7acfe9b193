package manager

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/ankaios-agent/pkg/files"
	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/scheduler"
	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
	"github.com/cuemby/ankaios-agent/pkg/workload"
)

// Config configures a Manager.
type Config struct {
	AgentName types.AgentName
	RunDir    string
}

// Manager is the Runtime Manager (§4.4): it owns every live Workload
// Control Loop, turns server UpdateWorkload messages into scheduler
// input, executes the operations the scheduler admits, and reconciles
// whatever the connectors already have running at startup.
type Manager struct {
	agentName types.AgentName
	gateway   workload.ControlInterfaceRegistry

	connectors   map[types.RuntimeName]runtime.Connector
	filesCreator *files.Creator
	store        *store.Store
	scheduler    *scheduler.Scheduler

	mu      sync.Mutex
	loops   map[types.WorkloadInstanceName]*workload.Loop
	desired map[types.WorkloadName]*types.WorkloadSpec

	log zerolog.Logger
}

// New creates a Manager. RegisterConnector must be called for every
// runtime the agent supports before Reconcile/HandleUpdate run.
func New(cfg Config, st *store.Store) *Manager {
	m := &Manager{
		agentName:    cfg.AgentName,
		connectors:   make(map[types.RuntimeName]runtime.Connector),
		filesCreator: files.NewCreator(cfg.RunDir),
		store:        st,
		loops:        make(map[types.WorkloadInstanceName]*workload.Loop),
		desired:      make(map[types.WorkloadName]*types.WorkloadSpec),
		log:          log.WithComponent("manager"),
	}
	m.scheduler = scheduler.New(st, m)
	return m
}

// RegisterConnector adds a runtime backend the manager can create
// workloads against.
func (m *Manager) RegisterConnector(c runtime.Connector) {
	m.connectors[c.Name()] = c
}

// SetGateway wires the Control-Interface Gateway every Loop the manager
// creates from here on registers its FIFO sessions with. Must be called
// before the first Create/Update/Reconcile for workloads that configure
// ControlAccess to actually get a live session.
func (m *Manager) SetGateway(gw workload.ControlInterfaceRegistry) {
	m.gateway = gw
}

// Start begins the scheduler's background rescan loop.
func (m *Manager) Start() { m.scheduler.Start() }

// Stop ends the scheduler's background rescan loop.
func (m *Manager) Stop() { m.scheduler.Stop() }

// DeleteConditionsFor implements scheduler.DependencySet: every other
// desired workload that names instance.WorkloadName as a dependency
// imposes a DeleteCondition on it. A dependency's AddCondition implies
// its DeleteCondition: RUNNING implies the dependent still needs
// instance Running, everything else implies NotPendingNorRunning.
func (m *Manager) DeleteConditionsFor(instance types.WorkloadInstanceName) []types.DeleteCondition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.DeleteCondition
	for _, spec := range m.desired {
		cond, ok := spec.Dependencies[instance.WorkloadName]
		if !ok {
			continue
		}
		if cond == types.AddConditionRunning {
			out = append(out, types.DeleteConditionRunning)
		} else {
			out = append(out, types.DeleteConditionNotPendingNorRunning)
		}
	}
	return out
}

// stateSink is handed to every Loop; it applies hysteresis (§4.4),
// writes to the store (or removes, realizing Removed-as-absence), and
// lets the store's broker drive the scheduler's on_state_change.
func (m *Manager) stateSink(ws types.WorkloadState) {
	if ws.State.Kind == "" {
		m.store.Remove(ws.InstanceName)
		return
	}
	if current, ok := m.store.Get(ws.InstanceName); ok && hysteresisBlocks(current.State, ws.State) {
		m.log.Debug().Str("instance", ws.InstanceName.String()).
			Str("from", current.State.String()).Str("to", ws.State.String()).
			Msg("hysteresis: dropping stale transition")
		return
	}
	m.store.Set(ws)
}

// hysteresisBlocks reports whether a transition from current to next
// should be dropped: a Stopping state initiated locally (Delete/Update)
// must never be overwritten by a stale Running a checker observed
// before the delete took effect.
func hysteresisBlocks(current, next types.ExecutionState) bool {
	return current.Kind == types.StateStopping && next.Equal(types.RunningOk())
}

func (m *Manager) dropLoop(instance types.WorkloadInstanceName) {
	m.mu.Lock()
	delete(m.loops, instance)
	m.mu.Unlock()
}

// ExecuteReady drains the scheduler's ready list and dispatches each
// operation to the owning Loop, creating loops as needed (§4.2/§4.4:
// "ready operations are executed in the order emitted").
func (m *Manager) ExecuteReady(ctx context.Context) {
	for _, op := range m.scheduler.DrainReady() {
		m.execute(ctx, op)
	}
}

func (m *Manager) execute(ctx context.Context, op types.WorkloadOperation) {
	switch op.Kind() {
	case types.OpCreate:
		spec := op.Spec()
		connector, ok := m.connectors[spec.RuntimeName]
		if !ok {
			m.log.Warn().Str("runtime", string(spec.RuntimeName)).Msg("unsupported runtime, cannot create")
			m.store.Set(types.WorkloadState{InstanceName: spec.InstanceName, State: types.PendingStartingFailed("unsupported runtime")})
			return
		}
		m.mu.Lock()
		m.desired[spec.InstanceName.WorkloadName] = spec
		l, exists := m.loops[spec.InstanceName]
		if !exists {
			l = workload.New(connector, m.filesCreator, spec.InstanceName, m.agentName, m.gateway, m.stateSink)
			m.loops[spec.InstanceName] = l
			l.Start(ctx)
		}
		m.mu.Unlock()
		l.SubmitCreate(spec)

	case types.OpUpdate:
		old, _ := op.OldInstance()
		spec := op.Spec()
		m.mu.Lock()
		m.desired[spec.InstanceName.WorkloadName] = spec
		l, exists := m.loops[old]
		if !exists {
			connector := m.connectors[spec.RuntimeName]
			l = workload.New(connector, m.filesCreator, old, m.agentName, m.gateway, m.stateSink)
			l.Start(ctx)
		}
		delete(m.loops, old)
		m.loops[spec.InstanceName] = l
		m.mu.Unlock()
		l.SubmitUpdate(old, spec)

	case types.OpUpdateDeleteOnly:
		instance, _ := op.OldInstance()
		if l := m.existingLoop(instance); l != nil {
			l.SubmitUpdateDeleteOnly(instance)
		}

	case types.OpDelete:
		instance, _ := op.OldInstance()
		m.mu.Lock()
		delete(m.desired, instance.WorkloadName)
		m.mu.Unlock()
		if l := m.existingLoop(instance); l != nil {
			l.SubmitDelete()
			go func() {
				<-l.Stopped()
				m.dropLoop(instance)
			}()
		} else {
			m.store.Remove(instance)
		}
	}
}

func (m *Manager) existingLoop(instance types.WorkloadInstanceName) *workload.Loop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loops[instance]
}

// LoopFor returns the live loop managing name's current instance, for
// the Log Facade's StartLogFetcher routing (§4.7).
func (m *Manager) LoopFor(name types.WorkloadName) (*workload.Loop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.desired[name]
	if !ok {
		return nil, false
	}
	l, ok := m.loops[spec.InstanceName]
	return l, ok
}

// HandleUpdate implements the subsequent-UpdateWorkload half of §4.4:
// deletions before additions, a name appearing in both collapsed into a
// single Update.
func (m *Manager) HandleUpdate(ctx context.Context, added []*types.WorkloadSpec, deleted []types.WorkloadInstanceName) {
	addedByName := make(map[types.WorkloadName]*types.WorkloadSpec, len(added))
	for _, spec := range added {
		addedByName[spec.InstanceName.WorkloadName] = spec
	}

	var ops []types.WorkloadOperation
	handledNames := make(map[types.WorkloadName]bool)

	for _, del := range deleted {
		if newSpec, ok := addedByName[del.WorkloadName]; ok {
			ops = append(ops, types.NewUpdateOp(del, newSpec))
			handledNames[del.WorkloadName] = true
		} else {
			ops = append(ops, types.NewDeleteOp(del))
		}
	}
	for _, spec := range added {
		if !handledNames[spec.InstanceName.WorkloadName] {
			ops = append(ops, types.NewCreateOp(spec))
		}
	}

	m.scheduler.Enqueue(ops)
	m.ExecuteReady(ctx)
}

// Reconcile implements the initial-UpdateWorkload reconciliation of
// §4.4: compare every connector's list_reusable output against the
// desired list and converge.
func (m *Manager) Reconcile(ctx context.Context, desired []*types.WorkloadSpec) {
	desiredByName := make(map[types.WorkloadName]*types.WorkloadSpec, len(desired))
	for _, spec := range desired {
		desiredByName[spec.InstanceName.WorkloadName] = spec
	}

	type reusable struct {
		instance  types.WorkloadInstanceName
		connector runtime.Connector
	}
	found := make(map[types.WorkloadName]reusable)
	for _, connector := range m.connectors {
		instances, err := connector.ListReusable(ctx, m.agentName)
		if err != nil {
			m.log.Warn().Err(err).Str("runtime", string(connector.Name())).Msg("list_reusable failed, assuming none found")
			continue
		}
		for _, inst := range instances {
			found[inst.WorkloadName] = reusable{instance: inst, connector: connector}
		}
	}

	var createOps []types.WorkloadOperation
	for name, spec := range desiredByName {
		r, isFound := found[name]
		switch {
		case !isFound:
			createOps = append(createOps, types.NewCreateOp(spec))
		case r.instance.Equal(spec.InstanceName):
			m.resume(ctx, spec)
		default:
			// Changed identity across downtime: treat as Update with an
			// unconditional delete half (prior delete dependencies are
			// unknown after a restart).
			l := workload.New(r.connector, m.filesCreator, r.instance, m.agentName, m.gateway, m.stateSink)
			m.mu.Lock()
			m.loops[spec.InstanceName] = l
			m.desired[name] = spec
			m.mu.Unlock()
			l.Start(ctx)
			l.SubmitUpdate(r.instance, spec)
		}
	}

	for name, r := range found {
		if _, stillDesired := desiredByName[name]; stillDesired {
			continue
		}
		if id, err := r.connector.GetID(ctx, r.instance); err == nil && id != "" {
			_ = r.connector.Delete(ctx, id)
		}
	}

	m.scheduler.Enqueue(createOps)
	m.ExecuteReady(ctx)
}

func (m *Manager) resume(ctx context.Context, spec *types.WorkloadSpec) {
	connector := m.connectors[spec.RuntimeName]
	m.mu.Lock()
	m.desired[spec.InstanceName.WorkloadName] = spec
	l := workload.New(connector, m.filesCreator, spec.InstanceName, m.agentName, m.gateway, m.stateSink)
	m.loops[spec.InstanceName] = l
	m.mu.Unlock()
	l.Start(ctx)
	l.SubmitResume(spec)
}
