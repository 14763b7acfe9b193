// Package workload implements the Workload Control Loop (WCL, §4.3): a
// single-consumer command queue per live workload instance that drives
// its runtime connector through create/update/delete/retry/resume,
// enforces restart policy, and forwards observed states to whoever owns
// the Workload-State Store.
//
// The command-processing goroutine shape (one loop, commands processed
// off a channel in FIFO order) is the same single-consumer idiom used
// elsewhere in this agent, here scoped to one loop per workload instance
// rather than one per node.
package workload

import (
	"context"
	"io"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ankaios-agent/pkg/files"
	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/metrics"
	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// StateSink receives every WorkloadState the loop emits, so the owner
// can write it to the store and notify the scheduler/Agent Manager.
type StateSink func(types.WorkloadState)

// ControlInterfaceRegistry registers and tears down a workload's
// control-interface session with the gateway. Satisfied by
// *gateway.Gateway; kept as a narrow interface so this package doesn't
// depend on pkg/gateway.
type ControlInterfaceRegistry interface {
	Register(instanceName string, access *types.ControlInterfaceAccess, output io.ReadCloser, input io.WriteCloser)
	Unregister(instanceName string)
}

// Loop is one Workload Control Loop instance (I1: at most one live Loop
// per WorkloadInstanceName).
type Loop struct {
	connector    runtime.Connector
	filesCreator *files.Creator
	agentName    types.AgentName
	gateway      ControlInterfaceRegistry
	emit         StateSink
	log          zerolog.Logger

	instance types.WorkloadInstanceName
	spec     *types.WorkloadSpec

	id      string
	checker runtime.StateCheckerHandle
	running bool

	ciRegistered bool

	retryGeneration uint64
	retryAttempt    int

	cmds       chan command
	checkerCh  chan types.WorkloadState
	done       chan struct{}
	cancelFunc context.CancelFunc
}

type command interface{ isCommand() }

type createCmd struct{ spec *types.WorkloadSpec }
type resumeCmd struct{ spec *types.WorkloadSpec }
type updateCmd struct {
	oldInstance types.WorkloadInstanceName
	newSpec     *types.WorkloadSpec
}
type updateDeleteOnlyCmd struct{ instance types.WorkloadInstanceName }
type deleteCmd struct{}
type retryCmd struct{ generation uint64 }
type restartCmd struct{}
type startLogFetcherCmd struct {
	opts   runtime.LogFetcherOptions
	result chan<- logFetcherResult
}

type logFetcherResult struct {
	stdout, stderr io.ReadCloser
	err            error
}

func (createCmd) isCommand()           {}
func (resumeCmd) isCommand()           {}
func (updateCmd) isCommand()           {}
func (updateDeleteOnlyCmd) isCommand() {}
func (deleteCmd) isCommand()           {}
func (retryCmd) isCommand()            {}
func (restartCmd) isCommand()          {}
func (startLogFetcherCmd) isCommand()  {}

// New creates a Loop for instance, not yet started. gw may be nil, in
// which case the loop never opens a control-interface session even for
// specs that configure ControlAccess.
func New(connector runtime.Connector, filesCreator *files.Creator, instance types.WorkloadInstanceName, agentName types.AgentName, gw ControlInterfaceRegistry, emit StateSink) *Loop {
	return &Loop{
		connector:    connector,
		filesCreator: filesCreator,
		agentName:    agentName,
		gateway:      gw,
		emit:         emit,
		instance:     instance,
		log:          log.WithWorkload(instance.String()),
		cmds:         make(chan command, 8),
		checkerCh:    make(chan types.WorkloadState, 8),
		done:         make(chan struct{}),
	}
}

// Start launches the loop's goroutine. Callers submit the first command
// (SubmitCreate/SubmitResume/SubmitUpdate) immediately afterward.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancelFunc = cancel
	go l.run(ctx)
}

// Cancel stops the loop immediately without running any delete logic,
// used only when the owner itself is shutting down.
func (l *Loop) Cancel() {
	if l.cancelFunc != nil {
		l.cancelFunc()
	}
}

// Stopped reports whether the loop has fully terminated (after a
// successful Delete).
func (l *Loop) Stopped() <-chan struct{} { return l.done }

func (l *Loop) submit(c command) {
	select {
	case l.cmds <- c:
	case <-l.done:
	}
}

// SubmitCreate enqueues A→C.
func (l *Loop) SubmitCreate(spec *types.WorkloadSpec) { l.submit(createCmd{spec: spec}) }

// SubmitResume enqueues a resume attempt over an already-running id.
func (l *Loop) SubmitResume(spec *types.WorkloadSpec) { l.submit(resumeCmd{spec: spec}) }

// SubmitUpdate enqueues R→U.
func (l *Loop) SubmitUpdate(old types.WorkloadInstanceName, newSpec *types.WorkloadSpec) {
	l.submit(updateCmd{oldInstance: old, newSpec: newSpec})
}

// SubmitUpdateDeleteOnly enqueues just the delete half of a split
// Update (I5: never parked, always executed directly).
func (l *Loop) SubmitUpdateDeleteOnly(instance types.WorkloadInstanceName) {
	l.submit(updateDeleteOnlyCmd{instance: instance})
}

// SubmitDelete enqueues R→D.
func (l *Loop) SubmitDelete() { l.submit(deleteCmd{}) }

// SubmitStartLogFetcher asks the connector for a log stream without
// disturbing the loop's lifecycle.
func (l *Loop) SubmitStartLogFetcher(opts runtime.LogFetcherOptions) (io.ReadCloser, io.ReadCloser, error) {
	resultCh := make(chan logFetcherResult, 1)
	l.submit(startLogFetcherCmd{opts: opts, result: resultCh})
	res := <-resultCh
	return res.stdout, res.stderr, res.err
}

// run is the loop's single consumer: it processes commands off cmds in
// FIFO order and observed states off checkerCh, exactly as they arrive.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ws := <-l.checkerCh:
			l.handleObservedState(ws)
		case cmd := <-l.cmds:
			if l.handleCommand(ctx, cmd) {
				return
			}
		}
	}
}

func (l *Loop) handleCommand(ctx context.Context, cmd command) (terminate bool) {
	switch c := cmd.(type) {
	case createCmd:
		l.doCreate(ctx, c.spec, "")
	case resumeCmd:
		l.doResume(ctx, c.spec)
	case updateCmd:
		l.doUpdate(ctx, c.oldInstance, c.newSpec)
	case updateDeleteOnlyCmd:
		l.doDelete(ctx, true)
	case deleteCmd:
		return l.doDelete(ctx, false)
	case retryCmd:
		if c.generation != l.retryGeneration {
			return false // stale retry, superseded by an Update/Delete
		}
		l.doCreate(ctx, l.spec, "")
	case restartCmd:
		l.doUpdate(ctx, l.instance, l.spec)
	case startLogFetcherCmd:
		l.doStartLogFetcher(ctx, c)
	}
	return false
}

// doCreate implements A→C.
func (l *Loop) doCreate(ctx context.Context, spec *types.WorkloadSpec, existingID string) {
	l.spec = spec
	l.instance = spec.InstanceName
	l.emitState(types.PendingStarting("Triggered at runtime."))

	var mappings []runtime.HostFileMapping
	if len(spec.Files) > 0 {
		var err error
		mappings, err = l.filesCreator.Create(spec.InstanceName, spec.Files)
		if err != nil {
			_ = l.filesCreator.Cleanup(spec.InstanceName)
			l.emitState(types.PendingStartingFailed(err.Error()))
			return
		}
	}

	// §4.6: a control-interface FIFO pair is materialized and mounted
	// into the workload iff it configures ControlAccess.
	var ciOutput io.ReadCloser
	var ciInput io.WriteCloser
	if spec.ControlAccess != nil {
		var ciMappings []runtime.HostFileMapping
		var err error
		ciOutput, ciInput, ciMappings, err = l.filesCreator.CreateControlInterface(l.agentName, spec.InstanceName)
		if err != nil {
			_ = l.filesCreator.Cleanup(spec.InstanceName)
			l.emitState(types.PendingStartingFailed(err.Error()))
			return
		}
		mappings = append(mappings, ciMappings...)
	}

	timer := metrics.NewTimer()
	id, err := l.connector.Create(ctx, spec, mappings, existingID)
	timer.ObserveDurationVec(metrics.RuntimeOperationDuration, string(spec.RuntimeName), "create")
	if err != nil {
		_ = l.filesCreator.Cleanup(spec.InstanceName)
		if ciOutput != nil {
			_ = ciOutput.Close()
			_ = ciInput.Close()
			_ = l.filesCreator.CleanupControlInterface(l.agentName, spec.InstanceName)
		}
		l.handleCreateFailure(ctx, err)
		return
	}

	if ciOutput != nil {
		if l.gateway != nil {
			l.gateway.Register(spec.InstanceName.String(), spec.ControlAccess, ciOutput, ciInput)
			l.ciRegistered = true
		} else {
			_ = ciOutput.Close()
			_ = ciInput.Close()
		}
	}

	l.startRunning(ctx, id, spec.InstanceName)
}

func (l *Loop) handleCreateFailure(ctx context.Context, err error) {
	var rerr *types.RuntimeError
	if asRuntimeError(err, &rerr) && rerr.Kind == types.RuntimeUnsupported {
		l.emitState(types.PendingStartingFailed(err.Error()))
		return
	}

	l.retryAttempt++
	l.retryGeneration++
	gen := l.retryGeneration
	delay := backoffWithJitter(l.retryAttempt)
	metrics.CreateRetriesTotal.WithLabelValues(string(l.instance.WorkloadName)).Inc()
	metrics.RetryBackoffSeconds.Observe(delay.Seconds())
	l.emitState(types.PendingStarting("retry " + strconv.Itoa(l.retryAttempt) + ": " + err.Error()))

	go func() {
		select {
		case <-time.After(delay):
			l.submit(retryCmd{generation: gen})
		case <-ctx.Done():
		}
	}()
}

func asRuntimeError(err error, out **types.RuntimeError) bool {
	if re, ok := err.(*types.RuntimeError); ok {
		*out = re
		return true
	}
	return false
}

func (l *Loop) startRunning(ctx context.Context, id string, instance types.WorkloadInstanceName) {
	l.id = id
	l.running = true
	l.retryAttempt = 0
	l.checker = l.connector.StartStateChecker(ctx, id, instance, l.checkerCh)
}

// doResume implements the Resume command.
func (l *Loop) doResume(ctx context.Context, spec *types.WorkloadSpec) {
	l.spec = spec
	l.instance = spec.InstanceName
	id, err := l.connector.GetID(ctx, spec.InstanceName)
	if err != nil || id == "" {
		l.doCreate(ctx, spec, "")
		return
	}
	l.startRunning(ctx, id, spec.InstanceName)
}

// doUpdate implements R→U: an internal delete of the old instance
// followed by an internal create of the new one. Either half failing
// leaves the loop in A so later commands can retry.
func (l *Loop) doUpdate(ctx context.Context, old types.WorkloadInstanceName, newSpec *types.WorkloadSpec) {
	l.retryAttempt = 0
	l.retryGeneration++

	if l.running {
		l.emitState(types.StoppingRequestedAtRuntime())
		timer := metrics.NewTimer()
		err := l.connector.Delete(ctx, l.id)
		runtimeName := ""
		if l.spec != nil {
			runtimeName = string(l.spec.RuntimeName)
		}
		timer.ObserveDurationVec(metrics.RuntimeOperationDuration, runtimeName, "delete")
		if err != nil {
			l.log.Warn().Err(err).Msg("update: delete of old instance failed, continuing")
		}
		if l.checker != nil {
			l.checker.Stop()
			l.checker = nil
		}
		l.running = false
	}
	l.teardownControlInterface(old)
	_ = l.filesCreator.Cleanup(old)
	if old.DirName() != newSpec.InstanceName.DirName() {
		_ = l.filesCreator.CleanupInstanceDir(old)
	}

	l.doCreate(ctx, newSpec, "")
}

// doDelete implements R→D. deleteOnly is true when invoked as the
// always-ready half of a split Update (UpdateDeleteOnly); in that case
// the loop does not terminate afterward.
func (l *Loop) doDelete(ctx context.Context, deleteOnly bool) (terminate bool) {
	if !l.running {
		if !deleteOnly {
			l.finishDelete(ctx)
			return true
		}
		return false
	}

	l.emitState(types.StoppingRequestedAtRuntime())
	timer := metrics.NewTimer()
	err := l.connector.Delete(ctx, l.id)
	runtimeName := ""
	if l.spec != nil {
		runtimeName = string(l.spec.RuntimeName)
	}
	timer.ObserveDurationVec(metrics.RuntimeOperationDuration, runtimeName, "delete")
	if l.checker != nil {
		l.checker.Stop()
		l.checker = nil
	}
	l.running = false
	l.teardownControlInterface(l.instance)

	if err != nil {
		l.log.Warn().Err(err).Msg("delete failed")
		l.emitState(types.StoppingDeleteFailed(err.Error()))
		return false
	}

	if !deleteOnly {
		l.finishDelete(ctx)
		return true
	}
	return false
}

// finishDelete emits Removed explicitly (the checker may have been torn
// down before its own last observation was delivered) and cleans up the
// instance directory. Removed has no struct representation (§3); a zero
// ExecutionState here is the sink's signal to call store.Remove instead
// of store.Set.
func (l *Loop) finishDelete(ctx context.Context) {
	l.emit(types.WorkloadState{InstanceName: l.instance, State: types.ExecutionState{}})
	_ = l.filesCreator.CleanupInstanceDir(l.instance)
}

func (l *Loop) doStartLogFetcher(ctx context.Context, c startLogFetcherCmd) {
	if !l.running {
		c.result <- logFetcherResult{err: &types.RuntimeError{Kind: types.RuntimeOther, Op: "get_log_fetcher"}}
		return
	}
	stdout, stderr, err := l.connector.GetLogFetcher(ctx, l.id, c.opts)
	c.result <- logFetcherResult{stdout: stdout, stderr: stderr, err: err}
}

// handleObservedState implements I2 (ignore states for any other
// instance) and restart-policy enforcement on Succeeded/Failed.
func (l *Loop) handleObservedState(ws types.WorkloadState) {
	if !ws.InstanceName.Equal(l.instance) {
		return
	}
	l.emit(ws)

	if l.spec == nil {
		return
	}
	switch l.spec.RestartPolicy {
	case types.RestartAlways:
		if ws.State.Equal(types.SucceededOk()) || ws.State.Kind == types.StateFailed && ws.State.SubState == types.SubFailedExecFailed {
			metrics.RestartsTotal.WithLabelValues(string(l.instance.WorkloadName), string(l.spec.RestartPolicy)).Inc()
			l.submit(restartCmd{})
		}
	case types.RestartOnFailure:
		if ws.State.Kind == types.StateFailed && ws.State.SubState == types.SubFailedExecFailed {
			metrics.RestartsTotal.WithLabelValues(string(l.instance.WorkloadName), string(l.spec.RestartPolicy)).Inc()
			l.submit(restartCmd{})
		}
	}
}

// teardownControlInterface unregisters instance's control-interface
// session, if one is open, and removes its FIFO session directory.
func (l *Loop) teardownControlInterface(instance types.WorkloadInstanceName) {
	if !l.ciRegistered {
		return
	}
	if l.gateway != nil {
		l.gateway.Unregister(instance.String())
	}
	_ = l.filesCreator.CleanupControlInterface(l.agentName, instance)
	l.ciRegistered = false
}

func (l *Loop) emitState(state types.ExecutionState) {
	l.emit(types.WorkloadState{InstanceName: l.instance, State: state})
	metrics.WorkloadStateTransitionsTotal.WithLabelValues(string(state.Kind)).Inc()
}

// backoffWithJitter returns the delay before retry attempt n (1-based),
// exponential with full jitter, capped at retryMaxDelay.
func backoffWithJitter(attempt int) time.Duration {
	exp := retryBaseDelay * time.Duration(1<<minInt(attempt-1, 16))
	if exp > retryMaxDelay || exp <= 0 {
		exp = retryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

