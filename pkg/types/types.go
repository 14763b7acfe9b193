package types

import (
	"fmt"
	"regexp"
	"time"
)

// nameCharset matches the character class shared by AgentName, WorkloadName
// and RuntimeName: letters, digits, underscore, dash; non-empty.
var nameCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AgentName identifies a node installation. Unique per node.
type AgentName string

// Valid reports whether the name is non-empty and uses the allowed charset.
func (n AgentName) Valid() bool { return n != "" && nameCharset.MatchString(string(n)) }

// WorkloadName identifies a workload. Unique across the cluster.
type WorkloadName string

// Valid reports whether the name is non-empty and uses the allowed charset.
func (n WorkloadName) Valid() bool { return n != "" && nameCharset.MatchString(string(n)) }

// RuntimeName identifies a runtime connector, e.g. "podman" or "podman-kube".
type RuntimeName string

// WorkloadInstanceName is the triple that uniquely identifies a concrete
// deployment of a workload: (workload name, config hash, agent name). Two
// workloads are "identical" iff their instance names are equal.
type WorkloadInstanceName struct {
	WorkloadName WorkloadName
	ConfigHash   string
	AgentName    AgentName
}

// String renders the canonical "<workload>.<hash>.<agent>" form used for
// log fields and correlation.
func (n WorkloadInstanceName) String() string {
	return fmt.Sprintf("%s.%s.%s", n.WorkloadName, n.ConfigHash, n.AgentName)
}

// DirName renders the "<workload>.<hash>" form used to namespace a
// workload instance's files on disk under the run directory.
func (n WorkloadInstanceName) DirName() string {
	return fmt.Sprintf("%s.%s", n.WorkloadName, n.ConfigHash)
}

// Equal reports whether two instance names denote the same deployment.
func (n WorkloadInstanceName) Equal(o WorkloadInstanceName) bool {
	return n.WorkloadName == o.WorkloadName && n.ConfigHash == o.ConfigHash && n.AgentName == o.AgentName
}

// ParseWorkloadInstanceName parses the "<workload>.<hash>.<agent>" form
// String renders, as received over the server link's Deleted field.
func ParseWorkloadInstanceName(s string) (WorkloadInstanceName, bool) {
	first := -1
	last := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 || first == last {
		return WorkloadInstanceName{}, false
	}
	return WorkloadInstanceName{
		WorkloadName: WorkloadName(s[:first]),
		ConfigHash:   s[first+1 : last],
		AgentName:    AgentName(s[last+1:]),
	}, true
}

// RestartPolicy governs whether a terminated workload is automatically
// re-created by its control loop.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "NEVER"
	RestartOnFailure RestartPolicy = "ON_FAILURE"
	RestartAlways    RestartPolicy = "ALWAYS"
)

// AddCondition gates the create half of an operation on a dependency's
// observed execution state.
type AddCondition string

const (
	AddConditionRunning   AddCondition = "RUNNING"
	AddConditionSucceeded AddCondition = "SUCCEEDED"
	AddConditionFailed    AddCondition = "FAILED"
)

// DeleteCondition gates the delete half of an operation on a dependency's
// observed execution state.
type DeleteCondition string

const (
	DeleteConditionNotPendingNorRunning DeleteCondition = "NOT_PENDING_NOR_RUNNING"
	DeleteConditionRunning              DeleteCondition = "RUNNING"
)

// FileContent is either inline text or base64-encoded binary content for a
// workload file. Exactly one of Text / Base64Binary is meaningful,
// selected by IsBase64Binary.
type FileContent struct {
	Text           string
	Base64Binary   string
	IsBase64Binary bool
}

// WorkloadFile describes one file to materialize on the host before the
// workload's runtime connector is invoked.
type WorkloadFile struct {
	MountPoint string
	Content    FileContent
}

// RuleOperation is the access mode a StateRule grants or revokes.
type RuleOperation string

const (
	OperationRead  RuleOperation = "READ"
	OperationWrite RuleOperation = "WRITE"
)

// StateRule is one allow/deny entry over the CompleteState field-mask
// space, e.g. "desiredState.workloads.*.tags".
type StateRule struct {
	Operation  RuleOperation
	FilterMask string
}

// LogRule is one allow/deny entry over workload-name patterns with a
// single '*' wildcard, e.g. "ivi_*" or "*_updater".
type LogRule struct {
	Pattern string
}

// ControlInterfaceAccess carries the authorization rule sets for a
// workload's control interface. A workload with no control interface
// configured has a nil *ControlInterfaceAccess in its WorkloadSpec.
type ControlInterfaceAccess struct {
	AllowStateRules []StateRule
	DenyStateRules  []StateRule
	AllowLogRules   []LogRule
	DenyLogRules    []LogRule
}

// WorkloadSpec is the description of a workload a control loop manages.
// It is treated as immutable for the lifetime of one control loop instance;
// changes arrive as a new WorkloadOperation instead of in-place mutation.
type WorkloadSpec struct {
	InstanceName  WorkloadInstanceName
	RuntimeName   RuntimeName
	RuntimeConfig string // opaque to the agent core, interpreted by the connector
	RestartPolicy RestartPolicy
	Dependencies  map[WorkloadName]AddCondition
	ControlAccess *ControlInterfaceAccess
	Files         []WorkloadFile
}

// HasDependencies reports whether this spec carries at least one
// inter-workload dependency.
func (s *WorkloadSpec) HasDependencies() bool {
	return s != nil && len(s.Dependencies) > 0
}

// OperationKind discriminates the four WorkloadOperation variants.
type OperationKind int

const (
	OpCreate OperationKind = iota
	OpUpdate
	OpUpdateDeleteOnly
	OpDelete
)

func (k OperationKind) String() string {
	switch k {
	case OpCreate:
		return "Create"
	case OpUpdate:
		return "Update"
	case OpUpdateDeleteOnly:
		return "UpdateDeleteOnly"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// WorkloadOperation is the unit of work the scheduler admits and the
// runtime manager executes. It models a tagged union over the four kinds
// via a kind discriminant plus the fields relevant to that kind, rather
// than a Go interface, so the scheduler can inspect an operation's
// dependency set without a type switch at every call site.
type WorkloadOperation struct {
	kind    OperationKind
	newSpec *WorkloadSpec         // set for Create, Update
	old     *WorkloadInstanceName // set for Update, UpdateDeleteOnly, Delete
}

// NewCreateOp builds a Create(spec) operation.
func NewCreateOp(spec *WorkloadSpec) WorkloadOperation {
	return WorkloadOperation{kind: OpCreate, newSpec: spec}
}

// NewUpdateOp builds an Update(old, new) operation.
func NewUpdateOp(old WorkloadInstanceName, newSpec *WorkloadSpec) WorkloadOperation {
	return WorkloadOperation{kind: OpUpdate, newSpec: newSpec, old: &old}
}

// NewUpdateDeleteOnlyOp builds the delete-first half of an update whose
// create half is still waiting on its own dependencies.
func NewUpdateDeleteOnlyOp(old WorkloadInstanceName) WorkloadOperation {
	return WorkloadOperation{kind: OpUpdateDeleteOnly, old: &old}
}

// NewDeleteOp builds a Delete(instance) operation.
func NewDeleteOp(instance WorkloadInstanceName) WorkloadOperation {
	return WorkloadOperation{kind: OpDelete, old: &instance}
}

// Kind reports which of the four operation variants this is.
func (o WorkloadOperation) Kind() OperationKind { return o.kind }

// Spec returns the Create/Update new-spec payload, or nil if this
// operation carries none.
func (o WorkloadOperation) Spec() *WorkloadSpec { return o.newSpec }

// OldInstance returns the Update/UpdateDeleteOnly/Delete instance-name
// payload and true, or the zero value and false if this operation carries
// none (i.e. a plain Create).
func (o WorkloadOperation) OldInstance() (WorkloadInstanceName, bool) {
	if o.old == nil {
		return WorkloadInstanceName{}, false
	}
	return *o.old, true
}

// TargetInstance returns the instance name this operation is "about" —
// the new spec's instance for Create/Update, the old instance otherwise.
func (o WorkloadOperation) TargetInstance() WorkloadInstanceName {
	if (o.kind == OpCreate || o.kind == OpUpdate) && o.newSpec != nil {
		return o.newSpec.InstanceName
	}
	if o.old != nil {
		return *o.old
	}
	return WorkloadInstanceName{}
}

// ExecutionSubState enumerates the free-text-accompanied sub-states of
// each top-level ExecutionState.
type ExecutionSubState string

const (
	SubPendingInitial        ExecutionSubState = "Initial"
	SubPendingWaitingToStart ExecutionSubState = "WaitingToStart"
	SubPendingStarting       ExecutionSubState = "Starting"
	SubPendingStartingFailed ExecutionSubState = "StartingFailed"

	SubRunningOk ExecutionSubState = "Ok"

	SubSucceededOk ExecutionSubState = "Ok"

	SubFailedExecFailed ExecutionSubState = "ExecFailed"
	SubFailedLost        ExecutionSubState = "Lost"
	SubFailedUnknown     ExecutionSubState = "Unknown"

	SubStoppingRequestedAtRuntime ExecutionSubState = "RequestedAtRuntime"
	SubStoppingWaitingToStop      ExecutionSubState = "WaitingToStop"
	SubStoppingDeleteFailed       ExecutionSubState = "DeleteFailed"
)

// ExecutionStateKind is the top-level family of an ExecutionState.
// "Removed" has no struct representation: absence of an entry in the
// workload state store means Removed.
type ExecutionStateKind string

const (
	StatePending   ExecutionStateKind = "Pending"
	StateRunning   ExecutionStateKind = "Running"
	StateSucceeded ExecutionStateKind = "Succeeded"
	StateFailed    ExecutionStateKind = "Failed"
	StateStopping  ExecutionStateKind = "Stopping"
)

// ExecutionState is the full observed state of a workload instance: a
// top-level kind, a sub-state, and optional free-text additional info.
type ExecutionState struct {
	Kind           ExecutionStateKind
	SubState       ExecutionSubState
	AdditionalInfo string
}

func (s ExecutionState) String() string {
	if s.AdditionalInfo == "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.SubState)
	}
	return fmt.Sprintf("%s(%s, %q)", s.Kind, s.SubState, s.AdditionalInfo)
}

// Equal compares kind and sub-state, ignoring additional info: two states
// with different human-readable detail are still "the same" state for
// satisfaction and hysteresis purposes.
func (s ExecutionState) Equal(o ExecutionState) bool {
	return s.Kind == o.Kind && s.SubState == o.SubState
}

func PendingInitial() ExecutionState {
	return ExecutionState{Kind: StatePending, SubState: SubPendingInitial}
}

func PendingWaitingToStart() ExecutionState {
	return ExecutionState{Kind: StatePending, SubState: SubPendingWaitingToStart}
}

func PendingStarting(info string) ExecutionState {
	return ExecutionState{Kind: StatePending, SubState: SubPendingStarting, AdditionalInfo: info}
}

func PendingStartingFailed(info string) ExecutionState {
	return ExecutionState{Kind: StatePending, SubState: SubPendingStartingFailed, AdditionalInfo: info}
}

func RunningOk() ExecutionState {
	return ExecutionState{Kind: StateRunning, SubState: SubRunningOk}
}

func SucceededOk() ExecutionState {
	return ExecutionState{Kind: StateSucceeded, SubState: SubSucceededOk}
}

func FailedExecFailed(info string) ExecutionState {
	return ExecutionState{Kind: StateFailed, SubState: SubFailedExecFailed, AdditionalInfo: info}
}

func FailedLost() ExecutionState {
	return ExecutionState{Kind: StateFailed, SubState: SubFailedLost}
}

func FailedUnknown() ExecutionState {
	return ExecutionState{Kind: StateFailed, SubState: SubFailedUnknown}
}

func StoppingRequestedAtRuntime() ExecutionState {
	return ExecutionState{Kind: StateStopping, SubState: SubStoppingRequestedAtRuntime}
}

func StoppingWaitingToStop() ExecutionState {
	return ExecutionState{Kind: StateStopping, SubState: SubStoppingWaitingToStop}
}

func StoppingDeleteFailed(info string) ExecutionState {
	return ExecutionState{Kind: StateStopping, SubState: SubStoppingDeleteFailed, AdditionalInfo: info}
}

// WorkloadState pairs an instance name with its latest observed
// ExecutionState, as published through the workload state store.
type WorkloadState struct {
	InstanceName WorkloadInstanceName
	State        ExecutionState
	ObservedAt   time.Time
}

// RuntimeFailureKind classifies a RuntimeError for propagation policy:
// Unsupported is terminal, the others are retried by the owning control
// loop according to its restart/backoff policy.
type RuntimeFailureKind string

const (
	RuntimeUnsupported     RuntimeFailureKind = "Unsupported"
	RuntimeTransientCreate RuntimeFailureKind = "TransientCreate"
	RuntimeTransientDelete RuntimeFailureKind = "TransientDelete"
	RuntimeOther           RuntimeFailureKind = "Other"
)

// RuntimeError is returned by RuntimeConnector operations.
type RuntimeError struct {
	Kind RuntimeFailureKind
	Op   string
	Err  error
}

func (e *RuntimeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("runtime error (%s) during %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("runtime error (%s) during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// WorkloadFileErrorKind classifies a WorkloadFileError.
type WorkloadFileErrorKind string

const (
	FileErrorIO         WorkloadFileErrorKind = "IO"
	FileErrorDecode     WorkloadFileErrorKind = "Decode"
	FileErrorPathEscape WorkloadFileErrorKind = "PathEscape"
)

// WorkloadFileError is returned by the workload files creator.
type WorkloadFileError struct {
	Kind       WorkloadFileErrorKind
	MountPoint string
	Err        error
}

func (e *WorkloadFileError) Error() string {
	return fmt.Sprintf("workload file error (%s) for %q: %v", e.Kind, e.MountPoint, e.Err)
}

func (e *WorkloadFileError) Unwrap() error { return e.Err }

// AuthorizationError is returned by the Authorizer on denial.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "authorization denied: " + e.Reason }

// ControlInterfaceErrorKind classifies a ControlInterfaceError.
type ControlInterfaceErrorKind string

const (
	CIErrorFraming    ControlInterfaceErrorKind = "Framing"
	CIErrorHandshake  ControlInterfaceErrorKind = "Handshake"
	CIErrorPeerGone   ControlInterfaceErrorKind = "PeerGone"
	CIErrorBufferFull ControlInterfaceErrorKind = "BufferFull"
)

// ControlInterfaceError is returned by the gateway's FIFO I/O layer.
type ControlInterfaceError struct {
	Kind ControlInterfaceErrorKind
	Err  error
}

func (e *ControlInterfaceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("control interface error (%s)", e.Kind)
	}
	return fmt.Sprintf("control interface error (%s): %v", e.Kind, e.Err)
}

func (e *ControlInterfaceError) Unwrap() error { return e.Err }

// ServerTransportError wraps a lost or broken connection to the cluster
// server; the agent manager treats any occurrence as the server being
// gone and drives all workloads into their configured delete behavior.
type ServerTransportError struct {
	Err error
}

func (e *ServerTransportError) Error() string {
	return fmt.Sprintf("server transport error: %v", e.Err)
}

func (e *ServerTransportError) Unwrap() error { return e.Err }

// StateInconsistency is raised (and dropped, never propagated to a
// caller) when a WorkloadState's instance name doesn't match the
// receiving control loop's current instance.
type StateInconsistency struct {
	Expected WorkloadInstanceName
	Got      WorkloadInstanceName
}

func (e *StateInconsistency) Error() string {
	return fmt.Sprintf("state inconsistency: expected instance %s, got %s", e.Expected, e.Got)
}
