/*
Package types defines the core data structures shared by every other
package in the agent: workload identity, the workload specification, the
tagged WorkloadOperation union the scheduler and runtime manager pass
around, the ExecutionState machine, and the error taxonomy returned by
the runtime connector, the files creator, the authorizer and the control
interface gateway.

# Identity

A workload instance is identified by the triple (workload name, config
hash, agent name), combined into a WorkloadInstanceName. Two instances
are the same deployment iff their WorkloadInstanceName.Equal reports
true; a changed config hash is, by design, a different instance, not an
in-place mutation of the old one.

# Operations

WorkloadOperation models the four shapes of work a running agent is
asked to do:

	Create(spec)            // bring a new instance up
	Update(old, new)         // replace old with new once both sides are clear
	UpdateDeleteOnly(old)    // the delete half of an update still waiting on new's dependencies
	Delete(instance)         // tear an instance down

It is implemented as a struct with an internal kind discriminant rather
than an interface, so callers can inspect Kind(), Spec() and
OldInstance() without a type switch.

# Execution state

ExecutionState pairs a top-level ExecutionStateKind (Pending, Running,
Succeeded, Failed, Stopping) with a sub-state and optional free-text
detail. There is no Removed variant: the absence of an entry in the
workload state store for an instance means Removed.

# Errors

Each of RuntimeError, WorkloadFileError, AuthorizationError,
ControlInterfaceError, ServerTransportError and StateInconsistency
carries a Kind (or, for the authorization/transport/consistency cases, a
reason) so callers can branch on failure category without string
matching. All wrap the underlying error where one exists.
*/
package types
