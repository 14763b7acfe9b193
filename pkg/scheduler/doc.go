/*
Package scheduler implements the Workload Scheduler: a waiting queue of
WorkloadOperations gated on AddCondition/DeleteCondition satisfaction
over the Workload-State Store, admitting operations into a ready list the
runtime manager executes.

Enqueue splits Update into an always-ready delete half and a possibly-
gated create half (never re-enqueuing UpdateDeleteOnly, per invariant
I5). On every Workload-State Store change, onStateChange rescans the
waiting queue and promotes newly-satisfied entries to ready, preserving
the order they were parked in.

The package keeps a Start/Stop background-rescan-loop shape; the
admission algorithm here is entirely new, gating on dependency state
rather than resource availability.
*/
package scheduler
