// Package store implements the Workload-State Store: a per-agent map of
// the latest known ExecutionState for each workload instance, plus a
// Broker that notifies subscribers of every write so the scheduler and
// runtime manager can react without polling.
package store
