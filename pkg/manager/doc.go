// Package manager implements the Runtime Manager (§4.4): the owner of
// every live Workload Control Loop on this agent. It turns server
// UpdateWorkload messages into scheduler input, executes the operations
// the scheduler admits, reconciles whatever the connectors already have
// running at startup against the desired list, and enforces hysteresis
// on incoming workload-state updates so a stale Running observation
// never overwrites a Stopping transition the manager itself initiated.
//
// This agent has no cluster consensus role; what carries over is the
// general "owns a map of live per-unit handles, drives them off
// scheduler output" shape common to both a cluster manager and a
// node-local container supervisor.
package manager
