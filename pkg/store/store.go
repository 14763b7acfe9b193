// Package store holds the Workload-State Store and a change-notification
// broker.
package store

import (
	"sync"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

// storeKey is the (agent-name, workload-name) pair the store is keyed
// by, plus a cached instance-name lookup for own-agent queries.
type storeKey struct {
	agent    types.AgentName
	workload types.WorkloadName
}

// Store is the per-agent view of all known workload execution states
// (I4: Removed is never stored; a key's absence means Removed).
type Store struct {
	mu      sync.RWMutex
	byKey   map[storeKey]types.WorkloadState
	byInst  map[types.WorkloadInstanceName]types.WorkloadState
	broker  *Broker
}

// New creates an empty store with its change-notification broker
// started.
func New() *Store {
	s := &Store{
		byKey:  make(map[storeKey]types.WorkloadState),
		byInst: make(map[types.WorkloadInstanceName]types.WorkloadState),
		broker: NewBroker(),
	}
	s.broker.Start()
	return s
}

// Broker returns the store's change-notification broker so the
// scheduler's on_state_change and the runtime manager's hysteresis pass
// can subscribe instead of polling.
func (s *Store) Broker() *Broker { return s.broker }

// Set records state for instance, overwriting any prior entry, unless
// state is Removed — Removed is represented by deleting the entry
// (I4), never by storing it.
func (s *Store) Set(state types.WorkloadState) {
	key := storeKey{agent: state.InstanceName.AgentName, workload: state.InstanceName.WorkloadName}

	s.mu.Lock()
	if state.State.Kind == "" {
		s.mu.Unlock()
		return
	}
	s.byKey[key] = state
	s.byInst[state.InstanceName] = state
	s.mu.Unlock()

	s.broker.Publish(&Event{Instance: state.InstanceName})
}

// Remove deletes the entry for instance, realizing ExecutionState's
// Removed variant as absence (I4).
func (s *Store) Remove(instance types.WorkloadInstanceName) {
	key := storeKey{agent: instance.AgentName, workload: instance.WorkloadName}

	s.mu.Lock()
	delete(s.byKey, key)
	delete(s.byInst, instance)
	s.mu.Unlock()

	s.broker.Publish(&Event{Instance: instance})
}

// Get returns the latest state for instance, or the zero value and
// false if absent (meaning Removed).
func (s *Store) Get(instance types.WorkloadInstanceName) (types.WorkloadState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byInst[instance]
	return ws, ok
}

// GetByName returns the latest state known for (agent, workload),
// regardless of config hash — used when evaluating a dependency by
// workload name rather than by full instance identity.
func (s *Store) GetByName(agent types.AgentName, workload types.WorkloadName) (types.WorkloadState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byKey[storeKey{agent: agent, workload: workload}]
	return ws, ok
}

// Snapshot returns a copy of every currently-stored state.
func (s *Store) Snapshot() []types.WorkloadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.WorkloadState, 0, len(s.byInst))
	for _, ws := range s.byInst {
		out = append(out, ws)
	}
	return out
}
