package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ankaios-agent/pkg/controlapi"
	"github.com/cuemby/ankaios-agent/pkg/gateway"
	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/manager"
	"github.com/cuemby/ankaios-agent/pkg/metrics"
	"github.com/cuemby/ankaios-agent/pkg/serverlink"
	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

const loadSampleInterval = 2 * time.Second

// Agent is the Agent Manager / Log Facade (§4.7). It owns the single
// server-link connection, reports its own workloads' state transitions
// and host load upward, and routes every inbound FromServer message to
// the Runtime Manager, the Control-Interface Gateway or the Log Facade.
type Agent struct {
	name types.AgentName
	conn serverlink.Connection
	mgr  *manager.Manager
	gw   *gateway.Gateway
	st   *store.Store

	mu          sync.Mutex
	reconciled  bool
	subs        map[string]context.CancelFunc
	loadSampler *hostLoadSampler

	log zerolog.Logger
}

// New creates an Agent. Run must be called to start it.
func New(name types.AgentName, conn serverlink.Connection, mgr *manager.Manager, gw *gateway.Gateway, st *store.Store) *Agent {
	return &Agent{
		name:        name,
		conn:        conn,
		mgr:         mgr,
		gw:          gw,
		st:          st,
		subs:        make(map[string]context.CancelFunc),
		loadSampler: newHostLoadSampler(),
		log:         log.WithAgent(string(name)),
	}
}

// SendRequest implements gateway.ServerSender: it wraps an
// already-rewritten workload request as a ToServer Request and forwards
// it over the server link.
func (a *Agent) SendRequest(agentName string, req controlapi.ToAnkaios) error {
	return a.conn.Send(controlapi.ToServer{
		Kind:      controlapi.ToServerRequest,
		AgentName: agentName,
		Request:   req.Marshal(),
	})
}

// Run sends the initial AgentHello, starts the state-forwarding and
// load-sampling background tasks, and blocks processing inbound
// FromServer messages until ctx is done or the link fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.conn.Send(controlapi.ToServer{Kind: controlapi.ToServerAgentHello, AgentName: string(a.name)}); err != nil {
		return err
	}

	sub := a.st.Broker().Subscribe()
	defer a.st.Broker().Unsubscribe(sub)

	go a.forwardStateChanges(ctx, sub)
	go a.sampleLoadLoop(ctx)

	for {
		msg, err := a.conn.Recv()
		if err != nil {
			a.log.Warn().Err(err).Msg("server link closed, treating as ServerGone")
			a.cancelAllLogSubscriptions()
			return err
		}
		a.dispatch(ctx, msg)
	}
}

func (a *Agent) dispatch(ctx context.Context, msg controlapi.FromServer) {
	switch msg.Kind {
	case controlapi.FromServerUpdateWorkload:
		a.handleUpdateWorkload(ctx, msg)
	case controlapi.FromServerUpdateWorkloadState:
		a.handleUpdateWorkloadState(msg)
	case controlapi.FromServerResponse:
		a.gw.Dispatch(msg)
	case controlapi.FromServerLogsRequest:
		a.startLogSubscription(ctx, msg.SubscriptionID, msg.WorkloadNames)
	case controlapi.FromServerLogsCancelRequest:
		a.cancelLogSubscription(msg.SubscriptionID)
	case controlapi.FromServerServerGone:
		a.cancelAllLogSubscriptions()
	}
}

func (a *Agent) handleUpdateWorkload(ctx context.Context, msg controlapi.FromServer) {
	added := make([]*types.WorkloadSpec, 0, len(msg.Added))
	for _, w := range msg.Added {
		added = append(added, w.ToWorkloadSpec())
	}

	a.mu.Lock()
	first := !a.reconciled
	a.reconciled = true
	a.mu.Unlock()

	if first {
		a.mgr.Reconcile(ctx, added)
		return
	}

	deleted := make([]types.WorkloadInstanceName, 0, len(msg.Deleted))
	for _, s := range msg.Deleted {
		if inst, ok := types.ParseWorkloadInstanceName(s); ok {
			deleted = append(deleted, inst)
		}
	}
	a.mgr.HandleUpdate(ctx, added, deleted)
}

// handleUpdateWorkloadState implements §4.7's inbound half: states of
// workloads this agent does not itself run (dependency information from
// elsewhere in the cluster), written to the store so dependency
// admission can see them. Removed (zero Kind) carries no information
// here and is ignored rather than deleted, since the store never held
// an entry for a never-reported-running foreign instance in the first
// place.
func (a *Agent) handleUpdateWorkloadState(msg controlapi.FromServer) {
	for _, w := range msg.States {
		ws := w.ToWorkloadState()
		if ws.State.Kind == "" {
			continue
		}
		a.st.Set(ws)
	}
}

// forwardStateChanges is the outbound half: every time one of this
// agent's own instances changes in the store, report it upward,
// including the Removed transition (a wire state with every field but
// the identity empty, matching how pkg/controlapi already encodes it).
func (a *Agent) forwardStateChanges(ctx context.Context, sub store.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Instance.AgentName != a.name {
				continue
			}
			var wire controlapi.WorkloadStateWire
			if ws, found := a.st.Get(ev.Instance); found {
				wire = controlapi.ToWorkloadStateWire(ws)
			} else {
				wire = controlapi.WorkloadStateWire{
					WorkloadName: string(ev.Instance.WorkloadName),
					ConfigHash:   ev.Instance.ConfigHash,
					AgentName:    string(ev.Instance.AgentName),
				}
			}
			err := a.conn.Send(controlapi.ToServer{
				Kind:      controlapi.ToServerUpdateWorkloadState,
				AgentName: string(a.name),
				States:    []controlapi.WorkloadStateWire{wire},
			})
			if err != nil {
				a.log.Warn().Err(err).Msg("failed to report workload state")
			}
		}
	}
}

func (a *Agent) sampleLoadLoop(ctx context.Context) {
	ticker := time.NewTicker(loadSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPercent, freeBytes, err := a.loadSampler.Sample()
			if err != nil {
				a.log.Debug().Err(err).Msg("host load sample failed")
				continue
			}
			metrics.HostCPUPercent.Set(cpuPercent)
			metrics.HostFreeMemoryBytes.Set(float64(freeBytes))
			err = a.conn.Send(controlapi.ToServer{
				Kind:            controlapi.ToServerAgentLoadStatus,
				AgentName:       string(a.name),
				CPUPercent:      cpuPercent,
				FreeMemoryBytes: freeBytes,
			})
			if err != nil {
				a.log.Warn().Err(err).Msg("failed to report load status")
			}
		}
	}
}
