package agent

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/cuemby/ankaios-agent/pkg/controlapi"
	"github.com/cuemby/ankaios-agent/pkg/metrics"
	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// startLogSubscription implements the LogsRequest half of §4.7: one log
// fetcher per target workload routed through its WCL's
// SubmitStartLogFetcher, fanned into a single forwarding task that
// streams LogEntriesResponse to the server under subID until every
// source ends, then emits LogsStopResponse and unsubscribes.
func (a *Agent) startLogSubscription(ctx context.Context, subID string, names []string) {
	subCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.subs[subID] = cancel
	a.mu.Unlock()
	metrics.LogSubscriptionsActive.Inc()

	var readers []io.ReadCloser
	for _, n := range names {
		loop, ok := a.mgr.LoopFor(types.WorkloadName(n))
		if !ok {
			continue
		}
		stdout, stderr, err := loop.SubmitStartLogFetcher(runtime.LogFetcherOptions{Follow: true})
		if err != nil {
			a.log.Debug().Err(err).Str("workload", n).Msg("log fetcher unavailable")
			continue
		}
		if stdout != nil {
			readers = append(readers, stdout)
		}
		if stderr != nil {
			readers = append(readers, stderr)
		}
	}

	if len(readers) == 0 {
		a.sendLogsStop(subID)
		a.removeSub(subID)
		cancel()
		return
	}

	go a.runLogForwarder(subCtx, subID, readers)
}

func (a *Agent) runLogForwarder(ctx context.Context, subID string, readers []io.ReadCloser) {
	lines := make(chan string, 64)
	var wg sync.WaitGroup

	for _, r := range readers {
		wg.Add(1)
		go func(rc io.ReadCloser) {
			defer wg.Done()
			defer rc.Close()
			scanner := bufio.NewScanner(rc)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			a.removeSub(subID)
			return
		case line, ok := <-lines:
			if !ok {
				a.sendLogsStop(subID)
				a.removeSub(subID)
				return
			}
			err := a.conn.Send(controlapi.ToServer{
				Kind:           controlapi.ToServerLogEntriesResponse,
				AgentName:      string(a.name),
				SubscriptionID: subID,
				LogLines:       []string{line},
			})
			if err != nil {
				a.log.Warn().Err(err).Msg("failed to forward log entry")
			}
		}
	}
}

func (a *Agent) sendLogsStop(subID string) {
	err := a.conn.Send(controlapi.ToServer{
		Kind:           controlapi.ToServerLogsStopResponse,
		AgentName:      string(a.name),
		SubscriptionID: subID,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to send logs-stop")
	}
}

// cancelLogSubscription implements LogsCancelRequest: dropping the
// forwarding task cancels every fetcher it owns (§5's cancellation
// rule).
func (a *Agent) cancelLogSubscription(subID string) {
	a.mu.Lock()
	cancel, ok := a.subs[subID]
	delete(a.subs, subID)
	a.mu.Unlock()
	if ok {
		cancel()
		metrics.LogSubscriptionsActive.Dec()
	}
}

// cancelAllLogSubscriptions implements ServerGone: every subscription
// is dropped, but workload state and WCLs are left untouched.
func (a *Agent) cancelAllLogSubscriptions() {
	a.mu.Lock()
	subs := a.subs
	a.subs = make(map[string]context.CancelFunc)
	a.mu.Unlock()
	for _, cancel := range subs {
		cancel()
		metrics.LogSubscriptionsActive.Dec()
	}
}

func (a *Agent) removeSub(subID string) {
	a.mu.Lock()
	_, ok := a.subs[subID]
	delete(a.subs, subID)
	a.mu.Unlock()
	if ok {
		metrics.LogSubscriptionsActive.Dec()
	}
}
