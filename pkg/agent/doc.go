// Package agent implements the Agent Manager and Log Facade (§4.7): the
// single consumer of the server link's FromServer messages, the single
// producer of its ToServer messages, and the ~2s host-load sampler.
//
// The load-sampling ticker, the FromServer dispatch loop, and the "diff
// desired against known, act on the delta" shape (HandleUpdate/Reconcile,
// delegated to pkg/manager) all follow the same per-task-monitoring-
// goroutine idiom used throughout this agent. The Log Facade's
// multi-fetcher fan-in reuses the same goroutine-per-source-plus-
// WaitGroup pattern.
package agent
