// Package orchestrator implements the scheduling and aggregation engine:
// the enqueue facade, the dispatch loop, the collector loop and
// finaliser, the batch progress projection, and the timeout sweeper.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/config"
	"github.com/cortexscore/evalengine/internal/observability"
	"github.com/cortexscore/evalengine/internal/store"
)

// Orchestrator owns the dispatch loop, the collector loop, and the
// timeout sweeper, plus the enqueue facade used by callers to submit and
// manage batches. It holds only collaborator handles and loop-local
// state: every dependency is passed in at construction rather than
// reached for as a package-level singleton.
type Orchestrator struct {
	Broker  broker.Broker
	Store   store.Store
	Config  *config.Config
	Metrics *observability.Metrics

	inflight *inflightTable
	progress *progressProjector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires an Orchestrator from its three collaborators. No global
// state is touched; Start/Stop own the loops' lifecycle entirely.
func New(b broker.Broker, s store.Store, cfg *config.Config, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		Broker:   b,
		Store:    s,
		Config:   cfg,
		Metrics:  metrics,
		inflight: newInflightTable(),
		progress: newProgressProjector(b, s),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatch loop, the collector loop, and the timeout
// sweeper as independent goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	o.progress.start(ctx, &o.wg, o.stopCh)

	o.wg.Add(3)
	go o.runDispatchLoop(ctx)
	go o.runCollectorLoop(ctx)
	go o.runSweeper(ctx)

	log.Info().
		Int("max_concurrent_tasks", o.Config.MaxConcurrentTasks).
		Dur("task_timeout", o.Config.TaskTimeout).
		Dur("sweep_interval", o.Config.SweepInterval).
		Msg("orchestrator started")
}

// Stop requests graceful shutdown: it closes the stop channel and waits
// up to HardShutdownDeadline for the loops to return. Each loop finishes
// the iteration it is in and then exits, so tasks still waiting on
// dimension results are not collected during shutdown; their results
// stay on the results queue until an orchestrator is started again.
func (o *Orchestrator) Stop() {
	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("orchestrator stopped cleanly")
	case <-time.After(o.Config.HardShutdownDeadline):
		log.Warn().
			Dur("deadline", o.Config.HardShutdownDeadline).
			Int("in_flight", o.inflight.count()).
			Msg("orchestrator hard shutdown deadline reached; relying on next-start recovery")
	}
}

// InFlightCount reports the current size of the in-flight table. The
// status CLI runs as a separate process and cannot call it; it
// approximates the count from partial-result keys instead.
func (o *Orchestrator) InFlightCount() int {
	return o.inflight.count()
}

// recoverPanic converts any panic escaping a loop body into a logged,
// Sentry-captured error instead of letting it kill the loop.
func recoverPanic(ctx context.Context, loop string) {
	if r := recover(); r != nil {
		log.Error().
			Interface("panic", r).
			Str("loop", loop).
			Msg("recovered panic in orchestrator loop")
		sentry.CaptureException(&panicError{loop: loop, value: r})
	}
}

type panicError struct {
	loop  string
	value interface{}
}

func (e *panicError) Error() string {
	return "panic in " + e.loop + " loop"
}
