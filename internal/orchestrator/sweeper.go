package orchestrator

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/model"
	"github.com/cortexscore/evalengine/internal/observability"
)

// runSweeper fails any in-flight task whose age exceeds TaskTimeout,
// once per SweepInterval. It never requeues on its own — requeue is an
// explicit operator action via RequeueFailed — and it must not block
// dispatch or collection, so each stale entry is handled independently
// and a panic in one does not stop the sweep of the rest.
func (o *Orchestrator) runSweeper(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(ctx)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	defer recoverPanic(ctx, "sweeper")

	span := sentry.StartSpan(ctx, "orchestrator.sweep")
	defer span.Finish()

	if o.Metrics != nil {
		var otelSpan trace.Span
		ctx, otelSpan = o.Metrics.StartTaskSpan(ctx, "sweeper.sweep", observability.TaskSpanInfo{})
		defer otelSpan.End()
	}

	stale := o.inflight.stale(o.Config.TaskTimeout, time.Now())
	if len(stale) == 0 {
		return
	}

	log.Info().Int("stale_count", len(stale)).Msg("timeout sweeper: found stale tasks")

	for taskID, entry := range stale {
		o.sweepTask(ctx, taskID, entry)
	}
}

func (o *Orchestrator) sweepTask(ctx context.Context, taskID string, entry inflightEntry) {
	defer recoverPanic(ctx, "sweeper")

	logCtx := log.With().
		Str("task_id", taskID).
		Str("record_id", entry.recordID).
		Str("batch_id", entry.batchID).
		Dur("age", time.Since(entry.startedAt)).
		Logger()

	if err := o.Store.MarkRecordStatus(ctx, entry.recordID, model.RecordStatusFailed); err != nil {
		logCtx.Error().Err(err).Msg("sweeper: failed to mark timed-out record failed")
		return
	}
	if err := o.Broker.Del(ctx, broker.TaskResultsKey(taskID)); err != nil {
		logCtx.Warn().Err(err).Msg("sweeper: failed to delete partial-result hash")
	}

	o.inflight.remove(taskID)
	if o.Metrics != nil {
		o.Metrics.InFlightTasks.Add(ctx, -1)
		o.Metrics.TasksTimedOut.Add(ctx, 1)
	}
	o.progress.recompute(entry.batchID)

	logCtx.Warn().Msg("task timed out; record marked failed")
}
