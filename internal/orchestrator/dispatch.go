package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/model"
	"github.com/cortexscore/evalengine/internal/observability"
)

// dispatchBackoff is how long the loop sleeps after finding the main
// queue empty, so it doesn't busy-spin on an idle queue.
const dispatchBackoff = 1 * time.Second

// capBackoff is how long the loop waits before re-checking in-flight
// capacity once MaxConcurrentTasks is reached.
const capBackoff = 200 * time.Millisecond

// runDispatchLoop pops tasks off the main queue and fans them out to the
// dimension queues, one task at a time, until stopped. While the in-flight
// table is at MaxConcurrentTasks it holds off popping and just rechecks
// capacity periodically; otherwise it does a non-blocking pop (backing
// off briefly when the queue is empty), marks the record processing, and
// registers it in the in-flight table before fanning a subtask out to
// every dimension queue.
func (o *Orchestrator) runDispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if o.inflight.count() >= o.Config.MaxConcurrentTasks {
			if !sleepOrStop(ctx, o.stopCh, capBackoff) {
				return
			}
			continue
		}

		if !o.dispatchOnce(ctx) {
			if !sleepOrStop(ctx, o.stopCh, dispatchBackoff) {
				return
			}
		}
	}
}

// dispatchOnce pops and processes exactly one task. It returns false when
// there was nothing to pop, so the caller can back off. Any panic inside
// is recovered and logged rather than killing the loop.
func (o *Orchestrator) dispatchOnce(ctx context.Context) (dispatched bool) {
	defer recoverPanic(ctx, "dispatch")

	raw, err := o.Broker.PopHead(ctx, broker.MainQueue, o.Config.MainPopTimeout)
	if err == broker.ErrEmpty {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Msg("dispatch loop: pop_head failed")
		return false
	}

	var payload model.MainTaskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Error().Err(err).Msg("dispatch loop: malformed main task payload, dropping")
		return true
	}

	o.processDispatchedTask(ctx, payload)
	return true
}

func (o *Orchestrator) processDispatchedTask(ctx context.Context, payload model.MainTaskPayload) {
	span := sentry.StartSpan(ctx, "orchestrator.dispatch_task")
	defer span.Finish()
	span.SetTag("task_id", payload.TaskID)
	span.SetTag("record_id", payload.ResponseID)
	span.SetTag("batch_id", payload.BatchID)

	if o.Metrics != nil {
		var otelSpan trace.Span
		ctx, otelSpan = o.Metrics.StartTaskSpan(ctx, "dispatch.pop_task", observability.TaskSpanInfo{
			TaskID:   payload.TaskID,
			RecordID: payload.ResponseID,
			BatchID:  payload.BatchID,
		})
		defer otelSpan.End()
	}

	logCtx := log.With().
		Str("task_id", payload.TaskID).
		Str("record_id", payload.ResponseID).
		Str("batch_id", payload.BatchID).
		Logger()

	if err := o.Store.MarkRecordStatus(ctx, payload.ResponseID, model.RecordStatusProcessing); err != nil {
		// A failed status update means the task never actually starts,
		// so it's counted as a failure rather than retried silently.
		logCtx.Error().Err(err).Msg("failed to mark record processing; failing task")
		if markErr := o.Store.MarkRecordStatus(ctx, payload.ResponseID, model.RecordStatusFailed); markErr != nil {
			logCtx.Error().Err(markErr).Msg("failed to mark record failed after processing-mark failure")
		}
		o.progress.recompute(payload.BatchID)
		return
	}

	task := &model.Task{
		ID:           payload.TaskID,
		RecordID:     payload.ResponseID,
		BatchID:      payload.BatchID,
		AgentID:      payload.AgentID,
		Prompt:       payload.Prompt,
		ResponseText: payload.ResponseText,
		Context:      payload.Context,
		Reference:    payload.Reference,
		Metadata:     payload.Metadata,
		RetryCount:   payload.RetryCount,
		CreatedAt:    payload.CreatedAt,
	}

	startedAt := time.Now()
	o.inflight.insert(task.ID, task.RecordID, task.BatchID, startedAt)
	if o.Metrics != nil {
		o.Metrics.InFlightTasks.Add(ctx, 1)
	}

	// Fan out one subtask per dimension in parallel; every push is
	// attempted before the loop moves on to another task for this record.
	// Each push is independent and best-effort: a failed push just means
	// that dimension will never report, and the timeout sweeper will
	// eventually fail the task.
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range model.Dimensions {
		dimension := d
		g.Go(func() error {
			subtaskPayload, err := json.Marshal(model.ToDimensionSubtask(task, dimension))
			if err != nil {
				logCtx.Error().Err(err).Str("dimension", string(dimension)).Msg("failed to marshal dimension subtask")
				return nil
			}
			if err := o.Broker.Append(gctx, broker.DimensionQueue(dimension), subtaskPayload); err != nil {
				logCtx.Warn().Err(err).Str("dimension", string(dimension)).Msg("failed to push dimension subtask")
			}
			return nil
		})
	}
	_ = g.Wait()

	if o.Metrics != nil {
		o.Metrics.TasksDispatched.Add(ctx, 1)
	}
	o.progress.recompute(task.BatchID)
}

// sleepOrStop sleeps for d unless stopCh or ctx is done first; it returns
// false if the loop should exit.
func sleepOrStop(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
