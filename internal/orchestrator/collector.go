package orchestrator

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/model"
	"github.com/cortexscore/evalengine/internal/observability"
	"github.com/cortexscore/evalengine/internal/store"
)

// recordLookups de-duplicates concurrent getRecord calls made by the
// finaliser's late-finalisation path, the same jobInfoGroup idiom the
// teacher applies to its own hot job lookups.
var recordLookups singleflight.Group

// runCollectorLoop pops dimension results with a short timeout, writes
// each into the partial-result hash keyed by task-id, and once all
// dimensions are present invokes the finaliser. Re-arrivals for an
// already-complete hash field simply overwrite it.
func (o *Orchestrator) runCollectorLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// collectOnce already blocks for up to ResultsPopTimeout inside
		// PopHead, so an empty result needs no additional backoff.
		o.collectOnce(ctx)
	}
}

// collectOnce pops and processes exactly one result. It returns false
// when there was nothing to pop. Any panic inside is recovered and
// logged rather than killing the loop.
func (o *Orchestrator) collectOnce(ctx context.Context) (collected bool) {
	defer recoverPanic(ctx, "collector")

	raw, err := o.Broker.PopHead(ctx, broker.ResultsQueue, o.Config.ResultsPopTimeout)
	if err == broker.ErrEmpty {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Msg("collector loop: pop_head failed")
		return false
	}

	var payload model.DimensionResultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Error().Err(err).Msg("collector loop: malformed result payload, dropping")
		return true
	}

	o.processResult(ctx, payload)
	return true
}

func (o *Orchestrator) processResult(ctx context.Context, payload model.DimensionResultPayload) {
	span := sentry.StartSpan(ctx, "orchestrator.collect_result")
	defer span.Finish()
	span.SetTag("task_id", payload.TaskID)
	span.SetTag("dimension", string(payload.Dimension))

	logCtx := log.With().
		Str("task_id", payload.TaskID).
		Str("record_id", payload.ResponseID).
		Str("batch_id", payload.BatchID).
		Str("dimension", string(payload.Dimension)).
		Logger()

	result := model.FromResultPayload(payload)
	result = clampResult(result)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		logCtx.Error().Err(err).Msg("failed to marshal partial result for storage")
		return
	}

	resultsKey := broker.TaskResultsKey(payload.TaskID)
	if err := o.Broker.HashSet(ctx, resultsKey, string(payload.Dimension), resultJSON); err != nil {
		logCtx.Warn().Err(err).Msg("failed to write partial result hash field")
		return
	}
	if err := o.Broker.Expire(ctx, resultsKey, o.Config.PartialResultsTTL); err != nil {
		logCtx.Warn().Err(err).Msg("failed to refresh partial-result hash TTL")
	}

	if o.Metrics != nil {
		o.Metrics.DimensionResults.Add(ctx, 1)
	}

	n, err := o.Broker.HashLen(ctx, resultsKey)
	if err != nil {
		logCtx.Warn().Err(err).Msg("failed to read partial-result hash length")
		return
	}
	if n < int64(len(model.Dimensions)) {
		return
	}

	o.finalise(ctx, payload.TaskID, payload.ResponseID, payload.BatchID, payload.AgentID)
}

// clampResult normalises a dimension result before it is stored: an
// errored or out-of-range score is clamped to 0 and recorded as an error
// so it is excluded from the weight denominator at aggregation time.
func clampResult(r model.DimensionResult) model.DimensionResult {
	if r.Error != "" {
		r.Score = 0
		return r
	}
	if math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1 {
		if r.Error == "" {
			r.Error = "score out of range [0,1]"
		}
		r.Score = 0
	}
	return r
}

// finalise aggregates a task's partial results into an Evaluation and
// writes it. It is safe under concurrent invocation for the same
// task-id: the first call to succeed writes the Evaluation; any later
// call observes store.ErrAlreadyFinalised and no-ops.
func (o *Orchestrator) finalise(ctx context.Context, taskID, recordID, batchID, agentID string) {
	span := sentry.StartSpan(ctx, "orchestrator.finalise")
	defer span.Finish()
	span.SetTag("task_id", taskID)
	span.SetTag("record_id", recordID)

	if o.Metrics != nil {
		var otelSpan trace.Span
		ctx, otelSpan = o.Metrics.StartTaskSpan(ctx, "collector.finalise", observability.TaskSpanInfo{
			TaskID:   taskID,
			RecordID: recordID,
			BatchID:  batchID,
		})
		defer otelSpan.End()
	}

	logCtx := log.With().
		Str("task_id", taskID).
		Str("record_id", recordID).
		Str("batch_id", batchID).
		Logger()

	resultsKey := broker.TaskResultsKey(taskID)
	fields, err := o.Broker.HashGetAll(ctx, resultsKey)
	if err != nil {
		logCtx.Warn().Err(err).Msg("finalise: failed to read partial-result hash")
		return
	}

	// The hash may already have been purged by TTL or by a winning
	// concurrent finalise. If recordID is empty (late-arrival path with
	// no caller-supplied identity) there is nothing left to act on; log
	// and drop.
	if len(fields) == 0 && recordID == "" {
		logCtx.Warn().Msg("finalise: no partial results and no record_id; dropping")
		return
	}

	results := make(map[model.Dimension]model.DimensionResult, len(fields))
	for field, raw := range fields {
		var r model.DimensionResult
		if err := json.Unmarshal(raw, &r); err != nil {
			logCtx.Error().Err(err).Str("dimension", field).Msg("finalise: malformed stored result field, skipping")
			continue
		}
		results[model.Dimension(field)] = r
	}

	// The in-flight table may already have been cleared; the stored
	// partial results carry the record identity in their payload copy, so
	// recover it from there before falling back to the Store.
	if recordID == "" {
		for _, r := range results {
			if r.RecordID != "" {
				recordID, batchID, agentID = r.RecordID, r.BatchID, r.AgentID
				break
			}
		}
	}
	if recordID == "" {
		if rec, ok := o.lookupRecord(ctx, taskID); ok {
			recordID, batchID, agentID = rec.ID, rec.BatchID, rec.AgentID
		} else {
			logCtx.Warn().Msg("finalise: could not resolve record_id for late result; dropping")
			return
		}
	}

	eval := aggregate(recordID, batchID, agentID, results, o.Config.Weights)
	if entry, ok := o.inflight.get(taskID); ok {
		eval.ProcessingTimeMS = time.Since(entry.startedAt).Milliseconds()
	}

	writeErr := o.Store.WriteEvaluation(ctx, eval)
	if writeErr == store.ErrAlreadyFinalised {
		logCtx.Debug().Msg("finalise: evaluation already written by a concurrent invocation; no-op")
		o.cleanupFinalised(ctx, taskID, batchID)
		return
	}
	if writeErr != nil {
		logCtx.Error().Err(writeErr).Msg("finalise: failed to write evaluation; marking record failed")
		if markErr := o.Store.MarkRecordStatus(ctx, recordID, model.RecordStatusFailed); markErr != nil {
			logCtx.Error().Err(markErr).Msg("finalise: failed to mark record failed after write-evaluation error")
		}
		o.progress.recompute(batchID)
		return
	}

	finalStatus := model.RecordStatusCompleted
	if len(eval.ProcessingErrors) == len(model.Dimensions) {
		// Every dimension errored, so there is no surviving score:
		// a complete partial-result hash does not by itself mean success.
		finalStatus = model.RecordStatusFailed
	}
	if err := o.Store.MarkRecordStatus(ctx, recordID, finalStatus); err != nil {
		logCtx.Error().Err(err).Msg("finalise: failed to mark record status after evaluation write")
	}

	if o.Metrics != nil {
		o.Metrics.TasksFinalised.Add(ctx, 1)
		o.Metrics.TaskDuration.Record(ctx, float64(eval.ProcessingTimeMS)/1000.0)
	}

	o.cleanupFinalised(ctx, taskID, batchID)
	logCtx.Info().Float64("final_score", eval.FinalScore).Str("status", string(finalStatus)).Msg("task finalised")
}

// cleanupFinalised deletes the partial-result hash and removes the
// in-flight entry, then schedules a progress recompute for the batch.
func (o *Orchestrator) cleanupFinalised(ctx context.Context, taskID, batchID string) {
	if err := o.Broker.Del(ctx, broker.TaskResultsKey(taskID)); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("cleanup: failed to delete partial-result hash")
	}
	o.inflight.remove(taskID)
	if o.Metrics != nil {
		o.Metrics.InFlightTasks.Add(ctx, -1)
	}
	o.progress.recompute(batchID)
}

// lookupRecord resolves a task-id to its record through the record-id
// held in the task's in-flight entry, reading the record from the Store.
// There is no direct task-id->record-id mapping once the in-flight entry
// is gone (for example after the sweeper cleared it), so in that case it
// returns false and callers that reach this path without a record-id
// embedded in the payload (never true for results carrying response_id,
// only exercised as a defensive fallback) drop the result.
func (o *Orchestrator) lookupRecord(ctx context.Context, taskID string) (*model.Record, bool) {
	entry, ok := o.inflight.get(taskID)
	if !ok {
		return nil, false
	}
	v, err, _ := recordLookups.Do(entry.recordID, func() (interface{}, error) {
		return o.Store.GetRecord(ctx, entry.recordID)
	})
	if err != nil {
		return nil, false
	}
	return v.(*model.Record), true
}

// aggregate computes the weighted mean of dimensions that produced a
// numeric score in [0,1], renormalised over just those dimensions, with
// missing/errored dimensions contributing 0 to the displayed scores but
// excluded from the weight denominator and recorded as processing
// errors.
func aggregate(recordID, batchID, agentID string, results map[model.Dimension]model.DimensionResult, weights model.Weights) *model.Evaluation {
	scores := make(map[model.Dimension]float64, len(model.Dimensions))
	var processingErrors []string
	var weightedSum, weightSum float64

	for _, d := range model.Dimensions {
		r, present := results[d]
		switch {
		case !present:
			scores[d] = 0
			processingErrors = append(processingErrors, string(d)+": missing result")
		case r.Error != "":
			scores[d] = 0
			processingErrors = append(processingErrors, string(d)+": "+r.Error)
		default:
			scores[d] = r.Score
			w := weights[d]
			weightedSum += w * r.Score
			weightSum += w
		}
	}

	var finalScore float64
	if weightSum > 0 {
		finalScore = weightedSum / weightSum
	}

	return &model.Evaluation{
		RecordID:         recordID,
		BatchID:          batchID,
		AgentID:          agentID,
		Scores:           scores,
		FinalScore:       finalScore,
		ProcessingErrors: processingErrors,
		ProcessedAt:      time.Now().UTC(),
	}
}
