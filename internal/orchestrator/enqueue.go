package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/model"
)

// ErrRetryExhausted is returned by RequeueFailed when a record's
// retry-count already equals MaxRetries.
var ErrRetryExhausted = errors.New("orchestrator: retry_exhausted")

const pushRetryAttempts = 3

// EnqueueBatch assigns a fresh task-id to each record, marks the record
// queued in the Store, and appends its main-queue payload. On full
// success it initialises the batch's counters and marks it processing.
// On partial failure the batch is marked failed and any record that
// could not be queued is marked failed too.
func (o *Orchestrator) EnqueueBatch(ctx context.Context, batchID string, records []*model.Record) error {
	span := sentry.StartSpan(ctx, "orchestrator.enqueue_batch")
	defer span.Finish()
	span.SetTag("batch_id", batchID)

	var failedRecordIDs []string

	for _, r := range records {
		task := &model.Task{
			ID:            uuid.NewString(),
			RecordID:      r.ID,
			BatchID:       batchID,
			AgentID:       r.AgentID,
			Prompt:        r.Prompt,
			ResponseText:  r.ResponseText,
			Context:       r.Context,
			Reference:     r.Reference,
			Metadata:      r.Metadata,
			RetryCount:    r.RetryCount,
			CreatedAt:     time.Now().UTC(),
			CreatedAtMono: time.Now(),
		}

		if err := o.Store.MarkRecordStatus(ctx, r.ID, model.RecordStatusQueued); err != nil {
			log.Error().Err(err).Str("record_id", r.ID).Msg("failed to mark record queued")
			failedRecordIDs = append(failedRecordIDs, r.ID)
			continue
		}

		payload, err := json.Marshal(model.ToMainTask(task))
		if err != nil {
			log.Error().Err(err).Str("record_id", r.ID).Msg("failed to marshal main task payload")
			failedRecordIDs = append(failedRecordIDs, r.ID)
			continue
		}

		if err := o.pushWithRetry(ctx, broker.MainQueue, payload); err != nil {
			log.Error().Err(err).Str("record_id", r.ID).Msg("failed to push task onto main queue")
			failedRecordIDs = append(failedRecordIDs, r.ID)
			continue
		}
	}

	if len(failedRecordIDs) > 0 {
		for _, id := range failedRecordIDs {
			if err := o.Store.MarkRecordStatus(ctx, id, model.RecordStatusFailed); err != nil {
				log.Error().Err(err).Str("record_id", id).Msg("failed to mark unqueued record failed")
			}
		}
		progress, _ := o.Store.GetBatchProgress(ctx, batchID)
		_ = o.Store.SetBatchStatus(ctx, batchID, model.BatchStatusFailed, progress)
		return errors.New("orchestrator: one or more records could not be queued")
	}

	progress := model.BatchProgress{Total: len(records), Pending: len(records)}
	return o.Store.SetBatchStatus(ctx, batchID, model.BatchStatusProcessing, progress)
}

// pushWithRetry retries a broker push with a bounded number of attempts
// and a short linear backoff.
func (o *Orchestrator) pushWithRetry(ctx context.Context, queue string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < pushRetryAttempts; attempt++ {
		lastErr = o.Broker.Append(ctx, queue, payload)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}

// RequeueFailed builds a fresh task from the current record state and
// pushes it back onto the main queue, incrementing the record's
// retry-count. If the retry-count would exceed MaxRetries, the record
// stays failed and ErrRetryExhausted is returned. The reason is only
// recorded in the log line, for the operator triggering the requeue.
func (o *Orchestrator) RequeueFailed(ctx context.Context, recordID, reason string) error {
	record, err := o.Store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}

	if record.RetryCount >= o.Config.MaxRetries {
		log.Warn().
			Str("record_id", recordID).
			Str("reason", reason).
			Int("retry_count", record.RetryCount).
			Msg("requeue refused: retry budget exhausted")
		return ErrRetryExhausted
	}

	newRetryCount, err := o.Store.IncrementRecordRetry(ctx, recordID)
	if err != nil {
		return err
	}
	if newRetryCount > o.Config.MaxRetries {
		return ErrRetryExhausted
	}

	task := &model.Task{
		ID:            uuid.NewString(),
		RecordID:      record.ID,
		BatchID:       record.BatchID,
		AgentID:       record.AgentID,
		Prompt:        record.Prompt,
		ResponseText:  record.ResponseText,
		Context:       record.Context,
		Reference:     record.Reference,
		Metadata:      record.Metadata,
		RetryCount:    newRetryCount,
		CreatedAt:     time.Now().UTC(),
		CreatedAtMono: time.Now(),
	}

	if err := o.Store.MarkRecordStatus(ctx, record.ID, model.RecordStatusQueued); err != nil {
		return err
	}

	payload, err := json.Marshal(model.ToMainTask(task))
	if err != nil {
		return err
	}
	if err := o.pushWithRetry(ctx, broker.MainQueue, payload); err != nil {
		return err
	}

	log.Info().
		Str("record_id", recordID).
		Str("task_id", task.ID).
		Str("reason", reason).
		Int("retry_count", newRetryCount).
		Msg("record requeued")
	return nil
}

// Pause is an advisory status transition only: in-flight tasks finish
// naturally, and the dispatch loop keeps running.
func (o *Orchestrator) Pause(ctx context.Context, batchID string) error {
	progress, err := o.Store.GetBatchProgress(ctx, batchID)
	if err != nil {
		return err
	}
	return o.Store.SetBatchStatus(ctx, batchID, model.BatchStatusPaused, progress)
}

// Resume reverses Pause, deriving the batch's status from its current
// progress counters rather than blindly setting it back to processing.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) error {
	progress, err := o.Store.GetBatchProgress(ctx, batchID)
	if err != nil {
		return err
	}
	status := model.BatchStatusProcessing
	if progress.Pending == 0 && progress.Processing == 0 {
		status = model.BatchStatusCompleted
	}
	return o.Store.SetBatchStatus(ctx, batchID, status, progress)
}

// CancelBatch cancels the batch and every record not yet processing.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) error {
	return o.Store.CancelBatch(ctx, batchID)
}
