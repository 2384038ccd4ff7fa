package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/cortexscore/evalengine/internal/model"
)

// MarkRecordStatus updates a single record's status column.
func (s *PostgresStore) MarkRecordStatus(ctx context.Context, recordID string, status model.RecordStatus) error {
	return s.Execute(ctx, "mark_record_status", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE records SET status = $1 WHERE id = $2
		`, string(status), recordID)
		return err
	})
}

// WriteEvaluation inserts an Evaluation row. It fails with
// ErrAlreadyFinalised if an Evaluation already exists for record-id,
// enforced by a unique constraint on evaluations.record_id.
func (s *PostgresStore) WriteEvaluation(ctx context.Context, eval *model.Evaluation) error {
	scores := make(map[string]float64, len(eval.Scores))
	for d, v := range eval.Scores {
		scores[string(d)] = v
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return err
	}

	var alreadyFinalised bool
	execErr := s.Execute(ctx, "write_evaluation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO evaluations
				(record_id, batch_id, agent_id, scores, final_score, processing_errors, processing_time_ms, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (record_id) DO NOTHING
		`, eval.RecordID, eval.BatchID, eval.AgentID, scoresJSON, eval.FinalScore,
			pq.Array(eval.ProcessingErrors), eval.ProcessingTimeMS, eval.ProcessedAt)
		if err != nil {
			return err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			// A concurrent finaliser already won the unique constraint on
			// record_id; this invocation is the loser and must no-op rather
			// than overwrite the winner's evaluation.
			alreadyFinalised = true
			return nil
		}
		return nil
	})
	if execErr != nil {
		return execErr
	}
	if alreadyFinalised {
		return ErrAlreadyFinalised
	}
	return nil
}

// GetRecord reads a single record by id, used for late finalisation once
// in-flight state has been lost.
func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, agent_id, prompt, response_text, context, reference, metadata, status, retry_count, created_at
		FROM records WHERE id = $1
	`, recordID)

	var r model.Record
	var metadataJSON []byte
	var statusStr string
	if err := row.Scan(&r.ID, &r.BatchID, &r.AgentID, &r.Prompt, &r.ResponseText,
		&r.Context, &r.Reference, &metadataJSON, &statusStr, &r.RetryCount, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get_record", err)
	}
	r.Status = model.RecordStatus(statusStr)
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &r.Metadata)
	}
	return &r, nil
}

// GetBatchProgress aggregates per-status counts directly from the
// records table, so the projection is always consistent with the
// Store's current record statuses.
func (s *PostgresStore) GetBatchProgress(ctx context.Context, batchID string) (model.BatchProgress, error) {
	var p model.BatchProgress

	var statusStr string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = $1`, batchID)
	if err := row.Scan(&statusStr); err != nil {
		if err == sql.ErrNoRows {
			return model.BatchProgress{}, ErrNotFound
		}
		return model.BatchProgress{}, wrapErr("get_batch_progress", err)
	}
	p.Status = model.BatchStatus(statusStr)

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, count(*) FROM records WHERE batch_id = $1 GROUP BY status
	`, batchID)
	if err != nil {
		return model.BatchProgress{}, wrapErr("get_batch_progress", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.BatchProgress{}, wrapErr("get_batch_progress", err)
		}
		p.Total += count
		switch model.RecordStatus(status) {
		case model.RecordStatusPending, model.RecordStatusQueued:
			p.Pending += count
		case model.RecordStatusProcessing:
			p.Processing += count
		case model.RecordStatusCompleted:
			p.Completed += count
		case model.RecordStatusFailed:
			p.Failed += count
		case model.RecordStatusCancelled:
			p.Cancelled += count
		}
	}
	return p, rows.Err()
}

// SetBatchStatus writes a batch's status and its current progress counters.
func (s *PostgresStore) SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus, progress model.BatchProgress) error {
	return s.Execute(ctx, "set_batch_status", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET status = $1, total = $2, pending = $3, processing = $4,
				completed = $5, failed = $6, cancelled = $7
			WHERE id = $8
		`, string(status), progress.Total, progress.Pending, progress.Processing,
			progress.Completed, progress.Failed, progress.Cancelled, batchID)
		return err
	})
}

// CreateBatch inserts a fresh batch row in the processing state. Real
// batch ingestion lives in an external collaborator; this exists for
// test fixtures and any caller wiring its own ingestion in front of the
// enqueue facade.
func (s *PostgresStore) CreateBatch(ctx context.Context, batchID string) error {
	return s.Execute(ctx, "create_batch", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, status, total, pending, processing, completed, failed, cancelled, created_at)
			VALUES ($1, $2, 0, 0, 0, 0, 0, 0, $3)
			ON CONFLICT (id) DO NOTHING
		`, batchID, string(model.BatchStatusProcessing), time.Now().UTC())
		return err
	})
}

// CreateRecords bulk-inserts records ahead of enqueueBatch.
func (s *PostgresStore) CreateRecords(ctx context.Context, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.Execute(ctx, "create_records", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO records (id, batch_id, agent_id, prompt, response_text, context, reference, metadata, status, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			metadataJSON, err := json.Marshal(r.Metadata)
			if err != nil {
				return err
			}
			status := r.Status
			if status == "" {
				status = model.RecordStatusPending
			}
			created := r.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.BatchID, r.AgentID, r.Prompt,
				r.ResponseText, r.Context, r.Reference, metadataJSON, string(status), r.RetryCount, created); err != nil {
				return err
			}
		}
		return nil
	})
}

// IncrementRecordRetry bumps a record's retry counter and returns the new
// value, used by RequeueFailed to enforce MaxRetries.
func (s *PostgresStore) IncrementRecordRetry(ctx context.Context, recordID string) (int, error) {
	var newCount int
	err := s.Execute(ctx, "increment_record_retry", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE records SET retry_count = retry_count + 1 WHERE id = $1
			RETURNING retry_count
		`, recordID)
		return row.Scan(&newCount)
	})
	return newCount, err
}

// CancelBatch transitions the batch itself to cancelled, and every
// record not yet processing follows it; records already processing are
// left to finalise or time out naturally.
func (s *PostgresStore) CancelBatch(ctx context.Context, batchID string) error {
	return s.Execute(ctx, "cancel_batch", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET status = $1
			WHERE batch_id = $2 AND status IN ($3, $4)
		`, string(model.RecordStatusCancelled), batchID,
			string(model.RecordStatusPending), string(model.RecordStatusQueued)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE batches SET status = $1 WHERE id = $2
		`, string(model.BatchStatusCancelled), batchID)
		return err
	})
}
