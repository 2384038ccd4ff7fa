// Package store implements the persistent-store boundary the
// orchestrator depends on for record status, evaluation writes, and
// batch progress, backed by Postgres: a pgx stdlib connection pool, a
// transaction wrapper, and a pool-saturation guard that rejects work
// before the pool is exhausted.
package store

import (
	"context"
	"errors"

	"github.com/cortexscore/evalengine/internal/model"
)

// ErrAlreadyFinalised is returned by WriteEvaluation when an Evaluation
// already exists for the given record-id. The orchestrator's finaliser
// treats this as "another invocation already won" and no-ops.
var ErrAlreadyFinalised = errors.New("store: evaluation already exists for record")

// ErrNotFound is returned by GetRecord when no such record exists.
var ErrNotFound = errors.New("store: record not found")

// ErrPoolSaturated is returned when the connection pool has hit its
// reject threshold; see ensurePoolCapacity.
var ErrPoolSaturated = errors.New("store: connection pool saturated")

// Store is the persistence boundary the orchestrator depends on.
type Store interface {
	MarkRecordStatus(ctx context.Context, recordID string, status model.RecordStatus) error
	WriteEvaluation(ctx context.Context, eval *model.Evaluation) error
	GetRecord(ctx context.Context, recordID string) (*model.Record, error)
	IncrementRecordRetry(ctx context.Context, recordID string) (int, error)
	GetBatchProgress(ctx context.Context, batchID string) (model.BatchProgress, error)
	SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus, progress model.BatchProgress) error

	// CreateBatch and CreateRecords exist for test fixtures and for any
	// caller that persists a batch immediately before calling the enqueue
	// facade; real ingestion is an external collaborator.
	CreateBatch(ctx context.Context, batchID string) error
	CreateRecords(ctx context.Context, records []*model.Record) error

	// CancelBatch transitions a batch and its not-yet-processing records
	// to cancelled.
	CancelBatch(ctx context.Context, batchID string) error

	Close() error
}

// StoreError wraps an underlying driver error so callers can apply a
// retry/propagation policy without depending on the driver directly.
type StoreError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StoreError) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err, Retryable: isRetryable(err)}
}
