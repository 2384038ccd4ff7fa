//go:build unit || !integration

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/cortexscore/evalengine/internal/model"
)

func TestGetBatchProgress_AggregatesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery("SELECT status FROM batches").
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(model.BatchStatusProcessing)))

	statusRows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow(string(model.RecordStatusCompleted), 3).
		AddRow(string(model.RecordStatusFailed), 1).
		AddRow(string(model.RecordStatusProcessing), 2)
	mock.ExpectQuery("SELECT status, count").
		WithArgs("batch-1").
		WillReturnRows(statusRows)

	p, err := s.GetBatchProgress(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusProcessing, p.Status)
	require.Equal(t, 6, p.Total)
	require.Equal(t, 3, p.Completed)
	require.Equal(t, 1, p.Failed)
	require.Equal(t, 2, p.Processing)
}

func TestGetBatchProgress_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery("SELECT status FROM batches").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetBatchProgress(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelBatch_UpdatesPendingRecordsAndBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE records SET status").
		WithArgs(string(model.RecordStatusCancelled), "batch-1",
			string(model.RecordStatusPending), string(model.RecordStatusQueued)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE batches SET status").
		WithArgs(string(model.BatchStatusCancelled), "batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CancelBatch(context.Background(), "batch-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryable_ConnectionExceptionIsRetryable(t *testing.T) {
	err := &pq.Error{Code: "08006"}
	require.True(t, isRetryable(err))
}

func TestIsRetryable_IntegrityViolationIsNotRetryable(t *testing.T) {
	err := &pq.Error{Code: "23505"}
	require.False(t, isRetryable(err))
}

func TestIsRetryable_PlainConnectionRefusedMessage(t *testing.T) {
	require.True(t, isRetryable(errors.New("dial tcp: connection refused")))
}
