package orchestrator

import (
	"context"
	"sync"

	"github.com/cortexscore/evalengine/internal/model"
	"github.com/cortexscore/evalengine/internal/store"
)

// fakeStore is an in-memory stand-in for store.Store, used so the
// orchestrator's loop behaviour can be exercised without a live
// Postgres. It enforces the same record-id uniqueness constraint on
// evaluations that the real Postgres schema does.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*model.Record
	evaluations map[string]*model.Evaluation
	batches     map[string]model.BatchProgress
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     make(map[string]*model.Record),
		evaluations: make(map[string]*model.Evaluation),
		batches:     make(map[string]model.BatchProgress),
	}
}

func (s *fakeStore) putRecord(r *model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

func (s *fakeStore) MarkRecordStatus(ctx context.Context, recordID string, status model.RecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func (s *fakeStore) WriteEvaluation(ctx context.Context, eval *model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.evaluations[eval.RecordID]; exists {
		return store.ErrAlreadyFinalised
	}
	cp := *eval
	s.evaluations[eval.RecordID] = &cp
	return nil
}

func (s *fakeStore) GetRecord(ctx context.Context, recordID string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) IncrementRecordRetry(ctx context.Context, recordID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return 0, store.ErrNotFound
	}
	r.RetryCount++
	return r.RetryCount, nil
}

func (s *fakeStore) GetBatchProgress(ctx context.Context, batchID string) (model.BatchProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p model.BatchProgress
	p.Status = s.batches[batchID].Status
	for _, r := range s.records {
		if r.BatchID != batchID {
			continue
		}
		p.Total++
		switch r.Status {
		case model.RecordStatusPending, model.RecordStatusQueued:
			p.Pending++
		case model.RecordStatusProcessing:
			p.Processing++
		case model.RecordStatusCompleted:
			p.Completed++
		case model.RecordStatusFailed:
			p.Failed++
		case model.RecordStatusCancelled:
			p.Cancelled++
		}
	}
	return p, nil
}

func (s *fakeStore) SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus, progress model.BatchProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress.Status = status
	s.batches[batchID] = progress
	return nil
}

func (s *fakeStore) CreateBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batchID] = model.BatchProgress{Status: model.BatchStatusProcessing}
	return nil
}

func (s *fakeStore) CreateRecords(ctx context.Context, records []*model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func (s *fakeStore) CancelBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.BatchID != batchID {
			continue
		}
		if r.Status == model.RecordStatusPending || r.Status == model.RecordStatusQueued {
			r.Status = model.RecordStatusCancelled
		}
	}
	b := s.batches[batchID]
	b.Status = model.BatchStatusCancelled
	s.batches[batchID] = b
	return nil
}

func (s *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)
