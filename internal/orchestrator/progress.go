package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/model"
	"github.com/cortexscore/evalengine/internal/store"
)

// flushInterval coalesces bursts of per-record transitions into a single
// progress recompute, rather than hitting the store on every status
// change.
const flushInterval = 200 * time.Millisecond

// snapshotTTL bounds how long a batch-progress snapshot key survives in
// the broker after its last refresh.
const snapshotTTL = 24 * time.Hour

// progressProjector tracks batch progress: after every record status
// change it recomputes per-status counts from the Store, writes a
// progress snapshot into the broker, and derives the batch's own status
// from the counts (unless already paused/cancelled).
type progressProjector struct {
	broker broker.Broker
	store  store.Store

	mu      sync.Mutex
	pending map[string]struct{}
}

func newProgressProjector(b broker.Broker, s store.Store) *progressProjector {
	return &progressProjector{
		broker:  b,
		store:   s,
		pending: make(map[string]struct{}),
	}
}

// recompute marks batchID dirty; the actual Store read and broker write
// happen on the next flush tick, coalescing repeated calls for the same
// batch within one flushInterval window.
func (p *progressProjector) recompute(batchID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[batchID] = struct{}{}
}

func (p *progressProjector) start(ctx context.Context, wg *sync.WaitGroup, stopCh <-chan struct{}) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				p.flush(ctx)
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.flush(ctx)
			}
		}
	}()
}

func (p *progressProjector) flush(ctx context.Context) {
	p.mu.Lock()
	batchIDs := make([]string, 0, len(p.pending))
	for id := range p.pending {
		batchIDs = append(batchIDs, id)
	}
	p.pending = make(map[string]struct{})
	p.mu.Unlock()

	for _, batchID := range batchIDs {
		p.projectOne(ctx, batchID)
	}
}

// projectOne reads the current per-status counts for batchID, derives the
// batch's overall status from them, and writes both back out: the status
// to the Store, and a JSON snapshot to the broker for status readers.
func (p *progressProjector) projectOne(ctx context.Context, batchID string) {
	progress, err := p.store.GetBatchProgress(ctx, batchID)
	if err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("progress projection: failed to read batch progress")
		return
	}

	newStatus := progress.Status
	switch progress.Status {
	case model.BatchStatusPaused, model.BatchStatusCancelled, model.BatchStatusFailed:
		// terminal/advisory statuses are left untouched by the projection;
		// only counters are refreshed.
	default:
		if progress.Pending == 0 && progress.Processing == 0 {
			newStatus = model.BatchStatusCompleted
		} else {
			newStatus = model.BatchStatusProcessing
		}
	}

	if err := p.store.SetBatchStatus(ctx, batchID, newStatus, progress); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("progress projection: failed to write batch status")
	}

	snapshot, err := json.Marshal(progress)
	if err != nil {
		return
	}
	if err := p.broker.SetEx(ctx, broker.BatchProgressKey(batchID), snapshot, snapshotTTL); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("progress projection: failed to write snapshot")
	}
}
