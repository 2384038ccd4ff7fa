package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/config"
	"github.com/cortexscore/evalengine/internal/model"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewRedisBrokerFromClient(client)
	s := newFakeStore()

	cfg := &config.Config{
		MaxConcurrentTasks:   10,
		MaxRetries:           3,
		TaskTimeout:          300 * time.Second,
		SweepInterval:        60 * time.Second,
		PartialResultsTTL:    time.Hour,
		ResultsPopTimeout:    50 * time.Millisecond,
		MainPopTimeout:       50 * time.Millisecond,
		HardShutdownDeadline: time.Second,
		Weights:              model.DefaultWeights(),
	}

	return New(b, s, cfg, nil), s, mr
}

func seedRecord(s *fakeStore, id, batchID, agentID string) *model.Record {
	r := &model.Record{
		ID:           id,
		BatchID:      batchID,
		AgentID:      agentID,
		Prompt:       "p",
		ResponseText: "r",
		Status:       model.RecordStatusPending,
	}
	s.putRecord(r)
	return r
}

// pushResult pushes a DimensionResultPayload directly onto the results
// queue, simulating a dimension pool's output (§6.2).
func pushResult(t *testing.T, o *Orchestrator, taskID, recordID, batchID, agentID string, dim model.Dimension, score float64, errMsg *string) {
	t.Helper()
	payload := model.DimensionResultPayload{
		TaskID:     taskID,
		Dimension:  dim,
		ResponseID: recordID,
		BatchID:    batchID,
		AgentID:    agentID,
		Score:      score,
		Error:      errMsg,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, o.Broker.Append(context.Background(), broker.ResultsQueue, raw))
}

// TestHappyPath covers §8 scenario 1: a single record, all five
// dimensions return 0.8, the record ends completed with final score 0.800.
func TestHappyPath(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	seedRecord(s, "rec-1", "batch-1", "a1")

	require.NoError(t, o.EnqueueBatch(context.Background(), "batch-1", []*model.Record{s.records["rec-1"]}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	// Poll a dimension queue until the dispatch loop has fanned the task
	// out, which also reveals the task-id it assigned.
	var taskID string
	require.Eventually(t, func() bool {
		raw, err := o.Broker.PopHead(context.Background(), broker.DimensionQueue(model.DimensionInstruction), 10*time.Millisecond)
		if err != nil {
			return false
		}
		var sub model.DimensionSubtaskPayload
		require.NoError(t, json.Unmarshal(raw, &sub))
		taskID = sub.TaskID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Drain the other four dimension queues so they don't pile up, then
	// push all five results.
	for _, d := range []model.Dimension{model.DimensionHallucination, model.DimensionAssumption, model.DimensionCoherence, model.DimensionAccuracy} {
		_, _ = o.Broker.PopHead(context.Background(), broker.DimensionQueue(d), 500*time.Millisecond)
	}

	for _, d := range model.Dimensions {
		pushResult(t, o, taskID, "rec-1", "batch-1", "a1", d, 0.8, nil)
	}

	require.Eventually(t, func() bool {
		r, err := s.GetRecord(context.Background(), "rec-1")
		return err == nil && r.Status == model.RecordStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	eval := s.evaluations["rec-1"]
	require.NotNil(t, eval)
	require.InDelta(t, 0.8, eval.FinalScore, 1e-9)
}

// TestDuplicateResultIsIdempotent covers §8 scenario 4: each dimension
// result arrives twice; only one Evaluation is written.
func TestDuplicateResultIsIdempotent(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	seedRecord(s, "rec-1", "batch-1", "a1")

	taskID := "task-dup"
	s.putRecord(&model.Record{ID: "rec-1", BatchID: "batch-1", AgentID: "a1", Status: model.RecordStatusProcessing})
	o.inflight.insert(taskID, "rec-1", "batch-1", time.Now())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		for _, d := range model.Dimensions {
			pushResult(t, o, taskID, "rec-1", "batch-1", "a1", d, 0.8, nil)
		}
	}

	for i := 0; i < 10; i++ {
		o.collectOnce(ctx)
	}

	require.Len(t, s.evaluations, 1)
	require.InDelta(t, 0.8, s.evaluations["rec-1"].FinalScore, 1e-9)
}

// TestTimeoutSweeperFailsStaleTask covers §8 scenario 3 / P4: a task
// whose age exceeds TaskTimeout is failed by the sweeper even though no
// result ever arrives.
func TestTimeoutSweeperFailsStaleTask(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	seedRecord(s, "rec-1", "batch-1", "a1")
	s.records["rec-1"].Status = model.RecordStatusProcessing

	o.Config.TaskTimeout = 10 * time.Millisecond
	o.inflight.insert("task-1", "rec-1", "batch-1", time.Now().Add(-time.Second))

	o.sweepOnce(context.Background())

	r, err := s.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusFailed, r.Status)
	require.Equal(t, 0, o.inflight.count())
}

// TestRetryExhaustion covers §8 scenario 5 / P5.
func TestRetryExhaustion(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	o.Config.MaxRetries = 3
	r := seedRecord(s, "rec-1", "batch-1", "a1")
	r.RetryCount = 3
	r.Status = model.RecordStatusFailed

	err := o.RequeueFailed(context.Background(), "rec-1", "operator retry")
	require.ErrorIs(t, err, ErrRetryExhausted)

	n, _ := o.Broker.Length(context.Background(), broker.MainQueue)
	require.EqualValues(t, 0, n)
}

// TestFinaliseRecoversRecordIdentityFromPartialResults exercises the
// late-arrival path: the in-flight entry is gone and the caller supplies
// no record-id, but the stored partial results carry the record identity
// in their payload copy, so finalisation still succeeds.
func TestFinaliseRecoversRecordIdentityFromPartialResults(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	s.putRecord(&model.Record{ID: "rec-1", BatchID: "batch-1", AgentID: "a1", Status: model.RecordStatusProcessing})

	ctx := context.Background()
	taskID := "task-late"
	for _, d := range model.Dimensions {
		raw, err := json.Marshal(model.DimensionResult{
			TaskID:    taskID,
			Dimension: d,
			RecordID:  "rec-1",
			BatchID:   "batch-1",
			AgentID:   "a1",
			Score:     0.6,
		})
		require.NoError(t, err)
		require.NoError(t, o.Broker.HashSet(ctx, broker.TaskResultsKey(taskID), string(d), raw))
	}

	o.finalise(ctx, taskID, "", "", "")

	eval := s.evaluations["rec-1"]
	require.NotNil(t, eval)
	require.InDelta(t, 0.6, eval.FinalScore, 1e-9)
	r, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusCompleted, r.Status)
}

// TestBackpressureRespectsMaxConcurrentTasks covers §8 scenario 6 / B1:
// with MaxConcurrentTasks=2, the dispatch loop never allows more than two
// records into processing simultaneously even with five tasks queued.
func TestBackpressureRespectsMaxConcurrentTasks(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	o.Config.MaxConcurrentTasks = 2

	var records []*model.Record
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		records = append(records, seedRecord(s, id, "batch-1", "agent"))
	}
	require.NoError(t, o.EnqueueBatch(context.Background(), "batch-1", records))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.wg.Add(1)
	go o.runDispatchLoop(ctx)
	defer func() {
		close(o.stopCh)
		o.wg.Wait()
	}()

	require.Eventually(t, func() bool {
		return o.inflight.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// It should stay at (or below) the cap even after giving the loop
	// more time to spin, since nothing is draining dimension queues to
	// free up in-flight slots via finalisation.
	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, o.inflight.count(), 2)
}
