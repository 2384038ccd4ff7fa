package broker

import (
	"fmt"

	"github.com/cortexscore/evalengine/internal/model"
)

// MainQueue is the single queue the enqueue facade pushes tasks onto and
// the dispatch loop drains.
const MainQueue = "main_evaluation_tasks"

// ResultsQueue is the single queue every dimension pool pushes results
// onto and the collector loop drains.
const ResultsQueue = "dimension_results"

// DimensionQueue names the per-dimension queue the dispatch loop fans a
// task's subtasks out to.
func DimensionQueue(d model.Dimension) string {
	return fmt.Sprintf("dimension_queue:%s", d)
}

// TaskResultsKey names the partial-result hash for a task.
func TaskResultsKey(taskID string) string {
	return fmt.Sprintf("task:%s:results", taskID)
}

// BatchProgressKey names the progress snapshot key for a batch.
func BatchProgressKey(batchID string) string {
	return fmt.Sprintf("batch:%s:progress", batchID)
}

// WorkerStatusKey names the liveness key for a worker.
func WorkerStatusKey(workerID string) string {
	return fmt.Sprintf("worker:%s:status", workerID)
}
