// Package model defines the core entities the orchestrator reasons about:
// Records submitted for evaluation, the Tasks and DimensionSubtasks derived
// from them, the DimensionResults and Evaluations that come back, and the
// Batch and WorkerLiveness bookkeeping types.
package model

import "time"

// RecordStatus is the lifecycle state of a Record.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusQueued     RecordStatus = "queued"
	RecordStatusProcessing RecordStatus = "processing"
	RecordStatusCompleted  RecordStatus = "completed"
	RecordStatusFailed     RecordStatus = "failed"
	RecordStatusCancelled  RecordStatus = "cancelled"
)

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusPaused     BatchStatus = "paused"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// Dimension identifies one of the five scoring dimensions.
type Dimension string

const (
	DimensionInstruction   Dimension = "instruction"
	DimensionHallucination Dimension = "hallucination"
	DimensionAssumption    Dimension = "assumption"
	DimensionCoherence     Dimension = "coherence"
	DimensionAccuracy      Dimension = "accuracy"
)

// Dimensions lists all five dimensions in a stable, deterministic order.
// This order is used anywhere dimensions are iterated (fan-out, weight
// validation, test fixtures) so output is reproducible.
var Dimensions = []Dimension{
	DimensionInstruction,
	DimensionHallucination,
	DimensionAssumption,
	DimensionCoherence,
	DimensionAccuracy,
}

// Record is one prompt/response pair submitted for evaluation.
type Record struct {
	ID           string
	BatchID      string
	AgentID      string
	Prompt       string
	ResponseText string
	Context      string
	Reference    string
	Metadata     map[string]interface{}
	Status       RecordStatus
	RetryCount   int
	CreatedAt    time.Time
}

// Task is one attempt at scoring a Record. TaskID is fresh on every
// attempt; a retried Record gets a new Task with a new TaskID.
type Task struct {
	ID              string
	RecordID        string
	BatchID         string
	AgentID         string
	Prompt          string
	ResponseText    string
	Context         string
	Reference       string
	Metadata        map[string]interface{}
	RetryCount      int
	CreatedAt       time.Time
	CreatedAtMono   time.Time // monotonic start-time used only for deadline math
}

// DimensionSubtask is the per-dimension work item fanned out from a Task.
type DimensionSubtask struct {
	TaskID       string
	Dimension    Dimension
	RecordID     string
	BatchID      string
	AgentID      string
	Prompt       string
	ResponseText string
	Context      string
	Reference    string
	Metadata     map[string]interface{}
	RetryCount   int
	CreatedAt    time.Time
}

// DimensionResult is the scored response to a DimensionSubtask.
type DimensionResult struct {
	TaskID           string
	Dimension        Dimension
	RecordID         string
	BatchID          string
	AgentID          string
	Score            float64
	Details          map[string]interface{}
	Error            string
	ProcessingTimeMS int
	WorkerID         string
	CompletedAt      time.Time
}

// Evaluation is the final, aggregated outcome for a Record.
type Evaluation struct {
	RecordID          string
	BatchID           string
	AgentID           string
	Scores            map[Dimension]float64
	FinalScore        float64
	ProcessingErrors  []string
	ProcessingTimeMS  int64
	ProcessedAt       time.Time
}

// BatchProgress is the set of per-status counters tracked for a Batch.
type BatchProgress struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
	// Status is the batch's current persisted status, included so the
	// projection can respect a paused/cancelled batch instead of
	// overwriting it with a derived processing/completed status.
	Status BatchStatus
}

// Batch groups the Records uploaded together and carries aggregate progress.
type Batch struct {
	ID        string
	Status    BatchStatus
	Progress  BatchProgress
	CreatedAt time.Time
}

// WorkerLiveness is a TTL-bounded heartbeat record for a dimension worker.
type WorkerLiveness struct {
	WorkerID      string
	LastHeartbeat time.Time
	Status        string
}

// Weights maps each Dimension to its configured contribution to the final
// score. The five weights must sum to 1.
type Weights map[Dimension]float64

// DefaultWeights returns the standard per-dimension aggregation weights.
func DefaultWeights() Weights {
	return Weights{
		DimensionInstruction:   0.20,
		DimensionHallucination: 0.25,
		DimensionAssumption:    0.20,
		DimensionCoherence:     0.15,
		DimensionAccuracy:      0.20,
	}
}
