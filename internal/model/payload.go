package model

import "time"

// MainTaskPayload is the wire envelope pushed onto the main queue by the
// enqueue facade and popped by the dispatch loop.
type MainTaskPayload struct {
	TaskID       string                 `json:"task_id"`
	ResponseID   string                 `json:"response_id"`
	BatchID      string                 `json:"batch_id"`
	AgentID      string                 `json:"agent_id"`
	Prompt       string                 `json:"prompt"`
	ResponseText string                 `json:"response_text"`
	Context      string                 `json:"context"`
	Reference    string                 `json:"reference"`
	Metadata     map[string]interface{} `json:"metadata"`
	Dimensions   []Dimension            `json:"dimensions"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
}

// DimensionSubtaskPayload is the same envelope as MainTaskPayload plus the
// target dimension; it is what a dimension pool actually consumes.
type DimensionSubtaskPayload struct {
	TaskID       string                 `json:"task_id"`
	ResponseID   string                 `json:"response_id"`
	BatchID      string                 `json:"batch_id"`
	AgentID      string                 `json:"agent_id"`
	Prompt       string                 `json:"prompt"`
	ResponseText string                 `json:"response_text"`
	Context      string                 `json:"context"`
	Reference    string                 `json:"reference"`
	Metadata     map[string]interface{} `json:"metadata"`
	Dimension    Dimension              `json:"dimension"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
}

// DimensionResultPayload is the wire envelope pushed onto the results
// queue by a dimension pool and popped by the collector loop.
type DimensionResultPayload struct {
	TaskID           string                 `json:"task_id"`
	Dimension        Dimension              `json:"dimension"`
	ResponseID       string                 `json:"response_id"`
	BatchID          string                 `json:"batch_id"`
	AgentID          string                 `json:"agent_id"`
	Score            float64                `json:"score"`
	Details          map[string]interface{} `json:"details"`
	Error            *string                `json:"error"`
	ProcessingTimeMS int                    `json:"processing_time_ms"`
	WorkerID         string                 `json:"worker_id"`
}

// ToMainTask builds the main-queue wire payload for a freshly created Task.
func ToMainTask(t *Task) MainTaskPayload {
	return MainTaskPayload{
		TaskID:       t.ID,
		ResponseID:   t.RecordID,
		BatchID:      t.BatchID,
		AgentID:      t.AgentID,
		Prompt:       t.Prompt,
		ResponseText: t.ResponseText,
		Context:      t.Context,
		Reference:    t.Reference,
		Metadata:     t.Metadata,
		Dimensions:   Dimensions,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
	}
}

// ToDimensionSubtask builds the per-dimension wire payload for a Task.
func ToDimensionSubtask(t *Task, d Dimension) DimensionSubtaskPayload {
	return DimensionSubtaskPayload{
		TaskID:       t.ID,
		ResponseID:   t.RecordID,
		BatchID:      t.BatchID,
		AgentID:      t.AgentID,
		Prompt:       t.Prompt,
		ResponseText: t.ResponseText,
		Context:      t.Context,
		Reference:    t.Reference,
		Metadata:     t.Metadata,
		Dimension:    d,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
	}
}

// FromResultPayload converts a wire DimensionResultPayload into the
// internal DimensionResult representation.
func FromResultPayload(p DimensionResultPayload) DimensionResult {
	errStr := ""
	if p.Error != nil {
		errStr = *p.Error
	}
	return DimensionResult{
		TaskID:           p.TaskID,
		Dimension:        p.Dimension,
		RecordID:         p.ResponseID,
		BatchID:          p.BatchID,
		AgentID:          p.AgentID,
		Score:            p.Score,
		Details:          p.Details,
		Error:            errStr,
		ProcessingTimeMS: p.ProcessingTimeMS,
		WorkerID:         p.WorkerID,
		CompletedAt:      time.Now().UTC(),
	}
}
