package model

import (
	"time"

	"github.com/sells-group/pu-workbench/internal/apperr"
)

// GenerationMode distinguishes a count-only preview from a persisted commit.
type GenerationMode string

const (
	GenerationPreview GenerationMode = "preview"
	GenerationCommit  GenerationMode = "commit"
)

// Valid reports whether m is a known mode.
func (m GenerationMode) Valid() bool {
	return m == GenerationPreview || m == GenerationCommit
}

// TaskStatus is the server-reported state of a generation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// GenerationResult holds the counts reported by a finished generation.
type GenerationResult struct {
	CandidateCount     int `json:"candidate_count"`
	PositiveLabelCount int `json:"positive_label_count"`
	NegativeLabelCount int `json:"negative_label_count"`
	TotalDataPoolSize  int `json:"total_data_pool_size"`
}

// GenerationTask is a handle to a running candidate generation.
type GenerationTask struct {
	TaskID    string            `json:"task_id"`
	RunID     string            `json:"run_id"`
	Mode      GenerationMode    `json:"mode"`
	Status    TaskStatus        `json:"status"`
	Result    *GenerationResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// GenerationRequest is the body of a generation submission.
type GenerationRequest struct {
	Parameters FilterParameters `json:"parameters"`
	Mode       GenerationMode   `json:"mode"`
}

// Validate checks the mode and parameters before submission.
func (r GenerationRequest) Validate() error {
	if !r.Mode.Valid() {
		return apperr.FieldValidation("mode", "must be preview or commit, got %q", r.Mode)
	}
	return r.Parameters.ValidateForGeneration()
}

// GenerationAck is the backend's answer to a submission: either a terminal
// Result (synchronous execution) or a TaskID to poll.
type GenerationAck struct {
	TaskID string            `json:"task_id,omitempty"`
	Result *GenerationResult `json:"result,omitempty"`
}

// Synchronous reports whether the backend finished the work inline.
func (a GenerationAck) Synchronous() bool {
	return a.TaskID == "" && a.Result != nil
}
