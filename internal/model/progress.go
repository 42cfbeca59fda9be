package model

import (
	"time"
)

// JobState is the client-side state of a generation job's poll loop.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
	JobAbandoned JobState = "abandoned"
)

// Terminal reports whether the loop has stopped.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut, JobAbandoned:
		return true
	}
	return false
}

// JobStateFor maps a server task status onto the loop state.
func JobStateFor(s TaskStatus) JobState {
	switch s {
	case TaskRunning:
		return JobRunning
	case TaskCompleted:
		return JobCompleted
	case TaskFailed:
		return JobFailed
	}
	return JobPending
}

// JobProgress is the observable state of the latest generation job of a run.
type JobProgress struct {
	RunID       string            `json:"run_id"`
	TaskID      string            `json:"task_id,omitempty"`
	Mode        GenerationMode    `json:"mode"`
	State       JobState          `json:"state"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitzero"`
	Result      *GenerationResult `json:"result,omitempty"`
	Err         string            `json:"error,omitempty"`
}

// Elapsed returns how long the job has been (or was) tracked.
func (p JobProgress) Elapsed(now time.Time) time.Duration {
	if !p.FinishedAt.IsZero() {
		return p.FinishedAt.Sub(p.StartedAt)
	}
	return now.Sub(p.StartedAt)
}

// QueueState is the review queue as last loaded for a run.
type QueueState struct {
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Sort     Sort            `json:"sort"`
	Status   CandidateStatus `json:"status,omitempty"`
	Items    []Candidate     `json:"items"`
	Total    int             `json:"total"`
	Selected string          `json:"selected,omitempty"`
	Done     bool            `json:"done"`
}

// TotalPages is ceil(Total / PageSize).
func (q QueueState) TotalPages() int {
	if q.PageSize <= 0 || q.Total <= 0 {
		return 0
	}
	return (q.Total + q.PageSize - 1) / q.PageSize
}

// Clone deep-copies the item slice.
func (q QueueState) Clone() QueueState {
	q.Items = append([]Candidate(nil), q.Items...)
	return q
}
