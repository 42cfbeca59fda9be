package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus represents the lifecycle state of an experiment run.
type RunStatus string

const (
	RunStatusConfiguring RunStatus = "CONFIGURING"
	RunStatusLabeling    RunStatus = "LABELING"
	RunStatusCompleted   RunStatus = "COMPLETED"
)

// runTransitions lists the only forward edges of the run state machine.
var runTransitions = map[RunStatus]RunStatus{
	RunStatusConfiguring: RunStatusLabeling,
	RunStatusLabeling:    RunStatusCompleted,
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusConfiguring, RunStatusLabeling, RunStatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from s to next. Staying in
// the same status is not a transition.
func (s RunStatus) CanTransition(next RunStatus) bool {
	to, ok := runTransitions[s]
	return ok && to == next
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	_, ok := runTransitions[s]
	return !ok
}

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s RunStatus) Rank() int {
	switch s {
	case RunStatusConfiguring:
		return 0
	case RunStatusLabeling:
		return 1
	case RunStatusCompleted:
		return 2
	}
	return -1
}

// ExperimentRun is one configured instance of the labeling pipeline.
type ExperimentRun struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	Status             RunStatus        `json:"status"`
	CandidateCount     int              `json:"candidate_count"`
	TotalDataPoolSize  int              `json:"total_data_pool_size"`
	PositiveLabelCount int              `json:"positive_label_count"`
	NegativeLabelCount int              `json:"negative_label_count"`
	FilterParameters   FilterParameters `json:"filter_parameters"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// LabeledCount is the number of candidates with a positive or negative label.
func (r *ExperimentRun) LabeledCount() int {
	return r.PositiveLabelCount + r.NegativeLabelCount
}

// RemainingCount is the number of candidates still awaiting review.
func (r *ExperimentRun) RemainingCount() int {
	n := r.CandidateCount - r.LabeledCount()
	if n < 0 {
		return 0
	}
	return n
}

// FullyLabeled reports whether every candidate has been reviewed.
func (r *ExperimentRun) FullyLabeled() bool {
	return r.LabeledCount() == r.CandidateCount
}

// CheckCounts validates the label-count invariant.
func (r *ExperimentRun) CheckCounts() error {
	if r.CandidateCount < 0 || r.PositiveLabelCount < 0 || r.NegativeLabelCount < 0 {
		return eris.Errorf("run %s: negative counts", r.ID)
	}
	if r.LabeledCount() > r.CandidateCount {
		return eris.Errorf("run %s: %d labels exceed %d candidates", r.ID, r.LabeledCount(), r.CandidateCount)
	}
	return nil
}

// TrainedModel is a model record produced by the external trainer for a run.
// Only its existence matters to the workbench.
type TrainedModel struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	Name      string             `json:"name"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}
