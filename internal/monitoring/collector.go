// Package monitoring summarizes the lab backend's health: runs by status,
// the unreviewed candidate backlog, generation task outcomes and labeling
// runs nobody has touched in a while.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pu-workbench/internal/model"
)

// MetricsSnapshot holds a point-in-time view of backend health.
type MetricsSnapshot struct {
	// Run metrics (all runs).
	RunsTotal       int `json:"runs_total"`
	RunsConfiguring int `json:"runs_configuring"`
	RunsLabeling    int `json:"runs_labeling"`
	RunsCompleted   int `json:"runs_completed"`

	// Candidates still UNREVIEWED across LABELING runs.
	UnreviewedBacklog int `json:"unreviewed_backlog"`
	// LABELING runs not updated within the stale window.
	StaleLabeling []string `json:"stale_labeling,omitempty"`

	// Generation task metrics (within lookback window).
	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	TasksRunning   int     `json:"tasks_running"`
	TaskFailRate   float64 `json:"task_fail_rate"`

	// Metadata.
	LookbackHours      int       `json:"lookback_hours"`
	StaleLabelingHours int       `json:"stale_labeling_hours"`
	CollectedAt        time.Time `json:"collected_at"`
}

// RunLister abstracts the store method the collector reads runs with.
type RunLister interface {
	ListRuns(ctx context.Context) ([]model.ExperimentRun, error)
}

// TaskLister abstracts the task runner's history.
type TaskLister interface {
	Tasks() []model.GenerationTask
}

// Collector gathers metrics from the store and the task runner.
type Collector struct {
	runs  RunLister
	tasks TaskLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector. tasks may be nil.
func NewCollector(runs RunLister, tasks TaskLister) *Collector {
	return &Collector{runs: runs, tasks: tasks, now: time.Now}
}

// Collect gathers a snapshot. Task metrics cover the lookback window; a
// LABELING run is stale once it has gone staleHours without an update.
func (c *Collector) Collect(ctx context.Context, lookbackHours, staleHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:      lookbackHours,
		StaleLabelingHours: staleHours,
		CollectedAt:        now,
	}

	runs, err := c.runs.ListRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	staleCutoff := now.Add(-time.Duration(staleHours) * time.Hour)
	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusConfiguring:
			snap.RunsConfiguring++
		case model.RunStatusLabeling:
			snap.RunsLabeling++
			snap.UnreviewedBacklog += r.RemainingCount()
			if staleHours > 0 && r.UpdatedAt.Before(staleCutoff) {
				snap.StaleLabeling = append(snap.StaleLabeling, r.ID)
			}
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		}
	}

	if c.tasks == nil {
		return snap, nil
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	for _, t := range c.tasks.Tasks() {
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		snap.TasksTotal++
		switch t.Status {
		case model.TaskCompleted:
			snap.TasksCompleted++
		case model.TaskFailed:
			snap.TasksFailed++
		default:
			snap.TasksRunning++
		}
	}
	if finished := snap.TasksCompleted + snap.TasksFailed; finished > 0 {
		snap.TaskFailRate = float64(snap.TasksFailed) / float64(finished)
	}

	return snap, nil
}
