package labserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
)

// DefaultTaskRetention is how long finished tasks stay pollable.
const DefaultTaskRetention = 24 * time.Hour

// Work is the body of a generation task.
type Work func(ctx context.Context) (*model.GenerationResult, error)

// TaskRunner executes generation tasks in the background and keeps their
// state in memory for polling. Tasks do not outlive the process, and
// finished tasks are dropped once they are older than the retention window.
type TaskRunner struct {
	mu        sync.Mutex
	tasks     map[string]*model.GenerationTask
	order     []string
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	log    *zap.Logger
}

// TaskRunnerOption configures a TaskRunner.
type TaskRunnerOption func(*TaskRunner)

// WithRetention sets how long finished tasks are kept. Zero or less keeps
// the default.
func WithRetention(d time.Duration) TaskRunnerOption {
	return func(r *TaskRunner) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithTaskClock overrides the task timestamp source.
func WithTaskClock(now func() time.Time) TaskRunnerOption {
	return func(r *TaskRunner) { r.now = now }
}

// NewTaskRunner creates an idle runner.
func NewTaskRunner(opts ...TaskRunnerOption) *TaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &TaskRunner{
		tasks:     make(map[string]*model.GenerationTask),
		retention: DefaultTaskRetention,
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
		log:       zap.L().With(zap.String("component", "labserver.tasks")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers a pending task for runID and runs work in the background.
// The task is detached from the caller's context.
func (r *TaskRunner) Start(runID string, mode model.GenerationMode, work Work) model.GenerationTask {
	now := r.now()
	t := &model.GenerationTask{
		TaskID:    uuid.NewString(),
		RunID:     runID,
		Mode:      mode,
		Status:    model.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.evictLocked(now.Add(-r.retention))
	r.tasks[t.TaskID] = t
	r.order = append(r.order, t.TaskID)
	snapshot := *t
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(t.TaskID, work)
	}()
	return snapshot
}

func (r *TaskRunner) execute(id string, work Work) {
	r.update(id, func(t *model.GenerationTask) { t.Status = model.TaskRunning })

	start := time.Now()
	res, err := work(r.ctx)
	r.update(id, func(t *model.GenerationTask) {
		if err != nil {
			t.Status = model.TaskFailed
			t.Error = err.Error()
			return
		}
		t.Status = model.TaskCompleted
		t.Result = res
	})

	if err != nil {
		r.log.Warn("generation task failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	r.log.Info("generation task completed",
		zap.String("task_id", id),
		zap.Int("candidates", res.CandidateCount),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (r *TaskRunner) update(id string, fn func(*model.GenerationTask)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		fn(t)
		t.UpdatedAt = r.now()
	}
}

// Get returns a copy of the task.
func (r *TaskRunner) Get(id string) (*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task", id)
	}
	cp := *t
	if t.Result != nil {
		res := *t.Result
		cp.Result = &res
	}
	return &cp, nil
}

// Tasks returns every task in submission order.
func (r *TaskRunner) Tasks() []model.GenerationTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.GenerationTask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

// Prune drops finished tasks last updated before cutoff and returns how
// many were removed. Pending and running tasks are always kept.
func (r *TaskRunner) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(cutoff)
}

func (r *TaskRunner) evictLocked(cutoff time.Time) int {
	kept := r.order[:0]
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	removed := len(r.order) - len(kept)
	clear(r.order[len(kept):])
	r.order = kept
	return removed
}

// Wait blocks until every started task has finished.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

// Close cancels running tasks and waits for them to return.
func (r *TaskRunner) Close() {
	r.cancel()
	r.wg.Wait()
}
