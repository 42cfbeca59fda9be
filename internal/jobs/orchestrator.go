// Package jobs submits candidate-generation jobs to the lab backend and
// polls them to a terminal state. At most one submission per run is in
// flight; polling stops after a fixed number of status checks.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/registry"
	"github.com/sells-group/pu-workbench/internal/session"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 60
)

var (
	// ErrSubmissionInFlight rejects a second submission for a run whose
	// previous one has not reached a terminal state.
	ErrSubmissionInFlight = eris.New("jobs: a generation is already in flight for this run")
	// ErrGenerationFailed is wrapped by errors for tasks the backend failed.
	ErrGenerationFailed = eris.New("jobs: generation failed")
)

// Ticker delivers poll ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the TickerFunc backed by time.Ticker.
func NewTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPollInterval sets the spacing between status checks.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithMaxAttempts sets the status-check budget per job.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithTicker replaces the tick source.
func WithTicker(f TickerFunc) Option {
	return func(o *Orchestrator) { o.newTicker = f }
}

// WithClock replaces time.Now for progress timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs generation jobs.
type Orchestrator struct {
	client labapi.Client
	reg    *registry.Registry
	arena  *session.Arena
	log    *zap.Logger

	interval    time.Duration
	maxAttempts int
	newTicker   TickerFunc
	now         func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator.
func New(client labapi.Client, reg *registry.Registry, arena *session.Arena, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		reg:         reg,
		arena:       arena,
		log:         zap.L().With(zap.String("component", "jobs")),
		interval:    defaultPollInterval,
		maxAttempts: defaultMaxAttempts,
		newTicker:   NewTimeTicker,
		now:         time.Now,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Outcome is the result of a finished Submit.
type Outcome struct {
	Progress model.JobProgress
	// Run is the refreshed run record. Nil when the job was abandoned or the
	// refresh failed.
	Run *model.ExperimentRun
}

// Submit validates p, submits a generation for runID and polls it to a
// terminal state, then refreshes the run. Counts on the returned run come
// only from that refresh. Cancelling ctx abandons polling without cancelling
// the remote job.
func (o *Orchestrator) Submit(ctx context.Context, runID string, p model.FilterParameters, mode model.GenerationMode) (*Outcome, error) {
	req := model.GenerationRequest{Parameters: p.Clone(), Mode: mode}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := o.checkRun(ctx, runID, mode); err != nil {
		return nil, err
	}

	sess := o.arena.Session(runID)
	if !sess.TryBeginSubmission() {
		return nil, ErrSubmissionInFlight
	}
	defer sess.EndSubmission()

	ctx, cancel := context.WithCancel(ctx)
	o.track(runID, cancel)
	defer o.untrack(runID)
	defer cancel()

	l := &loop{
		o:    o,
		sess: sess,
		progress: model.JobProgress{
			RunID:       runID,
			Mode:        mode,
			State:       model.JobPending,
			MaxAttempts: o.maxAttempts,
			StartedAt:   o.now(),
		},
	}
	l.publish()
	jobErr := l.run(ctx, req)

	out := &Outcome{Progress: l.progress}
	if l.progress.State == model.JobAbandoned {
		o.log.Info("generation abandoned", zap.String("run_id", runID), zap.String("task_id", l.progress.TaskID))
		return out, jobErr
	}

	run, err := o.reg.Get(context.WithoutCancel(ctx), runID)
	if err != nil {
		o.log.Warn("refresh after generation failed", zap.String("run_id", runID), zap.Error(err))
		if jobErr == nil {
			jobErr = eris.Wrap(err, "jobs: refresh run")
		}
	}
	out.Run = run
	return out, jobErr
}

// checkRun rejects commits on completed runs before any generation call.
func (o *Orchestrator) checkRun(ctx context.Context, runID string, mode model.GenerationMode) error {
	if mode != model.GenerationCommit {
		return nil
	}
	var run *model.ExperimentRun
	if s, ok := o.arena.Lookup(runID); ok {
		run = s.Snapshot().Run
	}
	if run == nil {
		var err error
		if run, err = o.reg.Get(ctx, runID); err != nil {
			return err
		}
	}
	if run.Status == model.RunStatusCompleted {
		return apperr.Validation("run %s is completed; candidates can no longer be regenerated", runID)
	}
	return nil
}

// Abandon stops polling the in-flight job of runID, if any.
func (o *Orchestrator) Abandon(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) track(runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	delete(o.cancels, runID)
	o.mu.Unlock()
}
