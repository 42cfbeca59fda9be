// Package workbench wires the run registry, parameter store, job
// orchestrator, review queue and stage gate over one session arena and
// exposes the combined read-only View the presentation layer renders.
package workbench

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/config"
	"github.com/sells-group/pu-workbench/internal/jobs"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/params"
	"github.com/sells-group/pu-workbench/internal/registry"
	"github.com/sells-group/pu-workbench/internal/review"
	"github.com/sells-group/pu-workbench/internal/session"
	"github.com/sells-group/pu-workbench/internal/stagegate"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

// Workbench is the composition root of the client-side core.
type Workbench struct {
	Arena  *session.Arena
	Runs   *registry.Registry
	Jobs   *jobs.Orchestrator
	Review *review.Manager
	Gate   *stagegate.Gate

	drafts     *params.DraftStore
	reviewerID string
	log        *zap.Logger
}

// New builds a Workbench from cfg. Extra job options override the
// configured poll settings.
func New(client labapi.Client, cfg *config.Config, opts ...jobs.Option) *Workbench {
	arena := session.New()
	runs := registry.New(client, arena)

	jobOpts := append([]jobs.Option{
		jobs.WithPollInterval(cfg.Jobs.PollInterval()),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
	}, opts...)

	w := &Workbench{
		Arena:      arena,
		Runs:       runs,
		Jobs:       jobs.New(client, runs, arena, jobOpts...),
		Review:     review.New(client, runs, arena, cfg.Review.PageSize),
		Gate:       stagegate.New(client, runs, arena),
		reviewerID: cfg.Review.ReviewerID,
		log:        zap.L().With(zap.String("component", "workbench")),
	}
	if cfg.State.Dir != "" {
		w.drafts = params.NewDraftStore(cfg.State.Dir)
	}
	return w
}

// ReviewerID is the configured default reviewer.
func (w *Workbench) ReviewerID() string { return w.reviewerID }

// Params returns the run's parameter store. A draft left by an earlier
// invocation is restored before falling back to the run's saved parameters.
func (w *Workbench) Params(ctx context.Context, runID string) (*params.Store, error) {
	if s, ok := w.Arena.Lookup(runID); ok && s.HasParams() {
		return s.Params(model.DefaultFilterParameters), nil
	}
	if w.drafts != nil {
		d, err := w.drafts.Load(runID)
		if err != nil {
			w.log.Warn("ignoring unreadable draft", zap.String("run_id", runID), zap.Error(err))
		}
		if d != nil {
			if _, err := w.Runs.Get(ctx, runID); err != nil {
				return nil, err
			}
			st := d.Store()
			w.Arena.Session(runID).SetParams(st)
			return st, nil
		}
	}
	return w.Runs.Store(ctx, runID)
}

// SetParam parses raw for field, applies it and returns the resulting diff.
func (w *Workbench) SetParam(ctx context.Context, runID, field, raw string) ([]params.Change, error) {
	st, err := w.Params(ctx, runID)
	if err != nil {
		return nil, err
	}
	v, err := params.ParseValue(field, raw)
	if err != nil {
		return nil, err
	}
	if _, err := st.Set(field, v); err != nil {
		return nil, err
	}
	w.touch(runID)
	if err := w.saveDraft(ctx, runID, st); err != nil {
		return nil, err
	}
	return st.Diff(), nil
}

// ResetParams discards unsaved parameter edits.
func (w *Workbench) ResetParams(ctx context.Context, runID string) error {
	st, err := w.Params(ctx, runID)
	if err != nil {
		return err
	}
	st.Reset()
	w.touch(runID)
	return w.dropDraft(ctx, runID)
}

// SaveParams persists the edited parameters as the run's saved parameters.
func (w *Workbench) SaveParams(ctx context.Context, runID string) (*model.ExperimentRun, error) {
	st, err := w.Params(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err := w.Runs.SaveParameters(ctx, runID, st)
	if err != nil {
		return nil, err
	}
	w.touch(runID)
	return run, w.dropDraft(ctx, runID)
}

// Generate submits the run's current parameters. After a committed
// generation the submitted parameters become the baseline.
func (w *Workbench) Generate(ctx context.Context, runID string, mode model.GenerationMode) (*jobs.Outcome, error) {
	st, err := w.Params(ctx, runID)
	if err != nil {
		return nil, err
	}
	out, err := w.Jobs.Submit(ctx, runID, st.Get(), mode)
	if err != nil {
		return out, err
	}
	if mode == model.GenerationCommit && out.Run != nil {
		st.SetBaseline(out.Run.FilterParameters)
		w.touch(runID)
		if derr := w.dropDraft(ctx, runID); derr != nil {
			w.log.Warn("draft cleanup failed", zap.String("run_id", runID), zap.Error(derr))
		}
	}
	return out, nil
}

// Label builds a label request for the configured reviewer unless reviewer
// is set.
func (w *Workbench) Label(status model.CandidateStatus, reviewer, note string) model.LabelRequest {
	if reviewer == "" {
		reviewer = w.reviewerID
	}
	return model.LabelRequest{Status: status, ReviewerID: reviewer, Note: note}
}

// touch notifies watchers of a change outside the session state.
func (w *Workbench) touch(runID string) {
	w.Arena.Session(runID).Update(func(*session.State) {})
}

func (w *Workbench) saveDraft(ctx context.Context, runID string, st *params.Store) error {
	if w.drafts == nil {
		return nil
	}
	if err := w.drafts.Save(ctx, runID, st); err != nil {
		return eris.Wrap(err, "workbench: save draft")
	}
	return nil
}

func (w *Workbench) dropDraft(ctx context.Context, runID string) error {
	if w.drafts == nil {
		return nil
	}
	if err := w.drafts.Delete(ctx, runID); err != nil {
		return eris.Wrap(err, "workbench: delete draft")
	}
	return nil
}
