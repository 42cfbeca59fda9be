// Package stagegate decides which pipeline stages a run may enter and
// guards the transition of a run to COMPLETED.
package stagegate

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/registry"
	"github.com/sells-group/pu-workbench/internal/session"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

// Stage is one step of the labeling pipeline, in order.
type Stage int

const (
	StageGeneration Stage = iota + 1
	StageLabeling
	StageTraining
	StageResults
)

var stageNames = map[Stage]string{
	StageGeneration: "generation",
	StageLabeling:   "labeling",
	StageTraining:   "training",
	StageResults:    "results",
}

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageGeneration, StageLabeling, StageTraining, StageResults}
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStage accepts a stage name or its 1-based number.
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, n := range stageNames {
		if v == n || v == strconv.Itoa(int(s)) {
			return s, nil
		}
	}
	return 0, apperr.FieldValidation("stage", "unknown stage %q", v)
}

// Flags records which stages are unlocked.
type Flags struct {
	Generation bool `json:"generation"`
	Labeling   bool `json:"labeling"`
	Training   bool `json:"training"`
	Results    bool `json:"results"`
}

// Evaluate derives stage access from a run and its trained-model count.
// Training opens as soon as one positive label exists, before the run is
// completed.
func Evaluate(run *model.ExperimentRun, modelCount int) Flags {
	if run == nil {
		return Flags{Generation: true}
	}
	return Flags{
		Generation: true,
		Labeling:   run.Status != model.RunStatusConfiguring,
		Training:   run.Status == model.RunStatusCompleted || run.PositiveLabelCount > 0,
		Results:    modelCount > 0,
	}
}

// CanEnter reports whether stage s is unlocked.
func (f Flags) CanEnter(s Stage) bool {
	switch s {
	case StageGeneration:
		return f.Generation
	case StageLabeling:
		return f.Labeling
	case StageTraining:
		return f.Training
	case StageResults:
		return f.Results
	}
	return false
}

// Highest is the furthest unlocked stage.
func (f Flags) Highest() Stage {
	best := StageGeneration
	for _, s := range Stages() {
		if f.CanEnter(s) {
			best = s
		}
	}
	return best
}

// Gate evaluates stage access for runs and completes them.
type Gate struct {
	client labapi.Client
	reg    *registry.Registry
	arena  *session.Arena
	log    *zap.Logger
}

// New creates a Gate.
func New(client labapi.Client, reg *registry.Registry, arena *session.Arena) *Gate {
	return &Gate{client: client, reg: reg, arena: arena, log: zap.L().With(zap.String("component", "stagegate"))}
}

// Check refreshes the run and its trained-model count and returns the flags.
func (g *Gate) Check(ctx context.Context, runID string) (Flags, error) {
	run, models, err := g.reg.Refresh(ctx, runID)
	if err != nil {
		return Flags{}, err
	}
	return Evaluate(run, models), nil
}

// MarkComplete moves a fully labeled run from LABELING to COMPLETED.
// The session's copy of the run is checked first, so a run that is not
// LABELING or still has unreviewed candidates is refused without any
// backend call. A run that passes is re-read and checked again before the
// mutating call.
func (g *Gate) MarkComplete(ctx context.Context, runID string) (*model.ExperimentRun, error) {
	if s, ok := g.arena.Lookup(runID); ok {
		if cached := s.Snapshot().Run; cached != nil {
			if err := completable(cached); err != nil {
				return nil, err
			}
		}
	}

	run, err := g.reg.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := completable(run); err != nil {
		return nil, err
	}

	if _, err := g.client.MarkComplete(ctx, runID); err != nil {
		return nil, eris.Wrapf(err, "stagegate: mark %s complete", runID)
	}
	g.log.Info("run completed", zap.String("run_id", runID), zap.Int("candidates", run.CandidateCount))

	run, err = g.reg.Get(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "stagegate: refresh after completion")
	}
	return run, nil
}

func completable(run *model.ExperimentRun) error {
	if !run.Status.CanTransition(model.RunStatusCompleted) {
		return apperr.Validation("run %s is %s; only a run in %s can be completed", run.ID, run.Status, model.RunStatusLabeling)
	}
	if err := run.CheckCounts(); err != nil {
		return eris.Wrap(err, "stagegate: inconsistent counts")
	}
	if n := run.RemainingCount(); n > 0 {
		return apperr.Validation("%d candidates remain unreviewed", n)
	}
	return nil
}
