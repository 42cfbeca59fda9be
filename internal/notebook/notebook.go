// Package notebook publishes experiment run summaries to a Notion lab
// notebook database. Each run has exactly one page, keyed by its run id.
package notebook

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/pkg/labapi"
	"github.com/sells-group/pu-workbench/pkg/notion"
)

// Notebook database property names.
const (
	PropName       = "Name"
	PropRunID      = "Run ID"
	PropStatus     = "Status"
	PropCandidates = "Candidates"
	PropPositive   = "Confirmed Positive"
	PropNegative   = "Rejected Normal"
	PropUnreviewed = "Unreviewed"
	PropDataPool   = "Data Pool"
	PropModels     = "Models"
	PropPublished  = "Last Published"
)

// Result describes one publish.
type Result struct {
	RunID   string
	PageID  string
	Created bool
}

// Publisher writes run summaries to the notebook database.
type Publisher struct {
	lab    labapi.Client
	notion notion.Client
	dbID   string
	now    func() time.Time
}

// New creates a Publisher for the notebook database dbID.
func New(lab labapi.Client, nc notion.Client, dbID string) *Publisher {
	return &Publisher{lab: lab, notion: nc, dbID: dbID, now: time.Now}
}

// Properties renders the notebook row for run.
func Properties(run *model.ExperimentRun, models int, at time.Time) notionapi.Properties {
	return notionapi.Properties{
		PropName:       notion.Title(run.Name),
		PropRunID:      notion.Text(run.ID),
		PropStatus:     notion.Select(string(run.Status)),
		PropCandidates: notion.Number(float64(run.CandidateCount)),
		PropPositive:   notion.Number(float64(run.PositiveLabelCount)),
		PropNegative:   notion.Number(float64(run.NegativeLabelCount)),
		PropUnreviewed: notion.Number(float64(run.RemainingCount())),
		PropDataPool:   notion.Number(float64(run.TotalDataPoolSize)),
		PropModels:     notion.Number(float64(models)),
		PropPublished:  notion.DateAt(at),
	}
}

// Publish reads the run and its models from the lab backend and creates
// or updates the run's notebook page.
func (p *Publisher) Publish(ctx context.Context, runID string) (*Result, error) {
	if p.dbID == "" {
		return nil, apperr.FieldValidation("notion.notebook_db", "is not configured")
	}

	run, err := p.lab.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "notebook: get run %s", runID)
	}
	models, err := p.lab.ListModels(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "notebook: list models of %s", runID)
	}

	page, created, err := notion.Upsert(ctx, p.notion, p.dbID, PropRunID, run.ID, Properties(run, len(models), p.now()))
	if err != nil {
		return nil, eris.Wrapf(err, "notebook: publish %s", runID)
	}

	zap.L().Info("notebook: run published",
		zap.String("run_id", runID),
		zap.String("page_id", string(page.ID)),
		zap.Bool("created", created),
	)
	return &Result{RunID: runID, PageID: string(page.ID), Created: created}, nil
}

// PublishAll publishes every run, stopping at the first failure.
func (p *Publisher) PublishAll(ctx context.Context) ([]Result, error) {
	runs, err := p.lab.ListRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "notebook: list runs")
	}
	out := make([]Result, 0, len(runs))
	for _, run := range runs {
		res, err := p.Publish(ctx, run.ID)
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}
