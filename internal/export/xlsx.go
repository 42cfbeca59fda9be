// Package export writes a run's reviewed candidates to an XLSX workbook,
// one sheet per candidate status.
package export

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

const pageSize = 500

// Header is the column row of every candidate sheet.
var Header = []string{
	"id", "status", "detection_rule", "anomaly_score", "event_timestamp",
	"duration_minutes", "building_id", "floor_id", "sensor_id",
	"electricity_delta", "temperature_delta", "humidity_delta",
	"reviewer_id", "note", "reviewed_at",
}

// Options selects what goes into the workbook.
type Options struct {
	// IncludeUnreviewed adds a sheet of candidates still awaiting review.
	IncludeUnreviewed bool
}

// Summary reports the rows written per sheet.
type Summary struct {
	RunID  string
	Sheets map[string]int
}

// Rows is the total number of candidate rows written.
func (s Summary) Rows() int {
	n := 0
	for _, v := range s.Sheets {
		n += v
	}
	return n
}

// Exporter pages candidates from the lab backend into a workbook.
type Exporter struct {
	client labapi.Client
	log    *zap.Logger
}

// New creates an Exporter.
func New(client labapi.Client) *Exporter {
	return &Exporter{client: client, log: zap.L().With(zap.String("component", "export"))}
}

// SheetName is the sheet a status is written to.
func SheetName(s model.CandidateStatus) string {
	switch s {
	case model.CandidateConfirmedPositive:
		return "Confirmed positive"
	case model.CandidateRejectedNormal:
		return "Rejected normal"
	}
	return "Unreviewed"
}

func statuses(opts Options) []model.CandidateStatus {
	out := []model.CandidateStatus{model.CandidateConfirmedPositive, model.CandidateRejectedNormal}
	if opts.IncludeUnreviewed {
		out = append(out, model.CandidateUnreviewed)
	}
	return out
}

// Write builds the workbook for runID and writes it to w.
func (e *Exporter) Write(ctx context.Context, runID string, w io.Writer, opts Options) (*Summary, error) {
	f, sum, err := e.build(ctx, runID, opts)
	if err != nil {
		return nil, err
	}
	if err := f.Write(w); err != nil {
		return nil, eris.Wrap(err, "export: write workbook")
	}
	return sum, nil
}

// Save builds the workbook for runID and saves it to path.
func (e *Exporter) Save(ctx context.Context, runID, path string, opts Options) (*Summary, error) {
	f, sum, err := e.build(ctx, runID, opts)
	if err != nil {
		return nil, err
	}
	if err := f.Save(path); err != nil {
		return nil, eris.Wrapf(err, "export: save %s", path)
	}
	e.log.Info("exported candidates",
		zap.String("run_id", runID),
		zap.String("path", path),
		zap.Int("rows", sum.Rows()),
	)
	return sum, nil
}

func (e *Exporter) build(ctx context.Context, runID string, opts Options) (*xlsx.File, *Summary, error) {
	run, err := e.client.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "export: get run %s", runID)
	}

	f := xlsx.NewFile()
	if err := addRunSheet(f, run); err != nil {
		return nil, nil, err
	}

	sum := &Summary{RunID: runID, Sheets: make(map[string]int)}
	for _, status := range statuses(opts) {
		name := SheetName(status)
		sheet, err := f.AddSheet(name)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "export: add sheet %s", name)
		}
		addStrings(sheet.AddRow(), Header)

		n, err := e.fill(ctx, runID, status, sheet)
		if err != nil {
			return nil, nil, err
		}
		sum.Sheets[name] = n
	}
	return f, sum, nil
}

// fill pages every candidate of status into sheet in event order.
func (e *Exporter) fill(ctx context.Context, runID string, status model.CandidateStatus, sheet *xlsx.Sheet) (int, error) {
	n := 0
	for page := 1; ; page++ {
		items, err := e.client.ListCandidates(ctx, runID, labapi.CandidateQuery{
			Status:   status,
			Page:     page,
			PageSize: pageSize,
			Sort:     model.Sort{Key: model.SortEventTimestamp, Order: model.SortAsc},
		})
		if err != nil {
			return n, eris.Wrapf(err, "export: list %s candidates of %s page %d", status, runID, page)
		}
		for _, c := range items {
			addCandidate(sheet.AddRow(), c)
		}
		n += len(items)
		if len(items) < pageSize {
			return n, nil
		}
	}
}

func addRunSheet(f *xlsx.File, run *model.ExperimentRun) error {
	sheet, err := f.AddSheet("Run")
	if err != nil {
		return eris.Wrap(err, "export: add run sheet")
	}
	text := func(k, v string) {
		row := sheet.AddRow()
		row.AddCell().SetString(k)
		row.AddCell().SetString(v)
	}
	count := func(k string, v int) {
		row := sheet.AddRow()
		row.AddCell().SetString(k)
		row.AddCell().SetInt(v)
	}
	text("id", run.ID)
	text("name", run.Name)
	text("status", string(run.Status))
	count("candidates", run.CandidateCount)
	count("confirmed_positive", run.PositiveLabelCount)
	count("rejected_normal", run.NegativeLabelCount)
	count("unreviewed", run.RemainingCount())
	count("total_data_pool_size", run.TotalDataPoolSize)
	return nil
}

func addCandidate(row *xlsx.Row, c model.Candidate) {
	row.AddCell().SetString(c.ID)
	row.AddCell().SetString(string(c.Status))
	row.AddCell().SetString(c.DetectionRule)
	row.AddCell().SetFloat(c.AnomalyScore)
	row.AddCell().SetString(c.EventTimestamp.UTC().Format(time.RFC3339))
	row.AddCell().SetInt(c.DurationMinutes)
	row.AddCell().SetString(c.BuildingID)
	row.AddCell().SetString(c.FloorID)
	row.AddCell().SetString(c.SensorID)
	row.AddCell().SetFloat(c.ElectricityDelta)
	row.AddCell().SetFloat(c.TemperatureDelta)
	row.AddCell().SetFloat(c.HumidityDelta)
	row.AddCell().SetString(c.ReviewerID)
	row.AddCell().SetString(c.Note)
	reviewed := ""
	if c.ReviewedAt != nil {
		reviewed = c.ReviewedAt.UTC().Format(time.RFC3339)
	}
	row.AddCell().SetString(reviewed)
}

func addStrings(row *xlsx.Row, vals []string) {
	for _, v := range vals {
		row.AddCell().SetString(v)
	}
}
