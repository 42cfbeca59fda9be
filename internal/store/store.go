// Package store persists the reference backend's runs, candidates and
// trained-model records. Run label counts are never stored; every read
// derives them from the candidates table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
)

// CandidateFilter selects one page of a run's candidates.
type CandidateFilter struct {
	Status   model.CandidateStatus
	Page     int
	PageSize int
	Sort     model.Sort
}

// Store defines the persistence interface for the lab backend.
type Store interface {
	// Runs
	ListRuns(ctx context.Context) ([]model.ExperimentRun, error)
	CreateRun(ctx context.Context, run model.ExperimentRun) (*model.ExperimentRun, error)
	GetRun(ctx context.Context, id string) (*model.ExperimentRun, error)
	RenameRun(ctx context.Context, id, name string) (*model.ExperimentRun, error)
	UpdateParameters(ctx context.Context, id string, p model.FilterParameters) (*model.ExperimentRun, error)
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error
	DeleteRun(ctx context.Context, id string) error

	// Candidates
	ReplaceCandidates(ctx context.Context, runID string, p model.FilterParameters, poolSize int, items []model.Candidate) error
	ListCandidates(ctx context.Context, runID string, f CandidateFilter) ([]model.Candidate, error)
	CountCandidates(ctx context.Context, runID string, status model.CandidateStatus) (int, error)
	LabelCandidate(ctx context.Context, id string, req model.LabelRequest, at time.Time) (*model.Candidate, error)
	LabelCandidates(ctx context.Context, ids []string, req model.LabelRequest, at time.Time) (int, error)
	LabelUnreviewed(ctx context.Context, runID string, req model.LabelRequest, at time.Time) (int, error)

	// Trained models
	ListModels(ctx context.Context, runID string) ([]model.TrainedModel, error)
	CreateModel(ctx context.Context, m model.TrainedModel) (*model.TrainedModel, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// runSelect reads a run with its counts derived from candidates.
const runSelect = `SELECT r.id, r.name, r.description, r.status, r.total_data_pool_size, r.parameters, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM candidates c WHERE c.run_id = r.id),
	(SELECT COUNT(*) FROM candidates c WHERE c.run_id = r.id AND c.status = 'CONFIRMED_POSITIVE'),
	(SELECT COUNT(*) FROM candidates c WHERE c.run_id = r.id AND c.status = 'REJECTED_NORMAL')
FROM runs r`

const candidateColumns = `id, run_id, status, detection_rule, anomaly_score, event_timestamp, duration_minutes,
	building_id, floor_id, sensor_id, electricity_delta, temperature_delta, humidity_delta,
	reviewer_id, note, reviewed_at`

// copyColumns is candidateColumns as a slice, for bulk inserts.
var copyColumns = []string{
	"id", "run_id", "status", "detection_rule", "anomaly_score", "event_timestamp", "duration_minutes",
	"building_id", "floor_id", "sensor_id", "electricity_delta", "temperature_delta", "humidity_delta",
	"reviewer_id", "note", "reviewed_at",
}

// orderBy renders a validated sort. Sort keys are column names.
func orderBy(s model.Sort) (string, error) {
	if s.Key == "" {
		s = model.DefaultSort()
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	dir := "ASC"
	if s.Order == model.SortDesc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id ASC", s.Key, dir), nil
}

// window converts a page request to LIMIT and OFFSET. A page whose offset
// would not fit in an int is rejected.
func window(f CandidateFilter) (limit, offset int, err error) {
	limit = f.PageSize
	if limit <= 0 {
		limit = 100
	}
	page := max(f.Page, 1)
	if page-1 > math.MaxInt/limit {
		return 0, 0, apperr.FieldValidation("page", "must be at most %d for page size %d", math.MaxInt/limit+1, limit)
	}
	return limit, (page - 1) * limit, nil
}

func candidateRow(c model.Candidate) []any {
	var reviewed any
	if c.ReviewedAt != nil {
		reviewed = c.ReviewedAt.UTC()
	}
	return []any{
		c.ID, c.ExperimentRunID, string(c.Status), c.DetectionRule, c.AnomalyScore, c.EventTimestamp.UTC(), c.DurationMinutes,
		c.BuildingID, c.FloorID, c.SensorID, c.ElectricityDelta, c.TemperatureDelta, c.HumidityDelta,
		c.ReviewerID, c.Note, reviewed,
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func scanRun(row scannable, id string) (*model.ExperimentRun, error) {
	var (
		r      model.ExperimentRun
		status string
		params []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &status, &r.TotalDataPoolSize, &params, &r.CreatedAt, &r.UpdatedAt,
		&r.CandidateCount, &r.PositiveLabelCount, &r.NegativeLabelCount)
	if isNoRows(err) {
		return nil, apperr.NotFound("run", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}
	r.Status = model.RunStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.FilterParameters); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal parameters of %s", r.ID)
		}
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return &r, nil
}

func scanCandidate(row scannable, id string) (*model.Candidate, error) {
	var (
		c        model.Candidate
		status   string
		reviewed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ExperimentRunID, &status, &c.DetectionRule, &c.AnomalyScore, &c.EventTimestamp, &c.DurationMinutes,
		&c.BuildingID, &c.FloorID, &c.SensorID, &c.ElectricityDelta, &c.TemperatureDelta, &c.HumidityDelta,
		&c.ReviewerID, &c.Note, &reviewed)
	if isNoRows(err) {
		return nil, apperr.NotFound("candidate", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan candidate")
	}
	c.Status = model.CandidateStatus(status)
	c.EventTimestamp = c.EventTimestamp.UTC()
	if reviewed.Valid {
		t := reviewed.Time.UTC()
		c.ReviewedAt = &t
	}
	return &c, nil
}

func marshalParams(p model.FilterParameters) ([]byte, error) {
	b, err := json.Marshal(p)
	return b, eris.Wrap(err, "store: marshal parameters")
}

func scanModel(row scannable) (*model.TrainedModel, error) {
	var (
		m       model.TrainedModel
		metrics []byte
	)
	if err := row.Scan(&m.ID, &m.RunID, &m.Name, &metrics, &m.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "store: scan model")
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal metrics of %s", m.ID)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// marshalMetrics returns nil for empty metrics so the column stays NULL.
func marshalMetrics(m map[string]float64) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal metrics")
	}
	return b, nil
}
