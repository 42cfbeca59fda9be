package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s := newPostgres(mock)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var runColumns = []string{
	"id", "name", "description", "status", "total_data_pool_size", "parameters", "created_at", "updated_at",
	"candidate_count", "positive_label_count", "negative_label_count",
}

func TestPostgresGetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT r.id, .+ FROM runs r WHERE r.id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			"run-1", "hall b", "", "LABELING", 4000, []byte(`{"outlier_z_score":3.5}`), fixedNow, fixedNow,
			120, 10, 5,
		))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusLabeling, run.Status)
	assert.Equal(t, 3.5, run.FilterParameters.OutlierZScore)
	assert.Equal(t, 105, run.RemainingCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs r WHERE r.id`).
		WithArgs("run-404").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "run-404")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestPostgresGetRun_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs r WHERE r.id`).
		WithArgs("run-1").
		WillReturnError(errors.New("connection refused"))

	_, err := s.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.False(t, apperr.IsNotFound(err))
	assert.Contains(t, err.Error(), "postgres: get run run-1")
}

func TestPostgresRenameRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET name`).
		WithArgs("renamed", fixedNow, "run-404").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := s.RenameRun(context.Background(), "run-404", "renamed")
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := append([]string(nil), copyColumns...)
	mock.ExpectQuery(`SELECT id, run_id, .+ FROM candidates WHERE run_id = \$1 AND status = \$2 ORDER BY electricity_delta DESC, id ASC LIMIT \$3 OFFSET \$4`).
		WithArgs("run-1", "UNREVIEWED", 25, 25).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"c026", "run-1", "UNREVIEWED", "spike", 0.91, fixedNow, 45,
			"bldg-b", "floor-1", "s-7", 12.5, 0.3, -1.2,
			"", "", sql.NullTime{},
		))

	items, err := s.ListCandidates(context.Background(), "run-1", CandidateFilter{
		Status:   model.CandidateUnreviewed,
		Page:     2,
		PageSize: 25,
		Sort:     model.Sort{Key: model.SortElectricityDelta, Order: model.SortDesc},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c026", items[0].ID)
	assert.Nil(t, items[0].ReviewedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListCandidates_BadSort(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.ListCandidates(context.Background(), "run-1", CandidateFilter{
		Sort: model.Sort{Key: "id; DROP TABLE runs", Order: model.SortAsc},
	})
	assert.True(t, apperr.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	p := model.DefaultFilterParameters()
	items := []model.Candidate{
		{ID: "c1", Status: model.CandidateUnreviewed, EventTimestamp: fixedNow},
		{ID: "c2", Status: model.CandidateUnreviewed, EventTimestamp: fixedNow.Add(time.Hour)},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE runs SET parameters = \$1, total_data_pool_size = \$2`).
		WithArgs(pgxmock.AnyArg(), 4000, fixedNow, "CONFIGURING", "LABELING", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM candidates WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectCopyFrom(pgx.Identifier{"candidates"}, copyColumns).WillReturnResult(2)
	mock.ExpectCommit()

	err := s.ReplaceCandidates(context.Background(), "run-1", p, 4000, items)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceCandidates_MissingRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE runs SET parameters`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ReplaceCandidates(context.Background(), "run-404", model.DefaultFilterParameters(), 0, nil)
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceCandidates_CopyError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE runs SET parameters`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM candidates`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"candidates"}, copyColumns).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.ReplaceCandidates(context.Background(), "run-1", model.DefaultFilterParameters(), 10,
		[]model.Candidate{{ID: "c1", EventTimestamp: fixedNow}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO candidates")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLabelCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	req := model.LabelRequest{Status: model.CandidateConfirmedPositive, ReviewerID: "ana"}

	mock.ExpectQuery(`WHERE id = ANY\(\$5\)`).
		WithArgs("CONFIRMED_POSITIVE", "ana", "", fixedNow, []string{"c1", "c2", "c9"}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.LabelCandidates(context.Background(), []string{"c1", "c2", "c9"}, req, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLabelCandidates_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.LabelCandidates(context.Background(), nil, model.LabelRequest{}, fixedNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLabelUnreviewed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	req := model.LabelRequest{Status: model.CandidateRejectedNormal, ReviewerID: "ana", Note: "baseline"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE candidates SET status = \$1 .+ WHERE run_id = \$5 AND status = \$6`).
		WithArgs("REJECTED_NORMAL", "ana", "baseline", fixedNow, "run-1", "UNREVIEWED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 37))
	mock.ExpectExec(`UPDATE runs SET updated_at`).
		WithArgs(fixedNow, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := s.LabelUnreviewed(context.Background(), "run-1", req, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 37, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateModel(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO trained_models`).
		WithArgs(pgxmock.AnyArg(), "run-1", "pu-bagging", []byte(`{"f1":0.82}`), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	m, err := s.CreateModel(context.Background(), model.TrainedModel{
		RunID: "run-1", Name: "pu-bagging", Metrics: map[string]float64{"f1": 0.82},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, fixedNow, m.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
