package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection keeps foreign_keys on.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'CONFIGURING',
	total_data_pool_size INTEGER NOT NULL DEFAULT 0,
	parameters           TEXT NOT NULL,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	status            TEXT NOT NULL DEFAULT 'UNREVIEWED',
	detection_rule    TEXT NOT NULL DEFAULT '',
	anomaly_score     REAL NOT NULL DEFAULT 0,
	event_timestamp   DATETIME NOT NULL,
	duration_minutes  INTEGER NOT NULL DEFAULT 0,
	building_id       TEXT NOT NULL DEFAULT '',
	floor_id          TEXT NOT NULL DEFAULT '',
	sensor_id         TEXT NOT NULL DEFAULT '',
	electricity_delta REAL NOT NULL DEFAULT 0,
	temperature_delta REAL NOT NULL DEFAULT 0,
	humidity_delta    REAL NOT NULL DEFAULT 0,
	reviewer_id       TEXT NOT NULL DEFAULT '',
	note              TEXT NOT NULL DEFAULT '',
	reviewed_at       DATETIME
);

CREATE TABLE IF NOT EXISTS trained_models (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	metrics    TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_candidates_run_status ON candidates(run_id, status);
CREATE INDEX IF NOT EXISTS idx_trained_models_run_id ON trained_models(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.ExperimentRun, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	runs := []model.ExperimentRun{}
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.ExperimentRun) (*model.ExperimentRun, error) {
	params, err := marshalParams(run.FilterParameters)
	if err != nil {
		return nil, err
	}
	run.ID = uuid.New().String()
	run.Status = model.RunStatusConfiguring
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, description, status, total_data_pool_size, parameters, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		run.ID, run.Name, run.Description, string(run.Status), string(params), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return s.GetRun(ctx, run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.ExperimentRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE r.id = ?`, id), id)
}

func (s *SQLiteStore) RenameRun(ctx context.Context, id, name string) (*model.ExperimentRun, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: rename run %s", id)
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *SQLiteStore) UpdateParameters(ctx context.Context, id string, p model.FilterParameters) (*model.ExperimentRun, error) {
	params, err := marshalParams(p)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET parameters = ?, updated_at = ? WHERE id = ?`, string(params), time.Now().UTC(), id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update parameters %s", id)
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

// ReplaceCandidates swaps the run's candidates for items in one
// transaction and records the parameters that produced them. A
// CONFIGURING run moves to LABELING.
func (s *SQLiteStore) ReplaceCandidates(ctx context.Context, runID string, p model.FilterParameters, poolSize int, items []model.Candidate) error {
	params, err := marshalParams(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET parameters = ?, total_data_pool_size = ?, updated_at = ?,
		 status = CASE WHEN status = ? THEN ? ELSE status END
		 WHERE id = ?`,
		string(params), poolSize, time.Now().UTC(),
		string(model.RunStatusConfiguring), string(model.RunStatusLabeling), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear candidates of %s", runID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO candidates (`+candidateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare candidate insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, c := range items {
		c.ExperimentRunID = runID
		if _, err := stmt.ExecContext(ctx, candidateRow(c)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert candidate %s", c.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace")
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, runID string, f CandidateFilter) ([]model.Candidate, error) {
	order, err := orderBy(f.Sort)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE run_id = ?`
	args := []any{runID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit, offset, err := window(f)
	if err != nil {
		return nil, err
	}
	query += order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidates of %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Candidate{}
	for rows.Next() {
		c, err := scanCandidate(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) CountCandidates(ctx context.Context, runID string, status model.CandidateStatus) (int, error) {
	query := `SELECT COUNT(*) FROM candidates WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count candidates of %s", runID)
}

func (s *SQLiteStore) LabelCandidate(ctx context.Context, id string, req model.LabelRequest, at time.Time) (*model.Candidate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin label")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE candidates SET status = ?, reviewer_id = ?, note = ?, reviewed_at = ? WHERE id = ?`,
		string(req.Status), req.ReviewerID, req.Note, at.UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: label candidate %s", id)
	}
	if err := checkRowsAffected(res, "candidate", id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET updated_at = ? WHERE id = (SELECT run_id FROM candidates WHERE id = ?)`, at.UTC(), id); err != nil {
		return nil, eris.Wrap(err, "sqlite: touch run")
	}
	c, err := scanCandidate(tx.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	return c, eris.Wrap(tx.Commit(), "sqlite: commit label")
}

func (s *SQLiteStore) LabelCandidates(ctx context.Context, ids []string, req model.LabelRequest, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(req.Status), req.ReviewerID, req.Note, at.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	in := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk label")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE candidates SET status = ?, reviewer_id = ?, note = ?, reviewed_at = ? WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk label")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET updated_at = ? WHERE id IN (SELECT run_id FROM candidates WHERE id IN (`+in+`))`,
		append([]any{at.UTC()}, args[4:]...)...); err != nil {
		return 0, eris.Wrap(err, "sqlite: touch runs")
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: commit bulk label")
}

func (s *SQLiteStore) LabelUnreviewed(ctx context.Context, runID string, req model.LabelRequest, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin label unreviewed")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE candidates SET status = ?, reviewer_id = ?, note = ?, reviewed_at = ? WHERE run_id = ? AND status = ?`,
		string(req.Status), req.ReviewerID, req.Note, at.UTC(), runID, string(model.CandidateUnreviewed),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: label unreviewed of %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, at.UTC(), runID); err != nil {
		return 0, eris.Wrap(err, "sqlite: touch run")
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: commit label unreviewed")
}

func (s *SQLiteStore) ListModels(ctx context.Context, runID string) ([]model.TrainedModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, metrics, created_at FROM trained_models WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list models of %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.TrainedModel{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list models iterate")
}

func (s *SQLiteStore) CreateModel(ctx context.Context, m model.TrainedModel) (*model.TrainedModel, error) {
	metrics, err := marshalMetrics(m.Metrics)
	if err != nil {
		return nil, err
	}
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trained_models (id, run_id, name, metrics, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RunID, m.Name, metrics, m.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert model for %s", m.RunID)
	}
	return &m, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}
