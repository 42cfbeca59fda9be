package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/db"
	"github.com/sells-group/pu-workbench/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgres(pool), nil
}

func newPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'CONFIGURING',
	total_data_pool_size INTEGER NOT NULL DEFAULT 0,
	parameters           JSONB NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidates (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	status            TEXT NOT NULL DEFAULT 'UNREVIEWED',
	detection_rule    TEXT NOT NULL DEFAULT '',
	anomaly_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	event_timestamp   TIMESTAMPTZ NOT NULL,
	duration_minutes  INTEGER NOT NULL DEFAULT 0,
	building_id       TEXT NOT NULL DEFAULT '',
	floor_id          TEXT NOT NULL DEFAULT '',
	sensor_id         TEXT NOT NULL DEFAULT '',
	electricity_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
	temperature_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
	humidity_delta    DOUBLE PRECISION NOT NULL DEFAULT 0,
	reviewer_id       TEXT NOT NULL DEFAULT '',
	note              TEXT NOT NULL DEFAULT '',
	reviewed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS trained_models (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	metrics    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_candidates_run_status ON candidates(run_id, status);
CREATE INDEX IF NOT EXISTS idx_candidates_run_event ON candidates(run_id, event_timestamp, id);
CREATE INDEX IF NOT EXISTS idx_trained_models_run_id ON trained_models(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.ExperimentRun, error) {
	rows, err := s.pool.Query(ctx, runSelect+` ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.ExperimentRun{}
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context, run model.ExperimentRun) (*model.ExperimentRun, error) {
	params, err := marshalParams(run.FilterParameters)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	now := s.now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, name, description, status, total_data_pool_size, parameters, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`,
		id, run.Name, run.Description, string(model.RunStatusConfiguring), params, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return s.GetRun(ctx, id)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.ExperimentRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, runSelect+` WHERE r.id = $1`, id), id)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, err
}

func (s *PostgresStore) RenameRun(ctx context.Context, id, name string) (*model.ExperimentRun, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET name = $1, updated_at = $2 WHERE id = $3`, name, s.now(), id)
	if err := affected(tag, err, "run", id); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *PostgresStore) UpdateParameters(ctx context.Context, id string, p model.FilterParameters) (*model.ExperimentRun, error) {
	params, err := marshalParams(p)
	if err != nil {
		return nil, err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET parameters = $1, updated_at = $2 WHERE id = $3`, params, s.now(), id)
	if err := affected(tag, err, "run", id); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`, string(status), s.now(), id)
	return affected(tag, err, "run", id)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	return affected(tag, err, "run", id)
}

// ReplaceCandidates swaps the run's candidates for items in one
// transaction, bulk-loading them with COPY.
func (s *PostgresStore) ReplaceCandidates(ctx context.Context, runID string, p model.FilterParameters, poolSize int, items []model.Candidate) error {
	params, err := marshalParams(p)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET parameters = $1, total_data_pool_size = $2, updated_at = $3,
		 status = CASE WHEN status = $4 THEN $5 ELSE status END
		 WHERE id = $6`,
		params, poolSize, s.now(), string(model.RunStatusConfiguring), string(model.RunStatusLabeling), runID,
	)
	if err := affected(tag, err, "run", runID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM candidates WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear candidates of %s", runID)
	}

	rows := make([][]any, len(items))
	for i, c := range items {
		c.ExperimentRunID = runID
		rows[i] = candidateRow(c)
	}
	if _, err := db.CopyFrom(ctx, tx, "candidates", copyColumns, rows); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace")
}

func (s *PostgresStore) ListCandidates(ctx context.Context, runID string, f CandidateFilter) ([]model.Candidate, error) {
	order, err := orderBy(f.Sort)
	if err != nil {
		return nil, err
	}
	limit, offset, err := window(f)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE run_id = $1`
	args := []any{runID}
	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, string(f.Status))
	}
	query += order + ` LIMIT ` + placeholder(len(args)+1) + ` OFFSET ` + placeholder(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidates of %s", runID)
	}
	defer rows.Close()

	out := []model.Candidate{}
	for rows.Next() {
		c, err := scanCandidate(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) CountCandidates(ctx context.Context, runID string, status model.CandidateStatus) (int, error) {
	query := `SELECT COUNT(*) FROM candidates WHERE run_id = $1`
	args := []any{runID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	var n int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count candidates of %s", runID)
}

func (s *PostgresStore) LabelCandidate(ctx context.Context, id string, req model.LabelRequest, at time.Time) (*model.Candidate, error) {
	row := s.pool.QueryRow(ctx,
		`WITH labeled AS (
			UPDATE candidates SET status = $1, reviewer_id = $2, note = $3, reviewed_at = $4 WHERE id = $5
			RETURNING `+candidateColumns+`
		), touched AS (
			UPDATE runs SET updated_at = $4 WHERE id IN (SELECT run_id FROM labeled)
		)
		SELECT `+candidateColumns+` FROM labeled`,
		string(req.Status), req.ReviewerID, req.Note, at.UTC(), id,
	)
	c, err := scanCandidate(row, id)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, eris.Wrapf(err, "postgres: label candidate %s", id)
	}
	return c, err
}

func (s *PostgresStore) LabelCandidates(ctx context.Context, ids []string, req model.LabelRequest, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`WITH labeled AS (
			UPDATE candidates SET status = $1, reviewer_id = $2, note = $3, reviewed_at = $4 WHERE id = ANY($5)
			RETURNING run_id
		), touched AS (
			UPDATE runs SET updated_at = $4 WHERE id IN (SELECT run_id FROM labeled)
		)
		SELECT COUNT(*) FROM labeled`,
		string(req.Status), req.ReviewerID, req.Note, at.UTC(), ids,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: bulk label")
}

func (s *PostgresStore) LabelUnreviewed(ctx context.Context, runID string, req model.LabelRequest, at time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin label unreviewed")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE candidates SET status = $1, reviewer_id = $2, note = $3, reviewed_at = $4 WHERE run_id = $5 AND status = $6`,
		string(req.Status), req.ReviewerID, req.Note, at.UTC(), runID, string(model.CandidateUnreviewed),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: label unreviewed of %s", runID)
	}
	if _, err := tx.Exec(ctx, `UPDATE runs SET updated_at = $1 WHERE id = $2`, at.UTC(), runID); err != nil {
		return 0, eris.Wrap(err, "postgres: touch run")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit label unreviewed")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListModels(ctx context.Context, runID string) ([]model.TrainedModel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, metrics, created_at FROM trained_models WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list models of %s", runID)
	}
	defer rows.Close()

	out := []model.TrainedModel{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list models iterate")
}

func (s *PostgresStore) CreateModel(ctx context.Context, m model.TrainedModel) (*model.TrainedModel, error) {
	metrics, err := marshalMetrics(m.Metrics)
	if err != nil {
		return nil, err
	}
	m.ID = uuid.New().String()
	m.CreatedAt = s.now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trained_models (id, run_id, name, metrics, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.RunID, m.Name, metrics, m.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert model for %s", m.RunID)
	}
	return &m, nil
}

func affected(tag pgconn.CommandTag, err error, entity, id string) error {
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", entity, id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
