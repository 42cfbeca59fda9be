package labserver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/store"
	"github.com/sells-group/pu-workbench/pkg/labapi"
	"github.com/sells-group/pu-workbench/pkg/scoring"
)

// fakeScorer returns n evenly spaced events.
type fakeScorer struct {
	n     int
	pool  int
	err   error
	calls atomic.Int32
}

func (f *fakeScorer) Score(_ context.Context, req scoring.Request) (*scoring.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	resp := &scoring.Response{DataPoolSize: f.pool}
	for i := range f.n {
		resp.Events = append(resp.Events, scoring.Event{
			DetectionRule:    "z_score",
			AnomalyScore:     float64(i%10) / 10,
			EventTimestamp:   base.Add(time.Duration(i) * time.Hour),
			DurationMinutes:  20,
			BuildingID:       req.Parameters.Datasets[0],
			ElectricityDelta: float64(f.n - i),
		})
	}
	return resp, nil
}

func newTestService(t *testing.T, scorer *fakeScorer, opts ...ServiceOption) *Service {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "lab.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	tasks := NewTaskRunner()
	t.Cleanup(tasks.Close)
	return NewService(st, scorer, tasks, opts...)
}

func generationParams() model.FilterParameters {
	p := model.DefaultFilterParameters()
	p.Datasets = []string{"bldg-b"}
	return p
}

func waitTask(t *testing.T, s *Service, taskID string) *model.GenerationTask {
	t.Helper()
	var task *model.GenerationTask
	require.Eventually(t, func() bool {
		task, _ = s.GetTask(context.Background(), taskID)
		return task != nil && task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

func createRun(t *testing.T, s *Service) *model.ExperimentRun {
	t.Helper()
	run, err := s.CreateRun(context.Background(), labapi.CreateRunRequest{Name: "  hall b  "})
	require.NoError(t, err)
	return run
}

func commit(t *testing.T, s *Service, runID string) *model.GenerationTask {
	t.Helper()
	ack, err := s.SubmitGeneration(context.Background(), runID, model.GenerationRequest{
		Parameters: generationParams(), Mode: model.GenerationCommit,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ack.TaskID)
	return waitTask(t, s, ack.TaskID)
}

func TestCreateRun(t *testing.T) {
	s := newTestService(t, &fakeScorer{})
	ctx := context.Background()

	run := createRun(t, s)
	assert.Equal(t, "hall b", run.Name)
	assert.Equal(t, model.RunStatusConfiguring, run.Status)
	assert.Equal(t, model.DefaultFilterParameters().OutlierZScore, run.FilterParameters.OutlierZScore)

	_, err := s.CreateRun(ctx, labapi.CreateRunRequest{Name: "   "})
	assert.True(t, apperr.IsValidation(err))

	bad := model.DefaultFilterParameters()
	bad.SpikePercent = -1
	_, err = s.CreateRun(ctx, labapi.CreateRunRequest{Name: "x", FilterParameters: &bad})
	assert.True(t, apperr.IsValidation(err))

	_, err = s.RenameRun(ctx, run.ID, "")
	assert.True(t, apperr.IsValidation(err))
}

func TestCommitGeneration(t *testing.T) {
	scorer := &fakeScorer{n: 30, pool: 8760}
	s := newTestService(t, scorer)
	ctx := context.Background()
	run := createRun(t, s)

	task := commit(t, s, run.ID)
	require.Equal(t, model.TaskCompleted, task.Status, task.Error)
	assert.Equal(t, 30, task.Result.CandidateCount)
	assert.Equal(t, 8760, task.Result.TotalDataPoolSize)

	run, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusLabeling, run.Status)
	assert.Equal(t, 30, run.CandidateCount)
	assert.Equal(t, []string{"bldg-b"}, run.FilterParameters.Datasets)

	items, err := s.ListCandidates(ctx, run.ID, labapi.CandidateQuery{PageSize: 5, Sort: model.Sort{Key: model.SortElectricityDelta}})
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, 1.0, items[0].ElectricityDelta)
}

func TestPreviewLeavesRunUntouched(t *testing.T) {
	s := newTestService(t, &fakeScorer{n: 12, pool: 100}, WithSyncPreview(true))
	ctx := context.Background()
	run := createRun(t, s)

	ack, err := s.SubmitGeneration(ctx, run.ID, model.GenerationRequest{Parameters: generationParams(), Mode: model.GenerationPreview})
	require.NoError(t, err)
	require.True(t, ack.Synchronous())
	assert.Equal(t, 12, ack.Result.CandidateCount)

	after, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConfiguring, after.Status)
	assert.Zero(t, after.CandidateCount)
	assert.Empty(t, after.FilterParameters.Datasets)
}

func TestAsyncPreview(t *testing.T) {
	s := newTestService(t, &fakeScorer{n: 12, pool: 100})
	run := createRun(t, s)

	ack, err := s.SubmitGeneration(context.Background(), run.ID, model.GenerationRequest{Parameters: generationParams(), Mode: model.GenerationPreview})
	require.NoError(t, err)
	task := waitTask(t, s, ack.TaskID)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, model.GenerationPreview, task.Mode)
	assert.Equal(t, 12, task.Result.CandidateCount)
}

func TestSubmitGenerationValidation(t *testing.T) {
	scorer := &fakeScorer{n: 3}
	s := newTestService(t, scorer)
	ctx := context.Background()
	run := createRun(t, s)

	_, err := s.SubmitGeneration(ctx, run.ID, model.GenerationRequest{Parameters: model.DefaultFilterParameters(), Mode: model.GenerationCommit})
	assert.True(t, apperr.IsValidation(err), "no dataset selected")

	_, err = s.SubmitGeneration(ctx, run.ID, model.GenerationRequest{Parameters: generationParams(), Mode: "dry-run"})
	assert.True(t, apperr.IsValidation(err))

	_, err = s.SubmitGeneration(ctx, "run-404", model.GenerationRequest{Parameters: generationParams(), Mode: model.GenerationCommit})
	assert.True(t, apperr.IsNotFound(err))
	assert.Zero(t, scorer.calls.Load())
}

func TestFailedScoringFailsTask(t *testing.T) {
	s := newTestService(t, &fakeScorer{err: errors.New("scorer exploded")})
	run := createRun(t, s)

	task := commit(t, s, run.ID)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "scorer exploded")

	run, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConfiguring, run.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestService(t, &fakeScorer{})
	_, err := s.GetTask(context.Background(), "task-404")
	assert.True(t, apperr.IsNotFound(err))
}

func TestLabelingAndMarkComplete(t *testing.T) {
	s := newTestService(t, &fakeScorer{n: 10, pool: 50})
	ctx := context.Background()
	run := createRun(t, s)

	_, err := s.MarkComplete(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("run %s is CONFIGURING", run.ID), err.Error())

	commit(t, s, run.ID)
	items, err := s.ListCandidates(ctx, run.ID, labapi.CandidateQuery{Status: model.CandidateUnreviewed, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, items, 3)

	positive := model.LabelRequest{Status: model.CandidateConfirmedPositive, ReviewerID: "ana"}
	c, err := s.LabelCandidate(ctx, items[0].ID, positive)
	require.NoError(t, err)
	assert.Equal(t, "ana", c.ReviewerID)

	_, err = s.LabelCandidate(ctx, items[0].ID, model.LabelRequest{Status: model.CandidateUnreviewed, ReviewerID: "ana"})
	assert.True(t, apperr.IsValidation(err))
	_, err = s.LabelCandidate(ctx, "missing", positive)
	assert.True(t, apperr.IsNotFound(err))

	res, err := s.BulkLabel(ctx, []string{items[1].ID, items[2].ID, "missing"}, positive)
	require.NoError(t, err)
	assert.Equal(t, model.BulkLabelResult{Requested: 3, Affected: 2}, *res)
	assert.True(t, res.Partial())

	_, err = s.BulkLabel(ctx, nil, positive)
	assert.True(t, apperr.IsValidation(err))

	_, err = s.MarkComplete(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, "7 candidates remain unreviewed", err.Error())

	res, err = s.LabelUnreviewed(ctx, run.ID, model.LabelRequest{Status: model.CandidateRejectedNormal, ReviewerID: "ana"})
	require.NoError(t, err)
	assert.Equal(t, model.BulkLabelResult{Requested: 7, Affected: 7}, *res)

	done, err := s.MarkComplete(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.Equal(t, 3, done.PositiveLabelCount)
	assert.Equal(t, 7, done.NegativeLabelCount)

	_, err = s.SubmitGeneration(ctx, run.ID, model.GenerationRequest{Parameters: generationParams(), Mode: model.GenerationCommit})
	assert.True(t, apperr.IsValidation(err), "completed runs reject commits")
}

func TestListCandidatesValidation(t *testing.T) {
	s := newTestService(t, &fakeScorer{})
	ctx := context.Background()
	run := createRun(t, s)

	_, err := s.ListCandidates(ctx, run.ID, labapi.CandidateQuery{PageSize: 501})
	assert.True(t, apperr.IsValidation(err))
	_, err = s.ListCandidates(ctx, run.ID, labapi.CandidateQuery{Status: "MAYBE"})
	assert.True(t, apperr.IsValidation(err))
	_, err = s.ListCandidates(ctx, run.ID, labapi.CandidateQuery{Sort: model.Sort{Key: "sensor_id"}})
	assert.True(t, apperr.IsValidation(err))
	_, err = s.ListCandidates(ctx, "run-404", labapi.CandidateQuery{})
	assert.True(t, apperr.IsNotFound(err))
}

func TestModels(t *testing.T) {
	s := newTestService(t, &fakeScorer{})
	ctx := context.Background()
	run := createRun(t, s)

	_, err := s.RegisterModel(ctx, run.ID, labapi.RegisterModelRequest{})
	assert.True(t, apperr.IsValidation(err))

	m, err := s.RegisterModel(ctx, run.ID, labapi.RegisterModelRequest{Name: "pu-bagging", Metrics: map[string]float64{"auc": 0.91}})
	require.NoError(t, err)
	assert.Equal(t, run.ID, m.RunID)

	models, err := s.ListModels(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, 0.91, models[0].Metrics["auc"])

	require.NoError(t, s.DeleteRun(ctx, run.ID))
	_, err = s.ListModels(ctx, run.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(s.DeleteRun(ctx, run.ID)))
}
