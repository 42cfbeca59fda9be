// Package labserver is the reference lab backend: the HTTP API the
// workbench talks to, served from a SQL store, with candidate scoring
// delegated to the external scoring service.
package labserver

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/store"
	"github.com/sells-group/pu-workbench/pkg/labapi"
	"github.com/sells-group/pu-workbench/pkg/scoring"
)

// maxPageSize bounds candidate pages.
const maxPageSize = 500

var _ labapi.Client = (*Service)(nil)

// Service applies the lab backend's rules on top of a Store. It satisfies
// labapi.Client so the workbench can also drive it in-process.
type Service struct {
	store       store.Store
	scorer      scoring.Client
	tasks       *TaskRunner
	syncPreview bool
	now         func() time.Time
	log         *zap.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSyncPreview answers preview submissions inline instead of starting a task.
func WithSyncPreview(on bool) ServiceOption {
	return func(s *Service) { s.syncPreview = on }
}

// WithClock overrides the label timestamp source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(st store.Store, scorer scoring.Client, tasks *TaskRunner, opts ...ServiceOption) *Service {
	s := &Service{
		store:  st,
		scorer: scorer,
		tasks:  tasks,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.L().With(zap.String("component", "labserver")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tasks exposes the task runner, for monitoring.
func (s *Service) Tasks() *TaskRunner { return s.tasks }

func (s *Service) ListRuns(ctx context.Context) ([]model.ExperimentRun, error) {
	return s.store.ListRuns(ctx)
}

func (s *Service) CreateRun(ctx context.Context, req labapi.CreateRunRequest) (*model.ExperimentRun, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.FieldValidation("name", "is required")
	}
	p := model.DefaultFilterParameters()
	if req.FilterParameters != nil {
		p = req.FilterParameters.Clone()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	run, err := s.store.CreateRun(ctx, model.ExperimentRun{Name: name, Description: req.Description, FilterParameters: p})
	if err != nil {
		return nil, err
	}
	s.log.Info("run created", zap.String("run_id", run.ID), zap.String("name", run.Name))
	return run, nil
}

func (s *Service) GetRun(ctx context.Context, id string) (*model.ExperimentRun, error) {
	return s.store.GetRun(ctx, id)
}

func (s *Service) RenameRun(ctx context.Context, id, name string) (*model.ExperimentRun, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.FieldValidation("name", "is required")
	}
	return s.store.RenameRun(ctx, id, name)
}

func (s *Service) DeleteRun(ctx context.Context, id string) error {
	if err := s.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.log.Info("run deleted", zap.String("run_id", id))
	return nil
}

func (s *Service) GetParameters(ctx context.Context, runID string) (*model.FilterParameters, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &run.FilterParameters, nil
}

func (s *Service) UpdateParameters(ctx context.Context, runID string, p model.FilterParameters) (*model.ExperimentRun, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.store.UpdateParameters(ctx, runID, p)
}

// SubmitGeneration validates the request and either scores a preview
// inline or starts a background task.
func (s *Service) SubmitGeneration(ctx context.Context, runID string, req model.GenerationRequest) (*model.GenerationAck, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Mode == model.GenerationCommit && run.Status == model.RunStatusCompleted {
		return nil, apperr.Validation("run %s is completed", runID)
	}

	p := req.Parameters.Clone()
	if req.Mode == model.GenerationPreview && s.syncPreview {
		res, err := s.generate(ctx, runID, p, req.Mode)
		if err != nil {
			return nil, err
		}
		return &model.GenerationAck{Result: res}, nil
	}

	t := s.tasks.Start(runID, req.Mode, func(ctx context.Context) (*model.GenerationResult, error) {
		return s.generate(ctx, runID, p, req.Mode)
	})
	s.log.Info("generation submitted",
		zap.String("run_id", runID),
		zap.String("task_id", t.TaskID),
		zap.String("mode", string(req.Mode)),
	)
	return &model.GenerationAck{TaskID: t.TaskID}, nil
}

// generate scores p. A commit replaces the run's candidates and reports the
// counts read back from the store.
func (s *Service) generate(ctx context.Context, runID string, p model.FilterParameters, mode model.GenerationMode) (*model.GenerationResult, error) {
	resp, err := s.scorer.Score(ctx, scoring.Request{RunID: runID, Parameters: p})
	if err != nil {
		return nil, err
	}
	if mode == model.GenerationPreview {
		return &model.GenerationResult{CandidateCount: len(resp.Events), TotalDataPoolSize: resp.DataPoolSize}, nil
	}

	items := make([]model.Candidate, len(resp.Events))
	for i, e := range resp.Events {
		items[i] = e.Candidate(uuid.NewString(), runID)
	}
	if err := s.store.ReplaceCandidates(ctx, runID, p, resp.DataPoolSize, items); err != nil {
		return nil, eris.Wrapf(err, "labserver: store candidates of %s", runID)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &model.GenerationResult{
		CandidateCount:     run.CandidateCount,
		PositiveLabelCount: run.PositiveLabelCount,
		NegativeLabelCount: run.NegativeLabelCount,
		TotalDataPoolSize:  run.TotalDataPoolSize,
	}, nil
}

func (s *Service) GetTask(_ context.Context, taskID string) (*model.GenerationTask, error) {
	return s.tasks.Get(taskID)
}

func (s *Service) ListCandidates(ctx context.Context, runID string, q labapi.CandidateQuery) ([]model.Candidate, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.FieldValidation("status", "unknown candidate status %q", q.Status)
	}
	if q.Page < 0 {
		return nil, apperr.FieldValidation("page", "must be at least 1")
	}
	if q.PageSize < 0 || q.PageSize > maxPageSize {
		return nil, apperr.FieldValidation("page_size", "must be between 1 and %d", maxPageSize)
	}
	sort := q.Sort
	if sort.Key != "" && sort.Order == "" {
		sort.Order = model.SortAsc
	}
	return s.store.ListCandidates(ctx, runID, store.CandidateFilter{
		Status:   q.Status,
		Page:     q.Page,
		PageSize: q.PageSize,
		Sort:     sort,
	})
}

func (s *Service) CountCandidates(ctx context.Context, runID string, status model.CandidateStatus) (int, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	if status != "" && !status.Valid() {
		return 0, apperr.FieldValidation("status", "unknown candidate status %q", status)
	}
	return s.store.CountCandidates(ctx, runID, status)
}

func (s *Service) LabelCandidate(ctx context.Context, candidateID string, req model.LabelRequest) (*model.Candidate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.store.LabelCandidate(ctx, candidateID, req, s.now())
}

func (s *Service) BulkLabel(ctx context.Context, ids []string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.FieldValidation("ids", "no candidates selected")
	}
	n, err := s.store.LabelCandidates(ctx, ids, req, s.now())
	if err != nil {
		return nil, err
	}
	return &model.BulkLabelResult{Requested: len(ids), Affected: n}, nil
}

func (s *Service) LabelUnreviewed(ctx context.Context, runID string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	requested, err := s.store.CountCandidates(ctx, runID, model.CandidateUnreviewed)
	if err != nil {
		return nil, err
	}
	n, err := s.store.LabelUnreviewed(ctx, runID, req, s.now())
	if err != nil {
		return nil, err
	}
	return &model.BulkLabelResult{Requested: requested, Affected: n}, nil
}

// MarkComplete moves a fully labeled LABELING run to COMPLETED.
func (s *Service) MarkComplete(ctx context.Context, runID string) (*model.ExperimentRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.CanTransition(model.RunStatusCompleted) {
		return nil, apperr.Validation("run %s is %s", runID, run.Status)
	}
	if n := run.RemainingCount(); n > 0 {
		return nil, apperr.Validation("%d candidates remain unreviewed", n)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, model.RunStatusCompleted); err != nil {
		return nil, err
	}
	s.log.Info("run completed",
		zap.String("run_id", runID),
		zap.Int("positive", run.PositiveLabelCount),
		zap.Int("negative", run.NegativeLabelCount),
	)
	return s.store.GetRun(ctx, runID)
}

func (s *Service) ListModels(ctx context.Context, runID string) ([]model.TrainedModel, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListModels(ctx, runID)
}

func (s *Service) RegisterModel(ctx context.Context, runID string, req labapi.RegisterModelRequest) (*model.TrainedModel, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.FieldValidation("name", "is required")
	}
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.CreateModel(ctx, model.TrainedModel{RunID: runID, Name: strings.TrimSpace(req.Name), Metrics: req.Metrics})
}
