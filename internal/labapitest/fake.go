// Package labapitest provides an in-memory labapi.Client for tests. It keeps
// runs, candidates, tasks and models in maps and applies the same rules the
// lab backend does, with hooks to inject failures and control task timing.
package labapitest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

var _ labapi.Client = (*Fake)(nil)

type task struct {
	model.GenerationTask
	params model.FilterParameters
	polls  int
}

// Fake is a concurrency-safe in-memory backend.
type Fake struct {
	mu sync.Mutex

	runs       map[string]*model.ExperimentRun
	order      []string
	candidates map[string]*model.Candidate
	byRun      map[string][]string
	tasks      map[string]*task
	models     map[string][]model.TrainedModel
	seq        int

	calls    map[string]int
	failures map[string][]error

	// Generated is the number of candidates a generation yields.
	Generated int
	// PoolSize is the total data pool size reported by a generation.
	PoolSize int
	// SyncPreview makes preview submissions answer with an inline result.
	SyncPreview bool
	// PollsToFinish is how many GetTask calls report running before the
	// task finishes. Negative means the task never finishes.
	PollsToFinish int
	// FailTasks makes every task finish as failed.
	FailTasks bool
	// BulkCap limits how many candidates a bulk mutation affects (0 = no cap).
	BulkCap int
	// Now supplies timestamps.
	Now func() time.Time
}

// New returns an empty fake that yields 120 candidates per generation.
func New() *Fake {
	return &Fake{
		runs:          make(map[string]*model.ExperimentRun),
		candidates:    make(map[string]*model.Candidate),
		byRun:         make(map[string][]string),
		tasks:         make(map[string]*task),
		models:        make(map[string][]model.TrainedModel),
		calls:         make(map[string]int),
		failures:      make(map[string][]error),
		Generated:     120,
		PoolSize:      50000,
		PollsToFinish: 2,
		Now:           func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) },
	}
}

// FailNext queues err to be returned by the next call of method.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// Calls returns how many times method has been invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter records a call and pops an injected failure. Caller holds mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) run(id string) (*model.ExperimentRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, apperr.NotFound("run", id)
	}
	return r, nil
}

func copyRun(r *model.ExperimentRun) *model.ExperimentRun {
	cp := *r
	cp.FilterParameters = cp.FilterParameters.Clone()
	return &cp
}

// SeedRun inserts a run directly and returns its copy.
func (f *Fake) SeedRun(r model.ExperimentRun) *model.ExperimentRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = f.nextID("run")
	}
	if r.Status == "" {
		r.Status = model.RunStatusConfiguring
	}
	f.runs[r.ID] = copyRun(&r)
	f.order = append(f.order, r.ID)
	return copyRun(&r)
}

// SeedCandidates inserts candidates for runID and recounts the run.
func (f *Fake) SeedCandidates(runID string, items []model.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range items {
		c := items[i]
		c.ExperimentRunID = runID
		if c.Status == "" {
			c.Status = model.CandidateUnreviewed
		}
		f.candidates[c.ID] = &c
		f.byRun[runID] = append(f.byRun[runID], c.ID)
	}
	f.recount(runID)
}

// SetRunStatus forces a run's status.
func (f *Fake) SetRunStatus(runID string, s model.RunStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runID]; ok {
		r.Status = s
	}
}

// RemoveRun deletes a run behind the client's back.
func (f *Fake) RemoveRun(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteRun(runID)
}

// RemoveCandidate deletes a candidate behind the client's back.
func (f *Fake) RemoveCandidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[id]
	if !ok {
		return
	}
	delete(f.candidates, id)
	ids := f.byRun[c.ExperimentRunID]
	for i, cid := range ids {
		if cid == id {
			f.byRun[c.ExperimentRunID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	f.recount(c.ExperimentRunID)
}

func (f *Fake) deleteRun(id string) {
	delete(f.runs, id)
	for _, cid := range f.byRun[id] {
		delete(f.candidates, cid)
	}
	delete(f.byRun, id)
	delete(f.models, id)
	for i, rid := range f.order {
		if rid == id {
			f.order = append(f.order[:i:i], f.order[i+1:]...)
			break
		}
	}
}

// recount derives the run's counts from its candidates. Caller holds mu.
func (f *Fake) recount(runID string) {
	r, ok := f.runs[runID]
	if !ok {
		return
	}
	r.CandidateCount, r.PositiveLabelCount, r.NegativeLabelCount = 0, 0, 0
	for _, cid := range f.byRun[runID] {
		r.CandidateCount++
		switch f.candidates[cid].Status {
		case model.CandidateConfirmedPositive:
			r.PositiveLabelCount++
		case model.CandidateRejectedNormal:
			r.NegativeLabelCount++
		}
	}
	r.UpdatedAt = f.Now()
}

func (f *Fake) ListRuns(_ context.Context) ([]model.ExperimentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListRuns"); err != nil {
		return nil, err
	}
	out := make([]model.ExperimentRun, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *copyRun(f.runs[id]))
	}
	return out, nil
}

func (f *Fake) CreateRun(_ context.Context, req labapi.CreateRunRequest) (*model.ExperimentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateRun"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.FieldValidation("name", "is required")
	}
	p := model.DefaultFilterParameters()
	if req.FilterParameters != nil {
		p = req.FilterParameters.Clone()
	}
	r := &model.ExperimentRun{
		ID:               f.nextID("run"),
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		Status:           model.RunStatusConfiguring,
		FilterParameters: p,
		CreatedAt:        f.Now(),
		UpdatedAt:        f.Now(),
	}
	f.runs[r.ID] = r
	f.order = append(f.order, r.ID)
	return copyRun(r), nil
}

func (f *Fake) GetRun(_ context.Context, id string) (*model.ExperimentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRun"); err != nil {
		return nil, err
	}
	r, err := f.run(id)
	if err != nil {
		return nil, err
	}
	return copyRun(r), nil
}

func (f *Fake) RenameRun(_ context.Context, id, name string) (*model.ExperimentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RenameRun"); err != nil {
		return nil, err
	}
	r, err := f.run(id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, apperr.FieldValidation("name", "is required")
	}
	r.Name = strings.TrimSpace(name)
	r.UpdatedAt = f.Now()
	return copyRun(r), nil
}

func (f *Fake) DeleteRun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteRun"); err != nil {
		return err
	}
	if _, err := f.run(id); err != nil {
		return err
	}
	f.deleteRun(id)
	return nil
}

func (f *Fake) GetParameters(_ context.Context, runID string) (*model.FilterParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetParameters"); err != nil {
		return nil, err
	}
	r, err := f.run(runID)
	if err != nil {
		return nil, err
	}
	p := r.FilterParameters.Clone()
	return &p, nil
}

func (f *Fake) UpdateParameters(_ context.Context, runID string, p model.FilterParameters) (*model.ExperimentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateParameters"); err != nil {
		return nil, err
	}
	r, err := f.run(runID)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r.FilterParameters = p.Clone()
	r.UpdatedAt = f.Now()
	return copyRun(r), nil
}

func (f *Fake) result() *model.GenerationResult {
	return &model.GenerationResult{CandidateCount: f.Generated, TotalDataPoolSize: f.PoolSize}
}

func (f *Fake) SubmitGeneration(_ context.Context, runID string, req model.GenerationRequest) (*model.GenerationAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SubmitGeneration"); err != nil {
		return nil, err
	}
	r, err := f.run(runID)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Mode == model.GenerationCommit && r.Status == model.RunStatusCompleted {
		return nil, apperr.Validation("run %s is completed", runID)
	}
	if req.Mode == model.GenerationPreview && f.SyncPreview {
		return &model.GenerationAck{Result: f.result()}, nil
	}
	t := &task{
		GenerationTask: model.GenerationTask{
			TaskID:    f.nextID("task"),
			RunID:     runID,
			Mode:      req.Mode,
			Status:    model.TaskPending,
			CreatedAt: f.Now(),
		},
		params: req.Parameters.Clone(),
	}
	f.tasks[t.TaskID] = t
	return &model.GenerationAck{TaskID: t.TaskID}, nil
}

func (f *Fake) GetTask(_ context.Context, taskID string) (*model.GenerationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetTask"); err != nil {
		return nil, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, apperr.NotFound("task", taskID)
	}
	if t.Status.Terminal() {
		cp := t.GenerationTask
		return &cp, nil
	}
	t.polls++
	switch {
	case f.PollsToFinish < 0 || t.polls <= f.PollsToFinish:
		t.Status = model.TaskRunning
	case f.FailTasks:
		t.Status = model.TaskFailed
		t.Error = "scoring service rejected the request"
	default:
		t.Status = model.TaskCompleted
		t.Result = f.result()
		if t.Mode == model.GenerationCommit {
			f.commit(t)
		}
	}
	t.UpdatedAt = f.Now()
	cp := t.GenerationTask
	return &cp, nil
}

// commit replaces the run's candidates. Caller holds mu.
func (f *Fake) commit(t *task) {
	r, ok := f.runs[t.RunID]
	if !ok {
		return
	}
	for _, cid := range f.byRun[t.RunID] {
		delete(f.candidates, cid)
	}
	f.byRun[t.RunID] = nil
	base := f.Now().Add(-24 * time.Hour)
	for i := range f.Generated {
		c := &model.Candidate{
			ID:               fmt.Sprintf("%s-c%03d", t.RunID, i+1),
			ExperimentRunID:  t.RunID,
			Status:           model.CandidateUnreviewed,
			DetectionRule:    "z_score",
			AnomalyScore:     float64((i*37)%100) / 100,
			EventTimestamp:   base.Add(time.Duration(i) * time.Minute),
			DurationMinutes:  15 + i%30,
			ElectricityDelta: float64(i%17) * 1.5,
			TemperatureDelta: float64(i%11) * 0.2,
			HumidityDelta:    float64(i%7) * 0.5,
		}
		f.candidates[c.ID] = c
		f.byRun[t.RunID] = append(f.byRun[t.RunID], c.ID)
	}
	r.FilterParameters = t.params.Clone()
	r.TotalDataPoolSize = f.PoolSize
	if r.Status == model.RunStatusConfiguring {
		r.Status = model.RunStatusLabeling
	}
	f.recount(t.RunID)
}

// filtered returns a run's candidates matching status, sorted. Caller holds mu.
func (f *Fake) filtered(runID string, status model.CandidateStatus, s model.Sort) []model.Candidate {
	var out []model.Candidate
	for _, cid := range f.byRun[runID] {
		c := f.candidates[cid]
		if status == "" || c.Status == status {
			out = append(out, *c)
		}
	}
	if s.Key == "" {
		s = model.DefaultSort()
	}
	model.SortCandidates(out, s)
	return out
}

func (f *Fake) ListCandidates(_ context.Context, runID string, q labapi.CandidateQuery) ([]model.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListCandidates"); err != nil {
		return nil, err
	}
	if _, err := f.run(runID); err != nil {
		return nil, err
	}
	all := f.filtered(runID, q.Status, q.Sort)
	page, size := max(q.Page, 1), q.PageSize
	if size <= 0 {
		size = 100
	}
	start := (page - 1) * size
	if start >= len(all) {
		return []model.Candidate{}, nil
	}
	end := min(start+size, len(all))
	return append([]model.Candidate(nil), all[start:end]...), nil
}

func (f *Fake) CountCandidates(_ context.Context, runID string, status model.CandidateStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CountCandidates"); err != nil {
		return 0, err
	}
	if _, err := f.run(runID); err != nil {
		return 0, err
	}
	return len(f.filtered(runID, status, model.DefaultSort())), nil
}

// label applies req to c. Caller holds mu.
func (f *Fake) label(c *model.Candidate, req model.LabelRequest) {
	now := f.Now()
	c.Status = req.Status
	c.ReviewerID = req.ReviewerID
	c.Note = req.Note
	c.ReviewedAt = &now
}

func (f *Fake) LabelCandidate(_ context.Context, candidateID string, req model.LabelRequest) (*model.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LabelCandidate"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c, ok := f.candidates[candidateID]
	if !ok {
		return nil, apperr.NotFound("candidate", candidateID)
	}
	f.label(c, req)
	f.recount(c.ExperimentRunID)
	cp := *c
	return &cp, nil
}

func (f *Fake) BulkLabel(_ context.Context, ids []string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BulkLabel"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res := &model.BulkLabelResult{Requested: len(ids)}
	touched := map[string]bool{}
	for _, id := range ids {
		if f.BulkCap > 0 && res.Affected >= f.BulkCap {
			break
		}
		c, ok := f.candidates[id]
		if !ok {
			continue
		}
		f.label(c, req)
		touched[c.ExperimentRunID] = true
		res.Affected++
	}
	for runID := range touched {
		f.recount(runID)
	}
	return res, nil
}

func (f *Fake) LabelUnreviewed(_ context.Context, runID string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LabelUnreviewed"); err != nil {
		return nil, err
	}
	if _, err := f.run(runID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res := &model.BulkLabelResult{}
	for _, cid := range f.byRun[runID] {
		c := f.candidates[cid]
		if c.Status != model.CandidateUnreviewed {
			continue
		}
		res.Requested++
		if f.BulkCap > 0 && res.Affected >= f.BulkCap {
			continue
		}
		f.label(c, req)
		res.Affected++
	}
	f.recount(runID)
	return res, nil
}

func (f *Fake) MarkComplete(_ context.Context, runID string) (*model.ExperimentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("MarkComplete"); err != nil {
		return nil, err
	}
	r, err := f.run(runID)
	if err != nil {
		return nil, err
	}
	if !r.Status.CanTransition(model.RunStatusCompleted) {
		return nil, apperr.Validation("run %s is %s", runID, r.Status)
	}
	if n := r.RemainingCount(); n > 0 {
		return nil, apperr.Validation("%d candidates remain unreviewed", n)
	}
	r.Status = model.RunStatusCompleted
	r.UpdatedAt = f.Now()
	return copyRun(r), nil
}

func (f *Fake) ListModels(_ context.Context, runID string) ([]model.TrainedModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListModels"); err != nil {
		return nil, err
	}
	if _, err := f.run(runID); err != nil {
		return nil, err
	}
	return append([]model.TrainedModel(nil), f.models[runID]...), nil
}

func (f *Fake) RegisterModel(_ context.Context, runID string, req labapi.RegisterModelRequest) (*model.TrainedModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RegisterModel"); err != nil {
		return nil, err
	}
	if _, err := f.run(runID); err != nil {
		return nil, err
	}
	m := model.TrainedModel{ID: f.nextID("model"), RunID: runID, Name: req.Name, Metrics: req.Metrics, CreatedAt: f.Now()}
	f.models[runID] = append(f.models[runID], m)
	return &m, nil
}
