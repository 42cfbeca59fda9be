// Package review pages through a run's anomaly candidates and applies
// expert labels, one at a time or in bulk. Run counts are never adjusted
// locally; after each mutation the run is re-read from the backend.
package review

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/registry"
	"github.com/sells-group/pu-workbench/internal/session"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

const (
	// MaxPageSize bounds a single page request.
	MaxPageSize     = 500
	defaultPageSize = 100
)

// PageRequest selects a page of the queue.
type PageRequest struct {
	Page     int
	PageSize int
	Sort     model.Sort
	Status   model.CandidateStatus
}

// Validate checks bounds, sort and status filter.
func (r PageRequest) Validate() error {
	if r.Page < 1 {
		return apperr.FieldValidation("page", "must be at least 1")
	}
	if r.PageSize < 1 || r.PageSize > MaxPageSize {
		return apperr.FieldValidation("page_size", "must be between 1 and %d", MaxPageSize)
	}
	if err := r.Sort.Validate(); err != nil {
		return err
	}
	if r.Status != "" && !r.Status.Valid() {
		return apperr.FieldValidation("status", "unknown candidate status %q", r.Status)
	}
	return nil
}

// Manager is the review queue.
type Manager struct {
	client   labapi.Client
	reg      *registry.Registry
	arena    *session.Arena
	pageSize int
	log      *zap.Logger
}

// New creates a Manager. pageSize <= 0 uses 100.
func New(client labapi.Client, reg *registry.Registry, arena *session.Arena, pageSize int) *Manager {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Manager{
		client:   client,
		reg:      reg,
		arena:    arena,
		pageSize: min(pageSize, MaxPageSize),
		log:      zap.L().With(zap.String("component", "review")),
	}
}

// DefaultRequest is the first page of unreviewed candidates, oldest first.
func (m *Manager) DefaultRequest() PageRequest {
	return PageRequest{Page: 1, PageSize: m.pageSize, Sort: model.DefaultSort(), Status: model.CandidateUnreviewed}
}

// current returns the request behind the loaded queue, or the default.
func (m *Manager) current(runID string) PageRequest {
	if s, ok := m.arena.Lookup(runID); ok {
		if q := s.Snapshot().Queue; q != nil {
			return PageRequest{Page: q.Page, PageSize: q.PageSize, Sort: q.Sort, Status: q.Status}
		}
	}
	return m.DefaultRequest()
}

// Queue returns the loaded queue of runID.
func (m *Manager) Queue(runID string) (*model.QueueState, bool) {
	s, ok := m.arena.Lookup(runID)
	if !ok {
		return nil, false
	}
	q := s.Snapshot().Queue
	return q, q != nil
}

// LoadPage fetches one page and the total count concurrently and stores
// both in the run's session. On error the loaded queue is left as it was.
func (m *Manager) LoadPage(ctx context.Context, runID string, req PageRequest) (*model.QueueState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		items []model.Candidate
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = m.client.ListCandidates(gctx, runID, labapi.CandidateQuery{
			Status:   req.Status,
			Page:     req.Page,
			PageSize: req.PageSize,
			Sort:     req.Sort,
		})
		return err
	})
	g.Go(func() error {
		var err error
		total, err = m.client.CountCandidates(gctx, runID, req.Status)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "review: load page %d of %s", req.Page, runID)
	}

	q := model.QueueState{
		Page:     req.Page,
		PageSize: req.PageSize,
		Sort:     req.Sort,
		Status:   req.Status,
		Items:    items,
		Total:    total,
		Done:     len(items) == 0 && req.Page == 1,
	}
	if len(items) > 0 {
		q.Selected = items[0].ID
	}
	m.arena.Session(runID).Update(func(st *session.State) {
		cp := q.Clone()
		st.Queue = &cp
	})
	return &q, nil
}

// Select marks candidateID as the focused item of the loaded page.
func (m *Manager) Select(runID, candidateID string) error {
	s, ok := m.arena.Lookup(runID)
	if !ok {
		return apperr.NotFound("queue", runID)
	}
	var found bool
	s.Update(func(st *session.State) {
		if st.Queue == nil {
			return
		}
		if slices.ContainsFunc(st.Queue.Items, func(c model.Candidate) bool { return c.ID == candidateID }) {
			st.Queue.Selected = candidateID
			found = true
		}
	})
	if !found {
		return apperr.NotFound("candidate", candidateID)
	}
	return nil
}

// refreshRun re-reads the authoritative counts after a mutation.
func (m *Manager) refreshRun(ctx context.Context, runID string) {
	if _, err := m.reg.Get(ctx, runID); err != nil {
		m.log.Warn("run refresh after label failed", zap.String("run_id", runID), zap.Error(err))
	}
}
