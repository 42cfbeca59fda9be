package review

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/session"
)

// LabelOne labels a single candidate. On success the item leaves the loaded
// page, the first remaining item is selected and the total is re-read; an
// emptied page falls back to page 1. On failure the queue is untouched,
// except that a missing candidate triggers a reload of the current page.
func (m *Manager) LabelOne(ctx context.Context, runID, candidateID string, req model.LabelRequest) (*model.Candidate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cur := m.current(runID)

	cand, err := m.client.LabelCandidate(ctx, candidateID, req)
	if err != nil {
		if apperr.IsNotFound(err) {
			m.log.Info("candidate vanished, reloading page", zap.String("candidate_id", candidateID))
			if _, lerr := m.LoadPage(ctx, runID, cur); lerr != nil {
				m.log.Warn("reload after missing candidate failed", zap.Error(lerr))
			}
		}
		return nil, eris.Wrapf(err, "review: label candidate %s", candidateID)
	}

	total, cerr := m.client.CountCandidates(ctx, runID, cur.Status)
	if cerr != nil {
		m.log.Warn("count after label failed", zap.String("run_id", runID), zap.Error(cerr))
	}

	var empty bool
	m.arena.Session(runID).Update(func(st *session.State) {
		if st.Queue == nil {
			return
		}
		q := st.Queue
		q.Items = slices.DeleteFunc(q.Items, func(c model.Candidate) bool { return c.ID == candidateID })
		switch {
		case cerr == nil:
			q.Total = total
		case q.Total > 0:
			q.Total--
		}
		if len(q.Items) > 0 {
			q.Selected = q.Items[0].ID
		} else {
			q.Selected = ""
			empty = true
		}
	})

	if empty {
		first := cur
		first.Page = 1
		if _, err := m.LoadPage(ctx, runID, first); err != nil {
			m.log.Warn("reload of first page failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	m.refreshRun(ctx, runID)
	return cand, nil
}

// LabelBulk labels the candidates in ids. The current page is always
// re-fetched afterwards. Callers must report result.Affected, not the
// number requested.
func (m *Manager) LabelBulk(ctx context.Context, runID string, ids []string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	if len(ids) == 0 {
		return nil, apperr.FieldValidation("ids", "no candidates selected")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := m.client.BulkLabel(ctx, ids, req)
	if err != nil {
		return nil, eris.Wrapf(err, "review: bulk label %d candidates", len(ids))
	}
	m.afterBulk(ctx, runID, res)
	return res, nil
}

// LabelPage labels every candidate on the loaded page.
func (m *Manager) LabelPage(ctx context.Context, runID string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	q, ok := m.Queue(runID)
	if !ok {
		var err error
		if q, err = m.LoadPage(ctx, runID, m.DefaultRequest()); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(q.Items))
	for i, c := range q.Items {
		ids[i] = c.ID
	}
	return m.LabelBulk(ctx, runID, ids, req)
}

// LabelAllUnreviewed labels every unreviewed candidate of the run.
func (m *Manager) LabelAllUnreviewed(ctx context.Context, runID string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := m.client.LabelUnreviewed(ctx, runID, req)
	if err != nil {
		return nil, eris.Wrapf(err, "review: label unreviewed in %s", runID)
	}
	m.afterBulk(ctx, runID, res)
	return res, nil
}

// afterBulk re-fetches the current page, falling back to page 1 when the
// current page now lies past the end, then refreshes the run.
func (m *Manager) afterBulk(ctx context.Context, runID string, res *model.BulkLabelResult) {
	if res.Partial() {
		m.log.Warn("bulk label partially applied",
			zap.String("run_id", runID),
			zap.Int("requested", res.Requested),
			zap.Int("affected", res.Affected),
		)
	}

	cur := m.current(runID)
	q, err := m.LoadPage(ctx, runID, cur)
	if err == nil && len(q.Items) == 0 && cur.Page > 1 {
		cur.Page = 1
		_, err = m.LoadPage(ctx, runID, cur)
	}
	if err != nil {
		m.log.Warn("page reload after bulk label failed", zap.String("run_id", runID), zap.Error(err))
	}
	m.refreshRun(ctx, runID)
}
