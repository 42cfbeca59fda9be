package review

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/labapitest"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/registry"
	"github.com/sells-group/pu-workbench/internal/resilience"
	"github.com/sells-group/pu-workbench/internal/session"
)

type fixture struct {
	fake  *labapitest.Fake
	arena *session.Arena
	reg   *registry.Registry
	mgr   *Manager
	runID string
}

func newFixture(t *testing.T, n, pageSize int) *fixture {
	t.Helper()
	fake := labapitest.New()
	arena := session.New()
	reg := registry.New(fake, arena)

	run := fake.SeedRun(model.ExperimentRun{Name: "march", Status: model.RunStatusLabeling})
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	items := make([]model.Candidate, n)
	for i := range items {
		items[i] = model.Candidate{
			ID:               fmt.Sprintf("c%03d", i+1),
			EventTimestamp:   base.Add(time.Duration(i) * time.Hour),
			ElectricityDelta: float64(n - i),
		}
	}
	fake.SeedCandidates(run.ID, items)
	_, err := reg.Get(context.Background(), run.ID)
	require.NoError(t, err)

	return &fixture{fake: fake, arena: arena, reg: reg, mgr: New(fake, reg, arena, pageSize), runID: run.ID}
}

func positive() model.LabelRequest {
	return model.LabelRequest{Status: model.CandidateConfirmedPositive, ReviewerID: "ana"}
}

func negative() model.LabelRequest {
	return model.LabelRequest{Status: model.CandidateRejectedNormal, ReviewerID: "ana", Note: "door left open"}
}

func (f *fixture) run(t *testing.T) *model.ExperimentRun {
	t.Helper()
	s, ok := f.arena.Lookup(f.runID)
	require.True(t, ok)
	return s.Snapshot().Run
}

func TestPageRequestValidate(t *testing.T) {
	ok := PageRequest{Page: 1, PageSize: 100, Sort: model.DefaultSort()}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name  string
		edit  func(*PageRequest)
		field string
	}{
		{"page zero", func(r *PageRequest) { r.Page = 0 }, "page"},
		{"size zero", func(r *PageRequest) { r.PageSize = 0 }, "page_size"},
		{"size too large", func(r *PageRequest) { r.PageSize = MaxPageSize + 1 }, "page_size"},
		{"sort key", func(r *PageRequest) { r.Sort.Key = "sensor_id" }, "sort"},
		{"sort order", func(r *PageRequest) { r.Sort.Order = "up" }, "order"},
		{"status", func(r *PageRequest) { r.Status = "MAYBE" }, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ok
			tt.edit(&r)
			err := r.Validate()
			require.Error(t, err)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestLoadPage(t *testing.T) {
	tests := []struct {
		name     string
		n, k     int
		page     int
		items    int
		pages    int
		selected string
		done     bool
	}{
		{name: "partial last page", n: 120, k: 50, page: 3, items: 20, pages: 3, selected: "c101"},
		{name: "even split first page", n: 100, k: 25, page: 1, items: 25, pages: 4, selected: "c001"},
		{name: "even split last page", n: 100, k: 25, page: 4, items: 25, pages: 4, selected: "c076"},
		{name: "even split past the end", n: 100, k: 25, page: 5, items: 0, pages: 4},
		{name: "empty run", n: 0, k: 25, page: 1, items: 0, pages: 0, done: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.n, tt.k)
			req := f.mgr.DefaultRequest()
			req.Page = tt.page

			q, err := f.mgr.LoadPage(context.Background(), f.runID, req)
			require.NoError(t, err)
			assert.Len(t, q.Items, tt.items)
			assert.Equal(t, tt.n, q.Total)
			assert.Equal(t, tt.pages, q.TotalPages())
			assert.Equal(t, tt.selected, q.Selected)
			assert.Equal(t, tt.done, q.Done)

			loaded, ok := f.mgr.Queue(f.runID)
			require.True(t, ok)
			assert.Len(t, loaded.Items, tt.items)
			assert.Equal(t, tt.selected, loaded.Selected)
		})
	}
}

func TestLoadPageSortDescending(t *testing.T) {
	f := newFixture(t, 10, 5)
	req := f.mgr.DefaultRequest()
	req.Sort = model.Sort{Key: model.SortEventTimestamp, Order: model.SortDesc}

	q, err := f.mgr.LoadPage(context.Background(), f.runID, req)
	require.NoError(t, err)
	require.Len(t, q.Items, 5)
	assert.Equal(t, "c010", q.Items[0].ID)
	assert.Equal(t, "c006", q.Items[4].ID)
}

func TestLoadPageOutOfRangeIsEmpty(t *testing.T) {
	f := newFixture(t, 10, 5)
	req := f.mgr.DefaultRequest()
	req.Page = 9

	q, err := f.mgr.LoadPage(context.Background(), f.runID, req)
	require.NoError(t, err)
	assert.Empty(t, q.Items)
	assert.Equal(t, 10, q.Total)
	assert.False(t, q.Done, "only an empty first page means done")
}

func TestLoadPageErrorKeepsQueue(t *testing.T) {
	f := newFixture(t, 10, 5)
	_, err := f.mgr.LoadPage(context.Background(), f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)

	f.fake.FailNext("CountCandidates", resilience.NewTransientError(errors.New("bad gateway"), 502))
	req := f.mgr.DefaultRequest()
	req.Page = 2
	_, err = f.mgr.LoadPage(context.Background(), f.runID, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))

	q, _ := f.mgr.Queue(f.runID)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, "c001", q.Items[0].ID)
}

func TestLoadPageValidationMakesNoCall(t *testing.T) {
	f := newFixture(t, 10, 5)
	req := f.mgr.DefaultRequest()
	req.PageSize = 1000

	_, err := f.mgr.LoadPage(context.Background(), f.runID, req)
	assert.True(t, apperr.IsValidation(err))
	assert.Zero(t, f.fake.Calls("ListCandidates"))
	assert.Zero(t, f.fake.Calls("CountCandidates"))
}

func TestSelect(t *testing.T) {
	f := newFixture(t, 10, 5)
	_, err := f.mgr.LoadPage(context.Background(), f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)

	require.NoError(t, f.mgr.Select(f.runID, "c003"))
	q, _ := f.mgr.Queue(f.runID)
	assert.Equal(t, "c003", q.Selected)

	assert.True(t, apperr.IsNotFound(f.mgr.Select(f.runID, "c009")), "not on the loaded page")
	assert.True(t, apperr.IsNotFound(f.mgr.Select("run-x", "c001")))
}
