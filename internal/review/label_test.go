package review

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/resilience"
)

func TestLabelOneAdvancesSelection(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	_, err := f.mgr.LoadPage(ctx, f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)

	c, err := f.mgr.LabelOne(ctx, f.runID, "c001", positive())
	require.NoError(t, err)
	assert.Equal(t, model.CandidateConfirmedPositive, c.Status)
	assert.Equal(t, "ana", c.ReviewerID)

	q, _ := f.mgr.Queue(f.runID)
	assert.Len(t, q.Items, 4)
	assert.Equal(t, "c002", q.Selected)
	assert.Equal(t, 9, q.Total)

	run := f.run(t)
	assert.Equal(t, 1, run.PositiveLabelCount)
	assert.Equal(t, 9, run.RemainingCount())
}

func TestLabelOneReloadsFirstPageWhenEmptied(t *testing.T) {
	f := newFixture(t, 7, 3)
	ctx := context.Background()
	_, err := f.mgr.LoadPage(ctx, f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)

	for _, id := range []string{"c001", "c002", "c003"} {
		_, err := f.mgr.LabelOne(ctx, f.runID, id, negative())
		require.NoError(t, err)
	}

	q, _ := f.mgr.Queue(f.runID)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, []string{"c004", "c005", "c006"}, ids(q.Items))
	assert.Equal(t, "c004", q.Selected)
	assert.Equal(t, 4, q.Total)
	assert.False(t, q.Done)
}

func TestLabelOneFailureLeavesQueue(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	_, err := f.mgr.LoadPage(ctx, f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)
	gets := f.fake.Calls("GetRun")

	f.fake.FailNext("LabelCandidate", resilience.NewTransientError(errors.New("connection reset by peer"), 0))
	_, err = f.mgr.LabelOne(ctx, f.runID, "c002", positive())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))

	q, _ := f.mgr.Queue(f.runID)
	assert.Len(t, q.Items, 5)
	assert.Equal(t, "c001", q.Selected)
	assert.Equal(t, gets, f.fake.Calls("GetRun"), "no refresh without a mutation")
	assert.Zero(t, f.run(t).LabeledCount())
}

func TestLabelOneMissingCandidateReloadsPage(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	_, err := f.mgr.LoadPage(ctx, f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)
	lists := f.fake.Calls("ListCandidates")

	f.fake.RemoveCandidate("c003")
	_, err = f.mgr.LabelOne(ctx, f.runID, "c003", positive())
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))

	assert.Equal(t, lists+1, f.fake.Calls("ListCandidates"))
	q, _ := f.mgr.Queue(f.runID)
	assert.NotContains(t, ids(q.Items), "c003")
	assert.Equal(t, 4, q.Total)
}

func TestLabelOneRejectsBadRequestWithoutCall(t *testing.T) {
	f := newFixture(t, 5, 5)

	_, err := f.mgr.LabelOne(context.Background(), f.runID, "c001",
		model.LabelRequest{Status: model.CandidateUnreviewed, ReviewerID: "ana"})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.mgr.LabelOne(context.Background(), f.runID, "c001",
		model.LabelRequest{Status: model.CandidateRejectedNormal})
	assert.True(t, apperr.IsValidation(err))

	assert.Zero(t, f.fake.Calls("LabelCandidate"))
}

func TestLabelEveryCandidateOneByOne(t *testing.T) {
	f := newFixture(t, 120, 25)
	ctx := context.Background()
	q, err := f.mgr.LoadPage(ctx, f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)

	for i := 0; !q.Done; i++ {
		require.Less(t, i, 120, "queue never drained")
		req := positive()
		if i%3 == 0 {
			req = negative()
		}
		_, err := f.mgr.LabelOne(ctx, f.runID, q.Selected, req)
		require.NoError(t, err)
		q, _ = f.mgr.Queue(f.runID)
	}

	assert.Zero(t, q.Total)
	assert.Empty(t, q.Items)
	assert.Empty(t, q.Selected)

	run := f.run(t)
	assert.Equal(t, 120, run.CandidateCount)
	assert.Equal(t, 80, run.PositiveLabelCount)
	assert.Equal(t, 40, run.NegativeLabelCount)
	assert.True(t, run.FullyLabeled())
	require.NoError(t, run.CheckCounts())
}

func TestLabelBulkReportsAffected(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()
	_, err := f.mgr.LoadPage(ctx, f.runID, f.mgr.DefaultRequest())
	require.NoError(t, err)
	f.fake.BulkCap = 2

	res, err := f.mgr.LabelBulk(ctx, f.runID, []string{"c001", "c002", "c003"}, negative())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 2, res.Affected)
	assert.True(t, res.Partial())

	q, _ := f.mgr.Queue(f.runID)
	assert.Equal(t, []string{"c003", "c004", "c005", "c006", "c007"}, ids(q.Items))
	assert.Equal(t, 8, q.Total)
	assert.Equal(t, 2, f.run(t).NegativeLabelCount)
}

func TestLabelBulkRejectsEmptySelection(t *testing.T) {
	f := newFixture(t, 5, 5)

	_, err := f.mgr.LabelBulk(context.Background(), f.runID, nil, positive())
	require.Error(t, err)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "ids", ve.Field)
	assert.Zero(t, f.fake.Calls("BulkLabel"))
}

func TestLabelPage(t *testing.T) {
	f := newFixture(t, 12, 5)
	ctx := context.Background()

	res, err := f.mgr.LabelPage(ctx, f.runID, negative())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Affected)

	q, _ := f.mgr.Queue(f.runID)
	assert.Equal(t, 7, q.Total)
	assert.Equal(t, "c006", q.Selected)
}

func TestLabelAllUnreviewedFallsBackToFirstPage(t *testing.T) {
	f := newFixture(t, 12, 5)
	ctx := context.Background()
	req := f.mgr.DefaultRequest()
	req.Page = 3
	_, err := f.mgr.LoadPage(ctx, f.runID, req)
	require.NoError(t, err)

	res, err := f.mgr.LabelAllUnreviewed(ctx, f.runID, negative())
	require.NoError(t, err)
	assert.Equal(t, 12, res.Affected)

	q, _ := f.mgr.Queue(f.runID)
	assert.Equal(t, 1, q.Page)
	assert.True(t, q.Done)
	assert.Zero(t, q.Total)

	run := f.run(t)
	assert.Equal(t, 12, run.NegativeLabelCount)
	assert.True(t, run.FullyLabeled())
}

func TestLabelAllUnreviewedErrorMakesNoRefresh(t *testing.T) {
	f := newFixture(t, 5, 5)
	gets := f.fake.Calls("GetRun")
	f.fake.FailNext("LabelUnreviewed", apperr.Validation("run is completed"))

	_, err := f.mgr.LabelAllUnreviewed(context.Background(), f.runID, positive())
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, gets, f.fake.Calls("GetRun"))
}

func ids(items []model.Candidate) []string {
	out := make([]string, len(items))
	for i, c := range items {
		out[i] = c.ID
	}
	return out
}
