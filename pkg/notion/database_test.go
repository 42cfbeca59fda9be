package notion

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func runIDFilter(id string) func(*notionapi.DatabaseQueryRequest) bool {
	return func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == "Run ID" && pf.RichText != nil && pf.RichText.Equals == id
	}
}

func TestQueryAll_SinglePage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.AnythingOfType("*notionapi.DatabaseQueryRequest")).
		Return(&notionapi.DatabaseQueryResponse{
			Results: []notionapi.Page{{ID: "p1"}, {ID: "p2"}},
		}, nil).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.NoError(t, err)
	assert.Len(t, pages, 2)
	mc.AssertExpectations(t)
}

func TestQueryAll_MultiPage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == ""
	})).Return(&notionapi.DatabaseQueryResponse{
		Results:    []notionapi.Page{{ID: "p1"}},
		HasMore:    true,
		NextCursor: notionapi.Cursor("cursor-abc"),
	}, nil).Once()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == notionapi.Cursor("cursor-abc")
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p2"}},
	}, nil).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, notionapi.ObjectID("p1"), pages[0].ID)
	assert.Equal(t, notionapi.ObjectID("p2"), pages[1].ID)
	mc.AssertExpectations(t)
}

func TestQueryAll_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.AnythingOfType("*notionapi.DatabaseQueryRequest")).
		Return(nil, assert.AnError).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
	mc.AssertExpectations(t)
}

func TestQueryAll_ContextCancelled(t *testing.T) {
	mc := new(MockClient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
	mc.AssertNotCalled(t, "QueryDatabase", mock.Anything, mock.Anything, mock.Anything)
}

func TestFindByText(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-nb", mock.MatchedBy(runIDFilter("run-1"))).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-1"}}}, nil).Once()

	pages, err := FindByText(ctx, mc, "db-nb", "Run ID", "run-1")
	require.NoError(t, err)
	assert.Len(t, pages, 1)
	mc.AssertExpectations(t)
}

func TestFindByText_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-nb", mock.Anything).Return(nil, assert.AnError).Once()

	_, err := FindByText(ctx, mc, "db-nb", "Run ID", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `notion: find Run ID = "run-1"`)
}

func TestUpsert_Creates(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	props := notionapi.Properties{"Name": Title("hall b"), "Run ID": Text("run-1")}

	mc.On("QueryDatabase", ctx, "db-nb", mock.MatchedBy(runIDFilter("run-1"))).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		return req.Parent.DatabaseID == "db-nb" && req.Parent.Type == notionapi.ParentTypeDatabaseID && len(req.Properties) == 2
	})).Return(&notionapi.Page{ID: "page-new"}, nil).Once()

	page, created, err := Upsert(ctx, mc, "db-nb", "Run ID", "run-1", props)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, notionapi.ObjectID("page-new"), page.ID)
	mc.AssertExpectations(t)
}

func TestUpsert_UpdatesExisting(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	props := notionapi.Properties{"Status": Select("LABELING")}

	mc.On("QueryDatabase", ctx, "db-nb", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-1"}, {ID: "page-dup"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-1", &notionapi.PageUpdateRequest{Properties: props}).
		Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	page, created, err := Upsert(ctx, mc, "db-nb", "Run ID", "run-1", props)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, notionapi.ObjectID("page-1"), page.ID)
	mc.AssertExpectations(t)
	mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestUpsert_UpdateError(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-nb", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-1"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-1", mock.Anything).Return(nil, assert.AnError).Once()

	_, _, err := Upsert(ctx, mc, "db-nb", "Run ID", "run-1", notionapi.Properties{})
	assert.ErrorIs(t, err, assert.AnError)
}
