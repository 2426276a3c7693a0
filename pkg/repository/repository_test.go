package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pledgerun/pkg/db/option"
	"pledgerun/pkg/db/pagination"
	"pledgerun/services/testutil"
)

type widget struct {
	ID     string `gorm:"column:id;primaryKey"`
	Owner  string `gorm:"column:owner"`
	Weight int    `gorm:"column:weight"`
}

func seedWidgets(t *testing.T, repo Repository[widget]) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.BatchCreate(ctx, []*widget{
		{ID: "1001", Owner: "ana", Weight: 3},
		{ID: "1002", Owner: "ana", Weight: 7},
		{ID: "1003", Owner: "bo", Weight: 5},
	}))
}

func TestFindOneMissingReturnsNil(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)

	got, err := repo.FindOne(context.Background(), &widget{ID: "nope"})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindWithOperatorAndSort(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	seedWidgets(t, repo)

	rows, err := repo.Find(context.Background(), &widget{},
		option.ApplyOperator(option.Condition{Field: "weight", Operator: option.GT, Value: 4}),
		option.WithSortBy(option.QuerySortBy{SortBy: "weight", OrderBy: "desc", Allow: map[string]bool{"weight": true}}),
	)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "1002", rows[0].ID)
	require.Equal(t, "1003", rows[1].ID)
}

func TestUpdateAndCount(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	seedWidgets(t, repo)
	ctx := context.Background()

	updates := map[string]any{"owner": "bo"}
	require.NoError(t, repo.Update(ctx, "1001", &updates))

	count, err := repo.Count(ctx, &widget{Owner: "bo"})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestPagination(t *testing.T) {
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	seedWidgets(t, repo)
	ctx := context.Background()

	page := pagination.Pagination{Limit: 2}
	rows, err := repo.Find(ctx, &widget{}, option.ApplyPagination(page))
	require.NoError(t, err)

	rows, info := pagination.Page(rows, page.Limit, func(w *widget) string { return w.ID })
	require.Len(t, rows, 2)
	require.True(t, info.HasMore)

	page.Cursor = info.NextCursor
	rest, err := repo.Find(ctx, &widget{}, option.ApplyPagination(page))
	require.NoError(t, err)
	rest, info = pagination.Page(rest, page.Limit, func(w *widget) string { return w.ID })
	require.Len(t, rest, 1)
	require.Equal(t, "1003", rest[0].ID)
	require.False(t, info.HasMore)
}
