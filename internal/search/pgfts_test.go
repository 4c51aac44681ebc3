package search

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newMockFTS(t *testing.T) (*PgFTS, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPgFTS(mock), mock
}

var resultColumns = []string{"type", "id", "title", "snippet", "todo_id", "owner_id"}

func TestSearchTodosQueriesTitle(t *testing.T) {
	p, mock := newMockFTS(t)
	mock.ExpectQuery(`to_tsvector\('english', t\.title\)`).
		WithArgs("milk", "usr_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`to_tsvector\('english', t\.title\)`).
		WithArgs("milk", "usr_1").
		WillReturnRows(pgxmock.NewRows(resultColumns).
			AddRow("todo", "todo_1", "Buy milk", "", "todo_1", "usr_1"))

	results, total, err := p.Search(Query{Text: "milk", UserID: "usr_1", FilterType: ResultTodo})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, results, 1)
	require.Equal(t, ResultTodo, results[0].Type)
}

func TestSearchCommentsQueriesContentColumn(t *testing.T) {
	// Pins the fallback SQL to the schema: the comments table stores its text
	// in content, not body.
	p, mock := newMockFTS(t)
	mock.ExpectQuery(`to_tsvector\('english', c\.content\)`).
		WithArgs("milk", "usr_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ts_headline\('english', c\.content`).
		WithArgs("milk", "usr_1").
		WillReturnRows(pgxmock.NewRows(resultColumns).
			AddRow("comment", "cmt_1", "", "need <mark>milk</mark>", "todo_1", "usr_1"))

	results, total, err := p.Search(Query{Text: "milk", UserID: "usr_1", FilterType: ResultComment})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, results, 1)
	require.Equal(t, ResultComment, results[0].Type)
	require.Equal(t, "need <mark>milk</mark>", results[0].Snippet)
}

func TestSearchScopesToVisibleTodos(t *testing.T) {
	p, mock := newMockFTS(t)
	mock.ExpectQuery(`todo_assignees ta`).
		WithArgs("milk", "usr_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`todo_assignees ta`).
		WithArgs("milk", "usr_1").
		WillReturnRows(pgxmock.NewRows(resultColumns))

	results, total, err := p.Search(Query{Text: "milk", UserID: "usr_1"})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, results)
}

func TestSearchBlankQueryShortCircuits(t *testing.T) {
	p, _ := newMockFTS(t)

	results, total, err := p.Search(Query{Text: "   ", UserID: "usr_1"})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Nil(t, results)
}

func TestLoadAllRecordsBuildsVisibility(t *testing.T) {
	p, mock := newMockFTS(t)
	mock.ExpectQuery(`FROM todos t`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "owner_id", "completed", "assignees"}).
			AddRow("todo_1", "Buy milk", "usr_owner", false, []string{"usr_helper"}))
	mock.ExpectQuery(`SELECT c\.id, c\.content`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "content", "todo_id", "owner_id", "assignees"}).
			AddRow("cmt_1", "on it", "todo_1", "usr_owner", []string{"usr_helper"}))

	todos, comments, err := p.LoadAllRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, []string{"usr_owner", "usr_helper"}, todos[0].VisibleTo)
	require.Len(t, comments, 1)
	require.Equal(t, "on it", comments[0].Body)
	require.Equal(t, []string{"usr_owner", "usr_helper"}, comments[0].VisibleTo)
}
