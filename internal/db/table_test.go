package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entities = Table{
	Name:    "entities",
	Columns: []string{"id", "name", "domain"},
	Key:     []string{"id"},
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestTable_Copy(t *testing.T) {
	evidence := Table{Name: "query_results", Columns: []string{"id", "scan_id"}}

	t.Run("no rows", func(t *testing.T) {
		n, err := evidence.Copy(context.Background(), nil, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("streams rows", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectCopyFrom(pgx.Identifier{"query_results"}, []string{"id", "scan_id"}).WillReturnResult(2)

		n, err := evidence.Copy(context.Background(), mock, [][]any{{"r1", "s1"}, {"r2", "s1"}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("copy error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectCopyFrom(pgx.Identifier{"query_results"}, []string{"id", "scan_id"}).WillReturnError(errors.New("disk full"))

		_, err := evidence.Copy(context.Background(), mock, [][]any{{"r1", "s1"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "copy into query_results")
	})
}

func TestTable_Merge(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "staging_entities" \(LIKE "entities" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"staging_entities"}, []string{"id", "name", "domain"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "entities" AS t .* ON CONFLICT \("id"\) DO UPDATE SET "name" = EXCLUDED."name", "domain" = EXCLUDED."domain" WHERE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := entities.Merge(context.Background(), mock, [][]any{
		{"e1", "Smith Toyota", "smithtoyota.com"},
		{"e2", "Jones Honda", "joneshonda.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_MergeRollsBack(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"staging_entities"}, entities.Columns).WillReturnError(errors.New("bad row"))
	mock.ExpectRollback()

	_, err := entities.Merge(context.Background(), mock, [][]any{{"e1", "x", "y"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into staging for entities")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_MergeValidation(t *testing.T) {
	rows := [][]any{{"e1"}}
	tests := []struct {
		name  string
		table Table
		want  string
	}{
		{"no name", Table{Columns: []string{"id"}, Key: []string{"id"}}, "table name is required"},
		{"no columns", Table{Name: "entities", Key: []string{"id"}}, "no columns"},
		{"no key", Table{Name: "entities", Columns: []string{"id", "name"}}, "no key columns"},
		{"key only", Table{Name: "entities", Columns: []string{"id"}, Key: []string{"id"}}, "nothing to refresh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.table.Merge(context.Background(), nil, rows)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	n, err := entities.Merge(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTable_MergeSQL(t *testing.T) {
	q := Table{
		Name:    "visibility.queries",
		Columns: []string{"id", "text", "priority"},
		Key:     []string{"id"},
		Refresh: []string{"priority"},
	}
	assert.Equal(t, "staging_visibility_queries", q.stagingName())
	assert.Equal(t,
		`INSERT INTO "visibility"."queries" AS t ("id", "text", "priority") SELECT "id", "text", "priority" FROM "staging_visibility_queries"`+
			` ON CONFLICT ("id") DO UPDATE SET "priority" = EXCLUDED."priority"`+
			` WHERE (t."priority") IS DISTINCT FROM (EXCLUDED."priority")`,
		q.mergeSQL(q.stagingName()))
}

func TestInTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE scan_records").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := InTx(context.Background(), mock, func(tx pgx.Tx) error {
			_, err := tx.Exec(context.Background(), "UPDATE scan_records SET status = 'completed'")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		assert.ErrorIs(t, InTx(context.Background(), mock, func(pgx.Tx) error { return boom }), boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin fails", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin().WillReturnError(errors.New("no conn"))

		err := InTx(context.Background(), mock, func(pgx.Tx) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "begin tx")
	})
}
