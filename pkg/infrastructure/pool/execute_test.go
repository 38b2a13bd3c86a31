package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

func TestManager_Execute(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		query   Query
		check   func(t *testing.T, res Result)
		wantErr string
	}{
		{
			name:  "fetch all",
			query: Query{SQL: "SELECT id, name FROM students"},
			check: func(t *testing.T, res Result) {
				assert.Equal(t, []string{"id", "name"}, res.Columns)
				require.Len(t, res.Rows, 2)
				assert.Equal(t, "grace", res.Rows[1][1])
				assert.Nil(t, res.Row)
			},
		},
		{
			name:  "fetch one",
			query: Query{SQL: "SELECT id, name FROM students WHERE id = $1", Args: []any{1}, Mode: FetchOne},
			check: func(t *testing.T, res Result) {
				assert.Equal(t, Row{int64(1), "ada"}, res.Row)
				assert.Nil(t, res.Rows)
			},
		},
		{
			name:  "fetch one on empty result",
			query: Query{SQL: "EMPTY", Mode: FetchOne},
			check: func(t *testing.T, res Result) {
				assert.Nil(t, res.Row)
			},
		},
		{
			name:  "row count with explicit commit",
			query: Query{SQL: "UPDATE students SET active = false", Mode: RowCount, Commit: true},
			check: func(t *testing.T, res Result) {
				assert.Equal(t, int64(3), res.RowsAffected)
			},
		},
		{
			name:    "statement error",
			query:   Query{SQL: "FAIL SELECT"},
			wantErr: pkgerrors.CodeStatementFailed,
		},
		{
			name:    "empty statement",
			query:   Query{SQL: "  "},
			wantErr: pkgerrors.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, testConfig(1, 3), newFakeDialer())

			res, err := m.Execute(ctx, tt.query)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, pkgerrors.GetCode(err))
			} else {
				require.NoError(t, err)
				tt.check(t, res)
			}
			assert.Equal(t, 0, m.Status().ActiveCount)
		})
	}
}

func TestManager_ExecuteCommit(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	m := newTestManager(t, testConfig(1, 3), d)

	_, err := m.Execute(ctx, Query{SQL: "INSERT INTO t VALUES (1)", Mode: RowCount, Commit: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.commits.Load(), "scope commit after an explicit one has nothing left to do")

	_, err = m.Execute(ctx, Query{SQL: "FAIL INSERT", Mode: RowCount, Commit: true})
	require.Error(t, err)
	assert.Equal(t, int32(1), d.commits.Load())
}

func TestManager_CallProcedure(t *testing.T) {
	ctx := context.Background()

	t.Run("binds arguments", func(t *testing.T) {
		d := newFakeDialer()
		m := newTestManager(t, testConfig(1, 3), d)

		require.NoError(t, m.CallProcedure(ctx, "billing.post_payment", 42, "2024-01-01"))
		require.NoError(t, m.CallProcedure(ctx, "refresh_totals"))

		assert.Equal(t, []string{
			"CALL billing.post_payment($1, $2)",
			"CALL refresh_totals()",
		}, d.executed())
		assert.Equal(t, int32(2), d.commits.Load())
	})

	t.Run("rejects unsafe names", func(t *testing.T) {
		d := newFakeDialer()
		m := newTestManager(t, testConfig(1, 3), d)

		for _, name := range []string{"", "drop table x", "a;b", "1abc", "a.b.c"} {
			err := m.CallProcedure(ctx, name)
			require.Error(t, err, name)
			assert.Equal(t, pkgerrors.CodeInvalidRequest, pkgerrors.GetCode(err))
		}
		assert.Equal(t, int32(0), d.dialed.Load(), "no connection for a rejected call")
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: FetchAll},
		{in: "all", want: FetchAll},
		{in: "ONE", want: FetchOne},
		{in: "count", want: RowCount},
		{in: "many", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Mode {
	t.Helper()
	m, err := ParseMode(s)
	require.NoError(t, err)
	return m
}
