package pool

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// Mode selects what Execute returns.
type Mode int

const (
	// FetchAll returns every row.
	FetchAll Mode = iota
	// FetchOne returns the first row.
	FetchOne
	// RowCount returns the affected row count.
	RowCount
)

func (m Mode) String() string {
	switch m {
	case FetchOne:
		return "one"
	case RowCount:
		return "count"
	default:
		return "all"
	}
}

// ParseMode maps "all", "one" or "count" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return FetchAll, nil
	case "one":
		return FetchOne, nil
	case "count":
		return RowCount, nil
	default:
		return FetchAll, pkgerrors.New(pkgerrors.CodeInvalidRequest, fmt.Sprintf("unknown fetch mode %q", s))
	}
}

// Query is a single parameterized statement for Execute.
type Query struct {
	SQL  string
	Args []any
	Mode Mode
	// Commit issues an explicit commit right after the statement, before the scope's own.
	Commit bool
}

// Result holds whichever of the fields the query's Mode asked for.
type Result struct {
	Columns      []string `json:"columns,omitempty"`
	Row          Row      `json:"row,omitempty"`
	Rows         []Row    `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
}

// Execute runs one statement inside WithCursor. Statement errors come back after the scope
// has rolled back and released the connection.
func (m *Manager) Execute(ctx context.Context, q Query) (Result, error) {
	var res Result
	if strings.TrimSpace(q.SQL) == "" {
		return res, pkgerrors.New(pkgerrors.CodeInvalidRequest, "empty statement")
	}

	err := m.WithCursor(ctx, func(cur *Cursor) error {
		switch q.Mode {
		case RowCount:
			n, err := cur.Exec(ctx, q.SQL, q.Args...)
			if err != nil {
				return err
			}
			res.RowsAffected = n
		case FetchOne:
			rs, err := cur.Query(ctx, q.SQL, q.Args...)
			if err != nil {
				return err
			}
			res.Columns = rs.Columns
			res.Row = rs.First()
		default:
			rs, err := cur.Query(ctx, q.SQL, q.Args...)
			if err != nil {
				return err
			}
			res.Columns = rs.Columns
			res.Rows = rs.Rows
		}

		if q.Commit {
			return cur.Commit(ctx)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

var procedureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CallProcedure invokes a stored procedure with args bound positionally, then commits.
func (m *Manager) CallProcedure(ctx context.Context, name string, args ...any) error {
	if !procedureName.MatchString(name) {
		return pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid procedure name").
			WithDetail("name", name)
	}

	marks := make([]string, len(args))
	for i := range args {
		marks[i] = m.dialer.Placeholder(i + 1)
	}
	stmt := fmt.Sprintf("CALL %s(%s)", name, strings.Join(marks, ", "))

	return m.WithCursor(ctx, func(cur *Cursor) error {
		_, err := cur.Exec(ctx, stmt, args...)
		return err
	})
}
