package pool

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// pgxDialer opens PostgreSQL sessions with pgx.
type pgxDialer struct {
	connConfig *pgx.ConnConfig
}

// NewPgxDialer parses the PostgreSQL connection parameters once; every Dial reuses them.
func NewPgxDialer(cfg Config) (Dialer, error) {
	connConfig, err := pgx.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidConfig, "failed to parse postgres connection string")
	}
	return &pgxDialer{connConfig: connConfig}, nil
}

func (d *pgxDialer) Name() string { return DriverPostgres }

func (d *pgxDialer) VersionQuery() string { return "SELECT version()" }

func (d *pgxDialer) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (d *pgxDialer) Dial(ctx context.Context) (Session, error) {
	conn, err := pgx.ConnectConfig(ctx, d.connConfig)
	if err != nil {
		return nil, err
	}
	return &pgxSession{conn: conn}, nil
}

type pgxSession struct {
	conn *pgx.Conn
}

func (s *pgxSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgxSession) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPgxRows(rows)
}

func (s *pgxSession) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

func (s *pgxSession) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (s *pgxSession) Close(ctx context.Context) error { return s.conn.Close(ctx) }

func (s *pgxSession) IsClosed() bool { return s.conn.IsClosed() }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPgxRows(rows)
}

func (t *pgxTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func collectPgxRows(rows pgx.Rows) (*RowSet, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	rs := &RowSet{Columns: make([]string, len(fields))}
	for i, f := range fields {
		rs.Columns[i] = f.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, Row(values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
