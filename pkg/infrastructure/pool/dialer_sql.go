package pool

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// sqlDialer hands out dedicated *sql.Conn sessions from a database/sql handle. The handle
// keeps no idle connections of its own, so closing a session closes the driver connection.
type sqlDialer struct {
	driver string
	db     *sql.DB
}

// NewSQLDialer opens a database/sql handle for duckdb, sqlite3 or mysql.
func NewSQLDialer(cfg Config) (Dialer, error) {
	dsn, err := sqlDataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidConfig, "failed to open database")
	}
	db.SetMaxIdleConns(0)

	return &sqlDialer{driver: cfg.Driver, db: db}, nil
}

func sqlDataSource(cfg Config) (string, error) {
	switch cfg.Driver {
	case DriverDuckDB, DriverSQLite:
		return cfg.FilePath(), nil
	case DriverMySQL:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		return mc.FormatDSN(), nil
	default:
		return "", pkgerrors.ErrInvalidConfig.WithDetail("driver", cfg.Driver)
	}
}

func (d *sqlDialer) Name() string { return d.driver }

func (d *sqlDialer) VersionQuery() string {
	switch d.driver {
	case DriverSQLite:
		return "SELECT sqlite_version()"
	case DriverMySQL:
		return "SELECT VERSION()"
	default:
		return "SELECT version()"
	}
}

func (d *sqlDialer) Placeholder(int) string { return "?" }

func (d *sqlDialer) Dial(ctx context.Context) (Session, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlSession{conn: conn, textBytes: d.driver == DriverMySQL}, nil
}

// Close releases the database/sql handle.
func (d *sqlDialer) Close() error {
	return d.db.Close()
}

type sqlSession struct {
	conn      *sql.Conn
	closed    atomic.Bool
	textBytes bool
}

func (s *sqlSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func (s *sqlSession) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSQLRows(rows, s.textBytes)
}

func (s *sqlSession) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }

func (s *sqlSession) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx, textBytes: s.textBytes}, nil
}

func (s *sqlSession) Close(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *sqlSession) IsClosed() bool { return s.closed.Load() }

type sqlTx struct {
	tx        *sql.Tx
	textBytes bool
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSQLRows(rows, t.textBytes)
}

func (t *sqlTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

// rowsAffected tolerates drivers that cannot report a count.
func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return -1
	}
	return n
}

func collectSQLRows(rows *sql.Rows, textBytes bool) (*RowSet, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &RowSet{Columns: cols}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if textBytes {
			for i, v := range values {
				if b, ok := v.([]byte); ok {
					values[i] = string(b)
				}
			}
		}
		rs.Rows = append(rs.Rows, Row(values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
