package pool

import (
	"context"
	"sync/atomic"
	"time"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// Conn is one checkout of a session. It is owned by a single caller until handed back with
// Manager.Release; after that every method returns ErrConnReleased.
//
// Statements run inside a transaction that is begun lazily by the first statement and ended
// by Commit or Rollback. Work that is neither committed nor rolled back is discarded on
// release.
type Conn struct {
	token        string
	owner        string
	direct       bool
	checkedOutAt time.Time
	session      *pooledSession

	released atomic.Bool
}

func newConn(rec *CheckoutRecord) *Conn {
	return &Conn{
		token:        rec.Token,
		owner:        rec.Owner,
		direct:       rec.Direct,
		checkedOutAt: rec.CheckedOutAt,
		session:      rec.Session,
	}
}

// Token identifies this checkout.
func (c *Conn) Token() string { return c.token }

// Owner is the label given to AcquireAs, if any.
func (c *Conn) Owner() string { return c.owner }

// Direct reports whether the session bypasses the pool.
func (c *Conn) Direct() bool { return c.direct }

// CheckedOutAt is when the checkout was recorded.
func (c *Conn) CheckedOutAt() time.Time { return c.checkedOutAt }

// Released reports whether the connection has been handed back.
func (c *Conn) Released() bool { return c.released.Load() }

// InTx reports whether an implicit transaction is open.
func (c *Conn) InTx() bool { return c.session.inTx() }

func (c *Conn) markReleased() bool {
	return c.released.CompareAndSwap(false, true)
}

func (c *Conn) check() error {
	if c.released.Load() {
		return pkgerrors.ErrConnReleased.WithDetail("token", c.token)
	}
	return nil
}

// Exec runs a statement and returns the number of affected rows, or -1 if the driver cannot
// tell.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	tx, err := c.session.ensureTx(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "begin transaction")
	}
	n, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "exec failed").
			WithDetail("query", query)
	}
	return n, nil
}

// Query runs a statement and returns every row.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	tx, err := c.session.ensureTx(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "begin transaction")
	}
	rs, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "query failed").
			WithDetail("query", query)
	}
	return rs, nil
}

// QueryRow runs a statement and returns its first row, or nil if there is none.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	rs, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rs.First(), nil
}

// Commit commits the open transaction. Without one it does nothing.
func (c *Conn) Commit(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.session.endTx(ctx, true); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "commit failed")
	}
	return nil
}

// Rollback discards the open transaction. Without one it does nothing.
func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.session.endTx(ctx, false); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "rollback failed")
	}
	return nil
}

// Ping checks the session outside any transaction.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.session.raw.Ping(ctx); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "ping failed")
	}
	return nil
}

// Cursor opens a cursor over the connection.
func (c *Conn) Cursor() *Cursor {
	return &Cursor{conn: c}
}

// Cursor is a closable view of a Conn. Closing it does not release the connection.
type Cursor struct {
	conn   *Conn
	closed atomic.Bool
}

var errCursorClosed = pkgerrors.New(pkgerrors.CodeInvalidRequest, "cursor is closed")

// Exec runs a statement through the cursor.
func (cur *Cursor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if cur.closed.Load() {
		return 0, errCursorClosed
	}
	return cur.conn.Exec(ctx, query, args...)
}

// Query runs a statement through the cursor.
func (cur *Cursor) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	if cur.closed.Load() {
		return nil, errCursorClosed
	}
	return cur.conn.Query(ctx, query, args...)
}

// QueryRow runs a statement through the cursor and returns its first row.
func (cur *Cursor) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	if cur.closed.Load() {
		return nil, errCursorClosed
	}
	return cur.conn.QueryRow(ctx, query, args...)
}

// Commit commits the connection's open transaction.
func (cur *Cursor) Commit(ctx context.Context) error {
	if cur.closed.Load() {
		return errCursorClosed
	}
	return cur.conn.Commit(ctx)
}

// Conn returns the connection behind the cursor.
func (cur *Cursor) Conn() *Conn {
	return cur.conn
}

// Close marks the cursor closed. Further calls on it fail.
func (cur *Cursor) Close() {
	cur.closed.Store(true)
}

// Closed reports whether Close was called.
func (cur *Cursor) Closed() bool {
	return cur.closed.Load()
}
