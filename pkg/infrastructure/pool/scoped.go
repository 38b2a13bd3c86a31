package pool

import (
	"context"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// WithCursor runs fn on a freshly acquired connection. When fn returns nil the work is
// committed; when it returns an error or panics the work is rolled back first and the error
// or panic is passed on. The cursor is closed and the connection released on every path.
// If no connection can be acquired fn is not called and the error has code
// CONNECTION_UNAVAILABLE.
func (m *Manager) WithCursor(ctx context.Context, fn func(*Cursor) error) error {
	c, err := m.Acquire(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "could not acquire connection")
	}

	cur := c.Cursor()
	defer func() {
		cur.Close()
		m.Release(ctx, c)
	}()
	defer func() {
		if r := recover(); r != nil {
			m.rollbackScope(ctx, c)
			panic(r)
		}
	}()

	if err := fn(cur); err != nil {
		m.rollbackScope(ctx, c)
		return err
	}

	if err := c.Commit(ctx); err != nil {
		m.rollbackScope(ctx, c)
		return err
	}
	return nil
}

func (m *Manager) rollbackScope(ctx context.Context, c *Conn) {
	if err := c.Rollback(ctx); err != nil {
		// release will discard the session
		m.logger.Warn().
			Err(err).
			Str("token", c.Token()).
			Msg("Rollback after failed unit of work failed")
	}
}
