package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Row is one materialized result row.
type Row []any

// RowSet holds a fully read query result.
type RowSet struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// First returns the first row, or nil when the result is empty.
func (rs *RowSet) First() Row {
	if rs == nil || len(rs.Rows) == 0 {
		return nil
	}
	return rs.Rows[0]
}

// Querier runs statements.
type Querier interface {
	// Exec runs a statement and returns the affected row count.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Query runs a statement and reads every row.
	Query(ctx context.Context, query string, args ...any) (*RowSet, error)
}

// Tx is an open transaction on a Session.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Session is one live database session produced by a Dialer.
type Session interface {
	Querier
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens sessions against one configured database.
type Dialer interface {
	// Name identifies the driver, e.g. "postgres".
	Name() string
	// Dial opens a new session.
	Dial(ctx context.Context) (Session, error)
	// VersionQuery returns a statement yielding the server version as its first column.
	VersionQuery() string
	// Placeholder renders the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
}

// sessionState tracks a pooled handle through its lifecycle.
type sessionState int32

const (
	stateIdle sessionState = iota
	stateCheckedOut
	stateBroken
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCheckedOut:
		return "checked_out"
	case stateBroken:
		return "broken"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pooledSession wraps a driver Session with the bookkeeping the pool needs. The implicit
// transaction lives here, so it survives across leases only if someone forgot to end it;
// checkin rolls it back.
type pooledSession struct {
	id      string
	raw     Session
	owner   *idlePool // nil for direct sessions
	state   atomic.Int32
	evicted atomic.Bool // slot already returned to the owner pool

	mu sync.Mutex
	tx Tx
}

func newPooledSession(raw Session, owner *idlePool) *pooledSession {
	s := &pooledSession{
		id:    uuid.NewString(),
		raw:   raw,
		owner: owner,
	}
	s.state.Store(int32(stateIdle))
	return s
}

func (s *pooledSession) getState() sessionState {
	return sessionState(s.state.Load())
}

func (s *pooledSession) setState(st sessionState) {
	s.state.Store(int32(st))
}

// transition moves from one state to another and reports whether it won the race.
func (s *pooledSession) transition(from, to sessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// ensureTx begins the implicit transaction if none is open.
func (s *pooledSession) ensureTx(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.raw.Begin(ctx)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// endTx commits or rolls back the implicit transaction; no open transaction is a no-op.
func (s *pooledSession) endTx(ctx context.Context, commit bool) error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	if tx == nil {
		return nil
	}
	if commit {
		return tx.Commit(ctx)
	}
	return tx.Rollback(ctx)
}

// reset readies a session for reuse. An open transaction is rolled back; otherwise the
// session is pinged, so a connection the server dropped never goes back to idle.
func (s *pooledSession) reset(ctx context.Context) error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	if tx != nil {
		return tx.Rollback(ctx)
	}
	return s.raw.Ping(ctx)
}

func (s *pooledSession) inTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// close closes the driver session. An open transaction is rolled back first: database/sql
// will not close a connection while a transaction holds it.
func (s *pooledSession) close(ctx context.Context) error {
	s.setState(stateClosed)
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx != nil {
		_ = tx.Rollback(ctx)
	}
	if s.raw.IsClosed() {
		return nil
	}
	if err := s.raw.Close(ctx); err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}
