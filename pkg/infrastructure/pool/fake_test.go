package pool

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errKilled = errors.New("server closed the connection unexpectedly")

// fakeDialer hands out in-memory sessions whose failures tests can script.
type fakeDialer struct {
	dialed      atomic.Int32
	open        atomic.Int32
	failDials   atomic.Int32 // next n dials fail
	dialBroken  atomic.Bool  // every dial fails
	failProbes  atomic.Int32 // next n probe queries fail
	commits     atomic.Int32
	rollbacks   atomic.Int32
	mu          sync.Mutex
	statements  []string
	allSessions []*fakeSession
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) Name() string         { return "fake" }
func (d *fakeDialer) VersionQuery() string { return "SELECT version()" }
func (d *fakeDialer) Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.dialBroken.Load() {
		return nil, errors.New("connection refused")
	}
	for {
		n := d.failDials.Load()
		if n <= 0 {
			break
		}
		if d.failDials.CompareAndSwap(n, n-1) {
			return nil, errors.New("connection refused")
		}
	}

	s := &fakeSession{db: d, id: int(d.dialed.Add(1))}
	d.open.Add(1)
	d.mu.Lock()
	d.allSessions = append(d.allSessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.statements...)
}

func (d *fakeDialer) record(query string) {
	d.mu.Lock()
	d.statements = append(d.statements, query)
	d.mu.Unlock()
}

func (d *fakeDialer) takeProbeFailure() bool {
	for {
		n := d.failProbes.Load()
		if n <= 0 {
			return false
		}
		if d.failProbes.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

type fakeSession struct {
	db     *fakeDialer
	id     int
	closed atomic.Bool
	killed atomic.Bool
}

// kill simulates the server terminating the session behind the client's back.
func (s *fakeSession) kill() { s.killed.Store(true) }

func (s *fakeSession) alive() error {
	if s.closed.Load() {
		return errors.New("conn closed")
	}
	if s.killed.Load() {
		return errKilled
	}
	return nil
}

func (s *fakeSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := s.alive(); err != nil {
		return 0, err
	}
	if strings.HasPrefix(query, "FAIL") {
		return 0, errors.New("syntax error at or near \"FAIL\"")
	}
	s.db.record(query)
	return 3, nil
}

func (s *fakeSession) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	switch {
	case query == defaultProbeQuery:
		if s.db.takeProbeFailure() {
			return nil, errors.New("probe timeout")
		}
		return &RowSet{Columns: []string{"?column?"}, Rows: []Row{{int32(1)}}}, nil
	case query == s.db.VersionQuery():
		return &RowSet{Columns: []string{"version"}, Rows: []Row{{"FakeSQL 1.0"}}}, nil
	case strings.HasPrefix(query, "FAIL"):
		return nil, errors.New("syntax error at or near \"FAIL\"")
	case strings.HasPrefix(query, "EMPTY"):
		return &RowSet{Columns: []string{"id"}}, nil
	}
	s.db.record(query)
	return &RowSet{
		Columns: []string{"id", "name"},
		Rows:    []Row{{int64(1), "ada"}, {int64(2), "grace"}},
	}, nil
}

func (s *fakeSession) Ping(ctx context.Context) error { return s.alive() }

func (s *fakeSession) Begin(ctx context.Context) (Tx, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	return &fakeTx{s: s}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.db.open.Add(-1)
	}
	return nil
}

func (s *fakeSession) IsClosed() bool { return s.closed.Load() }

type fakeTx struct {
	s *fakeSession
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return t.s.Exec(ctx, query, args...)
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	return t.s.Query(ctx, query, args...)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if err := t.s.alive(); err != nil {
		return err
	}
	t.s.db.commits.Add(1)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if err := t.s.alive(); err != nil {
		return err
	}
	t.s.db.rollbacks.Add(1)
	return nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(poolMin, poolMax int) Config {
	cfg := DefaultConfig()
	cfg.PoolMin = poolMin
	cfg.PoolMax = poolMax
	return cfg
}

func newTestManager(t *testing.T, cfg Config, d Dialer, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, d, zerolog.New(zerolog.NewTestWriter(t)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll(context.Background()) })
	return m
}

// fakeOf returns the fake session behind a connection.
func fakeOf(c *Conn) *fakeSession {
	return c.session.raw.(*fakeSession)
}
