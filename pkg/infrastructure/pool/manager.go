// Package pool manages a bounded set of reusable database sessions: lazy initialization,
// probe-checked checkout, defensive checkin, reaping of abandoned checkouts and scoped
// execution on top of them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
	"github.com/TFMV/poolkeeper/pkg/infrastructure/metrics"
)

// Status is a point-in-time view of the manager.
type Status struct {
	Initialized bool      `json:"initialized" yaml:"initialized"`
	ActiveCount int       `json:"active_count" yaml:"active_count"`
	IdleCount   int       `json:"idle_count" yaml:"idle_count"`
	Size        int       `json:"size" yaml:"size"`
	PoolMin     int       `json:"pool_min" yaml:"pool_min"`
	PoolMax     int       `json:"pool_max" yaml:"pool_max"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(m *Manager) {
		if collector != nil {
			m.metrics = collector
		}
	}
}

// WithClock overrides the time source used for checkout timestamps and reaping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the idle pool and the checkout registry. Construct one per process and pass
// it to whatever needs database access.
type Manager struct {
	cfg      Config
	dialer   Dialer
	logger   zerolog.Logger
	metrics  metrics.Collector
	probe    *ConnectionProbe
	registry *Registry
	now      func() time.Time

	initialized atomic.Bool
	mu          sync.Mutex // serializes pool construction and teardown
	pool        atomic.Pointer[idlePool]
}

// NewManager validates cfg and creates an uninitialized manager. No session is opened until
// Initialize or the first Acquire.
func NewManager(cfg Config, dialer Dialer, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("no dialer provided")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.With().Str("component", "pool_manager").Logger(),
		metrics:  metrics.NewNoOpCollector(),
		registry: NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.probe = NewConnectionProbe(m.logger, cfg.ProbeQuery, m.metrics)

	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Initialize builds the pool and runs one probe cycle on it. It is idempotent and reports
// success instead of returning an error; a failed attempt leaves the manager uninitialized
// so a later call can retry.
//
// The lifecycle lock stays held through the probe cycle so concurrent callers wait for one
// build rather than racing to create pools; Initialize never re-enters itself.
func (m *Manager) Initialize(ctx context.Context) bool {
	if m.initialized.Load() {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized.Load() {
		return true
	}

	start := time.Now()
	p, err := newIdlePool(ctx, m.cfg, m.dialer, m.logger)
	if err != nil {
		m.initFailed(err, "Failed to create connection pool")
		return false
	}

	s, err := p.take(ctx)
	if err != nil {
		_ = p.close(ctx)
		m.initFailed(err, "Failed to take connection from new pool")
		return false
	}
	if err := m.probe.Check(ctx, s.raw); err != nil {
		s.setState(stateBroken)
		p.discard(ctx, s)
		_ = p.close(ctx)
		m.initFailed(err, "New pool failed its probe")
		return false
	}
	if err := p.put(ctx, s); err != nil {
		_ = p.close(ctx)
		m.initFailed(err, "Failed to return probe connection")
		return false
	}

	m.pool.Store(p)
	m.initialized.Store(true)
	m.metrics.IncrementCounter("pool_initializations_total", "result", "ok")
	m.logger.Info().
		Str("target", m.cfg.String()).
		Dur("duration", time.Since(start)).
		Msg("Connection pool initialized")

	return true
}

func (m *Manager) initFailed(err error, msg string) {
	m.metrics.IncrementCounter("pool_initializations_total", "result", "failed")
	m.logger.Warn().
		Err(err).
		Str("target", m.cfg.String()).
		Msg(msg)
}

// Acquire checks out a probed session. See AcquireAs.
func (m *Manager) Acquire(ctx context.Context) (*Conn, error) {
	return m.AcquireAs(ctx, "")
}

// AcquireAs checks out a session that has just passed the probe and records owner against
// it. A failed probe discards the handle and retries once. A full pool fails immediately
// with ErrPoolExhausted. When the pool cannot be built or cannot dial, an unpooled direct
// session is opened instead; if that fails too the error is ErrPoolUnavailable.
func (m *Manager) AcquireAs(ctx context.Context, owner string) (*Conn, error) {
	timer := m.metrics.StartTimer("pool_acquire_duration_seconds")
	defer func() {
		m.metrics.RecordHistogram("pool_acquire_duration_seconds", timer.Stop())
	}()

	if !m.Initialize(ctx) {
		return m.acquireDirect(ctx, owner, pkgerrors.ErrPoolUnavailable)
	}

	p := m.pool.Load()
	if p == nil {
		// torn down between Initialize and here
		return m.acquireDirect(ctx, owner, pkgerrors.ErrPoolUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := p.take(ctx)
		if err != nil {
			if errors.Is(err, pkgerrors.ErrPoolExhausted) {
				m.metrics.IncrementCounter("pool_acquire_total", "result", "exhausted")
				m.logger.Warn().
					Str("owner", owner).
					Int("pool_max", m.cfg.PoolMax).
					Msg("Connection pool exhausted")
				return nil, err
			}
			return m.acquireDirect(ctx, owner, err)
		}

		if err := m.probe.Check(ctx, s.raw); err != nil {
			s.setState(stateBroken)
			p.discard(ctx, s)
			lastErr = err
			m.logger.Warn().
				Err(err).
				Str("session_id", s.id).
				Int("attempt", attempt+1).
				Msg("Pooled connection failed probe, discarding")
			continue
		}

		m.metrics.IncrementCounter("pool_acquire_total", "result", "ok")
		return m.checkout(s, owner, false), nil
	}

	m.metrics.IncrementCounter("pool_acquire_total", "result", "probe_failed")
	return nil, pkgerrors.Wrap(
		pkgerrors.Wrap(lastErr, pkgerrors.CodeProbeFailed, "probe failed after retry"),
		pkgerrors.CodePoolUnavailable,
		"no healthy pooled connection",
	)
}

// acquireDirect opens an unpooled session for when the pool itself is unusable.
func (m *Manager) acquireDirect(ctx context.Context, owner string, cause error) (*Conn, error) {
	m.logger.Warn().
		Err(cause).
		Str("owner", owner).
		Msg("Connection pool unavailable, opening direct connection")

	raw, err := m.dialer.Dial(ctx)
	if err != nil {
		m.metrics.IncrementCounter("pool_acquire_total", "result", "unavailable")
		m.logger.Error().Err(err).Msg("Direct connection failed")
		return nil, pkgerrors.Wrap(err, pkgerrors.CodePoolUnavailable, "direct connection failed")
	}

	s := newPooledSession(raw, nil)
	if err := m.probe.Check(ctx, raw); err != nil {
		_ = s.close(ctx)
		m.metrics.IncrementCounter("pool_acquire_total", "result", "unavailable")
		m.logger.Error().Err(err).Msg("Direct connection failed probe")
		return nil, pkgerrors.Wrap(
			pkgerrors.Wrap(err, pkgerrors.CodeProbeFailed, "direct connection probe failed"),
			pkgerrors.CodePoolUnavailable,
			"direct connection unusable",
		)
	}

	m.metrics.IncrementCounter("pool_direct_connections_total")
	m.metrics.IncrementCounter("pool_acquire_total", "result", "direct")
	return m.checkout(s, owner, true), nil
}

func (m *Manager) checkout(s *pooledSession, owner string, direct bool) *Conn {
	s.setState(stateCheckedOut)
	rec := &CheckoutRecord{
		Token:        uuid.NewString(),
		Owner:        owner,
		Session:      s,
		CheckedOutAt: m.now(),
		Direct:       direct,
	}
	m.registry.Record(rec)
	m.metrics.RecordGauge("pool_active_checkouts", float64(m.registry.Len()))

	m.logger.Debug().
		Str("token", rec.Token).
		Str("owner", owner).
		Str("session_id", s.id).
		Bool("direct", direct).
		Msg("Connection checked out")

	return newConn(rec)
}

// Release returns a checked-out connection. It never fails: nil and already released
// connections are ignored, direct or orphaned sessions are closed, pooled ones are reset
// and put back, and a session that cannot be reset is discarded.
func (m *Manager) Release(ctx context.Context, c *Conn) {
	if c == nil {
		m.logger.Debug().Msg("Release called with nil connection")
		return
	}
	if !c.markReleased() {
		m.logger.Debug().Str("token", c.token).Msg("Connection already released")
		return
	}

	s := c.session
	rec, ok := m.registry.Forget(c.token)
	if !ok {
		// reaped or torn down while checked out
		if s.getState() == stateCheckedOut {
			m.closeSession(ctx, s)
		}
		m.logger.Debug().Str("token", c.token).Msg("No checkout record for released connection")
		return
	}
	m.metrics.RecordGauge("pool_active_checkouts", float64(m.registry.Len()))

	p := m.pool.Load()
	if rec.Direct || s.owner == nil || p == nil || s.owner != p {
		m.closeSession(ctx, s)
		m.logger.Debug().
			Str("token", rec.Token).
			Bool("direct", rec.Direct).
			Msg("Closed unpooled connection")
		return
	}

	if s.getState() == stateClosed || s.raw.IsClosed() {
		p.discard(ctx, s)
		m.logger.Warn().
			Str("token", rec.Token).
			Str("session_id", s.id).
			Msg("Released connection already closed, dropping")
		return
	}

	if err := s.reset(ctx); err != nil {
		m.checkinDamaged(ctx, p, s, rec, err)
		return
	}
	if err := p.put(ctx, s); err != nil {
		m.checkinDamaged(ctx, p, s, rec, err)
		return
	}

	m.logger.Debug().
		Str("token", rec.Token).
		Str("session_id", s.id).
		Dur("held", m.now().Sub(rec.CheckedOutAt)).
		Msg("Connection returned to pool")
}

func (m *Manager) checkinDamaged(ctx context.Context, p *idlePool, s *pooledSession, rec *CheckoutRecord, cause error) {
	s.setState(stateBroken)
	p.discard(ctx, s)
	m.metrics.IncrementCounter("pool_checkin_damaged_total")
	err := pkgerrors.Wrap(cause, pkgerrors.CodeCheckinDamaged, "defensive reset failed")
	m.logger.Warn().
		Err(err).
		Str("token", rec.Token).
		Str("session_id", s.id).
		Msg("Discarding damaged connection")
}

// closeSession closes s and frees its slot if it came from a pool.
func (m *Manager) closeSession(ctx context.Context, s *pooledSession) {
	if s.owner != nil {
		s.owner.discard(ctx, s)
		return
	}
	if err := s.close(ctx); err != nil {
		m.logger.Debug().Err(err).Str("session_id", s.id).Msg("Error closing connection")
	}
}

// Status reports initialization state and checkout counts.
func (m *Manager) Status() Status {
	st := Status{
		Initialized: m.initialized.Load(),
		ActiveCount: m.registry.Len(),
		PoolMin:     m.cfg.PoolMin,
		PoolMax:     m.cfg.PoolMax,
		Timestamp:   m.now(),
	}
	if p := m.pool.Load(); p != nil {
		st.IdleCount = p.idleCount()
		st.Size = p.sizeCount()
	}
	return st
}

// CloseAll closes every checked-out and idle session and resets the manager to
// uninitialized; the next Acquire builds a fresh pool.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := 0
	for _, rec := range m.registry.Drain() {
		m.closeSession(ctx, rec.Session)
		closed++
	}

	if p := m.pool.Swap(nil); p != nil {
		if err := p.close(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Errors closing idle connections")
		}
	}
	m.initialized.Store(false)
	m.metrics.RecordGauge("pool_active_checkouts", 0)

	m.logger.Info().
		Int("checked_out_closed", closed).
		Msg("All connections closed")
}

// TestConnection opens a direct session and reports whether it passes the probe and
// yields a server version.
func (m *Manager) TestConnection(ctx context.Context) bool {
	_, err := m.ServerVersion(ctx)
	return err == nil
}

// ServerVersion opens a direct session, probes it and returns the server version.
func (m *Manager) ServerVersion(ctx context.Context) (string, error) {
	raw, err := m.dialer.Dial(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Connection test failed")
		return "", pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "connect failed")
	}
	defer func() {
		if err := raw.Close(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing test connection")
		}
	}()

	if err := m.probe.Check(ctx, raw); err != nil {
		m.logger.Warn().Err(err).Msg("Connection test failed")
		return "", pkgerrors.Wrap(err, pkgerrors.CodeProbeFailed, "probe failed")
	}

	version, err := m.probe.Version(ctx, raw, m.dialer.VersionQuery())
	if err != nil {
		m.logger.Warn().Err(err).Msg("Connection test failed")
		return "", pkgerrors.Wrap(err, pkgerrors.CodeProbeFailed, "version query failed")
	}

	m.logger.Debug().Str("version", version).Msg("Connection test succeeded")
	return version, nil
}
