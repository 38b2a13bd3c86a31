package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// idlePool is the bounded set of reusable sessions behind a Manager. Idle handles sit in a
// buffered channel; size counts every live session the pool created, idle or checked out.
type idlePool struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	idle   chan *pooledSession
	size   atomic.Int32
	closed atomic.Bool
	mu     sync.RWMutex // held exclusively while closing so put cannot race the drain
}

// newIdlePool builds the pool and warms it with PoolMin sessions.
func newIdlePool(ctx context.Context, cfg Config, dialer Dialer, logger zerolog.Logger) (*idlePool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("no dialer provided")
	}
	if cfg.PoolMax <= 0 || cfg.PoolMin < 0 || cfg.PoolMin > cfg.PoolMax {
		return nil, pkgerrors.ErrInvalidConfig.
			WithDetail("pool_min", cfg.PoolMin).
			WithDetail("pool_max", cfg.PoolMax)
	}

	p := &idlePool{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "idle_pool").Logger(),
		idle:   make(chan *pooledSession, cfg.PoolMax),
	}

	for i := 0; i < cfg.PoolMin; i++ {
		s, err := p.dial(ctx)
		if err != nil {
			p.close(ctx)
			return nil, err
		}
		p.idle <- s
	}

	p.logger.Debug().
		Int("pool_min", cfg.PoolMin).
		Int("pool_max", cfg.PoolMax).
		Msg("Idle pool created")

	return p, nil
}

// take hands out an idle session, dialing a new one while below PoolMax. A full pool fails
// immediately with ErrPoolExhausted.
func (p *idlePool) take(ctx context.Context) (*pooledSession, error) {
	for {
		if p.isClosed() {
			return nil, pkgerrors.ErrPoolUnavailable.WithDetail("reason", "pool closed")
		}

		select {
		case s := <-p.idle:
			if s.raw.IsClosed() || s.getState() == stateClosed {
				p.discard(ctx, s)
				continue
			}
			s.setState(stateCheckedOut)
			return s, nil
		default:
		}

		if !p.reserve() {
			return nil, pkgerrors.ErrPoolExhausted.
				WithDetail("pool_max", p.cfg.PoolMax)
		}
		s, err := p.dialReserved(ctx)
		if err != nil {
			return nil, err
		}
		s.setState(stateCheckedOut)
		return s, nil
	}
}

// put returns a checked-out session to idle. After close the session is closed instead.
func (p *idlePool) put(ctx context.Context, s *pooledSession) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.isClosed() {
		p.discard(ctx, s)
		return nil
	}
	if s.raw.IsClosed() {
		p.discard(ctx, s)
		return fmt.Errorf("session %s is closed", s.id)
	}
	if !s.transition(stateCheckedOut, stateIdle) {
		state := s.getState()
		if state != stateIdle {
			p.discard(ctx, s)
		}
		return fmt.Errorf("session %s is %s, not checked out", s.id, state)
	}

	select {
	case p.idle <- s:
		return nil
	default:
		// size never exceeds capacity
		p.discard(ctx, s)
		return fmt.Errorf("idle queue full")
	}
}

// discard closes the session and frees its slot. Safe to call more than once.
func (p *idlePool) discard(ctx context.Context, s *pooledSession) {
	if err := s.close(ctx); err != nil {
		p.logger.Debug().Err(err).Str("session_id", s.id).Msg("Error closing discarded session")
	}
	if s.evicted.CompareAndSwap(false, true) {
		p.size.Add(-1)
	}
}

// close refuses further takes and closes every idle session. Checked-out sessions are
// closed when they come back.
func (p *idlePool) close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errMsgs []string
	for {
		select {
		case s := <-p.idle:
			if err := s.close(ctx); err != nil {
				errMsgs = append(errMsgs, err.Error())
			}
			if s.evicted.CompareAndSwap(false, true) {
				p.size.Add(-1)
			}
			continue
		default:
		}
		break
	}

	if len(errMsgs) > 0 {
		return errors.New(strings.Join(errMsgs, "\n"))
	}
	return nil
}

func (p *idlePool) idleCount() int {
	return len(p.idle)
}

func (p *idlePool) sizeCount() int {
	return int(p.size.Load())
}

func (p *idlePool) isClosed() bool {
	return p.closed.Load()
}

// reserve claims a slot for a new session if the pool is below PoolMax.
func (p *idlePool) reserve() bool {
	for {
		n := p.size.Load()
		if int(n) >= p.cfg.PoolMax {
			return false
		}
		if p.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *idlePool) dial(ctx context.Context) (*pooledSession, error) {
	if !p.reserve() {
		return nil, pkgerrors.ErrPoolExhausted.WithDetail("pool_max", p.cfg.PoolMax)
	}
	return p.dialReserved(ctx)
}

func (p *idlePool) dialReserved(ctx context.Context) (*pooledSession, error) {
	raw, err := p.dialer.Dial(ctx)
	if err != nil {
		p.size.Add(-1)
		return nil, pkgerrors.Wrapf(err, pkgerrors.CodePoolUnavailable, "dial %s", p.dialer.Name())
	}
	return newPooledSession(raw, p), nil
}
