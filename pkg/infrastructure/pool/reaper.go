package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweep closes every checkout held longer than maxAge and returns how many it reaped. It
// works on a registry snapshot without the lifecycle lock; a Release racing for the same
// record is settled by whoever removes the record first.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) int {
	now := m.now()
	reaped := 0

	for _, rec := range m.registry.Snapshot() {
		age := now.Sub(rec.CheckedOutAt)
		if age <= maxAge {
			continue
		}
		if _, ok := m.registry.Forget(rec.Token); !ok {
			continue
		}

		m.closeSession(ctx, rec.Session)
		reaped++

		m.logger.Warn().
			Str("token", rec.Token).
			Str("owner", rec.Owner).
			Str("session_id", rec.Session.id).
			Bool("direct", rec.Direct).
			Dur("age", age).
			Msg("Reaped stale checkout")
	}

	if reaped > 0 {
		m.metrics.RecordGauge("pool_active_checkouts", float64(m.registry.Len()))
		for i := 0; i < reaped; i++ {
			m.metrics.IncrementCounter("pool_reaped_total")
		}
	}
	return reaped
}

// Reaper calls Sweep on a fixed interval until stopped.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	maxAge   time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a stopped reaper.
func NewReaper(m *Manager, interval, maxAge time.Duration) *Reaper {
	return &Reaper{
		manager:  m,
		interval: interval,
		maxAge:   maxAge,
		logger:   m.logger.With().Str("component", "reaper").Logger(),
	}
}

// Start launches the sweep routine. Calling Start on a running reaper does nothing.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil || r.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.sweepRoutine(ctx)
}

// Stop halts the sweep routine and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// sweepRoutine runs periodic sweeps until ctx is cancelled.
func (r *Reaper) sweepRoutine(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Dur("max_age", r.maxAge).
		Msg("Reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reaper stopped")
			return
		case <-ticker.C:
			if n := r.manager.Sweep(ctx, r.maxAge); n > 0 {
				r.logger.Info().Int("count", n).Msg("Sweep reclaimed checkouts")
			}
		}
	}
}
