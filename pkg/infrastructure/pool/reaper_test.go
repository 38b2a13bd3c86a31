package pool

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := newFakeDialer()
	collector := newRecordingCollector()
	m := newTestManager(t, testConfig(1, 5), d, WithClock(clock.Now), WithMetrics(collector))

	old, err := m.AcquireAs(ctx, "stuck-report")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	young, err := m.AcquireAs(ctx, "enrollment")
	require.NoError(t, err)

	clock.Advance(time.Minute)

	// old is 11m, young is 1m
	assert.Equal(t, 0, m.Sweep(ctx, 15*time.Minute))
	assert.Equal(t, 2, m.Status().ActiveCount)

	assert.Equal(t, 1, m.Sweep(ctx, 5*time.Minute))
	assert.Equal(t, 1, collector.count("pool_reaped_total"))

	st := m.Status()
	assert.Equal(t, 1, st.ActiveCount)
	assert.Equal(t, 1, st.Size, "reaped pooled session frees its slot")

	_, ok := m.registry.Lookup(young.Token())
	assert.True(t, ok, "younger checkout untouched")
	_, ok = m.registry.Lookup(old.Token())
	assert.False(t, ok)
	assert.True(t, fakeOf(old).IsClosed())
	assert.False(t, fakeOf(young).IsClosed())

	// the stuck owner eventually releases; nothing is pooled or double-freed
	assert.NotPanics(t, func() { m.Release(ctx, old) })
	assert.Equal(t, 1, m.Status().Size)
	assert.Equal(t, 0, m.Status().IdleCount)

	m.Release(ctx, young)
	assert.Equal(t, 1, m.Status().IdleCount)
}

func TestManager_SweepDirect(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := newFakeDialer()
	d.failDials.Store(1)
	m := newTestManager(t, testConfig(1, 5), d, WithClock(clock.Now))

	c, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, c.Direct())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.Sweep(ctx, time.Minute))
	assert.True(t, fakeOf(c).IsClosed())
	assert.Equal(t, 0, m.Status().ActiveCount)
}

func TestReaper(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	d := newFakeDialer()
	m := newTestManager(t, testConfig(1, 3), d)

	c, err := m.Acquire(ctx)
	require.NoError(t, err)

	r := NewReaper(m, 10*time.Millisecond, time.Millisecond)
	r.Start()
	r.Start()

	require.Eventually(t, func() bool {
		return m.Status().ActiveCount == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, fakeOf(c).IsClosed())

	r.Stop()
	r.Stop()

	m.Release(ctx, c)
}

func TestReaper_ZeroInterval(t *testing.T) {
	defer leaktest.Check(t)()

	m := newTestManager(t, testConfig(1, 3), newFakeDialer())

	r := NewReaper(m, 0, time.Minute)
	r.Start()
	r.Stop()
}
