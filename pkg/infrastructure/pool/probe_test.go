package pool

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOne(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{name: "int32", v: int32(1), want: true},
		{name: "int64", v: int64(1), want: true},
		{name: "uint8", v: uint8(1), want: true},
		{name: "float", v: 1.0, want: true},
		{name: "bytes", v: []byte("1"), want: true},
		{name: "string", v: "1", want: true},
		{name: "zero", v: int64(0), want: false},
		{name: "nil", v: nil, want: false},
		{name: "bool", v: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isOne(tt.v))
		})
	}
}

func TestConnectionProbe_Check(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	t.Run("healthy", func(t *testing.T) {
		d := newFakeDialer()
		s, err := d.Dial(ctx)
		require.NoError(t, err)

		p := NewConnectionProbe(logger, "", nil)
		assert.NoError(t, p.Check(ctx, s))
	})

	t.Run("closed", func(t *testing.T) {
		d := newFakeDialer()
		s, err := d.Dial(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Close(ctx))

		p := NewConnectionProbe(logger, "", nil)
		assert.ErrorContains(t, p.Check(ctx, s), "closed")
	})

	t.Run("killed", func(t *testing.T) {
		d := newFakeDialer()
		s, err := d.Dial(ctx)
		require.NoError(t, err)
		s.(*fakeSession).kill()

		p := NewConnectionProbe(logger, "", nil)
		assert.ErrorContains(t, p.Check(ctx, s), "ping failed")
	})

	t.Run("query fails", func(t *testing.T) {
		d := newFakeDialer()
		d.failProbes.Store(1)
		s, err := d.Dial(ctx)
		require.NoError(t, err)

		p := NewConnectionProbe(logger, "", nil)
		assert.ErrorContains(t, p.Check(ctx, s), "probe query failed")
	})

	t.Run("empty result", func(t *testing.T) {
		d := newFakeDialer()
		s, err := d.Dial(ctx)
		require.NoError(t, err)

		p := NewConnectionProbe(logger, "EMPTY", nil)
		assert.ErrorContains(t, p.Check(ctx, s), "no rows")
	})
}

func TestConnectionProbe_Version(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	s, err := d.Dial(ctx)
	require.NoError(t, err)

	p := NewConnectionProbe(zerolog.New(zerolog.NewTestWriter(t)), "", nil)
	v, err := p.Version(ctx, s, d.VersionQuery())
	require.NoError(t, err)
	assert.Equal(t, "FakeSQL 1.0", v)

	_, err = p.Version(ctx, s, "FAIL")
	assert.Error(t, err)
}
