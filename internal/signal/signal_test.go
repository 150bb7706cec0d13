package signal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

type fakeTicks struct {
	prices []float64
	err    error
	calls  atomic.Int32
}

func (f *fakeTicks) TicksHistory(_ context.Context, _ string, count int) ([]domain.Tick, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	p := f.prices
	if count < len(p) {
		p = p[len(p)-count:]
	}
	out := make([]domain.Tick, len(p))
	for i, v := range p {
		out[i] = domain.Tick{Price: v}
	}
	return out, nil
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestMomentumDirection(t *testing.T) {
	testCases := []struct {
		name   string
		prices []float64
		want   domain.Direction
	}{
		{"rising", ramp(30, 100, 0.1), domain.DirectionCall},
		{"falling", ramp(30, 100, -0.1), domain.DirectionPut},
		{"flat", ramp(30, 100, 0), domain.DirectionNone},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMomentum(MomentumConfig{}, &fakeTicks{prices: tc.prices})
			sig, err := m.Analyze(context.Background(), "R_100")
			require.NoError(t, err)
			assert.Equal(t, tc.want, sig.Direction)
			assert.Equal(t, "momentum", sig.Source)
			assert.GreaterOrEqual(t, sig.Confidence, 0.0)
			assert.LessOrEqual(t, sig.Confidence, 1.0)
			if tc.want != domain.DirectionNone {
				assert.Greater(t, sig.Confidence, 0.5)
			}
		})
	}
}

func TestMomentumConfidence(t *testing.T) {
	// unit ramp 95..114: fast SMA of the last 5 is 112, slow SMA of all 20 is 104.5
	m := NewMomentum(MomentumConfig{Gain: 10}, &fakeTicks{prices: ramp(20, 95, 1)})
	sig, err := m.Analyze(context.Background(), "R_50")
	require.NoError(t, err)
	assert.InDelta(t, 112.0, sig.Metadata["fast"], 1e-9)
	assert.InDelta(t, 104.5, sig.Metadata["slow"], 1e-9)
	assert.InDelta(t, 0.5+(7.5/104.5)*10, sig.Confidence, 1e-9)
}

func TestMomentumShortHistory(t *testing.T) {
	m := NewMomentum(MomentumConfig{}, &fakeTicks{prices: ramp(5, 1, 1)})
	sig, err := m.Analyze(context.Background(), "R_10")
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionNone, sig.Direction)
	assert.Zero(t, sig.Confidence)
}

func TestMomentumPropagatesErrors(t *testing.T) {
	m := NewMomentum(MomentumConfig{}, &fakeTicks{err: errors.New("boom")})
	_, err := m.Analyze(context.Background(), "R_10")
	assert.Error(t, err)
}

func TestCachedTicks(t *testing.T) {
	src := &fakeTicks{prices: ramp(50, 1, 1)}
	c := NewCachedTicks(src, time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ticks, err := c.TicksHistory(ctx, "R_100", 30)
	require.NoError(t, err)
	require.Len(t, ticks, 30)

	ticks, err = c.TicksHistory(ctx, "R_100", 10)
	require.NoError(t, err)
	assert.Len(t, ticks, 10)
	assert.Equal(t, 50.0, ticks[9].Price)
	assert.EqualValues(t, 1, src.calls.Load(), "smaller request served from cache")

	_, err = c.TicksHistory(ctx, "R_100", 40)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load(), "larger request refetches")

	now = now.Add(time.Second)
	_, err = c.TicksHistory(ctx, "R_100", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 3, src.calls.Load(), "expired entry refetches")
}
