package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEmergency(cfg EmergencyConfig) (*Emergency, *testClock) {
	clock := newTestClock()
	e := NewEmergency(cfg, nil)
	e.now = clock.Now
	return e, clock
}

func TestEmergencyActivatesOnWindowDrawdown(t *testing.T) {
	e, clock := newTestEmergency(EmergencyConfig{Window: 5 * time.Minute, DrawdownPercent: 10, Timeout: 10 * time.Minute})

	assert.False(t, e.Observe(120).Active)
	clock.Advance(time.Minute)
	assert.False(t, e.Observe(110).Active, "8.3% is below threshold")
	clock.Advance(time.Minute)
	st := e.Observe(100)
	assert.True(t, st.Active)
	assert.InDelta(t, 16.67, st.DrawdownPct, 0.01)
	assert.Equal(t, 120.0, st.WindowPeak)

	clock.Advance(time.Minute)
	assert.True(t, e.Observe(105).Active, "12.5% still above threshold")
	clock.Advance(time.Minute)
	assert.False(t, e.Observe(110).Active, "drawdown recovered below threshold")
}

func TestEmergencyIgnoresPeaksOutsideWindow(t *testing.T) {
	e, clock := newTestEmergency(EmergencyConfig{Window: 5 * time.Minute, DrawdownPercent: 10, Timeout: 10 * time.Minute})
	e.Observe(120)
	clock.Advance(6 * time.Minute)
	assert.False(t, e.Observe(100).Active)
}

func TestEmergencyTimeout(t *testing.T) {
	e, clock := newTestEmergency(EmergencyConfig{Window: time.Hour, DrawdownPercent: 10, Timeout: 10 * time.Minute})
	e.Observe(120)
	assert.True(t, e.Observe(100).Active)

	clock.Advance(9 * time.Minute)
	assert.True(t, e.Check().Active)
	clock.Advance(time.Minute)
	assert.False(t, e.Check().Active, "timeout clears the stop")

	assert.False(t, e.Observe(100).Active, "old peak does not re-trigger after timeout")
	assert.True(t, e.Observe(89).Active, "a fresh drop from the restarted window does")
}
