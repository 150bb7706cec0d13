package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdaptive() *AdaptiveManager {
	return NewAdaptiveManager(Config{}.WithDefaults().Adaptive, nil)
}

func TestShouldActivateConservativeMode(t *testing.T) {
	m := newTestAdaptive()
	testCases := []struct {
		name    string
		snap    Snapshot
		want    bool
		trigger string
	}{
		{"healthy", Snapshot{TotalTrades: 20, RecentWinRate: 0.6}, false, ""},
		{"low win rate with history", Snapshot{TotalTrades: 10, RecentWinRate: 0.3}, true, "low_win_rate"},
		{"low win rate without history", Snapshot{TotalTrades: 9, RecentWinRate: 0.3}, false, ""},
		{"losing streak", Snapshot{TotalTrades: 3, LossStreak: 3}, true, "losing_streak"},
		{"drawdown", Snapshot{DrawdownPct: 5}, true, "drawdown"},
		{"small drawdown", Snapshot{DrawdownPct: 4.9}, false, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, trigger := m.ShouldActivateConservativeMode(tc.snap)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.trigger, trigger)
		})
	}
}

func TestAdaptiveTightensAndRecoversGradually(t *testing.T) {
	m := newTestAdaptive()

	p := m.Update(Snapshot{TotalTrades: 12, RecentWinRate: 0.3, Balance: 95, InitialBalance: 100})
	require.True(t, p.Conservative)
	assert.Equal(t, 0.65, p.ConfidenceThreshold)
	assert.Equal(t, 0.5, p.SizeMultiplier)
	assert.Equal(t, "low_win_rate", p.Trigger)

	good := Snapshot{TotalTrades: 12, RecentWinRate: 0.6, Balance: 101, InitialBalance: 100, DrawdownPct: 1}

	p = m.Update(good)
	assert.True(t, p.Conservative, "one check is not enough")
	assert.Equal(t, 33, p.RecoveryProgress)
	assert.InDelta(t, 0.60, p.ConfidenceThreshold, 0.001)
	assert.InDelta(t, 0.665, p.SizeMultiplier, 0.001)

	// a non-qualifying check resets the count
	p = m.Update(Snapshot{TotalTrades: 12, RecentWinRate: 0.6, Balance: 99, InitialBalance: 100})
	assert.Zero(t, p.RecoveryProgress)
	assert.Equal(t, 0.65, p.ConfidenceThreshold)

	m.Update(good)
	p = m.Update(good)
	assert.True(t, p.Conservative)
	assert.Equal(t, 66, p.RecoveryProgress)

	p = m.Update(good)
	assert.False(t, p.Conservative, "cleared after recovery_steps consecutive checks")
	assert.Equal(t, 0.5, p.ConfidenceThreshold)
	assert.Equal(t, 1.0, p.SizeMultiplier)
	assert.Equal(t, p, m.Parameters())
}

func TestAdaptiveRecoveryRequiresHalfDrawdown(t *testing.T) {
	m := newTestAdaptive()
	m.Update(Snapshot{DrawdownPct: 6, Balance: 100, InitialBalance: 100})
	for i := 0; i < 5; i++ {
		p := m.Update(Snapshot{DrawdownPct: 3, Balance: 100, InitialBalance: 100})
		assert.True(t, p.Conservative, "3 percent is not below half the 5 percent trigger")
	}
}

func TestAdaptiveLoosensOnWinningStreak(t *testing.T) {
	m := newTestAdaptive()
	hot := Snapshot{TotalTrades: 20, RecentWinRate: 0.8, WinStreak: 5}

	assert.InDelta(t, 0.48, m.Update(hot).ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.46, m.Update(hot).ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.45, m.Update(hot).ConfidenceThreshold, 1e-9, "never below min_confidence")
	assert.InDelta(t, 0.45, m.Update(hot).ConfidenceThreshold, 1e-9)

	p := m.Update(Snapshot{TotalTrades: 21, RecentWinRate: 0.7, WinStreak: 0})
	assert.Equal(t, 0.5, p.ConfidenceThreshold, "streak over, back to baseline")
	assert.False(t, p.Conservative)
}
