package risk

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// AdaptiveParameters are the advisory thresholds the engine and signal
// providers read. Only the AdaptiveManager mutates them.
type AdaptiveParameters struct {
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	SizeMultiplier      float64   `json:"size_multiplier"`
	Conservative        bool      `json:"conservative"`
	RecoveryProgress    int       `json:"recovery_progress"` // 0..100
	Trigger             string    `json:"trigger,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AdaptiveManager tightens the confidence threshold and shrinks stakes when
// rolling performance degrades, and walks them back to baseline over
// RecoverySteps consecutive qualifying checks.
type AdaptiveManager struct {
	mu         sync.RWMutex
	cfg        AdaptiveConfig
	params     AdaptiveParameters
	qualifying int
	logger     *zap.Logger
}

// NewAdaptiveManager starts at baseline.
func NewAdaptiveManager(cfg AdaptiveConfig, logger *zap.Logger) *AdaptiveManager {
	m := &AdaptiveManager{cfg: cfg, logger: observ.OrNop(logger)}
	m.params = m.baseline(time.Time{})
	return m
}

// Parameters returns the current parameters.
func (m *AdaptiveManager) Parameters() AdaptiveParameters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

// ShouldActivateConservativeMode reports whether performance has degraded
// past a trigger, and which one.
func (m *AdaptiveManager) ShouldActivateConservativeMode(s Snapshot) (bool, string) {
	switch {
	case s.TotalTrades >= m.cfg.MinTrades && s.RecentWinRate < m.cfg.WinRateThreshold:
		return true, "low_win_rate"
	case s.LossStreak >= m.cfg.LosingStreak:
		return true, "losing_streak"
	case s.DrawdownPct >= m.cfg.DrawdownPercent:
		return true, "drawdown"
	}
	return false, ""
}

// qualifiesForRecovery is the per-check recovery condition.
func (m *AdaptiveManager) qualifiesForRecovery(s Snapshot) bool {
	if s.Balance < s.InitialBalance {
		return false
	}
	if s.DrawdownPct >= m.cfg.DrawdownPercent/2 {
		return false
	}
	if s.LossStreak >= m.cfg.LosingStreak {
		return false
	}
	if s.TotalTrades >= m.cfg.MinTrades && s.RecentWinRate < m.cfg.RecoveryWinRate {
		return false
	}
	return true
}

// Update folds a new snapshot into the parameters.
func (m *AdaptiveManager) Update(s Snapshot) AdaptiveParameters {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := s.At
	if !m.params.Conservative {
		if on, trigger := m.ShouldActivateConservativeMode(s); on {
			m.params = AdaptiveParameters{
				ConfidenceThreshold: m.cfg.ConservativeConfidence,
				SizeMultiplier:      m.cfg.ConservativeSize,
				Conservative:        true,
				Trigger:             trigger,
				UpdatedAt:           now,
			}
			m.qualifying = 0
			observ.IncCounter("adaptive_conservative_activations_total", map[string]string{"trigger": trigger})
			m.logger.Warn("conservative mode activated",
				zap.String("trigger", trigger),
				zap.Float64("recent_win_rate", s.RecentWinRate),
				zap.Int("loss_streak", s.LossStreak),
				zap.Float64("drawdown_pct", s.DrawdownPct))
		} else {
			m.loosen(s, now)
		}
		m.publish()
		return m.params
	}

	if m.qualifiesForRecovery(s) {
		m.qualifying++
	} else {
		m.qualifying = 0
	}

	if m.qualifying >= m.cfg.RecoverySteps {
		m.params = m.baseline(now)
		m.params.RecoveryProgress = 100
		m.qualifying = 0
		m.logger.Info("conservative mode cleared", zap.Float64("balance", s.Balance))
		m.publish()
		return m.params
	}

	progress := m.qualifying * 100 / m.cfg.RecoverySteps
	frac := float64(progress) / 100
	m.params.RecoveryProgress = progress
	m.params.ConfidenceThreshold = m.cfg.ConservativeConfidence - (m.cfg.ConservativeConfidence-m.cfg.BaseConfidence)*frac
	m.params.SizeMultiplier = m.cfg.ConservativeSize + (1-m.cfg.ConservativeSize)*frac
	m.params.UpdatedAt = now
	m.publish()
	return m.params
}

// loosen lowers the threshold one step per check during a strong winning
// streak and returns it to baseline once the streak ends.
func (m *AdaptiveManager) loosen(s Snapshot, now time.Time) {
	if s.WinStreak >= m.cfg.LoosenWinStreak && s.RecentWinRate >= m.cfg.RecoveryWinRate {
		m.params.ConfidenceThreshold = math.Max(m.cfg.MinConfidence, m.params.ConfidenceThreshold-m.cfg.LoosenStep)
		m.params.Trigger = "win_streak"
	} else {
		m.params.ConfidenceThreshold = m.cfg.BaseConfidence
		m.params.Trigger = ""
	}
	m.params.UpdatedAt = now
}

func (m *AdaptiveManager) baseline(now time.Time) AdaptiveParameters {
	return AdaptiveParameters{
		ConfidenceThreshold: m.cfg.BaseConfidence,
		SizeMultiplier:      1,
		UpdatedAt:           now,
	}
}

func (m *AdaptiveManager) publish() {
	observ.SetGauge("adaptive_confidence_threshold", m.params.ConfidenceThreshold, nil)
	observ.SetGauge("adaptive_size_multiplier", m.params.SizeMultiplier, nil)
	conservative := 0.0
	if m.params.Conservative {
		conservative = 1
	}
	observ.SetGauge("adaptive_conservative_mode", conservative, nil)
}
