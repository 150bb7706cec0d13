package risk

import "fmt"

// capitalStage enforces daily limits and computes the base stake.
type capitalStage struct{}

func (s *capitalStage) Name() string  { return "capital" }
func (s *capitalStage) Priority() int { return 10 }

func (s *capitalStage) Evaluate(ev *evaluation) (bool, Reason) {
	c := ev.capital
	snap := ev.snap
	if !c.DisableTradeLimit && snap.TradesToday >= c.MaxDailyTrades {
		ev.detail = fmt.Sprintf("%d trades today, limit %d", snap.TradesToday, c.MaxDailyTrades)
		return false, ReasonDailyTradeLimit
	}
	if !c.DisableLossLimit && c.DailyLossLimit.Enabled() {
		if limit := c.DailyLossLimit.Resolve(snap.DayStart); -snap.ProfitToday >= limit {
			ev.detail = fmt.Sprintf("lost %.2f today, limit %.2f", -snap.ProfitToday, limit)
			return false, ReasonDailyLossLimit
		}
	}
	if !c.DisableProfitTarget && c.DailyProfitTarget.Enabled() {
		if target := c.DailyProfitTarget.Resolve(snap.DayStart); snap.ProfitToday >= target {
			ev.detail = fmt.Sprintf("made %.2f today, target %.2f", snap.ProfitToday, target)
			return false, ReasonProfitTarget
		}
	}

	sizer, err := NewSizer(c.Sizing)
	if err != nil {
		ev.detail = err.Error()
		return false, ReasonInvalidStake
	}
	ev.sizing = sizer.Size(SizingInput{
		Balance:            ev.balance,
		Confidence:         ev.req.Signal.Confidence,
		History:            snap.History,
		WinStreak:          snap.WinStreak,
		LossStreak:         snap.LossStreak,
		Volatility:         ev.volatility,
		BaselineVolatility: ev.baseline,
	})
	ev.stake = clamp(ev.sizing.Stake, c.Sizing.MinStake, c.Sizing.MaxStake)
	if ev.stake != ev.sizing.Stake {
		ev.adjust("clamped %.2f to [%.2f, %.2f]", ev.sizing.Stake, c.Sizing.MinStake, c.Sizing.MaxStake)
	}
	return true, ReasonNone
}

// emergencyStage blocks every symbol while the emergency stop is active.
type emergencyStage struct {
	emergency *Emergency
}

func (s *emergencyStage) Name() string  { return "emergency" }
func (s *emergencyStage) Priority() int { return 20 }

func (s *emergencyStage) Evaluate(ev *evaluation) (bool, Reason) {
	st := s.emergency.Check()
	if st.Active {
		ev.detail = fmt.Sprintf("drawdown %.2f%% from window peak %.2f", st.DrawdownPct, st.WindowPeak)
		return false, ReasonEmergency
	}
	return true, ReasonNone
}

// portfolioStage caps open positions and total exposure. An oversized single
// position is reduced rather than rejected.
type portfolioStage struct {
	cfg  PortfolioConfig
	book Exposure
}

func (s *portfolioStage) Name() string  { return "portfolio" }
func (s *portfolioStage) Priority() int { return 30 }

func (s *portfolioStage) Evaluate(ev *evaluation) (bool, Reason) {
	if n := s.book.Count(); n >= s.cfg.MaxPositions {
		ev.detail = fmt.Sprintf("%d open positions, cap %d", n, s.cfg.MaxPositions)
		return false, ReasonMaxPositions
	}
	single := ev.balance * s.cfg.MaxSinglePositionPercent / 100
	if ev.stake > single {
		if single < ev.capital.Sizing.MinStake {
			ev.detail = fmt.Sprintf("single position cap %.2f below min stake %.2f", single, ev.capital.Sizing.MinStake)
			return false, ReasonInvalidStake
		}
		ev.adjust("single position %.2f reduced to %.2f (%.1f%%)", ev.stake, single, s.cfg.MaxSinglePositionPercent)
		ev.stake = single
	}
	return s.checkExposure(ev, ev.stake)
}

func (s *portfolioStage) checkExposure(ev *evaluation, stake float64) (bool, Reason) {
	total := s.book.Exposure() + stake
	if limit := ev.balance * s.cfg.MaxPortfolioRiskPercent / 100; total > limit {
		ev.detail = fmt.Sprintf("portfolio risk %.2f exceeds %.2f", total, limit)
		return false, ReasonPortfolioRisk
	}
	return true, ReasonNone
}

// correlationStage caps exposure within the symbol's correlation group.
type correlationStage struct {
	cfg  CorrelationConfig
	corr *Correlation
	book Exposure
}

func (s *correlationStage) Name() string  { return "correlation" }
func (s *correlationStage) Priority() int { return 40 }

func (s *correlationStage) Evaluate(ev *evaluation) (bool, Reason) {
	return s.checkExposure(ev, ev.stake)
}

func (s *correlationStage) checkExposure(ev *evaluation, stake float64) (bool, Reason) {
	group := s.corr.Group(ev.req.Symbol)
	if group == "" {
		return true, ReasonNone
	}
	combined := s.book.ExposureWhere(s.corr.Matcher(group)) + stake
	if limit := ev.balance * s.cfg.MaxCorrelatedPercent / 100; combined > limit {
		ev.detail = fmt.Sprintf("group %s exposure %.2f exceeds %.2f", group, combined, limit)
		return false, ReasonCorrelation
	}
	return true, ReasonNone
}

// volatilityStage shrinks the stake when recent volatility runs hot.
type volatilityStage struct {
	cfg VolatilityConfig
}

func (s *volatilityStage) Name() string  { return "volatility" }
func (s *volatilityStage) Priority() int { return 50 }

func (s *volatilityStage) Evaluate(ev *evaluation) (bool, Reason) {
	if ev.baseline <= 0 || ev.volatility <= s.cfg.HighMultiple*ev.baseline {
		return true, ReasonNone
	}
	reduced := ev.floor(ev.stake * (1 - s.cfg.ReductionPercent/100))
	ev.adjust("volatility %.2fx baseline, stake %.2f -> %.2f", ev.volatility/ev.baseline, ev.stake, reduced)
	ev.stake = reduced
	return true, ReasonNone
}

// adaptiveStage applies the adaptive confidence floor and size multiplier.
type adaptiveStage struct{}

func (s *adaptiveStage) Name() string  { return "adaptive" }
func (s *adaptiveStage) Priority() int { return 60 }

func (s *adaptiveStage) Evaluate(ev *evaluation) (bool, Reason) {
	if ev.req.Signal.Confidence < ev.params.ConfidenceThreshold {
		ev.detail = fmt.Sprintf("confidence %.3f below %.3f", ev.req.Signal.Confidence, ev.params.ConfidenceThreshold)
		return false, ReasonLowConfidence
	}
	if ev.params.SizeMultiplier > 0 && ev.params.SizeMultiplier != 1 {
		ev.adjust("adaptive size x%.2f", ev.params.SizeMultiplier)
		ev.stake = ev.floor(ev.stake * ev.params.SizeMultiplier)
	}
	return true, ReasonNone
}
