package risk

import (
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// Snapshot is the performance picture the pipeline decides on. It is
// recomputed every tick from audit history and never persisted.
type Snapshot struct {
	Balance        float64 `json:"balance"`
	PeakBalance    float64 `json:"peak_balance"`
	InitialBalance float64 `json:"initial_balance"`
	DayStart       float64 `json:"day_start_balance"`
	DrawdownPct    float64 `json:"drawdown_pct"`

	TotalTrades   int     `json:"total_trades"`
	RecentTrades  int     `json:"recent_trades"`
	WinRate       float64 `json:"win_rate"`
	RecentWinRate float64 `json:"recent_win_rate"`
	WinStreak     int     `json:"win_streak"`
	LossStreak    int     `json:"loss_streak"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`

	TradesToday int     `json:"trades_today"`
	ProfitToday float64 `json:"profit_today"`

	At time.Time `json:"at"`

	// History is the settled window, oldest first.
	History []domain.TradeOutcome `json:"-"`
}

// BuildSnapshot derives a Snapshot. settled must be oldest first and contain
// only won/lost outcomes; today is every contract placed since the start of
// the day.
func BuildSnapshot(settled, today []domain.TradeOutcome, balance, peak, initial, dayStart float64, recentWindow int, now time.Time) Snapshot {
	s := Snapshot{
		Balance:        balance,
		PeakBalance:    peak,
		InitialBalance: initial,
		DayStart:       dayStart,
		DrawdownPct:    drawdownPct(peak, balance),
		History:        settled,
		At:             now,
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, o := range settled {
		if !o.Status.Settled() {
			continue
		}
		s.TotalTrades++
		if o.Won() {
			wins++
			winSum += o.Profit
		} else {
			losses++
			lossSum += -o.Profit
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(wins) / float64(s.TotalTrades)
	}
	if wins > 0 {
		s.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		s.AvgLoss = lossSum / float64(losses)
	}

	recent := settled
	if recentWindow > 0 && len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	recentWins := 0
	for _, o := range recent {
		if o.Status.Settled() {
			s.RecentTrades++
			if o.Won() {
				recentWins++
			}
		}
	}
	if s.RecentTrades > 0 {
		s.RecentWinRate = float64(recentWins) / float64(s.RecentTrades)
	}

	for i := len(settled) - 1; i >= 0; i-- {
		o := settled[i]
		if !o.Status.Settled() {
			continue
		}
		if o.Won() {
			if s.LossStreak > 0 {
				break
			}
			s.WinStreak++
		} else {
			if s.WinStreak > 0 {
				break
			}
			s.LossStreak++
		}
	}

	for _, o := range today {
		s.TradesToday++
		if o.Status.Settled() {
			s.ProfitToday += o.Profit
		}
	}
	return s
}

func drawdownPct(peak, current float64) float64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	return (peak - current) / peak * 100
}
