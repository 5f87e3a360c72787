// Package metrics derives performance statistics and curves from a trade log.
// Everything here is a streaming reduction over the trade sequence; the
// input log is never mutated.
package metrics

import (
	"math"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
)

const (
	// DefaultRiskFreeRate is the annual risk-free rate used when the
	// caller does not supply one.
	DefaultRiskFreeRate = 0.06

	tradingDaysPerYear = 252
)

// Calculator computes performance metrics from completed trades.
type Calculator struct {
	riskFreeRate float64
}

// NewCalculator creates a calculator with the given annual risk-free rate;
// pass 0 to use the default.
func NewCalculator(riskFreeRate float64) *Calculator {
	if riskFreeRate == 0 {
		riskFreeRate = DefaultRiskFreeRate
	}
	return &Calculator{riskFreeRate: riskFreeRate}
}

// Calculate reduces a trade log to its performance metrics. An empty log
// yields zero metrics with the portfolio unchanged.
func (c *Calculator) Calculate(trades []types.Trade, initialCapital float64) types.PerformanceMetrics {
	m := types.PerformanceMetrics{
		TotalTrades:         len(trades),
		FinalPortfolioValue: initialCapital,
		EquityCurve:         []types.CurvePoint{},
		InvestedCapital:     []types.CurvePoint{},
		Leverage: types.LeverageStats{
			Distribution:    map[types.LeverageBucket]int{},
			BucketAvgPnLPct: map[types.LeverageBucket]float64{},
		},
	}
	if len(trades) == 0 {
		return m
	}

	var (
		winPcts, lossPcts   []float64
		winCurr, lossCurr   []float64
		grossProfit         float64
		grossLoss           float64
		pnlSum              float64
		holdingSum          float64
		notionals           []float64
		leverages           []float64
		pnlPcts             []float64
	)

	for _, t := range trades {
		pnlSum += t.PnL
		holdingSum += float64(t.DaysHeld)
		notionals = append(notionals, t.Notional)
		leverages = append(leverages, t.LeverageAtEntry)
		pnlPcts = append(pnlPcts, t.PnLPct)

		if t.PnLPct > 0 {
			winPcts = append(winPcts, t.PnLPct)
			winCurr = append(winCurr, t.PnL)
		} else {
			lossPcts = append(lossPcts, t.PnLPct)
			lossCurr = append(lossCurr, t.PnL)
		}
		if t.PnL > 0 {
			grossProfit += t.PnL
		} else if t.PnL < 0 {
			grossLoss += t.PnL
		}
	}

	final := initialCapital + pnlSum
	m.FinalPortfolioValue = final
	m.TotalPnL = pnlSum
	if initialCapital != 0 {
		m.TotalReturnPct = (final - initialCapital) / initialCapital * 100
	}

	m.WinRatePct = float64(len(winPcts)) / float64(len(trades)) * 100
	m.AvgWinPct = utils.Mean(winPcts)
	m.AvgLossPct = utils.Mean(lossPcts)
	m.AvgWinCurrency = utils.Mean(winCurr)
	m.AvgLossCurrency = utils.Mean(lossCurr)
	m.AvgHoldingDays = holdingSum / float64(len(trades))

	switch {
	case grossLoss != 0:
		m.ProfitFactor = grossProfit / math.Abs(grossLoss)
	case grossProfit > 0:
		m.ProfitFactor = math.Inf(1)
	default:
		m.ProfitFactor = 0
	}

	m.MaxDrawdownPct = maxDrawdownPct(trades, initialCapital)
	m.SharpeRatio = c.sharpe(trades, initialCapital)
	if m.MaxDrawdownPct != 0 {
		m.CalmarRatio = m.TotalReturnPct / math.Abs(m.MaxDrawdownPct)
	}

	m.AvgPositionSize = utils.Mean(notionals)
	m.MaxPositionSize = maxOf(notionals)
	m.MinPositionSize = minOf(notionals)

	m.Leverage = leverageStats(leverages, pnlPcts)
	m.EquityCurve = EquityCurve(trades, initialCapital)
	m.InvestedCapital = InvestedCapitalCurve(trades)

	return m
}

// maxDrawdownPct runs a running max over the post-trade equity series and
// returns the deepest drawdown as a non-positive percentage.
func maxDrawdownPct(trades []types.Trade, initialCapital float64) float64 {
	equity := initialCapital
	peak := math.Inf(-1)
	worst := 0.0

	for _, t := range trades {
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak != 0 {
			dd := (equity - peak) / peak
			if dd < worst {
				worst = dd
			}
		}
	}

	return worst * 100
}

// sharpe annualizes the per-trade return series against the risk-free rate.
// Returns 0 below two trades or at zero dispersion.
func (c *Calculator) sharpe(trades []types.Trade, initialCapital float64) float64 {
	if len(trades) < 2 || initialCapital == 0 {
		return 0
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PnL / initialCapital
	}

	std := utils.StdDev(returns)
	if std == 0 {
		return 0
	}

	excess := utils.Mean(returns) - c.riskFreeRate/tradingDaysPerYear
	return excess / std * math.Sqrt(tradingDaysPerYear)
}

// leverageStats aggregates leverage-at-entry: central moments, the bucket
// distribution, and how leverage correlated with trade outcomes.
func leverageStats(leverages, pnlPcts []float64) types.LeverageStats {
	stats := types.LeverageStats{
		Distribution:    map[types.LeverageBucket]int{},
		BucketAvgPnLPct: map[types.LeverageBucket]float64{},
	}
	if len(leverages) == 0 {
		return stats
	}

	stats.Average = utils.Mean(leverages)
	stats.Max = maxOf(leverages)
	stats.Median = utils.Median(leverages)
	stats.StdDev = utils.StdDev(leverages)
	stats.PnLCorrelation = utils.Correlation(leverages, pnlPcts)

	bucketPnL := map[types.LeverageBucket][]float64{}
	for i, lev := range leverages {
		bucket := leverageBucket(lev)
		stats.Distribution[bucket]++
		bucketPnL[bucket] = append(bucketPnL[bucket], pnlPcts[i])
	}
	for bucket, pnls := range bucketPnL {
		stats.BucketAvgPnLPct[bucket] = utils.Mean(pnls)
	}

	return stats
}

func leverageBucket(lev float64) types.LeverageBucket {
	switch {
	case lev <= 1:
		return types.LeverageBucket1x
	case lev <= 2:
		return types.LeverageBucket2x
	case lev <= 3:
		return types.LeverageBucket3x
	case lev <= 5:
		return types.LeverageBucket5x
	default:
		return types.LeverageBucketExtreme
	}
}

// EquityCurve builds the post-trade portfolio series in exit-day order,
// merged per day to the last value.
func EquityCurve(trades []types.Trade, initialCapital float64) []types.CurvePoint {
	curve := make([]types.CurvePoint, 0, len(trades))
	equity := initialCapital

	for _, t := range trades {
		equity += t.PnL
		if n := len(curve); n > 0 && curve[n-1].Day == t.ExitDay {
			curve[n-1].Value = equity
			continue
		}
		curve = append(curve, types.CurvePoint{Day: t.ExitDay, Value: equity})
	}

	return curve
}

// InvestedCapitalCurve accumulates open notional per day: +notional on the
// entry day, -notional the day after exit, cumulated over the full daily
// range and clamped at zero.
func InvestedCapitalCurve(trades []types.Trade) []types.CurvePoint {
	if len(trades) == 0 {
		return []types.CurvePoint{}
	}

	deltas := map[types.DayOrdinal]float64{}
	minDay := trades[0].EntryDay
	maxDay := trades[0].ExitDay + 1
	for _, t := range trades {
		deltas[t.EntryDay] += t.Notional
		deltas[t.ExitDay+1] -= t.Notional
		if t.EntryDay < minDay {
			minDay = t.EntryDay
		}
		if t.ExitDay+1 > maxDay {
			maxDay = t.ExitDay + 1
		}
	}

	curve := make([]types.CurvePoint, 0, int(maxDay-minDay)+1)
	invested := 0.0
	for day := minDay; day <= maxDay; day++ {
		invested += deltas[day]
		if invested < 0 {
			invested = 0
		}
		curve = append(curve, types.CurvePoint{Day: day, Value: invested})
	}

	return curve
}

// SummaryRow condenses full metrics into the optimizer's compact row.
func SummaryRow(params types.ParamCombo, m types.PerformanceMetrics) types.OptimizationRow {
	return types.OptimizationRow{
		Params:          params,
		TotalReturnPct:  m.TotalReturnPct,
		TotalPnL:        m.TotalPnL,
		WinRatePct:      m.WinRatePct,
		MaxDrawdownPct:  m.MaxDrawdownPct,
		ProfitFactor:    m.ProfitFactor,
		SharpeRatio:     m.SharpeRatio,
		CalmarRatio:     m.CalmarRatio,
		AvgWinPct:       m.AvgWinPct,
		AvgLossPct:      m.AvgLossPct,
		TotalTrades:     m.TotalTrades,
		AvgPositionSize: m.AvgPositionSize,
	}
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	out := values[0]
	for _, v := range values[1:] {
		if v < out {
			out = v
		}
	}
	return out
}
