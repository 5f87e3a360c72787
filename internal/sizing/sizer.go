// Package sizing implements the position-sizing policies and the
// policy-independent capital cap pipeline.
//
// Each policy produces a raw share count from its own formula; the cap
// pipeline then applies identically to every variant, so no single policy
// can bypass the leverage constraints.
package sizing

import (
	"math"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// Policy defaults applied when the corresponding SizingParams field is zero.
const (
	defaultRiskPerTrade   = 2.0   // percent of portfolio risked per trade
	defaultFixedAmount    = 10000 // currency
	defaultStopAssumption = 0.05  // fraction of entry price
	defaultVolTarget      = 0.15  // annualized
	defaultKellyFraction  = 0.02
	equalWeightFraction   = 0.02

	volFloor      = 0.20 // annualized realized-vol floor
	atrFloorRatio = 0.02 // ATR floor as a fraction of entry price
	kellyCap      = 0.25
)

// Aux supplies per-signal market statistics computed by the caller.
// Zero values mean "unavailable" and trigger the documented floors.
type Aux struct {
	RealizedVol float64 // annualized, for volatility_target
	ATR         float64 // for atr_based
}

// Sizer computes whole-unit position sizes.
type Sizer struct {
	logger *zap.Logger
}

// NewSizer creates a position sizer.
func NewSizer(logger *zap.Logger) *Sizer {
	return &Sizer{logger: logger}
}

// Shares returns the non-negative whole-unit share count for a trade under
// the given policy, portfolio state, and leverage constraint.
func (s *Sizer) Shares(policy types.SizingPolicy, entryPrice, portfolioValue, openNotional float64, allowLeverage bool, aux Aux) float64 {
	if entryPrice <= 0 || portfolioValue <= 0 {
		return 0
	}

	shares := s.rawShares(policy, entryPrice, portfolioValue, aux)

	// Never exceed the full portfolio in one trade, even with leverage.
	shares = math.Min(shares, portfolioValue/entryPrice)

	// With leverage disabled and no free capital there is nothing to size;
	// a partial fit is not downsized here — the simulator refuses the trade
	// outright when the committed notional would exceed the portfolio.
	if !allowLeverage && portfolioValue-openNotional <= 0 {
		return 0
	}

	return math.Max(0, math.Floor(shares))
}

// rawShares dispatches to the policy formula before any cap is applied.
func (s *Sizer) rawShares(policy types.SizingPolicy, entryPrice, portfolioValue float64, aux Aux) float64 {
	p := policy.Params

	switch policy.Method {
	case types.SizingFixedAmount:
		amount := p.FixedAmount
		if amount <= 0 {
			amount = defaultFixedAmount
		}
		return amount / entryPrice

	case types.SizingPercentRisk:
		risk := p.RiskPerTrade
		if risk <= 0 {
			risk = defaultRiskPerTrade
		}
		stopAssumption := p.StopAssumption
		if stopAssumption <= 0 {
			stopAssumption = defaultStopAssumption
		}
		riskAmount := portfolioValue * (risk / 100)
		return riskAmount / (entryPrice * stopAssumption)

	case types.SizingVolatilityTarget:
		target := p.VolatilityTarget
		if target <= 0 {
			target = defaultVolTarget
		}
		vol := math.Max(aux.RealizedVol, volFloor)
		return portfolioValue * target / vol / entryPrice

	case types.SizingAtrBased:
		risk := p.RiskPerTrade
		if risk <= 0 {
			risk = defaultRiskPerTrade
		}
		atr := math.Max(aux.ATR, entryPrice*atrFloorRatio)
		riskAmount := portfolioValue * (risk / 100)
		return riskAmount / (2 * atr)

	case types.SizingKellyCriterion:
		return s.kellyFraction(p) * portfolioValue / entryPrice

	case types.SizingEqualWeight:
		return equalWeightFraction * portfolioValue / entryPrice

	default:
		return equalWeightFraction * portfolioValue / entryPrice
	}
}

// kellyFraction computes the capped Kelly fraction, falling back to 2% when
// the statistics are missing or pathological.
func (s *Sizer) kellyFraction(p types.SizingParams) float64 {
	if p.KellyWinRate <= 0 || p.KellyAvgWin <= 0 || p.KellyAvgLoss <= 0 {
		s.logger.Warn("kelly parameters missing or pathological, using default fraction",
			zap.Float64("win_rate", p.KellyWinRate),
			zap.Float64("avg_win", p.KellyAvgWin),
			zap.Float64("avg_loss", p.KellyAvgLoss),
		)
		return defaultKellyFraction
	}

	winProb := p.KellyWinRate / 100
	avgWin := p.KellyAvgWin / 100
	avgLoss := p.KellyAvgLoss / 100

	b := avgWin / avgLoss
	f := (b*winProb - (1 - winProb)) / b
	return math.Max(0, math.Min(f, kellyCap))
}
