// Package types provides shared type definitions for the backtest engine.
package types

import (
	"time"
)

// DayOrdinal is an integer day count from the Unix epoch. Days within an
// instrument's history need not be consecutive.
type DayOrdinal int64

// Time returns the UTC midnight corresponding to the ordinal.
func (d DayOrdinal) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

// DayOf converts a timestamp to its day ordinal.
func DayOf(t time.Time) DayOrdinal {
	return DayOrdinal(t.Unix() / 86400)
}

// Direction represents the trade direction applied to all signals in a run.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// SizingMethod identifies a position-sizing policy variant.
type SizingMethod string

const (
	SizingEqualWeight      SizingMethod = "equal_weight"
	SizingFixedAmount      SizingMethod = "fixed_amount"
	SizingPercentRisk      SizingMethod = "percent_risk"
	SizingVolatilityTarget SizingMethod = "volatility_target"
	SizingAtrBased         SizingMethod = "atr_based"
	SizingKellyCriterion   SizingMethod = "kelly_criterion"
)

// ValidSizingMethod reports whether m names a known sizing policy.
func ValidSizingMethod(m SizingMethod) bool {
	switch m {
	case SizingEqualWeight, SizingFixedAmount, SizingPercentRisk,
		SizingVolatilityTarget, SizingAtrBased, SizingKellyCriterion:
		return true
	}
	return false
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "Stop Loss"
	ExitTakeProfit ExitReason = "Take Profit"
	ExitTime       ExitReason = "Time Exit"
	ExitNoData     ExitReason = "No Data"
)

// Signal is an instruction to open a position in a ticker on or after a day.
type Signal struct {
	Ticker string     `json:"ticker"`
	Day    DayOrdinal `json:"day"`
}

// SizingParams carries the parametric inputs for the sizing policies.
// Zero values fall back to each policy's documented default.
type SizingParams struct {
	RiskPerTrade     float64 `json:"risk_per_trade,omitempty"`    // percent, default 2.0
	FixedAmount      float64 `json:"fixed_amount,omitempty"`      // currency, default 10000
	StopAssumption   float64 `json:"stop_assumption,omitempty"`   // fraction of entry, default 0.05
	VolatilityTarget float64 `json:"volatility_target,omitempty"` // annualized, default 0.15
	KellyWinRate     float64 `json:"kelly_win_rate,omitempty"`    // percent
	KellyAvgWin      float64 `json:"kelly_avg_win,omitempty"`     // percent
	KellyAvgLoss     float64 `json:"kelly_avg_loss,omitempty"`    // percent, positive
}

// SizingPolicy is the tagged variant dispatched by the sizer.
type SizingPolicy struct {
	Method SizingMethod `json:"method"`
	Params SizingParams `json:"params"`
}

// ExitRules bound the lifetime of a position. Percentages are positive and
// relative to the entry price.
type ExitRules struct {
	HoldingPeriod int      `json:"holding_period"`
	StopLossPct   float64  `json:"stop_loss_pct"`
	TakeProfitPct *float64 `json:"take_profit_pct,omitempty"`
}

// SimulationConfig configures a single simulation run.
type SimulationConfig struct {
	Direction             Direction    `json:"direction"`
	ExitRules             ExitRules    `json:"exit_rules"`
	Sizing                SizingPolicy `json:"sizing"`
	InitialCapital        float64      `json:"initial_capital"`
	AllowLeverage         bool         `json:"allow_leverage"`
	OneTradePerInstrument bool         `json:"one_trade_per_instrument"`
	RiskFreeRate          float64      `json:"risk_free_rate,omitempty"` // annual, default 0.06
}

// Trade is one completed round trip emitted by the simulator.
type Trade struct {
	Ticker              string     `json:"ticker"`
	Direction           Direction  `json:"direction"`
	EntryDay            DayOrdinal `json:"entry_day"`
	EntryPrice          float64    `json:"entry_price"`
	ExitDay             DayOrdinal `json:"exit_day"`
	ExitPrice           float64    `json:"exit_price"`
	Shares              float64    `json:"shares"` // whole units
	Notional            float64    `json:"notional"`
	PnL                 float64    `json:"pnl"`
	PnLPct              float64    `json:"pnl_pct"`
	ExitReason          ExitReason `json:"exit_reason"`
	DaysHeld            int        `json:"days_held"`
	PortfolioValueAfter float64    `json:"portfolio_value_after"`
	LeverageAtEntry     float64    `json:"leverage_at_entry"`
}

// SimulationResult is the output of one simulation run.
type SimulationResult struct {
	Trades              []Trade  `json:"trades"`
	FinalPortfolioValue float64  `json:"final_portfolio_value"`
	LeverageWarnings    []string `json:"leverage_warnings"`
	SignalsProcessed    int      `json:"signals_processed"`
}

// CurvePoint is one point on the equity or invested-capital curve.
type CurvePoint struct {
	Day   DayOrdinal `json:"day"`
	Value float64    `json:"value"`
}

// LeverageBucket labels the leverage distribution buckets.
type LeverageBucket string

const (
	LeverageBucket1x      LeverageBucket = "1x_or_less"
	LeverageBucket2x      LeverageBucket = "1x_to_2x"
	LeverageBucket3x      LeverageBucket = "2x_to_3x"
	LeverageBucket5x      LeverageBucket = "3x_to_5x"
	LeverageBucketExtreme LeverageBucket = "over_5x"
)

// LeverageStats aggregates leverage-at-entry across a trade log.
type LeverageStats struct {
	Average         float64                    `json:"average"`
	Max             float64                    `json:"max"`
	Median          float64                    `json:"median"`
	StdDev          float64                    `json:"std_dev"`
	Distribution    map[LeverageBucket]int     `json:"distribution"`
	PnLCorrelation  float64                    `json:"pnl_correlation"`
	BucketAvgPnLPct map[LeverageBucket]float64 `json:"bucket_avg_pnl_pct"`
}

// PerformanceMetrics aggregates a trade log into scalar statistics plus the
// equity and invested-capital curves.
type PerformanceMetrics struct {
	TotalTrades     int     `json:"total_trades"`
	TotalReturnPct  float64 `json:"total_return_pct"`
	TotalPnL        float64 `json:"total_pnl"`
	WinRatePct      float64 `json:"win_rate_pct"`
	AvgWinPct       float64 `json:"avg_win_pct"`
	AvgLossPct      float64 `json:"avg_loss_pct"`
	AvgWinCurrency  float64 `json:"avg_win_currency"`
	AvgLossCurrency float64 `json:"avg_loss_currency"`
	ProfitFactor    float64 `json:"profit_factor"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	CalmarRatio     float64 `json:"calmar_ratio"`
	AvgHoldingDays  float64 `json:"avg_holding_days"`

	AvgPositionSize float64 `json:"avg_position_size"`
	MaxPositionSize float64 `json:"max_position_size"`
	MinPositionSize float64 `json:"min_position_size"`

	Leverage LeverageStats `json:"leverage"`

	EquityCurve         []CurvePoint `json:"equity_curve"`
	InvestedCapital     []CurvePoint `json:"invested_capital"`
	FinalPortfolioValue float64      `json:"final_portfolio_value"`
}

// ParamGrid spans the optimizer's Cartesian product. An empty TakeProfits
// slice means a single "no take-profit" column.
type ParamGrid struct {
	HoldingPeriods []int      `json:"holding_period"`
	StopLosses     []float64  `json:"stop_loss"`
	TakeProfits    []*float64 `json:"take_profit"`
}

// ParamCombo is one grid cell.
type ParamCombo struct {
	HoldingPeriod int      `json:"holding_period"`
	StopLossPct   float64  `json:"stop_loss_pct"`
	TakeProfitPct *float64 `json:"take_profit_pct"`
}

// OptimizationRow is the compact per-combination summary.
type OptimizationRow struct {
	Params          ParamCombo `json:"params"`
	TotalReturnPct  float64    `json:"total_return_pct"`
	TotalPnL        float64    `json:"total_pnl"`
	WinRatePct      float64    `json:"win_rate_pct"`
	MaxDrawdownPct  float64    `json:"max_drawdown_pct"`
	ProfitFactor    float64    `json:"profit_factor"`
	SharpeRatio     float64    `json:"sharpe_ratio"`
	CalmarRatio     float64    `json:"calmar_ratio"`
	AvgWinPct       float64    `json:"avg_win_pct"`
	AvgLossPct      float64    `json:"avg_loss_pct"`
	TotalTrades     int        `json:"total_trades"`
	AvgPositionSize float64    `json:"avg_position_size"`
	Err             string     `json:"error,omitempty"`
}

// OptimizationResult aggregates all grid rows with the deterministic best.
type OptimizationResult struct {
	BestParams      *ParamCombo       `json:"best_params"`
	BestPerformance *OptimizationRow  `json:"best_performance"`
	AllResults      []OptimizationRow `json:"all_results"`
	Combinations    int               `json:"combinations"`
}

// ExecutionRecord tracks one simulation/optimization invocation end to end.
type ExecutionRecord struct {
	ID           string         `json:"execution_id"`
	UserID       string         `json:"user_id,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Duration     float64        `json:"duration,omitempty"` // seconds
	SignalsCount int            `json:"signals_count"`
	TradesCount  int            `json:"trades_count"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Performance  map[string]any `json:"performance_metrics,omitempty"`
	CacheHit     bool           `json:"cache_hit"`
	MemoryMB     float64        `json:"memory_usage_mb"`
	CPUPct       float64        `json:"cpu_usage_percent"`
	ErrorMessage string         `json:"error_message,omitempty"`
}
