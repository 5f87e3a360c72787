package api

import (
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
)

// num sanitizes a float for JSON: non-finite values serialize as null.
// encoding/json refuses NaN and ±Inf outright, so every float that can be
// non-finite (profit factor, correlations) must pass through here.
func num(v float64) any {
	if !utils.IsFinite(v) {
		return nil
	}
	return v
}

func dateString(d types.DayOrdinal) string {
	return d.Time().Format("2006-01-02")
}

func tradeToMap(t types.Trade) map[string]any {
	return map[string]any{
		"ticker":                t.Ticker,
		"direction":             string(t.Direction),
		"entry_date":            dateString(t.EntryDay),
		"entry_price":           num(t.EntryPrice),
		"exit_date":             dateString(t.ExitDay),
		"exit_price":            num(t.ExitPrice),
		"shares":                num(t.Shares),
		"notional":              num(t.Notional),
		"pnl":                   num(t.PnL),
		"pnl_pct":               num(t.PnLPct),
		"exit_reason":           string(t.ExitReason),
		"days_held":             t.DaysHeld,
		"portfolio_value_after": num(t.PortfolioValueAfter),
		"leverage_at_entry":     num(t.LeverageAtEntry),
	}
}

func tradesToMaps(trades []types.Trade) []map[string]any {
	out := make([]map[string]any, len(trades))
	for i, t := range trades {
		out[i] = tradeToMap(t)
	}
	return out
}

func curveToMaps(curve []types.CurvePoint) []map[string]any {
	out := make([]map[string]any, len(curve))
	for i, p := range curve {
		out[i] = map[string]any{
			"date":  dateString(p.Day),
			"value": num(p.Value),
		}
	}
	return out
}

func leverageToMap(lev types.LeverageStats) map[string]any {
	distribution := map[string]int{}
	for bucket, count := range lev.Distribution {
		distribution[string(bucket)] = count
	}
	bucketPerf := map[string]any{}
	for bucket, avg := range lev.BucketAvgPnLPct {
		bucketPerf[string(bucket)] = num(avg)
	}
	return map[string]any{
		"average":            num(lev.Average),
		"max":                num(lev.Max),
		"median":             num(lev.Median),
		"std_dev":            num(lev.StdDev),
		"distribution":       distribution,
		"pnl_correlation":    num(lev.PnLCorrelation),
		"bucket_avg_pnl_pct": bucketPerf,
	}
}

func metricsToMap(m types.PerformanceMetrics) map[string]any {
	return map[string]any{
		"total_trades":          m.TotalTrades,
		"total_return_pct":      num(m.TotalReturnPct),
		"total_pnl":             num(m.TotalPnL),
		"win_rate_pct":          num(m.WinRatePct),
		"avg_win_pct":           num(m.AvgWinPct),
		"avg_loss_pct":          num(m.AvgLossPct),
		"avg_win_currency":      num(m.AvgWinCurrency),
		"avg_loss_currency":     num(m.AvgLossCurrency),
		"profit_factor":         num(m.ProfitFactor),
		"max_drawdown_pct":      num(m.MaxDrawdownPct),
		"sharpe_ratio":          num(m.SharpeRatio),
		"calmar_ratio":          num(m.CalmarRatio),
		"avg_holding_days":      num(m.AvgHoldingDays),
		"avg_position_size":     num(m.AvgPositionSize),
		"max_position_size":     num(m.MaxPositionSize),
		"min_position_size":     num(m.MinPositionSize),
		"final_portfolio_value": num(m.FinalPortfolioValue),
		"leverage":              leverageToMap(m.Leverage),
	}
}

func comboToMap(p types.ParamCombo) map[string]any {
	out := map[string]any{
		"holding_period": p.HoldingPeriod,
		"stop_loss":      num(p.StopLossPct),
	}
	if p.TakeProfitPct != nil {
		out["take_profit"] = num(*p.TakeProfitPct)
	} else {
		out["take_profit"] = nil
	}
	return out
}

func rowToMap(row types.OptimizationRow) map[string]any {
	out := map[string]any{
		"params": comboToMap(row.Params),
		"performance": map[string]any{
			"total_return_pct":  num(row.TotalReturnPct),
			"total_pnl":         num(row.TotalPnL),
			"win_rate_pct":      num(row.WinRatePct),
			"max_drawdown_pct":  num(row.MaxDrawdownPct),
			"profit_factor":     num(row.ProfitFactor),
			"sharpe_ratio":      num(row.SharpeRatio),
			"calmar_ratio":      num(row.CalmarRatio),
			"avg_win_pct":       num(row.AvgWinPct),
			"avg_loss_pct":      num(row.AvgLossPct),
			"avg_position_size": num(row.AvgPositionSize),
		},
		"total_return": num(row.TotalReturnPct),
		"total_trades": row.TotalTrades,
	}
	if row.Err != "" {
		out["error"] = row.Err
	}
	return out
}
