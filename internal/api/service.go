package api

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/cache"
	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/metrics"
	"github.com/atlas-desktop/backtest-engine/internal/monitor"
	"github.com/atlas-desktop/backtest-engine/internal/optimizer"
	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
)

// SignalRow is one entry-signal row on the wire.
type SignalRow struct {
	Ticker string `json:"ticker"`
	Date   string `json:"date"`
}

// OhlcvRow is one price row on the wire.
type OhlcvRow struct {
	Ticker string  `json:"ticker"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// BacktestRequest is the /run payload.
type BacktestRequest struct {
	SignalsData           []SignalRow        `json:"signals_data"`
	OhlcvData             []OhlcvRow         `json:"ohlcv_data"`
	InitialCapital        float64            `json:"initial_capital"`
	StopLoss              float64            `json:"stop_loss"`
	TakeProfit            *float64           `json:"take_profit"`
	HoldingPeriod         int                `json:"holding_period"`
	SignalType            string             `json:"signal_type"`
	PositionSizing        string             `json:"position_sizing"`
	SizingParams          map[string]float64 `json:"sizing_params"`
	AllowLeverage         bool               `json:"allow_leverage"`
	OneTradePerInstrument bool               `json:"one_trade_per_instrument"`
	RiskFreeRate          float64            `json:"risk_free_rate"`
}

// ParamRanges is the /optimize grid specification.
type ParamRanges struct {
	HoldingPeriod []int     `json:"holding_period"`
	StopLoss      []float64 `json:"stop_loss"`
	TakeProfit    []float64 `json:"take_profit"`
}

// OptimizeRequest is the /optimize payload.
type OptimizeRequest struct {
	BacktestRequest
	ParamRanges ParamRanges `json:"param_ranges"`
	MaxWorkers  int         `json:"max_workers"`
}

// ValidationError carries field-level request problems; surfaced as 422.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Problems)
}

// Validate applies the fail-fast request checks.
func (r *BacktestRequest) Validate() error {
	var problems []string

	if len(r.SignalsData) == 0 {
		problems = append(problems, "signals_data must not be empty")
	}
	if len(r.OhlcvData) == 0 {
		problems = append(problems, "ohlcv_data must not be empty")
	}
	if r.InitialCapital <= 0 || !utils.IsFinite(r.InitialCapital) {
		problems = append(problems, "initial_capital must be a positive finite number")
	}
	if r.HoldingPeriod < 1 {
		problems = append(problems, "holding_period must be at least 1")
	}
	if r.StopLoss <= 0 || !utils.IsFinite(r.StopLoss) {
		problems = append(problems, "stop_loss must be a positive finite number")
	}
	if r.TakeProfit != nil && (*r.TakeProfit <= 0 || !utils.IsFinite(*r.TakeProfit)) {
		problems = append(problems, "take_profit must be a positive finite number when present")
	}
	switch r.SignalType {
	case "", string(types.DirectionLong), string(types.DirectionShort):
	default:
		problems = append(problems, fmt.Sprintf("unknown signal_type %q", r.SignalType))
	}
	if r.PositionSizing != "" && !types.ValidSizingMethod(types.SizingMethod(r.PositionSizing)) {
		problems = append(problems, fmt.Sprintf("unknown position_sizing %q", r.PositionSizing))
	}
	for k, v := range r.SizingParams {
		if !utils.IsFinite(v) {
			problems = append(problems, fmt.Sprintf("sizing_params.%s must be finite", k))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Validate extends the base checks with grid checks.
func (r *OptimizeRequest) Validate() error {
	err := r.BacktestRequest.Validate()
	var problems []string
	if verr, ok := err.(*ValidationError); ok {
		problems = verr.Problems
	} else if err != nil {
		return err
	}

	if len(r.ParamRanges.HoldingPeriod) == 0 {
		problems = append(problems, "param_ranges.holding_period must not be empty")
	}
	for _, hp := range r.ParamRanges.HoldingPeriod {
		if hp < 1 {
			problems = append(problems, "param_ranges.holding_period values must be at least 1")
			break
		}
	}
	if len(r.ParamRanges.StopLoss) == 0 {
		problems = append(problems, "param_ranges.stop_loss must not be empty")
	}
	for _, sl := range r.ParamRanges.StopLoss {
		if sl <= 0 || !utils.IsFinite(sl) {
			problems = append(problems, "param_ranges.stop_loss values must be positive finite numbers")
			break
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// parseDate accepts plain dates and RFC3339 timestamps.
func parseDate(raw string) (types.DayOrdinal, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return types.DayOf(t), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("unparseable date %q", raw)
	}
	return types.DayOf(t), nil
}

// simulationConfig maps the wire request onto the engine configuration.
func (r *BacktestRequest) simulationConfig() types.SimulationConfig {
	direction := types.DirectionLong
	if r.SignalType == string(types.DirectionShort) {
		direction = types.DirectionShort
	}

	method := types.SizingMethod(r.PositionSizing)
	if r.PositionSizing == "" {
		method = types.SizingEqualWeight
	}

	p := r.SizingParams
	return types.SimulationConfig{
		Direction: direction,
		ExitRules: types.ExitRules{
			HoldingPeriod: r.HoldingPeriod,
			StopLossPct:   r.StopLoss,
			TakeProfitPct: r.TakeProfit,
		},
		Sizing: types.SizingPolicy{
			Method: method,
			Params: types.SizingParams{
				RiskPerTrade:     p["risk_per_trade"],
				FixedAmount:      p["fixed_amount"],
				StopAssumption:   p["stop_assumption"],
				VolatilityTarget: p["volatility_target"],
				KellyWinRate:     p["kelly_win_rate"],
				KellyAvgWin:      p["kelly_avg_win"],
				KellyAvgLoss:     p["kelly_avg_loss"],
			},
		},
		InitialCapital:        r.InitialCapital,
		AllowLeverage:         r.AllowLeverage,
		OneTradePerInstrument: r.OneTradePerInstrument,
		RiskFreeRate:          r.RiskFreeRate,
	}
}

// fingerprintParams canonicalizes the parameter record for cache keying.
func (r *BacktestRequest) fingerprintParams(kind string) map[string]any {
	params := map[string]any{
		"kind":                     kind,
		"initial_capital":          r.InitialCapital,
		"stop_loss":                r.StopLoss,
		"take_profit":              r.TakeProfit,
		"holding_period":           r.HoldingPeriod,
		"signal_type":              r.SignalType,
		"position_sizing":          r.PositionSizing,
		"allow_leverage":           r.AllowLeverage,
		"one_trade_per_instrument": r.OneTradePerInstrument,
		"risk_free_rate":           r.RiskFreeRate,
	}
	sizing := map[string]any{}
	for k, v := range r.SizingParams {
		sizing[k] = v
	}
	params["sizing_params"] = sizing
	return params
}

// parseInputs converts wire rows into the typed signal list and price index.
func (s *Server) parseInputs(r *BacktestRequest) ([]types.Signal, *priceindex.Index, error) {
	signals := make([]types.Signal, 0, len(r.SignalsData))
	for _, row := range r.SignalsData {
		day, err := parseDate(row.Date)
		if err != nil {
			return nil, nil, &ValidationError{Problems: []string{fmt.Sprintf("signals_data: %v", err)}}
		}
		signals = append(signals, types.Signal{Ticker: row.Ticker, Day: day})
	}

	rows := make([]priceindex.Row, 0, len(r.OhlcvData))
	for _, row := range r.OhlcvData {
		day, err := parseDate(row.Date)
		if err != nil {
			return nil, nil, &ValidationError{Problems: []string{fmt.Sprintf("ohlcv_data: %v", err)}}
		}
		rows = append(rows, priceindex.Row{Ticker: row.Ticker, Bar: priceindex.Bar{
			Day:    day,
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		}})
	}

	index, err := priceindex.Build(s.logger, rows)
	if err != nil {
		return nil, nil, &ValidationError{Problems: []string{err.Error()}}
	}
	return signals, index, nil
}

// runBacktest executes a /run request end to end: cache probe, simulation,
// metrics, cache fill, monitoring. The returned map is the wire response.
func (s *Server) runBacktest(ctx context.Context, req *BacktestRequest, exec *monitor.Execution) (map[string]any, error) {
	started := time.Now()

	signals, index, err := s.parseInputs(req)
	if err != nil {
		return nil, err
	}

	s.monitor.LogBacktestStart(exec.ID(), req.fingerprintParams("run"), len(signals))

	key := cache.Key(signals, req.fingerprintParams("run"))
	if cached, ok := s.cacheGet(ctx, key); ok {
		s.monitor.MarkCacheHit(exec.ID())
		cached["monitoring"] = map[string]any{
			"execution_id": exec.ID(),
			"cache_hit":    true,
			"from_cache":   true,
		}
		return cached, nil
	}

	sim := engine.NewSimulator(s.logger, index)
	simResult := sim.Run(signals, req.simulationConfig())
	perf := metrics.NewCalculator(req.RiskFreeRate).Calculate(simResult.Trades, req.InitialCapital)

	elapsed := time.Since(started)
	mtxDuration.WithLabelValues("run").Observe(elapsed.Seconds())

	perfMap := metricsToMap(perf)
	s.monitor.LogBacktestComplete(exec.ID(), len(simResult.Trades), perfMap)

	response := map[string]any{
		"trades":              tradesToMaps(simResult.Trades),
		"performance_metrics": perfMap,
		"equity_curve":        curveToMaps(perf.EquityCurve),
		"invested_capital":    curveToMaps(perf.InvestedCapital),
		"summary":             s.buildSummary(simResult, perf, index),
		"execution_time":      elapsed.Seconds(),
		"signals_processed":   simResult.SignalsProcessed,
	}

	s.cacheSet(ctx, key, response, cache.ClassStandard)

	response["monitoring"] = map[string]any{
		"execution_id": exec.ID(),
		"cache_hit":    false,
		"from_cache":   false,
	}
	return response, nil
}

// runOptimization executes an /optimize request.
func (s *Server) runOptimization(ctx context.Context, req *OptimizeRequest, exec *monitor.Execution) (map[string]any, error) {
	started := time.Now()

	signals, index, err := s.parseInputs(&req.BacktestRequest)
	if err != nil {
		return nil, err
	}

	params := req.fingerprintParams("optimize")
	params["param_ranges"] = map[string]any{
		"holding_period": intsToAny(req.ParamRanges.HoldingPeriod),
		"stop_loss":      floatsToAny(req.ParamRanges.StopLoss),
		"take_profit":    floatsToAny(req.ParamRanges.TakeProfit),
	}
	s.monitor.LogBacktestStart(exec.ID(), params, len(signals))

	key := cache.Key(signals, params)
	if cached, ok := s.cacheGet(ctx, key); ok {
		s.monitor.MarkCacheHit(exec.ID())
		cached["monitoring"] = map[string]any{
			"execution_id": exec.ID(),
			"cache_hit":    true,
			"from_cache":   true,
		}
		return cached, nil
	}

	grid := types.ParamGrid{
		HoldingPeriods: req.ParamRanges.HoldingPeriod,
		StopLosses:     req.ParamRanges.StopLoss,
	}
	for _, tp := range req.ParamRanges.TakeProfit {
		tp := tp
		grid.TakeProfits = append(grid.TakeProfits, &tp)
	}

	maxWorkers := req.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = s.config.Optimizer.MaxWorkers
	}

	opt := optimizer.New(s.logger, maxWorkers)
	result, err := opt.Run(ctx, index, signals, req.simulationConfig(), grid, func(done, total int) {
		s.hub.Broadcast("optimize:progress", map[string]any{
			"execution_id": exec.ID(),
			"completed":    done,
			"total":        total,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}

	elapsed := time.Since(started)
	mtxDuration.WithLabelValues("optimize").Observe(elapsed.Seconds())

	rows := make([]map[string]any, len(result.AllResults))
	for i, row := range result.AllResults {
		rows[i] = rowToMap(row)
	}

	response := map[string]any{
		"all_results":       rows,
		"combinations":      result.Combinations,
		"execution_time":    elapsed.Seconds(),
		"signals_processed": len(signals),
	}
	if result.BestParams != nil {
		response["best_params"] = comboToMap(*result.BestParams)
		response["best_performance"] = rowToMap(*result.BestPerformance)
	} else {
		response["best_params"] = nil
		response["best_performance"] = nil
	}

	trades := 0
	if result.BestPerformance != nil {
		trades = result.BestPerformance.TotalTrades
	}
	s.monitor.LogBacktestComplete(exec.ID(), trades, map[string]any{"combinations": result.Combinations})

	s.cacheSet(ctx, key, response, cache.ClassOptimization)

	response["monitoring"] = map[string]any{
		"execution_id": exec.ID(),
		"cache_hit":    false,
		"from_cache":   false,
	}
	return response, nil
}

// buildSummary assembles the human-facing summary block, including any
// subsystem degradation diagnostics.
func (s *Server) buildSummary(result types.SimulationResult, perf types.PerformanceMetrics, index *priceindex.Index) map[string]any {
	summary := map[string]any{
		"total_trades":          perf.TotalTrades,
		"final_portfolio_value": utils.FormatMoney(perf.FinalPortfolioValue, "$"),
		"total_pnl":             utils.FormatMoney(perf.TotalPnL, "$"),
		"total_return_pct":      num(utils.RoundTo(perf.TotalReturnPct, 4)),
		"win_rate_pct":          num(utils.RoundTo(perf.WinRatePct, 2)),
		"leverage_warnings":     result.LeverageWarnings,
		"data_warnings":         index.Warnings(),
	}
	if !s.cache.Enabled() {
		summary["cache_status"] = "degraded: result cache unavailable"
	}
	return summary
}

// cacheGet probes the cache, recording timings in the monitor and metrics.
func (s *Server) cacheGet(ctx context.Context, key string) (map[string]any, bool) {
	start := time.Now()
	value, ok := s.cache.Get(ctx, key)
	s.monitor.RecordCacheOp(monitor.CacheOpGet, float64(time.Since(start).Microseconds())/1000, ok)
	if ok {
		mtxCacheOps.WithLabelValues("get", "hit").Inc()
	} else {
		mtxCacheOps.WithLabelValues("get", "miss").Inc()
	}
	return value, ok
}

// cacheSet stores a response, recording timings in the monitor and metrics.
func (s *Server) cacheSet(ctx context.Context, key string, value map[string]any, class cache.ResultClass) {
	start := time.Now()
	s.cache.Set(ctx, key, value, class)
	s.monitor.RecordCacheOp(monitor.CacheOpSet, float64(time.Since(start).Microseconds())/1000, false)
	mtxCacheOps.WithLabelValues("set", "ok").Inc()
}

func intsToAny(values []int) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func floatsToAny(values []float64) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
