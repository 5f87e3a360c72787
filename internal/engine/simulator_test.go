package engine_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildIndex(t *testing.T, rows []priceindex.Row) *priceindex.Index {
	t.Helper()
	idx, err := priceindex.Build(zap.NewNop(), rows)
	require.NoError(t, err)
	return idx
}

func threeBarIndex(t *testing.T) *priceindex.Index {
	return buildIndex(t, []priceindex.Row{
		{Ticker: "X", Bar: b(1, 100, 99, 100)},
		{Ticker: "X", Bar: b(2, 112, 100, 110)},
		{Ticker: "X", Bar: b(3, 120, 108, 118)},
	})
}

func baseConfig() types.SimulationConfig {
	return types.SimulationConfig{
		Direction:      types.DirectionLong,
		ExitRules:      types.ExitRules{HoldingPeriod: 3, StopLossPct: 5, TakeProfitPct: tp(10)},
		Sizing:         types.SizingPolicy{Method: types.SizingEqualWeight},
		InitialCapital: 100000,
	}
}

// Single long, take-profit hit.
func TestSingleLongTakeProfit(t *testing.T) {
	sim := engine.NewSimulator(zap.NewNop(), threeBarIndex(t))

	result := sim.Run([]types.Signal{{Ticker: "X", Day: 1}}, baseConfig())

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, types.DayOrdinal(1), trade.EntryDay)
	assert.Equal(t, 100.0, trade.EntryPrice)
	assert.Equal(t, types.DayOrdinal(2), trade.ExitDay)
	assert.Equal(t, 110.0, trade.ExitPrice)
	assert.Equal(t, types.ExitTakeProfit, trade.ExitReason)
	assert.Equal(t, 20.0, trade.Shares)
	assert.InDelta(t, 200.0, trade.PnL, 1e-9)
	assert.InDelta(t, 100200.0, result.FinalPortfolioValue, 1e-9)
}

// Single short, stop hit.
func TestSingleShortStopLoss(t *testing.T) {
	sim := engine.NewSimulator(zap.NewNop(), threeBarIndex(t))

	config := baseConfig()
	config.Direction = types.DirectionShort
	config.ExitRules.TakeProfitPct = tp(15)

	result := sim.Run([]types.Signal{{Ticker: "X", Day: 1}}, config)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, 105.0, trade.ExitPrice)
	assert.Equal(t, types.ExitStopLoss, trade.ExitReason)
	assert.Equal(t, 20.0, trade.Shares)
	assert.InDelta(t, -100.0, trade.PnL, 1e-9)
	assert.InDelta(t, 99900.0, result.FinalPortfolioValue, 1e-9)
}

// No-leverage gating: equal weight too small to buy a single share, then
// fixed notional exhausting the free capital.
func TestNoLeverageGating(t *testing.T) {
	idx := buildIndex(t, []priceindex.Row{
		{Ticker: "A", Bar: b(1, 100, 100, 100)},
		{Ticker: "A", Bar: b(2, 100, 100, 100)},
		{Ticker: "A", Bar: b(3, 100, 100, 100)},
		{Ticker: "A", Bar: b(4, 100, 100, 100)},
		{Ticker: "B", Bar: b(1, 100, 100, 100)},
		{Ticker: "B", Bar: b(2, 100, 100, 100)},
		{Ticker: "B", Bar: b(3, 100, 100, 100)},
		{Ticker: "B", Bar: b(4, 100, 100, 100)},
	})
	signals := []types.Signal{{Ticker: "A", Day: 1}, {Ticker: "B", Day: 1}}

	config := baseConfig()
	config.InitialCapital = 1000
	config.ExitRules = types.ExitRules{HoldingPeriod: 3, StopLossPct: 5}

	// 2% of 1000 = 20 < 100: zero shares, no trades recorded
	sim := engine.NewSimulator(zap.NewNop(), idx)
	result := sim.Run(signals, config)
	assert.Empty(t, result.Trades)
	assert.Empty(t, result.LeverageWarnings)

	// fixed notional 600: first opens, second would need 600 > 400 free
	config.Sizing = types.SizingPolicy{
		Method: types.SizingFixedAmount,
		Params: types.SizingParams{FixedAmount: 600},
	}
	result = sim.Run(signals, config)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "A", result.Trades[0].Ticker)
	assert.Equal(t, 6.0, result.Trades[0].Shares)
	assert.Equal(t, 600.0, result.Trades[0].Notional)
	require.Len(t, result.LeverageWarnings, 1)
	assert.Contains(t, result.LeverageWarnings[0], "Skipped B@1")
	assert.Contains(t, result.LeverageWarnings[0], "would require leverage")
}

// One-trade-per-instrument: the second signal arrives while the first
// position is still active.
func TestOneTradePerInstrument(t *testing.T) {
	rows := make([]priceindex.Row, 0, 10)
	for day := int64(1); day <= 10; day++ {
		rows = append(rows, priceindex.Row{Ticker: "X", Bar: b(day, 100, 100, 100)})
	}
	idx := buildIndex(t, rows)

	config := baseConfig()
	config.ExitRules = types.ExitRules{HoldingPeriod: 5, StopLossPct: 5}
	config.OneTradePerInstrument = true

	sim := engine.NewSimulator(zap.NewNop(), idx)
	result := sim.Run([]types.Signal{{Ticker: "X", Day: 1}, {Ticker: "X", Day: 2}}, config)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, types.DayOrdinal(1), result.Trades[0].EntryDay)
}

// Time exit on flat bars.
func TestTimeExit(t *testing.T) {
	rows := make([]priceindex.Row, 0, 5)
	for day := int64(1); day <= 5; day++ {
		rows = append(rows, priceindex.Row{Ticker: "X", Bar: b(day, 100, 100, 100)})
	}
	idx := buildIndex(t, rows)

	config := baseConfig()
	config.ExitRules = types.ExitRules{HoldingPeriod: 3, StopLossPct: 5}

	sim := engine.NewSimulator(zap.NewNop(), idx)
	result := sim.Run([]types.Signal{{Ticker: "X", Day: 1}}, config)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, types.DayOrdinal(4), trade.ExitDay)
	assert.Equal(t, 100.0, trade.ExitPrice)
	assert.Equal(t, types.ExitTime, trade.ExitReason)
	assert.InDelta(t, 0.0, trade.PnL, 1e-12)
}

func TestEmptySignals(t *testing.T) {
	sim := engine.NewSimulator(zap.NewNop(), threeBarIndex(t))

	result := sim.Run(nil, baseConfig())
	assert.Empty(t, result.Trades)
	assert.Equal(t, 100000.0, result.FinalPortfolioValue)
}

func TestSkipsUnknownTickerAndLateSignals(t *testing.T) {
	sim := engine.NewSimulator(zap.NewNop(), threeBarIndex(t))

	config := baseConfig()
	config.ExitRules.HoldingPeriod = 2

	result := sim.Run([]types.Signal{
		{Ticker: "MISSING", Day: 1},
		{Ticker: "X", Day: 3}, // entry at last bar: no forward data
		{Ticker: "X", Day: 9}, // beyond last bar
	}, config)

	assert.Empty(t, result.Trades)
	assert.Equal(t, 3, result.SignalsProcessed)
}

// Invariants over a busier run: accounting identity, share integrality,
// exit ordering, and the no-leverage exposure bound.
func TestRunInvariants(t *testing.T) {
	rows := make([]priceindex.Row, 0, 80)
	price := 100.0
	for day := int64(1); day <= 40; day++ {
		high := price * 1.03
		low := price * 0.97
		rows = append(rows, priceindex.Row{Ticker: "X", Bar: priceindex.Bar{
			Day: types.DayOrdinal(day), Open: price, High: high, Low: low, Close: price * 1.001,
		}})
		rows = append(rows, priceindex.Row{Ticker: "Y", Bar: priceindex.Bar{
			Day: types.DayOrdinal(day), Open: price, High: high * 1.01, Low: low * 0.99, Close: price * 0.999,
		}})
		price *= 1.001
	}
	idx := buildIndex(t, rows)

	config := baseConfig()
	config.InitialCapital = 50000
	config.Sizing = types.SizingPolicy{
		Method: types.SizingFixedAmount,
		Params: types.SizingParams{FixedAmount: 20000},
	}
	config.ExitRules = types.ExitRules{HoldingPeriod: 4, StopLossPct: 2, TakeProfitPct: tp(2.5)}

	var signals []types.Signal
	for day := int64(1); day <= 30; day += 3 {
		signals = append(signals, types.Signal{Ticker: "X", Day: types.DayOrdinal(day)})
		signals = append(signals, types.Signal{Ticker: "Y", Day: types.DayOrdinal(day)})
	}

	sim := engine.NewSimulator(zap.NewNop(), idx)
	result := sim.Run(signals, config)
	require.NotEmpty(t, result.Trades)

	var pnlSum float64
	prevExit := types.DayOrdinal(math.MinInt64)
	for _, trade := range result.Trades {
		assert.Equal(t, math.Trunc(trade.Shares), trade.Shares)
		assert.GreaterOrEqual(t, trade.Shares, 1.0)
		assert.Less(t, trade.EntryDay, trade.ExitDay)
		assert.LessOrEqual(t, trade.ExitDay, trade.EntryDay+types.DayOrdinal(config.ExitRules.HoldingPeriod+1))
		assert.GreaterOrEqual(t, trade.ExitDay, prevExit)
		prevExit = trade.ExitDay
		pnlSum += trade.PnL
	}

	assert.InDelta(t, config.InitialCapital+pnlSum, result.FinalPortfolioValue, 1e-6*config.InitialCapital)

	// determinism: a second run over the same inputs is identical
	again := engine.NewSimulator(zap.NewNop(), idx).Run(signals, config)
	require.Equal(t, result.Trades, again.Trades)
	assert.Equal(t, result.FinalPortfolioValue, again.FinalPortfolioValue)
}
