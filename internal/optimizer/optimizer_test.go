package optimizer_test

import (
	"context"
	"sync"
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/metrics"
	"github.com/atlas-desktop/backtest-engine/internal/optimizer"
	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tp(v float64) *float64 { return &v }

func scenarioIndex(t *testing.T) *priceindex.Index {
	t.Helper()
	idx, err := priceindex.Build(zap.NewNop(), []priceindex.Row{
		{Ticker: "X", Bar: priceindex.Bar{Day: 1, Open: 100, High: 100, Low: 99, Close: 100}},
		{Ticker: "X", Bar: priceindex.Bar{Day: 2, Open: 110, High: 112, Low: 100, Close: 110}},
		{Ticker: "X", Bar: priceindex.Bar{Day: 3, Open: 118, High: 120, Low: 108, Close: 118}},
	})
	require.NoError(t, err)
	return idx
}

func baseConfig() types.SimulationConfig {
	return types.SimulationConfig{
		Direction:      types.DirectionLong,
		Sizing:         types.SizingPolicy{Method: types.SizingEqualWeight},
		InitialCapital: 100000,
	}
}

func TestCombinations(t *testing.T) {
	grid := types.ParamGrid{
		HoldingPeriods: []int{3, 5},
		StopLosses:     []float64{2, 5},
		TakeProfits:    []*float64{nil, tp(10)},
	}
	combos := optimizer.Combinations(grid)
	assert.Len(t, combos, 8)

	// empty take-profit list collapses to a single none column
	grid.TakeProfits = nil
	combos = optimizer.Combinations(grid)
	require.Len(t, combos, 4)
	for _, c := range combos {
		assert.Nil(t, c.TakeProfitPct)
	}
}

// Each optimizer cell must equal the stand-alone simulator run with the same
// inputs; the tp=10 cell of a two-cell grid is checked here.
func TestOptimizerParity(t *testing.T) {
	idx := scenarioIndex(t)
	signals := []types.Signal{{Ticker: "X", Day: 1}}
	config := baseConfig()

	grid := types.ParamGrid{
		HoldingPeriods: []int{3},
		StopLosses:     []float64{5.0},
		TakeProfits:    []*float64{nil, tp(10.0)},
	}

	opt := optimizer.New(zap.NewNop(), 4)
	result, err := opt.Run(context.Background(), idx, signals, config, grid, nil)
	require.NoError(t, err)
	require.Len(t, result.AllResults, 2)

	// stand-alone run of the tp=10 cell
	standalone := config
	standalone.ExitRules = types.ExitRules{HoldingPeriod: 3, StopLossPct: 5.0, TakeProfitPct: tp(10.0)}
	simResult := engine.NewSimulator(zap.NewNop(), idx).Run(signals, standalone)
	m := metrics.NewCalculator(0).Calculate(simResult.Trades, standalone.InitialCapital)

	row := result.AllResults[1]
	require.NotNil(t, row.Params.TakeProfitPct)
	assert.Equal(t, m.TotalTrades, row.TotalTrades)
	assert.InDelta(t, m.TotalReturnPct, row.TotalReturnPct, 1e-10)
	assert.InDelta(t, m.TotalPnL, row.TotalPnL, 1e-10)
	assert.InDelta(t, m.WinRatePct, row.WinRatePct, 1e-10)
	assert.InDelta(t, m.MaxDrawdownPct, row.MaxDrawdownPct, 1e-10)
	assert.InDelta(t, m.SharpeRatio, row.SharpeRatio, 1e-10)
	assert.InDelta(t, m.AvgPositionSize, row.AvgPositionSize, 1e-10)
}

func TestProgressAndDeterminism(t *testing.T) {
	idx := scenarioIndex(t)
	signals := []types.Signal{{Ticker: "X", Day: 1}}
	config := baseConfig()

	grid := types.ParamGrid{
		HoldingPeriods: []int{1, 2, 3},
		StopLosses:     []float64{2, 5, 8},
		TakeProfits:    []*float64{nil, tp(5), tp(10)},
	}

	var mu sync.Mutex
	var ticks []int
	progress := func(done, total int) {
		mu.Lock()
		ticks = append(ticks, done)
		mu.Unlock()
		assert.Equal(t, 27, total)
	}

	opt := optimizer.New(zap.NewNop(), 8)
	first, err := opt.Run(context.Background(), idx, signals, config, grid, progress)
	require.NoError(t, err)
	assert.Len(t, ticks, 27)

	// identical results under a different worker count
	serial := optimizer.New(zap.NewNop(), 1)
	second, err := serial.Run(context.Background(), idx, signals, config, grid, nil)
	require.NoError(t, err)

	assert.Equal(t, first.AllResults, second.AllResults)
	assert.Equal(t, first.BestParams, second.BestParams)
}

func TestCancellation(t *testing.T) {
	idx := scenarioIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opt := optimizer.New(zap.NewNop(), 2)
	_, err := opt.Run(ctx, idx, []types.Signal{{Ticker: "X", Day: 1}}, baseConfig(), types.ParamGrid{
		HoldingPeriods: []int{1, 2},
		StopLosses:     []float64{5},
	}, nil)
	require.Error(t, err)
}

func TestEmptyGrid(t *testing.T) {
	idx := scenarioIndex(t)

	opt := optimizer.New(zap.NewNop(), 2)
	result, err := opt.Run(context.Background(), idx, nil, baseConfig(), types.ParamGrid{}, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Combinations)
	assert.Nil(t, result.BestParams)
}
