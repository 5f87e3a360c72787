package engine_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func instrument(t *testing.T, bars []priceindex.Bar) *priceindex.Instrument {
	t.Helper()
	rows := make([]priceindex.Row, len(bars))
	for i, b := range bars {
		rows[i] = priceindex.Row{Ticker: "X", Bar: b}
	}
	idx, err := priceindex.Build(zap.NewNop(), rows)
	require.NoError(t, err)
	in, err := idx.Instrument("X")
	require.NoError(t, err)
	return in
}

func b(day int64, h, l, c float64) priceindex.Bar {
	return priceindex.Bar{Day: types.DayOrdinal(day), Open: c, High: h, Low: l, Close: c}
}

func tp(v float64) *float64 { return &v }

func TestResolveExitTakeProfitLong(t *testing.T) {
	in := instrument(t, []priceindex.Bar{
		b(1, 100, 99, 100),
		b(2, 112, 100, 110),
		b(3, 120, 108, 118),
	})
	rules := types.ExitRules{HoldingPeriod: 3, StopLossPct: 5, TakeProfitPct: tp(10)}

	// holding period longer than the remaining data: refused
	_, ok := engine.ResolveExit(in, 0, types.ExitRules{HoldingPeriod: 5, StopLossPct: 5}, types.DirectionLong)
	assert.False(t, ok)

	// entry at the last bar: refused, nothing to scan forward
	_, ok = engine.ResolveExit(in, 2, types.ExitRules{HoldingPeriod: 1, StopLossPct: 5}, types.DirectionLong)
	assert.False(t, ok)

	exit, ok := engine.ResolveExit(in, 0, rules, types.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, 1, exit.Index)
	assert.Equal(t, 110.0, exit.Price)
	assert.Equal(t, types.ExitTakeProfit, exit.Reason)
}

func TestResolveExitStopShort(t *testing.T) {
	in := instrument(t, []priceindex.Bar{
		b(1, 100, 99, 100),
		b(2, 112, 100, 110),
		b(3, 120, 108, 118),
		b(4, 120, 108, 118),
	})
	rules := types.ExitRules{HoldingPeriod: 3, StopLossPct: 5, TakeProfitPct: tp(15)}

	exit, ok := engine.ResolveExit(in, 0, rules, types.DirectionShort)
	require.True(t, ok)
	assert.Equal(t, 1, exit.Index)
	assert.Equal(t, 105.0, exit.Price)
	assert.Equal(t, types.ExitStopLoss, exit.Reason)
}

func TestResolveExitTimeExit(t *testing.T) {
	in := instrument(t, []priceindex.Bar{
		b(1, 100, 100, 100),
		b(2, 100, 100, 100),
		b(3, 100, 100, 100),
		b(4, 100, 100, 100),
		b(5, 100, 100, 100),
	})
	rules := types.ExitRules{HoldingPeriod: 3, StopLossPct: 5}

	exit, ok := engine.ResolveExit(in, 0, rules, types.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, 3, exit.Index)
	assert.Equal(t, 100.0, exit.Price)
	assert.Equal(t, types.ExitTime, exit.Reason)
}

func TestResolveExitStopBeforeTargetSameBar(t *testing.T) {
	// bar 2 touches both the stop (95) and the target (110)
	in := instrument(t, []priceindex.Bar{
		b(1, 100, 99, 100),
		b(2, 115, 90, 100),
		b(3, 100, 100, 100),
	})
	rules := types.ExitRules{HoldingPeriod: 2, StopLossPct: 5, TakeProfitPct: tp(10)}

	exit, ok := engine.ResolveExit(in, 0, rules, types.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, types.ExitStopLoss, exit.Reason)
	assert.Equal(t, 95.0, exit.Price)
}
