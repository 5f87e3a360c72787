package priceindex_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bar(day int64, o, h, l, c float64) priceindex.Bar {
	return priceindex.Bar{Day: types.DayOrdinal(day), Open: o, High: h, Low: l, Close: c, Volume: 1000}
}

func TestBuildSortsAndGroups(t *testing.T) {
	rows := []priceindex.Row{
		{Ticker: "X", Bar: bar(3, 100, 101, 99, 100)},
		{Ticker: "Y", Bar: bar(1, 50, 51, 49, 50)},
		{Ticker: "X", Bar: bar(1, 100, 101, 99, 100)},
		{Ticker: "X", Bar: bar(2, 100, 101, 99, 100)},
	}

	idx, err := priceindex.Build(zap.NewNop(), rows)
	require.NoError(t, err)

	in, err := idx.Instrument("X")
	require.NoError(t, err)
	require.Equal(t, 3, in.Len())
	for i := 1; i < in.Len(); i++ {
		assert.Less(t, in.Bar(i-1).Day, in.Bar(i).Day)
	}

	assert.Equal(t, []string{"X", "Y"}, idx.Tickers())
}

func TestBuildRejectsDuplicateDays(t *testing.T) {
	rows := []priceindex.Row{
		{Ticker: "X", Bar: bar(1, 100, 101, 99, 100)},
		{Ticker: "X", Bar: bar(1, 100, 102, 98, 101)},
	}

	_, err := priceindex.Build(zap.NewNop(), rows)
	require.Error(t, err)
}

func TestBuildWarnsOnRangeViolation(t *testing.T) {
	rows := []priceindex.Row{
		// low above open: warned, not rejected
		{Ticker: "X", Bar: bar(1, 100, 101, 100.5, 100)},
	}

	idx, err := priceindex.Build(zap.NewNop(), rows)
	require.NoError(t, err)
	assert.Len(t, idx.Warnings(), 1)
}

func TestLookupFrom(t *testing.T) {
	rows := []priceindex.Row{
		{Ticker: "X", Bar: bar(10, 100, 101, 99, 100)},
		{Ticker: "X", Bar: bar(12, 100, 101, 99, 100)},
		{Ticker: "X", Bar: bar(15, 100, 101, 99, 100)},
	}
	idx, err := priceindex.Build(zap.NewNop(), rows)
	require.NoError(t, err)
	in, err := idx.Instrument("X")
	require.NoError(t, err)

	tests := []struct {
		day  int64
		want int
	}{
		{9, 0},
		{10, 0},
		{11, 1},
		{12, 1},
		{13, 2},
		{15, 2},
		{16, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, in.LookupFrom(types.DayOrdinal(tt.day)), "day %d", tt.day)
	}
}

func TestUnknownTicker(t *testing.T) {
	idx, err := priceindex.Build(zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = idx.Instrument("MISSING")
	require.ErrorIs(t, err, priceindex.ErrUnknownTicker)
}
