// Package priceindex provides the per-instrument OHLC store the simulator
// reads from. The index is built once per request and immutable afterwards,
// so it can be shared freely across optimizer workers.
package priceindex

import (
	"fmt"
	"sort"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrUnknownTicker is returned when a queried ticker has no bars.
var ErrUnknownTicker = fmt.Errorf("unknown ticker")

// Bar is one period's OHLCV for one instrument.
type Bar struct {
	Day    types.DayOrdinal `json:"day"`
	Open   float64          `json:"open"`
	High   float64          `json:"high"`
	Low    float64          `json:"low"`
	Close  float64          `json:"close"`
	Volume float64          `json:"volume"`
}

// Row is one input tuple for Build.
type Row struct {
	Ticker string
	Bar    Bar
}

// Instrument holds a ticker's bars in strictly increasing day order.
type Instrument struct {
	Ticker string
	Bars   []Bar
}

// Len returns the number of bars.
func (in *Instrument) Len() int { return len(in.Bars) }

// Bar returns the bar at index i.
func (in *Instrument) Bar(i int) Bar { return in.Bars[i] }

// LookupFrom returns the index of the first bar whose day is >= day,
// or -1 when every bar precedes it.
func (in *Instrument) LookupFrom(day types.DayOrdinal) int {
	i := sort.Search(len(in.Bars), func(i int) bool {
		return in.Bars[i].Day >= day
	})
	if i == len(in.Bars) {
		return -1
	}
	return i
}

// Index maps tickers to their instruments. Read-only after Build.
type Index struct {
	instruments map[string]*Instrument
	warnings    []string
}

// Build groups rows by ticker, stable-sorts each group by day, and rejects
// duplicate days within a ticker. OHLC sanity violations (low/high not
// bracketing open/close) are warned, not rejected.
func Build(logger *zap.Logger, rows []Row) (*Index, error) {
	idx := &Index{instruments: make(map[string]*Instrument)}

	for _, row := range rows {
		in, ok := idx.instruments[row.Ticker]
		if !ok {
			in = &Instrument{Ticker: row.Ticker}
			idx.instruments[row.Ticker] = in
		}
		in.Bars = append(in.Bars, row.Bar)
	}

	for ticker, in := range idx.instruments {
		sort.SliceStable(in.Bars, func(i, j int) bool {
			return in.Bars[i].Day < in.Bars[j].Day
		})
		for i := 1; i < len(in.Bars); i++ {
			if in.Bars[i].Day == in.Bars[i-1].Day {
				return nil, fmt.Errorf("duplicate day %d for ticker %s", in.Bars[i].Day, ticker)
			}
		}
		for _, bar := range in.Bars {
			if bar.Low > bar.Open || bar.Low > bar.Close ||
				bar.High < bar.Open || bar.High < bar.Close {
				warning := fmt.Sprintf("%s@%d: OHLC range violation (O=%g H=%g L=%g C=%g)",
					ticker, bar.Day, bar.Open, bar.High, bar.Low, bar.Close)
				idx.warnings = append(idx.warnings, warning)
				logger.Warn("OHLC range violation",
					zap.String("ticker", ticker),
					zap.Int64("day", int64(bar.Day)),
				)
			}
		}
	}

	return idx, nil
}

// Instrument returns the instrument for a ticker, or ErrUnknownTicker.
func (ix *Index) Instrument(ticker string) (*Instrument, error) {
	in, ok := ix.instruments[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	return in, nil
}

// Tickers returns the tickers present in the index, sorted.
func (ix *Index) Tickers() []string {
	tickers := make([]string, 0, len(ix.instruments))
	for t := range ix.instruments {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// Warnings returns the OHLC sanity warnings collected during Build.
func (ix *Index) Warnings() []string { return ix.warnings }
