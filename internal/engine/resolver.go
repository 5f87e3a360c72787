// Package engine provides the per-signal simulation core: the trade
// resolver that locates the first-touching exit, and the simulator that
// orchestrates sizing and portfolio accounting over a signal stream.
package engine

import (
	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// HasForwardWindow reports whether a trade opened at entryIdx has the bars
// to cover its holding period: the instrument must reach at least
// entryIdx+holding, and at least one bar must follow the entry.
func HasForwardWindow(in *priceindex.Instrument, entryIdx, holdingPeriod int) bool {
	return entryIdx+holdingPeriod <= in.Len() && entryIdx < in.Len()-1
}

// Exit describes the resolved exit of a trade.
type Exit struct {
	Index  int
	Price  float64
	Reason types.ExitReason
}

// ResolveExit scans forward from the entry bar and returns the first exit
// touched within the holding window: stop-loss, then take-profit within the
// same bar, then time exit at the last bar's close. The stop-before-target
// ordering inside a single bar is deliberate and conservative; daily data
// cannot order intraday touches.
//
// Returns ok=false when the instrument lacks the forward bars to cover the
// holding period, or when no bar at all follows the entry; the caller drops
// the signal.
func ResolveExit(in *priceindex.Instrument, entryIdx int, rules types.ExitRules, dir types.Direction) (Exit, bool) {
	if !HasForwardWindow(in, entryIdx, rules.HoldingPeriod) {
		return Exit{}, false
	}

	entryPrice := in.Bar(entryIdx).Close

	var stopPrice, targetPrice float64
	hasTarget := rules.TakeProfitPct != nil
	if dir == types.DirectionShort {
		stopPrice = entryPrice * (100 + rules.StopLossPct) / 100
		if hasTarget {
			targetPrice = entryPrice * (100 - *rules.TakeProfitPct) / 100
		}
	} else {
		stopPrice = entryPrice * (100 - rules.StopLossPct) / 100
		if hasTarget {
			targetPrice = entryPrice * (100 + *rules.TakeProfitPct) / 100
		}
	}

	last := entryIdx + rules.HoldingPeriod
	if last > in.Len()-1 {
		last = in.Len() - 1
	}

	for i := entryIdx + 1; i <= last; i++ {
		bar := in.Bar(i)
		if dir == types.DirectionShort {
			if bar.High >= stopPrice {
				return Exit{Index: i, Price: stopPrice, Reason: types.ExitStopLoss}, true
			}
			if hasTarget && bar.Low <= targetPrice {
				return Exit{Index: i, Price: targetPrice, Reason: types.ExitTakeProfit}, true
			}
		} else {
			if bar.Low <= stopPrice {
				return Exit{Index: i, Price: stopPrice, Reason: types.ExitStopLoss}, true
			}
			if hasTarget && bar.High >= targetPrice {
				return Exit{Index: i, Price: targetPrice, Reason: types.ExitTakeProfit}, true
			}
		}
	}

	return Exit{Index: last, Price: in.Bar(last).Close, Reason: types.ExitTime}, true
}
