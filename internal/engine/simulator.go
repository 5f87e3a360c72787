package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/internal/sizing"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	volLookbackCloses = 60
	atrLookbackBars   = 30
	atrWindow         = 14
	tradingDaysPerYr  = 252
)

// openPosition is one entry in the simulator's active-position table.
// Its notional stays committed against the portfolio until the position's
// exit day has passed in signal time.
type openPosition struct {
	ticker     string
	seq        int
	entryDay   types.DayOrdinal
	entryPrice float64
	shares     float64
	notional   float64
	leverage   float64
	exit       Exit
	exitDay    types.DayOrdinal
	daysHeld   int
}

// Simulator runs one deterministic simulation over a chronologically
// ordered signal stream. It exclusively owns the open-position table and
// open-notional accumulator for the lifetime of a run; parallelism lives
// strictly across simulations, never inside one.
type Simulator struct {
	logger *zap.Logger
	index  *priceindex.Index
	sizer  *sizing.Sizer
}

// NewSimulator creates a simulator over a read-only price index.
func NewSimulator(logger *zap.Logger, index *priceindex.Index) *Simulator {
	return &Simulator{
		logger: logger,
		index:  index,
		sizer:  sizing.NewSizer(logger),
	}
}

// Run executes the simulation. Per-signal failures (unknown ticker,
// insufficient forward data, leverage refusal) are skipped and never abort
// the run; an empty trade log is a valid outcome. Trades are emitted in
// non-decreasing exit-day order.
func (s *Simulator) Run(signals []types.Signal, config types.SimulationConfig) types.SimulationResult {
	result := types.SimulationResult{
		Trades:           make([]types.Trade, 0, len(signals)),
		LeverageWarnings: make([]string, 0),
		SignalsProcessed: len(signals),
	}

	// Ascending day, stable input order on ties.
	ordered := make([]types.Signal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Day < ordered[j].Day
	})

	portfolioValue := config.InitialCapital
	openNotional := 0.0
	var open []openPosition
	seq := 0
	activeExit := make(map[string]types.DayOrdinal)

	closePosition := func(pos openPosition) {
		var pnl, pnlPct float64
		if config.Direction == types.DirectionShort {
			pnl = (pos.entryPrice - pos.exit.Price) * pos.shares
			pnlPct = (pos.entryPrice - pos.exit.Price) / pos.entryPrice * 100
		} else {
			pnl = (pos.exit.Price - pos.entryPrice) * pos.shares
			pnlPct = (pos.exit.Price - pos.entryPrice) / pos.entryPrice * 100
		}

		portfolioValue += pnl
		openNotional -= pos.notional

		result.Trades = append(result.Trades, types.Trade{
			Ticker:              pos.ticker,
			Direction:           config.Direction,
			EntryDay:            pos.entryDay,
			EntryPrice:          pos.entryPrice,
			ExitDay:             pos.exitDay,
			ExitPrice:           pos.exit.Price,
			Shares:              pos.shares,
			Notional:            pos.notional,
			PnL:                 pnl,
			PnLPct:              pnlPct,
			ExitReason:          pos.exit.Reason,
			DaysHeld:            pos.daysHeld,
			PortfolioValueAfter: portfolioValue,
			LeverageAtEntry:     pos.leverage,
		})
	}

	// releaseBefore realizes every open position whose exit day precedes
	// the given day, oldest exit first.
	releaseBefore := func(day types.DayOrdinal) {
		sort.SliceStable(open, func(i, j int) bool {
			if open[i].exitDay != open[j].exitDay {
				return open[i].exitDay < open[j].exitDay
			}
			return open[i].seq < open[j].seq
		})
		released := 0
		for _, pos := range open {
			if pos.exitDay >= day {
				break
			}
			closePosition(pos)
			released++
		}
		open = open[released:]
	}

	for _, signal := range ordered {
		releaseBefore(signal.Day)

		// Per-instrument gate.
		if config.OneTradePerInstrument {
			if exitDay, ok := activeExit[signal.Ticker]; ok {
				if signal.Day <= exitDay {
					continue
				}
				delete(activeExit, signal.Ticker)
			}
		}

		in, err := s.index.Instrument(signal.Ticker)
		if err != nil {
			s.logger.Debug("signal skipped, unknown ticker", zap.String("ticker", signal.Ticker))
			continue
		}

		entryIdx := in.LookupFrom(signal.Day)
		if entryIdx < 0 {
			continue
		}
		entryBar := in.Bar(entryIdx)
		entryPrice := entryBar.Close
		if entryPrice <= 0 {
			continue
		}
		if !HasForwardWindow(in, entryIdx, config.ExitRules.HoldingPeriod) {
			continue
		}

		aux := s.sizingAux(config.Sizing.Method, in, entryIdx)

		shares := s.sizer.Shares(config.Sizing, entryPrice, portfolioValue, openNotional, config.AllowLeverage, aux)
		if shares <= 0 {
			continue
		}
		notional := shares * entryPrice

		if !config.AllowLeverage && openNotional+notional > portfolioValue {
			result.LeverageWarnings = append(result.LeverageWarnings,
				fmt.Sprintf("Skipped %s@%d: would require leverage", signal.Ticker, signal.Day))
			continue
		}

		exit, ok := ResolveExit(in, entryIdx, config.ExitRules, config.Direction)
		if !ok {
			continue
		}

		leverage := 0.0
		if portfolioValue > 0 {
			leverage = notional / portfolioValue
		} else {
			result.LeverageWarnings = append(result.LeverageWarnings,
				fmt.Sprintf("Leverage undefined for %s@%d: non-positive portfolio value", signal.Ticker, signal.Day))
		}

		openNotional += notional
		exitDay := in.Bar(exit.Index).Day
		open = append(open, openPosition{
			ticker:     signal.Ticker,
			seq:        seq,
			entryDay:   entryBar.Day,
			entryPrice: entryPrice,
			shares:     shares,
			notional:   notional,
			leverage:   leverage,
			exit:       exit,
			exitDay:    exitDay,
			daysHeld:   exit.Index - entryIdx,
		})
		seq++

		if config.OneTradePerInstrument {
			activeExit[signal.Ticker] = exitDay
		}
	}

	// Flush everything still open, oldest exit first.
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].exitDay != open[j].exitDay {
			return open[i].exitDay < open[j].exitDay
		}
		return open[i].seq < open[j].seq
	})
	for _, pos := range open {
		closePosition(pos)
	}

	result.FinalPortfolioValue = portfolioValue

	s.logger.Debug("simulation complete",
		zap.Int("signals", len(signals)),
		zap.Int("trades", len(result.Trades)),
		zap.Float64("final_value", portfolioValue),
	)

	return result
}

// sizingAux computes the market statistics a policy needs at the entry bar.
// Policies that use no aux get the zero value for free.
func (s *Simulator) sizingAux(method types.SizingMethod, in *priceindex.Instrument, entryIdx int) sizing.Aux {
	switch method {
	case types.SizingVolatilityTarget:
		return sizing.Aux{RealizedVol: realizedVolatility(in, entryIdx)}
	case types.SizingAtrBased:
		return sizing.Aux{ATR: averageTrueRange(in, entryIdx)}
	}
	return sizing.Aux{}
}

// realizedVolatility annualizes the standard deviation of daily returns over
// the last 60 closes ending at the entry bar. Returns 0 when history is too
// short; the sizer's vol floor then applies.
func realizedVolatility(in *priceindex.Instrument, entryIdx int) float64 {
	start := entryIdx - volLookbackCloses + 1
	if start < 0 {
		start = 0
	}

	var returns []float64
	for i := start + 1; i <= entryIdx; i++ {
		prev := in.Bar(i - 1).Close
		if prev == 0 {
			continue
		}
		returns = append(returns, in.Bar(i).Close/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYr)
}

// averageTrueRange computes ATR(14) over the last 30 bars ending at the
// entry bar. Returns 0 when fewer than 14 true ranges are available; the
// sizer's ATR floor then applies.
func averageTrueRange(in *priceindex.Instrument, entryIdx int) float64 {
	start := entryIdx - atrLookbackBars + 1
	if start < 0 {
		start = 0
	}

	var trueRanges []float64
	for i := start + 1; i <= entryIdx; i++ {
		bar := in.Bar(i)
		prevClose := in.Bar(i - 1).Close
		tr := math.Max(bar.High-bar.Low,
			math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
		trueRanges = append(trueRanges, tr)
	}
	if len(trueRanges) < atrWindow {
		return 0
	}

	window := trueRanges[len(trueRanges)-atrWindow:]
	sum := 0.0
	for _, tr := range window {
		sum += tr
	}
	return sum / float64(atrWindow)
}
