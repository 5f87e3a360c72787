// Package optimizer fans the simulator out over a parameter grid.
//
// Parallelism is coarse-grained: one simulation per grid cell on a bounded
// worker pool. Workers share the read-only price index; no mutable state
// crosses a worker boundary, so any single cell's summary equals the
// summary of a stand-alone simulator run with the same inputs.
package optimizer

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/metrics"
	"github.com/atlas-desktop/backtest-engine/internal/priceindex"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxWorkerCap = 8

// ProgressFunc receives the monotonic completion counter after each cell.
type ProgressFunc func(completed, total int)

// Optimizer runs exhaustive grid optimization.
type Optimizer struct {
	logger     *zap.Logger
	maxWorkers int
}

// New creates an optimizer. maxWorkers ≤ 0 selects the default cap.
func New(logger *zap.Logger, maxWorkers int) *Optimizer {
	return &Optimizer{logger: logger, maxWorkers: maxWorkers}
}

// Combinations expands the grid into its Cartesian product in submission
// order. An empty take-profit list contributes a single nil column.
func Combinations(grid types.ParamGrid) []types.ParamCombo {
	takeProfits := grid.TakeProfits
	if len(takeProfits) == 0 {
		takeProfits = []*float64{nil}
	}

	combos := make([]types.ParamCombo, 0, len(grid.HoldingPeriods)*len(grid.StopLosses)*len(takeProfits))
	for _, hp := range grid.HoldingPeriods {
		for _, sl := range grid.StopLosses {
			for _, tp := range takeProfits {
				combos = append(combos, types.ParamCombo{
					HoldingPeriod: hp,
					StopLossPct:   sl,
					TakeProfitPct: tp,
				})
			}
		}
	}
	return combos
}

// workerCount bounds the pool by the request, the host, and the hard cap.
func (o *Optimizer) workerCount() int {
	workers := o.maxWorkers
	if workers <= 0 {
		workers = maxWorkerCap
	}
	if cpu := runtime.NumCPU() - 1; cpu < workers {
		workers = cpu
	}
	if workers > maxWorkerCap {
		workers = maxWorkerCap
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Run executes one simulation per grid cell and aggregates summary rows in
// submission order. A failing cell is recorded and does not stop the grid;
// workers check cancellation between combinations.
func (o *Optimizer) Run(
	ctx context.Context,
	index *priceindex.Index,
	signals []types.Signal,
	base types.SimulationConfig,
	grid types.ParamGrid,
	progress ProgressFunc,
) (types.OptimizationResult, error) {
	combos := Combinations(grid)
	result := types.OptimizationResult{
		AllResults:   make([]types.OptimizationRow, len(combos)),
		Combinations: len(combos),
	}
	if len(combos) == 0 {
		return result, nil
	}

	workers := o.workerCount()
	o.logger.Info("starting parameter optimization",
		zap.Int("combinations", len(combos)),
		zap.Int("workers", workers),
	)

	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, combo := range combos {
		i, combo := i, combo
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			result.AllResults[i] = o.runCell(index, signals, base, combo)

			done := int(completed.Add(1))
			if progress != nil {
				progress(done, len(combos))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	best := bestRow(result.AllResults)
	if best >= 0 {
		result.BestParams = &result.AllResults[best].Params
		result.BestPerformance = &result.AllResults[best]
	}

	return result, nil
}

// runCell runs one combination, isolating worker panics into a failed row.
func (o *Optimizer) runCell(
	index *priceindex.Index,
	signals []types.Signal,
	base types.SimulationConfig,
	combo types.ParamCombo,
) (row types.OptimizationRow) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("optimization cell panicked",
				zap.Int("holding_period", combo.HoldingPeriod),
				zap.Float64("stop_loss", combo.StopLossPct),
				zap.Any("panic", r),
			)
			row = types.OptimizationRow{Params: combo, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()

	config := base
	config.ExitRules = types.ExitRules{
		HoldingPeriod: combo.HoldingPeriod,
		StopLossPct:   combo.StopLossPct,
		TakeProfitPct: combo.TakeProfitPct,
	}

	sim := engine.NewSimulator(o.logger, index)
	simResult := sim.Run(signals, config)
	m := metrics.NewCalculator(config.RiskFreeRate).Calculate(simResult.Trades, config.InitialCapital)

	return metrics.SummaryRow(combo, m)
}

// bestRow picks the highest total return among successful rows, breaking
// ties by parameter tuple order so the result is identical under any worker
// count. Returns -1 when every cell failed.
func bestRow(rows []types.OptimizationRow) int {
	best := -1
	for i := range rows {
		if rows[i].Err != "" {
			continue
		}
		if best < 0 || rows[i].TotalReturnPct > rows[best].TotalReturnPct ||
			(rows[i].TotalReturnPct == rows[best].TotalReturnPct && comboLess(rows[i].Params, rows[best].Params)) {
			best = i
		}
	}
	return best
}

func comboLess(a, b types.ParamCombo) bool {
	if a.HoldingPeriod != b.HoldingPeriod {
		return a.HoldingPeriod < b.HoldingPeriod
	}
	if a.StopLossPct != b.StopLossPct {
		return a.StopLossPct < b.StopLossPct
	}
	av, bv := takeProfitOrdinal(a.TakeProfitPct), takeProfitOrdinal(b.TakeProfitPct)
	return av < bv
}

// takeProfitOrdinal sorts "no take-profit" before any numeric level.
func takeProfitOrdinal(tp *float64) float64 {
	if tp == nil {
		return -1
	}
	return *tp
}
