package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/sim"
)

// BacktestAdapter fills every accepted order immediately at the caller's
// reference mid adjusted by the shared fee/slippage models, entirely on
// the caller's sim clock. Deterministic given the same config and seed.
type BacktestAdapter struct {
	mu     sync.Mutex
	grid   *Grid
	limits *Limits
	clock  streamClock
	fees   *sim.FeeModel
	slip   *sim.SlippageModel

	quotes    map[string]sim.Tick
	pending   []model.Fill
	positions map[string]float64
}

// NewBacktestAdapter wires the grid, limits and cost models. The rate
// buckets refill on tick time so two replays of the same tape throttle
// identically.
func NewBacktestAdapter(acfg config.AdapterConfig, bcfg config.BacktestConfig) (*BacktestAdapter, error) {
	grid, err := NewGrid(acfg)
	if err != nil {
		return nil, err
	}
	a := &BacktestAdapter{
		grid:      grid,
		fees:      sim.NewFeeModel(bcfg),
		slip:      sim.NewSlippageModel(bcfg),
		quotes:    make(map[string]sim.Tick),
		positions: make(map[string]float64),
	}
	a.limits = NewSimLimits(acfg, a.clock.now)
	return a, nil
}

// OnTick caches the latest quote context per symbol and advances the
// limiter clock. The harness feeds the same tick stream here that it
// feeds the simulator.
func (a *BacktestAdapter) OnTick(t sim.Tick) {
	a.clock.advance(t.TsMs)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes[t.Symbol] = t
}

// Submit normalises, rate-limits and fills the order at the cached mid.
func (a *BacktestAdapter) Submit(order model.Order) (string, error) {
	start := time.Now()
	if err := a.limits.AllowPlace(); err != nil {
		metrics.SubmitTotal("rejected", "rate_limit")
		return "", err
	}
	norm, err := a.grid.Normalize(order)
	if err != nil {
		metrics.SubmitTotal("rejected", "normalize")
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.quotes[norm.Symbol]
	if !ok || q.Mid <= 0 {
		metrics.SubmitTotal("rejected", "no_price")
		return "", fmt.Errorf("%w: no quote for %s", ErrRejected, norm.Symbol)
	}

	execPx, _ := a.slip.Apply(norm.Side, q.Mid, q.Scenario, q.SpreadBps)
	fee, maker, _ := a.fees.Assess(norm.Qty*q.Mid, q.Scenario)
	liq := model.LiquidityTaker
	if maker {
		liq = model.LiquidityMaker
	}
	fill := model.Fill{
		ClientOrderID: norm.ClientOrderID,
		Symbol:        norm.Symbol,
		Side:          norm.Side,
		Qty:           norm.Qty,
		ExecPrice:     execPx,
		Fee:           fee,
		Liquidity:     liq,
		TsMs:          q.TsMs, // sim clock, never wall-clock
	}
	a.pending = append(a.pending, fill)

	delta := norm.Qty
	if norm.Side == model.SideSell {
		delta = -delta
	}
	a.positions[norm.Symbol] += delta

	metrics.SubmitTotal("filled", "ok")
	metrics.ObserveSubmitLatency("filled", time.Since(start).Seconds())
	return norm.ClientOrderID, nil
}

// Cancel is a no-op for immediate fills; it exists to satisfy the
// uniform surface and still consumes a cancel token.
func (a *BacktestAdapter) Cancel(clientOrderID string) error {
	return a.limits.AllowCancel()
}

// FetchFills drains the pending fills in submission order.
func (a *BacktestAdapter) FetchFills() []model.Fill {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// Positions returns the signed net quantity per symbol.
func (a *BacktestAdapter) Positions() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.positions))
	for sym, qty := range a.positions {
		if qty != 0 {
			out[sym] = qty
		}
	}
	return out
}

// Close releases nothing; the backtest adapter holds no remote state.
func (a *BacktestAdapter) Close() error { return nil }
