package sim

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/signal"
)

// Tick is one observation of the mid-price stream. The scenario and
// spread ride along so the exit-side cost models see the same context
// the aligner produced.
type Tick struct {
	Symbol    string
	TsMs      int64
	Mid       float64
	SpreadBps float64
	Scenario  model.Scenario
}

// Broker is the order surface the executor drives when it is not
// synthesizing fills itself. The backtest and testnet adapters implement
// it; fills must appear in FetchFills in submission order.
type Broker interface {
	Submit(order model.Order) (string, error)
	Cancel(clientOrderID string) error
	FetchFills() []model.Fill
	Positions() map[string]float64
	Close() error
}

// Stats summarizes a simulation for the manifest.
type Stats struct {
	Entries            int64   `json:"entries"`
	Exits              int64   `json:"exits"`
	SkippedGating      int64   `json:"skipped_gating"`
	SkippedExpired     int64   `json:"skipped_expired"`
	SkippedNoPrice     int64   `json:"skipped_no_price"`
	SkippedDuplicateTs int64   `json:"skipped_duplicate_ts"`
	ContractRejects    int64   `json:"contract_rejects"`
	RealizedPnL        float64 `json:"realized_pnl"`
	TotalFees          float64 `json:"total_fees"`
}

// posState is the executor-private position bookkeeping around the
// public Position record.
type posState struct {
	pos             model.Position
	entrySlipPerUnit float64
	entryMaker      bool
}

// Executor is the deterministic position/PnL engine. It is strictly
// single-threaded: events must arrive in ascending ts order, signals
// after the tick that carries their timestamp.
type Executor struct {
	cfg        config.BacktestConfig
	gatingMode config.GatingMode
	fees       *FeeModel
	slip       *SlippageModel
	roll       *Rollover
	broker     Broker // nil means synthesize fills internally
	normQty    func(qty, refPx float64) (float64, error)

	positions map[string]*posState
	lastTick  map[string]Tick
	actedTs   map[string]int64 // symbol -> last ts acted on, Top-1 guard
	trades    []model.Trade
	fills     []model.Fill
	stats     Stats
}

// NewExecutor builds the simulator for one run.
func NewExecutor(cfg config.BacktestConfig, gatingMode config.GatingMode) (*Executor, error) {
	roll, err := NewRollover(cfg.RolloverTimezone, cfg.RolloverHour)
	if err != nil {
		return nil, err
	}
	if cfg.IgnoreGatingInBacktest {
		gatingMode = config.GatingIgnoreAll
	}
	return &Executor{
		cfg:        cfg,
		gatingMode: gatingMode,
		fees:       NewFeeModel(cfg),
		slip:       NewSlippageModel(cfg),
		roll:       roll,
		positions:  make(map[string]*posState),
		lastTick:   make(map[string]Tick),
		actedTs:    make(map[string]int64),
	}, nil
}

// SetBroker routes entry/exit orders through a broker adapter instead of
// internal fill synthesis. Used by the equivalence harness.
func (e *Executor) SetBroker(b Broker) { e.broker = b }

// SetQtyNormalizer installs a venue-grid rounding step on entry sizing,
// so a simulator run stays fill-for-fill comparable with an adapter run
// that normalises to the same grid.
func (e *Executor) SetQtyNormalizer(fn func(qty, refPx float64) (float64, error)) { e.normQty = fn }

// OnTick advances the mid stream, evaluating the exit ladder for an open
// position. Priority, highest first: max-hold timeout, forced timeout,
// stop-loss (not gated by min hold), take-profit, then rollover close at
// the previous bar when the business date turned.
func (e *Executor) OnTick(t Tick) {
	prev, hadPrev := e.lastTick[t.Symbol]
	e.lastTick[t.Symbol] = t

	ps := e.positions[t.Symbol]
	if ps == nil {
		return
	}

	// Rollover: the day closed on the previous bar; stamp the close with
	// the last market timestamp, never wall-clock.
	if hadPrev && !e.roll.SameBusinessDay(prev.TsMs, t.TsMs) {
		e.closePosition(ps, prev, model.ExitRolloverClose, "")
		return
	}

	heldSec := (t.TsMs - ps.pos.EntryTsMs) / 1000
	pnlBps := ps.pos.UnrealizedBps(t.Mid)

	switch {
	case heldSec >= e.cfg.MaxHoldTimeSec:
		e.closePosition(ps, t, model.ExitTimeout, "")
	case e.cfg.ForceTimeoutExit && heldSec >= e.cfg.MinHoldTimeSec:
		e.closePosition(ps, t, model.ExitTimeout, "")
	case pnlBps <= -e.cfg.StopLossBps:
		e.closePosition(ps, t, model.ExitStopLoss, "")
	case pnlBps >= e.cfg.TakeProfitBps && heldSec >= e.cfg.MinHoldTimeSec:
		e.closePosition(ps, t, model.ExitTakeProfit, "")
	}
}

// OnSignal consumes one signal. Contract violations are errors and never
// recovered; everything else is an ordinary skip or an entry/reverse.
func (e *Executor) OnSignal(sig *model.Signal, fd model.FeatureData) error {
	if err := sig.CheckContract(); err != nil {
		e.stats.ContractRejects++
		metrics.ContractViolation()
		return err
	}
	if !signal.Allowed(sig, e.gatingMode) {
		e.stats.SkippedGating++
		return nil
	}

	t, ok := e.lastTick[sig.Symbol]
	if !ok || t.Mid <= 0 {
		e.stats.SkippedNoPrice++
		log.Debug().Str("symbol", sig.Symbol).Int64("ts_ms", sig.TsMs).Msg("no price for signal")
		return nil
	}
	if sig.TsMs > t.TsMs {
		// Signal from the future of the mid stream; treat as no price.
		e.stats.SkippedNoPrice++
		return nil
	}
	if t.TsMs > sig.ExpiryMs {
		e.stats.SkippedExpired++
		return nil
	}
	// At most one action per (symbol, ts_ms): Top-1 collisions upstream
	// decide which signal arrives first, later ones are dropped.
	if last, ok := e.actedTs[sig.Symbol]; ok && last == sig.TsMs {
		e.stats.SkippedDuplicateTs++
		return nil
	}

	ps := e.positions[sig.Symbol]
	switch {
	case ps == nil:
		e.actedTs[sig.Symbol] = sig.TsMs
		return e.openPosition(sig, fd, t)
	case ps.pos.Side == sig.SideHint:
		// Same-direction signal on an open position is a no-op.
		return nil
	default:
		// Reverse-signal exit: outside the deadband and past min hold.
		heldSec := (sig.TsMs - ps.pos.EntryTsMs) / 1000
		pnlBps := ps.pos.UnrealizedBps(t.Mid)
		if abs(pnlBps) > e.cfg.DeadbandBps && heldSec >= e.cfg.MinHoldTimeSec {
			e.actedTs[sig.Symbol] = sig.TsMs
			e.closePosition(ps, t, model.ExitReverseSignal, sig.SignalID)
			return e.openPosition(sig, fd, t)
		}
		return nil
	}
}

// openPosition enters sized notional_per_trade/mid.
func (e *Executor) openPosition(sig *model.Signal, fd model.FeatureData, t Tick) error {
	qty := e.cfg.NotionalPerTrade / t.Mid
	if e.normQty != nil {
		var err error
		qty, err = e.normQty(qty, t.Mid)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("entry sizing rejected by grid")
			return nil
		}
	}
	sc := fd.Scenario2x2
	if !sc.Valid() {
		sc = t.Scenario
	}
	spread := fd.SpreadBps
	if spread == 0 {
		spread = t.SpreadBps
	}

	fill, slipPerUnit, err := e.execute(sig.SignalID, sig.Symbol, sig.SideHint, qty, t, sc, spread)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("entry order rejected")
		return nil
	}
	if fill.Qty > 0 {
		qty = fill.Qty
	}

	prob := e.fees.MakerProbability(sc)
	e.positions[sig.Symbol] = &posState{
		pos: model.Position{
			Symbol:                sig.Symbol,
			Side:                  sig.SideHint,
			EntryTsMs:             t.TsMs,
			EntryPx:               t.Mid,
			Qty:                   qty,
			EntryFee:              fill.Fee,
			EntryNotional:         qty * t.Mid,
			EntryMakerProbability: prob,
			EntryScenario:         sc,
			EntrySignalID:         sig.SignalID,
		},
		entrySlipPerUnit: slipPerUnit,
		entryMaker:       fill.Liquidity == model.LiquidityMaker,
	}
	e.stats.Entries++
	return nil
}

// closePosition exits at the tick mid and stamps the trade record.
func (e *Executor) closePosition(ps *posState, t Tick, reason model.ExitReason, exitSignalID string) {
	fill, slipPerUnit, err := e.execute(
		exitOrderID(ps.pos.EntrySignalID), ps.pos.Symbol, ps.pos.Side.Opposite(), ps.pos.Qty, t, t.Scenario, t.SpreadBps)
	if err != nil {
		log.Warn().Err(err).Str("symbol", ps.pos.Symbol).Msg("exit order rejected; position held")
		return
	}

	pos := &ps.pos
	grossPnL := pos.SideSign() * (t.Mid - pos.EntryPx) * pos.Qty
	slipCost := (ps.entrySlipPerUnit + slipPerUnit) * pos.Qty
	netPnL := grossPnL - pos.EntryFee - fill.Fee - slipCost

	trade := model.Trade{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryTsMs:     pos.EntryTsMs,
		ExitTsMs:      t.TsMs,
		EntryPx:       pos.EntryPx,
		ExitPx:        t.Mid,
		Qty:           pos.Qty,
		EntryNotional: pos.EntryNotional,
		EntryFee:      pos.EntryFee,
		ExitFee:       fill.Fee,
		SlippageCost:  slipCost,
		GrossPnL:      grossPnL,
		NetPnL:        netPnL,
		PnLBps:        pos.UnrealizedBps(t.Mid),
		ExitReason:    reason,
		EntrySignalID: pos.EntrySignalID,
		ExitSignalID:  exitSignalID,
		EntryScenario: pos.EntryScenario,
		BusinessDate:  e.roll.BusinessDate(t.TsMs),
		HoldSec:       (t.TsMs - pos.EntryTsMs) / 1000,
		EntryMaker:    ps.entryMaker,
		ExitMaker:     fill.Liquidity == model.LiquidityMaker,
	}
	e.trades = append(e.trades, trade)
	e.stats.Exits++
	e.stats.RealizedPnL += netPnL
	e.stats.TotalFees += pos.EntryFee + fill.Fee
	delete(e.positions, pos.Symbol)
}

// execute produces one fill, through the broker when present, otherwise
// from the internal fee/slippage models. Both paths price identically
// given the same config and seed.
func (e *Executor) execute(orderID, symbol string, side model.Side, qty float64, t Tick, sc model.Scenario, spreadBps float64) (model.Fill, float64, error) {
	if e.broker != nil {
		order := model.Order{
			ClientOrderID: orderID,
			Symbol:        symbol,
			Side:          side,
			Qty:           qty,
			Price:         t.Mid, // reference mid for the backtest adapter
			OrderType:     model.OrderTypeMarket,
			TsMs:          t.TsMs,
		}
		if _, err := e.broker.Submit(order); err != nil {
			return model.Fill{}, 0, err
		}
		fills := e.broker.FetchFills()
		if len(fills) == 0 {
			return model.Fill{}, 0, fmt.Errorf("broker produced no fill for %s", orderID)
		}
		fill := fills[len(fills)-1]
		e.fills = append(e.fills, fill)
		// The adapter's grid may have trimmed the quantity; adopt it.
		slipPerUnit := fill.ExecPrice - t.Mid
		if side == model.SideSell {
			slipPerUnit = t.Mid - fill.ExecPrice
		}
		return fill, slipPerUnit, nil
	}

	execPx, slipPerUnit := e.slip.Apply(side, t.Mid, sc, spreadBps)
	fee, maker, _ := e.fees.Assess(qty*t.Mid, sc)
	liq := model.LiquidityTaker
	if maker {
		liq = model.LiquidityMaker
	}
	fill := model.Fill{
		ClientOrderID: orderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		ExecPrice:     execPx,
		Fee:           fee,
		Liquidity:     liq,
		TsMs:          t.TsMs,
	}
	e.fills = append(e.fills, fill)
	return fill, slipPerUnit, nil
}

// CloseAll force-closes every open position at its last observed mid,
// in symbol order for determinism.
func (e *Executor) CloseAll(reason model.ExitReason) {
	symbols := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		ps := e.positions[sym]
		t, ok := e.lastTick[sym]
		if !ok {
			delete(e.positions, sym)
			continue
		}
		e.closePosition(ps, t, reason, "")
	}
}

// Trades returns the closed trades in close order.
func (e *Executor) Trades() []model.Trade { return e.trades }

// Fills returns every fill in execution order.
func (e *Executor) Fills() []model.Fill { return e.fills }

// Positions returns the open net quantity per symbol, signed by side.
func (e *Executor) Positions() map[string]float64 {
	out := make(map[string]float64, len(e.positions))
	for sym, ps := range e.positions {
		out[sym] = ps.pos.SideSign() * ps.pos.Qty
	}
	return out
}

// StatsSnapshot returns the accumulated counters.
func (e *Executor) StatsSnapshot() Stats { return e.stats }

func exitOrderID(entrySignalID string) string {
	id := entrySignalID + "-x"
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
