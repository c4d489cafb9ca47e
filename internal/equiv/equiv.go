// Package equiv proves that the internal fill synthesizer and the
// broker-adapter path price a run identically. The harness replays one
// event stream through both and reports the first divergence.
package equiv

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/adapter"
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/sim"
)

const (
	fillTolerance   = 1e-8 // qty and exec price, absolute
	feeBpsTolerance = 1.0  // effective fee rate, bps
)

// Event is one element of the replayed stream: either a tick or a
// signal carrying its scenario payload.
type Event struct {
	Tick   *sim.Tick
	Signal *model.Signal
	FD     model.FeatureData
}

// Divergence names the first mismatch between the two paths.
type Divergence struct {
	Field     string  `json:"field"`
	Symbol    string  `json:"symbol"`
	TsMs      int64   `json:"ts_ms"`
	FillIndex int     `json:"fill_index,omitempty"`
	Internal  float64 `json:"internal"`
	Adapter   float64 `json:"adapter"`
}

// Report is the harness verdict.
type Report struct {
	Equal            bool          `json:"equal"`
	InternalFills    int           `json:"internal_fills"`
	AdapterFills     int           `json:"adapter_fills"`
	InternalPnL      float64       `json:"internal_pnl"`
	AdapterPnL       float64       `json:"adapter_pnl"`
	InternalFeeBps   float64       `json:"internal_fee_bps"`
	AdapterFeeBps    float64       `json:"adapter_fee_bps"`
	Positions        []PositionRow `json:"positions"`
	FirstDivergence  *Divergence   `json:"first_divergence,omitempty"`
	ContractRejects  int64         `json:"contract_rejects"`
	DuplicateSkipped int64         `json:"duplicate_skipped"`
}

// PositionRow is one terminal position comparison line.
type PositionRow struct {
	Symbol   string  `json:"symbol"`
	Internal float64 `json:"internal"`
	Adapter  float64 `json:"adapter"`
}

// tickObserver is the quote-cache hook both adapters expose.
type tickObserver interface {
	OnTick(sim.Tick)
}

// Harness drives the two executors in lockstep.
type Harness struct {
	internal *sim.Executor
	mirrored *sim.Executor
	broker   sim.Broker
	observer tickObserver
}

// New builds the harness. The broker side uses the dry-run testnet
// adapter when acfg.DryRun is set, otherwise the backtest adapter; the
// internal side installs the same venue grid so entry sizing matches
// fill for fill.
func New(cfg *config.Config, events *adapter.EventLog) (*Harness, error) {
	internal, err := sim.NewExecutor(cfg.Backtest, cfg.Signal.GatingMode)
	if err != nil {
		return nil, err
	}
	mirrored, err := sim.NewExecutor(cfg.Backtest, cfg.Signal.GatingMode)
	if err != nil {
		return nil, err
	}

	grid, err := adapter.NewGrid(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	internal.SetQtyNormalizer(func(qty, refPx float64) (float64, error) {
		norm, err := grid.Normalize(model.Order{Qty: qty, Price: refPx})
		if err != nil {
			return 0, err
		}
		return norm.Qty, nil
	})

	var broker sim.Broker
	var observer tickObserver
	if cfg.Adapter.DryRun {
		tn, err := adapter.NewTestnetAdapter(cfg.Adapter, cfg.Backtest, events)
		if err != nil {
			return nil, err
		}
		broker, observer = tn, tn
	} else {
		bt, err := adapter.NewBacktestAdapter(cfg.Adapter, cfg.Backtest)
		if err != nil {
			return nil, err
		}
		broker, observer = bt, bt
	}
	mirrored.SetBroker(broker)

	return &Harness{internal: internal, mirrored: mirrored, broker: broker, observer: observer}, nil
}

// Run replays the stream through both paths and compares outcomes.
// Signal-path errors (contract violations) abort the run on either side.
func (h *Harness) Run(ctx context.Context, events []Event) (*Report, error) {
	defer h.broker.Close()

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case ev.Tick != nil:
			h.observer.OnTick(*ev.Tick)
			h.internal.OnTick(*ev.Tick)
			h.mirrored.OnTick(*ev.Tick)
		case ev.Signal != nil:
			if err := h.internal.OnSignal(ev.Signal, ev.FD); err != nil {
				return nil, fmt.Errorf("internal path event %d: %w", i, err)
			}
			if err := h.mirrored.OnSignal(ev.Signal, ev.FD); err != nil {
				return nil, fmt.Errorf("adapter path event %d: %w", i, err)
			}
		}
	}
	h.internal.CloseAll(model.ExitTimeout)
	h.mirrored.CloseAll(model.ExitTimeout)

	return h.compare(), nil
}

// compare builds the report; the first mismatch wins.
func (h *Harness) compare() *Report {
	intFills, adpFills := h.internal.Fills(), h.mirrored.Fills()
	intStats, adpStats := h.internal.StatsSnapshot(), h.mirrored.StatsSnapshot()

	rep := &Report{
		Equal:            true,
		InternalFills:    len(intFills),
		AdapterFills:     len(adpFills),
		InternalPnL:      intStats.RealizedPnL,
		AdapterPnL:       adpStats.RealizedPnL,
		InternalFeeBps:   feeBps(h.internal.Trades()),
		AdapterFeeBps:    feeBps(h.mirrored.Trades()),
		ContractRejects:  intStats.ContractRejects,
		DuplicateSkipped: intStats.SkippedDuplicateTs,
	}

	if len(intFills) != len(adpFills) {
		rep.flag(Divergence{Field: "fill_count", Internal: float64(len(intFills)), Adapter: float64(len(adpFills))})
	}
	n := len(intFills)
	if len(adpFills) < n {
		n = len(adpFills)
	}
	for i := 0; i < n; i++ {
		a, b := intFills[i], adpFills[i]
		if a.Symbol != b.Symbol || a.Side != b.Side {
			rep.flag(Divergence{Field: "fill_identity", Symbol: a.Symbol, TsMs: a.TsMs, FillIndex: i})
			continue
		}
		if math.Abs(a.Qty-b.Qty) > fillTolerance {
			rep.flag(Divergence{Field: "fill_qty", Symbol: a.Symbol, TsMs: a.TsMs, FillIndex: i, Internal: a.Qty, Adapter: b.Qty})
		}
		if math.Abs(a.ExecPrice-b.ExecPrice) > fillTolerance {
			rep.flag(Divergence{Field: "fill_exec_price", Symbol: a.Symbol, TsMs: a.TsMs, FillIndex: i, Internal: a.ExecPrice, Adapter: b.ExecPrice})
		}
		if math.Abs(a.Fee-b.Fee) > fillTolerance {
			rep.flag(Divergence{Field: "fill_fee", Symbol: a.Symbol, TsMs: a.TsMs, FillIndex: i, Internal: a.Fee, Adapter: b.Fee})
		}
		if a.TsMs != b.TsMs {
			rep.flag(Divergence{Field: "fill_ts", Symbol: a.Symbol, TsMs: a.TsMs, FillIndex: i, Internal: float64(a.TsMs), Adapter: float64(b.TsMs)})
		}
		if a.Liquidity != b.Liquidity {
			rep.flag(Divergence{Field: "fill_liquidity", Symbol: a.Symbol, TsMs: a.TsMs, FillIndex: i})
		}
	}

	intPos, adpPos := h.internal.Positions(), h.mirrored.Positions()
	for _, sym := range unionKeys(intPos, adpPos) {
		row := PositionRow{Symbol: sym, Internal: intPos[sym], Adapter: adpPos[sym]}
		rep.Positions = append(rep.Positions, row)
		if math.Abs(row.Internal-row.Adapter) > fillTolerance {
			rep.flag(Divergence{Field: "terminal_position", Symbol: sym, Internal: row.Internal, Adapter: row.Adapter})
		}
	}

	if math.Abs(rep.InternalFeeBps-rep.AdapterFeeBps) > feeBpsTolerance {
		rep.flag(Divergence{Field: "fee_bps", Internal: rep.InternalFeeBps, Adapter: rep.AdapterFeeBps})
	}
	if math.Abs(rep.InternalPnL-rep.AdapterPnL) > fillTolerance {
		rep.flag(Divergence{Field: "realized_pnl", Internal: rep.InternalPnL, Adapter: rep.AdapterPnL})
	}

	if !rep.Equal {
		log.Warn().
			Str("field", rep.FirstDivergence.Field).
			Str("symbol", rep.FirstDivergence.Symbol).
			Int64("ts_ms", rep.FirstDivergence.TsMs).
			Msg("equivalence check failed")
	}
	return rep
}

func (r *Report) flag(d Divergence) {
	r.Equal = false
	if r.FirstDivergence == nil {
		r.FirstDivergence = &d
	}
}

// feeBps is total fees over total entry notional, in bps.
func feeBps(trades []model.Trade) float64 {
	var fees, notional float64
	for _, t := range trades {
		fees += t.EntryFee + t.ExitFee
		notional += t.EntryNotional
	}
	if notional == 0 {
		return 0
	}
	return fees / notional * 1e4
}

func unionKeys(a, b map[string]float64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
