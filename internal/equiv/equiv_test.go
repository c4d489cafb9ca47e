package equiv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/microflow/internal/adapter"
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/sim"
)

func equivConfig(dryRun bool) *config.Config {
	cfg := config.Default()
	// Reversal-driven stream: no profit exits so the paths differ only
	// if the pricing differs. Rate limits stay at shipped defaults; the
	// adapter buckets refill on tape time, so they must not throttle a
	// 40s-spaced stream no matter how fast the replay runs.
	cfg.Backtest.TakeProfitBps = 1e9
	cfg.Backtest.StopLossBps = 1e9
	cfg.Backtest.FeeModel = "maker_taker"
	cfg.Backtest.FeeMakerTaker.AccountingMode = "bernoulli"
	cfg.Backtest.FeeMakerTaker.BernoulliSeed = 42
	cfg.Adapter.DryRun = dryRun
	return cfg
}

// twentySignalStream alternates confirmed buy/sell signals on a
// drifting mid so every signal after the first reverses the position.
func twentySignalStream() []Event {
	base := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC).UnixMilli()
	var events []Event
	for i := 0; i < 20; i++ {
		ts := base + int64(i)*40_000
		mid := 100.0 + float64(i)*0.5
		t := sim.Tick{Symbol: "BTCUSDT", TsMs: ts, Mid: mid, SpreadBps: 2.0, Scenario: model.ScenarioActiveLow}
		side := model.SideBuy
		if i%2 == 1 {
			side = model.SideSell
		}
		sig := &model.Signal{
			SchemaVersion: model.SchemaVersionSignalV2,
			TsMs:          ts,
			Symbol:        "BTCUSDT",
			SignalID:      model.SignalID("run-equiv-000", ts, int64(i+1), "BTCUSDT"),
			RunID:         "run-equiv-000",
			Seq:           int64(i + 1),
			SideHint:      side,
			Score:         2.0,
			Gating:        1,
			Confirm:       true,
			DecisionCode:  model.DecisionOK,
			ExpiryMs:      ts + 10_000,
		}
		tick := t
		events = append(events,
			Event{Tick: &tick},
			Event{Signal: sig, FD: model.FeatureData{Scenario2x2: model.ScenarioActiveLow, SpreadBps: 2.0}},
		)
	}
	return events
}

func runHarness(t *testing.T, dryRun bool) *Report {
	t.Helper()
	cfg := equivConfig(dryRun)
	events := adapter.NewEventLog(t.TempDir(), "run-equiv-000")
	h, err := New(cfg, events)
	require.NoError(t, err)

	rep, err := h.Run(context.Background(), twentySignalStream())
	require.NoError(t, err)
	return rep
}

func TestHarness_BacktestAdapterPathEquivalent(t *testing.T) {
	rep := runHarness(t, false)

	require.True(t, rep.Equal, "first divergence: %+v", rep.FirstDivergence)
	// Entry, 19 reversals (close+open each), final forced close.
	assert.Equal(t, 40, rep.InternalFills)
	assert.Equal(t, 40, rep.AdapterFills)
	assert.InDelta(t, rep.InternalPnL, rep.AdapterPnL, 1e-8)
	assert.InDelta(t, rep.InternalFeeBps, rep.AdapterFeeBps, 1.0)
	for _, pos := range rep.Positions {
		assert.InDelta(t, pos.Internal, pos.Adapter, 1e-8)
	}
}

func TestHarness_TestnetDryRunPathEquivalent(t *testing.T) {
	rep := runHarness(t, true)
	require.True(t, rep.Equal, "first divergence: %+v", rep.FirstDivergence)
	assert.Equal(t, rep.InternalFills, rep.AdapterFills)
}

func TestHarness_DetectsPricingDivergence(t *testing.T) {
	// Hand-build a harness whose adapter path uses different slippage;
	// the report must name the first diverging fill.
	cfgA := equivConfig(false)
	cfgB := equivConfig(false)
	cfgB.Backtest.SlippageBps = 5.0

	internal, err := sim.NewExecutor(cfgA.Backtest, cfgA.Signal.GatingMode)
	require.NoError(t, err)
	mirrored, err := sim.NewExecutor(cfgA.Backtest, cfgA.Signal.GatingMode)
	require.NoError(t, err)
	broker, err := adapter.NewBacktestAdapter(cfgB.Adapter, cfgB.Backtest)
	require.NoError(t, err)
	mirrored.SetBroker(broker)

	h := &Harness{internal: internal, mirrored: mirrored, broker: broker, observer: broker}
	rep, err := h.Run(context.Background(), twentySignalStream())
	require.NoError(t, err)

	require.False(t, rep.Equal)
	require.NotNil(t, rep.FirstDivergence)
	assert.Equal(t, "fill_exec_price", rep.FirstDivergence.Field)
	assert.Equal(t, "BTCUSDT", rep.FirstDivergence.Symbol)
	assert.NotZero(t, rep.FirstDivergence.TsMs)
}

func TestHarness_FlagsPerFillFeeDivergence(t *testing.T) {
	// Identical pricing, adapter-side taker fee skewed by 0.05 bps: far
	// below the aggregate fee_bps tolerance, so only the per-fill check
	// can catch it, and it must name the first fill.
	cfgA := equivConfig(false)
	cfgA.Backtest.FeeModel = "taker_static"
	cfgB := equivConfig(false)
	cfgB.Backtest.FeeModel = "taker_static"
	cfgB.Backtest.TakerFeeBps += 0.05

	internal, err := sim.NewExecutor(cfgA.Backtest, cfgA.Signal.GatingMode)
	require.NoError(t, err)
	mirrored, err := sim.NewExecutor(cfgA.Backtest, cfgA.Signal.GatingMode)
	require.NoError(t, err)
	broker, err := adapter.NewBacktestAdapter(cfgB.Adapter, cfgB.Backtest)
	require.NoError(t, err)
	mirrored.SetBroker(broker)

	h := &Harness{internal: internal, mirrored: mirrored, broker: broker, observer: broker}
	rep, err := h.Run(context.Background(), twentySignalStream())
	require.NoError(t, err)

	require.False(t, rep.Equal)
	require.NotNil(t, rep.FirstDivergence)
	assert.Equal(t, "fill_fee", rep.FirstDivergence.Field)
	assert.Equal(t, 0, rep.FirstDivergence.FillIndex)
	assert.Greater(t, rep.FirstDivergence.Adapter, rep.FirstDivergence.Internal)
}

// tsShiftObserver feeds the broker ticks one millisecond late, leaving
// prices untouched.
type tsShiftObserver struct {
	broker *adapter.BacktestAdapter
}

func (o tsShiftObserver) OnTick(t sim.Tick) {
	t.TsMs++
	o.broker.OnTick(t)
}

func TestHarness_FlagsPerFillTimestampDivergence(t *testing.T) {
	cfg := equivConfig(false)
	internal, err := sim.NewExecutor(cfg.Backtest, cfg.Signal.GatingMode)
	require.NoError(t, err)
	mirrored, err := sim.NewExecutor(cfg.Backtest, cfg.Signal.GatingMode)
	require.NoError(t, err)
	broker, err := adapter.NewBacktestAdapter(cfg.Adapter, cfg.Backtest)
	require.NoError(t, err)
	mirrored.SetBroker(broker)

	h := &Harness{internal: internal, mirrored: mirrored, broker: broker, observer: tsShiftObserver{broker: broker}}
	rep, err := h.Run(context.Background(), twentySignalStream())
	require.NoError(t, err)

	require.False(t, rep.Equal)
	require.NotNil(t, rep.FirstDivergence)
	assert.Equal(t, "fill_ts", rep.FirstDivergence.Field)
	assert.Equal(t, 0, rep.FirstDivergence.FillIndex)
	assert.Equal(t, rep.FirstDivergence.Internal+1, rep.FirstDivergence.Adapter)
}

func TestHarness_ContractViolationAborts(t *testing.T) {
	cfg := equivConfig(false)
	events := adapter.NewEventLog(t.TempDir(), "run-equiv-000")
	h, err := New(cfg, events)
	require.NoError(t, err)

	bad := twentySignalStream()[:2]
	bad[1].Signal.Gating = 0 // confirm=true with gating=0

	_, err = h.Run(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrContractViolation)
}
