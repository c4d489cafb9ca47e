package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
)

// testCore returns a core with gates opened wide enough that a single
// strong row confirms, so each test can close exactly one gate.
func testCore(mutate func(*config.Config)) *Core {
	cfg := config.Default()
	cfg.Signal.WarmupMin = 1
	cfg.Signal.DedupeMs = 0
	cfg.Signal.MinConsecutiveSameDir = 1
	cfg.Components.Fusion.AdaptiveCooldownK = 0
	if mutate != nil {
		mutate(cfg)
	}
	return NewCore(cfg, "test-run-0001")
}

// strongRow clears every quality gate and scores 0.6*3 + 0.4*3 = 3.0.
func strongRow(tsMs int64) model.FeatureRow {
	return model.FeatureRow{
		Symbol:      "BTCUSDT",
		TsMs:        tsMs,
		Mid:         100,
		SpreadBps:   2.0,
		ZOFI:        3.0,
		ZCVD:        3.0,
		Consistency: 1.0,
		Scenario2x2: model.ScenarioActiveLow,
	}
}

func TestSymbolCore_AdmitsStrongSignal(t *testing.T) {
	sc := testCore(nil).ForSymbol("BTCUSDT")
	sig, err := sc.Evaluate(strongRow(1_000_000))
	require.NoError(t, err)

	assert.True(t, sig.Confirm)
	assert.Equal(t, 1, sig.Gating)
	assert.Equal(t, model.DecisionOK, sig.DecisionCode)
	assert.Equal(t, model.SideBuy, sig.SideHint)
	assert.InDelta(t, 3.0, sig.Score, 1e-9)
	assert.Equal(t, model.SchemaVersionSignalV2, sig.SchemaVersion)
	assert.NotEmpty(t, sig.SignalID)
	assert.Equal(t, sig.TsMs+10_000, sig.ExpiryMs) // expiry_sec default 10
	require.NoError(t, sig.CheckContract())
}

func TestSymbolCore_WarmupRejects(t *testing.T) {
	sc := testCore(func(c *config.Config) { c.Signal.WarmupMin = 3 }).ForSymbol("BTCUSDT")

	for ts := int64(1_000_000); ts < 1_002_000; ts += 1000 {
		sig, err := sc.Evaluate(strongRow(ts))
		require.NoError(t, err)
		assert.False(t, sig.Confirm)
		assert.Equal(t, model.DecisionFailWarmup, sig.DecisionCode)
	}
	sig, err := sc.Evaluate(strongRow(1_002_000))
	require.NoError(t, err)
	assert.True(t, sig.Confirm)
}

func TestSymbolCore_QualityGateOrder(t *testing.T) {
	// A row failing every quality gate reports the first one: lag.
	sc := testCore(nil).ForSymbol("BTCUSDT")
	row := strongRow(1_000_000)
	row.LagSec = 99
	row.SpreadBps = 99
	row.Consistency = 0

	sig, err := sc.Evaluate(row)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionFailLag, sig.DecisionCode)
	assert.Contains(t, sig.DecisionReason, "lag_sec_exceeded")
}

func TestSymbolCore_SpreadAndConsistencyGates(t *testing.T) {
	sc := testCore(nil).ForSymbol("BTCUSDT")

	row := strongRow(1_000_000)
	row.SpreadBps = 99
	sig, err := sc.Evaluate(row)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionFailSpread, sig.DecisionCode)

	row = strongRow(1_001_000)
	row.Consistency = 0.1
	sig, err = sc.Evaluate(row)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionFailConsistency, sig.DecisionCode)
	assert.Contains(t, sig.DecisionReason, "low_consistency")
}

func TestSymbolCore_WeakSignalRejects(t *testing.T) {
	sc := testCore(nil).ForSymbol("BTCUSDT")
	row := strongRow(1_000_000)
	row.ZOFI, row.ZCVD = 0.5, 0.5 // score 0.5 < 0.8 threshold

	sig, err := sc.Evaluate(row)
	require.NoError(t, err)
	assert.False(t, sig.Confirm)
	assert.Equal(t, model.DecisionFailWeak, sig.DecisionCode)
	assert.Contains(t, sig.DecisionReason, "weak_signal")
}

func TestSymbolCore_DedupeSameDirection(t *testing.T) {
	sc := testCore(func(c *config.Config) { c.Signal.DedupeMs = 3000 }).ForSymbol("BTCUSDT")

	sig, err := sc.Evaluate(strongRow(1_000_000))
	require.NoError(t, err)
	require.True(t, sig.Confirm)

	// Same direction 1s later: deduped.
	sig, err = sc.Evaluate(strongRow(1_001_000))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionFailDedupe, sig.DecisionCode)

	// Past the window it confirms again.
	sig, err = sc.Evaluate(strongRow(1_004_000))
	require.NoError(t, err)
	assert.True(t, sig.Confirm)
}

func TestSymbolCore_CooldownAfterAdmit(t *testing.T) {
	sc := testCore(func(c *config.Config) {
		c.Components.Fusion.AdaptiveCooldownK = 1.0
		c.Components.Fusion.ExpectedHoldSec = 5 // cooldown 5000ms
	}).ForSymbol("BTCUSDT")

	sig, err := sc.Evaluate(strongRow(1_000_000))
	require.NoError(t, err)
	require.True(t, sig.Confirm)
	assert.Equal(t, int64(5000), sig.CooldownMs)

	// Opposite direction inside the cooldown window so dedupe does not
	// fire first.
	row := strongRow(1_004_000)
	row.ZOFI, row.ZCVD = -6.0, -6.0
	sig, err = sc.Evaluate(row)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionFailCooldown, sig.DecisionCode)
}

func TestSymbolCore_FlipRearmMargin(t *testing.T) {
	sc := testCore(func(c *config.Config) {
		c.Components.Fusion.FlipRearmMargin = 1.0
	}).ForSymbol("BTCUSDT")

	sig, err := sc.Evaluate(strongRow(1_000_000)) // |score| 3.0, buy
	require.NoError(t, err)
	require.True(t, sig.Confirm)

	// Sell at |score| 3.2 < 3.0 + 1.0: blocked by hysteresis.
	row := strongRow(1_010_000)
	row.ZOFI, row.ZCVD = -3.2, -3.2
	sig, err = sc.Evaluate(row)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionFailFlipRearm, sig.DecisionCode)

	// Sell at |score| 4.5 beats the margin.
	row = strongRow(1_020_000)
	row.ZOFI, row.ZCVD = -4.5, -4.5
	sig, err = sc.Evaluate(row)
	require.NoError(t, err)
	assert.True(t, sig.Confirm)
	assert.Equal(t, model.SideSell, sig.SideHint)
}

func TestSymbolCore_ConsecutiveStreakEmitsUnconfirmed(t *testing.T) {
	sc := testCore(func(c *config.Config) {
		c.Signal.MinConsecutiveSameDir = 2
	}).ForSymbol("BTCUSDT")

	// First buy proposal: streak 1 of 2, emitted unconfirmed.
	sig, err := sc.Evaluate(strongRow(1_000_000))
	require.NoError(t, err)
	assert.False(t, sig.Confirm)
	assert.Equal(t, model.DecisionFailConsecutive, sig.DecisionCode)
	assert.Equal(t, 0, sig.Gating)

	// Second consecutive buy confirms.
	sig, err = sc.Evaluate(strongRow(1_001_000))
	require.NoError(t, err)
	assert.True(t, sig.Confirm)
}

func TestCore_SequenceIsGlobalAcrossSymbols(t *testing.T) {
	core := testCore(nil)
	a, b := core.ForSymbol("BTCUSDT"), core.ForSymbol("ETHUSDT")

	s1, err := a.Evaluate(strongRow(1_000_000))
	require.NoError(t, err)
	row := strongRow(1_000_000)
	row.Symbol = "ETHUSDT"
	s2, err := b.Evaluate(row)
	require.NoError(t, err)

	assert.NotEqual(t, s1.Seq, s2.Seq)
	assert.NotEqual(t, s1.SignalID, s2.SignalID)
	assert.Equal(t, s1.ConfigHash, s2.ConfigHash)
}

func TestRegimeFor(t *testing.T) {
	assert.Equal(t, model.RegimeTrend, regimeFor(model.ScenarioActiveHigh))
	assert.Equal(t, model.RegimeRevert, regimeFor(model.ScenarioQuietHigh))
	assert.Equal(t, model.RegimeQuiet, regimeFor(model.ScenarioActiveLow))
	assert.Equal(t, model.RegimeQuiet, regimeFor(model.ScenarioQuietLow))
}
