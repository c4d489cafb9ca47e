package feeder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/signal"
)

func feederCore() *signal.Core {
	cfg := config.Default()
	cfg.Signal.WarmupMin = 1
	cfg.Signal.DedupeMs = 0
	cfg.Components.Fusion.AdaptiveCooldownK = 0
	return signal.NewCore(cfg, "run-feeder-01")
}

func TestSimClock_AdvanceIsMonotone(t *testing.T) {
	c := &SimClock{}
	c.Advance(1000)
	c.Advance(500) // regressions ignored
	assert.Equal(t, int64(1000), c.NowMs())
	c.Advance(2000)
	assert.Equal(t, int64(2000), c.NowMs())
}

func TestFeeder_AttachesFeatureData(t *testing.T) {
	fd := New(feederCore(), &SimClock{}, false)

	row := model.FeatureRow{
		Symbol:      "BTCUSDT",
		TsMs:        time.Date(2024, time.June, 10, 14, 30, 0, 0, time.UTC).UnixMilli(),
		Mid:         100,
		SpreadBps:   2.5,
		ZOFI:        3.0,
		ZCVD:        3.0,
		Return1s:    4.0,
		Consistency: 1.0,
		Scenario2x2: model.ScenarioActiveHigh,
	}

	var got model.Signal
	require.NoError(t, fd.Feed(row, func(sig model.Signal, _ model.FeatureRow) error {
		got = sig
		return nil
	}))

	payload := FeatureDataOf(&got)
	assert.Equal(t, 2.5, payload.SpreadBps)
	assert.Equal(t, model.ScenarioActiveHigh, payload.Scenario2x2)
	assert.Equal(t, 4.0, payload.Return1s)
	assert.Equal(t, "us", payload.Session) // 14:30 UTC
	assert.Equal(t, row.TsMs, fd.clock.NowMs())
}

func TestFeatureDataOf_SurvivesJSONRoundTrip(t *testing.T) {
	// Signals read back off a sink carry meta as map[string]any.
	sig := &model.Signal{Meta: map[string]any{
		model.MetaFeatureData: map[string]any{
			"spread_bps": 3.5, "scenario_2x2": "Q_H", "session": "eu",
		},
	}}
	payload := FeatureDataOf(sig)
	assert.Equal(t, 3.5, payload.SpreadBps)
	assert.Equal(t, model.ScenarioQuietHigh, payload.Scenario2x2)
	assert.Equal(t, "eu", payload.Session)

	assert.Zero(t, FeatureDataOf(&model.Signal{}))
}

func TestSessionFor(t *testing.T) {
	at := func(h int) int64 {
		return time.Date(2024, time.June, 10, h, 0, 0, 0, time.UTC).UnixMilli()
	}
	assert.Equal(t, "asia", sessionFor(at(3)))
	assert.Equal(t, "eu", sessionFor(at(9)))
	assert.Equal(t, "us", sessionFor(at(15)))
	assert.Equal(t, "asia", sessionFor(at(22)))
}

func TestFeeder_ReplayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.jsonl")
	var lines []byte
	base := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < 5; i++ {
		// Legacy field names on purpose; the replay path normalizes them.
		lines = append(lines, []byte(fmt.Sprintf(
			`{"symbol":"BTCUSDT","ts_ms":%d,"mid":100,"spread_bps":2,"ofi_z":3,"cvd_z":3,"consistency":1,"scenario_2x2":"A_L"}`+"\n",
			base+int64(i)*1000))...)
	}
	lines = append(lines, []byte("{corrupt\n")...) // dropped, not fatal
	require.NoError(t, os.WriteFile(path, lines, 0o644))

	fd := New(feederCore(), &SimClock{}, false)
	var sigs []model.Signal
	err := fd.ReplayFile(context.Background(), path, func(sig model.Signal, _ model.FeatureRow) error {
		sigs = append(sigs, sig)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, sigs, 5)
	stats := fd.StatsSnapshot()
	assert.Equal(t, int64(5), stats.RowsFed)
	assert.Equal(t, int64(5), stats.SignalsEmitted)
	assert.GreaterOrEqual(t, stats.Confirmed, int64(1))
}

func TestEffectiveParams_FlattensEveryKnob(t *testing.T) {
	params, err := EffectiveParams(config.Default())
	require.NoError(t, err)
	require.Contains(t, params, "signal")
	require.Contains(t, params, "backtest")
	sig, ok := params["signal"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.8, sig["weak_signal_threshold"])
}
