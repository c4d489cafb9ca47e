package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/microflow/internal/model"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	c := Default()
	c.Signal.ConsistencyMin = 1.5
	c.Backtest.RolloverHour = 25
	c.Sink.BatchSize = 0

	err := c.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfigInvalid)
	// All three violations reported in one pass.
	assert.Contains(t, err.Error(), "consistency_min")
	assert.Contains(t, err.Error(), "rollover_hour")
	assert.Contains(t, err.Error(), "batch_size")
}

func TestValidate_BadTimezone(t *testing.T) {
	c := Default()
	c.Backtest.RolloverTimezone = "Mars/Olympus"
	err := c.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfigInvalid)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"signal:\n  weak_signal_threshold: 1.25\nbacktest:\n  stop_loss_bps: 20\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1.25, c.Signal.WeakSignalThreshold)
	assert.Equal(t, 20.0, c.Backtest.StopLossBps)
	// Untouched keys keep defaults.
	assert.Equal(t, Default().Signal.DedupeMs, c.Signal.DedupeMs)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("V13_SINK", "jsonl")
	t.Setenv("V13_OUTPUT_DIR", "/tmp/alt-out")
	t.Setenv("ROLLOVER_TZ", "America/New_York")
	t.Setenv("ROLLOVER_HOUR", "17")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, SinkKind("jsonl"), c.Sink.Kind)
	assert.Equal(t, "/tmp/alt-out", c.Sink.OutputDir)
	assert.Equal(t, "America/New_York", c.Backtest.RolloverTimezone)
	assert.Equal(t, 17, c.Backtest.RolloverHour)
}

func TestHash_StableAndSensitive(t *testing.T) {
	a, b := Default(), Default()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 12)

	b.Signal.WeakSignalThreshold = 0.9
	assert.NotEqual(t, a.Hash(), b.Hash())
}
