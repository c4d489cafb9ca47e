package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
)

func rejected(reason string) *model.Signal {
	return &model.Signal{
		Symbol:         "BTCUSDT",
		SideHint:       model.SideBuy,
		Confirm:        false,
		DecisionCode:   model.DecisionFailWeak,
		DecisionReason: reason,
	}
}

func TestAllowed_StrictRequiresActionable(t *testing.T) {
	sig := rejected("weak_signal: |0.5| < 0.8")
	assert.False(t, Allowed(sig, config.GatingStrict))

	confirmed := &model.Signal{
		SideHint: model.SideBuy, Confirm: true, Gating: 1, DecisionCode: model.DecisionOK,
	}
	assert.True(t, Allowed(confirmed, config.GatingStrict))
}

func TestAllowed_IgnoreSoftAdmitsSoftRejectsOnly(t *testing.T) {
	assert.True(t, Allowed(rejected("weak_signal: |0.5| < 0.8"), config.GatingIgnoreSoft))
	assert.True(t, Allowed(rejected("low_consistency: 0.4 < 0.6"), config.GatingIgnoreSoft))
	assert.False(t, Allowed(rejected("cooldown until 1005000"), config.GatingIgnoreSoft))
	assert.False(t, Allowed(rejected("spread_bps_exceeded: 99 > 12"), config.GatingIgnoreSoft))
}

func TestAllowed_IgnoreAllStillBlocksHardReasons(t *testing.T) {
	assert.True(t, Allowed(rejected("cooldown until 1005000"), config.GatingIgnoreAll))
	assert.True(t, Allowed(rejected("dedupe: 800ms since last buy emit"), config.GatingIgnoreAll))

	for _, hard := range []string{
		"spread_bps_exceeded: 99 > 12",
		"lag_sec_exceeded: 9 > 3",
		"no_price",
		"kill_switch",
	} {
		assert.False(t, Allowed(rejected(hard), config.GatingIgnoreAll), hard)
	}
}

func TestAllowed_FlatSideNeverActs(t *testing.T) {
	sig := rejected("weak_signal: |0.1| < 0.8")
	sig.SideHint = model.SideFlat
	assert.False(t, Allowed(sig, config.GatingIgnoreAll))
}
