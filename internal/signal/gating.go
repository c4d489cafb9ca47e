package signal

import (
	"strings"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
)

// Gating reasons are partitioned for the executor's benefit. The mode
// knob relaxes only what the executor may act on; the signal core always
// stamps the real outcome into the record.
var (
	// softReasons may be overridden by gating_mode=ignore_soft.
	softReasons = map[string]bool{
		"weak_signal":     true,
		"low_consistency": true,
	}

	// hardAlwaysBlock can never be overridden, not even by ignore_all.
	hardAlwaysBlock = map[string]bool{
		"fallback":            true,
		"price_cache_failed":  true,
		"no_price":            true,
		"spread_bps_exceeded": true,
		"lag_sec_exceeded":    true,
		"kill_switch":         true,
		"guarded":             true,
	}
)

// reasonTag extracts the machine tag from a decision reason, which the
// core writes as "tag: detail".
func reasonTag(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}

// Allowed reports whether the executor may act on sig under mode. It
// never loosens the hard contract: a confirm=true signal that fails
// CheckContract is a violation regardless of mode.
func Allowed(sig *model.Signal, mode config.GatingMode) bool {
	if sig.Actionable() {
		return true
	}
	if sig.SideHint != model.SideBuy && sig.SideHint != model.SideSell {
		return false
	}
	tag := reasonTag(sig.DecisionReason)
	if hardAlwaysBlock[tag] {
		return false
	}
	switch mode {
	case config.GatingIgnoreAll:
		return true
	case config.GatingIgnoreSoft:
		return softReasons[tag]
	default:
		return false
	}
}
