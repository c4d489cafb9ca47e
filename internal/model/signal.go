package model

import (
	"fmt"
	"strconv"
)

// SchemaVersionSignalV2 tags every emitted signal record.
const SchemaVersionSignalV2 = "signal/v2"

// Side is the proposed trade direction of a signal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideFlat Side = "flat"
)

// Opposite returns the reverse direction; flat reverses to flat.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideFlat
}

// Regime is the coarse signal-generation mode, distinct from Scenario.
type Regime string

const (
	RegimeTrend  Regime = "trend"
	RegimeRevert Regime = "revert"
	RegimeQuiet  Regime = "quiet"
)

// DecisionCode is the categorical reason for the terminal confirm/reject
// decision. DecisionOK iff confirm=true.
type DecisionCode string

const (
	DecisionOK              DecisionCode = "OK"
	DecisionFailGating      DecisionCode = "FAIL_GATING"
	DecisionFailCooldown    DecisionCode = "FAIL_COOLDOWN"
	DecisionFailExpired     DecisionCode = "FAIL_EXPIRED"
	DecisionFailWarmup      DecisionCode = "FAIL_WARMUP"
	DecisionFailSpread      DecisionCode = "FAIL_SPREAD"
	DecisionFailLag         DecisionCode = "FAIL_LAG"
	DecisionFailConsistency DecisionCode = "FAIL_CONSISTENCY"
	DecisionFailWeak        DecisionCode = "FAIL_WEAK"
	DecisionFailDedupe      DecisionCode = "FAIL_DEDUPE"
	DecisionFailFlipRearm   DecisionCode = "FAIL_FLIP_REARM"
	DecisionFailConsecutive DecisionCode = "FAIL_CONSECUTIVE"
)

// Signal is the v2 decision record emitted by the signal core for every
// feature row, confirmed or not. Field order is the canonical JSONL key
// order; do not reorder.
type Signal struct {
	SchemaVersion  string         `json:"schema_version" db:"schema_version"`
	TsMs           int64          `json:"ts_ms" db:"ts_ms"`
	Symbol         string         `json:"symbol" db:"symbol"`
	SignalID       string         `json:"signal_id" db:"signal_id"`
	RunID          string         `json:"run_id" db:"run_id"`
	Seq            int64          `json:"seq" db:"seq"`
	SideHint       Side           `json:"side_hint" db:"side_hint"`
	Score          float64        `json:"score" db:"score"`
	Regime         Regime         `json:"regime" db:"regime"`
	DivType        string         `json:"div_type" db:"div_type"`
	Gating         int            `json:"gating" db:"gating"`
	Confirm        bool           `json:"confirm" db:"confirm"`
	CooldownMs     int64          `json:"cooldown_ms" db:"cooldown_ms"`
	ExpiryMs       int64          `json:"expiry_ms" db:"expiry_ms"`
	DecisionCode   DecisionCode   `json:"decision_code" db:"decision_code"`
	DecisionReason string         `json:"decision_reason" db:"decision_reason"`
	ConfigHash     string         `json:"config_hash" db:"config_hash"`
	Meta           map[string]any `json:"meta,omitempty" db:"-"`
}

// AbsScore is |Score|, the confidence magnitude used by the Top-1 rule.
func (s *Signal) AbsScore() float64 {
	if s.Score < 0 {
		return -s.Score
	}
	return s.Score
}

// Actionable reports whether an executor may act on this signal at all.
// Gating-mode relaxation happens downstream; this is the hard floor.
func (s *Signal) Actionable() bool {
	return s.Confirm && s.Gating == 1 && s.DecisionCode == DecisionOK &&
		(s.SideHint == SideBuy || s.SideHint == SideSell)
}

// CheckContract enforces the hard contract: confirm=true implies gating=1,
// decision_code=OK and a directional side hint. A violating signal must
// never reach an executor.
func (s *Signal) CheckContract() error {
	if !s.Confirm {
		return nil
	}
	if s.Gating != 1 {
		return fmt.Errorf("%w: %s@%d confirm=true with gating=%d", ErrContractViolation, s.Symbol, s.TsMs, s.Gating)
	}
	if s.DecisionCode != DecisionOK {
		return fmt.Errorf("%w: %s@%d confirm=true with decision_code=%s", ErrContractViolation, s.Symbol, s.TsMs, s.DecisionCode)
	}
	if s.SideHint != SideBuy && s.SideHint != SideSell {
		return fmt.Errorf("%w: %s@%d confirm=true with side_hint=%s", ErrContractViolation, s.Symbol, s.TsMs, s.SideHint)
	}
	return nil
}

// SignalID derives the deterministic id for a signal:
// trunc36(run_id[:10] + "-" + ts_ms%1e6 + "-" + seq%100 + "-" + symbol[-4:]).
func SignalID(runID string, tsMs, seq int64, symbol string) string {
	rid := runID
	if len(rid) > 10 {
		rid = rid[:10]
	}
	sym := symbol
	if len(sym) > 4 {
		sym = sym[len(sym)-4:]
	}
	id := rid + "-" + strconv.FormatInt(tsMs%1_000_000, 10) + "-" + strconv.FormatInt(seq%100, 10) + "-" + sym
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}
