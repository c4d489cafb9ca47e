// Package signal implements the per-symbol scoring/gating/confirmation
// state machine. Gating failures are ordinary confirm=false outcomes,
// never errors; only the emit-time contract check can fail.
package signal

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
)

// Core owns the shared run identity and sequence counter. Per-symbol
// state lives in SymbolCore; each symbol's stream is consumed by exactly
// one goroutine, so symbol state needs no locking.
type Core struct {
	signalCfg  config.SignalConfig
	fusionCfg  config.FusionConfig
	runID      string
	configHash string
	seq        atomic.Int64
}

// NewCore builds the signal core for one run. configHash is stamped on
// every emitted signal.
func NewCore(cfg *config.Config, runID string) *Core {
	return &Core{
		signalCfg:  cfg.Signal,
		fusionCfg:  cfg.Components.Fusion,
		runID:      runID,
		configHash: cfg.Hash(),
	}
}

// ForSymbol returns the sequential evaluator for one symbol.
func (c *Core) ForSymbol(symbol string) *SymbolCore {
	return &SymbolCore{core: c, symbol: symbol}
}

// SymbolCore is the bounded per-symbol state of the machine.
type SymbolCore struct {
	core   *Core
	symbol string

	seenRows           int
	lastEmitTs         int64 // ts_ms of the last admitted signal
	cooldownUntil      int64
	lastSideHint       model.Side
	lastAbsScore       float64
	consecutiveSameDir int
	warmupDone         bool
}

// Evaluate runs the fixed gate ladder over one feature row and returns
// exactly one signal, confirmed or not. The first failing check decides
// the code; later checks are skipped. ts_ms must advance monotonically.
func (s *SymbolCore) Evaluate(row model.FeatureRow) (model.Signal, error) {
	s.seenRows++
	cfg := &s.core.signalCfg
	fus := &s.core.fusionCfg

	sig := model.Signal{
		SchemaVersion: model.SchemaVersionSignalV2,
		TsMs:          row.TsMs,
		Symbol:        row.Symbol,
		RunID:         s.core.runID,
		Seq:           s.core.seq.Add(1),
		SideHint:      model.SideFlat,
		Regime:        regimeFor(row.Scenario2x2),
		ConfigHash:    s.core.configHash,
		ExpiryMs:      row.TsMs + cfg.ExpirySec*1000,
		CooldownMs:    int64(fus.AdaptiveCooldownK * float64(fus.ExpectedHoldSec) * 1000),
	}
	sig.SignalID = model.SignalID(s.core.runID, row.TsMs, sig.Seq, row.Symbol)

	reject := func(code model.DecisionCode, reason string) (model.Signal, error) {
		sig.Confirm = false
		sig.Gating = 0
		sig.DecisionCode = code
		sig.DecisionReason = truncReason(reason)
		metrics.SignalEmitted(false, string(code))
		return sig, nil
	}

	// 1. Warmup.
	if row.Warmup || (!s.warmupDone && s.seenRows < cfg.WarmupMin) {
		return reject(model.DecisionFailWarmup, fmt.Sprintf("warmup: seen=%d min=%d", s.seenRows, cfg.WarmupMin))
	}
	s.warmupDone = true

	// 2. Quality gates, fixed order: lag, spread, consistency.
	if row.LagSec > cfg.LagMaxSec {
		return reject(model.DecisionFailLag, fmt.Sprintf("lag_sec_exceeded: %.2f > %.2f", row.LagSec, cfg.LagMaxSec))
	}
	if row.SpreadBps > cfg.SpreadMaxBps {
		return reject(model.DecisionFailSpread, fmt.Sprintf("spread_bps_exceeded: %.2f > %.2f", row.SpreadBps, cfg.SpreadMaxBps))
	}
	if row.Consistency < cfg.ConsistencyMin {
		return reject(model.DecisionFailConsistency, fmt.Sprintf("low_consistency: %.2f < %.2f", row.Consistency, cfg.ConsistencyMin))
	}

	// 3. Fusion. A pure function of the row; no hidden state feeds it.
	score := fus.WOFI*row.ZOFI + fus.WCVD*row.ZCVD
	sig.Score = score

	// 4. Side proposal under the regime's threshold set.
	thr := cfg.Thresholds.Quiet
	if row.Scenario2x2.Active() {
		thr = cfg.Thresholds.Active
	}
	side := model.SideFlat
	switch {
	case score >= thr.Buy:
		side = model.SideBuy
	case score <= thr.Sell:
		side = model.SideSell
	}
	sig.SideHint = side

	// 5. Weak-signal filter.
	if abs(score) < cfg.WeakSignalThreshold {
		return reject(model.DecisionFailWeak, fmt.Sprintf("weak_signal: |%.3f| < %.3f", score, cfg.WeakSignalThreshold))
	}
	if side == model.SideFlat {
		return reject(model.DecisionFailGating, fmt.Sprintf("score %.3f inside entry thresholds [%.2f, %.2f]", score, thr.Sell, thr.Buy))
	}

	// 6. Dedupe against the last admitted signal in the same direction.
	if s.lastEmitTs > 0 && row.TsMs-s.lastEmitTs < cfg.DedupeMs && side == s.lastSideHint {
		return reject(model.DecisionFailDedupe, fmt.Sprintf("dedupe: %dms since last %s emit", row.TsMs-s.lastEmitTs, side))
	}

	// 7. Cooldown.
	if row.TsMs < s.cooldownUntil {
		return reject(model.DecisionFailCooldown, fmt.Sprintf("cooldown until %d", s.cooldownUntil))
	}

	// 8. Flip hysteresis: a direction change must beat the prior
	// conviction by the re-arm margin.
	if s.lastSideHint != "" && side != s.lastSideHint && abs(score) < s.lastAbsScore+fus.FlipRearmMargin {
		return reject(model.DecisionFailFlipRearm,
			fmt.Sprintf("flip %s->%s needs |score| >= %.3f", s.lastSideHint, side, s.lastAbsScore+fus.FlipRearmMargin))
	}

	// 9. Consecutive-same-dir. The proposal streak advances whether or
	// not this row confirms; a short streak emits confirm=false so the
	// sinks keep the full decision trail.
	if side == s.lastSideHint {
		s.consecutiveSameDir++
	} else {
		s.consecutiveSameDir = 1
	}
	s.lastSideHint = side
	s.lastAbsScore = abs(score)
	if s.consecutiveSameDir < cfg.MinConsecutiveSameDir {
		return reject(model.DecisionFailConsecutive,
			fmt.Sprintf("streak %d < %d", s.consecutiveSameDir, cfg.MinConsecutiveSameDir))
	}

	// 10. Admit.
	sig.Gating = 1
	sig.Confirm = true
	sig.DecisionCode = model.DecisionOK
	s.lastEmitTs = row.TsMs
	s.cooldownUntil = row.TsMs + sig.CooldownMs

	// Emit-time contract assertion, fail-fast.
	if err := sig.CheckContract(); err != nil {
		metrics.ContractViolation()
		log.Error().Err(err).Str("symbol", s.symbol).Int64("ts_ms", row.TsMs).Msg("contract violation at emit")
		return model.Signal{}, err
	}
	metrics.SignalEmitted(true, string(model.DecisionOK))
	return sig, nil
}

// regimeFor maps the 2x2 scenario onto the coarse signal regime.
func regimeFor(sc model.Scenario) model.Regime {
	switch sc {
	case model.ScenarioActiveHigh:
		return model.RegimeTrend
	case model.ScenarioQuietHigh:
		return model.RegimeRevert
	default:
		return model.RegimeQuiet
	}
}

func truncReason(r string) string {
	if len(r) > 128 {
		return r[:128]
	}
	return r
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
