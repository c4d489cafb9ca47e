// Package feeder drives the signal core from recorded feature tapes or
// a live feature stream, attaching the scenario context downstream cost
// models consume and recording the run's effective parameters.
package feeder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/align"
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/signal"
)

// Clock is the time source downstream executors consult. During backtest
// runs the sim clock is the only clock anywhere in the pipeline, which
// is what makes backtest/dry-run equivalence achievable.
type Clock interface {
	NowMs() int64
}

// SimClock is a monotonic counter fed by the stream.
type SimClock struct {
	nowMs atomic.Int64
}

// NowMs returns the last advanced stream time.
func (c *SimClock) NowMs() int64 { return c.nowMs.Load() }

// Advance moves the clock forward; regressions are ignored.
func (c *SimClock) Advance(tsMs int64) {
	for {
		cur := c.nowMs.Load()
		if tsMs <= cur || c.nowMs.CompareAndSwap(cur, tsMs) {
			return
		}
	}
}

// WallClock is the live-mode clock.
type WallClock struct{}

// NowMs returns wall time in UTC milliseconds.
func (WallClock) NowMs() int64 { return time.Now().UnixMilli() }

// Stats carries feeder counters into the run manifest.
type Stats struct {
	RowsFed        int64 `json:"rows_fed"`
	SignalsEmitted int64 `json:"signals_emitted"`
	Confirmed      int64 `json:"confirmed"`
}

// Emit receives each signal together with the row it came from.
type Emit func(sig model.Signal, row model.FeatureRow) error

// Feeder replays feature rows into per-symbol signal cores.
type Feeder struct {
	core  *signal.Core
	clock *SimClock
	pace  bool // sleep to stream pace (live-like replay)

	cores map[string]*signal.SymbolCore
	stats Stats
}

// New builds a feeder over the run's signal core. pace replays at
// stream pace instead of as-fast-as-possible.
func New(core *signal.Core, clock *SimClock, pace bool) *Feeder {
	return &Feeder{
		core:  core,
		clock: clock,
		pace:  pace,
		cores: make(map[string]*signal.SymbolCore),
	}
}

// Feed evaluates one normalized row and emits the resulting signal with
// the scenario payload attached.
func (f *Feeder) Feed(row model.FeatureRow, emit Emit) error {
	sc, ok := f.cores[row.Symbol]
	if !ok {
		sc = f.core.ForSymbol(row.Symbol)
		f.cores[row.Symbol] = sc
	}
	f.clock.Advance(row.TsMs)
	f.stats.RowsFed++

	sig, err := sc.Evaluate(row)
	if err != nil {
		return err
	}
	attachFeatureData(&sig, &row)
	f.stats.SignalsEmitted++
	if sig.Confirm {
		f.stats.Confirmed++
	}
	return emit(sig, row)
}

// ReplayFile streams a recorded feature tape (JSONL, legacy field names
// accepted) through the core.
func (f *Feeder) ReplayFile(ctx context.Context, path string, emit Emit) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open feature tape: %w", err)
	}
	defer file.Close()

	var lastTs int64
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		row, err := align.NormalizeRecord(sc.Bytes())
		if err != nil {
			log.Debug().Err(err).Str("tape", path).Msg("dropping corrupt tape row")
			continue
		}
		if f.pace && lastTs > 0 && row.TsMs > lastTs {
			time.Sleep(time.Duration(row.TsMs-lastTs) * time.Millisecond)
		}
		lastTs = row.TsMs
		if err := f.Feed(row, emit); err != nil {
			return err
		}
	}
	return sc.Err()
}

// StatsSnapshot returns the counters accumulated so far.
func (f *Feeder) StatsSnapshot() Stats { return f.stats }

// attachFeatureData rides the full scenario context on the signal.
func attachFeatureData(sig *model.Signal, row *model.FeatureRow) {
	if sig.Meta == nil {
		sig.Meta = make(map[string]any, 1)
	}
	sig.Meta[model.MetaFeatureData] = model.FeatureData{
		SpreadBps:   row.SpreadBps,
		VolBps:      row.VolBps(),
		Scenario2x2: row.Scenario2x2,
		FeeTier:     "default",
		Session:     sessionFor(row.TsMs),
		Return1s:    row.Return1s,
	}
}

// FeatureDataOf extracts the scenario payload a feeder attached, with
// zero value fallback for signals that never passed through one.
func FeatureDataOf(sig *model.Signal) model.FeatureData {
	raw, ok := sig.Meta[model.MetaFeatureData]
	if !ok {
		return model.FeatureData{}
	}
	switch v := raw.(type) {
	case model.FeatureData:
		return v
	case map[string]any:
		// Round-trip through JSON when the signal came back off a sink.
		data, err := json.Marshal(v)
		if err != nil {
			return model.FeatureData{}
		}
		var fd model.FeatureData
		if err := json.Unmarshal(data, &fd); err != nil {
			return model.FeatureData{}
		}
		return fd
	}
	return model.FeatureData{}
}

// sessionFor labels the UTC trading session of a timestamp.
func sessionFor(tsMs int64) string {
	switch h := time.UnixMilli(tsMs).UTC().Hour(); {
	case h < 7:
		return "asia"
	case h < 13:
		return "eu"
	case h < 21:
		return "us"
	default:
		return "asia"
	}
}

// EffectiveParams resolves every knob of the active configuration into
// the flat snapshot stored in the run manifest.
func EffectiveParams(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("snapshot effective params: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode effective params: %w", err)
	}
	return out, nil
}
