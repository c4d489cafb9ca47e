package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
)

// Health carries sink counters into the run manifest.
type Health struct {
	mu         sync.Mutex
	Written    int64 `json:"written"`
	Retried    int64 `json:"retried"`
	Deadletter int64 `json:"deadletter"`
}

// Snapshot returns a copyable view.
func (h *Health) Snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int64{
		"written":    h.Written,
		"retried":    h.Retried,
		"deadletter": h.Deadletter,
	}
}

// Dual is the sink worker. The signal core publishes admitted signals
// into a bounded queue; the worker appends each to the JSONL log first
// (cheaper to replay) and commits batches to SQLite. A write failure is
// retried with bounded exponential backoff and finally deadlettered;
// the stream is never halted.
type Dual struct {
	cfg    config.SinkConfig
	jsonl  *JSONLWriter
	sqlite *SQLiteSink
	queue  chan model.Signal
	health Health
	done   chan struct{}
}

// NewDual opens the sinks selected by cfg.Kind.
func NewDual(cfg config.SinkConfig) (*Dual, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir output dir: %w", err)
	}
	d := &Dual{
		cfg:   cfg,
		queue: make(chan model.Signal, cfg.QueueDepth),
		done:  make(chan struct{}),
	}
	if cfg.Kind == config.SinkJSONL || cfg.Kind == config.SinkDual {
		tz := cfg.RolloverTZ
		w, err := NewJSONLWriter(cfg.OutputDir, tz)
		if err != nil {
			return nil, err
		}
		d.jsonl = w
	}
	if cfg.Kind == config.SinkSQLite || cfg.Kind == config.SinkDual {
		s, err := OpenSQLite(cfg.OutputDir, cfg.DBName, cfg.BusyTimeoutMs, cfg.CommitTimeoutMs)
		if err != nil {
			return nil, err
		}
		d.sqlite = s
	}
	return d, nil
}

// Publish enqueues one signal. Blocks when the queue is full, applying
// back-pressure to the signal core; returns the context error on cancel.
func (d *Dual) Publish(ctx context.Context, sig model.Signal) error {
	select {
	case d.queue <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput signals the worker that no more signals will be published.
func (d *Dual) CloseInput() {
	close(d.queue)
}

// Run consumes the queue until CloseInput and the queue drains, or until
// ctx cancels after which the remaining queue is drained and flushed so
// no partial line or transaction is left behind.
func (d *Dual) Run(ctx context.Context) error {
	defer close(d.done)
	maxLatency := time.Duration(d.cfg.BatchMaxLatencyMs) * time.Millisecond
	if maxLatency <= 0 {
		maxLatency = 200 * time.Millisecond
	}
	batch := make([]model.Signal, 0, d.cfg.BatchSize)
	timer := time.NewTimer(maxLatency)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.commitBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case sig, ok := <-d.queue:
			if !ok {
				flush()
				return d.flushFiles()
			}
			d.writeJSONL(&sig)
			batch = append(batch, sig)
			if len(batch) >= d.cfg.BatchSize {
				flush()
				timer.Reset(maxLatency)
			}
		case <-timer.C:
			flush()
			timer.Reset(maxLatency)
		case <-ctx.Done():
			// Drain whatever was already published, then stop.
			for {
				select {
				case sig, ok := <-d.queue:
					if !ok {
						flush()
						return d.flushFiles()
					}
					d.writeJSONL(&sig)
					batch = append(batch, sig)
				default:
					flush()
					return d.flushFiles()
				}
			}
		}
	}
}

func (d *Dual) flushFiles() error {
	if d.jsonl != nil {
		return d.jsonl.Flush()
	}
	return nil
}

// writeJSONL appends with retry; exhaustion routes to the deadletter.
func (d *Dual) writeJSONL(sig *model.Signal) {
	if d.jsonl == nil {
		return
	}
	err := d.retry(func() error { return d.jsonl.Write(sig) })
	if err != nil {
		d.deadletter(*sig, err)
		return
	}
	d.health.mu.Lock()
	d.health.Written++
	d.health.mu.Unlock()
}

// commitBatch writes one SQLite transaction with retry; exhaustion
// deadletters the whole batch.
func (d *Dual) commitBatch(batch []model.Signal) {
	if d.sqlite == nil {
		return
	}
	err := d.retry(func() error {
		return d.sqlite.WriteBatch(context.Background(), batch)
	})
	if err != nil {
		for i := range batch {
			d.deadletter(batch[i], err)
		}
	}
}

// retry runs fn with bounded exponential backoff.
func (d *Dual) retry(fn func() error) error {
	max := d.cfg.RetryMax
	if max <= 0 {
		max = 1
	}
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < max; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt+1 < max {
			metrics.SinkRetry()
			d.health.mu.Lock()
			d.health.Retried++
			d.health.mu.Unlock()
			time.Sleep(backoff)
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	return err
}

// deadletter appends the signal to deadletter/signals/<date>.ndjson and
// counts it. Only a failure to write the deadletter itself is fatal to
// the stream, and even that is logged rather than panicked here.
func (d *Dual) deadletter(sig model.Signal, cause error) {
	metrics.Deadletter()
	d.health.mu.Lock()
	d.health.Deadletter++
	d.health.mu.Unlock()

	dir := filepath.Join(d.cfg.OutputDir, "deadletter", "signals")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Msg("deadletter dir unavailable")
		return
	}
	path := filepath.Join(dir, time.UnixMilli(sig.TsMs).UTC().Format("20060102")+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error().Err(err).Msg("deadletter open failed")
		return
	}
	defer f.Close()
	rec := struct {
		model.Signal
		Error string `json:"deadletter_error"`
	}{sig, cause.Error()}
	line, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Msg("deadletter marshal failed")
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("deadletter append failed")
	}
	log.Warn().Str("signal_id", sig.SignalID).Err(cause).Msg("signal deadlettered")
}

// HealthSnapshot exposes sink counters for the manifest.
func (d *Dual) HealthSnapshot() map[string]int64 {
	return d.health.Snapshot()
}

// SQLite exposes the relational half for verification and tests.
func (d *Dual) SQLite() *SQLiteSink {
	return d.sqlite
}

// Close shuts both sinks.
func (d *Dual) Close() error {
	var first error
	if d.jsonl != nil {
		if err := d.jsonl.Close(); err != nil {
			first = err
		}
	}
	if d.sqlite != nil {
		if err := d.sqlite.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ConsistencyReport is the outcome of the dual-sink reconciliation.
type ConsistencyReport struct {
	CountJSONL   int64    `json:"count_jsonl"`
	CountSQLite  int64    `json:"count_sqlite"`
	CountSkewPct float64  `json:"count_skew_pct"`
	Compared     int64    `json:"compared"`
	Mismatches   []string `json:"mismatches,omitempty"`
	OK           bool     `json:"ok"`
}

// canonicalFields renders the eight byte-equality fields of the
// dual-sink contract in a fixed textual form.
func canonicalFields(sig *model.Signal) string {
	return sig.Symbol + "|" +
		strconv.FormatInt(sig.TsMs, 10) + "|" +
		strconv.FormatBool(sig.Confirm) + "|" +
		strconv.Itoa(sig.Gating) + "|" +
		string(sig.DecisionCode) + "|" +
		strconv.FormatFloat(sig.Score, 'g', -1, 64) + "|" +
		string(sig.SideHint) + "|" +
		sig.ConfigHash
}

// VerifyConsistency reconciles the two sinks for one run: row counts
// within 0.1% and
// the eight canonical fields byte-equal for every common signal_id.
func VerifyConsistency(ctx context.Context, outputDir string, symbols []string, runID string, sq *SQLiteSink) (*ConsistencyReport, error) {
	rep := &ConsistencyReport{}

	jsonlByID := make(map[string]model.Signal)
	for _, sym := range symbols {
		sigs, err := ReadSymbol(outputDir, sym)
		if err != nil {
			return nil, err
		}
		for i := range sigs {
			if sigs[i].RunID != runID {
				continue
			}
			rep.CountJSONL++
			jsonlByID[sigs[i].SignalID] = sigs[i]
		}
	}

	n, err := sq.CountByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("count sqlite rows: %w", err)
	}
	rep.CountSQLite = n

	den := rep.CountJSONL
	if den < 1 {
		den = 1
	}
	skew := rep.CountJSONL - rep.CountSQLite
	if skew < 0 {
		skew = -skew
	}
	rep.CountSkewPct = float64(skew) / float64(den) * 100

	for _, sym := range symbols {
		rows, err := sq.ReadBySymbol(ctx, sym)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			if rows[i].RunID != runID {
				continue
			}
			js, ok := jsonlByID[rows[i].SignalID]
			if !ok {
				continue
			}
			rep.Compared++
			if canonicalFields(&js) != canonicalFields(&rows[i]) {
				rep.Mismatches = append(rep.Mismatches,
					fmt.Sprintf("%s: jsonl=%q sqlite=%q", rows[i].SignalID, canonicalFields(&js), canonicalFields(&rows[i])))
			}
		}
	}

	rep.OK = rep.CountSkewPct <= 0.1 && len(rep.Mismatches) == 0
	return rep, nil
}
