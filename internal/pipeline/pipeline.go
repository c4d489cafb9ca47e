// Package pipeline wires reader, aligner, signal core and dual sink
// into one run, fanning out per symbol and leaving a run manifest
// behind for audit.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradecore/microflow/internal/align"
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/feeder"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/reader"
	"github.com/tradecore/microflow/internal/signal"
	"github.com/tradecore/microflow/internal/sink"
)

// Options narrows one run to a symbol set and time window.
type Options struct {
	Symbols []string
	TMin    time.Time
	TMax    time.Time
	Verify  bool // run the JSONL/relational consistency check at the end
}

// Result summarizes a completed run.
type Result struct {
	RunID        string
	ConfigHash   string
	ManifestPath string
	Consistency  *sink.ConsistencyReport
}

// GitCommit is stamped at build time via -ldflags "-X ...".
var GitCommit string

// DataSourceInfo records where the run's rows came from.
type DataSourceInfo struct {
	RootDir        string   `json:"root_dir"`
	Layers         []string `json:"layers"`
	IncludePreview bool     `json:"include_preview"`
}

// Manifest is the run_manifest.json record. Everything a rerun needs to
// reproduce or audit the run lands here.
type Manifest struct {
	RunID           string             `json:"run_id"`
	ConfigHash      string             `json:"config_hash"`
	GitCommit       string             `json:"git_commit,omitempty"`
	SignalV2        bool               `json:"signal_v2"`
	StartedUTC      string             `json:"started_utc"`
	FinishedUTC     string             `json:"finished_utc"`
	Symbols         []string           `json:"symbols"`
	WindowTMin      string             `json:"window_t_min,omitempty"`
	WindowTMax      string             `json:"window_t_max,omitempty"`
	DataSource      DataSourceInfo     `json:"data_source_info"`
	DataFingerprint string             `json:"data_fingerprint"`
	ReaderStats     *reader.Stats      `json:"reader_stats"`
	AlignerStats    map[string]int64   `json:"aligner_stats"`
	FeederStats     feeder.Stats       `json:"feeder_stats"`
	SinkHealth      map[string]int64   `json:"sink_health"`
	Metrics         map[string]float64 `json:"metrics"`
	TradeStats      map[string]int64   `json:"trade_stats,omitempty"`
	EffectiveParams map[string]any     `json:"effective_params"`
}

// ResolveRunID returns RUN_ID when set, otherwise a fresh UUID.
func ResolveRunID() string {
	if v := os.Getenv("RUN_ID"); v != "" {
		return v
	}
	return uuid.NewString()
}

// signalV2Enabled reads the emission gate; the full schema is the
// default and only "0"/"false" turn it off.
func signalV2Enabled() bool {
	switch os.Getenv("V13_SIGNAL_V2") {
	case "0", "false":
		return false
	}
	return true
}

// Run executes one aligned-scoring run over the partitioned source and
// returns after the sink has drained.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	runID := ResolveRunID()
	v2 := signalV2Enabled()
	started := time.Now().UTC()

	log.Info().
		Str("run_id", runID).
		Str("config_hash", cfg.Hash()).
		Strs("symbols", opts.Symbols).
		Bool("signal_v2", v2).
		Msg("run starting")

	core := signal.NewCore(cfg, runID)
	clock := &feeder.SimClock{}
	alignStats := &align.Stats{}

	dual, err := sink.NewDual(cfg.Sink)
	if err != nil {
		return nil, err
	}

	rd := reader.New(reader.Config{
		RootDir:        cfg.Reader.RootDir,
		RetentionHours: cfg.Reader.RetentionHours,
		PathSampleRate: cfg.Reader.PathSampleRate,
		OpenTimeout:    time.Duration(cfg.Reader.OpenTimeoutMs) * time.Millisecond,
	})
	rows, readerStats, err := rd.Iterate(ctx, reader.Query{
		Symbols:        opts.Symbols,
		TMin:           opts.TMin,
		TMax:           opts.TMax,
		IncludePreview: cfg.Reader.IncludePreview,
	})
	if err != nil {
		dual.Close()
		return nil, err
	}

	// The sink drains on its own context so a cancelled run still lands
	// every queued signal before the manifest is written.
	sinkCtx := context.WithoutCancel(ctx)
	sinkDone := make(chan error, 1)
	go func() { sinkDone <- dual.Run(sinkCtx) }()

	grp, grpCtx := errgroup.WithContext(ctx)
	workers := make(map[string]chan reader.RawRow)
	feeders := make(map[string]*feeder.Feeder)

	worker := func(sym string, fd *feeder.Feeder, in <-chan reader.RawRow) func() error {
		return func() error {
			al := align.NewSecondAligner(sym, align.Config{
				SpreadActiveBps: cfg.Aligner.SpreadActiveBps,
				VolHighBps:      cfg.Aligner.VolHighBps,
				ExpectedFeeds:   cfg.Aligner.ExpectedFeeds,
			}, alignStats)
			emit := func(sig model.Signal, _ model.FeatureRow) error {
				if !v2 && !sig.Confirm {
					return nil // legacy mode persists confirmed signals only
				}
				return dual.Publish(grpCtx, sig)
			}
			feed := func(frs []model.FeatureRow) error {
				for _, fr := range frs {
					if err := fd.Feed(fr, emit); err != nil {
						return fmt.Errorf("symbol %s: %w", sym, err)
					}
				}
				return nil
			}
			for row := range in {
				if err := feed(al.Push(row)); err != nil {
					return err
				}
			}
			return feed(al.Flush())
		}
	}

	// Dispatcher: the reader stream is sorted by (symbol, ts, kind), so
	// per-symbol channels preserve per-symbol order.
	grp.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()
		for row := range rows {
			ch, ok := workers[row.Symbol]
			if !ok {
				ch = make(chan reader.RawRow, 256)
				workers[row.Symbol] = ch
				fd := feeder.New(core, clock, false)
				feeders[row.Symbol] = fd
				grp.Go(worker(row.Symbol, fd, ch))
			}
			select {
			case ch <- row:
			case <-grpCtx.Done():
				return grpCtx.Err()
			}
		}
		return nil
	})

	runErr := grp.Wait()
	dual.CloseInput()
	if err := <-sinkDone; err != nil && runErr == nil {
		runErr = err
	}

	res := &Result{RunID: runID, ConfigHash: cfg.Hash()}
	if opts.Verify && runErr == nil {
		res.Consistency, runErr = sink.VerifyConsistency(
			sinkCtx, cfg.Sink.OutputDir, symbolsSeen(opts.Symbols, feeders), runID, dual.SQLite())
	}

	layers := []string{reader.LayerReady}
	if cfg.Reader.IncludePreview {
		layers = append(layers, reader.LayerPreview)
	}
	manifest := Manifest{
		RunID:       runID,
		ConfigHash:  cfg.Hash(),
		GitCommit:   GitCommit,
		SignalV2:    v2,
		StartedUTC:  started.Format(time.RFC3339),
		FinishedUTC: time.Now().UTC().Format(time.RFC3339),
		Symbols:     symbolsSeen(opts.Symbols, feeders),
		DataSource: DataSourceInfo{
			RootDir:        cfg.Reader.RootDir,
			Layers:         layers,
			IncludePreview: cfg.Reader.IncludePreview,
		},
		DataFingerprint: dataFingerprint(readerStats),
		ReaderStats:     readerStats,
		AlignerStats:    alignStats.Snapshot(),
		FeederStats:     mergeFeederStats(feeders),
		SinkHealth:      dual.HealthSnapshot(),
		Metrics:         metrics.Snapshot(),
	}
	if !opts.TMin.IsZero() {
		manifest.WindowTMin = opts.TMin.UTC().Format(time.RFC3339)
	}
	if !opts.TMax.IsZero() {
		manifest.WindowTMax = opts.TMax.UTC().Format(time.RFC3339)
	}
	if params, err := feeder.EffectiveParams(cfg); err == nil {
		manifest.EffectiveParams = params
	} else {
		log.Warn().Err(err).Msg("effective params snapshot failed")
	}
	if path, err := writeManifest(cfg.Sink.OutputDir, &manifest); err != nil {
		log.Error().Err(err).Msg("run manifest write failed")
	} else {
		res.ManifestPath = path
	}

	if err := dual.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return res, runErr
	}

	log.Info().
		Str("run_id", runID).
		Int64("rows_fed", manifest.FeederStats.RowsFed).
		Int64("confirmed", manifest.FeederStats.Confirmed).
		Msg("run finished")
	return res, nil
}

// symbolsSeen prefers the requested set, falling back to what actually
// flowed when the query was unbounded.
func symbolsSeen(requested []string, feeders map[string]*feeder.Feeder) []string {
	if len(requested) > 0 {
		out := append([]string(nil), requested...)
		sort.Strings(out)
		return out
	}
	out := make([]string, 0, len(feeders))
	for sym := range feeders {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// dataFingerprint hashes the consumed-source evidence so two runs over
// the same partitions carry the same fingerprint.
func dataFingerprint(stats *reader.Stats) string {
	h := sha256.New()
	fmt.Fprintf(h, "files=%d|rows=%d|corrupt=%d", stats.FilesConsumed, stats.RowsEmitted, stats.CorruptRows)
	for _, p := range stats.SampledPaths {
		fmt.Fprintf(h, "|%s", filepath.Base(p))
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func mergeFeederStats(feeders map[string]*feeder.Feeder) feeder.Stats {
	var total feeder.Stats
	for _, f := range feeders {
		s := f.StatsSnapshot()
		total.RowsFed += s.RowsFed
		total.SignalsEmitted += s.SignalsEmitted
		total.Confirmed += s.Confirmed
	}
	return total
}

func writeManifest(outputDir string, m *Manifest) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, "run_manifest.json")
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
