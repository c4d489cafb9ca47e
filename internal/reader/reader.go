// Package reader streams raw per-second price/orderbook rows out of the
// partitioned capture layout:
//
//	<root>/<layer>/date=YYYY-MM-DD/hour=HH/symbol=S/kind=K/*.jsonl
//
// Two layers exist: "ready" (authoritative) and "preview". When both
// carry the same (symbol, ts_ms, row_id) the ready row wins.
package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
)

// Kind distinguishes the two raw feeds the aligner joins.
type Kind string

const (
	KindPrice     Kind = "price"
	KindOrderbook Kind = "orderbook"
)

// LayerReady and LayerPreview are the two source layers in priority order.
const (
	LayerReady   = "ready"
	LayerPreview = "preview"
)

// RawRow is one captured observation before alignment.
type RawRow struct {
	Symbol    string  `json:"symbol"`
	TsMs      int64   `json:"ts_ms"`
	Kind      Kind    `json:"kind"`
	RowID     string  `json:"row_id,omitempty"`
	EventTsMs int64   `json:"event_ts_ms,omitempty"` // exchange event time, for lag

	// Price feed payload.
	Price float64 `json:"price,omitempty"`

	// Orderbook feed payload.
	BestBid float64 `json:"best_bid,omitempty"`
	BestAsk float64 `json:"best_ask,omitempty"`
	ZOFI    float64 `json:"z_ofi,omitempty"`
	ZCVD    float64 `json:"z_cvd,omitempty"`
}

// dedupeKey identifies a row for cross-layer deduplication. RowID wins
// when present; otherwise (symbol, ts_ms, kind).
func (r *RawRow) dedupeKey() string {
	if r.RowID != "" {
		return r.Symbol + "|" + r.RowID
	}
	return fmt.Sprintf("%s|%d|%s", r.Symbol, r.TsMs, r.Kind)
}

// Query selects the window a single Iterate call covers.
type Query struct {
	Symbols        []string
	TMin, TMax     time.Time // inclusive lower, exclusive upper, UTC
	Kinds          []Kind
	SourcePriority []string // default [ready, preview]
	IncludePreview bool
}

// Stats accumulates per-run reader counters for the manifest.
type Stats struct {
	mu            sync.Mutex
	RowsEmitted   int64    `json:"rows_emitted"`
	RowsDeduped   int64    `json:"rows_deduped"`
	CorruptRows   int64    `json:"corrupt_rows"`
	FilesConsumed int64    `json:"files_consumed"`
	SampledPaths  []string `json:"sampled_paths"`
}

func (s *Stats) samplePath(path string, rate float64, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FilesConsumed++
	// Deterministic sampling by file ordinal keeps manifests reproducible.
	if rate > 0 && n%int64(1/rateClamp(rate)) == 0 {
		s.SampledPaths = append(s.SampledPaths, path)
	}
}

func rateClamp(r float64) float64 {
	if r > 1 {
		return 1
	}
	if r <= 0 {
		return 1
	}
	return r
}

// Config mirrors config.ReaderConfig without importing it, keeping the
// reader free of the config package.
type Config struct {
	RootDir        string
	RetentionHours int
	PathSampleRate float64
	OpenTimeout    time.Duration
}

// Reader produces ordered raw row streams. Safe for one consumer.
type Reader struct {
	cfg  Config
	seen *retentionBucket
}

// New constructs a Reader over the partitioned root directory.
func New(cfg Config) *Reader {
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	return &Reader{
		cfg:  cfg,
		seen: newRetentionBucket(time.Duration(cfg.RetentionHours) * time.Hour),
	}
}

// Iterate decodes every partition inside the window and emits rows in
// strict ascending ts_ms per symbol. Decoding is parallel per file; the
// merge is a stable sort, so emission order is deterministic.
func (r *Reader) Iterate(ctx context.Context, q Query) (<-chan RawRow, *Stats, error) {
	layers := q.SourcePriority
	if len(layers) == 0 {
		layers = []string{LayerReady}
		if q.IncludePreview {
			layers = append(layers, LayerPreview)
		}
	}
	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = []Kind{KindPrice, KindOrderbook}
	}

	stats := &Stats{}
	var files []partFile
	for pri, layer := range layers {
		fs, err := r.listPartitions(layer, q, kinds)
		if err != nil {
			return nil, nil, err
		}
		for _, f := range fs {
			f.priority = pri
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("%w: no files under %s for window [%s, %s)",
			model.ErrSourceMissing, r.cfg.RootDir, q.TMin.Format(time.RFC3339), q.TMax.Format(time.RFC3339))
	}

	// Parallel decode, bounded.
	rows := make([][]RawRow, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range files {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decoded, corrupt, err := decodeFile(files[i].path, files[i].kind)
			if err != nil {
				return err
			}
			rows[i] = decoded
			stats.mu.Lock()
			stats.CorruptRows += corrupt
			stats.mu.Unlock()
			stats.samplePath(files[i].path, r.cfg.PathSampleRate, int64(i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Cross-layer dedupe in priority order, then window/symbol filter.
	want := make(map[string]bool, len(q.Symbols))
	for _, s := range q.Symbols {
		want[s] = true
	}
	tMinMs, tMaxMs := q.TMin.UnixMilli(), q.TMax.UnixMilli()
	var merged []RawRow
	for pri := range layers {
		for i, f := range files {
			if f.priority != pri {
				continue
			}
			for _, row := range rows[i] {
				if len(want) > 0 && !want[row.Symbol] {
					continue
				}
				if row.TsMs < tMinMs || row.TsMs >= tMaxMs {
					continue
				}
				if !r.seen.add(row.dedupeKey(), row.TsMs) {
					stats.RowsDeduped++
					continue
				}
				merged = append(merged, row)
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Symbol != merged[j].Symbol {
			return merged[i].Symbol < merged[j].Symbol
		}
		if merged[i].TsMs != merged[j].TsMs {
			return merged[i].TsMs < merged[j].TsMs
		}
		return merged[i].Kind < merged[j].Kind
	})

	out := make(chan RawRow, 256)
	go func() {
		defer close(out)
		for _, row := range merged {
			select {
			case out <- row:
				stats.mu.Lock()
				stats.RowsEmitted++
				stats.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stats, nil
}

type partFile struct {
	path     string
	kind     Kind
	priority int
}

// listPartitions expands the date/hour partitions intersecting the query
// window for one layer.
func (r *Reader) listPartitions(layer string, q Query, kinds []Kind) ([]partFile, error) {
	var out []partFile
	for h := q.TMin.UTC().Truncate(time.Hour); h.Before(q.TMax.UTC()); h = h.Add(time.Hour) {
		dateDir := "date=" + h.Format("2006-01-02")
		hourDir := fmt.Sprintf("hour=%02d", h.Hour())
		for _, sym := range q.Symbols {
			for _, kind := range kinds {
				dir := filepath.Join(r.cfg.RootDir, layer, dateDir, hourDir, "symbol="+sym, "kind="+string(kind))
				entries, err := os.ReadDir(dir)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return nil, fmt.Errorf("list partition %s: %w", dir, err)
				}
				for _, e := range entries {
					if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
						continue
					}
					out = append(out, partFile{path: filepath.Join(dir, e.Name()), kind: kind})
				}
			}
		}
	}
	return out, nil
}

// decodeFile parses one partition file, dropping and counting corrupt
// lines without failing the stream.
func decodeFile(path string, kind Kind) ([]RawRow, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	var rows []RawRow
	var corrupt int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row RawRow
		if err := json.Unmarshal(line, &row); err != nil || row.Symbol == "" || row.TsMs == 0 {
			corrupt++
			metrics.CorruptRow()
			log.Debug().Str("file", path).Msg("dropping corrupt row")
			continue
		}
		if row.Kind == "" {
			row.Kind = kind
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, corrupt, fmt.Errorf("scan %s: %w", path, err)
	}
	return rows, corrupt, nil
}

// retentionBucket is the bounded seen-key set used for cross-call
// deduplication. Keys older than the retention window are evicted on
// insert, so memory stays proportional to the window.
type retentionBucket struct {
	mu        sync.Mutex
	retention time.Duration
	keys      map[string]int64 // key -> ts_ms
	lastSweep int64
}

func newRetentionBucket(retention time.Duration) *retentionBucket {
	return &retentionBucket{
		retention: retention,
		keys:      make(map[string]int64),
	}
}

// add inserts key at tsMs, returning false if it was already present.
func (b *retentionBucket) add(key string, tsMs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.keys[key]; ok {
		return false
	}
	b.keys[key] = tsMs
	// Sweep at most once per retention interval worth of stream time.
	if tsMs-b.lastSweep > b.retention.Milliseconds() {
		cutoff := tsMs - b.retention.Milliseconds()
		for k, ts := range b.keys {
			if ts < cutoff {
				delete(b.keys, k)
			}
		}
		b.lastSweep = tsMs
	}
	return true
}
