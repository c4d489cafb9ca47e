// Package sink persists admitted signals to the rotated JSONL log and
// the SQLite store under the dual-sink consistency contract.
package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/model"
)

// JSONLWriter appends signals to one file per symbol per hour:
// <out>/ready/signal/<SYMBOL>/signals-YYYYMMDD-HH.jsonl. Writes are
// line-atomic: the full line including the trailing newline is built in
// a buffer and committed with a single Write. Rotation fsyncs the old
// file before the new one opens.
type JSONLWriter struct {
	outputDir string
	loc       *time.Location // rotation clock; UTC unless configured

	files map[string]*hourFile // symbol -> open file
}

type hourFile struct {
	f    *os.File
	hour string // YYYYMMDD-HH under loc
}

// NewJSONLWriter creates the writer. tz empty means UTC-hour rotation.
func NewJSONLWriter(outputDir, tz string) (*JSONLWriter, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("jsonl rotation tz: %w", err)
		}
		loc = l
	}
	return &JSONLWriter{outputDir: outputDir, loc: loc, files: make(map[string]*hourFile)}, nil
}

func (w *JSONLWriter) symbolDir(symbol string) string {
	return filepath.Join(w.outputDir, "ready", "signal", symbol)
}

// Write appends one signal. Key order is the Signal struct order, which
// is the canonical order; no trailing whitespace before the newline.
func (w *JSONLWriter) Write(sig *model.Signal) error {
	hour := time.UnixMilli(sig.TsMs).In(w.loc).Format("20060102-15")
	hf, err := w.fileFor(sig.Symbol, hour)
	if err != nil {
		return err
	}
	line, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", sig.SignalID, err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := hf.f.Write(buf); err != nil {
		return fmt.Errorf("%w: jsonl append %s: %v", model.ErrSinkWriteFailed, sig.Symbol, err)
	}
	return nil
}

// fileFor returns the open file for (symbol, hour), rotating crash-safe
// when the hour boundary crossed.
func (w *JSONLWriter) fileFor(symbol, hour string) (*hourFile, error) {
	hf, ok := w.files[symbol]
	if ok && hf.hour == hour {
		return hf, nil
	}
	if ok {
		// fsync-flush the closing hour before opening the next file.
		if err := hf.f.Sync(); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("fsync before rotation")
		}
		if err := hf.f.Close(); err != nil {
			return nil, fmt.Errorf("close rotated jsonl: %w", err)
		}
	}
	dir := w.symbolDir(symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir signal dir: %w", err)
	}
	path := filepath.Join(dir, "signals-"+hour+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrSinkWriteFailed, path, err)
	}
	hf = &hourFile{f: f, hour: hour}
	w.files[symbol] = hf
	return hf, nil
}

// Flush fsyncs every open file.
func (w *JSONLWriter) Flush() error {
	for sym, hf := range w.files {
		if err := hf.f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", sym, err)
		}
	}
	return nil
}

// Close fsyncs and closes all open files.
func (w *JSONLWriter) Close() error {
	var first error
	for sym, hf := range w.files {
		if err := hf.f.Sync(); err != nil && first == nil {
			first = fmt.Errorf("fsync %s: %w", sym, err)
		}
		if err := hf.f.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", sym, err)
		}
		delete(w.files, sym)
	}
	return first
}

// Accepted signal file names: the hourly form we write, and the legacy
// per-minute form which is read but never written.
var (
	hourlyNameRe = regexp.MustCompile(`^signals-\d{8}-\d{2}\.jsonl$`)
	legacyNameRe = regexp.MustCompile(`^signals_\d{8}_\d{4}\.jsonl$`)
)

// ReadSymbol loads every signal for one symbol across all accepted file
// names, in file order.
func ReadSymbol(outputDir, symbol string) ([]model.Signal, error) {
	dir := filepath.Join(outputDir, "ready", "signal", symbol)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read signal dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if hourlyNameRe.MatchString(e.Name()) || legacyNameRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []model.Signal
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			var sig model.Signal
			if err := json.Unmarshal(sc.Bytes(), &sig); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: %s: %v", model.ErrCorruptRow, name, err)
			}
			out = append(out, sig)
		}
		if err := sc.Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		f.Close()
	}
	return out, nil
}

// TopOne applies the read-side Top-1 rule: among signals sharing
// (symbol, ts_ms) only the largest |score| survives, ties broken by the
// earlier seq. Output order follows first appearance.
func TopOne(signals []model.Signal) []model.Signal {
	type key struct {
		symbol string
		tsMs   int64
	}
	best := make(map[key]int, len(signals))
	var order []key
	for i := range signals {
		k := key{signals[i].Symbol, signals[i].TsMs}
		j, ok := best[k]
		if !ok {
			best[k] = i
			order = append(order, k)
			continue
		}
		cur, cand := &signals[j], &signals[i]
		if cand.AbsScore() > cur.AbsScore() ||
			(cand.AbsScore() == cur.AbsScore() && cand.Seq < cur.Seq) {
			best[k] = i
		}
	}
	out := make([]model.Signal, 0, len(order))
	for _, k := range order {
		out = append(out, signals[best[k]])
	}
	return out
}
