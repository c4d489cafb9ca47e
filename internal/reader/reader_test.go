package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/microflow/internal/model"
)

func writePartition(t *testing.T, root, layer string, ts time.Time, symbol string, kind Kind, file string, rows ...any) {
	t.Helper()
	ts = ts.UTC()
	dir := filepath.Join(root, layer,
		"date="+ts.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		"symbol="+symbol,
		"kind="+string(kind))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	f, err := os.Create(filepath.Join(dir, file))
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, row := range rows {
		if raw, ok := row.(string); ok {
			_, err := f.WriteString(raw + "\n")
			require.NoError(t, err)
			continue
		}
		require.NoError(t, enc.Encode(row))
	}
}

func collect(t *testing.T, r *Reader, q Query) ([]RawRow, *Stats) {
	t.Helper()
	ch, stats, err := r.Iterate(context.Background(), q)
	require.NoError(t, err)
	var out []RawRow
	for row := range ch {
		out = append(out, row)
	}
	return out, stats
}

func TestReader_Iterate_OrdersBySymbolThenTsThenKind(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Written deliberately out of order within the file.
	writePartition(t, root, LayerReady, base, "ETH-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "ETH-USD", TsMs: base.Add(2 * time.Second).UnixMilli(), Kind: KindPrice, Price: 2001},
		RawRow{Symbol: "ETH-USD", TsMs: base.UnixMilli(), Kind: KindPrice, Price: 2000},
	)
	writePartition(t, root, LayerReady, base, "BTC-USD", KindOrderbook, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindOrderbook, BestBid: 99.9, BestAsk: 100.1},
	)
	writePartition(t, root, LayerReady, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindPrice, Price: 100},
	)

	r := New(Config{RootDir: root})
	rows, stats := collect(t, r, Query{
		Symbols: []string{"BTC-USD", "ETH-USD"},
		TMin:    base,
		TMax:    base.Add(time.Hour),
	})

	require.Len(t, rows, 4)
	assert.Equal(t, "BTC-USD", rows[0].Symbol)
	assert.Equal(t, KindOrderbook, rows[0].Kind)
	assert.Equal(t, "BTC-USD", rows[1].Symbol)
	assert.Equal(t, KindPrice, rows[1].Kind)
	assert.Equal(t, "ETH-USD", rows[2].Symbol)
	assert.Equal(t, base.UnixMilli(), rows[2].TsMs)
	assert.Equal(t, "ETH-USD", rows[3].Symbol)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), rows[3].TsMs)

	assert.Equal(t, int64(4), stats.RowsEmitted)
	assert.Equal(t, int64(3), stats.FilesConsumed)
	assert.Equal(t, int64(0), stats.RowsDeduped)
}

func TestReader_Iterate_ReadyLayerWinsOnDuplicateRowID(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	writePartition(t, root, LayerReady, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindPrice, RowID: "r-1", Price: 100},
	)
	writePartition(t, root, LayerPreview, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindPrice, RowID: "r-1", Price: 999},
		RawRow{Symbol: "BTC-USD", TsMs: base.Add(time.Second).UnixMilli(), Kind: KindPrice, RowID: "r-2", Price: 101},
	)

	r := New(Config{RootDir: root})
	rows, stats := collect(t, r, Query{
		Symbols:        []string{"BTC-USD"},
		TMin:           base,
		TMax:           base.Add(time.Hour),
		IncludePreview: true,
	})

	require.Len(t, rows, 2)
	assert.Equal(t, 100.0, rows[0].Price, "ready row must win over the preview duplicate")
	assert.Equal(t, 101.0, rows[1].Price)
	assert.Equal(t, int64(1), stats.RowsDeduped)
}

func TestReader_Iterate_SkipsPreviewWithoutOptIn(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	writePartition(t, root, LayerReady, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindPrice, Price: 100},
	)
	writePartition(t, root, LayerPreview, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.Add(time.Second).UnixMilli(), Kind: KindPrice, Price: 101},
	)

	r := New(Config{RootDir: root})
	rows, _ := collect(t, r, Query{
		Symbols: []string{"BTC-USD"},
		TMin:    base,
		TMax:    base.Add(time.Hour),
	})

	require.Len(t, rows, 1)
	assert.Equal(t, 100.0, rows[0].Price)
}

func TestReader_Iterate_FiltersWindowAndSymbols(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	writePartition(t, root, LayerReady, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.Add(-time.Second).UnixMilli(), Kind: KindPrice, Price: 99},
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindPrice, Price: 100},
		RawRow{Symbol: "BTC-USD", TsMs: base.Add(30 * time.Minute).UnixMilli(), Kind: KindPrice, Price: 101},
	)
	// Foreign symbol slipped into the partition; the filter must drop it.
	writePartition(t, root, LayerReady, base, "ETH-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "ETH-USD", TsMs: base.UnixMilli(), Kind: KindPrice, Price: 2000},
	)

	r := New(Config{RootDir: root})
	rows, _ := collect(t, r, Query{
		Symbols: []string{"BTC-USD"},
		TMin:    base,
		TMax:    base.Add(30 * time.Minute), // exclusive upper bound
	})

	require.Len(t, rows, 1)
	assert.Equal(t, base.UnixMilli(), rows[0].TsMs)
}

func TestReader_Iterate_CountsCorruptRowsWithoutFailing(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	writePartition(t, root, LayerReady, base, "BTC-USD", KindPrice, "part-0.jsonl",
		RawRow{Symbol: "BTC-USD", TsMs: base.UnixMilli(), Kind: KindPrice, Price: 100},
		"{not json",
		`{"symbol":"","ts_ms":0}`,
		RawRow{Symbol: "BTC-USD", TsMs: base.Add(time.Second).UnixMilli(), Kind: KindPrice, Price: 101},
	)

	r := New(Config{RootDir: root})
	rows, stats := collect(t, r, Query{
		Symbols: []string{"BTC-USD"},
		TMin:    base,
		TMax:    base.Add(time.Hour),
	})

	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), stats.CorruptRows)
}

func TestReader_Iterate_DefaultsKindFromPartition(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	writePartition(t, root, LayerReady, base, "BTC-USD", KindOrderbook, "part-0.jsonl",
		`{"symbol":"BTC-USD","ts_ms":`+fmt.Sprint(base.UnixMilli())+`,"best_bid":99.9,"best_ask":100.1}`,
	)

	r := New(Config{RootDir: root})
	rows, _ := collect(t, r, Query{
		Symbols: []string{"BTC-USD"},
		TMin:    base,
		TMax:    base.Add(time.Hour),
	})

	require.Len(t, rows, 1)
	assert.Equal(t, KindOrderbook, rows[0].Kind)
}

func TestReader_Iterate_MissingSourceErrors(t *testing.T) {
	r := New(Config{RootDir: t.TempDir()})
	_, _, err := r.Iterate(context.Background(), Query{
		Symbols: []string{"BTC-USD"},
		TMin:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		TMax:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSourceMissing)
}

func TestReader_Iterate_SamplesPathsDeterministically(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		writePartition(t, root, LayerReady, base, "BTC-USD", KindPrice, fmt.Sprintf("part-%d.jsonl", i),
			RawRow{Symbol: "BTC-USD", TsMs: base.Add(time.Duration(i) * time.Second).UnixMilli(), Kind: KindPrice, Price: 100},
		)
	}

	r := New(Config{RootDir: root, PathSampleRate: 0.5})
	_, stats := collect(t, r, Query{
		Symbols: []string{"BTC-USD"},
		TMin:    base,
		TMax:    base.Add(time.Hour),
	})

	assert.Equal(t, int64(4), stats.FilesConsumed)
	assert.Len(t, stats.SampledPaths, 2)
}

func TestRetentionBucket_EvictsOldKeys(t *testing.T) {
	b := newRetentionBucket(time.Hour)
	t0 := int64(1_000_000)

	require.True(t, b.add("a", t0))
	require.False(t, b.add("a", t0+1))

	// A key a retention window later sweeps "a" out, so it can re-enter.
	require.True(t, b.add("b", t0+2*time.Hour.Milliseconds()))
	require.True(t, b.add("a", t0+2*time.Hour.Milliseconds()+1))
}
