package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/reader"
)

func testConfig() Config {
	return Config{SpreadActiveBps: 6.0, VolHighBps: 3.0, ExpectedFeeds: 2}
}

func priceRow(sec int64, px float64) reader.RawRow {
	return reader.RawRow{Symbol: "BTCUSDT", TsMs: sec * 1000, Kind: reader.KindPrice, Price: px, EventTsMs: sec * 1000}
}

func bookRow(sec int64, bid, ask, zofi, zcvd float64) reader.RawRow {
	return reader.RawRow{Symbol: "BTCUSDT", TsMs: sec * 1000, Kind: reader.KindOrderbook,
		BestBid: bid, BestAsk: ask, ZOFI: zofi, ZCVD: zcvd, EventTsMs: sec * 1000}
}

func TestSecondAligner_BucketAndGapFabrication(t *testing.T) {
	stats := &Stats{}
	al := NewSecondAligner("BTCUSDT", testConfig(), stats)

	require.Empty(t, al.Push(priceRow(1000, 100.0)))
	require.Empty(t, al.Push(bookRow(1000, 99.9, 100.1, 1.0, 2.0)))

	// Jumping to sec 1003 closes the 1000 bucket and fabricates 1001, 1002.
	out := al.Push(priceRow(1003, 101.0))
	require.Len(t, out, 3)

	first := out[0]
	assert.Equal(t, int64(1_000_000), first.TsMs)
	assert.False(t, first.IsGapSecond)
	assert.InDelta(t, 100.0, first.Mid, 1e-9)
	assert.InDelta(t, 20.0, first.SpreadBps, 1e-6) // (100.1-99.9)/100 in bps
	assert.InDelta(t, 1.0, first.ZOFI, 1e-9)
	assert.Equal(t, 1.0, first.Consistency) // both feeds present
	assert.Zero(t, first.Return1s)          // no prior non-gap mid

	for i, gap := range out[1:] {
		assert.True(t, gap.IsGapSecond, "row %d", i)
		assert.Equal(t, (1001+int64(i))*1000, gap.TsMs)
		assert.InDelta(t, 100.0, gap.Mid, 1e-9) // last known good carried
		assert.Zero(t, gap.Return1s)
		assert.Zero(t, gap.Consistency)
	}

	assert.Equal(t, int64(2), stats.GapSeconds.Load())
}

func TestSecondAligner_Return1sVsLastNonGapMid(t *testing.T) {
	al := NewSecondAligner("BTCUSDT", testConfig(), nil)
	al.Push(priceRow(1000, 100.0))
	al.Push(bookRow(1000, 99.9, 100.1, 0, 0))
	al.Push(priceRow(1003, 101.0))

	// Flush closes the 1003 bucket: price clamped to the stale book,
	// return measured against the sec-1000 mid, never a gap row's.
	out := al.Flush()
	require.Len(t, out, 1)
	row := out[0]
	assert.InDelta(t, 100.1, row.Mid, 1e-9) // clamp(101, 99.9, 100.1)
	assert.InDelta(t, 10.0, row.Return1s, 1e-6)
	assert.Equal(t, 0.5, row.Consistency) // price feed only
}

func TestSecondAligner_ScenarioAxesAreIndependent(t *testing.T) {
	cases := []struct {
		name      string
		spreadBps float64
		retBps    float64
		want      model.Scenario
	}{
		{"tight quiet", 4.0, 1.0, model.ScenarioActiveLow},
		{"tight volatile", 4.0, -5.0, model.ScenarioActiveHigh},
		{"wide quiet", 9.0, 1.0, model.ScenarioQuietLow},
		{"wide volatile", 9.0, 5.0, model.ScenarioQuietHigh},
	}
	al := NewSecondAligner("BTCUSDT", testConfig(), nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, al.scenario(tc.spreadBps, tc.retBps))
		})
	}
}

func TestNormalizeRecord_LegacyRenames(t *testing.T) {
	raw := []byte(`{"symbol":"ETHUSDT","ts_ms":1700000000000,"mid":2000,"ofi_z":1.5,"cvd_z":-0.5,"spread_bps":3.0}`)
	row, err := NormalizeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.5, row.ZOFI)
	assert.Equal(t, -0.5, row.ZCVD)
	// Canonical names win when both are present.
	raw = []byte(`{"symbol":"ETHUSDT","ts_ms":1,"mid":1,"ofi_z":9.0,"z_ofi":1.0}`)
	row, err = NormalizeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.ZOFI)
}

func TestNormalizeRecord_Defaults(t *testing.T) {
	row, err := NormalizeRecord([]byte(`{"symbol":"ETHUSDT","ts_ms":1700000000000,"mid":2000}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.Consistency)
	assert.Equal(t, 2.0, row.SpreadBps)
	assert.Equal(t, model.ScenarioQuietLow, row.Scenario2x2)
}

func TestNormalizeRecord_Corrupt(t *testing.T) {
	_, err := NormalizeRecord([]byte(`{"symbol":`))
	require.Error(t, err)
}
