// Package align converts the interleaved raw price+orderbook stream into
// the canonical per-symbol, per-second feature row, and applies the
// legacy field normalization before rows reach the signal core.
package align

import (
	"sync"
	"sync/atomic"

	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/reader"
)

// Config holds the alignment thresholds. Active/Quiet and High/Low are
// decoupled axes: Active is thresholded on spread_bps, High on
// |return_1s|. No combined scalar is used.
type Config struct {
	SpreadActiveBps float64 // Active iff spread_bps <= this
	VolHighBps      float64 // High iff |return_1s| >= this
	ExpectedFeeds   int     // consistency denominator, normally 2
}

// Stats carries aligner counters into the run manifest.
type Stats struct {
	BucketsEmitted atomic.Int64 `json:"-"`
	GapSeconds     atomic.Int64 `json:"-"`
}

// Snapshot returns a plain view for JSON encoding.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"buckets_emitted": s.BucketsEmitted.Load(),
		"gap_seconds":     s.GapSeconds.Load(),
	}
}

// SecondAligner buckets one symbol's raw rows by second. It is a
// sequential consumer; the pipeline runs one per symbol.
type SecondAligner struct {
	cfg    Config
	symbol string
	stats  *Stats

	mu sync.Mutex

	curSec     int64 // current bucket second, unix
	started    bool
	emittedSec int64 // last emitted bucket second

	// Bucket accumulation for curSec.
	priceSeen, bookSeen bool
	price               float64
	bestBid, bestAsk    float64
	zOFI, zCVD          float64
	lagMsPrice          int64
	lagMsBook           int64

	// Last-known-good carryover.
	haveGood      bool
	goodMid       float64
	goodBid       float64
	goodAsk       float64
	goodSpread    float64
	goodZOFI      float64
	goodZCVD      float64
	lastNonGapMid float64
}

// NewSecondAligner constructs an aligner for one symbol.
func NewSecondAligner(symbol string, cfg Config, stats *Stats) *SecondAligner {
	if cfg.ExpectedFeeds <= 0 {
		cfg.ExpectedFeeds = 2
	}
	return &SecondAligner{cfg: cfg, symbol: symbol, stats: stats}
}

// Push feeds one raw row and returns the feature rows completed by it,
// gap seconds included, in strictly ascending ts_ms.
func (a *SecondAligner) Push(row reader.RawRow) []model.FeatureRow {
	a.mu.Lock()
	defer a.mu.Unlock()

	sec := row.TsMs / 1000
	var out []model.FeatureRow
	if !a.started {
		a.started = true
		a.curSec = sec
		a.emittedSec = sec - 1
	} else if sec > a.curSec {
		out = append(out, a.closeBucketLocked()...)
		// Fabricate gap seconds up to (not including) the new bucket.
		for s := a.emittedSec + 1; s < sec; s++ {
			out = append(out, a.gapRowLocked(s))
		}
		a.curSec = sec
	}

	bucketEndMs := (sec + 1) * 1000
	eventTs := row.EventTsMs
	if eventTs == 0 {
		eventTs = row.TsMs
	}
	switch row.Kind {
	case reader.KindPrice:
		a.priceSeen = true
		a.price = row.Price
		a.lagMsPrice = bucketEndMs - eventTs
	case reader.KindOrderbook:
		a.bookSeen = true
		a.bestBid = row.BestBid
		a.bestAsk = row.BestAsk
		a.zOFI = row.ZOFI
		a.zCVD = row.ZCVD
		a.lagMsBook = bucketEndMs - eventTs
	}
	return out
}

// Flush closes the open bucket at end of stream.
func (a *SecondAligner) Flush() []model.FeatureRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	return a.closeBucketLocked()
}

// closeBucketLocked emits the current bucket using the last observation
// in it, falling back to a gap row when nothing arrived.
func (a *SecondAligner) closeBucketLocked() []model.FeatureRow {
	defer func() {
		a.priceSeen, a.bookSeen = false, false
		a.lagMsPrice, a.lagMsBook = 0, 0
	}()

	if !a.priceSeen && !a.bookSeen {
		if a.curSec > a.emittedSec {
			row := a.gapRowLocked(a.curSec)
			return []model.FeatureRow{row}
		}
		return nil
	}

	bid, ask := a.goodBid, a.goodAsk
	if a.bookSeen {
		bid, ask = a.bestBid, a.bestAsk
	}
	mid := a.goodMid
	switch {
	case a.priceSeen && bid > 0 && ask > 0:
		mid = clamp(a.price, bid, ask)
	case a.priceSeen:
		mid = a.price
	case bid > 0 && ask > 0:
		mid = (bid + ask) / 2
	}

	spreadBps := a.goodSpread
	if bid > 0 && ask > 0 && mid > 0 {
		spreadBps = (ask - bid) / mid * 10000
		if spreadBps < 0 {
			spreadBps = 0
		}
	}

	zOFI, zCVD := a.goodZOFI, a.goodZCVD
	if a.bookSeen {
		zOFI, zCVD = a.zOFI, a.zCVD
	}

	// Basis-point return vs the last non-gap mid; never stale next-bar data.
	ret := 0.0
	if a.lastNonGapMid > 0 {
		ret = (mid - a.lastNonGapMid) / a.lastNonGapMid * 10000
	}

	feeds := 0
	if a.priceSeen {
		feeds++
	}
	if a.bookSeen {
		feeds++
	}

	row := model.FeatureRow{
		Symbol:         a.symbol,
		TsMs:           a.curSec * 1000,
		Mid:            mid,
		BestBid:        bid,
		BestAsk:        ask,
		SpreadBps:      spreadBps,
		ZOFI:           zOFI,
		ZCVD:           zCVD,
		Return1s:       ret,
		LagMsPrice:     a.lagMsPrice,
		LagMsOrderbook: a.lagMsBook,
		IsGapSecond:    false,
		Consistency:    float64(feeds) / float64(a.cfg.ExpectedFeeds),
		Warmup:         !a.haveGood && feeds < a.cfg.ExpectedFeeds,
		Scenario2x2:    a.scenario(spreadBps, ret),
	}

	a.haveGood = true
	a.goodMid, a.goodBid, a.goodAsk = mid, bid, ask
	a.goodSpread = spreadBps
	a.goodZOFI, a.goodZCVD = zOFI, zCVD
	a.lastNonGapMid = mid
	a.emittedSec = a.curSec
	if a.stats != nil {
		a.stats.BucketsEmitted.Add(1)
	}
	return []model.FeatureRow{row}
}

// gapRowLocked copies last-known-good values into a tagged gap second.
func (a *SecondAligner) gapRowLocked(sec int64) model.FeatureRow {
	if a.stats != nil {
		a.stats.GapSeconds.Add(1)
		a.stats.BucketsEmitted.Add(1)
	}
	metrics.GapSecond(a.symbol)
	a.emittedSec = sec
	return model.FeatureRow{
		Symbol:      a.symbol,
		TsMs:        sec * 1000,
		Mid:         a.goodMid,
		BestBid:     a.goodBid,
		BestAsk:     a.goodAsk,
		SpreadBps:   a.goodSpread,
		ZOFI:        a.goodZOFI,
		ZCVD:        a.goodZCVD,
		Return1s:    0,
		IsGapSecond: true,
		Consistency: 0,
		Warmup:      !a.haveGood,
		Scenario2x2: a.scenario(a.goodSpread, 0),
	}
}

// scenario tags the decoupled 2x2 regime label.
func (a *SecondAligner) scenario(spreadBps, returnBps float64) model.Scenario {
	active := spreadBps <= a.cfg.SpreadActiveBps
	high := abs(returnBps) >= a.cfg.VolHighBps
	switch {
	case active && high:
		return model.ScenarioActiveHigh
	case active:
		return model.ScenarioActiveLow
	case high:
		return model.ScenarioQuietHigh
	default:
		return model.ScenarioQuietLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
