// Package adapter is the uniform order-submission surface over backtest
// and testnet/live execution. It normalises orders to the exchange grid,
// enforces token-bucket rate limits, and emits submit/ack/fill/reject
// events. No error is ever silently swallowed.
package adapter

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
)

// Error kinds. Rejected is order-local and final; Transient is remote
// and retryable with jitter up to a bound, after which it degrades to
// Rejected; Exchange is remote and non-retryable.
var (
	ErrRejected  = errors.New("order rejected")
	ErrExchange  = errors.New("exchange error")
	ErrTransient = errors.New("transient exchange error")
)

// Grid normalises quantity and price onto the venue's lot/tick steps
// before submission and enforces the minimum notional locally.
type Grid struct {
	lot         decimal.Decimal
	tick        decimal.Decimal
	minNotional decimal.Decimal
}

// NewGrid parses the decimal grid steps from config strings.
func NewGrid(cfg config.AdapterConfig) (*Grid, error) {
	lot, err := decimal.NewFromString(cfg.LotSize)
	if err != nil || lot.Sign() <= 0 {
		return nil, fmt.Errorf("adapter lot_size %q invalid", cfg.LotSize)
	}
	tick, err := decimal.NewFromString(cfg.TickSize)
	if err != nil || tick.Sign() <= 0 {
		return nil, fmt.Errorf("adapter tick_size %q invalid", cfg.TickSize)
	}
	return &Grid{
		lot:         lot,
		tick:        tick,
		minNotional: decimal.NewFromFloat(cfg.MinNotionalUSD),
	}, nil
}

// Normalize floors qty to the lot grid and rounds price to the nearest
// tick, then checks min-notional against the reference price. The
// returned order is what actually goes over the wire.
func (g *Grid) Normalize(o model.Order) (model.Order, error) {
	qty := decimal.NewFromFloat(o.Qty)
	qty = qty.Div(g.lot).Floor().Mul(g.lot)
	if qty.Sign() <= 0 {
		return o, fmt.Errorf("%w: qty %.10f below lot %s", ErrRejected, o.Qty, g.lot)
	}
	o.Qty, _ = qty.Float64()

	if o.Price > 0 {
		px := decimal.NewFromFloat(o.Price)
		px = px.Div(g.tick).Round(0).Mul(g.tick)
		o.Price, _ = px.Float64()
	}

	ref := decimal.NewFromFloat(o.Price)
	if ref.Sign() > 0 {
		notional := qty.Mul(ref)
		if notional.LessThan(g.minNotional) {
			return o, fmt.Errorf("%w: notional %s below min %s", ErrRejected, notional, g.minNotional)
		}
	}
	return o, nil
}

// Limits wraps the per-action token buckets. Over-limit submissions are
// rejected, never queued beyond the bucket. Bucket refill is measured on
// the injected clock: wall time on the wire path, stream time on the
// backtest and dry-run paths, so replays throttle on tape timestamps
// rather than host speed.
type Limits struct {
	place  *rate.Limiter
	cancel *rate.Limiter
	now    func() time.Time
}

// NewLimits builds wall-clock buckets and publishes the configured place
// rate.
func NewLimits(cfg config.AdapterConfig) *Limits {
	return NewSimLimits(cfg, time.Now)
}

// NewSimLimits builds buckets refilled on the caller's clock.
func NewSimLimits(cfg config.AdapterConfig, now func() time.Time) *Limits {
	metrics.SetCurrentRateLimit(cfg.RateLimit.Place.RPS)
	return &Limits{
		place:  rate.NewLimiter(rate.Limit(cfg.RateLimit.Place.RPS), cfg.RateLimit.Place.Burst),
		cancel: rate.NewLimiter(rate.Limit(cfg.RateLimit.Cancel.RPS), cfg.RateLimit.Cancel.Burst),
		now:    now,
	}
}

// AllowPlace consumes one place token, counting throttles.
func (l *Limits) AllowPlace() error {
	if !l.place.AllowN(l.now(), 1) {
		metrics.ThrottleTotal("place")
		return fmt.Errorf("%w: place rate limit", ErrRejected)
	}
	return nil
}

// AllowCancel consumes one cancel token, counting throttles.
func (l *Limits) AllowCancel() error {
	if !l.cancel.AllowN(l.now(), 1) {
		metrics.ThrottleTotal("cancel")
		return fmt.Errorf("%w: cancel rate limit", ErrRejected)
	}
	return nil
}

// streamClock tracks the newest tick timestamp an adapter has observed.
type streamClock struct {
	ms atomic.Int64
}

func (c *streamClock) advance(tsMs int64) {
	for {
		cur := c.ms.Load()
		if tsMs <= cur || c.ms.CompareAndSwap(cur, tsMs) {
			return
		}
	}
}

func (c *streamClock) now() time.Time { return time.UnixMilli(c.ms.Load()) }
