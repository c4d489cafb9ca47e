package adapter

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/metrics"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/sim"
)

// TestnetAdapter submits real orders to the venue's testnet REST API,
// recording every submit/ack/fill/reject to the adapter event stream.
// With DryRun set it skips the wire call entirely but still synthesizes
// the event stream and deterministic fills on the caller's sim clock,
// which is what the equivalence harness runs against the backtest path.
type TestnetAdapter struct {
	mu      sync.Mutex
	cfg     config.AdapterConfig
	grid    *Grid
	limits  *Limits
	clock   streamClock
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	events  *EventLog
	dryRun  bool

	// Dry-run fill synthesis shares the simulator's cost models so the
	// equivalence contract is achievable.
	fees *sim.FeeModel
	slip *sim.SlippageModel

	quotes    map[string]sim.Tick
	pending   []model.Fill
	positions map[string]float64
	inflight  map[string]model.Order
}

// NewTestnetAdapter wires the HTTP client, breaker, grid and event log.
func NewTestnetAdapter(acfg config.AdapterConfig, bcfg config.BacktestConfig, events *EventLog) (*TestnetAdapter, error) {
	grid, err := NewGrid(acfg)
	if err != nil {
		return nil, err
	}
	client := resty.New().
		SetBaseURL(acfg.BaseURL).
		SetTimeout(time.Duration(acfg.SubmitTimeoutMs) * time.Millisecond)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "testnet-orders",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	a := &TestnetAdapter{
		cfg:       acfg,
		grid:      grid,
		client:    client,
		breaker:   breaker,
		events:    events,
		dryRun:    acfg.DryRun,
		fees:      sim.NewFeeModel(bcfg),
		slip:      sim.NewSlippageModel(bcfg),
		quotes:    make(map[string]sim.Tick),
		positions: make(map[string]float64),
		inflight:  make(map[string]model.Order),
	}
	// Dry-run replays refill the rate buckets on tape time; the wire
	// path keeps wall-clock buckets.
	if acfg.DryRun {
		a.limits = NewSimLimits(acfg, a.clock.now)
	} else {
		a.limits = NewLimits(acfg)
	}
	return a, nil
}

// OnTick caches the latest quote context per symbol for dry-run fills
// and advances the replay limiter clock.
func (a *TestnetAdapter) OnTick(t sim.Tick) {
	a.clock.advance(t.TsMs)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes[t.Symbol] = t
}

// Submit normalises, rate-limits and routes the order. Transient remote
// failures are retried with jitter up to the configured bound, then
// degrade to Rejected.
func (a *TestnetAdapter) Submit(order model.Order) (string, error) {
	start := time.Now()
	if err := a.limits.AllowPlace(); err != nil {
		metrics.SubmitTotal("rejected", "rate_limit")
		a.events.Append(Event{Kind: EventReject, TsMs: order.TsMs, Symbol: order.Symbol,
			ClientOrderID: order.ClientOrderID, Reason: "rate_limit", DryRun: a.dryRun})
		return "", err
	}
	norm, err := a.grid.Normalize(order)
	if err != nil {
		metrics.SubmitTotal("rejected", "normalize")
		a.events.Append(Event{Kind: EventReject, TsMs: order.TsMs, Symbol: order.Symbol,
			ClientOrderID: order.ClientOrderID, Reason: "normalize", DryRun: a.dryRun})
		return "", err
	}

	a.events.Append(Event{Kind: EventSubmit, TsMs: norm.TsMs, Symbol: norm.Symbol,
		ClientOrderID: norm.ClientOrderID, Side: string(norm.Side), Qty: norm.Qty,
		Price: norm.Price, DryRun: a.dryRun})

	if a.dryRun {
		return a.fillDry(norm, start)
	}
	return a.fillWire(norm, start)
}

// fillDry synthesizes the ack+fill at the cached quote, sim clock only.
func (a *TestnetAdapter) fillDry(norm model.Order, start time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.quotes[norm.Symbol]
	if !ok || q.Mid <= 0 {
		metrics.SubmitTotal("rejected", "no_price")
		a.events.Append(Event{Kind: EventReject, TsMs: norm.TsMs, Symbol: norm.Symbol,
			ClientOrderID: norm.ClientOrderID, Reason: "no_price", DryRun: true})
		return "", fmt.Errorf("%w: no quote for %s", ErrRejected, norm.Symbol)
	}

	execPx, _ := a.slip.Apply(norm.Side, q.Mid, q.Scenario, q.SpreadBps)
	fee, maker, _ := a.fees.Assess(norm.Qty*q.Mid, q.Scenario)
	liq := model.LiquidityTaker
	if maker {
		liq = model.LiquidityMaker
	}
	fill := model.Fill{
		ClientOrderID: norm.ClientOrderID,
		Symbol:        norm.Symbol,
		Side:          norm.Side,
		Qty:           norm.Qty,
		ExecPrice:     execPx,
		Fee:           fee,
		Liquidity:     liq,
		TsMs:          q.TsMs,
	}
	a.pending = append(a.pending, fill)
	delta := norm.Qty
	if norm.Side == model.SideSell {
		delta = -delta
	}
	a.positions[norm.Symbol] += delta

	a.events.Append(Event{Kind: EventAck, TsMs: q.TsMs, Symbol: norm.Symbol,
		ClientOrderID: norm.ClientOrderID, DryRun: true})
	a.events.Append(Event{Kind: EventFill, TsMs: q.TsMs, Symbol: norm.Symbol,
		ClientOrderID: norm.ClientOrderID, Side: string(norm.Side), Qty: norm.Qty,
		Price: execPx, Fee: fee, DryRun: true})
	metrics.SubmitTotal("filled", "ok")
	metrics.ObserveSubmitLatency("filled", time.Since(start).Seconds())
	return norm.ClientOrderID, nil
}

// fillWire issues the real request behind the breaker.
func (a *TestnetAdapter) fillWire(norm model.Order, start time.Time) (string, error) {
	body := map[string]any{
		"client_order_id": norm.ClientOrderID,
		"symbol":          norm.Symbol,
		"side":            norm.Side,
		"qty":             norm.Qty,
		"type":            norm.OrderType,
	}
	if norm.OrderType == model.OrderTypeLimit {
		body["price"] = norm.Price
	}

	var lastErr error
	attempts := a.cfg.TransientRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := a.breaker.Execute(func() (any, error) {
			resp, err := a.client.R().SetBody(body).Post("/api/v1/order")
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransient, err)
			}
			switch {
			case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
				return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode())
			case resp.StatusCode() >= 400:
				return nil, fmt.Errorf("%w: status %d: %s", ErrExchange, resp.StatusCode(), resp.String())
			}
			return nil, nil
		})
		if err == nil {
			a.mu.Lock()
			a.inflight[norm.ClientOrderID] = norm
			a.mu.Unlock()
			a.events.Append(Event{Kind: EventAck, TsMs: norm.TsMs, Symbol: norm.Symbol,
				ClientOrderID: norm.ClientOrderID})
			metrics.SubmitTotal("accepted", "ok")
			metrics.ObserveSubmitLatency("accepted", time.Since(start).Seconds())
			return norm.ClientOrderID, nil
		}
		lastErr = err
		if !isTransient(err) || attempt+1 >= attempts {
			break
		}
		// Jittered backoff between transient retries.
		sleep := time.Duration(50+rand.Intn(100)) * time.Millisecond << attempt
		log.Warn().Err(err).Dur("backoff", sleep).Str("client_order_id", norm.ClientOrderID).
			Msg("transient submit failure, retrying")
		time.Sleep(sleep)
	}

	metrics.SubmitTotal("rejected", "remote")
	a.events.Append(Event{Kind: EventReject, TsMs: norm.TsMs, Symbol: norm.Symbol,
		ClientOrderID: norm.ClientOrderID, Reason: lastErr.Error()})
	if isTransient(lastErr) {
		return "", fmt.Errorf("%w: retries exhausted: %v", ErrRejected, lastErr)
	}
	return "", lastErr
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Cancel consumes a cancel token and, on the wire path, issues the
// cancel request.
func (a *TestnetAdapter) Cancel(clientOrderID string) error {
	if err := a.limits.AllowCancel(); err != nil {
		return err
	}
	if a.dryRun {
		return nil
	}
	resp, err := a.client.R().Delete("/api/v1/order/" + clientOrderID)
	if err != nil {
		return fmt.Errorf("%w: cancel: %v", ErrTransient, err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("%w: cancel status %d", ErrExchange, resp.StatusCode())
	}
	a.mu.Lock()
	delete(a.inflight, clientOrderID)
	a.mu.Unlock()
	return nil
}

// FetchFills drains the pending fills in submission order. On the wire
// path fills arrive from polling; dry-run fills are synthesized inline.
func (a *TestnetAdapter) FetchFills() []model.Fill {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// Positions returns the signed net quantity per symbol.
func (a *TestnetAdapter) Positions() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.positions))
	for sym, qty := range a.positions {
		if qty != 0 {
			out[sym] = qty
		}
	}
	return out
}

// Close cancels in-flight orders best-effort and closes the event log.
func (a *TestnetAdapter) Close() error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.inflight))
	for id := range a.inflight {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		if err := a.Cancel(id); err != nil {
			log.Warn().Err(err).Str("client_order_id", id).Msg("cancel on close failed")
		}
	}
	return a.events.Close()
}
