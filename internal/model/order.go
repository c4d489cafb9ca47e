package model

// OrderType restricts orders to the two types the executors produce.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Liquidity classifies how a fill crossed the book.
type Liquidity string

const (
	LiquidityMaker   Liquidity = "maker"
	LiquidityTaker   Liquidity = "taker"
	LiquidityUnknown Liquidity = "unknown"
)

// Order is the normalized submission record handed to an adapter.
// ClientOrderID equals the originating signal_id (or its deterministic
// hash when longer than the venue limit).
type Order struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price,omitempty"` // unset for MARKET
	OrderType     OrderType `json:"order_type"`
	TsMs          int64     `json:"ts_ms"`
}

// Fill is one execution against a submitted order.
type Fill struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	ExecPrice     float64   `json:"exec_price"`
	Fee           float64   `json:"fee"`
	Liquidity     Liquidity `json:"liquidity"`
	TsMs          int64     `json:"ts_ms"`
}

// Position is the single net position a symbol may hold at any instant.
// Partial fills accumulate into it; it is closed on exit or rollover.
type Position struct {
	Symbol                string   `json:"symbol"`
	Side                  Side     `json:"side"`
	EntryTsMs             int64    `json:"entry_ts_ms"`
	EntryPx               float64  `json:"entry_px"`
	Qty                   float64  `json:"qty"`
	EntryFee              float64  `json:"entry_fee"`
	EntryNotional         float64  `json:"entry_notional"`
	EntryMakerProbability float64  `json:"entry_maker_probability"`
	EntryScenario         Scenario `json:"entry_scenario"`
	EntrySignalID         string   `json:"entry_signal_id"`
}

// SideSign returns +1 for a long position, -1 for a short one.
func (p *Position) SideSign() float64 {
	if p.Side == SideSell {
		return -1
	}
	return 1
}

// UnrealizedBps is the signed open PnL in basis points of entry price.
func (p *Position) UnrealizedBps(mid float64) float64 {
	if p.EntryPx == 0 {
		return 0
	}
	return p.SideSign() * (mid - p.EntryPx) / p.EntryPx * 10000
}

// ExitReason labels why a position was closed, in ladder priority order.
type ExitReason string

const (
	ExitTimeout       ExitReason = "timeout"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitReverseSignal ExitReason = "reverse_signal"
	ExitRolloverClose ExitReason = "rollover_close"
)

// Trade is one closed round trip. GrossPnL is the atomic truth; NetPnL
// already nets fees and slippage and must never be re-deducted by
// reporters.
type Trade struct {
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	EntryTsMs     int64      `json:"entry_ts_ms"`
	ExitTsMs      int64      `json:"exit_ts_ms"`
	EntryPx       float64    `json:"entry_px"`
	ExitPx        float64    `json:"exit_px"`
	Qty           float64    `json:"qty"`
	EntryNotional float64    `json:"entry_notional"`
	EntryFee      float64    `json:"entry_fee"`
	ExitFee       float64    `json:"exit_fee"`
	SlippageCost  float64    `json:"slippage_cost"`
	GrossPnL      float64    `json:"gross_pnl"`
	NetPnL        float64    `json:"net_pnl"`
	PnLBps        float64    `json:"pnl_bps"`
	ExitReason    ExitReason `json:"exit_reason"`
	EntrySignalID string     `json:"entry_signal_id"`
	ExitSignalID  string     `json:"exit_signal_id,omitempty"`
	EntryScenario Scenario   `json:"entry_scenario"`
	BusinessDate  string     `json:"business_date"` // YYYY-MM-DD under the rollover clock
	HoldSec       int64      `json:"hold_sec"`
	EntryMaker    bool       `json:"entry_maker"`
	ExitMaker     bool       `json:"exit_maker"`
}
