package sim

import (
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
)

// SlippageModel converts a mid price into the execution price offset.
type SlippageModel struct {
	cfg config.BacktestConfig
}

// NewSlippageModel builds the configured model (static or piecewise).
func NewSlippageModel(cfg config.BacktestConfig) *SlippageModel {
	return &SlippageModel{cfg: cfg}
}

// Bps returns the slippage cost in basis points of mid for one order
// under the scenario and observed spread.
func (sm *SlippageModel) Bps(sc model.Scenario, spreadBps float64) float64 {
	if sm.cfg.SlippageModel != "piecewise" {
		return sm.cfg.SlippageBps
	}
	mult, ok := sm.cfg.SlippagePiecewise.ScenarioMultipliers[string(sc)]
	if !ok {
		mult = 1.0
	}
	// Spread factor grows linearly per 10 bps of spread.
	factor := 1 + sm.cfg.SlippagePiecewise.SpreadBaseMultiplier*spreadBps/10
	return sm.cfg.SlippageBps * mult * factor
}

// Apply offsets mid by the slippage, signed by side: buys pay up, sells
// receive less. Returns the execution price and the per-unit cost.
func (sm *SlippageModel) Apply(side model.Side, mid float64, sc model.Scenario, spreadBps float64) (execPx, costPerUnit float64) {
	bps := sm.Bps(sc, spreadBps)
	offset := mid * bps / 10000
	if side == model.SideSell {
		return mid - offset, offset
	}
	return mid + offset, offset
}
