// Package sim is the deterministic trade simulator shared by the
// backtest executor and the backtest broker adapter. Given the same
// signal tape, mid stream, config, seed and clock its outputs are
// bit-identical across runs.
package sim

import (
	"math/rand"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/model"
)

// FeeModel prices each order under taker_static or maker_taker.
type FeeModel struct {
	cfg      config.BacktestConfig
	rng      *rand.Rand // nil unless bernoulli accounting
}

// NewFeeModel builds the fee accountant. In bernoulli mode the RNG is
// seeded from config, so the maker/taker draw sequence is reproducible.
func NewFeeModel(cfg config.BacktestConfig) *FeeModel {
	fm := &FeeModel{cfg: cfg}
	if cfg.FeeModel == "maker_taker" && cfg.FeeMakerTaker.AccountingMode == "bernoulli" {
		fm.rng = rand.New(rand.NewSource(cfg.FeeMakerTaker.BernoulliSeed))
	}
	return fm
}

// MakerProbability returns the per-scenario expected maker probability.
func (fm *FeeModel) MakerProbability(sc model.Scenario) float64 {
	p := fm.cfg.FeeMakerTaker.ScenarioProbs
	switch sc {
	case model.ScenarioQuietLow:
		return p.QL
	case model.ScenarioActiveLow:
		return p.AL
	case model.ScenarioActiveHigh:
		return p.AH
	case model.ScenarioQuietHigh:
		return p.QH
	default:
		return p.Default
	}
}

// Assess returns the fee in quote currency for one order of the given
// notional executed under scenario sc, plus the maker flag and the
// probability used. Draw order is the event order, so determinism
// requires single-threaded event processing, which the simulator
// guarantees.
func (fm *FeeModel) Assess(notional float64, sc model.Scenario) (fee float64, maker bool, prob float64) {
	if fm.cfg.FeeModel != "maker_taker" {
		return notional * fm.cfg.TakerFeeBps / 10000, false, 0
	}
	prob = fm.MakerProbability(sc)
	switch fm.cfg.FeeMakerTaker.AccountingMode {
	case "bernoulli":
		maker = fm.rng.Float64() < prob
	default: // threshold
		maker = prob > fm.cfg.FeeMakerTaker.MakerThreshold
	}
	feeBps := fm.cfg.TakerFeeBps
	if maker {
		feeBps = fm.cfg.TakerFeeBps * fm.cfg.FeeMakerTaker.MakerFeeRatio
	}
	return notional * feeBps / 10000, maker, prob
}
