package model

// Scenario is the discrete 2x2 market regime label: Active/Quiet on the
// spread axis crossed with High/Low on the volatility axis.
type Scenario string

const (
	ScenarioActiveHigh Scenario = "A_H"
	ScenarioActiveLow  Scenario = "A_L"
	ScenarioQuietHigh  Scenario = "Q_H"
	ScenarioQuietLow   Scenario = "Q_L"
)

// Active reports whether the spread axis of the scenario is Active.
func (s Scenario) Active() bool {
	return s == ScenarioActiveHigh || s == ScenarioActiveLow
}

// Valid reports whether s is one of the four defined labels.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioActiveHigh, ScenarioActiveLow, ScenarioQuietHigh, ScenarioQuietLow:
		return true
	}
	return false
}

// FeatureRow is one canonical per-second record for one symbol after
// alignment and normalization. Invariants: BestBid <= Mid <= BestAsk,
// SpreadBps >= 0, TsMs strictly increasing per symbol within a session.
type FeatureRow struct {
	Symbol string `json:"symbol"`
	TsMs   int64  `json:"ts_ms"`

	// Market state at the end of the second bucket.
	Mid       float64 `json:"mid"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	SpreadBps float64 `json:"spread_bps"`

	// Flow features.
	ZOFI        float64 `json:"z_ofi"`
	ZCVD        float64 `json:"z_cvd"`
	FusionScore float64 `json:"fusion_score"`
	Return1s    float64 `json:"return_1s"` // basis points vs last non-gap mid

	// Quality tags.
	LagMsPrice     int64    `json:"lag_ms_price"`
	LagMsOrderbook int64    `json:"lag_ms_orderbook"`
	LagSec         float64  `json:"lag_sec"`
	IsGapSecond    bool     `json:"is_gap_second"`
	Consistency    float64  `json:"consistency"` // fraction of expected sub-feeds present, [0,1]
	Warmup         bool     `json:"warmup"`
	Scenario2x2    Scenario `json:"scenario_2x2"`
}

// VolBps is the absolute one-second return, the volatility axis input
// for scenario tagging and the piecewise slippage model.
func (f *FeatureRow) VolBps() float64 {
	if f.Return1s < 0 {
		return -f.Return1s
	}
	return f.Return1s
}
