package model

// MetaFeatureData is the meta key under which the feeder attaches the
// scenario context of the row that produced a signal.
const MetaFeatureData = "_feature_data"

// FeatureData is the scenario payload downstream cost and slippage
// models consume. It rides inside Signal.Meta, never in the relational
// columns.
type FeatureData struct {
	SpreadBps   float64  `json:"spread_bps"`
	VolBps      float64  `json:"vol_bps"`
	Scenario2x2 Scenario `json:"scenario_2x2"`
	FeeTier     string   `json:"fee_tier"`
	Session     string   `json:"session"`
	Return1s    float64  `json:"return_1s"`
}
