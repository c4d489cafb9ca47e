package align

import (
	"encoding/json"

	"github.com/tradecore/microflow/internal/model"
)

// Default fills applied when a field is missing from a legacy record.
const (
	defaultConsistency = 1.0
	defaultSpreadBps   = 2.0
)

// NormalizeRow applies the canonical defaults and lag aggregation to an
// aligned row in place. Idempotent.
func NormalizeRow(row *model.FeatureRow) {
	if row.LagSec == 0 {
		lag := row.LagMsPrice
		if row.LagMsOrderbook > lag {
			lag = row.LagMsOrderbook
		}
		if lag < 0 {
			lag = 0
		}
		row.LagSec = float64(lag) / 1000
	}
	if row.Consistency == 0 && !row.IsGapSecond {
		row.Consistency = defaultConsistency
	}
	if row.SpreadBps == 0 {
		row.SpreadBps = defaultSpreadBps
	}
	if !row.Scenario2x2.Valid() {
		row.Scenario2x2 = model.ScenarioQuietLow
	}
}

// legacyRenames maps pre-v2 field names onto the canonical schema.
var legacyRenames = map[string]string{
	"ofi_z": "z_ofi",
	"cvd_z": "z_cvd",
}

// NormalizeRecord decodes one recorded feature object, renaming legacy
// keys and filling defaults. It is what the replay feeder uses to read
// old tapes; NormalizeRow finishes the job on the typed row.
func NormalizeRecord(raw []byte) (model.FeatureRow, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.FeatureRow{}, err
	}
	for old, canonical := range legacyRenames {
		if v, ok := m[old]; ok {
			if _, exists := m[canonical]; !exists {
				m[canonical] = v
			}
			delete(m, old)
		}
	}
	renamed, err := json.Marshal(m)
	if err != nil {
		return model.FeatureRow{}, err
	}
	var row model.FeatureRow
	if err := json.Unmarshal(renamed, &row); err != nil {
		return model.FeatureRow{}, err
	}
	NormalizeRow(&row)
	return row, nil
}
