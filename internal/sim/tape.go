package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tradecore/microflow/internal/model"
)

// WriteTradeTape persists closed trades to the exec log layout:
// <outputDir>/ready/execlog/<SYMBOL>/exec_log_<runID>.jsonl. Byte
// output is deterministic for a deterministic trade slice.
func WriteTradeTape(outputDir, runID string, trades []model.Trade) error {
	bySymbol := make(map[string][]model.Trade)
	for _, tr := range trades {
		bySymbol[tr.Symbol] = append(bySymbol[tr.Symbol], tr)
	}
	for sym, trs := range bySymbol {
		dir := filepath.Join(outputDir, "ready", "execlog", sym)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir execlog: %w", err)
		}
		path := filepath.Join(dir, "exec_log_"+runID+".jsonl")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create exec log: %w", err)
		}
		for i := range trs {
			line, err := json.Marshal(&trs[i])
			if err != nil {
				f.Close()
				return fmt.Errorf("marshal trade: %w", err)
			}
			if _, err := f.Write(append(line, '\n')); err != nil {
				f.Close()
				return fmt.Errorf("append trade: %w", err)
			}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("fsync exec log: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close exec log: %w", err)
		}
	}
	return nil
}
