package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// EventKind tags one adapter lifecycle event.
type EventKind string

const (
	EventSubmit EventKind = "submit"
	EventAck    EventKind = "ack"
	EventFill   EventKind = "fill"
	EventReject EventKind = "reject"
)

// Event is one line of the adapter_event stream.
type Event struct {
	Kind          EventKind `json:"kind"`
	TsMs          int64     `json:"ts_ms"`
	Symbol        string    `json:"symbol"`
	ClientOrderID string    `json:"client_order_id"`
	Side          string    `json:"side,omitempty"`
	Qty           float64   `json:"qty,omitempty"`
	Price         float64   `json:"price,omitempty"`
	Fee           float64   `json:"fee,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	DryRun        bool      `json:"dry_run,omitempty"`
}

// EventLog appends adapter events per symbol:
// <outputDir>/ready/adapter/<SYMBOL>/adapter_event-<runID>.jsonl.
type EventLog struct {
	outputDir string
	runID     string
	files     map[string]*os.File
}

// NewEventLog creates the event stream writer.
func NewEventLog(outputDir, runID string) *EventLog {
	return &EventLog{outputDir: outputDir, runID: runID, files: make(map[string]*os.File)}
}

// Append writes one event line. Event-log failures are logged, not
// propagated; the order flow continues.
func (l *EventLog) Append(ev Event) {
	f, ok := l.files[ev.Symbol]
	if !ok {
		dir := filepath.Join(l.outputDir, "ready", "adapter", ev.Symbol)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Msg("adapter event dir unavailable")
			return
		}
		path := filepath.Join(dir, "adapter_event-"+l.runID+".jsonl")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error().Err(err).Msg("adapter event log open failed")
			return
		}
		l.files[ev.Symbol] = f
	}
	line, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("adapter event marshal failed")
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Str("client_order_id", ev.ClientOrderID).Msg("adapter event append failed")
	}
}

// Close fsyncs and closes all event files.
func (l *EventLog) Close() error {
	var first error
	for sym, f := range l.files {
		if err := f.Sync(); err != nil && first == nil {
			first = fmt.Errorf("fsync adapter events %s: %w", sym, err)
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(l.files, sym)
	}
	return first
}
