package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tradecore/microflow/internal/model"
)

// signalsSchema is the relational half of the dual sink. WITHOUT ROWID
// keeps the primary key clustered; meta is JSON-encoded text.
const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	schema_version  TEXT NOT NULL,
	ts_ms           INTEGER NOT NULL,
	symbol          TEXT NOT NULL,
	signal_id       TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	side_hint       TEXT NOT NULL,
	score           REAL NOT NULL,
	regime          TEXT NOT NULL,
	div_type        TEXT NOT NULL DEFAULT '',
	gating          INTEGER NOT NULL,
	confirm         INTEGER NOT NULL,
	cooldown_ms     INTEGER NOT NULL,
	expiry_ms       INTEGER NOT NULL,
	decision_code   TEXT NOT NULL,
	decision_reason TEXT NOT NULL DEFAULT '',
	config_hash     TEXT NOT NULL,
	meta            TEXT,
	PRIMARY KEY (symbol, ts_ms, signal_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_signals_run_id ON signals(run_id);
`

const insertSignal = `
INSERT OR REPLACE INTO signals (
	schema_version, ts_ms, symbol, signal_id, run_id, seq, side_hint, score,
	regime, div_type, gating, confirm, cooldown_ms, expiry_ms,
	decision_code, decision_reason, config_hash, meta
) VALUES (
	:schema_version, :ts_ms, :symbol, :signal_id, :run_id, :seq, :side_hint, :score,
	:regime, :div_type, :gating, :confirm, :cooldown_ms, :expiry_ms,
	:decision_code, :decision_reason, :config_hash, :meta
)`

// SQLiteSink writes batched signal rows in single transactions. The
// connection is held exclusively by the sink worker goroutine.
type SQLiteSink struct {
	db            *sqlx.DB
	commitTimeout time.Duration
}

// OpenSQLite opens (or creates) <outputDir>/<dbName> with WAL and the
// configured busy_timeout, and applies the schema.
func OpenSQLite(outputDir, dbName string, busyTimeoutMs, commitTimeoutMs int64) (*SQLiteSink, error) {
	path := filepath.Join(outputDir, dbName)
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeoutMs)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; modernc sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(signalsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply signals schema: %w", err)
	}
	return &SQLiteSink{db: db, commitTimeout: time.Duration(commitTimeoutMs) * time.Millisecond}, nil
}

// signalRow is the flat named-parameter view of a Signal.
type signalRow struct {
	SchemaVersion  string  `db:"schema_version"`
	TsMs           int64   `db:"ts_ms"`
	Symbol         string  `db:"symbol"`
	SignalID       string  `db:"signal_id"`
	RunID          string  `db:"run_id"`
	Seq            int64   `db:"seq"`
	SideHint       string  `db:"side_hint"`
	Score          float64 `db:"score"`
	Regime         string  `db:"regime"`
	DivType        string  `db:"div_type"`
	Gating         int     `db:"gating"`
	Confirm        int     `db:"confirm"`
	CooldownMs     int64   `db:"cooldown_ms"`
	ExpiryMs       int64   `db:"expiry_ms"`
	DecisionCode   string  `db:"decision_code"`
	DecisionReason string  `db:"decision_reason"`
	ConfigHash     string  `db:"config_hash"`
	Meta           *string `db:"meta"`
}

func toRow(sig *model.Signal) (signalRow, error) {
	row := signalRow{
		SchemaVersion:  sig.SchemaVersion,
		TsMs:           sig.TsMs,
		Symbol:         sig.Symbol,
		SignalID:       sig.SignalID,
		RunID:          sig.RunID,
		Seq:            sig.Seq,
		SideHint:       string(sig.SideHint),
		Score:          sig.Score,
		Regime:         string(sig.Regime),
		DivType:        sig.DivType,
		Gating:         sig.Gating,
		CooldownMs:     sig.CooldownMs,
		ExpiryMs:       sig.ExpiryMs,
		DecisionCode:   string(sig.DecisionCode),
		DecisionReason: sig.DecisionReason,
		ConfigHash:     sig.ConfigHash,
	}
	if sig.Confirm {
		row.Confirm = 1
	}
	if len(sig.Meta) > 0 {
		data, err := json.Marshal(sig.Meta)
		if err != nil {
			return row, fmt.Errorf("encode meta for %s: %w", sig.SignalID, err)
		}
		s := string(data)
		row.Meta = &s
	}
	return row, nil
}

// WriteBatch persists a batch in a single transaction, enforcing the
// write-side Top-1 rule: for each incoming (symbol, ts_ms) the losers
// already in the table are deleted before the winner is upserted.
func (s *SQLiteSink) WriteBatch(ctx context.Context, batch []model.Signal) error {
	if len(batch) == 0 {
		return nil
	}
	// Top-1 within the batch first, so at most one row per key hits SQL.
	winners := TopOne(batch)

	cctx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(cctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrSinkWriteFailed, err)
	}
	defer tx.Rollback()

	for i := range winners {
		sig := &winners[i]
		// Delete losers: rows for the same (symbol, ts_ms) whose |score|
		// loses to the incoming one, or ties with a later seq.
		if _, err := tx.ExecContext(cctx,
			`DELETE FROM signals WHERE symbol = ? AND ts_ms = ?
			   AND (ABS(score) < ABS(?) OR (ABS(score) = ABS(?) AND seq > ?))`,
			sig.Symbol, sig.TsMs, sig.Score, sig.Score, sig.Seq); err != nil {
			return fmt.Errorf("%w: delete losers: %v", model.ErrSinkWriteFailed, err)
		}
		// Skip the insert when a stronger row already holds the key.
		var n int
		if err := tx.GetContext(cctx, &n,
			`SELECT COUNT(*) FROM signals WHERE symbol = ? AND ts_ms = ?`,
			sig.Symbol, sig.TsMs); err != nil {
			return fmt.Errorf("%w: check winner: %v", model.ErrSinkWriteFailed, err)
		}
		if n > 0 {
			continue
		}
		row, err := toRow(sig)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(cctx, insertSignal, row); err != nil {
			return fmt.Errorf("%w: insert %s: %v", model.ErrSinkWriteFailed, sig.SignalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrSinkWriteFailed, err)
	}
	return nil
}

// CountByRun returns the number of rows stored for a run.
func (s *SQLiteSink) CountByRun(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM signals WHERE run_id = ?`, runID)
	return n, err
}

// ReadBySymbol returns the stored rows for one symbol ascending in ts_ms.
func (s *SQLiteSink) ReadBySymbol(ctx context.Context, symbol string) ([]model.Signal, error) {
	var rows []signalRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM signals WHERE symbol = ? ORDER BY ts_ms ASC, seq ASC`, symbol); err != nil {
		return nil, fmt.Errorf("select signals: %w", err)
	}
	out := make([]model.Signal, 0, len(rows))
	for i := range rows {
		sig, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func fromRow(row *signalRow) (model.Signal, error) {
	sig := model.Signal{
		SchemaVersion:  row.SchemaVersion,
		TsMs:           row.TsMs,
		Symbol:         row.Symbol,
		SignalID:       row.SignalID,
		RunID:          row.RunID,
		Seq:            row.Seq,
		SideHint:       model.Side(row.SideHint),
		Score:          row.Score,
		Regime:         model.Regime(row.Regime),
		DivType:        row.DivType,
		Gating:         row.Gating,
		Confirm:        row.Confirm == 1,
		CooldownMs:     row.CooldownMs,
		ExpiryMs:       row.ExpiryMs,
		DecisionCode:   model.DecisionCode(row.DecisionCode),
		DecisionReason: row.DecisionReason,
		ConfigHash:     row.ConfigHash,
	}
	if row.Meta != nil && *row.Meta != "" {
		if err := json.Unmarshal([]byte(*row.Meta), &sig.Meta); err != nil {
			return sig, fmt.Errorf("decode meta for %s: %w", row.SignalID, err)
		}
	}
	return sig, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
