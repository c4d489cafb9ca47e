package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/microflow/internal/adapter"
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/feeder"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/pipeline"
	sigcore "github.com/tradecore/microflow/internal/signal"
	"github.com/tradecore/microflow/internal/sim"
)

// execReport is the backtest summary printed to stdout.
type execReport struct {
	RunID      string                  `json:"run_id"`
	ConfigHash string                  `json:"config_hash"`
	Tape       string                  `json:"tape"`
	Feeder     feeder.Stats            `json:"feeder"`
	Executor   sim.Stats               `json:"executor"`
	Trades     int                     `json:"trades"`
	ByExit     map[model.ExitReason]int `json:"by_exit_reason"`
}

// runBacktest scores a feature tape and executes every confirmed signal
// through the deterministic simulator, optionally via the backtest
// broker adapter.
func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	tape, _ := cmd.Flags().GetString("tape")
	useAdapter, _ := cmd.Flags().GetBool("adapter")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := pipeline.ResolveRunID()
	core := sigcore.NewCore(cfg, runID)
	clock := &feeder.SimClock{}
	fd := feeder.New(core, clock, false)

	exec, err := sim.NewExecutor(cfg.Backtest, cfg.Signal.GatingMode)
	if err != nil {
		return err
	}
	var broker *adapter.BacktestAdapter
	if useAdapter {
		broker, err = adapter.NewBacktestAdapter(cfg.Adapter, cfg.Backtest)
		if err != nil {
			return err
		}
		exec.SetBroker(broker)
	}

	replayErr := fd.ReplayFile(ctx, tape, func(s model.Signal, row model.FeatureRow) error {
		t := sim.Tick{
			Symbol:    row.Symbol,
			TsMs:      row.TsMs,
			Mid:       row.Mid,
			SpreadBps: row.SpreadBps,
			Scenario:  row.Scenario2x2,
		}
		if broker != nil {
			broker.OnTick(t)
		}
		exec.OnTick(t)
		return exec.OnSignal(&s, feeder.FeatureDataOf(&s))
	})
	if replayErr != nil {
		return replayErr
	}
	exec.CloseAll(model.ExitTimeout)

	trades := exec.Trades()
	if err := sim.WriteTradeTape(cfg.Sink.OutputDir, runID, trades); err != nil {
		return err
	}

	report := execReport{
		RunID:      runID,
		ConfigHash: cfg.Hash(),
		Tape:       tape,
		Feeder:     fd.StatsSnapshot(),
		Executor:   exec.StatsSnapshot(),
		Trades:     len(trades),
		ByExit:     make(map[model.ExitReason]int),
	}
	for _, t := range trades {
		report.ByExit[t.ExitReason]++
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	log.Info().
		Str("run_id", runID).
		Int("trades", len(trades)).
		Float64("realized_pnl", report.Executor.RealizedPnL).
		Msg("backtest complete")
	return nil
}
