package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/microflow/internal/adapter"
	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/equiv"
	"github.com/tradecore/microflow/internal/feeder"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/pipeline"
	sigcore "github.com/tradecore/microflow/internal/signal"
	"github.com/tradecore/microflow/internal/sim"
)

// runEquiv scores a feature tape once, then replays the resulting
// tick+signal stream through the internal and adapter execution paths
// and reports the first divergence.
func runEquiv(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	tape, _ := cmd.Flags().GetString("tape")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := pipeline.ResolveRunID()
	core := sigcore.NewCore(cfg, runID)
	clock := &feeder.SimClock{}
	fd := feeder.New(core, clock, false)

	var events []equiv.Event
	err = fd.ReplayFile(ctx, tape, func(s model.Signal, row model.FeatureRow) error {
		t := sim.Tick{
			Symbol:    row.Symbol,
			TsMs:      row.TsMs,
			Mid:       row.Mid,
			SpreadBps: row.SpreadBps,
			Scenario:  row.Scenario2x2,
		}
		events = append(events, equiv.Event{Tick: &t})
		sig := s
		events = append(events, equiv.Event{Signal: &sig, FD: feeder.FeatureDataOf(&sig)})
		return nil
	})
	if err != nil {
		return err
	}

	eventLog := adapter.NewEventLog(cfg.Sink.OutputDir, runID)
	harness, err := equiv.New(cfg, eventLog)
	if err != nil {
		return err
	}
	report, err := harness.Run(ctx, events)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Equal {
		return fmt.Errorf("execution paths diverged at %s on field %s",
			report.FirstDivergence.Symbol, report.FirstDivergence.Field)
	}
	log.Info().
		Str("run_id", runID).
		Int("fills", report.InternalFills).
		Msg("execution paths equivalent")
	return nil
}
