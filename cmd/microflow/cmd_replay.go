package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/feeder"
	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/pipeline"
	sig "github.com/tradecore/microflow/internal/signal"
	"github.com/tradecore/microflow/internal/sink"
)

// runReplay scores a recorded feature tape and lands the signals in the
// dual sink, exactly as a live run would.
func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	tape, _ := cmd.Flags().GetString("tape")
	pace, _ := cmd.Flags().GetBool("pace")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := pipeline.ResolveRunID()
	core := sig.NewCore(cfg, runID)
	clock := &feeder.SimClock{}
	fd := feeder.New(core, clock, pace)

	dual, err := sink.NewDual(cfg.Sink)
	if err != nil {
		return err
	}
	sinkDone := make(chan error, 1)
	go func() { sinkDone <- dual.Run(context.WithoutCancel(ctx)) }()

	replayErr := fd.ReplayFile(ctx, tape, func(s model.Signal, _ model.FeatureRow) error {
		return dual.Publish(ctx, s)
	})
	dual.CloseInput()
	if err := <-sinkDone; err != nil && replayErr == nil {
		replayErr = err
	}
	if err := dual.Close(); err != nil && replayErr == nil {
		replayErr = err
	}
	if replayErr != nil {
		return replayErr
	}

	stats := fd.StatsSnapshot()
	log.Info().
		Str("run_id", runID).
		Str("tape", tape).
		Int64("rows_fed", stats.RowsFed).
		Int64("confirmed", stats.Confirmed).
		Msg("replay complete")
	return nil
}
