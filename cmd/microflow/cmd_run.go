package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/microflow/internal/config"
	"github.com/tradecore/microflow/internal/httpapi"
	"github.com/tradecore/microflow/internal/pipeline"
)

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	verify, _ := cmd.Flags().GetBool("verify")
	monitorAddr, _ := cmd.Flags().GetString("monitor")

	opts := pipeline.Options{Symbols: symbols, Verify: verify}
	if v, _ := cmd.Flags().GetString("from"); v != "" {
		opts.TMin, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
	}
	if v, _ := cmd.Flags().GetString("to"); v != "" {
		opts.TMax, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if monitorAddr != "" {
		mon := httpapi.New(monitorAddr, pipeline.ResolveRunID(), nil)
		go func() {
			if err := mon.Serve(); err != nil {
				log.Error().Err(err).Msg("monitor server failed")
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Shutdown(shutCtx)
		}()
	}

	res, err := pipeline.Run(ctx, cfg, opts)
	if err != nil {
		return err
	}
	if res.Consistency != nil && !res.Consistency.OK {
		return fmt.Errorf("sink consistency check failed: %d mismatches", len(res.Consistency.Mismatches))
	}
	log.Info().Str("run_id", res.RunID).Str("manifest", res.ManifestPath).Msg("pipeline complete")
	return nil
}
