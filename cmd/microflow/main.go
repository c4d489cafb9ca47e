package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tradecore/microflow/internal/model"
	"github.com/tradecore/microflow/internal/pipeline"
)

const (
	appName = "microflow"
	version = "v1.3.0"
)

// commit is stamped by the build: -ldflags "-X main.commit=$(git rev-parse --short HEAD)".
var commit string

// Exit codes: 0 success, 1 runtime failure, 2 invalid configuration or
// usage.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var flagConfig string

func main() {
	pipeline.GitCommit = commit
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Per-second feature alignment, signal scoring and deterministic execution",
		Version: version,
		Long: `microflow aligns raw market feeds into per-second feature rows, scores
them through a gated signal state machine, persists signals to a dual
JSONL+relational sink, and executes them deterministically in backtest
or against the exchange testnet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config/microflow.yaml", "path to run configuration")
	rootCmd.PersistentFlags().String("log-level", "info", "zerolog level (trace..error)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		lvl, _ := cmd.Flags().GetString("log-level")
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			zerolog.SetGlobalLevel(parsed)
		}
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the alignment and scoring pipeline over the partitioned source",
		RunE:  runPipeline,
	}
	runCmd.Flags().StringSlice("symbols", nil, "symbols to process (default: all present)")
	runCmd.Flags().String("from", "", "window start, RFC3339 UTC (inclusive)")
	runCmd.Flags().String("to", "", "window end, RFC3339 UTC (exclusive)")
	runCmd.Flags().Bool("verify", false, "verify JSONL/relational consistency after the run")
	runCmd.Flags().String("monitor", "", "monitor listen address, e.g. :9090 (disabled when empty)")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded feature tape through scoring into the sink",
		RunE:  runReplay,
	}
	replayCmd.Flags().String("tape", "", "feature tape path (JSONL)")
	replayCmd.Flags().Bool("pace", false, "replay at stream pace instead of full speed")
	replayCmd.MarkFlagRequired("tape")

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Score a feature tape and execute the signals deterministically",
		RunE:  runBacktest,
	}
	backtestCmd.Flags().String("tape", "", "feature tape path (JSONL)")
	backtestCmd.Flags().Bool("adapter", false, "route orders through the backtest broker adapter")
	backtestCmd.MarkFlagRequired("tape")

	equivCmd := &cobra.Command{
		Use:   "equiv",
		Short: "Prove internal-fill and adapter-path execution equivalence",
		RunE:  runEquiv,
	}
	equivCmd.Flags().String("tape", "", "feature tape path (JSONL)")
	equivCmd.MarkFlagRequired("tape")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve /health and /metrics",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().String("addr", ":9090", "listen address")

	rootCmd.AddCommand(runCmd, replayCmd, backtestCmd, equivCmd, monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		if errors.Is(err, model.ErrConfigInvalid) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}
