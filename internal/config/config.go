// Package config holds the validated configuration for a pipeline run.
// All numeric knobs carry explicit units in their field names or comments;
// defaults are resolved in exactly one place (Default) and every run stamps
// Hash() into each emitted signal as config_hash.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tradecore/microflow/internal/model"
)

// GatingMode controls what the downstream executor may act on. It never
// changes what the signal core stamps into the record.
type GatingMode string

const (
	GatingStrict     GatingMode = "strict"
	GatingIgnoreSoft GatingMode = "ignore_soft"
	GatingIgnoreAll  GatingMode = "ignore_all"
)

// ExecutorMode selects the execution backend.
type ExecutorMode string

const (
	ModeBacktest ExecutorMode = "backtest"
	ModeTestnet  ExecutorMode = "testnet"
	ModeLive     ExecutorMode = "live"
)

// SinkKind selects which sinks receive signals.
type SinkKind string

const (
	SinkJSONL  SinkKind = "jsonl"
	SinkSQLite SinkKind = "sqlite"
	SinkDual   SinkKind = "dual"
)

// SideThresholds is one regime's entry threshold pair. Buy is crossed
// upward (score >= Buy), Sell downward (score <= Sell, so Sell < 0).
type SideThresholds struct {
	Buy  float64 `yaml:"buy" json:"buy"`
	Sell float64 `yaml:"sell" json:"sell"`
}

// SignalConfig parameterizes the per-symbol scoring/gating state machine.
type SignalConfig struct {
	WeakSignalThreshold   float64 `yaml:"weak_signal_threshold" json:"weak_signal_threshold"` // |score| floor
	ConsistencyMin        float64 `yaml:"consistency_min" json:"consistency_min"`             // [0,1]
	DedupeMs              int64   `yaml:"dedupe_ms" json:"dedupe_ms"`
	MinConsecutiveSameDir int     `yaml:"min_consecutive_same_dir" json:"min_consecutive_same_dir"`
	WarmupMin             int     `yaml:"warmup_min" json:"warmup_min"`       // rows per symbol
	LagMaxSec             float64 `yaml:"lag_max_sec" json:"lag_max_sec"`     // quality gate
	SpreadMaxBps          float64 `yaml:"spread_max_bps" json:"spread_max_bps"`
	ExpirySec             int64   `yaml:"expiry_sec" json:"expiry_sec"` // signal validity horizon
	Thresholds            struct {
		Active SideThresholds `yaml:"active" json:"active"`
		Quiet  SideThresholds `yaml:"quiet" json:"quiet"`
	} `yaml:"thresholds" json:"thresholds"`
	GatingMode GatingMode `yaml:"gating_mode" json:"gating_mode"`
}

// FusionConfig parameterizes z-score fusion and re-arm behaviour.
type FusionConfig struct {
	WOFI              float64 `yaml:"w_ofi" json:"w_ofi"`
	WCVD              float64 `yaml:"w_cvd" json:"w_cvd"`
	FlipRearmMargin   float64 `yaml:"flip_rearm_margin" json:"flip_rearm_margin"`
	AdaptiveCooldownK float64 `yaml:"adaptive_cooldown_k" json:"adaptive_cooldown_k"`
	ExpectedHoldSec   int64   `yaml:"expected_hold_sec" json:"expected_hold_sec"`
}

// MakerTakerConfig parameterizes the maker/taker fee accountant.
type MakerTakerConfig struct {
	MakerFeeRatio float64 `yaml:"maker_fee_ratio" json:"maker_fee_ratio"` // maker_fee = ratio * taker_fee
	ScenarioProbs struct {
		QL      float64 `yaml:"Q_L" json:"Q_L"`
		AL      float64 `yaml:"A_L" json:"A_L"`
		AH      float64 `yaml:"A_H" json:"A_H"`
		QH      float64 `yaml:"Q_H" json:"Q_H"`
		Default float64 `yaml:"default" json:"default"`
	} `yaml:"scenario_probs" json:"scenario_probs"`
	AccountingMode string  `yaml:"accounting_mode" json:"accounting_mode"` // threshold | bernoulli
	BernoulliSeed  int64   `yaml:"bernoulli_seed" json:"bernoulli_seed"`
	MakerThreshold float64 `yaml:"maker_threshold" json:"maker_threshold"`
}

// PiecewiseSlippageConfig keys slippage multipliers by scenario.
type PiecewiseSlippageConfig struct {
	SpreadBaseMultiplier float64            `yaml:"spread_base_multiplier" json:"spread_base_multiplier"`
	ScenarioMultipliers  map[string]float64 `yaml:"scenario_multipliers" json:"scenario_multipliers"`
}

// BacktestConfig parameterizes the deterministic trade simulator.
type BacktestConfig struct {
	TakerFeeBps            float64 `yaml:"taker_fee_bps" json:"taker_fee_bps"`
	SlippageBps            float64 `yaml:"slippage_bps" json:"slippage_bps"`
	NotionalPerTrade       float64 `yaml:"notional_per_trade" json:"notional_per_trade"` // USD
	MinHoldTimeSec         int64   `yaml:"min_hold_time_sec" json:"min_hold_time_sec"`
	MaxHoldTimeSec         int64   `yaml:"max_hold_time_sec" json:"max_hold_time_sec"`
	ForceTimeoutExit       bool    `yaml:"force_timeout_exit" json:"force_timeout_exit"`
	TakeProfitBps          float64 `yaml:"take_profit_bps" json:"take_profit_bps"`
	StopLossBps            float64 `yaml:"stop_loss_bps" json:"stop_loss_bps"`
	DeadbandBps            float64 `yaml:"deadband_bps" json:"deadband_bps"`
	IgnoreGatingInBacktest bool    `yaml:"ignore_gating_in_backtest" json:"ignore_gating_in_backtest"`
	RolloverTimezone       string  `yaml:"rollover_timezone" json:"rollover_timezone"`
	RolloverHour           int     `yaml:"rollover_hour" json:"rollover_hour"`   // local hour [0,23]
	SlippageModel          string  `yaml:"slippage_model" json:"slippage_model"` // static | piecewise
	FeeModel               string  `yaml:"fee_model" json:"fee_model"`           // taker_static | maker_taker

	FeeMakerTaker     MakerTakerConfig        `yaml:"fee_maker_taker" json:"fee_maker_taker"`
	SlippagePiecewise PiecewiseSlippageConfig `yaml:"slippage_piecewise" json:"slippage_piecewise"`
}

// RateLimitConfig is one token bucket.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// AdapterConfig parameterizes the broker adapter.
type AdapterConfig struct {
	RateLimit struct {
		Place  RateLimitConfig `yaml:"place" json:"place"`
		Cancel RateLimitConfig `yaml:"cancel" json:"cancel"`
	} `yaml:"rate_limit" json:"rate_limit"`
	LotSize          string  `yaml:"lot_size" json:"lot_size"`   // decimal string, e.g. "0.001"
	TickSize         string  `yaml:"tick_size" json:"tick_size"` // decimal string, e.g. "0.1"
	MinNotionalUSD   float64 `yaml:"min_notional_usd" json:"min_notional_usd"`
	BaseURL          string  `yaml:"base_url" json:"base_url"`
	SubmitTimeoutMs  int64   `yaml:"submit_timeout_ms" json:"submit_timeout_ms"`
	TransientRetries int     `yaml:"transient_retries" json:"transient_retries"`
	DryRun           bool    `yaml:"dry_run" json:"dry_run"`
}

// ExecutorConfig selects the execution surface for a run.
type ExecutorConfig struct {
	Mode         ExecutorMode `yaml:"mode" json:"mode"`
	Sink         SinkKind     `yaml:"sink" json:"sink"`
	OutputDir    string       `yaml:"output_dir" json:"output_dir"`
	OrderSizeUSD float64      `yaml:"order_size_usd" json:"order_size_usd"`
	TIF          string       `yaml:"tif" json:"tif"`
	OrderType    string       `yaml:"order_type" json:"order_type"`
}

// SinkConfig parameterizes the dual sink writer.
type SinkConfig struct {
	Kind              SinkKind `yaml:"kind" json:"kind"`
	OutputDir         string   `yaml:"output_dir" json:"output_dir"`
	DBName            string   `yaml:"db_name" json:"db_name"`
	BatchSize         int      `yaml:"batch_size" json:"batch_size"`
	BatchMaxLatencyMs int64    `yaml:"batch_max_latency_ms" json:"batch_max_latency_ms"`
	BusyTimeoutMs     int64    `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
	CommitTimeoutMs   int64    `yaml:"commit_timeout_ms" json:"commit_timeout_ms"`
	RetryMax          int      `yaml:"retry_max" json:"retry_max"`
	QueueDepth        int      `yaml:"queue_depth" json:"queue_depth"`
	RolloverHourLocal *int     `yaml:"rollover_hour_local,omitempty" json:"rollover_hour_local,omitempty"`
	RolloverTZ        string   `yaml:"rollover_tz" json:"rollover_tz"` // empty means UTC rotation
}

// AlignerConfig parameterizes per-second alignment and scenario tagging.
type AlignerConfig struct {
	SpreadActiveBps float64 `yaml:"spread_active_bps" json:"spread_active_bps"` // Active iff spread_bps <= this
	VolHighBps      float64 `yaml:"vol_high_bps" json:"vol_high_bps"`           // High iff |return_1s| >= this
	ExpectedFeeds   int     `yaml:"expected_feeds" json:"expected_feeds"`       // consistency denominator
}

// ReaderConfig parameterizes the partitioned source reader.
type ReaderConfig struct {
	RootDir        string  `yaml:"root_dir" json:"root_dir"`
	RetentionHours int     `yaml:"retention_hours" json:"retention_hours"`
	IncludePreview bool    `yaml:"include_preview" json:"include_preview"`
	OpenTimeoutMs  int64   `yaml:"open_timeout_ms" json:"open_timeout_ms"`
	PathSampleRate float64 `yaml:"path_sample_rate" json:"path_sample_rate"` // fraction of paths recorded
}

// Config is the complete validated configuration of one run.
type Config struct {
	Signal     SignalConfig `yaml:"signal" json:"signal"`
	Components struct {
		Fusion FusionConfig `yaml:"fusion" json:"fusion"`
	} `yaml:"components" json:"components"`
	Backtest BacktestConfig `yaml:"backtest" json:"backtest"`
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
	Adapter  AdapterConfig  `yaml:"adapter" json:"adapter"`
	Sink     SinkConfig     `yaml:"sink" json:"sink"`
	Aligner  AlignerConfig  `yaml:"aligner" json:"aligner"`
	Reader   ReaderConfig   `yaml:"reader" json:"reader"`
}

// Default returns the fully resolved default configuration. Every knob
// has its unit documented on the field; no other code path sets defaults.
func Default() *Config {
	c := &Config{}

	c.Signal.WeakSignalThreshold = 0.8
	c.Signal.ConsistencyMin = 0.6
	c.Signal.DedupeMs = 3_000
	c.Signal.MinConsecutiveSameDir = 1
	c.Signal.WarmupMin = 60
	c.Signal.LagMaxSec = 3.0
	c.Signal.SpreadMaxBps = 12.0
	c.Signal.ExpirySec = 10
	c.Signal.Thresholds.Active = SideThresholds{Buy: 1.2, Sell: -1.2}
	c.Signal.Thresholds.Quiet = SideThresholds{Buy: 1.8, Sell: -1.8}
	c.Signal.GatingMode = GatingStrict

	c.Components.Fusion.WOFI = 0.6
	c.Components.Fusion.WCVD = 0.4
	c.Components.Fusion.FlipRearmMargin = 0.3
	c.Components.Fusion.AdaptiveCooldownK = 1.0
	c.Components.Fusion.ExpectedHoldSec = 120

	c.Backtest.TakerFeeBps = 4.0
	c.Backtest.SlippageBps = 1.0
	c.Backtest.NotionalPerTrade = 1_000
	c.Backtest.MinHoldTimeSec = 30
	c.Backtest.MaxHoldTimeSec = 600
	c.Backtest.ForceTimeoutExit = false
	c.Backtest.TakeProfitBps = 15
	c.Backtest.StopLossBps = 10
	c.Backtest.DeadbandBps = 2
	c.Backtest.RolloverTimezone = "UTC"
	c.Backtest.RolloverHour = 0
	c.Backtest.SlippageModel = "static"
	c.Backtest.FeeModel = "taker_static"
	c.Backtest.FeeMakerTaker.MakerFeeRatio = 0.25
	c.Backtest.FeeMakerTaker.ScenarioProbs.QL = 0.65
	c.Backtest.FeeMakerTaker.ScenarioProbs.AL = 0.45
	c.Backtest.FeeMakerTaker.ScenarioProbs.AH = 0.25
	c.Backtest.FeeMakerTaker.ScenarioProbs.QH = 0.40
	c.Backtest.FeeMakerTaker.ScenarioProbs.Default = 0.40
	c.Backtest.FeeMakerTaker.AccountingMode = "threshold"
	c.Backtest.FeeMakerTaker.BernoulliSeed = 42
	c.Backtest.FeeMakerTaker.MakerThreshold = 0.5
	c.Backtest.SlippagePiecewise.SpreadBaseMultiplier = 0.5
	c.Backtest.SlippagePiecewise.ScenarioMultipliers = map[string]float64{
		"Q_L": 0.6, "A_L": 0.8, "A_H": 1.5, "Q_H": 1.2,
	}

	c.Executor.Mode = ModeBacktest
	c.Executor.Sink = SinkDual
	c.Executor.OutputDir = "out"
	c.Executor.OrderSizeUSD = 1_000
	c.Executor.TIF = "IOC"
	c.Executor.OrderType = string(model.OrderTypeMarket)

	c.Adapter.RateLimit.Place = RateLimitConfig{RPS: 8, Burst: 16}
	c.Adapter.RateLimit.Cancel = RateLimitConfig{RPS: 8, Burst: 16}
	c.Adapter.LotSize = "0.001"
	c.Adapter.TickSize = "0.1"
	c.Adapter.MinNotionalUSD = 10
	c.Adapter.SubmitTimeoutMs = 2_000
	c.Adapter.TransientRetries = 3

	c.Sink.Kind = SinkDual
	c.Sink.OutputDir = "out"
	c.Sink.DBName = "signals_v2.db"
	c.Sink.BatchSize = 64
	c.Sink.BatchMaxLatencyMs = 200
	c.Sink.BusyTimeoutMs = 5_000
	c.Sink.CommitTimeoutMs = 2_000
	c.Sink.RetryMax = 5
	c.Sink.QueueDepth = 1_024

	c.Aligner.SpreadActiveBps = 6.0
	c.Aligner.VolHighBps = 3.0
	c.Aligner.ExpectedFeeds = 2

	c.Reader.RootDir = "data"
	c.Reader.RetentionHours = 24
	c.Reader.IncludePreview = true
	c.Reader.OpenTimeoutMs = 5_000
	c.Reader.PathSampleRate = 0.01

	return c
}

// Load reads the YAML config at path over the defaults and applies env
// overrides, then validates. A nil path loads defaults + env only.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %v", model.ErrConfigInvalid, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv applies the only env overrides the core recognizes.
func (c *Config) applyEnv() {
	if v := os.Getenv("V13_SINK"); v != "" {
		c.Sink.Kind = SinkKind(v)
		c.Executor.Sink = SinkKind(v)
	}
	if v := os.Getenv("V13_OUTPUT_DIR"); v != "" {
		c.Sink.OutputDir = v
		c.Executor.OutputDir = v
	}
	if v := os.Getenv("ROLLOVER_TZ"); v != "" {
		c.Backtest.RolloverTimezone = v
	}
	if v := os.Getenv("ROLLOVER_HOUR"); v != "" {
		if h, err := strconv.Atoi(v); err == nil {
			c.Backtest.RolloverHour = h
		}
	}
}

// Validate checks every knob against its declared bounds and returns all
// violations joined, wrapped in ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Signal.WeakSignalThreshold < 0 {
		add("signal.weak_signal_threshold must be >= 0, got %v", c.Signal.WeakSignalThreshold)
	}
	if c.Signal.ConsistencyMin < 0 || c.Signal.ConsistencyMin > 1 {
		add("signal.consistency_min must be in [0,1], got %v", c.Signal.ConsistencyMin)
	}
	if c.Signal.DedupeMs < 0 {
		add("signal.dedupe_ms must be >= 0, got %d", c.Signal.DedupeMs)
	}
	if c.Signal.MinConsecutiveSameDir < 1 {
		add("signal.min_consecutive_same_dir must be >= 1, got %d", c.Signal.MinConsecutiveSameDir)
	}
	if c.Signal.Thresholds.Active.Buy <= 0 || c.Signal.Thresholds.Quiet.Buy <= 0 {
		add("signal.thresholds.*.buy must be > 0")
	}
	if c.Signal.Thresholds.Active.Sell >= 0 || c.Signal.Thresholds.Quiet.Sell >= 0 {
		add("signal.thresholds.*.sell must be < 0")
	}
	switch c.Signal.GatingMode {
	case GatingStrict, GatingIgnoreSoft, GatingIgnoreAll:
	default:
		add("signal.gating_mode must be strict|ignore_soft|ignore_all, got %q", c.Signal.GatingMode)
	}

	if c.Components.Fusion.AdaptiveCooldownK < 0 {
		add("components.fusion.adaptive_cooldown_k must be >= 0")
	}

	if c.Backtest.NotionalPerTrade <= 0 {
		add("backtest.notional_per_trade must be > 0")
	}
	if c.Backtest.MinHoldTimeSec < 0 || c.Backtest.MaxHoldTimeSec <= 0 {
		add("backtest hold bounds must be min>=0, max>0")
	}
	if c.Backtest.MinHoldTimeSec > c.Backtest.MaxHoldTimeSec {
		add("backtest.min_hold_time_sec %d exceeds max_hold_time_sec %d",
			c.Backtest.MinHoldTimeSec, c.Backtest.MaxHoldTimeSec)
	}
	if c.Backtest.RolloverHour < 0 || c.Backtest.RolloverHour > 23 {
		add("backtest.rollover_hour must be in [0,23], got %d", c.Backtest.RolloverHour)
	}
	if _, err := time.LoadLocation(c.Backtest.RolloverTimezone); err != nil {
		add("backtest.rollover_timezone %q: %v", c.Backtest.RolloverTimezone, err)
	}
	switch c.Backtest.SlippageModel {
	case "static", "piecewise":
	default:
		add("backtest.slippage_model must be static|piecewise, got %q", c.Backtest.SlippageModel)
	}
	switch c.Backtest.FeeModel {
	case "taker_static", "maker_taker":
	default:
		add("backtest.fee_model must be taker_static|maker_taker, got %q", c.Backtest.FeeModel)
	}
	switch c.Backtest.FeeMakerTaker.AccountingMode {
	case "threshold", "bernoulli":
	default:
		add("backtest.fee_maker_taker.accounting_mode must be threshold|bernoulli, got %q",
			c.Backtest.FeeMakerTaker.AccountingMode)
	}
	if p := c.Backtest.FeeMakerTaker.MakerThreshold; p < 0 || p > 1 {
		add("backtest.fee_maker_taker.maker_threshold must be in [0,1], got %v", p)
	}

	switch c.Executor.Mode {
	case ModeBacktest, ModeTestnet, ModeLive:
	default:
		add("executor.mode must be backtest|testnet|live, got %q", c.Executor.Mode)
	}
	switch c.Sink.Kind {
	case SinkJSONL, SinkSQLite, SinkDual:
	default:
		add("sink.kind must be jsonl|sqlite|dual, got %q", c.Sink.Kind)
	}
	if c.Sink.BatchSize <= 0 {
		add("sink.batch_size must be > 0")
	}
	if c.Sink.QueueDepth <= 0 {
		add("sink.queue_depth must be > 0")
	}

	if c.Adapter.RateLimit.Place.RPS <= 0 || c.Adapter.RateLimit.Cancel.RPS <= 0 {
		add("adapter.rate_limit.*.rps must be > 0")
	}
	if c.Aligner.ExpectedFeeds <= 0 {
		add("aligner.expected_feeds must be > 0")
	}
	if c.Reader.RetentionHours <= 0 {
		add("reader.retention_hours must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Hash returns the stable digest of the active parameters: sha256 over
// the canonical JSON encoding, truncated to 12 hex chars. One hash per
// run_id; per-symbol overrides are rejected at validation.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Config is plain data; marshal cannot fail in practice.
		return "invalid"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}
