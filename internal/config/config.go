// Package config loads the bot's runtime configuration from the environment,
// the way the rest of this codebase does it: godotenv for local .env files,
// manual os.Getenv/strconv parsing with typed defaults, logged warnings on
// missing or malformed values rather than hard failures.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// WorkerPoolConfig is the C5 hot-swappable subset.
type WorkerPoolConfig struct {
	MaxWorkers      int
	EnableParallel  bool
	TaskTimeoutMs   int
	RetryAttempts   int
	BatchSize       int
}

// CacheConfig is the C2 hot-swappable subset.
type CacheConfig struct {
	TickerTTLMs           int
	KlineTTLMs            int
	MaxCacheSize          int
	PriceChangeThreshold  float64
}

// BotConfig is the full §6 configuration surface.
type BotConfig struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	IsTestnet        bool

	MaxConcurrentTrades int
	DefaultPositionSize float64

	StopLossPct     float64
	TakeProfitPct   float64
	TrailingStopPct float64

	MinVolumeUSDT        float64
	RSIOversold          float64
	RSIOverbought        float64
	VolumeSpikeThreshold float64
	MinSignalStrength    float64
	ConfirmationRequired bool

	MA1Period int
	MA2Period int

	RiskRewardRatio    float64
	MaxDrawdownPct     float64
	MaxDailyLossUSDT   float64
	MaxPositionSizePct float64

	ScanIntervalMs  int
	AdmitThreshold  float64
	SymbolRefreshMs int

	WorkerPool WorkerPoolConfig
	Cache      CacheConfig
}

// Default returns the documented defaults from SPEC_FULL.md §4/§6.
func Default() *BotConfig {
	return &BotConfig{
		MaxConcurrentTrades:  3,
		DefaultPositionSize:  100,
		StopLossPct:          2,
		TakeProfitPct:        4,
		TrailingStopPct:      1,
		MinVolumeUSDT:        0,
		RSIOversold:          30,
		RSIOverbought:        70,
		VolumeSpikeThreshold: 2,
		MinSignalStrength:    65,
		ConfirmationRequired: true,
		MA1Period:            9,
		MA2Period:            21,
		RiskRewardRatio:      2,
		MaxDrawdownPct:       15,
		MaxDailyLossUSDT:     200,
		MaxPositionSizePct:   20,
		ScanIntervalMs:       5 * 60 * 1000,
		AdmitThreshold:       65,
		SymbolRefreshMs:      60 * 60 * 1000, // §4.3 default: 1h
		WorkerPool: WorkerPoolConfig{
			MaxWorkers:     3,
			EnableParallel: false,
			TaskTimeoutMs:  20000,
			RetryAttempts:  2,
			BatchSize:      3,
		},
		Cache: CacheConfig{
			TickerTTLMs:          5000,
			KlineTTLMs:           30000,
			MaxCacheSize:         500,
			PriceChangeThreshold: 0.001,
		},
	}
}

// Load reads BotConfig from the environment, falling back to Default() for
// anything unset or unparseable.
func Load() *BotConfig {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found. Relying on system environment variables.")
	}

	cfg := Default()

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceAPISecret = os.Getenv("BINANCE_API_SECRET")
	if cfg.BinanceAPISecret == "" {
		cfg.BinanceAPISecret = os.Getenv("BINANCE_SECRET_KEY")
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		log.Println("⚠️  CRITICAL: Binance credentials missing!")
	}

	cfg.IsTestnet = getBool("BINANCE_TESTNET", false)

	cfg.MaxConcurrentTrades = getInt("MAX_CONCURRENT_TRADES", cfg.MaxConcurrentTrades)
	cfg.DefaultPositionSize = getFloat("DEFAULT_POSITION_SIZE", cfg.DefaultPositionSize)
	cfg.StopLossPct = getFloat("STOP_LOSS_PCT", cfg.StopLossPct)
	cfg.TakeProfitPct = getFloat("TAKE_PROFIT_PCT", cfg.TakeProfitPct)
	cfg.TrailingStopPct = getFloat("TRAILING_STOP_PCT", cfg.TrailingStopPct)
	cfg.MinVolumeUSDT = getFloat("MIN_VOLUME_USDT", cfg.MinVolumeUSDT)
	cfg.RSIOversold = getFloat("RSI_OVERSOLD", cfg.RSIOversold)
	cfg.RSIOverbought = getFloat("RSI_OVERBOUGHT", cfg.RSIOverbought)
	cfg.VolumeSpikeThreshold = getFloat("VOLUME_SPIKE_THRESHOLD", cfg.VolumeSpikeThreshold)
	cfg.MinSignalStrength = getFloat("MIN_SIGNAL_STRENGTH", cfg.MinSignalStrength)
	cfg.ConfirmationRequired = getBool("CONFIRMATION_REQUIRED", cfg.ConfirmationRequired)
	cfg.MA1Period = getInt("MA1_PERIOD", cfg.MA1Period)
	cfg.MA2Period = getInt("MA2_PERIOD", cfg.MA2Period)
	cfg.RiskRewardRatio = getFloat("RISK_REWARD_RATIO", cfg.RiskRewardRatio)
	cfg.MaxDrawdownPct = getFloat("MAX_DRAWDOWN_PCT", cfg.MaxDrawdownPct)
	cfg.MaxDailyLossUSDT = getFloat("MAX_DAILY_LOSS_USDT", cfg.MaxDailyLossUSDT)
	cfg.MaxPositionSizePct = getFloat("MAX_POSITION_SIZE_PCT", cfg.MaxPositionSizePct)
	cfg.ScanIntervalMs = getInt("SCAN_INTERVAL_MS", cfg.ScanIntervalMs)
	cfg.AdmitThreshold = getFloat("ADMIT_THRESHOLD", cfg.AdmitThreshold)
	cfg.SymbolRefreshMs = getInt("SYMBOL_REFRESH_MS", cfg.SymbolRefreshMs)

	cfg.WorkerPool.MaxWorkers = getInt("WORKER_MAX_WORKERS", cfg.WorkerPool.MaxWorkers)
	cfg.WorkerPool.EnableParallel = getBool("WORKER_ENABLE_PARALLEL", cfg.WorkerPool.EnableParallel)
	cfg.WorkerPool.TaskTimeoutMs = getInt("WORKER_TASK_TIMEOUT_MS", cfg.WorkerPool.TaskTimeoutMs)
	cfg.WorkerPool.RetryAttempts = getInt("WORKER_RETRY_ATTEMPTS", cfg.WorkerPool.RetryAttempts)
	cfg.WorkerPool.BatchSize = getInt("WORKER_BATCH_SIZE", cfg.WorkerPool.BatchSize)

	cfg.Cache.TickerTTLMs = getInt("CACHE_TICKER_TTL_MS", cfg.Cache.TickerTTLMs)
	cfg.Cache.KlineTTLMs = getInt("CACHE_KLINE_TTL_MS", cfg.Cache.KlineTTLMs)
	cfg.Cache.MaxCacheSize = getInt("CACHE_MAX_SIZE", cfg.Cache.MaxCacheSize)
	cfg.Cache.PriceChangeThreshold = getFloat("CACHE_PRICE_CHANGE_THRESHOLD", cfg.Cache.PriceChangeThreshold)

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, w := range warnings {
			log.Printf("⚠️  config warning: %s", w)
		}
	}

	return cfg
}

// Validate runs the §6 cross-field validation and returns every finding as a
// plain message, must-fix and advisory alike, with no marker telling them
// apart; callers that need a hard pass/fail should check len(Errors()).
func (c *BotConfig) Validate() []string {
	var warnings []string
	if c.MA2Period <= c.MA1Period {
		warnings = append(warnings, fmt.Sprintf("ma2Period (%d) must be > ma1Period (%d)", c.MA2Period, c.MA1Period))
	}
	if c.StopLossPct > 0 && c.TakeProfitPct/c.StopLossPct < c.RiskRewardRatio {
		warnings = append(warnings, "takeProfitPct/stopLossPct is below riskRewardRatio (recommended, not enforced)")
	}
	return warnings
}

// Errors returns only the must-fix subset of Validate's findings.
func (c *BotConfig) Errors() []string {
	var errs []string
	if c.MA2Period <= c.MA1Period {
		errs = append(errs, fmt.Sprintf("ma2Period (%d) must be > ma1Period (%d)", c.MA2Period, c.MA1Period))
	}
	return errs
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️  invalid int for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("⚠️  invalid float for %s=%q, using default %.4f", key, v, def)
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("⚠️  invalid bool for %s=%q, using default %v", key, v, def)
		return def
	}
	return b
}
