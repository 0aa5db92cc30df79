// Command engine is the composition root: it wires C1-C7, starts the bot,
// and shuts everything down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"apex-engine/internal/bot"
	"apex-engine/internal/config"
	"apex-engine/internal/exchange"
	"apex-engine/internal/marketcache"
	"apex-engine/internal/ratelimit"
	"apex-engine/internal/risk"
	"apex-engine/internal/signal"
	"apex-engine/internal/store"
	"apex-engine/internal/symbols"
	"apex-engine/internal/workerpool"
)

func main() {
	log.Println("🚀 apex-engine starting...")
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	cfg := config.Load()
	if errs := cfg.Errors(); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("❌ config error: %s", e)
		}
		log.Fatal("refusing to start with invalid configuration")
	}

	apiKey := secureLoad(cfg.BinanceAPIKey)
	apiSecret := secureLoad(cfg.BinanceAPISecret)
	futures.UseTestnet = cfg.IsTestnet
	fc := futures.NewClient(apiKey, apiSecret)
	exch := exchange.New(fc)

	c1 := ratelimit.New(ratelimit.DefaultConfig())
	defer c1.Stop()

	cacheCfg := marketcache.Config{
		TickerTTL:            time.Duration(cfg.Cache.TickerTTLMs) * time.Millisecond,
		KlineTTL:             time.Duration(cfg.Cache.KlineTTLMs) * time.Millisecond,
		MaxCacheSize:         cfg.Cache.MaxCacheSize,
		PriceChangeThreshold: cfg.Cache.PriceChangeThreshold,
		ReconnectDelay:       5 * time.Second,
		SweepInterval:        30 * time.Second,
	}
	wsBase := "wss://fstream.binance.com/ws"
	if cfg.IsTestnet {
		wsBase = "wss://fstream.binancefuture.com/ws"
	}
	streamer := marketcache.NewWSStreamer(wsBase, cacheCfg.ReconnectDelay)
	c2 := marketcache.New(cacheCfg, c1, exch, streamer)
	defer c2.Stop()

	c3 := symbols.New(c1, exch, time.Duration(cfg.SymbolRefreshMs)*time.Millisecond)
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := c3.Start(startupCtx); err != nil {
		startupCancel()
		log.Fatalf("❌ symbol registry failed to start: %v", err)
	}
	startupCancel()
	defer c3.Stop()

	gen := signal.NewGenerator(256)
	signalParams := func() signal.Params {
		return signal.Params{
			MA1Period:             cfg.MA1Period,
			MA2Period:             cfg.MA2Period,
			RSIPeriod:             14,
			RSIOversold:           cfg.RSIOversold,
			RSIOverbought:         cfg.RSIOverbought,
			VolumeSpikeThreshold:  cfg.VolumeSpikeThreshold,
			MinSignalStrength:     cfg.MinSignalStrength,
			ConfirmationRequired:  cfg.ConfirmationRequired,
		}
	}

	fetch := func(ctx context.Context, sym string) ([]exchange.Candle, error) {
		return c2.GetKlines(ctx, sym, "15m", 100, true)
	}

	poolCfg := workerpool.DefaultSequentialConfig()
	poolCfg.MaxWorkers = cfg.WorkerPool.MaxWorkers
	poolCfg.EnableParallel = cfg.WorkerPool.EnableParallel
	poolCfg.TaskTimeout = time.Duration(cfg.WorkerPool.TaskTimeoutMs) * time.Millisecond
	poolCfg.MaxRetries = cfg.WorkerPool.RetryAttempts
	c5 := workerpool.New(poolCfg, fetch, signalParams, gen)
	defer c5.Stop()

	balSrc := func(ctx context.Context) (float64, float64, error) {
		bals, err := exch.GetBalance(ctx)
		if err != nil {
			return 0, 0, err
		}
		for _, b := range bals {
			if b.Asset == "USDT" {
				return b.Total, b.Available, nil
			}
		}
		return 0, 0, nil
	}
	posSrc := func(ctx context.Context) ([]exchange.PositionInfo, error) {
		return exch.GetPositions(ctx)
	}

	riskCfg := risk.Config{
		MaxPositionSizePct: cfg.MaxPositionSizePct,
		RiskRewardRatio:    cfg.RiskRewardRatio,
		MaxDrawdownPct:     cfg.MaxDrawdownPct,
		MaxDailyLossUSDT:   cfg.MaxDailyLossUSDT,
		StopLossPct:        cfg.StopLossPct,
		TakeProfitPct:      cfg.TakeProfitPct,
		TrailingStopPct:    cfg.TrailingStopPct,
		RoundTripFeePct:    0.15,
		MonitorInterval:    5 * time.Second,
	}
	c6, err := risk.Start(context.Background(), riskCfg, balSrc, posSrc)
	if err != nil {
		log.Fatalf("❌ risk manager failed to start (fail-closed): %v", err)
	}
	defer c6.Stop()

	b := bot.New(cfg, bot.Deps{
		C1:       c1,
		C2:       c2,
		C3:       c3,
		Pool:     c5,
		Risk:     c6,
		Exchange: exch,
		Store:    store.NewInMemory(),
		Advisor:  bot.NewCoPilotAdvisor(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := b.Start(ctx); err != nil {
		cancel()
		log.Fatalf("❌ bot failed to start: %v", err)
	}
	cancel()

	go logEvents(b)
	go logRiskEvents(c6)
	go logBreakerEvents(c5)

	log.Println("✅ all systems go")

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("🛑 shutdown signal received, stopping...")
	b.Stop()
	log.Println("✅ shutdown complete")
}

func logEvents(b *bot.Bot) {
	for ev := range b.Events() {
		log.Printf("[bot] %v %s %v", ev.Kind, ev.Symbol, ev.Payload)
	}
}

func logRiskEvents(m *risk.Manager) {
	for ev := range m.Events() {
		log.Printf("[risk] kind=%v symbol=%s", ev.Kind, ev.Risk.Symbol)
	}
}

func logBreakerEvents(p *workerpool.Pool) {
	for ev := range p.Events() {
		if ev.Kind == workerpool.CircuitBreakerOpened || ev.Kind == workerpool.CircuitBreakerClosed {
			log.Printf("[workerpool] breaker event kind=%v symbol=%s", ev.Kind, ev.Task.Symbol)
		}
	}
}

// secureLoad strips quoting/whitespace artifacts .env files commonly
// introduce around API keys, ported from the donor's SecureLoad.
func secureLoad(raw string) string {
	val := strings.TrimSpace(raw)
	val = strings.ReplaceAll(val, "\"", "")
	val = strings.ReplaceAll(val, "'", "")
	val = strings.ReplaceAll(val, "\n", "")
	val = strings.ReplaceAll(val, "\r", "")
	return val
}
