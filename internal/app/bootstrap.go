package app

import (
	"context"
	"log/slog"
	"time"

	"perp_go/internal/gateway"
	"perp_go/internal/infra"
	"perp_go/internal/infra/bitget"
	"perp_go/internal/infra/storage"
	"perp_go/internal/ratelimit"
	"perp_go/internal/risk"
	"perp_go/internal/scheduler"
	"perp_go/internal/service"
	"perp_go/internal/strategy"

	"github.com/shopspring/decimal"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Metrics   *infra.Metrics
	Alerts    *infra.AlertCenter
	Client    *bitget.Client
	Limiter   *ratelimit.Limiter
	Refresher *ratelimit.Refresher
	Breaker   *risk.Breaker
	Gateway   *gateway.Gateway
	Monitor   *service.Monitor
	Scheduler *scheduler.Scheduler
	Stream    *bitget.TickerStream
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize builds the full component graph from configuration.
// Nothing starts running yet; Run launches the loops.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping perp_go...")

	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", "path", cfg.Storage.Path)

	b.Metrics = infra.NewMetrics()
	b.Alerts = infra.NewAlertCenter().
		WithHistory(store).
		WithMetrics(b.Metrics)

	b.Client = bitget.NewClient(
		cfg.API.Bitget.RestURL,
		cfg.API.Bitget.AccessKey,
		cfg.API.Bitget.SecretKey,
		cfg.API.Bitget.Passphrase,
	)

	b.Limiter = ratelimit.New(cfg.RateLimit.SafetyFactor, cfg.RateLimit.EmergencyThreshold)
	b.Refresher = ratelimit.NewRefresher(
		b.Limiter, b.Client, store,
		time.Duration(cfg.RateLimit.RefreshHours)*time.Hour,
	)

	riskCfg := risk.Config{
		MaxDrawdownPct:  cfg.Risk.MaxDrawdownPct,
		MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
		MaxPositionPct:  cfg.Risk.MaxPositionPct,
		Cooldown:        time.Duration(cfg.Risk.CooldownSec) * time.Second,
	}
	b.Breaker = risk.New(riskCfg, b.Client).
		WithAlerts(b.Alerts).
		WithStateRecorder(b.Metrics).
		WithEpisodeStore(store)

	b.Gateway = gateway.New(b.Client, b.Breaker,
		gateway.WithRateLimiter(b.Limiter),
		gateway.WithMetrics(b.Metrics),
		gateway.WithIDPrefix(cfg.Trading.OrderIDPrefix),
	)

	b.Monitor = service.NewMonitor(b.Gateway, b.Breaker, riskCfg).
		WithAlerts(b.Alerts)

	b.Scheduler = scheduler.New()
	if cfg.Strategy.Funding.Enabled {
		funding := strategy.NewFunding(b.Gateway, strategy.FundingConfig{
			Symbols:        cfg.Trading.Symbols,
			EntryThreshold: decimal.NewFromFloat(cfg.Strategy.Funding.EntryThreshold),
			ExitThreshold:  decimal.NewFromFloat(cfg.Strategy.Funding.ExitThreshold),
			AllocationPct:  decimal.NewFromFloat(cfg.Strategy.Funding.AllocationPct),
		})
		b.Scheduler.Register(funding, cfg.Strategy.Funding.Priority)
		slog.Info("✅ Funding strategy registered", "priority", cfg.Strategy.Funding.Priority)
	}

	if cfg.API.Bitget.WSURL != "" {
		b.Stream = bitget.NewTickerStream(cfg.API.Bitget.WSURL, cfg.Trading.Symbols)
	}

	return nil
}

// Run starts the background loops and blocks until ctx is cancelled.
func (b *Bootstrap) Run(ctx context.Context) {
	b.Refresher.Prime(ctx)
	go b.Refresher.Run(ctx)

	checkInterval := time.Duration(b.Config.Risk.CheckIntervalSec) * time.Second
	go b.Monitor.Run(ctx, checkInterval)

	if b.Stream != nil {
		if err := b.Stream.Connect(ctx); err != nil {
			slog.Error("Failed to connect ticker stream", slog.Any("error", err))
		} else {
			go b.Monitor.RunStream(ctx, b.Stream.Updates())
			slog.Info("✅ Ticker stream started", "symbols", len(b.Config.Trading.Symbols))
		}
	}

	b.Metrics.SetSystemState(infra.StateRunning)
	slog.Info("✨ All systems operational")

	cycle := time.Duration(b.Config.Trading.CycleIntervalSec) * time.Second
	b.Scheduler.Run(ctx, cycle)
}

// Shutdown releases external resources after the loops have stopped.
func (b *Bootstrap) Shutdown() {
	if b.Stream != nil {
		b.Stream.Disconnect()
	}
	b.Metrics.SetSystemState(infra.StateHalted)

	snap := b.Metrics.Snapshot()
	slog.Info("👋 Shutdown complete",
		"orders_submitted", snap.OrdersSubmitted,
		"orders_failed", snap.OrdersFailed,
		"alerts_raised", snap.AlertsRaised)
}
