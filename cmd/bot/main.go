package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/config"
	"nifty-strangler/internal/dashboard"
	"nifty-strangler/internal/engine"
	"nifty-strangler/internal/gateway"
	"nifty-strangler/internal/mock"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/regime"
	"nifty-strangler/internal/selector"
	"nifty-strangler/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	logger.Infof("Starting strangle engine in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE - real money at risk, waiting 10s to confirm")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}

	var raw broker.Broker
	if cfg.IsPaperTrading() {
		raw = mock.NewBroker()
	} else {
		raw = broker.NewClient(cfg.Broker.APIKey, cfg.Broker.AccessToken,
			cfg.Broker.AccountID, cfg.Broker.APIEndpoint)
	}
	protected := broker.NewCircuitBreakerBroker(raw)

	gw := gateway.New(protected, logger, gatewayConfig(cfg))

	regimes := regime.New(gw, logger, regime.Config{
		VIXSymbol:    cfg.Regime.VIXSymbol,
		VIXExchange:  cfg.Regime.VIXExchange,
		Threshold:    cfg.Regime.Threshold,
		LookbackDays: cfg.Regime.LookbackDays,
		Extended:     regimeParams(cfg.Regime.Extended),
		Standard:     regimeParams(cfg.Regime.Standard),
	})

	finder := selector.New(gw, logger, selector.Config{
		Exchange:            cfg.Strategy.OptionsExchange,
		StrikeStep:          cfg.Strategy.StrikeStep,
		WindowWidth:         cfg.Strategy.WindowWidth,
		MaxParityPercent:    cfg.Strategy.MaxParityPercent,
		IVFloorPercent:      cfg.Strategy.IVFloorPercent,
		VWAPDistancePercent: cfg.Strategy.VWAPDistancePercent,
		RiskFreeRate:        cfg.Strategy.RiskFreeRate,
	})

	eng := engine.New(gw, finder, regimes, store, logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.RunSweeper(ctx)
		return nil
	})
	if cfg.Dashboard.Enabled {
		srv := dashboard.New(eng, store, logger, cfg.Dashboard.Listen)
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error {
		defer cancel()
		return eng.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Engine error: %v", err)
	}
	logger.Info("Stopped cleanly")
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	g := cfg.Gateway
	out := gateway.Config{
		ChainTTL:          parseDuration(g.ChainTTL),
		QuoteTTL:          parseDuration(g.QuoteTTL),
		VWAPTTL:           parseDuration(g.VWAPTTL),
		StalenessMultiple: g.StalenessMultiple,
		MinCallGap:        parseDuration(g.MinCallGap),
	}
	if g.MaxAttempts > 0 {
		out.Retry = gateway.DefaultPolicy
		out.Retry.MaxAttempts = g.MaxAttempts
	}
	return out
}

func regimeParams(p config.RegimeParams) models.DeltaRangeConfig {
	return models.DeltaRangeConfig{
		DeltaLow:           p.DeltaLow,
		DeltaHigh:          p.DeltaHigh,
		HedgeTriggerPoints: p.HedgeTriggerPoints,
		UseExtendedExpiry:  p.UseExtendedExpiry,
	}
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
