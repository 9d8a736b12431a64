package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingwatch/bybitapi"
	"fundingwatch/config"
	"fundingwatch/filter"
	"fundingwatch/health"
	"fundingwatch/logger"
	"fundingwatch/models"
	"fundingwatch/position"
	"fundingwatch/scanner"
	"fundingwatch/store"
	"fundingwatch/stream"
	"fundingwatch/volatility"
)

func criteriaFromConfig(w config.WatchlistConfig) filter.Criteria {
	return filter.Criteria{
		FundingMin:            w.FundingMin,
		FundingMax:            w.FundingMax,
		VolumeMinMillions:     w.VolumeMinMillions,
		FundingTimeMinMinutes: w.FundingTimeMinMinutes,
		FundingTimeMaxMinutes: w.FundingTimeMaxMinutes,
		SpreadMax:             w.SpreadMax,
		VolatilityMin:         w.VolatilityMin,
		VolatilityMax:         w.VolatilityMax,
		Limit:                 w.Limit,
	}
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	resolved := config.ResolveEnvSpecificPath(*configPath, "config/config.yml", map[string]string{
		config.EnvironmentProduction: "config/config.prod.yml",
		config.EnvironmentStaging:    "config/config.staging.yml",
	})
	cfg, err := config.LoadConfig(resolved)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Service.Name,
		"version": cfg.Service.Version,
		"testnet": cfg.Bybit.Testnet,
	}).Info("starting fundingwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace,
			cfg.Metrics.AccessKeyID, cfg.Metrics.SecretKey)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval.Std())
	}

	st := store.NewMarketStore(log)
	client := bybitapi.NewClient(cfg, log)
	criteria := criteriaFromConfig(cfg.Watchlist)
	builder := filter.NewBuilder(criteria, log)
	volCache := volatility.NewCache(cfg.Volatility.TTL.Std(), cfg.Volatility.CacheCap, nil)

	// Wiring order: the manager's tick callback feeds the candidate monitor
	// and the candidate monitor's promotions feed back into the manager, so
	// both sides bind late through this variable.
	var candidates *scanner.CandidateMonitor

	manager := stream.NewManager(cfg.Bybit, cfg.Streaming, st, func(tick models.RealtimeTick) {
		if candidates != nil {
			candidates.OnTick(tick)
		}
	}, log)

	candidates = scanner.NewCandidateMonitor(st, criteria, volCache, func(symbol string, cat models.SymbolCategory) {
		// Promotion fires on a stream read goroutine; rebuilding the
		// connection set waits for that goroutine, so widen from a new one.
		// ApplyWatchlist defers on its own while a position holds the
		// stream narrowed.
		go func() {
			candLinear, candInverse := candidates.CandidatesByCategory()
			set := models.WatchSet{
				Linear:           st.Symbols(models.CategoryLinear),
				Inverse:          st.Symbols(models.CategoryInverse),
				CandidateLinear:  candLinear,
				CandidateInverse: candInverse,
			}
			if _, err := manager.ApplyWatchlist(set); err != nil {
				log.WithError(err).Warn("failed to widen stream after promotion")
			}
		}()
	}, log)

	tracker := volatility.NewTracker(volCache, client,
		volatility.MergeListers(st, candidates), cfg.Volatility, log)

	scn := scanner.New(client, st, builder, volCache, manager, candidates, cfg.Scanner, log)

	displayLog := log.WithComponent("display")
	switcher := position.NewSwitcher(st, manager, scn, func(symbols []string) {
		if symbols == nil {
			displayLog.Info("display restored to full watchlist")
			return
		}
		displayLog.WithField("symbols", strings.Join(symbols, ",")).Info("display narrowed to position")
	}, log)

	fundingWatcher := position.NewFundingCloseWatcher(st, switcher, cfg.Position, nil, log)

	var private *stream.PrivateStream
	if cfg.Bybit.APIKey != "" && cfg.Bybit.APISecret != "" {
		private = stream.NewPrivateStream(cfg.Bybit, cfg.Streaming, switcher.HandleEvents, log)
	} else {
		log.WithComponent("main").Info("api credentials absent, position tracking disabled")
	}

	// Initial watchlist, then streaming and the background loops.
	result, err := scn.LoadWatchlist(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to build initial watchlist")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"linear":     len(result.Linear),
		"inverse":    len(result.Inverse),
		"candidates": len(result.Candidates),
	}).Info("initial watchlist ready")

	if err := manager.Start(ctx, result.WatchSet()); err != nil {
		log.WithError(err).Error("Failed to start streaming")
		os.Exit(1)
	}
	tracker.Start(ctx)
	if err := scn.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start scanner")
		os.Exit(1)
	}
	fundingWatcher.Start(ctx)
	if private != nil {
		if err := private.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start private stream")
			os.Exit(1)
		}
		reconcilePositions(ctx, client, switcher, log)
	}

	go purgeLoop(ctx, st, cfg.Store, log)

	monitor := health.NewMonitor()
	monitor.Register("scanner", scn)
	monitor.Register("stream_manager", manager)
	monitor.Register("volatility_tracker", tracker)
	if private != nil {
		monitor.Register("private_stream", private)
	}
	go healthLoop(ctx, monitor, cfg.Metrics.ReportInterval.Std(), log)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	scn.Stop()
	if private != nil {
		private.Stop()
	}
	fundingWatcher.Stop()
	tracker.Stop()
	manager.Stop()

	log.Info("fundingwatch stopped")
}

// reconcilePositions replays positions already open on the exchange, so a
// restart during an open position re-enters single-symbol mode instead of
// waiting for the next private-stream update.
func reconcilePositions(ctx context.Context, client *bybitapi.Client, switcher *position.Switcher, log *logger.Log) {
	entry := log.WithComponent("position_reconcile")
	for _, cat := range []models.SymbolCategory{models.CategoryLinear, models.CategoryInverse} {
		events, err := client.OpenPositions(ctx, cat)
		if err != nil {
			entry.WithError(err).Warn("failed to fetch open positions")
			continue
		}
		open := events[:0]
		for _, ev := range events {
			if ev.Size > 0 {
				open = append(open, ev)
			}
		}
		if len(open) > 0 {
			entry.WithField("count", len(open)).Info("replaying open positions from rest")
			switcher.HandleEvents(open)
		}
	}
}

// purgeLoop evicts realtime ticks that stopped updating, so symbols dropped
// from the stream do not linger in the store forever.
func purgeLoop(ctx context.Context, st *store.MarketStore, cfg config.StoreConfig, log *logger.Log) {
	ticker := time.NewTicker(cfg.PurgeInterval.Std())
	defer ticker.Stop()

	entry := log.WithComponent("store_purge")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := st.PurgeStaleRealtime(cfg.RealtimeTTL.Std()); purged > 0 {
				entry.WithField("purged", purged).Info("stale realtime ticks purged")
			}
		}
	}
}

// healthLoop logs the aggregated health status periodically.
func healthLoop(ctx context.Context, monitor *health.Monitor, interval time.Duration, log *logger.Log) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	entry := log.WithComponent("health")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := monitor.Status()
			payload, err := json.Marshal(status)
			if err != nil {
				continue
			}
			if status.Healthy {
				entry.WithField("status", string(payload)).Info("health check")
			} else {
				entry.WithField("status", string(payload)).Warn("health check reports degraded components")
			}
		}
	}
}
