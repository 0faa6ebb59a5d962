// Band Keeper — an automated market-making keeper that maintains buy and
// sell orders in configurable price bands around a reference price.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires collaborators, runs the keeper
//	keeper/keeper.go       — control loop: observe, decide, dispatch, drain on shutdown
//	bands/band.go          — band model: margin intervals, amount policies, dust cutoffs
//	bands/bands.go         — band algebra: which orders to cancel, which to synthesize
//	limits/limits.go       — sliding-window caps on placed amounts per side
//	feed/factory.go        — reference price sources: ws, shell, on-chain, file, fixed
//	book/manager.go        — order book view augmented with in-flight actions
//	exchange/rest.go       — venue REST adapter with rate limiting and retry
//	config/reloadable.go   — hot-reloaded bands document with keep-previous semantics
//	history/reporter.go    — periodic order book reports to an external collector
//
// How it makes money:
//
//	The keeper captures the spread around a reference price it trusts more
//	than the venue's own book. Buy bands rest below the reference, sell
//	bands above; as the reference moves, orders that drift out of their
//	band are cancelled and fresh ones placed, keeping quotes honest while
//	fills collect the configured margins.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"bandkeeper/internal/config"
	"bandkeeper/internal/exchange"
	"bandkeeper/internal/feed"
	"bandkeeper/internal/history"
	"bandkeeper/internal/keeper"
	"bandkeeper/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/keeper.yaml"
	if p := os.Getenv("KEEPER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background tasks stop on ctx cancellation and are joined after the
	// keeper returns.
	var background sync.WaitGroup
	spawn := func(name string, task func(context.Context) error) {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := task(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("background task stopped", "task", name, "error", err)
			}
		}()
	}

	pair := types.Pair{Base: cfg.Pair.Base, Quote: cfg.Pair.Quote}

	// The bands document must be valid at startup; afterwards an invalid
	// edit keeps the previous snapshot in effect.
	watcher := config.NewWatcher(cfg.Bands.Path, cfg.Bands.PollInterval, logger)
	if err := watcher.Load(); err != nil {
		logger.Error("failed to load bands document", "error", err)
		return 1
	}
	spawn("bands watcher", watcher.Run)

	priceFeed, err := buildFeed(cfg, logger)
	if err != nil {
		logger.Error("failed to build price feed", "error", err)
		return 1
	}
	spawn("price feed", priceFeed.Run)

	adapter := exchange.NewREST(exchange.RESTConfig{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Timeout:   cfg.Exchange.Timeout,
		DryRun:    cfg.DryRun,
	}, pair, logger)

	k := keeper.New(cfg.Keeper, adapter, priceFeed, watcher, logger)
	if floor, ok := cfg.PriceFloorDecimal(); ok {
		k.SetPriceFloor(floor)
	}
	k.SetBalanceFloors(cfg.BalanceFloors())

	if cfg.History.URL != "" {
		reporter := history.NewReporter(cfg.History.URL, cfg.History.Interval, pair,
			k.EffectiveOrders, logger)
		spawn("history reporter", reporter.Run)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("band keeper starting",
		"pair", pair.String(),
		"bands", cfg.Bands.Path,
		"feed", cfg.Feed.Sources,
		"dry_run", cfg.DryRun,
	)

	err = k.Run(ctx)
	stop()
	awaitBackground(&background, logger)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, keeper.ErrUnsafeToStart):
		logger.Error("startup checks failed", "error", err)
		return 1
	case errors.Is(err, keeper.ErrFeedOutage):
		logger.Error("stopped after price feed outage", "error", err)
		return 3
	default:
		logger.Error("keeper stopped", "error", err)
		return 2
	}
}

func awaitBackground(wg *sync.WaitGroup, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("background tasks did not stop in time")
	}
}

func buildFeed(cfg *config.Config, logger *slog.Logger) (feed.Feed, error) {
	opts := feed.Options{
		Expiry:        cfg.Feed.Expiry,
		ShellCommand:  cfg.Feed.SetzerCommand,
		ShellInterval: cfg.Feed.ShellInterval,
		PollInterval:  cfg.Feed.PollInterval,
		Named:         cfg.Feed.Named,
		Logger:        logger,
	}

	if len(cfg.Feed.Oracles) > 0 {
		if cfg.Feed.EthRPCURL == "" {
			return nil, errors.New("feed.eth_rpc_url is required when oracles are configured")
		}
		client, err := ethclient.Dial(cfg.Feed.EthRPCURL)
		if err != nil {
			return nil, err
		}
		opts.Caller = client
		opts.Oracles = make(map[string]common.Address, len(cfg.Feed.Oracles))
		for pair, addr := range cfg.Feed.Oracles {
			if !common.IsHexAddress(addr) {
				return nil, errors.New("invalid oracle address for " + pair)
			}
			opts.Oracles[pair] = common.HexToAddress(addr)
		}
	}

	return feed.NewFactory(opts).New(cfg.Feed.Sources)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
