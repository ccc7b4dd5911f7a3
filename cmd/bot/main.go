// cmd/bot/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/api"
	"github.com/denggit/DynamicSmartFlow3/internal/blockchain/solbc"
	"github.com/denggit/DynamicSmartFlow3/internal/bot"
	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/events"
	"github.com/denggit/DynamicSmartFlow3/internal/executor"
	"github.com/denggit/DynamicSmartFlow3/internal/monitor"
	"github.com/denggit/DynamicSmartFlow3/internal/position"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/birdeye"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/dexscreener"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/helius"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/jupiter"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/market"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/rugcheck"
	"github.com/denggit/DynamicSmartFlow3/internal/risk"
	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/storage/memory"
	"github.com/denggit/DynamicSmartFlow3/internal/storage/postgres"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/logger"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
	"github.com/denggit/DynamicSmartFlow3/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; DSF_* environment variables override it")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Bot execution error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, root *logger.Logger) error {
	log := root.WithComponent("dsf")
	startup := root.WithOperation("startup")
	startup.Info("🚀 Starting DynamicSmartFlow", zap.Int("hunters", len(cfg.Hunters)))
	wired := logger.TrackPerformance(startup, "wiring")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	shutdown := bot.NewShutdown(log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdown.Close(closeCtx); err != nil {
			log.Warn("⚠️ Shutdown finished with errors", zap.Error(err))
		}
	}()

	// The bus drains before the sink it feeds is closed.
	bus := events.NewBus(log, 256)
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		sink.Attach(bus)
		shutdown.Add("kafka sink", sink)
	}
	shutdown.AddFunc("event bus", func() error {
		busCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return bus.Shutdown(busCtx)
	})

	// Credentials and the shared caller
	secrets := make(map[string][]string, len(config.AllProviders))
	for _, name := range config.AllProviders {
		pc, _ := cfg.Providers.ByName(name)
		secrets[name] = pc.Keys
	}
	pool := credential.NewPool(credential.Config{
		BaseCooldown: cfg.Credentials.BaseCooldown,
		MaxCooldown:  cfg.Credentials.MaxCooldown,
		DeadAfter:    cfg.Credentials.DeadAfter,
	}, secrets, log, credential.WithMetrics(collector))

	callerOpts := []provider.CallerOption{
		provider.WithCallerMetrics(collector),
		provider.WithOutageHandler(func(name string, err error) {
			_ = bus.Publish(&events.ProviderOutageEvent{
				BaseEvent: events.NewBase(events.ProviderOutage, time.Now()),
				Provider:  name,
				Error:     err.Error(),
			})
		}, time.Minute),
	}
	for _, name := range config.AllProviders {
		pc, _ := cfg.Providers.ByName(name)
		callerOpts = append(callerOpts, provider.WithMinInterval(name, pc.MinInterval))
	}
	caller := provider.NewCaller(pool, provider.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, log, callerOpts...)

	// Provider clients
	p := cfg.Providers
	chain := solbc.NewClient(config.ProviderAlchemy, p.Alchemy.BaseURL, caller, log)
	stream := helius.NewStream(helius.StreamConfig{
		URL:         p.Helius.WSURL,
		IdleTimeout: cfg.Monitor.IdleTimeout,
	}, caller, log)
	parser := helius.NewParser(p.Helius.BaseURL, provider.NewHTTPClient(p.Helius.Timeout), caller, log)
	swaps := jupiter.NewClient(p.Jupiter.BaseURL, provider.NewHTTPClient(p.Jupiter.Timeout), caller, log)
	safety := rugcheck.NewClient(p.RugCheck.BaseURL, provider.NewHTTPClient(p.RugCheck.Timeout), caller, log)
	marketData := market.NewFallback(log,
		dexscreener.NewClient(p.DexScreener.BaseURL, provider.NewHTTPClient(p.DexScreener.Timeout), caller, log),
		birdeye.NewClient(p.Birdeye.BaseURL, provider.NewHTTPClient(p.Birdeye.Timeout), caller, log),
	)

	// Durable state
	journal, err := openJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	shutdown.Add("journal", journal)

	seen, err := openSeen(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := seen.(interface{ Close() error }); ok {
		shutdown.AddFunc("seen store", closer.Close)
	}

	signer, err := wallet.NewWallet(cfg.WalletKey)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	startup.Info("🔑 Wallet loaded", zap.String("address", signer.PublicKey().String()))

	book := position.NewBook(journal, log, position.WithBookMetrics(collector))
	if err := book.Load(ctx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	// Pipeline
	vetter := risk.NewVetter(cfg.Risk, marketData, safety, log, risk.WithMetrics(collector))
	exec := executor.New(cfg.Trading, book, swaps, chain, signer, vetter, journal, log,
		executor.WithMetrics(collector), executor.WithEvents(bus), executor.WithExitRules(position.NewRules(cfg.Exit)))
	manager := position.NewManager(cfg.Exit, book, marketData, exec, bus, log)
	mon := monitor.New(cfg.Monitor, cfg.Hunters, stream, chain, parser, seen, log, monitor.WithMetrics(collector))

	if cfg.Admin.Addr != "" {
		server := api.NewServer(cfg.Admin.Addr, api.Deps{
			Credentials: pool,
			Sessions:    mon,
			Hunters:     cfg.Hunters,
			Positions:   book,
			Closer:      manager,
			Gatherer:    registry,
		}, log)
		server.Start()
		shutdown.Add("admin server", server)
	}

	wired()

	runner := bot.NewRunner(bot.RunnerConfig{
		DrainTimeout:  cfg.ShutdownTimeout,
		RetryAttempts: cfg.Retry.MaxAttempts,
		RetryInterval: cfg.Retry.InitialInterval,
	}, mon, vetter, exec, manager, book, journal, log)

	err = runner.Run(ctx)
	log.Info("👋 Bot shutting down gracefully")
	return err
}

func openJournal(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Journal, error) {
	if cfg.Storage.PostgresURL == "" {
		log.Warn("⚠️ No database configured, trading state will not survive a restart")
		return memory.NewJournal(), nil
	}
	j, err := postgres.Open(ctx, cfg.Storage.PostgresURL, log)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

func openSeen(ctx context.Context, cfg *config.Config) (monitor.SeenStore, error) {
	if cfg.Redis.Addr == "" {
		return monitor.NewMemorySeen(cfg.Monitor.SeenTTL), nil
	}
	s, err := monitor.NewRedisSeen(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Prefix, cfg.Monitor.SeenTTL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return s, nil
}
