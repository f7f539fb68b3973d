package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/advisor"
	"futures-trading-bot/internal/api"
	"futures-trading-bot/internal/auth"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/market"
	"futures-trading-bot/internal/metrics"
	"futures-trading-bot/internal/vault"
)

func main() {
	generateConfig := flag.Bool("generate-config", false, "write a sample config.json and exit")
	flag.Parse()

	if *generateConfig {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		fmt.Println("Sample configuration written to config.json")
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Options{
		Level:   cfg.LoggingConfig.Level,
		Output:  cfg.LoggingConfig.Output,
		Console: cfg.LoggingConfig.Console,
	})
	logger.Info().Msg("Structured logging initialized")

	// Initialize event bus and metrics
	bus := events.NewBus()
	recorder := metrics.New()

	ctx := context.Background()

	// Initialize database
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	} else {
		logger.Warn().Msg("Database disabled, engine config and trade history will not persist")
	}

	// Engine config store: boot config first, persisted document on top
	var configRepo config.Repository
	if db != nil {
		configRepo = db
	}
	store, err := config.NewStore(cfg.EngineConfig, configRepo, logger)
	if err != nil {
		log.Fatalf("Invalid engine configuration: %v", err)
	}
	if err := store.LoadPersisted(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not load persisted engine config, using boot config")
	}

	// Redis-backed bot state persistence
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}
	stateRepo := database.NewRedisBotStateRepository(redisClient, logger)

	// Vault control secrets override file/env auth values
	authConfig := auth.Config{
		Enabled:       cfg.AuthConfig.Enabled,
		JWTSecret:     cfg.AuthConfig.JWTSecret,
		APITokenHash:  cfg.AuthConfig.APITokenHash,
		TokenDuration: cfg.AuthConfig.TokenDuration,
	}
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig, logger)
		if err != nil {
			log.Fatalf("Failed to initialize Vault client: %v", err)
		}
		if secrets, err := vaultClient.LoadControlSecrets(ctx); err != nil {
			logger.Warn().Err(err).Msg("Vault secrets unavailable, using file/env auth config")
		} else {
			if secrets.JWTSecret != "" {
				authConfig.JWTSecret = secrets.JWTSecret
			}
			if secrets.APITokenHash != "" {
				authConfig.APITokenHash = secrets.APITokenHash
			}
		}
	}
	authService := auth.NewService(authConfig, logger)

	// Exchange surface: public market data plus simulated fills. This build
	// carries no signed client, so live order flow cannot be enabled.
	if !cfg.ExchangeConfig.PaperTrading {
		log.Fatalf("Live trading requires a signed exchange client; set exchange.paper_trading")
	}

	feed := exchange.NewBinanceMarketData(cfg.ExchangeConfig.TestNet, logger)

	var marketData exchange.MarketData = feed
	var priceStream *exchange.MarkPriceStream
	if cfg.ExchangeConfig.StreamPrices {
		liveFeed := exchange.NewLiveFeed(feed, 0)
		priceStream = exchange.NewMarkPriceStream(cfg.ExchangeConfig.TestNet, liveFeed.Push, logger)
		priceStream.Start()
		marketData = liveFeed
	}

	paper := exchange.NewPaperGateway(cfg.ExchangeConfig.PaperBalance, marketData, logger)
	gateway := exchange.NewRetrier(paper, logger)
	logger.Info().
		Bool("testnet", cfg.ExchangeConfig.TestNet).
		Bool("stream_prices", cfg.ExchangeConfig.StreamPrices).
		Float64("balance", cfg.ExchangeConfig.PaperBalance).
		Msg("Paper trading gateway ready")

	// Indicator cache and maturity filter
	cache := market.NewCache(marketData, cfg.MarketConfig.ToCacheConfig(), recorder, logger)

	var entryStore market.EntryStore
	if db != nil {
		entryStore = db
	}
	maturity := market.NewMaturityFilter(cache, entryStore, cfg.MaturityConfig.ToMaturityConfig(), logger)
	if err := maturity.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not load persisted maturity entries")
	}

	// ML advisor
	var mlAdvisor advisor.Advisor
	if cfg.AdvisorConfig.Enabled {
		if cfg.AdvisorConfig.RemoteURL != "" {
			mlAdvisor = advisor.NewRemoteAdvisor(cfg.AdvisorConfig.RemoteURL, cfg.AdvisorConfig.RequestTimeout, logger)
			logger.Info().Str("url", cfg.AdvisorConfig.RemoteURL).Msg("Remote ML advisor enabled")
		} else {
			mlAdvisor = advisor.NewWeightedPredictor(advisor.DefaultPredictorConfig())
			logger.Info().Msg("Built-in ML advisor enabled")
		}
	}

	// Initialize the bot engine
	registry := bot.NewRegistry(store.Params().MaxBots, recorder, logger)
	machine := bot.NewMachine(registry, gateway, bus, recorder, logger)
	synchronizer := bot.NewSynchronizer(registry, machine, gateway, bus, recorder, cfg.SyncConfig.ToSyncConfig(), logger)
	breaker := bot.NewBreaker(cfg.BreakerConfig.ToBreakerConfig(), bus)

	var tradeStore bot.TradeStore
	if db != nil {
		tradeStore = db
	}

	engine := bot.NewEngine(bot.Deps{
		Registry:   registry,
		Machine:    machine,
		Sync:       synchronizer,
		Breaker:    breaker,
		Cache:      cache,
		Maturity:   maturity,
		Advisor:    mlAdvisor,
		Gateway:    gateway,
		Lister:     feed,
		Trades:     tradeStore,
		Bus:        bus,
		Metrics:    recorder,
		Params:     store.Params,
		QuoteAsset: cfg.ExchangeConfig.QuoteAsset,
		Logger:     logger,
	})

	// Persist registry snapshots on every mutation; restore surviving bots
	persister := database.NewStatePersister(stateRepo, registry.List, 0, logger)
	registry.OnChange(persister.MarkDirty)
	persister.Start()

	if records, err := stateRepo.LoadSnapshot(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not load persisted bot state")
	} else if restored := engine.RestoreState(records); restored > 0 {
		logger.Info().Int("bots", restored).Msg("Restored bots from persisted state")
	}

	// Start background workers
	workers := bot.NewWorkers(engine, cfg.WorkersConfig.ToWorkerConfig(), logger)
	if err := workers.Start(); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	// Start the control API
	var apiTrades api.TradeStore
	var health api.HealthChecker
	if db != nil {
		apiTrades = db
		health = db
	}
	server := api.NewServer(cfg.ServerConfig, store, engine, maturity, apiTrades, health, bus, authService, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	logger.Info().
		Bool("engine_enabled", store.Engine().Enabled).
		Int64("config_version", store.Version()).
		Str("address", fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)).
		Msg("Futures trading bot started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	workers.Stop()
	if priceStream != nil {
		priceStream.Stop()
	}

	// Final state flush after the loops stop
	persister.Stop()
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info().Msg("Shutdown complete")
}
