/*
Package main runs the market data core: it consumes normalized trades
from per-exchange sources, fans them out to websocket subscribers,
aggregates them into minute tickers persisted in PostgreSQL (with a
Redis cache for recent windows), and serves price queries including
cross-rate conversion over HTTP.

Usage:

	go run ./cmd/server

Configuration comes from the environment (see internal/config); a .env
file in the working directory is honored.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/api/rest"
	"github.com/hleb-albau/cyber-markets/internal/api/ws"
	"github.com/hleb-albau/cyber-markets/internal/channels"
	"github.com/hleb-albau/cyber-markets/internal/config"
	"github.com/hleb-albau/cyber-markets/internal/dispatch"
	"github.com/hleb-albau/cyber-markets/internal/model"
	"github.com/hleb-albau/cyber-markets/internal/rates"
	"github.com/hleb-albau/cyber-markets/internal/source"
	"github.com/hleb-albau/cyber-markets/internal/storage/postgres"
	"github.com/hleb-albau/cyber-markets/internal/storage/rediscache"
	"github.com/hleb-albau/cyber-markets/internal/tickers"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// durable ticker store with a redis layer for recent windows
	pool, err := pgxpool.New(ctx, postgresURL(cfg.Postgres))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewTickerRepository(pool)
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer redisClient.Close()

	cache := rediscache.New(redisClient, repo, cfg.Redis.TTL)
	if err := cache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	// core components
	index := channels.NewIndex(cfg.Stream.SinkBuffer)
	aggregator := tickers.NewAggregator(cache, cfg.Aggregation.Window, cfg.Aggregation.Grace)
	resolver := rates.NewResolver(aggregator, rates.Config{
		Bridges:   cfg.Rates.Bridges,
		Exchanges: cfg.Rates.Exchanges,
	})
	dispatcher := dispatch.NewDispatcher(index, aggregator)

	// one ingestion path per exchange partition
	pairs, err := parsePairs(cfg.Stream.Pairs)
	if err != nil {
		return err
	}
	if cfg.Stream.Mode == "live" {
		if err := runLiveSources(ctx, cfg, pairs, dispatcher); err != nil {
			return err
		}
	} else {
		for _, exchange := range cfg.Rates.Exchanges {
			src := source.NewGenerator(source.GeneratorConfig{
				Exchange:  exchange,
				Pairs:     pairs,
				Window:    cfg.Aggregation.Window,
				BatchSize: cfg.Stream.BatchSize,
				Interval:  cfg.Stream.BatchInterval,
			})
			runIngestion(ctx, dispatcher, exchange, src)
		}
	}

	// time-based sweep flushes windows that stopped receiving trades
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Aggregation.SweepEvery),
		gocron.NewTask(func() {
			if flushed := aggregator.Sweep(ctx, time.Now().UnixMilli()); flushed > 0 {
				log.Debug().Int("windows", flushed).Msg("swept closed ticker windows")
			}
		}),
	); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("scheduler shutdown failed")
		}
	}()

	// query + streaming transports
	handlers := rest.NewHandlers(aggregator, repo, resolver, cfg.Aggregation.Window)
	streamHandler := ws.NewHandler(index)
	router := rest.NewRouter(handlers, streamHandler, cfg.Server.AllowedOrigins, map[string]rest.HealthChecker{
		"postgres": pingState(repo.Ping),
		"redis":    pingState(cache.Ping),
	})

	server := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		log.Info().Msg("initiating graceful shutdown")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("mode", cfg.Stream.Mode).
		Dur("window", cfg.Aggregation.Window).
		Strs("exchanges", cfg.Rates.Exchanges).
		Strs("pairs", cfg.Stream.Pairs).
		Msg("server starting")

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// flush whatever is still live so it reaches the store before exit
	cutoff := time.Now().UnixMilli() + cfg.Aggregation.Window.Milliseconds() + cfg.Aggregation.Grace.Milliseconds()
	aggregator.Sweep(context.Background(), cutoff)
	return nil
}

// runLiveSources connects one stream per supported exchange and feeds
// each into its own dispatcher run.
func runLiveSources(ctx context.Context, cfg *config.Config, pairs []model.TokenPair, dispatcher *dispatch.Dispatcher) error {
	binance, err := source.NewBinanceSource(ctx, source.BinanceConfig{
		Pairs:     pairs,
		Window:    cfg.Aggregation.Window,
		BatchSize: cfg.Stream.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("connect binance stream: %w", err)
	}
	runIngestion(ctx, dispatcher, source.ExchangeBinance, binance)

	coinbase, err := source.NewCoinbaseSource(ctx, source.CoinbaseConfig{
		Pairs:     pairs,
		Window:    cfg.Aggregation.Window,
		BatchSize: cfg.Stream.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("connect coinbase stream: %w", err)
	}
	runIngestion(ctx, dispatcher, source.ExchangeCoinbase, coinbase)

	okx, err := source.NewOkxSource(ctx, source.OkxConfig{
		Pairs:     pairs,
		Window:    cfg.Aggregation.Window,
		BatchSize: cfg.Stream.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("connect okx stream: %w", err)
	}
	runIngestion(ctx, dispatcher, source.ExchangeOkx, okx)

	return nil
}

func runIngestion(ctx context.Context, dispatcher *dispatch.Dispatcher, exchange string, src dispatch.TradeSource) {
	go func() {
		if err := dispatcher.Run(ctx, src); err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("ingestion path stopped")
		}
	}()
}

func postgresURL(pg config.Postgres) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
		pg.User, pg.Pass, pg.Host, pg.Port, pg.DBName)
}

func parsePairs(symbols []string) ([]model.TokenPair, error) {
	pairs := make([]model.TokenPair, 0, len(symbols))
	for _, symbol := range symbols {
		pair, err := model.ParsePair(symbol)
		if err != nil {
			return nil, fmt.Errorf("invalid configured pair %q: %w", symbol, err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func pingState(ping func(context.Context) error) rest.HealthChecker {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return fmt.Sprintf("down: %v", err)
		}
		return "up"
	}
}
