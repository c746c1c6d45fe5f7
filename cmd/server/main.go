// Package main is the entry point for the coinflip settlement engine.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coinflip-engine/internal/config"
	"coinflip-engine/internal/handler"
	"coinflip-engine/internal/pkg/db"
	"coinflip-engine/internal/pkg/lock"
	"coinflip-engine/internal/repository"
	"coinflip-engine/internal/service"
	"coinflip-engine/internal/ws"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize the shared lock store
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to lock store")
	}
	defer rdb.Close()
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to lock store")

	// Initialize repositories
	gameRepo := repository.NewGameRepository(dbPool.Pool)
	inventoryRepo := repository.NewInventoryRepository(dbPool.Pool)
	userRepo := repository.NewUserRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	statsRepo := repository.NewStatsRepository(dbPool.Pool)

	if err := statsRepo.Ensure(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize stats record")
	}

	// The collector account accrues the protocol's cut; make sure it exists.
	if _, _, err := userRepo.GetOrCreate(ctx, cfg.Coinflip.CollectorID, "collector"); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure collector account")
	}

	// Initialize the lock manager and broadcast hub
	lockManager := lock.NewManager(rdb, cfg.Lock.Retries, cfg.Lock.RetryDelay)
	hub := ws.NewHub()

	// Initialize the settlement engine
	engine := service.NewEngine(
		dbPool.Pool,
		gameRepo,
		inventoryRepo,
		userRepo,
		ledgerRepo,
		statsRepo,
		lockManager,
		hub,
		cfg.Coinflip,
		cfg.Lock,
	)

	// Re-emit notifications for settlements committed before a crash.
	if err := engine.ReemitUnnotified(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to re-emit pending notifications")
	}

	// Build the HTTP server
	router := handler.NewRouter(&cfg.Server, handler.NewCoinflipHandler(engine), hub)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server is starting...")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Server stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create users table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: users table created")

	// Migration 2: Create items table (live inventory only)
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS items (
			instance_id UUID PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			value BIGINT NOT NULL CHECK (value >= 0),
			quantity INT NOT NULL DEFAULT 1,
			category VARCHAR(100) NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_items_owner ON items(owner_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: items table created")

	// Migration 3: Create games table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS games (
			id UUID PRIMARY KEY,
			pot_value BIGINT NOT NULL,
			creator_id BIGINT NOT NULL REFERENCES users(id),
			creator_side VARCHAR(10) NOT NULL,
			join_range_min BIGINT NOT NULL,
			join_range_max BIGINT NOT NULL,
			joiner_id BIGINT REFERENCES users(id),
			state VARCHAR(20) NOT NULL,
			server_seed VARCHAR(64) NOT NULL,
			server_seed_hash VARCHAR(64) NOT NULL,
			client_seed VARCHAR(64),
			normalized_result DOUBLE PRECISION,
			winner_id BIGINT REFERENCES users(id),
			total_tax_value BIGINT NOT NULL DEFAULT 0,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			creator_items JSONB NOT NULL,
			joiner_items JSONB,
			taxed_items JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_games_state_created ON games(state, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_games_unnotified ON games(notified) WHERE notified = FALSE;
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: games table created")

	// Migration 4: Create ledger table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			game_id UUID,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_game ON ledger(game_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: ledger table created")

	// Migration 5: Create aggregate stats table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stats (
			id INT PRIMARY KEY,
			biggest_win_value BIGINT NOT NULL DEFAULT 0,
			biggest_win_game_id UUID,
			reward_pool_value BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: stats table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
