package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"crypto-market-etl/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Open builds a pool from runtime settings. Nothing is dialled here: the
// schema, when configured, is applied on first use so that an unreachable
// server fails the run's write stage instead of startup.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	// pgxpool connects lazily, so an unreachable server surfaces on Ping.
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	sink := NewSink(pool, logger)
	sink.autoMigrate = cfg.AutoMigrate
	return sink, nil
}

// EnsureSchema creates the stream tables when missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ready applies the schema once per process when auto-migration is on. A
// failed attempt is retried on the next call.
func (s *Sink) ready(ctx context.Context) error {
	if !s.autoMigrate {
		return nil
	}
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()
	if s.migrated {
		return nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	s.migrated = true
	s.logger.Info().Msg("schema applied")
	return nil
}
