package app

import (
	"context"
	"fmt"

	"crypto-market-etl/internal/storage"
	"crypto-market-etl/internal/storage/clickhouse"
	"crypto-market-etl/internal/storage/elastic"
	"crypto-market-etl/internal/storage/memory"
	"crypto-market-etl/internal/storage/postgres"
)

// openStore connects the sink selected by storage.driver.
func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.Config.Storage
	switch sc.Driver {
	case "elasticsearch":
		es := sc.Elasticsearch
		sink, err := elastic.New(elastic.Options{
			Addresses:  es.Addresses,
			Username:   es.Username,
			Password:   es.Password,
			APIKey:     es.APIKey,
			Refresh:    es.Refresh,
			MaxRetries: es.MaxRetries,
			Prefixes:   sc.Prefixes,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		if es.EnsureTemplates {
			if err := sink.EnsureTemplates(ctx); err != nil {
				a.Logger.Warn().Err(err).Msg("index templates not installed")
			}
		}
		return sink, nil
	case "postgres":
		sink, err := postgres.Open(ctx, sc.Postgres, a.Logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "clickhouse":
		sink, err := clickhouse.Open(sc.ClickHouse.DSN, sc.ClickHouse.AutoMigrate, a.Logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "memory":
		a.Logger.Warn().Msg("memory storage selected; records are discarded on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", sc.Driver)
	}
}
