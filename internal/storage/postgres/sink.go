// Package postgres stores each stream in its own table keyed by identity
// key, with the partition name kept as a column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/storage"
)

const (
	upsertPriceSQL = `INSERT INTO crypto_prices (
        doc_key,
        index_name,
        symbol,
        name,
        rank,
        quote_currency,
        price,
        volume_24h,
        percent_change_1h,
        percent_change_24h,
        percent_change_7d,
        market_cap,
        last_updated,
        observed_at,
        ingested_at,
        run_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (doc_key) DO UPDATE
    SET
        index_name         = EXCLUDED.index_name,
        symbol             = EXCLUDED.symbol,
        name               = EXCLUDED.name,
        rank               = EXCLUDED.rank,
        quote_currency     = EXCLUDED.quote_currency,
        price              = EXCLUDED.price,
        volume_24h         = EXCLUDED.volume_24h,
        percent_change_1h  = EXCLUDED.percent_change_1h,
        percent_change_24h = EXCLUDED.percent_change_24h,
        percent_change_7d  = EXCLUDED.percent_change_7d,
        market_cap         = EXCLUDED.market_cap,
        last_updated       = EXCLUDED.last_updated,
        observed_at        = EXCLUDED.observed_at,
        ingested_at        = EXCLUDED.ingested_at,
        run_id             = EXCLUDED.run_id;`

	upsertGlobalSQL = `INSERT INTO crypto_global_metrics (
        doc_key,
        index_name,
        quote_currency,
        total_market_cap,
        total_volume_24h,
        btc_dominance,
        eth_dominance,
        active_cryptocurrencies,
        observed_at,
        ingested_at,
        run_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (doc_key) DO UPDATE
    SET
        index_name              = EXCLUDED.index_name,
        quote_currency          = EXCLUDED.quote_currency,
        total_market_cap        = EXCLUDED.total_market_cap,
        total_volume_24h        = EXCLUDED.total_volume_24h,
        btc_dominance           = EXCLUDED.btc_dominance,
        eth_dominance           = EXCLUDED.eth_dominance,
        active_cryptocurrencies = EXCLUDED.active_cryptocurrencies,
        observed_at             = EXCLUDED.observed_at,
        ingested_at             = EXCLUDED.ingested_at,
        run_id                  = EXCLUDED.run_id;`

	upsertRunSQL = `INSERT INTO pipeline_run_metrics (
        doc_key,
        index_name,
        run_id,
        dag_id,
        started_at,
        finished_at,
        status,
        records_extracted,
        records_written,
        records_rejected,
        api_calls,
        duration_seconds,
        stage_failed,
        error_summary
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (doc_key) DO UPDATE
    SET
        index_name        = EXCLUDED.index_name,
        dag_id            = EXCLUDED.dag_id,
        started_at        = EXCLUDED.started_at,
        finished_at       = EXCLUDED.finished_at,
        status            = EXCLUDED.status,
        records_extracted = EXCLUDED.records_extracted,
        records_written   = EXCLUDED.records_written,
        records_rejected  = EXCLUDED.records_rejected,
        api_calls         = EXCLUDED.api_calls,
        duration_seconds  = EXCLUDED.duration_seconds,
        stage_failed      = EXCLUDED.stage_failed,
        error_summary     = EXCLUDED.error_summary;`

	selectPriceColumns = `SELECT
        symbol,
        name,
        rank,
        quote_currency,
        price,
        volume_24h,
        percent_change_1h,
        percent_change_24h,
        percent_change_7d,
        market_cap,
        last_updated,
        observed_at,
        ingested_at,
        run_id
    FROM crypto_prices`

	listPricesBetweenSQL = selectPriceColumns + `
    WHERE ($1 = '' OR symbol = upper($1))
      AND ($2 = '' OR quote_currency = upper($2))
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at, symbol;`

	listRecentPricesSQL = `SELECT * FROM (` + selectPriceColumns + `
    WHERE ($1 = '' OR symbol = upper($1))
      AND ($2 = '' OR quote_currency = upper($2))
    ORDER BY observed_at DESC
    LIMIT $3) recent
    ORDER BY observed_at, symbol;`

	listRecentRunsSQL = `SELECT
        run_id,
        dag_id,
        started_at,
        finished_at,
        status,
        records_extracted,
        records_written,
        records_rejected,
        api_calls,
        duration_seconds,
        COALESCE(stage_failed, ''),
        COALESCE(error_summary, '')
    FROM pipeline_run_metrics
    ORDER BY started_at DESC
    LIMIT $1;`
)

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Sink implements storage.Sink and storage.Reader over PostgreSQL.
type Sink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	autoMigrate bool
	migrateMu   sync.Mutex
	migrated    bool
}

// Compile-time interface checks.
var (
	_ storage.Sink   = (*Sink)(nil)
	_ storage.Reader = (*Sink)(nil)
)

// NewSink wires a pgx pool into a Sink.
func NewSink(pool *pgxpool.Pool, logger zerolog.Logger) *Sink {
	return &Sink{pool: pool, logger: logger.With().Str("component", "postgres_sink").Logger()}
}

func (s *Sink) Name() string { return "postgres" }

// Close releases the underlying pool resources.
func (s *Sink) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Sink) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Sink) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return err
	}
	return s.ready(ctx)
}

// Upsert executes one statement per entry. A pgx.Batch would run as one
// implicit transaction, so a single bad row would roll back the others.
// Server-side rejections and unsupported documents are reported per entry;
// a connection failure before anything was stored fails the batch.
func (s *Sink) Upsert(ctx context.Context, entries []storage.Entry) ([]error, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	errs := make([]error, len(entries))
	stored := 0
	for i, e := range entries {
		if !supported(e.Doc) {
			errs[i] = fmt.Errorf("unsupported document %T", e.Doc)
			continue
		}
		execErr := s.upsertOne(ctx, pool, e)
		if execErr == nil {
			stored++
			continue
		}
		var pgErr *pgconn.PgError
		if stored == 0 && !errors.As(execErr, &pgErr) {
			return nil, execErr
		}
		errs[i] = execErr
	}
	return errs, nil
}

func supported(doc records.Document) bool {
	switch doc.(type) {
	case *records.PriceRecord, *records.GlobalMetricsRecord, *records.PipelineRunMetric:
		return true
	}
	return false
}

func (s *Sink) upsertOne(ctx context.Context, pool *pgxpool.Pool, e storage.Entry) error {
	switch d := e.Doc.(type) {
	case *records.PriceRecord:
		_, err := pool.Exec(ctx, upsertPriceSQL,
			e.Key,
			e.Partition,
			d.Symbol,
			nullableString(d.Name),
			d.Rank,
			d.QuoteCurrency,
			d.Price.String(),
			nullableDecimal(d.Volume24h),
			nullableDecimal(d.PercentChange1h),
			nullableDecimal(d.PercentChange24h),
			nullableDecimal(d.PercentChange7d),
			nullableDecimal(d.MarketCap),
			d.LastUpdated,
			d.ObservedAt,
			d.IngestedAt,
			d.RunID,
		)
		if err != nil {
			return fmt.Errorf("upsert price record: %w", err)
		}
	case *records.GlobalMetricsRecord:
		_, err := pool.Exec(ctx, upsertGlobalSQL,
			e.Key,
			e.Partition,
			d.QuoteCurrency,
			nullableDecimal(d.TotalMarketCap),
			nullableDecimal(d.TotalVolume24h),
			nullableDecimal(d.BTCDominance),
			nullableDecimal(d.ETHDominance),
			d.ActiveCryptocurrencies,
			d.ObservedAt,
			d.IngestedAt,
			d.RunID,
		)
		if err != nil {
			return fmt.Errorf("upsert global metrics: %w", err)
		}
	case *records.PipelineRunMetric:
		_, err := pool.Exec(ctx, upsertRunSQL,
			e.Key,
			e.Partition,
			d.RunID,
			d.DagID,
			d.StartedAt,
			d.FinishedAt,
			string(d.Status),
			d.RecordsExtracted,
			d.RecordsWritten,
			d.RecordsRejected,
			d.APICalls,
			d.DurationSeconds,
			nullableString(d.StageFailed),
			nullableString(d.ErrorSummary),
		)
		if err != nil {
			return fmt.Errorf("upsert run metric: %w", err)
		}
	default:
		return fmt.Errorf("unsupported document %T", e.Doc)
	}
	return nil
}

// ListPrices lists price records ordered by observed_at.
func (s *Sink) ListPrices(ctx context.Context, q storage.PriceQuery) ([]records.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if q.From.IsZero() && q.To.IsZero() && q.Limit > 0 {
		rows, err = pool.Query(ctx, listRecentPricesSQL, q.Symbol, q.QuoteCurrency, q.Limit)
	} else {
		to := q.To
		if to.IsZero() {
			to = farFuture
		}
		rows, err = pool.Query(ctx, listPricesBetweenSQL, q.Symbol, q.QuoteCurrency, q.From, to)
	}
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	out := make([]records.PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPrice(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// ListRecentRuns lists run metrics, newest first.
func (s *Sink) ListRecentRuns(ctx context.Context, limit int) ([]records.PipelineRunMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]records.PipelineRunMetric, 0, limit)
	for rows.Next() {
		var (
			m      records.PipelineRunMetric
			status string
		)
		if err := rows.Scan(
			&m.RunID,
			&m.DagID,
			&m.StartedAt,
			&m.FinishedAt,
			&status,
			&m.RecordsExtracted,
			&m.RecordsWritten,
			&m.RecordsRejected,
			&m.APICalls,
			&m.DurationSeconds,
			&m.StageFailed,
			&m.ErrorSummary,
		); err != nil {
			return nil, err
		}
		m.Status = records.RunStatus(status)
		runs = append(runs, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scanPrice(rows pgx.Rows) (records.PriceRecord, error) {
	var (
		rec       records.PriceRecord
		name      *string
		priceStr  string
		volume    *string
		change1h  *string
		change24h *string
		change7d  *string
		marketCap *string
	)

	if err := rows.Scan(
		&rec.Symbol,
		&name,
		&rec.Rank,
		&rec.QuoteCurrency,
		&priceStr,
		&volume,
		&change1h,
		&change24h,
		&change7d,
		&marketCap,
		&rec.LastUpdated,
		&rec.ObservedAt,
		&rec.IngestedAt,
		&rec.RunID,
	); err != nil {
		return records.PriceRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return records.PriceRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Price = price
	if name != nil {
		rec.Name = *name
	}

	for _, f := range []struct {
		src *string
		dst *decimal.NullDecimal
	}{
		{volume, &rec.Volume24h},
		{change1h, &rec.PercentChange1h},
		{change24h, &rec.PercentChange24h},
		{change7d, &rec.PercentChange7d},
		{marketCap, &rec.MarketCap},
	} {
		if f.src == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.src)
		if err != nil {
			return records.PriceRecord{}, fmt.Errorf("parse numeric column: %w", err)
		}
		*f.dst = decimal.NewNullDecimal(d)
	}

	rec.ObservedAt = rec.ObservedAt.UTC()
	rec.IngestedAt = rec.IngestedAt.UTC()
	return rec, nil
}

func nullableDecimal(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
