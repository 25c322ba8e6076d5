//go:build integration

package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/storage"
)

func setupTestSink(t *testing.T) *Sink {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "cryptoetl",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	sink, err := Open(fmt.Sprintf("clickhouse://%s:%s/cryptoetl", host, port.Port()), true, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sink.Close()
		_ = container.Terminate(ctx)
	})
	return sink
}

func TestSinkCollapsesRepeatedWrites(t *testing.T) {
	sink := setupTestSink(t)
	ctx := context.Background()
	w := storage.NewWriter(sink, records.DefaultPrefixes(), zerolog.Nop())

	observed := time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)
	rec := func(volume int64) *records.PriceRecord {
		return &records.PriceRecord{
			Symbol:        "BTC",
			QuoteCurrency: "USD",
			Price:         decimal.RequireFromString("65000.123456789"),
			Volume24h:     decimal.NewNullDecimal(decimal.NewFromInt(volume)),
			ObservedAt:    observed,
			IngestedAt:    time.Now().UTC(),
			RunID:         "run-1",
		}
	}

	_, err := w.Write(ctx, []records.Document{rec(1)})
	require.NoError(t, err)
	res, err := w.Write(ctx, []records.Document{rec(55_000_000_000)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)

	prices, err := sink.ListPrices(ctx, storage.PriceQuery{Symbol: "btc"})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.True(t, prices[0].Price.Equal(decimal.RequireFromString("65000.123456789")))
	assert.True(t, prices[0].Volume24h.Decimal.Equal(decimal.NewFromInt(55_000_000_000)))
	assert.False(t, prices[0].MarketCap.Valid)
}

func TestSinkRunMetricsOverwrite(t *testing.T) {
	sink := setupTestSink(t)
	ctx := context.Background()
	w := storage.NewWriter(sink, records.DefaultPrefixes(), zerolog.Nop())

	started := time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)
	m := &records.PipelineRunMetric{RunID: "run-1", DagID: "crypto_data_pipeline", StartedAt: started, Status: records.RunPending}
	require.NoError(t, w.WriteOne(ctx, m))

	finished := started.Add(2 * time.Second)
	m.Status = records.RunSuccess
	m.FinishedAt = &finished
	m.RecordsWritten = 10
	require.NoError(t, w.WriteOne(ctx, m))

	runs, err := sink.ListRecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, records.RunSuccess, runs[0].Status)
	assert.Equal(t, 10, runs[0].RecordsWritten)
}
