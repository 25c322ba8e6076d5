package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/fetcher"
	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/retry"
	"crypto-market-etl/internal/runmetrics"
	"crypto-market-etl/internal/storage"
	"crypto-market-etl/internal/storage/memory"
)

var scheduled = time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

type notification struct {
	runID, dagID, taskID string
	err                  error
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) Notify(_ context.Context, runID, dagID, taskID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{runID, dagID, taskID, err})
}

type staticFetcher struct {
	raw *fetcher.RawPayload
	err error
}

func (f staticFetcher) FetchLatest(context.Context) (*fetcher.RawPayload, error) {
	return f.raw, f.err
}

type blockingFetcher struct{}

func (blockingFetcher) FetchLatest(ctx context.Context) (*fetcher.RawPayload, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	store    *memory.Sink
	notifier *recordingNotifier
	pipeline *Pipeline
}

func newHarness(t *testing.T, f fetcher.MarketFetcher) *harness {
	t.Helper()
	store := memory.New()
	w := storage.NewWriter(store, records.DefaultPrefixes(), zerolog.Nop())
	n := &recordingNotifier{}
	rec := runmetrics.New(w, nil, zerolog.Nop())
	p := New(f, w, rec, n, fastPolicy, zerolog.Nop())
	p.now = func() time.Time { return scheduled.Add(3 * time.Second) }
	return &harness{store: store, notifier: n, pipeline: p}
}

func flatPayload(quotes string) *fetcher.RawPayload {
	raw := fetcher.NewRawPayload("USD")
	raw.Quotes["USD"] = json.RawMessage(quotes)
	raw.APICalls = 1
	return raw
}

func trigger(runID string) Trigger {
	return Trigger{DagID: DefaultDagID, RunID: runID, ScheduledTime: scheduled}
}

func storedRun(t *testing.T, store *memory.Sink, runID string) records.PipelineRunMetric {
	t.Helper()
	var m records.PipelineRunMetric
	require.NoError(t, store.Get("pipeline-metrics-2026.10.17", (&records.PipelineRunMetric{RunID: runID}).Key(), &m))
	return m
}

func TestRunBTCScenario(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{"BTC": {"price": 65000, "volume_24h": 55000000000, "percent_change_1h": 6.2}}`)})

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	require.NoError(t, err)
	assert.Equal(t, records.RunSuccess, metric.Status)
	assert.Equal(t, 1, metric.RecordsExtracted)
	assert.Equal(t, 1, metric.RecordsWritten)
	assert.Equal(t, 1, metric.APICalls)
	assert.Empty(t, h.notifier.calls)

	key := (&records.PriceRecord{Symbol: "BTC", QuoteCurrency: "USD", ObservedAt: scheduled}).Key()
	var got records.PriceRecord
	require.NoError(t, h.store.Get("crypto-prices-2026.10.17", key, &got))
	assert.True(t, got.Price.Equal(decimal.NewFromInt(65000)))
	assert.Equal(t, "run-1", got.RunID)
	assert.False(t, got.IngestedAt.IsZero())
	assert.False(t, got.MarketCap.Valid)

	assert.Equal(t, records.RunSuccess, storedRun(t, h.store, "run-1").Status)
}

func TestRerunOverwritesInsteadOfDuplicating(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{"BTC": {"price": 65000}, "ETH": {"price": 3000}}`)})

	_, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	require.NoError(t, err)
	_, err = h.pipeline.Run(context.Background(), trigger("run-1-retry"))
	require.NoError(t, err)

	assert.Equal(t, 2, h.store.Count("crypto-prices-2026.10.17"))
	assert.Equal(t, 2, h.store.Count("pipeline-metrics-2026.10.17"))
}

func TestRunAuthFailureNotifiesOnceWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":{"error_code":1001,"error_message":"This API Key is invalid."}}`))
	}))
	defer srv.Close()

	market := fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL: srv.URL, APIKey: "bad", Symbols: []string{"BTC"}, Retry: fastPolicy,
	}, nil, zerolog.Nop())
	h := newHarness(t, market)

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	var authErr *etlerr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	assert.Equal(t, records.RunFailure, metric.Status)
	assert.Equal(t, string(StageExtract), metric.StageFailed)
	assert.Equal(t, 1, metric.APICalls)

	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, string(StageExtract), h.notifier.calls[0].taskID)
	assert.Equal(t, "critical", etlerr.Severity(h.notifier.calls[0].err))
	assert.Equal(t, records.RunFailure, storedRun(t, h.store, "run-1").Status)
}

func TestRunServerErrorsExhaustAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	market := fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL: srv.URL, APIKey: "key", Symbols: []string{"BTC"}, Retry: fastPolicy,
	}, nil, zerolog.Nop())
	h := newHarness(t, market)

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	var serviceErr *etlerr.ExternalServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, 503, serviceErr.Status)
	assert.Equal(t, int32(fastPolicy.MaxAttempts), atomic.LoadInt32(&calls))
	assert.Equal(t, records.RunFailure, metric.Status)
	assert.Equal(t, fastPolicy.MaxAttempts, metric.APICalls)
	assert.Len(t, h.notifier.calls, 1)
}

func TestRunPartialFailureDoesNotAlert(t *testing.T) {
	var b strings.Builder
	b.WriteString("{")
	for i := 0; i < 10; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		if i == 3 || i == 7 {
			fmt.Fprintf(&b, `"S%d": {"volume_24h": 10}`, i)
			continue
		}
		fmt.Fprintf(&b, `"S%d": {"price": %d}`, i, i+1)
	}
	b.WriteString("}")
	h := newHarness(t, staticFetcher{raw: flatPayload(b.String())})

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	require.NoError(t, err)
	assert.Equal(t, records.RunPartialFailure, metric.Status)
	assert.Equal(t, 10, metric.RecordsExtracted)
	assert.Equal(t, 8, metric.RecordsWritten)
	assert.Equal(t, 2, metric.RecordsRejected)
	assert.Empty(t, metric.StageFailed)
	assert.Empty(t, h.notifier.calls)
	assert.Equal(t, 8, h.store.Count("crypto-prices-2026.10.17"))
}

func TestRunEmptyExtractionSucceeds(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{}`)})

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	require.NoError(t, err)
	assert.Equal(t, records.RunSuccess, metric.Status)
	assert.Zero(t, metric.RecordsExtracted)
	assert.Zero(t, metric.RecordsWritten)
	assert.Zero(t, metric.RecordsRejected)
	assert.Empty(t, h.notifier.calls)
}

func TestRunAllRejectedFails(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{"BTC": {"price": "n/a"}, "ETH": {}}`)})

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	var schemaErr *etlerr.SchemaValidationError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, records.RunFailure, metric.Status)
	assert.Equal(t, string(StageWrite), metric.StageFailed)
	assert.Equal(t, 2, metric.RecordsRejected)
	assert.Len(t, h.notifier.calls, 1)
}

func TestRunMalformedPayloadFailsAtNormalize(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`"not an object"`)})

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	require.Error(t, err)
	assert.Equal(t, string(StageNormalize), metric.StageFailed)
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, string(StageNormalize), h.notifier.calls[0].taskID)
}

type countingWriter struct {
	inner BatchWriter
	calls int
}

func (w *countingWriter) Write(ctx context.Context, docs []records.Document) (storage.WriteResult, error) {
	w.calls++
	return w.inner.Write(ctx, docs)
}

func TestRunStorageUnavailableRetriesThenFails(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{"BTC": {"price": 65000}}`)})
	h.store.SetUnavailable(errors.New("connection refused"))
	cw := &countingWriter{inner: h.pipeline.writer}
	h.pipeline.writer = cw

	metric, err := h.pipeline.Run(context.Background(), trigger("run-1"))
	var storageErr *etlerr.StorageUnavailableError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, fastPolicy.MaxAttempts, cw.calls)
	assert.Equal(t, records.RunFailure, metric.Status)
	assert.Equal(t, string(StageWrite), metric.StageFailed)
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, "critical", etlerr.Severity(h.notifier.calls[0].err))
}

func TestRunTimeoutDuringExtraction(t *testing.T) {
	h := newHarness(t, blockingFetcher{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	metric, err := h.pipeline.Run(ctx, trigger("run-1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, string(StageExtract), metric.StageFailed)
	assert.Equal(t, records.RunFailure, storedRun(t, h.store, "run-1").Status)
	assert.Len(t, h.notifier.calls, 1)
}

func TestRunCancelledBeforeAnyStage(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{}`)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	metric, err := h.pipeline.Run(ctx, trigger("run-1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, string(StageUnknown), metric.StageFailed)
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, string(StageUnknown), h.notifier.calls[0].taskID)
}

func TestRunRequiresRunID(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{}`)})

	_, err := h.pipeline.Run(context.Background(), Trigger{})
	var invariant *etlerr.InvariantViolation
	require.ErrorAs(t, err, &invariant)
	assert.Empty(t, h.store.Partitions())
}

func TestRunTruncatesObservedAt(t *testing.T) {
	h := newHarness(t, staticFetcher{raw: flatPayload(`{"BTC": {"price": 1}}`)})
	trig := trigger("run-1")
	trig.ScheduledTime = scheduled.Add(750 * time.Millisecond).In(time.FixedZone("BRT", -3*3600))

	_, err := h.pipeline.Run(context.Background(), trig)
	require.NoError(t, err)

	key := (&records.PriceRecord{Symbol: "BTC", QuoteCurrency: "USD", ObservedAt: scheduled}).Key()
	var got records.PriceRecord
	require.NoError(t, h.store.Get("crypto-prices-2026.10.17", key, &got))
}
