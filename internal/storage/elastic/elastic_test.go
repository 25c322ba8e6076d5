package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/storage"
)

// fakeCluster is a tiny bulk/search endpoint that keeps the last document
// indexed under each (_index, _id).
type fakeCluster struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage
	failIDs map[string]bool
	down    bool
	paths   []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{docs: make(map[string]json.RawMessage), failIDs: make(map[string]bool)}
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)

	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"unavailable"}`))
		return
	}

	switch {
	case r.URL.Path == "/" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/_bulk":
		f.bulk(w, r)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		f.searchAll(w, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "-*/_search"))
	case strings.HasPrefix(r.URL.Path, "/_index_template/"):
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCluster) bulk(w http.ResponseWriter, r *http.Request) {
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	var items []map[string]any
	for scanner.Scan() {
		var action bulkAction
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !scanner.Scan() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		doc := append(json.RawMessage(nil), scanner.Bytes()...)

		result := map[string]any{"_index": action.Index.Index, "_id": action.Index.ID}
		if f.failIDs[action.Index.ID] {
			result["status"] = 400
			result["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
		} else {
			f.docs[action.Index.Index+"/"+action.Index.ID] = doc
			result["status"] = 200
		}
		items = append(items, map[string]any{"index": result})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": len(f.failIDs) > 0, "items": items})
}

func (f *fakeCluster) searchAll(w http.ResponseWriter, prefix string) {
	var hits []map[string]any
	for key, doc := range f.docs {
		if strings.HasPrefix(key, prefix+"-") {
			hits = append(hits, map[string]any{"_source": doc})
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
}

func newTestSink(t *testing.T, cluster *fakeCluster) *Sink {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	sink, err := New(Options{Addresses: []string{srv.URL}, Prefixes: records.DefaultPrefixes()}, zerolog.Nop())
	require.NoError(t, err)
	return sink
}

func priceEntry(volume int64) storage.Entry {
	rec := &records.PriceRecord{
		Symbol:        "BTC",
		QuoteCurrency: "USD",
		Price:         decimal.RequireFromString("65000.12"),
		Volume24h:     decimal.NewNullDecimal(decimal.NewFromInt(volume)),
		ObservedAt:    time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC),
		RunID:         "run-1",
	}
	return storage.Entry{Partition: records.DefaultPrefixes().Partition(rec), Key: rec.Key(), Doc: rec}
}

func TestUpsertOverwritesByID(t *testing.T) {
	cluster := newFakeCluster()
	sink := newTestSink(t, cluster)
	ctx := context.Background()

	require.NoError(t, sink.Ping(ctx))

	errs, err := sink.Upsert(ctx, []storage.Entry{priceEntry(1)})
	require.NoError(t, err)
	require.NoError(t, errs[0])

	errs, err = sink.Upsert(ctx, []storage.Entry{priceEntry(55_000_000_000)})
	require.NoError(t, err)
	require.NoError(t, errs[0])

	assert.Len(t, cluster.docs, 1)

	var doc priceDoc
	key := "crypto-prices-2026.10.17/" + priceEntry(0).Key
	require.NoError(t, json.Unmarshal(cluster.docs[key], &doc))
	require.NotNil(t, doc.Volume24h)
	assert.Equal(t, 55e9, *doc.Volume24h)
	assert.Equal(t, "65000.12", doc.PriceExact)
	assert.Nil(t, doc.MarketCap)
}

func TestUpsertReportsItemErrors(t *testing.T) {
	cluster := newFakeCluster()
	first := priceEntry(1)
	cluster.failIDs[first.Key] = true
	sink := newTestSink(t, cluster)

	eth := &records.PriceRecord{Symbol: "ETH", QuoteCurrency: "USD", Price: decimal.NewFromInt(1), ObservedAt: time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)}
	second := storage.Entry{Partition: "crypto-prices-2026.10.17", Key: eth.Key(), Doc: eth}

	errs, err := sink.Upsert(context.Background(), []storage.Entry{first, second})
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.ErrorContains(t, errs[0], "mapper_parsing_exception")
	assert.NoError(t, errs[1])
}

func TestUpsertClusterDown(t *testing.T) {
	cluster := newFakeCluster()
	cluster.down = true
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	sink, err := New(Options{Addresses: []string{srv.URL}}, zerolog.Nop())
	require.NoError(t, err)

	_, err = sink.Upsert(context.Background(), []storage.Entry{priceEntry(1)})
	assert.Error(t, err)
}

func TestListPricesRoundTrip(t *testing.T) {
	cluster := newFakeCluster()
	sink := newTestSink(t, cluster)
	ctx := context.Background()

	_, err := sink.Upsert(ctx, []storage.Entry{priceEntry(7)})
	require.NoError(t, err)

	got, err := sink.ListPrices(ctx, storage.PriceQuery{Symbol: "BTC"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("65000.12")))
	assert.True(t, got[0].Volume24h.Decimal.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, "run-1", got[0].RunID)
}

func TestEnsureTemplates(t *testing.T) {
	cluster := newFakeCluster()
	sink := newTestSink(t, cluster)

	require.NoError(t, sink.EnsureTemplates(context.Background()))
	assert.Contains(t, cluster.paths, "PUT /_index_template/crypto-prices")
	assert.Contains(t, cluster.paths, "PUT /_index_template/pipeline-metrics")
}
