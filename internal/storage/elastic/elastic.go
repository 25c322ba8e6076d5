// Package elastic stores documents in Elasticsearch, one index per stream and
// day, using the identity key as the document _id.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"

	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/storage"
)

// Options configure the Elasticsearch sink.
type Options struct {
	Addresses  []string
	Username   string
	Password   string
	APIKey     string
	Refresh    string
	MaxRetries int
	Prefixes   records.Prefixes
	Transport  http.RoundTripper
}

// Sink implements storage.Sink and storage.Reader over Elasticsearch.
type Sink struct {
	client   *elasticsearch.Client
	prefixes records.Prefixes
	refresh  string
	logger   zerolog.Logger
}

// Compile-time interface checks.
var (
	_ storage.Sink   = (*Sink)(nil)
	_ storage.Reader = (*Sink)(nil)
)

// New builds a client. No request is sent until the first Ping or write.
func New(opts Options, logger zerolog.Logger) (*Sink, error) {
	if len(opts.Addresses) == 0 {
		return nil, errors.New("elastic: at least one address is required")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  opts.Addresses,
		Username:   opts.Username,
		Password:   opts.Password,
		APIKey:     opts.APIKey,
		MaxRetries: opts.MaxRetries,
		Transport:  opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	refresh := opts.Refresh
	if refresh == "" {
		refresh = "false"
	}

	return &Sink{
		client:   client,
		prefixes: opts.Prefixes,
		refresh:  refresh,
		logger:   logger.With().Str("component", "elastic_sink").Logger(),
	}, nil
}

func (s *Sink) Name() string { return "elasticsearch" }

func (s *Sink) Ping(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping: %s", res.Status())
	}
	return nil
}

func (s *Sink) Close() error { return nil }

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Index  string `json:"_index"`
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Upsert sends every entry as a bulk `index` action keyed by _id, which
// replaces any existing document with the same id.
func (s *Sink) Upsert(ctx context.Context, entries []storage.Entry) ([]error, error) {
	errs := make([]error, len(entries))
	var body bytes.Buffer
	sent := make([]int, 0, len(entries))

	for i, e := range entries {
		doc, err := encodeDocument(e.Doc)
		if err != nil {
			errs[i] = err
			continue
		}
		meta, err := json.Marshal(bulkAction{Index: bulkMeta{Index: e.Partition, ID: e.Key}})
		if err != nil {
			errs[i] = err
			continue
		}
		body.Write(meta)
		body.WriteByte('\n')
		body.Write(doc)
		body.WriteByte('\n')
		sent = append(sent, i)
	}
	if len(sent) == 0 {
		return errs, nil
	}

	res, err := s.client.Bulk(
		bytes.NewReader(body.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh(s.refresh),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read bulk response: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("bulk request: %s: %s", res.Status(), strings.TrimSpace(string(payload)))
	}

	var parsed bulkResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if len(parsed.Items) != len(sent) {
		return nil, fmt.Errorf("bulk response has %d items for %d actions", len(parsed.Items), len(sent))
	}

	for n, item := range parsed.Items {
		result := item["index"]
		if result.Error != nil {
			errs[sent[n]] = fmt.Errorf("%s: %s", result.Error.Type, result.Error.Reason)
			continue
		}
		if result.Status >= 300 {
			errs[sent[n]] = fmt.Errorf("index status %d", result.Status)
		}
	}

	if parsed.Errors {
		s.logger.Warn().Int("actions", len(sent)).Msg("bulk request finished with item errors")
	}
	return errs, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *Sink) search(ctx context.Context, index string, query map[string]any) ([]json.RawMessage, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(body)),
		s.client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search %s: %s: %s", index, res.Status(), strings.TrimSpace(string(payload)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]json.RawMessage, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

func (s *Sink) ListPrices(ctx context.Context, q storage.PriceQuery) ([]records.PriceRecord, error) {
	var filters []map[string]any
	if q.Symbol != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"symbol": strings.ToUpper(q.Symbol)}})
	}
	if q.QuoteCurrency != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"quote_currency": strings.ToUpper(q.QuoteCurrency)}})
	}
	window := map[string]any{}
	if !q.From.IsZero() {
		window["gte"] = q.From.UTC().Format(time.RFC3339Nano)
	}
	if !q.To.IsZero() {
		window["lt"] = q.To.UTC().Format(time.RFC3339Nano)
	}
	if len(window) > 0 {
		filters = append(filters, map[string]any{"range": map[string]any{"observed_at": window}})
	}

	size := q.Limit
	order := "desc"
	if size <= 0 {
		size = 10000
		order = "asc"
	}

	hits, err := s.search(ctx, s.prefixes.For(records.StreamPrices)+"-*", map[string]any{
		"size":  size,
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"sort":  []any{map[string]any{"observed_at": map[string]any{"order": order}}},
	})
	if err != nil {
		return nil, err
	}

	out := make([]records.PriceRecord, 0, len(hits))
	for _, raw := range hits {
		var doc priceDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode price document: %w", err)
		}
		out = append(out, doc.record())
	}
	if order == "desc" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Sink) ListRecentRuns(ctx context.Context, limit int) ([]records.PipelineRunMetric, error) {
	if limit <= 0 {
		limit = 20
	}
	hits, err := s.search(ctx, s.prefixes.For(records.StreamRunMetrics)+"-*", map[string]any{
		"size": limit,
		"sort": []any{map[string]any{"started_at": map[string]any{"order": "desc"}}},
	})
	if err != nil {
		return nil, err
	}

	out := make([]records.PipelineRunMetric, 0, len(hits))
	for _, raw := range hits {
		var doc runDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode run document: %w", err)
		}
		out = append(out, doc.PipelineRunMetric)
	}
	return out, nil
}
