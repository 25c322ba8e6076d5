// Package memory is an in-process Sink used by tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/storage"
)

type stored struct {
	stream records.Stream
	data   []byte
}

// Sink keeps documents in a map keyed by partition and identity key.
type Sink struct {
	mu         sync.RWMutex
	partitions map[string]map[string]stored

	unavailable error
	failKeys    map[string]error
	upserts     int
}

// New creates an empty in-memory sink.
func New() *Sink {
	return &Sink{
		partitions: make(map[string]map[string]stored),
		failKeys:   make(map[string]error),
	}
}

// Compile-time interface checks.
var (
	_ storage.Sink   = (*Sink)(nil)
	_ storage.Reader = (*Sink)(nil)
)

func (s *Sink) Name() string { return "memory" }

// SetUnavailable makes Ping and Upsert fail with err until cleared with nil.
func (s *Sink) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

// FailKey makes every upsert of key fail with err.
func (s *Sink) FailKey(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys[key] = err
}

func (s *Sink) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unavailable
}

func (s *Sink) Upsert(_ context.Context, entries []storage.Entry) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return nil, s.unavailable
	}
	s.upserts++

	errs := make([]error, len(entries))
	for i, e := range entries {
		if err, ok := s.failKeys[e.Key]; ok {
			errs[i] = err
			continue
		}
		data, err := json.Marshal(e.Doc)
		if err != nil {
			errs[i] = fmt.Errorf("encode document: %w", err)
			continue
		}
		part, ok := s.partitions[e.Partition]
		if !ok {
			part = make(map[string]stored)
			s.partitions[e.Partition] = part
		}
		part[e.Key] = stored{stream: e.Doc.Stream(), data: data}
	}
	return errs, nil
}

func (s *Sink) Close() error { return nil }

// Upserts counts successful Upsert calls.
func (s *Sink) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

// Count returns the number of documents in a partition.
func (s *Sink) Count(partition string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions[partition])
}

// Partitions lists partition names in order.
func (s *Sink) Partitions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get decodes the document stored under partition and key into out.
func (s *Sink) Get(partition, key string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.partitions[partition][key]
	if !ok {
		return storage.ErrNotFound
	}
	return json.Unmarshal(doc.data, out)
}

func (s *Sink) ListPrices(_ context.Context, q storage.PriceQuery) ([]records.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []records.PriceRecord
	for _, part := range s.partitions {
		for _, doc := range part {
			if doc.stream != records.StreamPrices {
				continue
			}
			var rec records.PriceRecord
			if err := json.Unmarshal(doc.data, &rec); err != nil {
				return nil, fmt.Errorf("decode price record: %w", err)
			}
			if !matches(rec, q) {
				continue
			}
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].Symbol < out[j].Symbol
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (s *Sink) ListRecentRuns(_ context.Context, limit int) ([]records.PipelineRunMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []records.PipelineRunMetric
	for _, part := range s.partitions {
		for _, doc := range part {
			if doc.stream != records.StreamRunMetrics {
				continue
			}
			var m records.PipelineRunMetric
			if err := json.Unmarshal(doc.data, &m); err != nil {
				return nil, fmt.Errorf("decode run metric: %w", err)
			}
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(rec records.PriceRecord, q storage.PriceQuery) bool {
	if q.Symbol != "" && !strings.EqualFold(rec.Symbol, q.Symbol) {
		return false
	}
	if q.QuoteCurrency != "" && !strings.EqualFold(rec.QuoteCurrency, q.QuoteCurrency) {
		return false
	}
	if !q.From.IsZero() && rec.ObservedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !rec.ObservedAt.Before(q.To) {
		return false
	}
	return true
}
