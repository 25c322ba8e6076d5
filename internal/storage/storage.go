// Package storage writes canonical records into date-partitioned streams.
package storage

import (
	"context"
	"errors"
	"time"

	"crypto-market-etl/internal/records"
)

var (
	// ErrNotConfigured indicates the sink was not initialised.
	ErrNotConfigured = errors.New("storage: sink not configured")
	// ErrNotFound is returned by readers when nothing matches.
	ErrNotFound = errors.New("storage: not found")
)

// Entry is one document addressed by partition and identity key.
type Entry struct {
	Partition string
	Key       string
	Doc       records.Document
}

// Sink upserts documents by identity key. Writing an entry whose key already
// exists in the partition replaces the stored document wholesale.
type Sink interface {
	Name() string
	Ping(ctx context.Context) error
	// Upsert returns one error slot per entry (nil when stored). A non-nil
	// second result means nothing in the batch could be written.
	Upsert(ctx context.Context, entries []Entry) ([]error, error)
	Close() error
}

// PriceQuery selects stored price records.
type PriceQuery struct {
	Symbol        string
	QuoteCurrency string
	From          time.Time
	To            time.Time
	Limit         int
}

// PriceReader reads price records back for display and export.
type PriceReader interface {
	// ListPrices returns matching records ordered by observed_at. With a
	// Limit and no time window the most recent records are returned.
	ListPrices(ctx context.Context, q PriceQuery) ([]records.PriceRecord, error)
}

// RunReader reads run metrics back for display.
type RunReader interface {
	ListRecentRuns(ctx context.Context, limit int) ([]records.PipelineRunMetric, error)
}

// Reader combines the read paths a queryable sink offers.
type Reader interface {
	PriceReader
	RunReader
}

// Store is a sink that can also be read back.
type Store interface {
	Sink
	Reader
}
