package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/records"
)

// WriteResult reports what a batch write stored and what it refused.
type WriteResult struct {
	Accepted int
	Rejected []records.Rejection
}

// Merge folds rejections found before the write into the result.
func (r WriteResult) Merge(rejected []records.Rejection) WriteResult {
	if len(rejected) == 0 {
		return r
	}
	out := WriteResult{Accepted: r.Accepted}
	out.Rejected = append(out.Rejected, rejected...)
	out.Rejected = append(out.Rejected, r.Rejected...)
	return out
}

// Writer validates records, derives their identity key and partition, and
// upserts them through a Sink.
type Writer struct {
	sink     Sink
	prefixes records.Prefixes
	logger   zerolog.Logger
}

// NewWriter wires a sink into a Writer.
func NewWriter(sink Sink, prefixes records.Prefixes, logger zerolog.Logger) *Writer {
	return &Writer{
		sink:     sink,
		prefixes: prefixes,
		logger:   logger.With().Str("component", "writer").Logger(),
	}
}

// Write upserts docs. Malformed records and per-record sink failures are
// reported in the result; only an unreachable sink fails the call, with a
// StorageUnavailableError.
func (w *Writer) Write(ctx context.Context, docs []records.Document) (WriteResult, error) {
	var res WriteResult
	if w == nil || w.sink == nil {
		return res, &etlerr.StorageUnavailableError{Backend: "none", Err: ErrNotConfigured}
	}

	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if err := doc.Validate(); err != nil {
			res.Rejected = append(res.Rejected, records.Rejection{
				Stream: doc.Stream(),
				Key:    doc.Key(),
				Err:    &etlerr.SchemaValidationError{Reason: err.Error()},
			})
			continue
		}
		entries = append(entries, Entry{
			Partition: w.prefixes.Partition(doc),
			Key:       doc.Key(),
			Doc:       doc,
		})
	}
	if len(entries) == 0 {
		return res, nil
	}

	if err := w.sink.Ping(ctx); err != nil {
		return res, &etlerr.StorageUnavailableError{Backend: w.sink.Name(), Err: err}
	}

	errs, err := w.sink.Upsert(ctx, entries)
	if err != nil {
		return res, &etlerr.StorageUnavailableError{Backend: w.sink.Name(), Err: err}
	}
	if len(errs) != len(entries) {
		return res, etlerr.Invariantf("sink %s returned %d results for %d entries", w.sink.Name(), len(errs), len(entries))
	}

	for i, entryErr := range errs {
		if entryErr == nil {
			res.Accepted++
			continue
		}
		res.Rejected = append(res.Rejected, records.Rejection{
			Stream: entries[i].Doc.Stream(),
			Key:    entries[i].Key,
			Err:    fmt.Errorf("upsert into %s: %w", entries[i].Partition, entryErr),
		})
	}

	w.logger.Debug().
		Str("sink", w.sink.Name()).
		Int("accepted", res.Accepted).
		Int("rejected", len(res.Rejected)).
		Msg("batch written")

	return res, nil
}

// WriteOne upserts a single document and reports its rejection as an error.
func (w *Writer) WriteOne(ctx context.Context, doc records.Document) error {
	res, err := w.Write(ctx, []records.Document{doc})
	if err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		return res.Rejected[0].Err
	}
	return nil
}
