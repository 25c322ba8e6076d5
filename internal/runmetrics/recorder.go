// Package runmetrics keeps the per-run bookkeeping that ends up in the
// pipeline metrics stream.
package runmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/observability"
	"crypto-market-etl/internal/records"
)

// DocumentWriter persists one document. *storage.Writer satisfies it.
type DocumentWriter interface {
	WriteOne(ctx context.Context, doc records.Document) error
}

// Recorder creates handles for runs and finalizes them.
type Recorder struct {
	writer  DocumentWriter
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// Handle accumulates counters for a single run until Finish.
type Handle struct {
	mu        sync.Mutex
	runID     string
	dagID     string
	startedAt time.Time
	extracted int
	written   int
	rejected  int
	apiCalls  int
	finished  bool
}

func (h *Handle) RunID() string { return h.runID }

func (h *Handle) DagID() string { return h.dagID }

// New builds a Recorder. metrics may be nil.
func New(writer DocumentWriter, metrics *observability.Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{
		writer:  writer,
		metrics: metrics,
		logger:  logger.With().Str("component", "run_metrics").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Start opens a handle and writes a pending metric document. A failed write
// is logged and does not stop the run.
func (r *Recorder) Start(ctx context.Context, runID, dagID string) *Handle {
	h := &Handle{
		runID:     runID,
		dagID:     dagID,
		startedAt: r.now().UTC(),
	}

	pending := &records.PipelineRunMetric{
		RunID:     runID,
		DagID:     dagID,
		StartedAt: h.startedAt,
		Status:    records.RunPending,
	}
	if r.writer != nil {
		if err := r.writer.WriteOne(ctx, pending); err != nil {
			r.logger.Warn().Err(err).Str("run_id", runID).Msg("pending run metric not written")
		}
	}
	return h
}

func (r *Recorder) RecordExtracted(h *Handle, n int) { h.add(&h.extracted, n) }

func (r *Recorder) RecordWritten(h *Handle, n int) { h.add(&h.written, n) }

func (r *Recorder) RecordRejected(h *Handle, n int) { h.add(&h.rejected, n) }

func (r *Recorder) RecordAPICalls(h *Handle, n int) { h.add(&h.apiCalls, n) }

func (h *Handle) add(counter *int, n int) {
	if h == nil {
		return
	}
	h.mu.Lock()
	*counter += n
	h.mu.Unlock()
}

// Finish builds the final metric, overwrites the pending document and
// mirrors the outcome to Prometheus. A handle can be finished once; the
// returned metric is valid even when persisting it fails.
func (r *Recorder) Finish(ctx context.Context, h *Handle, status records.RunStatus, stageFailed, errorSummary string) (records.PipelineRunMetric, error) {
	if h == nil {
		return records.PipelineRunMetric{}, etlerr.Invariantf("finish called without a run handle")
	}
	switch status {
	case records.RunSuccess, records.RunPartialFailure, records.RunFailure:
	default:
		return records.PipelineRunMetric{}, etlerr.Invariantf("run %s finished with non-terminal status %q", h.runID, status)
	}

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return records.PipelineRunMetric{}, etlerr.Invariantf("run %s already finished", h.runID)
	}
	h.finished = true
	finishedAt := r.now().UTC()
	metric := records.PipelineRunMetric{
		RunID:            h.runID,
		DagID:            h.dagID,
		StartedAt:        h.startedAt,
		FinishedAt:       &finishedAt,
		Status:           status,
		RecordsExtracted: h.extracted,
		RecordsWritten:   h.written,
		RecordsRejected:  h.rejected,
		APICalls:         h.apiCalls,
		DurationSeconds:  finishedAt.Sub(h.startedAt).Seconds(),
		StageFailed:      stageFailed,
		ErrorSummary:     errorSummary,
	}
	h.mu.Unlock()

	r.metrics.RecordRun(metric.DagID, string(metric.Status), metric.DurationSeconds,
		metric.RecordsExtracted, metric.RecordsWritten, metric.RecordsRejected, metric.APICalls,
		float64(finishedAt.Unix()))

	r.logger.Info().
		Str("run_id", metric.RunID).
		Str("dag_id", metric.DagID).
		Str("status", string(metric.Status)).
		Int("records_extracted", metric.RecordsExtracted).
		Int("records_written", metric.RecordsWritten).
		Int("records_rejected", metric.RecordsRejected).
		Float64("duration_seconds", metric.DurationSeconds).
		Msg("run finished")

	if r.writer == nil {
		return metric, nil
	}
	if err := r.writer.WriteOne(ctx, &metric); err != nil {
		return metric, fmt.Errorf("persist run metric: %w", err)
	}
	return metric, nil
}
