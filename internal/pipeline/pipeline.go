// Package pipeline runs one extract, normalize and write cycle and owns the
// run's terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/fetcher"
	"crypto-market-etl/internal/normalize"
	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/retry"
	"crypto-market-etl/internal/runmetrics"
	"crypto-market-etl/internal/storage"
)

// DefaultDagID is used when a trigger carries no dag id.
const DefaultDagID = "crypto_data_pipeline"

const maxErrorSummary = 1024

// Trigger identifies one logical run.
type Trigger struct {
	DagID         string
	RunID         string
	ScheduledTime time.Time
}

// BatchWriter stores normalized documents. *storage.Writer satisfies it.
type BatchWriter interface {
	Write(ctx context.Context, docs []records.Document) (storage.WriteResult, error)
}

// Notifier receives terminal failures. *alerting.FailureNotifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, runID, dagID, taskID string, err error)
}

// Pipeline wires the stages together.
type Pipeline struct {
	fetcher  fetcher.MarketFetcher
	writer   BatchWriter
	recorder *runmetrics.Recorder
	notifier Notifier
	retry    retry.Policy
	logger   zerolog.Logger
	now      func() time.Time

	finalizeTimeout time.Duration
}

// New builds a Pipeline. writePolicy governs retries of the write stage.
func New(f fetcher.MarketFetcher, w BatchWriter, rec *runmetrics.Recorder, n Notifier, writePolicy retry.Policy, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		fetcher:         f,
		writer:          w,
		recorder:        rec,
		notifier:        n,
		retry:           writePolicy,
		logger:          logger.With().Str("component", "pipeline").Logger(),
		now:             time.Now,
		finalizeTimeout: 30 * time.Second,
	}
}

// run is the mutable state of a single Run call.
type run struct {
	trigger    Trigger
	observedAt time.Time
	machine    *machine
	handle     *runmetrics.Handle
	logger     zerolog.Logger
}

// Run executes one pipeline run and returns its final metric. The returned
// error is the stage error of a failed run; partial failures return nil.
func (p *Pipeline) Run(ctx context.Context, trig Trigger) (records.PipelineRunMetric, error) {
	if trig.RunID == "" {
		return records.PipelineRunMetric{}, etlerr.Invariantf("trigger has no run id")
	}
	if trig.DagID == "" {
		trig.DagID = DefaultDagID
	}
	if trig.ScheduledTime.IsZero() {
		trig.ScheduledTime = p.now()
	}

	r := &run{
		trigger:    trig,
		observedAt: trig.ScheduledTime.UTC().Truncate(time.Second),
		machine:    newMachine(),
		logger: p.logger.With().
			Str("run_id", trig.RunID).
			Str("dag_id", trig.DagID).
			Logger(),
	}
	r.handle = p.recorder.Start(ctx, trig.RunID, trig.DagID)
	r.logger.Info().Time("observed_at", r.observedAt).Msg("run started")

	if err := ctx.Err(); err != nil {
		return p.fail(ctx, r, err)
	}

	// extract
	if err := r.machine.advance(StateExtracting); err != nil {
		return p.fail(ctx, r, err)
	}
	raw, err := p.fetcher.FetchLatest(ctx)
	if raw != nil {
		p.recorder.RecordAPICalls(r.handle, raw.APICalls)
	}
	if err != nil {
		return p.fail(ctx, r, err)
	}

	// normalize
	if err := r.machine.advance(StateNormalizing); err != nil {
		return p.fail(ctx, r, err)
	}
	result, err := normalize.Normalize(raw, r.observedAt)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	p.recorder.RecordExtracted(r.handle, result.Extracted())
	docs := result.Documents()
	stamp(docs, trig.RunID, p.now().UTC())

	// write
	if err := r.machine.advance(StateWriting); err != nil {
		return p.fail(ctx, r, err)
	}
	written, err := p.write(ctx, r, docs)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	written = written.Merge(result.Rejected)
	p.recorder.RecordWritten(r.handle, written.Accepted)
	p.recorder.RecordRejected(r.handle, len(written.Rejected))
	for _, rej := range written.Rejected {
		r.logger.Warn().Err(rej.Err).
			Str("stream", string(rej.Stream)).
			Str("label", rej.Label).
			Str("key", rej.Key).
			Msg("record rejected")
	}

	switch {
	case written.Accepted == 0 && len(written.Rejected) > 0:
		return p.fail(ctx, r, fmt.Errorf("all %d records rejected: %w", len(written.Rejected), written.Rejected[0].Err))
	case len(written.Rejected) > 0:
		return p.finish(ctx, r, StatePartialFailure, records.RunPartialFailure)
	default:
		return p.finish(ctx, r, StateSucceeded, records.RunSuccess)
	}
}

// write retries the batch while the sink is unreachable. Upserts are keyed,
// so a repeated batch overwrites what an earlier attempt stored.
func (p *Pipeline) write(ctx context.Context, r *run, docs []records.Document) (storage.WriteResult, error) {
	var res storage.WriteResult
	retrier := retry.Retrier{
		Policy: p.retry,
		Retryable: func(err error) bool {
			var unavailable *etlerr.StorageUnavailableError
			return errors.As(err, &unavailable)
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("write failed, retrying")
		},
	}
	_, err := retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = p.writer.Write(ctx, docs)
		return err
	})
	return res, err
}

// stamp sets provenance on every document before it is written.
func stamp(docs []records.Document, runID string, ingestedAt time.Time) {
	for _, doc := range docs {
		switch d := doc.(type) {
		case *records.PriceRecord:
			d.RunID = runID
			d.IngestedAt = ingestedAt
		case *records.GlobalMetricsRecord:
			d.RunID = runID
			d.IngestedAt = ingestedAt
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, r *run, state State, status records.RunStatus) (records.PipelineRunMetric, error) {
	if err := r.machine.advance(state); err != nil {
		return p.fail(ctx, r, err)
	}
	fctx, cancel := p.finalizeContext(ctx)
	defer cancel()

	metric, err := p.recorder.Finish(fctx, r.handle, status, "", "")
	if err != nil {
		var invariant *etlerr.InvariantViolation
		if errors.As(err, &invariant) {
			return metric, err
		}
		r.logger.Error().Err(err).Msg("final run metric not persisted")
	}
	return metric, nil
}

// fail is the only way into FAILED: it records the stage, alerts once and
// finalizes the metric.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) (records.PipelineRunMetric, error) {
	stage := r.machine.state.stage()
	if r.machine.state.Terminal() {
		return records.PipelineRunMetric{}, errors.Join(cause, etlerr.Invariantf("run %s failed after reaching %s", r.trigger.RunID, r.machine.state))
	}
	if err := r.machine.advance(StateFailed); err != nil {
		return records.PipelineRunMetric{}, errors.Join(cause, err)
	}

	summary := cause.Error()
	if len(summary) > maxErrorSummary {
		summary = summary[:maxErrorSummary] + "..."
	}
	r.logger.Error().Err(cause).Str("stage", string(stage)).Msg("run failed")

	if p.notifier != nil {
		p.notifier.Notify(ctx, r.trigger.RunID, r.trigger.DagID, string(stage), cause)
	}

	fctx, cancel := p.finalizeContext(ctx)
	defer cancel()

	metric, err := p.recorder.Finish(fctx, r.handle, records.RunFailure, string(stage), summary)
	runErr := fmt.Errorf("%s: %w", stage, cause)
	if err != nil {
		var invariant *etlerr.InvariantViolation
		if errors.As(err, &invariant) {
			return metric, errors.Join(runErr, err)
		}
		r.logger.Error().Err(err).Msg("final run metric not persisted")
	}
	return metric, runErr
}

// finalizeContext outlives a cancelled run so the terminal metric is still
// written when the scheduler kills the run.
func (p *Pipeline) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.finalizeTimeout)
}
