// Package alerting dispatches failure alerts for pipeline runs.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/observability"
	"crypto-market-etl/internal/records"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert records.AlertPayload) error
}

// FailureNotifier fans an alert out to its channels. The log channel always
// goes first; later channels may fail without affecting the caller.
type FailureNotifier struct {
	logChannel *LogChannel
	channels   []Channel
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time
	timeout    time.Duration
}

// NewFailureNotifier builds a notifier with the log channel plus channels.
// Passing another *LogChannel in channels is ignored.
func NewFailureNotifier(logger zerolog.Logger, metrics *observability.Metrics, channels ...Channel) *FailureNotifier {
	n := &FailureNotifier{
		logChannel: NewLogChannel(logger),
		metrics:    metrics,
		logger:     logger.With().Str("component", "failure_notifier").Logger(),
		now:        time.Now,
		timeout:    15 * time.Second,
	}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		if _, isLog := ch.(*LogChannel); isLog {
			continue
		}
		n.channels = append(n.channels, ch)
	}
	return n
}

// Channels lists channel names in dispatch order.
func (n *FailureNotifier) Channels() []string {
	names := []string{n.logChannel.Name()}
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify builds the alert and dispatches it. It never returns an error;
// channel failures are logged and counted.
func (n *FailureNotifier) Notify(ctx context.Context, runID, dagID, taskID string, err error) {
	alert := records.AlertPayload{
		RunID:        runID,
		DagID:        dagID,
		TaskID:       taskID,
		OccurredAt:   n.now().UTC(),
		ErrorMessage: errorMessage(err),
		Severity:     etlerr.Severity(err),
	}
	n.Dispatch(ctx, alert)
}

// Dispatch sends a prepared alert through every channel.
func (n *FailureNotifier) Dispatch(ctx context.Context, alert records.AlertPayload) {
	sendErr := n.logChannel.Send(ctx, alert)
	n.metrics.RecordAlert(n.logChannel.Name(), sendErr)

	// A cancelled run context must not swallow the alert.
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	for _, ch := range n.channels {
		err := ch.Send(dispatchCtx, alert)
		n.metrics.RecordAlert(ch.Name(), err)
		if err != nil {
			n.logger.Error().Err(err).
				Str("channel", ch.Name()).
				Str("run_id", alert.RunID).
				Msg("alert dispatch failed")
			continue
		}
		n.logger.Debug().Str("channel", ch.Name()).Str("run_id", alert.RunID).Msg("alert dispatched")
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// renderMessage formats an alert as plain text for chat and mail channels.
func renderMessage(alert records.AlertPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] pipeline failure\n", strings.ToUpper(alert.Severity))
	fmt.Fprintf(&b, "DAG: %s\n", alert.DagID)
	fmt.Fprintf(&b, "Run: %s\n", alert.RunID)
	fmt.Fprintf(&b, "Task: %s\n", alert.TaskID)
	fmt.Fprintf(&b, "At: %s UTC\n", alert.OccurredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Error: %s\n", alert.ErrorMessage)
	return b.String()
}

// LogChannel writes alerts to the structured log. It cannot fail.
type LogChannel struct {
	logger zerolog.Logger
}

func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, alert records.AlertPayload) error {
	c.logger.Error().
		Str("run_id", alert.RunID).
		Str("dag_id", alert.DagID).
		Str("task_id", alert.TaskID).
		Str("severity", alert.Severity).
		Time("occurred_at", alert.OccurredAt).
		Str("error_message", alert.ErrorMessage).
		Msg("pipeline run failed")
	return nil
}

var _ Channel = (*LogChannel)(nil)
