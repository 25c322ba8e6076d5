package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/records"
)

// SimulateAlert sends a synthetic failure alert through every configured
// channel, so operators can check routing without breaking a run.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (records.AlertPayload, error) {
	if opts.TaskID == "" {
		return records.AlertPayload{}, errors.New("task id is required")
	}
	dagID := opts.DagID
	if dagID == "" {
		dagID = a.Config.Scheduler.DagID
	}
	message := opts.Message
	if message == "" {
		message = "simulated failure"
	}
	severity := opts.Severity
	if severity == "" {
		severity = etlerr.Severity(errors.New(message))
	}
	if severity != "critical" && severity != "error" {
		return records.AlertPayload{}, errors.New("severity must be critical or error")
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	alert := records.AlertPayload{
		RunID:        "simulated__" + uuid.NewString(),
		DagID:        dagID,
		TaskID:       opts.TaskID,
		OccurredAt:   time.Now().UTC(),
		ErrorMessage: message,
		Severity:     severity,
	}
	notifier.Dispatch(ctx, alert)

	a.Logger.Info().
		Strs("channels", notifier.Channels()).
		Str("run_id", alert.RunID).
		Msg("simulated alert dispatched")
	return alert, nil
}
