package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-market-etl/internal/alerting"
	"crypto-market-etl/internal/budget"
	"crypto-market-etl/internal/config"
	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/fetcher"
	"crypto-market-etl/internal/observability"
	"crypto-market-etl/internal/pipeline"
	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/runmetrics"
	"crypto-market-etl/internal/scheduler"
	"crypto-market-etl/internal/storage"
	"crypto-market-etl/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	// Out receives command output such as tables and summaries.
	Out io.Writer

	// OpenStore opens the configured sink. Tests replace it.
	OpenStore func(ctx context.Context) (storage.Store, error)
	// NewFetcher builds the upstream client. Tests replace it.
	NewFetcher func(ledger budget.Ledger) fetcher.MarketFetcher
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Metrics: observability.NewMetrics(cfg.Observability.Namespace),
		Out:     os.Stdout,
	}
	a.OpenStore = a.openStore
	a.NewFetcher = a.newFetcher
	return a
}

func (a *App) newFetcher(ledger budget.Ledger) fetcher.MarketFetcher {
	up := a.Config.Upstream
	userAgent := up.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:           up.BaseURL,
		APIKey:            up.APIKey,
		Symbols:           up.Symbols,
		Currencies:        up.Currencies,
		IncludeGlobal:     up.IncludeGlobal,
		Timeout:           up.RequestTimeout,
		UserAgent:         userAgent,
		RequestsPerMinute: up.RequestsPerMinute,
		Retry:             a.Config.Retry,
	}, ledger, a.Logger)
}

// openLedger returns the daily request ledger and its closer.
func (a *App) openLedger() (budget.Ledger, func()) {
	limit := a.Config.Upstream.DailyBudget
	if limit <= 0 {
		return budget.Unlimited{}, func() {}
	}
	if a.Config.Budget.Backend != "redis" {
		a.Logger.Warn().
			Int("daily_budget", limit).
			Msg("daily budget is held in memory and resets with every process; use budget.backend=redis when runs are triggered externally")
		return budget.NewMemory(limit, nil), func() {}
	}

	rc := a.Config.Budget.Redis
	ledger := budget.NewRedis(budget.RedisOptions{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		KeyPrefix: rc.KeyPrefix,
		Limit:     limit,
	})
	return ledger, func() { _ = ledger.Close() }
}

func (a *App) newNotifier() (*alerting.FailureNotifier, func()) {
	ac := a.Config.Alerting
	var (
		channels []alerting.Channel
		closers  []func() error
	)
	for _, name := range ac.Channels {
		switch name {
		case "email":
			channels = append(channels, alerting.NewEmailChannel(alerting.EmailOptions{
				Host:     ac.Email.Host,
				Port:     ac.Email.Port,
				Username: ac.Email.Username,
				Password: ac.Email.Password,
				From:     ac.Email.From,
				To:       ac.Email.To,
				Timeout:  ac.Timeout,
			}))
		case "webhook":
			channels = append(channels, alerting.NewWebhookChannel(ac.Webhook.URL, ac.Webhook.Headers, ac.Timeout))
		case "telegram":
			channels = append(channels, alerting.NewTelegramChannel(ac.Telegram.BotToken, ac.Telegram.ChatID, ac.Telegram.APIBase, ac.Timeout, a.Logger))
		case "kafka":
			k := alerting.NewKafkaChannel(ac.Kafka.Brokers, ac.Kafka.Topic, ac.Timeout)
			channels = append(channels, k)
			closers = append(closers, k.Close)
		}
	}

	notifier := alerting.NewFailureNotifier(a.Logger, a.Metrics, channels...)
	return notifier, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.Logger.Warn().Err(err).Msg("close alert channel")
			}
		}
	}
}

// runtime holds everything one or more pipeline runs need.
type runtime struct {
	store    storage.Store
	pipeline *pipeline.Pipeline
	close    func()
}

// newRuntime takes the notifier from the caller so a failure to build the
// runtime can still be alerted on.
func (a *App) newRuntime(ctx context.Context, notifier *alerting.FailureNotifier) (*runtime, error) {
	store, err := a.OpenStore(ctx)
	if err != nil {
		return nil, &etlerr.StorageUnavailableError{Backend: a.Config.Storage.Driver, Err: err}
	}
	ledger, closeLedger := a.openLedger()

	writer := storage.NewWriter(store, a.Config.Storage.Prefixes, a.Logger)
	recorder := runmetrics.New(writer, a.Metrics, a.Logger)
	p := pipeline.New(a.NewFetcher(ledger), writer, recorder, notifier, a.Config.Retry, a.Logger)

	return &runtime{
		store:    store,
		pipeline: p,
		close: func() {
			closeLedger()
			if err := store.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close store")
			}
		},
	}, nil
}

// TriggerOptions identify a single run requested by a scheduler.
type TriggerOptions struct {
	DagID         string
	RunID         string
	ScheduledTime *time.Time
	// Timeout cancels the run, as a scheduler terminating the task would.
	Timeout time.Duration
}

// Trigger executes exactly one pipeline run and prints its metric.
func (a *App) Trigger(ctx context.Context, opts TriggerOptions) (records.PipelineRunMetric, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	trig := pipeline.Trigger{
		DagID: opts.DagID,
		RunID: opts.RunID,
	}
	if trig.DagID == "" {
		trig.DagID = a.Config.Scheduler.DagID
	}
	if trig.RunID == "" {
		trig.RunID = "manual__" + uuid.NewString()
	}
	if opts.ScheduledTime != nil {
		trig.ScheduledTime = opts.ScheduledTime.UTC()
	} else {
		trig.ScheduledTime = time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	rt, err := a.newRuntime(ctx, notifier)
	if err != nil {
		// the run never reached the orchestrator; alert the same way it would
		stage := string(pipeline.StageUnknown)
		notifier.Notify(ctx, trig.RunID, trig.DagID, stage, err)
		metric := records.PipelineRunMetric{
			RunID:        trig.RunID,
			DagID:        trig.DagID,
			StartedAt:    time.Now().UTC(),
			Status:       records.RunFailure,
			StageFailed:  stage,
			ErrorSummary: err.Error(),
		}
		a.printRun(metric)
		return metric, fmt.Errorf("%s: %w", stage, err)
	}
	defer rt.close()

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancelRun context.CancelFunc
		runCtx, cancelRun = context.WithTimeout(ctx, opts.Timeout)
		defer cancelRun()
	}

	metric, runErr := rt.pipeline.Run(runCtx, trig)
	if metric.RunID != "" {
		a.printRun(metric)
	}
	return metric, runErr
}

func (a *App) printRun(m records.PipelineRunMetric) {
	fmt.Fprintf(a.Out, "run_id: %s\ndag_id: %s\nstatus: %s\nrecords_extracted: %d\nrecords_written: %d\nrecords_rejected: %d\napi_calls: %d\nduration_seconds: %.3f\n",
		m.RunID, m.DagID, m.Status, m.RecordsExtracted, m.RecordsWritten, m.RecordsRejected, m.APICalls, m.DurationSeconds)
	if m.StageFailed != "" {
		fmt.Fprintf(a.Out, "stage_failed: %s\nerror_summary: %s\n", m.StageFailed, sanitizeInline(m.ErrorSummary))
	}
}

// Run executes the long-running scheduler loop and, when configured, the
// metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	rt, err := a.newRuntime(ctx, notifier)
	if err != nil {
		return err
	}
	defer rt.close()

	sc := a.Config.Scheduler
	sched := scheduler.New(scheduler.Options{
		Interval:     sc.Interval,
		AlignToStart: sc.AlignToBucket,
		StartupDelay: sc.StartupDelay,
		RunTimeout:   sc.RunTimeout,
		RunOnStart:   sc.RunOnStart,
	}, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	if listen := a.Config.Observability.Listen; listen != "" {
		router := observability.NewRouter(a.Metrics, rt.store.Ping)
		group.Go(func() error {
			return observability.Serve(gctx, listen, router, a.Logger)
		})
	}
	group.Go(func() error {
		return sched.Run(gctx, func(tickCtx context.Context, scheduled time.Time) error {
			trig := pipeline.Trigger{
				DagID:         sc.DagID,
				RunID:         "scheduled__" + scheduled.Format(time.RFC3339),
				ScheduledTime: scheduled,
			}
			_, err := rt.pipeline.Run(tickCtx, trig)
			return err
		})
	})

	a.Logger.Info().
		Str("storage", a.Config.Storage.Driver).
		Dur("interval", sc.Interval).
		Msg("starting pipeline scheduler")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline scheduler stopped")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Symbol    string
	Currency  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Symbol   string
	Currency string
	// Runs lists pipeline run metrics instead of prices.
	Runs bool
}

// SimulateOptions describe a synthetic failure alert.
type SimulateOptions struct {
	DagID    string
	TaskID   string
	Message  string
	Severity string
}
