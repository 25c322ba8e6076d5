package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crypto-market-etl/internal/storage"
)

// Show prints recent price records or run metrics.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.Runs {
		return a.showRuns(ctx, store, opts.Limit)
	}

	prices, err := store.ListPrices(ctx, storage.PriceQuery{
		Symbol:        opts.Symbol,
		QuoteCurrency: opts.Currency,
		Limit:         opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		fmt.Fprintln(a.Out, "no price records found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tSymbol\tQuote\tPrice\tVolume 24h\t1h%\t24h%\tMarket Cap\tRun")
	for _, p := range prices {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ObservedAt.UTC().Format(time.RFC3339),
			p.Symbol,
			p.QuoteCurrency,
			p.Price.String(),
			formatNullDecimal(p.Volume24h, 0),
			formatNullDecimal(p.PercentChange1h, 2),
			formatNullDecimal(p.PercentChange24h, 2),
			formatNullDecimal(p.MarketCap, 0),
			p.RunID,
		)
	}
	return writer.Flush()
}

func (a *App) showRuns(ctx context.Context, store storage.RunReader, limit int) error {
	runs, err := store.ListRecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no pipeline runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tRun\tStatus\tExtracted\tWritten\tRejected\tDuration\tStage\tError")
	for _, r := range runs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%.1fs\t%s\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339),
			r.RunID,
			r.Status,
			r.RecordsExtracted,
			r.RecordsWritten,
			r.RecordsRejected,
			r.DurationSeconds,
			r.StageFailed,
			sanitizeInline(r.ErrorSummary),
		)
	}
	return writer.Flush()
}

// ShowConfig prints the effective configuration with secrets masked.
func (a *App) ShowConfig() error {
	settings, err := a.Config.Redacted().Settings()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.Out, "%s = %s\n", k, settings[k])
	}
	return nil
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
