package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/storage"
)

// Export renders a symbol's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Symbol == "" {
		return errors.New("--symbol is required")
	}
	if opts.Currency == "" && len(a.Config.Upstream.Currencies) > 0 {
		opts.Currency = a.Config.Upstream.Currencies[0]
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	prices, err := store.ListPrices(ctx, storage.PriceQuery{
		Symbol:        opts.Symbol,
		QuoteCurrency: opts.Currency,
		From:          from,
		To:            to,
	})
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("no price records found for export window")
		return nil
	}

	downsampled := downsamplePrices(prices, opts.MaxPoints)
	a.Logger.Info().Int("total", len(prices)).Int("exported", len(downsampled)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writePricesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePricesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePrices(prices []records.PriceRecord, max int) []records.PriceRecord {
	if max <= 0 || len(prices) <= max {
		return prices
	}
	if max == 1 {
		return prices[len(prices)-1:]
	}

	result := make([]records.PriceRecord, 0, max)
	step := float64(len(prices)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(prices) {
			idx = len(prices) - 1
		}
		result = append(result, prices[idx])
	}
	return result
}

func writePricesCSV(path string, prices []records.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "symbol", "quote_currency", "price", "volume_24h", "percent_change_1h", "percent_change_24h", "percent_change_7d", "market_cap", "run_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range prices {
		record := []string{
			p.ObservedAt.UTC().Format(time.RFC3339),
			p.Symbol,
			p.QuoteCurrency,
			p.Price.String(),
			nullString(p.Volume24h),
			nullString(p.PercentChange1h),
			nullString(p.PercentChange24h),
			nullString(p.PercentChange7d),
			nullString(p.MarketCap),
			p.RunID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePricesPNG(path string, prices []records.PriceRecord) error {
	if len(prices) < 2 {
		return fmt.Errorf("a chart needs at least two points, got %d", len(prices))
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(prices))
	price := make([]float64, len(prices))
	var (
		volX []time.Time
		vol  []float64
	)
	for i, p := range prices {
		x[i] = p.ObservedAt
		price[i] = p.Price.InexactFloat64()
		if p.Volume24h.Valid {
			volX = append(volX, p.ObservedAt)
			vol = append(vol, p.Volume24h.Decimal.InexactFloat64())
		}
	}

	title := fmt.Sprintf("%s/%s", prices[0].Symbol, prices[0].QuoteCurrency)
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: price,
		},
	}
	if len(vol) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Volume 24h",
			XValues: volX,
			YValues: vol,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (" + strings.ToUpper(prices[0].QuoteCurrency) + ")",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Volume 24h",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3g")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
