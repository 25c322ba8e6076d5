// Package records holds the canonical, fixed-shape records the pipeline
// writes to the store.
package records

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto-market-etl/internal/idhash"
)

// Stream names a logical, date-partitioned destination in the store.
type Stream string

const (
	StreamPrices        Stream = "prices"
	StreamGlobalMetrics Stream = "global_metrics"
	StreamRunMetrics    Stream = "run_metrics"
)

// Document is a record that can be upserted by identity key.
type Document interface {
	Stream() Stream
	// Key is the deterministic identity of the record.
	Key() string
	// PartitionTime selects the date partition.
	PartitionTime() time.Time
	Validate() error
}

// PriceRecord is one quote of one asset in one quote currency.
type PriceRecord struct {
	Symbol           string              `json:"symbol"`
	Name             string              `json:"name,omitempty"`
	Rank             *int                `json:"rank,omitempty"`
	QuoteCurrency    string              `json:"quote_currency"`
	Price            decimal.Decimal     `json:"price"`
	Volume24h        decimal.NullDecimal `json:"volume_24h"`
	PercentChange1h  decimal.NullDecimal `json:"percent_change_1h"`
	PercentChange24h decimal.NullDecimal `json:"percent_change_24h"`
	PercentChange7d  decimal.NullDecimal `json:"percent_change_7d"`
	MarketCap        decimal.NullDecimal `json:"market_cap"`
	LastUpdated      *time.Time          `json:"last_updated,omitempty"`
	ObservedAt       time.Time           `json:"observed_at"`
	IngestedAt       time.Time           `json:"ingested_at"`
	RunID            string              `json:"run_id,omitempty"`
}

func (r *PriceRecord) Stream() Stream { return StreamPrices }

func (r *PriceRecord) Key() string {
	return idhash.PriceKey(r.Symbol, r.QuoteCurrency, r.ObservedAt)
}

func (r *PriceRecord) PartitionTime() time.Time { return r.ObservedAt }

// Validate checks the identity fields and the price.
func (r *PriceRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return errors.New("symbol is empty")
	case strings.TrimSpace(r.QuoteCurrency) == "":
		return errors.New("quote currency is empty")
	case r.ObservedAt.IsZero():
		return errors.New("observed_at is zero")
	case r.Price.IsNegative():
		return errors.New("price is negative")
	}
	return nil
}

// GlobalMetricsRecord is the market-wide snapshot for one quote currency.
type GlobalMetricsRecord struct {
	QuoteCurrency          string              `json:"quote_currency"`
	TotalMarketCap         decimal.NullDecimal `json:"total_market_cap"`
	TotalVolume24h         decimal.NullDecimal `json:"total_volume_24h"`
	BTCDominance           decimal.NullDecimal `json:"btc_dominance"`
	ETHDominance           decimal.NullDecimal `json:"eth_dominance"`
	ActiveCryptocurrencies *int                `json:"active_cryptocurrencies,omitempty"`
	ObservedAt             time.Time           `json:"observed_at"`
	IngestedAt             time.Time           `json:"ingested_at"`
	RunID                  string              `json:"run_id,omitempty"`
}

func (r *GlobalMetricsRecord) Stream() Stream { return StreamGlobalMetrics }

func (r *GlobalMetricsRecord) Key() string {
	return idhash.GlobalMetricsKey(r.QuoteCurrency, r.ObservedAt)
}

func (r *GlobalMetricsRecord) PartitionTime() time.Time { return r.ObservedAt }

func (r *GlobalMetricsRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.QuoteCurrency) == "":
		return errors.New("quote currency is empty")
	case r.ObservedAt.IsZero():
		return errors.New("observed_at is zero")
	}
	return nil
}

// RunStatus is the outcome stored on a PipelineRunMetric.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailure        RunStatus = "failure"
)

// PipelineRunMetric summarises one run. Written as pending at start and
// overwritten once with the final outcome.
type PipelineRunMetric struct {
	RunID            string     `json:"run_id"`
	DagID            string     `json:"dag_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Status           RunStatus  `json:"status"`
	RecordsExtracted int        `json:"records_extracted"`
	RecordsWritten   int        `json:"records_written"`
	RecordsRejected  int        `json:"records_rejected"`
	APICalls         int        `json:"api_calls"`
	DurationSeconds  float64    `json:"duration_seconds"`
	StageFailed      string     `json:"stage_failed,omitempty"`
	ErrorSummary     string     `json:"error_summary,omitempty"`
}

func (m *PipelineRunMetric) Stream() Stream { return StreamRunMetrics }

func (m *PipelineRunMetric) Key() string { return idhash.RunKey(m.RunID) }

func (m *PipelineRunMetric) PartitionTime() time.Time { return m.StartedAt }

func (m *PipelineRunMetric) Validate() error {
	switch {
	case m.RunID == "":
		return errors.New("run_id is empty")
	case m.StartedAt.IsZero():
		return errors.New("started_at is zero")
	}
	return nil
}

// AlertPayload is dispatched on terminal run failure. It is not persisted.
type AlertPayload struct {
	RunID        string    `json:"run_id"`
	DagID        string    `json:"dag_id"`
	TaskID       string    `json:"task_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	ErrorMessage string    `json:"error_message"`
	Severity     string    `json:"severity"`
}

// Rejection is a record that was not written, with the reason.
type Rejection struct {
	Stream Stream
	Key    string
	Label  string
	Err    error
}

var (
	_ Document = (*PriceRecord)(nil)
	_ Document = (*GlobalMetricsRecord)(nil)
	_ Document = (*PipelineRunMetric)(nil)
)
