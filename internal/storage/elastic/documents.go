package elastic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-market-etl/internal/records"
)

// Documents are indexed with numeric fields as JSON numbers so that the
// index templates map them as doubles for dashboards and alert rules.

type priceDoc struct {
	Timestamp        time.Time  `json:"@timestamp"`
	Symbol           string     `json:"symbol"`
	Name             string     `json:"name,omitempty"`
	Rank             *int       `json:"rank,omitempty"`
	QuoteCurrency    string     `json:"quote_currency"`
	Price            float64    `json:"price"`
	PriceExact       string     `json:"price_exact"`
	Volume24h        *float64   `json:"volume_24h"`
	PercentChange1h  *float64   `json:"percent_change_1h"`
	PercentChange24h *float64   `json:"percent_change_24h"`
	PercentChange7d  *float64   `json:"percent_change_7d"`
	MarketCap        *float64   `json:"market_cap"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
	ObservedAt       time.Time  `json:"observed_at"`
	IngestedAt       time.Time  `json:"ingested_at"`
	RunID            string     `json:"run_id"`
}

type globalDoc struct {
	Timestamp              time.Time `json:"@timestamp"`
	QuoteCurrency          string    `json:"quote_currency"`
	TotalMarketCap         *float64  `json:"total_market_cap"`
	TotalVolume24h         *float64  `json:"total_volume_24h"`
	BTCDominance           *float64  `json:"btc_dominance"`
	ETHDominance           *float64  `json:"eth_dominance"`
	ActiveCryptocurrencies *int      `json:"active_cryptocurrencies,omitempty"`
	ObservedAt             time.Time `json:"observed_at"`
	IngestedAt             time.Time `json:"ingested_at"`
	RunID                  string    `json:"run_id"`
}

type runDoc struct {
	Timestamp time.Time `json:"@timestamp"`
	records.PipelineRunMetric
}

func encodeDocument(doc records.Document) ([]byte, error) {
	switch d := doc.(type) {
	case *records.PriceRecord:
		return json.Marshal(priceDoc{
			Timestamp:        d.ObservedAt,
			Symbol:           d.Symbol,
			Name:             d.Name,
			Rank:             d.Rank,
			QuoteCurrency:    d.QuoteCurrency,
			Price:            d.Price.InexactFloat64(),
			PriceExact:       d.Price.String(),
			Volume24h:        toFloat(d.Volume24h),
			PercentChange1h:  toFloat(d.PercentChange1h),
			PercentChange24h: toFloat(d.PercentChange24h),
			PercentChange7d:  toFloat(d.PercentChange7d),
			MarketCap:        toFloat(d.MarketCap),
			LastUpdated:      d.LastUpdated,
			ObservedAt:       d.ObservedAt,
			IngestedAt:       d.IngestedAt,
			RunID:            d.RunID,
		})
	case *records.GlobalMetricsRecord:
		return json.Marshal(globalDoc{
			Timestamp:              d.ObservedAt,
			QuoteCurrency:          d.QuoteCurrency,
			TotalMarketCap:         toFloat(d.TotalMarketCap),
			TotalVolume24h:         toFloat(d.TotalVolume24h),
			BTCDominance:           toFloat(d.BTCDominance),
			ETHDominance:           toFloat(d.ETHDominance),
			ActiveCryptocurrencies: d.ActiveCryptocurrencies,
			ObservedAt:             d.ObservedAt,
			IngestedAt:             d.IngestedAt,
			RunID:                  d.RunID,
		})
	case *records.PipelineRunMetric:
		return json.Marshal(runDoc{Timestamp: d.StartedAt, PipelineRunMetric: *d})
	default:
		return nil, fmt.Errorf("unsupported document %T", doc)
	}
}

func (d priceDoc) record() records.PriceRecord {
	price := decimal.NewFromFloat(d.Price)
	if exact, err := decimal.NewFromString(d.PriceExact); err == nil {
		price = exact
	}
	return records.PriceRecord{
		Symbol:           d.Symbol,
		Name:             d.Name,
		Rank:             d.Rank,
		QuoteCurrency:    d.QuoteCurrency,
		Price:            price,
		Volume24h:        fromFloat(d.Volume24h),
		PercentChange1h:  fromFloat(d.PercentChange1h),
		PercentChange24h: fromFloat(d.PercentChange24h),
		PercentChange7d:  fromFloat(d.PercentChange7d),
		MarketCap:        fromFloat(d.MarketCap),
		LastUpdated:      d.LastUpdated,
		ObservedAt:       d.ObservedAt.UTC(),
		IngestedAt:       d.IngestedAt.UTC(),
		RunID:            d.RunID,
	}
}

func toFloat(v decimal.NullDecimal) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Decimal.InexactFloat64()
	return &f
}

func fromFloat(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}
