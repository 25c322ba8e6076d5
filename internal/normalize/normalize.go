// Package normalize maps raw upstream payloads into canonical records.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto-market-etl/internal/etlerr"
	"crypto-market-etl/internal/fetcher"
	"crypto-market-etl/internal/records"
)

// Result is the canonical output of one payload.
type Result struct {
	Prices   []records.PriceRecord
	Globals  []records.GlobalMetricsRecord
	Rejected []records.Rejection
	// Duplicates counts entries superseded by a later entry with the same key.
	Duplicates int
}

// Extracted counts every entry seen, accepted or not.
func (r Result) Extracted() int {
	return len(r.Prices) + len(r.Globals) + len(r.Rejected) + r.Duplicates
}

// Documents returns the accepted records in output order.
func (r Result) Documents() []records.Document {
	docs := make([]records.Document, 0, len(r.Prices)+len(r.Globals))
	for i := range r.Prices {
		docs = append(docs, &r.Prices[i])
	}
	for i := range r.Globals {
		docs = append(docs, &r.Globals[i])
	}
	return docs
}

// Normalize converts raw into records observed at observedAt.
//
// Entries may use the CoinMarketCap shape ({"symbol":..,"quote":{"USD":{..}}})
// or a flat shape ({"price":..}) keyed by symbol. An entry whose symbol or
// price is missing or mistyped is rejected with a SchemaValidationError and
// the rest of the batch continues. A payload whose data is neither an object
// nor an array fails as a whole.
//
// Records that resolve to the same key (e.g. "btc" and "BTC") collapse into
// one: the last entry wins and keeps the position of the first.
//
// Output is a pure function of the inputs: ingestion fields are left zero.
func Normalize(raw *fetcher.RawPayload, observedAt time.Time) (Result, error) {
	var res Result
	if raw == nil {
		return res, nil
	}
	observedAt = observedAt.UTC()

	for _, currency := range raw.Currencies {
		data, ok := raw.Quotes[currency]
		if !ok {
			continue
		}
		entries, err := quoteEntries(data)
		if err != nil {
			return Result{}, err
		}
		for _, e := range entries {
			rec, err := priceRecord(e, currency, observedAt)
			if err != nil {
				res.Rejected = append(res.Rejected, records.Rejection{
					Stream: records.StreamPrices,
					Label:  currency + "/" + e.label,
					Err:    err,
				})
				continue
			}
			res.Prices = append(res.Prices, rec)
		}
	}

	for _, currency := range raw.Currencies {
		data, ok := raw.Global[currency]
		if !ok || isNull(data) {
			continue
		}
		obj, err := decodeObject(data)
		if err != nil {
			return Result{}, &etlerr.SchemaValidationError{Field: "global.data", Reason: err.Error()}
		}
		res.Globals = append(res.Globals, globalRecord(obj, currency, observedAt))
	}

	var dropped int
	res.Prices, dropped = collapse(res.Prices, func(r *records.PriceRecord) string { return r.Key() })
	res.Duplicates += dropped
	res.Globals, dropped = collapse(res.Globals, func(r *records.GlobalMetricsRecord) string { return r.Key() })
	res.Duplicates += dropped

	return res, nil
}

// collapse keeps one record per key, last value at first position.
func collapse[T any](recs []T, key func(*T) string) ([]T, int) {
	seen := make(map[string]int, len(recs))
	out := recs[:0]
	for i := range recs {
		k := key(&recs[i])
		if at, ok := seen[k]; ok {
			out[at] = recs[i]
			continue
		}
		seen[k] = len(out)
		out = append(out, recs[i])
	}
	return out, len(recs) - len(out)
}

type entry struct {
	label string
	// key is the symbol the entry was keyed by, empty for array payloads.
	key    string
	fields map[string]any
	err    error
}

func quoteEntries(data json.RawMessage) ([]entry, error) {
	if isNull(data) {
		return nil, nil
	}
	var v any
	if err := decode(data, &v); err != nil {
		return nil, &etlerr.SchemaValidationError{Field: "data", Reason: err.Error()}
	}

	switch typed := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var out []entry
		for _, k := range keys {
			switch item := typed[k].(type) {
			case map[string]any:
				out = append(out, entry{label: k, key: k, fields: item})
			case []any:
				// v2 endpoints return a list per symbol
				for i, nested := range item {
					out = append(out, arrayEntry(fmt.Sprintf("%s[%d]", k, i), k, nested))
				}
			default:
				out = append(out, entry{label: k, key: k, err: &etlerr.SchemaValidationError{
					Symbol: k, Reason: fmt.Sprintf("entry is %s, want object", typeName(item)),
				}})
			}
		}
		return out, nil
	case []any:
		out := make([]entry, 0, len(typed))
		for i, item := range typed {
			out = append(out, arrayEntry(fmt.Sprintf("data[%d]", i), "", item))
		}
		return out, nil
	default:
		return nil, &etlerr.SchemaValidationError{
			Field:  "data",
			Reason: fmt.Sprintf("data is %s, want object or array", typeName(v)),
		}
	}
}

func arrayEntry(label, key string, v any) entry {
	obj, ok := v.(map[string]any)
	if !ok {
		return entry{label: label, key: key, err: &etlerr.SchemaValidationError{
			Field: label, Reason: fmt.Sprintf("entry is %s, want object", typeName(v)),
		}}
	}
	return entry{label: label, key: key, fields: obj}
}

func priceRecord(e entry, currency string, observedAt time.Time) (records.PriceRecord, error) {
	if e.err != nil {
		return records.PriceRecord{}, e.err
	}

	symbol, err := symbolOf(e)
	if err != nil {
		return records.PriceRecord{}, err
	}

	values := e.fields
	if q, present := e.fields["quote"]; present {
		quotes, ok := q.(map[string]any)
		if !ok {
			return records.PriceRecord{}, &etlerr.SchemaValidationError{
				Symbol: symbol, Field: "quote", Reason: fmt.Sprintf("is %s, want object", typeName(q)),
			}
		}
		values, ok = quotes[currency].(map[string]any)
		if !ok {
			return records.PriceRecord{}, &etlerr.SchemaValidationError{
				Symbol: symbol, Field: "quote." + currency, Reason: "missing",
			}
		}
	}

	price, err := requiredDecimal(values, "price", symbol)
	if err != nil {
		return records.PriceRecord{}, err
	}

	rec := records.PriceRecord{
		Symbol:           symbol,
		Name:             stringField(e.fields, "name"),
		Rank:             intField(e.fields, "cmc_rank", "rank"),
		QuoteCurrency:    strings.ToUpper(currency),
		Price:            price,
		Volume24h:        optionalDecimal(values, "volume_24h"),
		PercentChange1h:  optionalDecimal(values, "percent_change_1h"),
		PercentChange24h: optionalDecimal(values, "percent_change_24h"),
		PercentChange7d:  optionalDecimal(values, "percent_change_7d"),
		MarketCap:        optionalDecimal(values, "market_cap"),
		LastUpdated:      timeField("last_updated", values, e.fields),
		ObservedAt:       observedAt,
	}
	return rec, nil
}

func symbolOf(e entry) (string, error) {
	raw, present := e.fields["symbol"]
	if !present || raw == nil {
		if e.key != "" {
			return strings.ToUpper(e.key), nil
		}
		return "", &etlerr.SchemaValidationError{Field: e.label + ".symbol", Reason: "missing"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &etlerr.SchemaValidationError{
			Field: e.label + ".symbol", Reason: fmt.Sprintf("is %s, want string", typeName(raw)),
		}
	}
	if strings.TrimSpace(s) == "" {
		return "", &etlerr.SchemaValidationError{Field: e.label + ".symbol", Reason: "empty"}
	}
	return strings.ToUpper(strings.TrimSpace(s)), nil
}

func globalRecord(obj map[string]any, currency string, observedAt time.Time) records.GlobalMetricsRecord {
	values := obj
	if quotes, ok := obj["quote"].(map[string]any); ok {
		if q, ok := quotes[currency].(map[string]any); ok {
			values = q
		}
	}

	return records.GlobalMetricsRecord{
		QuoteCurrency:          strings.ToUpper(currency),
		TotalMarketCap:         optionalDecimal(values, "total_market_cap"),
		TotalVolume24h:         optionalDecimal(values, "total_volume_24h"),
		BTCDominance:           optionalDecimal(obj, "btc_dominance"),
		ETHDominance:           optionalDecimal(obj, "eth_dominance"),
		ActiveCryptocurrencies: intField(obj, "active_cryptocurrencies"),
		ObservedAt:             observedAt,
	}
}

func requiredDecimal(m map[string]any, key, symbol string) (decimal.Decimal, error) {
	raw, present := m[key]
	if !present || raw == nil {
		return decimal.Decimal{}, &etlerr.SchemaValidationError{Symbol: symbol, Field: key, Reason: "missing"}
	}
	n, ok := raw.(json.Number)
	if !ok {
		return decimal.Decimal{}, &etlerr.SchemaValidationError{
			Symbol: symbol, Field: key, Reason: fmt.Sprintf("is %s, want number", typeName(raw)),
		}
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, &etlerr.SchemaValidationError{Symbol: symbol, Field: key, Reason: err.Error()}
	}
	return d, nil
}

// optionalDecimal yields null for missing, null or mistyped values.
func optionalDecimal(m map[string]any, key string) decimal.NullDecimal {
	n, ok := m[key].(json.Number)
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, keys ...string) *int {
	for _, key := range keys {
		n, ok := m[key].(json.Number)
		if !ok {
			continue
		}
		v, err := n.Int64()
		if err != nil {
			continue
		}
		i := int(v)
		return &i
	}
	return nil
}

// timeField reads key from the first map that has a parsable timestamp.
func timeField(key string, maps ...map[string]any) *time.Time {
	for _, m := range maps {
		s, ok := m[key].(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			continue
		}
		t = t.UTC()
		return &t
	}
	return nil
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeObject(data []byte) (map[string]any, error) {
	var v any
	if err := decode(data, &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("data is %s, want object", typeName(v))
	}
	return obj, nil
}

func isNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
