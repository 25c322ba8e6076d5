package fetcher

import (
	"context"
	"encoding/json"
)

// MarketFetcher retrieves the latest market snapshot from the upstream API.
type MarketFetcher interface {
	FetchLatest(ctx context.Context) (*RawPayload, error)
}

// RawPayload is the untouched upstream `data` objects, keyed by quote
// currency. Currencies keeps the configured order; the first entry is the
// primary currency.
type RawPayload struct {
	Currencies []string
	Quotes     map[string]json.RawMessage
	Global     map[string]json.RawMessage
	// APICalls counts HTTP requests sent, retries included.
	APICalls int
}

// NewRawPayload returns an empty payload for the given currencies.
func NewRawPayload(currencies ...string) *RawPayload {
	return &RawPayload{
		Currencies: currencies,
		Quotes:     make(map[string]json.RawMessage),
		Global:     make(map[string]json.RawMessage),
	}
}
