package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"crypto-market-etl/internal/records"
)

var (
	keyword = map[string]any{"type": "keyword"}
	double  = map[string]any{"type": "double"}
	date    = map[string]any{"type": "date"}
	integer = map[string]any{"type": "integer"}
)

func templateMappings(stream records.Stream) map[string]any {
	switch stream {
	case records.StreamPrices:
		return map[string]any{
			"@timestamp": date, "symbol": keyword, "name": keyword, "rank": integer,
			"quote_currency": keyword, "price": double, "price_exact": keyword,
			"volume_24h": double, "percent_change_1h": double, "percent_change_24h": double,
			"percent_change_7d": double, "market_cap": double, "last_updated": date,
			"observed_at": date, "ingested_at": date, "run_id": keyword,
		}
	case records.StreamGlobalMetrics:
		return map[string]any{
			"@timestamp": date, "quote_currency": keyword, "total_market_cap": double,
			"total_volume_24h": double, "btc_dominance": double, "eth_dominance": double,
			"active_cryptocurrencies": integer, "observed_at": date, "ingested_at": date,
			"run_id": keyword,
		}
	default:
		return map[string]any{
			"@timestamp": date, "run_id": keyword, "dag_id": keyword, "status": keyword,
			"started_at": date, "finished_at": date, "records_extracted": integer,
			"records_written": integer, "records_rejected": integer, "api_calls": integer,
			"duration_seconds": double, "stage_failed": keyword, "error_summary": map[string]any{"type": "text"},
		}
	}
}

// EnsureTemplates installs one composable index template per stream so that
// daily partitions get explicit mappings.
func (s *Sink) EnsureTemplates(ctx context.Context) error {
	streams := []records.Stream{records.StreamPrices, records.StreamGlobalMetrics, records.StreamRunMetrics}
	for _, stream := range streams {
		prefix := s.prefixes.For(stream)
		body, err := json.Marshal(map[string]any{
			"index_patterns": []string{prefix + "-*"},
			"template": map[string]any{
				"settings": map[string]any{"number_of_shards": 1},
				"mappings": map[string]any{"properties": templateMappings(stream)},
			},
		})
		if err != nil {
			return err
		}

		res, err := s.client.Indices.PutIndexTemplate(
			prefix,
			strings.NewReader(string(body)),
			s.client.Indices.PutIndexTemplate.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("put index template %s: %w", prefix, err)
		}
		payload, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("put index template %s: %s: %s", prefix, res.Status(), strings.TrimSpace(string(payload)))
		}
	}
	return nil
}
