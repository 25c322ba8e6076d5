package records

import (
	"time"
)

// Default stream prefixes, matching the index patterns the dashboards use.
const (
	DefaultPricesPrefix        = "crypto-prices"
	DefaultGlobalMetricsPrefix = "crypto-global-metrics"
	DefaultRunMetricsPrefix    = "pipeline-metrics"
)

// Prefixes maps each stream to its partition prefix.
type Prefixes struct {
	Prices        string `mapstructure:"prices"`
	GlobalMetrics string `mapstructure:"global_metrics"`
	RunMetrics    string `mapstructure:"run_metrics"`
}

// DefaultPrefixes returns the standard stream prefixes.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		Prices:        DefaultPricesPrefix,
		GlobalMetrics: DefaultGlobalMetricsPrefix,
		RunMetrics:    DefaultRunMetricsPrefix,
	}
}

// For returns the prefix of a stream, falling back to the default.
func (p Prefixes) For(stream Stream) string {
	def := DefaultPrefixes()
	switch stream {
	case StreamPrices:
		return orDefault(p.Prices, def.Prices)
	case StreamGlobalMetrics:
		return orDefault(p.GlobalMetrics, def.GlobalMetrics)
	case StreamRunMetrics:
		return orDefault(p.RunMetrics, def.RunMetrics)
	}
	return string(stream)
}

// PartitionName returns <prefix>-YYYY.MM.DD for the UTC date of t.
func PartitionName(prefix string, t time.Time) string {
	return prefix + "-" + t.UTC().Format("2006.01.02")
}

// Partition returns the partition a document belongs to.
func (p Prefixes) Partition(doc Document) string {
	return PartitionName(p.For(doc.Stream()), doc.PartitionTime())
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
