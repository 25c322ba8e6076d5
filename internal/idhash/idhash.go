// Package idhash computes deterministic document identifiers from identity
// key tuples.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Compute returns the hex-encoded SHA256 of the parts joined with "|".
func Compute(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// PriceKey computes the identity of a price observation.
// Formula: SHA256(symbol|quote_currency|observed_at_rfc3339)
func PriceKey(symbol, quoteCurrency string, observedAt time.Time) string {
	return Compute(
		strings.ToUpper(symbol),
		strings.ToUpper(quoteCurrency),
		timestamp(observedAt),
	)
}

// GlobalMetricsKey computes the identity of a global market observation.
// Formula: SHA256(global|quote_currency|observed_at_rfc3339)
func GlobalMetricsKey(quoteCurrency string, observedAt time.Time) string {
	return Compute("global", strings.ToUpper(quoteCurrency), timestamp(observedAt))
}

// RunKey computes the identity of a pipeline run metric.
func RunKey(runID string) string {
	return Compute("run", runID)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
