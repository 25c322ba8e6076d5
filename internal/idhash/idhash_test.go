package idhash

import (
	"testing"
	"time"
)

func TestPriceKeyDeterministic(t *testing.T) {
	ts := time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)

	a := PriceKey("BTC", "USD", ts)
	b := PriceKey("btc", "usd", ts.In(time.FixedZone("BRT", -3*3600)))

	if a != b {
		t.Fatalf("same identity must hash equally: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestPriceKeyDistinguishesFields(t *testing.T) {
	ts := time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)
	base := PriceKey("BTC", "USD", ts)

	cases := map[string]string{
		"symbol":   PriceKey("ETH", "USD", ts),
		"currency": PriceKey("BTC", "BRL", ts),
		"time":     PriceKey("BTC", "USD", ts.Add(time.Second)),
	}
	for name, other := range cases {
		if other == base {
			t.Errorf("changing %s must change the key", name)
		}
	}
}

func TestGlobalAndRunKeys(t *testing.T) {
	ts := time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)
	if GlobalMetricsKey("USD", ts) != GlobalMetricsKey("usd", ts) {
		t.Fatal("global key must ignore currency case")
	}
	if GlobalMetricsKey("USD", ts) == GlobalMetricsKey("BRL", ts) {
		t.Fatal("global key must include the quote currency")
	}
	if RunKey("abc") == RunKey("abd") {
		t.Fatal("distinct run ids must produce distinct keys")
	}
}
