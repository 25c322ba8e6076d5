package budget

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryReserveWithinLimit(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	m := NewMemory(3, func() time.Time { return now })
	ctx := context.Background()

	if err := m.Reserve(ctx, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Reserve(ctx, 2); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if err := m.Reserve(ctx, 1); err != nil {
		t.Fatalf("the last call still fits: %v", err)
	}
	used, _ := m.Used(ctx)
	if used != 3 {
		t.Fatalf("expected 3 used, got %d", used)
	}
}

func TestMemoryResetsAtUTCMidnight(t *testing.T) {
	now := time.Date(2026, 10, 17, 23, 59, 0, 0, time.UTC)
	m := NewMemory(1, func() time.Time { return now })
	ctx := context.Background()

	if err := m.Reserve(ctx, 1); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := m.Reserve(ctx, 1); err != nil {
		t.Fatalf("new day should have a fresh budget: %v", err)
	}
}

func TestUnlimited(t *testing.T) {
	if err := (Unlimited{}).Reserve(context.Background(), 1_000_000); err != nil {
		t.Fatal(err)
	}
}

func TestDayKeyUsesOneSeparator(t *testing.T) {
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	for _, prefix := range []string{"cryptoetl:budget", "cryptoetl:budget:"} {
		if got := dayKey(prefix, now); got != "cryptoetl:budget:2026-10-17" {
			t.Fatalf("dayKey(%q) = %q", prefix, got)
		}
	}
	if got := dayKey("", now); got != "2026-10-17" {
		t.Fatalf("empty prefix: %q", got)
	}
}

func TestNewRedisDoesNotDial(t *testing.T) {
	r := NewRedis(RedisOptions{Addr: "127.0.0.1:1", Limit: 5})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Reserve(ctx, 1); err == nil {
		t.Fatal("reserve against an unreachable server should fail")
	}
}
