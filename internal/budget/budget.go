// Package budget tracks the daily upstream request allowance shared by all
// runs.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the Redis day keys.
const DefaultKeyPrefix = "cryptoetl:budget"

// ErrExhausted is returned when a reservation would exceed the daily limit.
var ErrExhausted = errors.New("daily request budget exhausted")

// Ledger reserves upstream calls against a per-day limit (UTC days).
type Ledger interface {
	Reserve(ctx context.Context, n int) error
	Used(ctx context.Context) (int, error)
}

// dayKey joins prefix and the UTC date with a single ':' separator.
func dayKey(prefix string, now time.Time) string {
	day := now.UTC().Format("2006-01-02")
	if prefix == "" {
		return day
	}
	return strings.TrimSuffix(prefix, ":") + ":" + day
}

// Unlimited never refuses a reservation.
type Unlimited struct{}

func (Unlimited) Reserve(context.Context, int) error { return nil }
func (Unlimited) Used(context.Context) (int, error) { return 0, nil }

// Memory is a process-local ledger.
type Memory struct {
	limit int
	now   func() time.Time

	mu   sync.Mutex
	used map[string]int
}

// NewMemory creates an in-process ledger. now defaults to time.Now.
func NewMemory(limit int, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{limit: limit, now: now, used: make(map[string]int)}
}

func (m *Memory) Reserve(_ context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey("", m.now())
	if m.used[key]+n > m.limit {
		return fmt.Errorf("%w: %d/%d used", ErrExhausted, m.used[key], m.limit)
	}
	m.used[key] += n
	return nil
}

func (m *Memory) Used(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[dayKey("", m.now())], nil
}

// Redis shares the ledger between processes through INCRBY on a per-day key.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	now    func() time.Time
}

// RedisOptions configure the shared ledger.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Limit     int
}

// NewRedis builds the shared ledger. go-redis dials lazily, so an
// unreachable server surfaces on the first Reserve, inside the run.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, limit: opts.Limit, now: time.Now}
}

func (r *Redis) Reserve(ctx context.Context, n int) error {
	key := dayKey(r.prefix, r.now())

	used, err := r.client.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return fmt.Errorf("reserve budget: %w", err)
	}
	if used == int64(n) {
		// first reservation of the day; keep the key a little past midnight
		if err := r.client.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
			return fmt.Errorf("expire budget key: %w", err)
		}
	}
	if used > int64(r.limit) {
		if err := r.client.DecrBy(ctx, key, int64(n)).Err(); err != nil {
			return fmt.Errorf("release budget: %w", err)
		}
		return fmt.Errorf("%w: %d/%d used", ErrExhausted, used-int64(n), r.limit)
	}
	return nil
}

func (r *Redis) Used(ctx context.Context) (int, error) {
	v, err := r.client.Get(ctx, dayKey(r.prefix, r.now())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

var (
	_ Ledger = Unlimited{}
	_ Ledger = (*Memory)(nil)
	_ Ledger = (*Redis)(nil)
)
