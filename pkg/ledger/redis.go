package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// incrementScript adds ARGV[1] to KEYS[1] and, when ARGV[2] is non-empty,
// sets the expiry only if the key has none.
var incrementScript = redis.NewScript(`
local current = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
if ARGV[2] ~= "" then
  if redis.call("TTL", KEYS[1]) == -1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
  end
end
return current
`)

// RedisOptions configures the Redis ledger.
type RedisOptions struct {
	URL string
	// Timeout bounds dialing, reads and writes. A call that exceeds it
	// fails with a BackendError.
	Timeout time.Duration
}

// Redis is a Ledger backed by a Redis server.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis ledger from a redis:// URL. It does not dial;
// call Ping to verify connectivity.
func NewRedis(opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Timeout > 0 {
		ro.DialTimeout = opts.Timeout
		ro.ReadTimeout = opts.Timeout
		ro.WriteTimeout = opts.Timeout
	}
	return NewRedisWithClient(redis.NewClient(ro), logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) GetUsage(ctx context.Context, key string) (float64, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		if isTypeError(err) {
			return 0, r.corrupt("get", key, "<non-string>", err)
		}
		return 0, r.fail("get", key, err)
	}
	return parseCounter(key, raw)
}

func (r *Redis) Increment(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	ttlArg := ""
	if secs := ttlSeconds(ttl); secs > 0 {
		ttlArg = strconv.FormatInt(secs, 10)
	}

	raw, err := incrementScript.Run(ctx, r.client, []string{key}, formatAmount(amount), ttlArg).Text()
	if err != nil {
		if isTypeError(err) {
			return 0, r.corrupt("increment", key, r.storedValue(ctx, key), err)
		}
		return 0, r.fail("increment", key, err)
	}
	return parseCounter(key, raw)
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	// go-redis reports -1 and -2 unscaled, matching NoExpiry and KeyMissing.
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, r.fail("ttl", key, err)
	}
	return d, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail("ping", "", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) fail(op, key string, err error) error {
	r.logger.Error("ledger backend error", "backend", "redis", "op", op, "key", key, "error", err)
	return backendErr(op, key, err)
}

func (r *Redis) corrupt(op, key, value string, err error) error {
	r.logger.Error("ledger corrupt value", "backend", "redis", "op", op, "key", key, "value", value, "error", err)
	return &CorruptDataError{Key: key, Value: value, Err: err}
}

// storedValue fetches the raw value behind a rejected increment for the
// error report. Non-string values are reported as a placeholder.
func (r *Redis) storedValue(ctx context.Context, key string) string {
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "<non-string>"
	}
	return raw
}

// isTypeError reports whether Redis rejected the stored value itself rather
// than the request.
func isTypeError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not a valid float") || strings.Contains(msg, "WRONGTYPE")
}

func parseCounter(key, raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &CorruptDataError{Key: key, Value: raw, Err: err}
	}
	f, _ := d.Float64()
	return f, nil
}

func formatAmount(amount float64) string {
	return decimal.NewFromFloat(amount).String()
}
