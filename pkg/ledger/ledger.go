// Package ledger provides atomic, TTL-scoped USD counters over a shared
// key-value backend.
//
// Every client guarantees per-key atomicity of Increment and sets a key's
// expiry only when the key has none, so a running daily window is never
// extended or shortened by later writes. Failures are always returned; no
// client substitutes zero for a value it could not read.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel values returned by TTL.
const (
	NoExpiry   time.Duration = -1
	KeyMissing time.Duration = -2
)

// Ledger is a typed client over a counter store.
type Ledger interface {
	// GetUsage returns the counter value, or 0 if the key is absent.
	GetUsage(ctx context.Context, key string) (float64, error)

	// Increment atomically adds amount (which may be negative) and returns the
	// new value. When ttl > 0 and the key has no expiry, the expiry is set to ttl.
	Increment(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error)

	// TTL returns the remaining expiry of key, NoExpiry, or KeyMissing.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

var (
	// ErrBackend matches every BackendError.
	ErrBackend = errors.New("ledger: backend unavailable")

	// ErrCorruptData matches every CorruptDataError.
	ErrCorruptData = errors.New("ledger: corrupt counter value")
)

// BackendError reports a failed round trip to the counter store.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// CorruptDataError reports a stored value that is not a number.
type CorruptDataError struct {
	Key   string
	Value string
	Err   error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("ledger: key %s holds non-numeric value %q", e.Key, e.Value)
}

func (e *CorruptDataError) Unwrap() error { return e.Err }

func (e *CorruptDataError) Is(target error) bool { return target == ErrCorruptData }

func backendErr(op, key string, err error) error {
	return &BackendError{Op: op, Key: key, Err: err}
}

// ttlSeconds converts ttl to whole seconds, rounding up so that a positive
// sub-second ttl never becomes a zero expiry.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}
