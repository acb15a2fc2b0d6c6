package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// SQLite is a single-node Ledger persisted in an SQLite database. Expired
// rows are treated as absent and reset by the next increment.
type SQLite struct {
	db     *sql.DB
	clock  model.Clock
	logger *slog.Logger
}

// NewSQLite opens or creates an SQLite counter database at the given path.
func NewSQLite(dbPath string, clock model.Clock, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer serializes read-modify-write within the process.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if clock == nil {
		clock = model.SystemClock{}
	}
	return &SQLite{db: db, clock: clock, logger: logger}, nil
}

func (s *SQLite) GetUsage(ctx context.Context, key string) (float64, error) {
	raw, expiresAt, err := s.load(ctx, s.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("get", key, err)
	}
	if s.expired(expiresAt) {
		return 0, nil
	}
	return parseCounter(key, raw)
}

func (s *SQLite) Increment(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.fail("increment", key, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now()
	current := decimal.Zero
	var expiresAt sql.NullInt64

	raw, exp, err := s.load(ctx, tx, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, s.fail("increment", key, err)
	case s.expired(exp):
		// The previous window ended; start a fresh counter with no expiry.
	default:
		current, err = decimal.NewFromString(raw)
		if err != nil {
			return 0, &CorruptDataError{Key: key, Value: raw, Err: err}
		}
		expiresAt = exp
	}

	if secs := ttlSeconds(ttl); secs > 0 && !expiresAt.Valid {
		expiresAt = sql.NullInt64{Int64: now.Add(time.Duration(secs) * time.Second).UnixMilli(), Valid: true}
	}

	next := current.Add(decimal.NewFromFloat(amount))
	_, err = tx.ExecContext(ctx,
		`INSERT INTO counters (key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		key, next.String(), expiresAt, now.UTC(),
	)
	if err != nil {
		return 0, s.fail("increment", key, fmt.Errorf("upsert counter: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, s.fail("increment", key, fmt.Errorf("commit: %w", err))
	}

	f, _ := next.Float64()
	return f, nil
}

func (s *SQLite) TTL(ctx context.Context, key string) (time.Duration, error) {
	_, expiresAt, err := s.load(ctx, s.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyMissing, nil
	}
	if err != nil {
		return 0, s.fail("ttl", key, err)
	}
	if !expiresAt.Valid {
		return NoExpiry, nil
	}
	if s.expired(expiresAt) {
		return KeyMissing, nil
	}
	remaining := time.UnixMilli(expiresAt.Int64).Sub(s.clock.Now())
	return remaining.Truncate(time.Second), nil
}

// PurgeExpired deletes rows whose window has ended and returns how many were removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM counters WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return 0, s.fail("purge", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", "", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) load(ctx context.Context, q querier, key string) (string, sql.NullInt64, error) {
	var raw string
	var expiresAt sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT value, expires_at FROM counters WHERE key = ?`, key,
	).Scan(&raw, &expiresAt)
	return raw, expiresAt, err
}

func (s *SQLite) expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && expiresAt.Int64 <= s.clock.Now().UnixMilli()
}

func (s *SQLite) fail(op, key string, err error) error {
	s.logger.Error("ledger backend error", "backend", "sqlite", "op", op, "key", key, "error", err)
	return backendErr(op, key, err)
}
