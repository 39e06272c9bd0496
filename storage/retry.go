package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite/lib"
)

// ErrRetriesExhausted is returned when a write keeps failing on transient contention.
var ErrRetriesExhausted = errors.New("sqlite retries exhausted")

// RetryPolicy controls the backoff applied to transient SQLite errors.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy retries five times after 200ms, 400ms, 800ms, 1600ms and 3200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     3200 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Result codes, primary and extended, observed under multi-process WAL contention.
var transientCodes = map[int]bool{
	sqlite3.SQLITE_IOERR: true,
	266:                  true,
	522:                  true,
	1032:                 true,
	2314:                 true,
	3338:                 true,
	4618:                 true,
	5386:                 true,
	5642:                 true,
}

type coded interface {
	Code() int
}

// IsTransient reports whether err is SQLite contention worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce coded
	if errors.As(err, &ce) {
		code := ce.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return transientCodes[code]
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (db *DB) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= db.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := db.retry.Delay(attempt)
			db.logger.Debug("retrying sqlite operation", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}

	db.logger.Warn("sqlite operation failed after retries", "op", op, "retries", db.retry.MaxRetries, "error", lastErr)
	return fmt.Errorf("%s: %w after %d retries: %w", op, ErrRetriesExhausted, db.retry.MaxRetries, lastErr)
}
