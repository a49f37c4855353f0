// Package retry shields persistence calls from transient rate limiting.
//
// Only failures classified as rate limiting are retried; every other error
// is returned to the caller after the first attempt. Each call site chooses
// its own attempt budget through a Policy.
package retry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ErrRateLimited marks a failure caused by the backing store refusing load.
var ErrRateLimited = errors.New("too many requests")

// pgTooManyConnections is SQLSTATE too_many_connections.
const pgTooManyConnections = "53300"

// Policy is the attempt budget of a single call site. MaxAttempts counts the
// retries after the first call, so a Policy with MaxAttempts 2 calls the
// operation at most three times.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration

	// timer replaces the wall-clock timer between attempts (tests only).
	timer backoff.Timer
}

var (
	// ReadOne is used for single-entity lookups.
	ReadOne = Policy{MaxAttempts: 2, InitialDelay: time.Second}
	// Default is used for list queries and writes.
	Default = Policy{MaxAttempts: 3, InitialDelay: time.Second}
)

// IsRateLimited reports whether err carries a rate-limit marker: the
// ErrRateLimited sentinel or a PostgreSQL too_many_connections error.
// Driver errors signalling throttling in other ways must go through
// Classify at the call site.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgTooManyConnections
}

// statusTooMany matches a standalone 429 status code.
var statusTooMany = regexp.MustCompile(`(^|[^0-9A-Za-z-])429([^0-9A-Za-z-]|$)`)

// Classify tags a raw driver error with ErrRateLimited when it signals
// throttling. It must be applied to the error as returned by the driver,
// before any ids or context are added to the message. A server-side
// PostgreSQL error is classified by its SQLSTATE only.
func Classify(err error) error {
	if err == nil || IsRateLimited(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "Too Many Requests") || statusTooMany.MatchString(msg) {
		return errors.Join(ErrRateLimited, err)
	}
	return err
}

// Do runs op, retrying it with exponential backoff while it fails with a
// rate-limit error. The delay starts at p.InitialDelay and doubles after each
// attempt. When the budget is exhausted the last error is returned wrapped so
// that errors.Is(err, ErrRateLimited) holds for the caller.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !IsRateLimited(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, next time.Duration) {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("rate limited, retrying")
	}

	v, err := backoff.RetryNotifyWithTimerAndData(wrapped, newBackOff(ctx, p), notify, p.timer)
	if err != nil && IsRateLimited(err) && !errors.Is(err, ErrRateLimited) {
		err = errors.Join(ErrRateLimited, err)
	}
	return v, err
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func newBackOff(ctx context.Context, p Policy) backoff.BackOff {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = initial << 16
	exp.MaxElapsedTime = 0

	maxRetries := p.MaxAttempts
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}
