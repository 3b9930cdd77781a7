package pool

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Policy controls retry behavior for transient connection failures.
// Attempt n waits min(MaxDelay, BaseDelay*2^(n-1)) scaled by a random factor
// in [1-Jitter, 1+Jitter].
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the standard retry policy: 3 attempts, 100ms base,
// 5s cap, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Retryable reports whether err is worth retrying. Network-level failures and
// transient server states (SQLSTATE class 08, statement cancellation, admin
// shutdown, cannot-connect-now) retry; authentication, permission, syntax and
// constraint errors are fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"): // connection exceptions
			return true
		case code == "57014": // statement timeout / query_canceled
			return true
		case code == "57P01": // admin_shutdown
			return true
		case code == "57P03": // cannot_connect_now
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no route to host",
		"no such host",
		"broken pipe",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Delay returns the backoff delay before attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		f := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping per the backoff schedule
// between attempts. It stops early when fn succeeds, when the error is not
// retryable, or when ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == attempts {
			return lastErr
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
