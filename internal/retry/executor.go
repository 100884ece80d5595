// Package retry drives exponential backoff around outbound calls.
//
// The executor knows nothing about what an operation does. It asks the fault package
// whether a failure is transient and, if so, waits BaseDelay*2^n before attempt n+1.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
)

// Multiplier is the backoff growth factor between attempts.
const Multiplier = 2

// MaxDelay caps a single backoff wait.
const MaxDelay = 10 * time.Minute

// Policy bounds the retries of one call site.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Delay returns the wait before retry n (0-indexed), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	if d > MaxDelay {
		return MaxDelay
	}
	for i := 0; i < n; i++ {
		if d > MaxDelay/Multiplier {
			return MaxDelay
		}
		d *= Multiplier
	}
	return d
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Op         string
	Number     int // 1-based number of the attempt that failed
	MaxRetries int
	Delay      time.Duration
	Kind       fault.Kind
	Err        error
}

// NotifyFunc observes retries. It is called before each backoff wait.
type NotifyFunc func(Attempt)

// Executor runs operations under a Policy.
type Executor struct {
	clock  clock.Clock
	logger *slog.Logger
}

// NewExecutor returns an Executor using clk for backoff waits.
func NewExecutor(clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{clock: clk, logger: logger}
}

// Run executes fn up to p.MaxRetries+1 times. Only rate-limited, server, timeout and
// unreachable failures are retried. When retries are exhausted, or the failure is
// terminal, the last error is returned unchanged. A negative MaxRetries counts as
// zero, so fn always runs at least once.
func (e *Executor) Run(ctx context.Context, op string, p Policy, fn func(context.Context) error, notify NotifyFunc) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := fault.KindOf(err)
		if !kind.Retryable() || attempt == p.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return lastErr
		}

		backoff := p.Delay(attempt)
		e.logger.Warn(
			"Call failed, will retry.",
			"op", op,
			"attempt", attempt+1,
			"maxRetries", p.MaxRetries,
			"kind", string(kind),
			"backoff", backoff.String(),
			"error", err,
		)
		if notify != nil {
			notify(Attempt{
				Op:         op,
				Number:     attempt + 1,
				MaxRetries: p.MaxRetries,
				Delay:      backoff,
				Kind:       kind,
				Err:        err,
			})
		}

		if err := e.clock.Sleep(ctx, backoff); err != nil {
			e.logger.Error("Context cancelled during backoff. Aborting retries.", "op", op, "error", err)
			return lastErr
		}
	}
	return lastErr
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op string, p Policy, fn func(context.Context) (T, error), notify NotifyFunc) (T, error) {
	var out T
	err := e.Run(ctx, op, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, notify)
	return out, err
}
