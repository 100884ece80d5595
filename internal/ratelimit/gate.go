// Package ratelimit spaces the start times of outbound calls to the compliance authority.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
	"golang.org/x/time/rate"
)

// DefaultGap keeps aggregate throughput comfortably under a 100 requests/minute ceiling.
const DefaultGap = 700 * time.Millisecond

// Gate enforces a minimum interval between the starts of successive acquisitions,
// process wide. It does not limit how many calls are in flight.
type Gate struct {
	limiter *rate.Limiter
	clock   clock.Clock
	gap     time.Duration
	logger  *slog.Logger
}

// NewGate returns a Gate with the given minimum gap. A non-positive gap uses DefaultGap.
func NewGate(gap time.Duration, clk clock.Clock, logger *slog.Logger) *Gate {
	if gap <= 0 {
		gap = DefaultGap
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Every(gap), 1),
		clock:   clk,
		gap:     gap,
		logger:  logger,
	}
}

// Gap returns the configured minimum interval.
func (g *Gate) Gap() time.Duration {
	return g.gap
}

// Acquire blocks until the caller may start its call. It fails only when ctx ends
// while waiting, in which case the slot is handed back.
func (g *Gate) Acquire(ctx context.Context) error {
	now := g.clock.Now()
	r := g.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	g.logger.Debug("Throttling outbound call.", "wait", delay.String())
	if err := g.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(g.clock.Now())
		return err
	}
	return nil
}
