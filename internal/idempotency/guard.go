// Package idempotency suppresses repeat submissions of a unit that already went through.
//
// A Record is written only after a run reaches a successful terminal state. Before a
// run starts, the Guard is consulted; a present record short-circuits the run without
// any call to the authority. Runs for the same unit are serialized by a per-unit lock
// so two concurrent runs cannot both pass the pre-check.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
)

// ErrNotFound is returned by a Store that has no record for a unit.
var ErrNotFound = errors.New("idempotency record not found")

// Record marks a unit as successfully submitted.
type Record struct {
	UnitID        string    `json:"unitId" firestore:"unitId"`
	SubmittedAt   time.Time `json:"submittedAt" firestore:"submittedAt"`
	CorrelationID string    `json:"correlationId,omitempty" firestore:"correlationId,omitempty"`
}

// Store persists records. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, unitID string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, unitID string) error
}

// Pruner is implemented by stores that can drop records older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrPruneUnsupported is returned by Guard.Prune when the store is not a Pruner.
var ErrPruneUnsupported = errors.New("idempotency store does not support pruning")

// Guard is the local idempotency layer.
type Guard struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*unitLock
}

type unitLock struct {
	sem  chan struct{}
	refs int
}

// NewGuard returns a Guard backed by store.
func NewGuard(store Store, clk clock.Clock, logger *slog.Logger) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		clock:  clk,
		logger: logger,
		locks:  make(map[string]*unitLock),
	}
}

// Lock blocks until the caller holds the exclusive run slot for unitID or ctx ends.
// The returned function releases it.
func (g *Guard) Lock(ctx context.Context, unitID string) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[unitID]
	if !ok {
		l = &unitLock{sem: make(chan struct{}, 1)}
		g.locks[unitID] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				g.unref(unitID, l)
			})
		}, nil
	case <-ctx.Done():
		g.unref(unitID, l)
		return nil, ctx.Err()
	}
}

func (g *Guard) unref(unitID string, l *unitLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, unitID)
	}
}

// Check returns the existing record for unitID, if any.
func (g *Guard) Check(ctx context.Context, unitID string) (Record, bool, error) {
	rec, err := g.store.Get(ctx, unitID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read idempotency record for %s: %w", unitID, err)
	}
	return rec, true, nil
}

// MarkSubmitted records a successful submission, superseding any earlier record.
func (g *Guard) MarkSubmitted(ctx context.Context, unitID, correlationID string) (Record, error) {
	rec := Record{
		UnitID:        unitID,
		SubmittedAt:   g.clock.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := g.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to write idempotency record for %s: %w", unitID, err)
	}
	g.logger.Info("Recorded successful submission.", "unitId", unitID, "correlationId", correlationID)
	return rec, nil
}

// Evict removes the record for unitID so the unit may be submitted again.
func (g *Guard) Evict(ctx context.Context, unitID string) error {
	if err := g.store.Delete(ctx, unitID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to evict idempotency record for %s: %w", unitID, err)
	}
	return nil
}

// Prune drops records older than maxAge and returns how many were removed.
func (g *Guard) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	p, ok := g.store.(Pruner)
	if !ok {
		return 0, ErrPruneUnsupported
	}
	cutoff := g.clock.Now().Add(-maxAge)
	n, err := p.PruneBefore(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("failed to prune idempotency records before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	g.logger.Info("Pruned idempotency records.", "removed", n, "cutoff", cutoff)
	return n, nil
}
