// Package sweeper implements the Sweeper component: a periodic task that
// asks the store to drop expired records, independent of client traffic.
package sweeper

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/secmemhq/secmem/internal/clock"
)

// expirer is the subset of *store.Store the sweeper needs. Kept as an
// interface so tests can use a double instead of a real store.
type expirer interface {
	SweepExpired(now clock.Instant) int
}

// Sweeper runs store.SweepExpired on a fixed cadence until its context is
// canceled, at which point it performs one final sweep before returning
// performing one final sweep before returning.
type Sweeper struct {
	store    expirer
	clock    clock.Clock
	interval time.Duration
}

// New builds a Sweeper over store, ticking every interval.
func New(store expirer, clk clock.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, clock: clk, interval: interval}
}

// Run blocks until ctx is canceled. A single sweep is not interruptible
// mid-scan: it completes, then the loop observes cancellation.
func (s *Sweeper) Run(ctx context.Context) {
	log := clog.FromContext(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := s.store.SweepExpired(s.clock.Now())
			if n > 0 {
				log.Infof("sweep removed %d expired record(s)", n)
			}
		case <-ctx.Done():
			n := s.store.SweepExpired(s.clock.Now())
			log.Infof("final sweep removed %d expired record(s)", n)
			return
		}
	}
}
