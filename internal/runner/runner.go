// Package runner drives the periodic services. A runner executes one
// cycle function on a fixed cadence, discounting the time the cycle
// itself took, and shuts down cooperatively when its context is
// canceled, including during the between-cycle sleep.
package runner

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Cycle is one pass of a periodic service.
type Cycle func(ctx context.Context) error

// Runner repeats a cycle on an interval. Cycle errors are logged and the
// loop keeps going; a transient database or API outage must not kill the
// service.
type Runner struct {
	name     string
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
}

// New builds a runner. A nil clock means wall time; intervals under one
// second are raised to one second. The runner logs under a sub-logger
// tagged with its name.
func New(name string, interval time.Duration, clock clockwork.Clock, log zerolog.Logger) *Runner {
	if interval < time.Second {
		interval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		name:     name,
		interval: interval,
		clock:    clock,
		log:      log.With().Str("worker", name).Logger(),
	}
}

// Run executes cycle until ctx is canceled, starting immediately. The
// next cycle begins one interval after the previous one started; an
// overrunning cycle is followed by the next one right away. Returns nil
// on orderly shutdown.
func (r *Runner) Run(ctx context.Context, cycle Cycle) error {
	r.log.Info().Dur("interval", r.interval).Msg("service loop started")
	defer r.log.Info().Msg("service loop stopped")

	for {
		start := r.clock.Now()
		if err := cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Msg("cycle failed")
		}

		sleep := r.interval - r.clock.Since(start)
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-r.clock.After(sleep):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
