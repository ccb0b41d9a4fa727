// Package sweep drives the periodic finalization pass. Every timing decision
// in the core is derived from stored timestamps, so the sweeper is an
// optimization: it finalizes records and frees memory, it never decides.
package sweep

import (
	"context"
	"time"

	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/obs"
)

// DefaultInterval between passes.
const DefaultInterval = time.Minute

// Task finalizes whatever has elapsed by now and reports how many records it
// touched.
type Task func(ctx context.Context, now time.Time) int

// Sweeper runs registered tasks on a fixed interval until its context ends.
type Sweeper struct {
	clock    clock.Clock
	interval time.Duration
	names    []string
	tasks    []Task
}

// New builds a Sweeper. A non-positive interval falls back to the default.
func New(clk clock.Clock, interval time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.System()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{clock: clk, interval: interval}
}

// Register adds a named task. Not safe to call once Run has started.
func (s *Sweeper) Register(name string, task Task) {
	s.names = append(s.names, name)
	s.tasks = append(s.tasks, task)
}

// Run blocks, sweeping every interval, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass runs every task once and records the pass duration.
func (s *Sweeper) Pass(ctx context.Context) int {
	started := time.Now()
	now := s.clock.Now()
	total := 0
	for i, task := range s.tasks {
		n := task(ctx, now)
		if n > 0 {
			obs.LogEvent("sweep", "swept", map[string]any{"task": s.names[i], "count": n})
		}
		total += n
	}
	obs.ObserveSweep(time.Since(started))
	return total
}
