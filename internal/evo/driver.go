package evo

import (
	"context"
	"fmt"
	"time"

	"opticbrake/internal/model"
)

// Progress is delivered to a Reporter after each statistics sample.
type Progress struct {
	Generations float64
	Tournaments int
	Stats       FitnessStats
	Elapsed     time.Duration
	// Checkpoint is set when the sample accompanied a persisted snapshot.
	Checkpoint bool
}

type Reporter interface {
	Report(Progress)
}

type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) {
	f(p)
}

// MultiReporter fans a report out to every non-nil reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(p Progress) {
	for _, r := range m {
		if r != nil {
			r.Report(p)
		}
	}
}

// RunTournaments runs n tournaments. Statistics are sampled whenever the
// total tournament count crosses a multiple of the population size, so the
// cadence holds across calls.
func (m *Microbial) RunTournaments(ctx context.Context, n int, reporter Reporter) error {
	if n < 0 {
		return fmt.Errorf("%w: tournament count must be >= 0, got %d", ErrInvalidConfig, n)
	}
	start := time.Now()
	popsize := len(m.population)
	for i := 0; i < n; i++ {
		if _, err := m.Tournament(ctx); err != nil {
			return err
		}
		if m.tournaments%popsize != 0 {
			continue
		}
		stats, err := m.Sample(ctx)
		if err != nil {
			return err
		}
		if reporter != nil {
			reporter.Report(Progress{
				Generations: m.GenerationsRun(),
				Tournaments: m.tournaments,
				Stats:       stats,
				Elapsed:     time.Since(start),
			})
		}
	}
	return nil
}

// CheckpointFunc persists a snapshot.
type CheckpointFunc func(ctx context.Context, snapshot model.PopulationSnapshot) error

type EndlessConfig struct {
	// Interval is the wall-clock time between checkpoints.
	Interval   time.Duration
	Checkpoint CheckpointFunc
	// Now defaults to time.Now.
	Now func() time.Time
}

// RunEndless runs tournaments until ctx is cancelled. Every Interval it
// samples statistics and checkpoints. A checkpoint error stops the run and is
// returned. On cancellation the current state is checkpointed once more,
// without a fresh sample, and nil is returned.
func (m *Microbial) RunEndless(ctx context.Context, cfg EndlessConfig, reporter Reporter) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("%w: checkpoint interval must be > 0, got %s", ErrInvalidConfig, cfg.Interval)
	}
	if cfg.Checkpoint == nil {
		return fmt.Errorf("%w: checkpoint function is required", ErrInvalidConfig)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	start := now()
	last := start
	for {
		if _, err := m.Tournament(ctx); err != nil {
			if ctx.Err() != nil {
				return m.finalCheckpoint(ctx, cfg.Checkpoint)
			}
			return err
		}
		if now().Sub(last) < cfg.Interval {
			continue
		}

		stats, err := m.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.finalCheckpoint(ctx, cfg.Checkpoint)
			}
			return err
		}
		if err := m.checkpoint(ctx, cfg.Checkpoint); err != nil {
			return err
		}
		if reporter != nil {
			reporter.Report(Progress{
				Generations: m.GenerationsRun(),
				Tournaments: m.tournaments,
				Stats:       stats,
				Elapsed:     now().Sub(start),
				Checkpoint:  true,
			})
		}
		last = now()
	}
}

func (m *Microbial) checkpoint(ctx context.Context, save CheckpointFunc) error {
	snapshot, err := m.Snapshot()
	if err != nil {
		return err
	}
	if err := save(ctx, snapshot); err != nil {
		return fmt.Errorf("checkpoint after %d tournaments: %w", m.tournaments, err)
	}
	return nil
}

func (m *Microbial) finalCheckpoint(ctx context.Context, save CheckpointFunc) error {
	return m.checkpoint(context.WithoutCancel(ctx), save)
}
