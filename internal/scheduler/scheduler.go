package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Window is the half-open interval [Start, End) a tick covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// TickFunc is invoked once per elapsed window.
type TickFunc func(ctx context.Context, window Window) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToWindow bool
	StartupDelay  time.Duration
}

// Scheduler drives periodic execution of batch jobs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function after each window closes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("window_end", next).Msg("waiting for window to close")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		window := s.WindowEndingAt(next)
		s.logger.Info().Time("window_start", window.Start).Time("window_end", window.End).Msg("executing scheduled tick")

		if err := tick(ctx, window); err != nil {
			s.logger.Error().Err(err).Time("window_end", window.End).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

// WindowEndingAt returns the window that closes at end. With alignment the
// end is truncated to the interval grid first.
func (s *Scheduler) WindowEndingAt(end time.Time) Window {
	end = end.UTC()
	if s.opts.AlignToWindow {
		end = end.Truncate(s.opts.Interval)
	}
	return Window{Start: end.Add(-s.opts.Interval), End: end}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToWindow {
		return now.Add(s.opts.Interval)
	}
	boundary := now.Truncate(s.opts.Interval)
	if !boundary.After(now) {
		boundary = boundary.Add(s.opts.Interval)
	}
	return boundary
}
