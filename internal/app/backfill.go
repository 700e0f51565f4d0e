package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intent-registry/internal/scheduler"
)

// BackfillOptions configure anchoring of historical windows.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// Backfill anchors every aligned window in [From, To) in order. Windows that
// are already covered by an anchor are skipped.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	interval := a.Config.Anchor.Interval
	if interval <= 0 {
		return errors.New("anchor.interval must be greater than zero")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill range is empty, check --from/--to")
	}

	be, closeBackend, err := a.requireDurable(ctx, "backfill")
	if err != nil {
		return err
	}
	defer closeBackend()

	svc, err := a.newAnchorService(be)
	if err != nil {
		return err
	}

	anchored := 0
	failed := 0
	for windowStart := start; windowStart.Before(end); windowStart = windowStart.Add(interval) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		window := scheduler.Window{Start: windowStart, End: windowStart.Add(interval)}
		if window.End.After(end) {
			window.End = end
		}

		if opts.DryRun {
			records, err := be.reader.ListAcceptedBetween(ctx, window.Start, window.End)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.Out, "%s\t%d accepted\n", window.Start.Format(time.RFC3339), len(records))
			continue
		}

		_, ok, err := svc.AnchorWindow(ctx, window)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("window_start", window.Start).Msg("backfill window failed")
			continue
		}
		if ok {
			anchored++
		}
	}

	a.Logger.Info().Int("anchored", anchored).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some windows failed to anchor, check the logs")
	}
	return nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
