package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"opticbrake/internal/evo"
	"opticbrake/internal/telemetry"
)

// progressLogger writes one structured line per statistics sample.
type progressLogger struct {
	log *slog.Logger
}

func (p progressLogger) Report(pr evo.Progress) {
	p.log.Info("generation",
		slog.String("generations", humanize.FtoaWithDigits(pr.Generations, 2)),
		slog.String("tournaments", humanize.Comma(int64(pr.Tournaments))),
		slog.Float64("best", pr.Stats.Best),
		slog.Float64("mean", pr.Stats.Mean),
		slog.Float64("median", pr.Stats.Median),
		slog.Float64("diversity", pr.Stats.Diversity),
		slog.Duration("elapsed", pr.Elapsed.Round(time.Millisecond)),
		slog.Bool("checkpoint", pr.Checkpoint),
	)
}

// newProgressReporter logs progress to w when w is a terminal or force is
// set, and returns nil otherwise.
func newProgressReporter(w io.Writer, force bool) evo.Reporter {
	if !force && !isTerminal(w) {
		return nil
	}
	return progressLogger{log: slog.New(slog.NewTextHandler(w, nil))}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// serveMetrics starts a Prometheus endpoint for the run when addr is set.
// The returned reporter is nil when metrics are disabled.
func serveMetrics(ctx context.Context, addr, runID string) evo.Reporter {
	if addr == "" {
		return nil
	}
	collector := telemetry.NewCollector(runID)
	go func() {
		if err := collector.Serve(ctx, addr); err != nil {
			slog.Error("metrics endpoint stopped", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	slog.Info("serving metrics", slog.String("addr", addr), slog.String("run_id", runID))
	return collector
}
