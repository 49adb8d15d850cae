// Command reprocess re-runs aggregation and peak detection over recorded stream directories,
// for example after changing PEAK_WINDOW_SEC or RESOLUTIONS.
//
// Usage:
//
//	reprocess [--dry-run] [--force] [--channel CHANNEL] [DIR ...]
//
// Without DIR arguments every finalized session under OUTDIR is considered. Sessions that
// already have report.json are skipped unless --force is given.
//
// Environment Variables:
//
//	OUTDIR, PEAK_WINDOW_SEC, TOPK, MIN_PEAK_GAP_SEC, COARSE_SEC, RESOLUTIONS, ROLLING_SEC, TIMEZONE
//	DB_DSN: when set, analysed sessions are recorded in the session index
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/onnwee/chatpeak/analysis"
	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/config"
	"github.com/onnwee/chatpeak/db"
)

type options struct {
	dryRun  bool
	force   bool
	channel string
	dirs    []string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "List the sessions that would be analysed without writing anything")
	force := flag.Bool("force", false, "Re-analyse sessions that already have report.json")
	channel := flag.String("channel", "", "Only sessions of this channel (default: all channels)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var index analysis.Index
	if cfg.DBDsn != "" {
		database, err := db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to connect to database", slog.Any("err", err))
			os.Exit(1)
		}
		defer database.Close()
		if err := database.PingContext(ctx); err != nil {
			slog.Error("failed to ping database", slog.Any("err", err))
			os.Exit(1)
		}
		index = &db.Index{DB: database}
	}

	proc := analysis.NewProcessor(analysis.Options{
		Resolutions: cfg.Resolutions,
		RollingSec:  cfg.RollingSec,
		Detector: analysis.Detector{
			WindowSec: cfg.PeakWindowSec,
			TopK:      cfg.TopK,
			MinGapSec: cfg.MinPeakGapSec,
			CoarseSec: cfg.CoarseSec,
		},
		Location:      cfg.Location,
		MaxConcurrent: 1,
		Index:         index,
	})

	opts := options{dryRun: *dryRun, force: *force, channel: *channel, dirs: flag.Args()}
	if err := reprocess(ctx, proc, cfg.OutDir, opts); err != nil {
		slog.Error("reprocess failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("reprocess completed successfully")
}

type target struct {
	sess   collector.Session
	reason collector.Reason
}

// reprocess analyses every selected session and reports how many failed.
func reprocess(ctx context.Context, proc *analysis.Processor, outDir string, opts options) error {
	targets, err := selectTargets(outDir, opts)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		slog.Info("no sessions to analyse")
		return nil
	}
	slog.Info("found sessions to analyse", slog.Int("count", len(targets)), slog.Bool("dry_run", opts.dryRun))

	analysed, errorCount := 0, 0
	for i, t := range targets {
		logger := slog.With(
			slog.String("stream_id", t.sess.StreamID),
			slog.Int("index", i+1),
			slog.Int("total", len(targets)))
		if opts.dryRun {
			logger.Info("would analyse session (dry-run)", slog.String("dir", t.sess.Dir))
			analysed++
			continue
		}
		res, err := proc.Run(ctx, t.sess, t.reason)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to analyse session", slog.Any("err", err))
			errorCount++
			continue
		}
		logger.Info("analysed session", slog.Int("peaks", res.Peaks.PeakCount))
		analysed++
	}

	slog.Info("reprocess summary",
		slog.Int("total", len(targets)),
		slog.Int("analysed", analysed),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", opts.dryRun))
	if errorCount > 0 {
		return fmt.Errorf("reprocess completed with %d errors", errorCount)
	}
	return nil
}

// selectTargets resolves explicit directories, or scans outDir for finalized sessions.
// Explicit directories are analysed even when their collection report is missing or
// not final; a scan only picks sessions whose broadcast finished.
func selectTargets(outDir string, opts options) ([]target, error) {
	explicit := len(opts.dirs) > 0
	dirs := opts.dirs
	if !explicit {
		matches, err := filepath.Glob(filepath.Join(outDir, "*", "*", collector.SessionFile))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", outDir, err)
		}
		for _, m := range matches {
			dirs = append(dirs, filepath.Dir(m))
		}
	}

	var out []target
	for _, dir := range dirs {
		sess, err := collector.LoadSession(dir)
		if err != nil {
			if explicit {
				return nil, err
			}
			slog.Warn("skipping unreadable session", slog.String("dir", dir), slog.Any("err", err))
			continue
		}
		if opts.channel != "" && sess.ChannelID != opts.channel {
			continue
		}
		reason := collector.ReasonStaleOnRestart
		r, err := collector.ReadReport(dir)
		switch {
		case err == nil:
			reason = r.FinalizeReason
			if !r.Final && !explicit {
				continue
			}
		case errors.Is(err, os.ErrNotExist):
			if !explicit {
				continue
			}
			r = collector.Report{}
		default:
			return nil, fmt.Errorf("read report in %s: %w", dir, err)
		}
		// skip only when report.json covers the current collection report
		if !opts.force && collector.AnalysisCurrent(dir, r) {
			continue
		}
		out = append(out, target{sess: sess, reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sess.StartedAt.Before(out[j].sess.StartedAt) })
	return out, nil
}
