// Package retention prunes analysed stream directories from the output tree according to
// an age and per-channel count policy, and sweeps temp files left by interrupted writes.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/telemetry"
)

// Policy defines which analysed sessions are kept.
type Policy struct {
	// KeepDays keeps sessions started within this many days (0 = disabled).
	KeepDays int
	// KeepCount keeps the N most recent sessions of each channel (0 = disabled).
	KeepCount int
	// DryRun logs what would be deleted without touching the disk or the index.
	DryRun bool
	// Interval between cleanup cycles.
	Interval time.Duration
	// TempMaxAge is the age after which leftover temp files are removed (default 1h).
	TempMaxAge time.Duration
}

// Enabled reports whether any keep rule is configured.
func (p Policy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// LoadPolicy loads the retention policy from environment variables. Invalid values are ignored.
func LoadPolicy() Policy {
	policy := Policy{Interval: 6 * time.Hour, TempMaxAge: time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepCount = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// Index forgets pruned sessions; *db.Index in production. Optional.
type Index interface {
	DeleteSession(ctx context.Context, streamID string) error
}

// Archiver copies a stream directory elsewhere before it is deleted; *archive.S3 in production. Optional.
type Archiver interface {
	ArchiveDir(ctx context.Context, dir string) (int, error)
}

// Pruner applies a Policy to OutDir.
type Pruner struct {
	OutDir string
	Policy Policy
	// Active returns the directories of sessions still being recorded; they are never touched.
	Active func() []string
	Index  Index
	// Archiver, when set, must succeed before a directory is deleted.
	Archiver Archiver
	Now      func() time.Time
	Logger   *slog.Logger
}

// Summary counts the outcome of one cleanup cycle.
type Summary struct {
	Pruned     int
	Kept       int
	Skipped    int // not yet analysed or still active
	Errors     int
	Archived   int
	BytesFreed int64
	TempFiles  int
}

type candidate struct {
	sess collector.Session
	dir  string
}

// Run executes a cleanup immediately and then every Policy.Interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) {
	logger := p.logger()
	if !p.Policy.Enabled() {
		logger.Info("retention job disabled (no policy configured)")
		return
	}
	interval := p.Policy.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	logger.Info("retention job starting",
		slog.Int("keep_days", p.Policy.KeepDays),
		slog.Int("keep_count", p.Policy.KeepCount),
		slog.Bool("dry_run", p.Policy.DryRun),
		slog.Duration("interval", interval))

	if _, err := p.Prune(ctx); err != nil {
		logger.Warn("retention cleanup failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention job stopped")
			return
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil {
				logger.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// Prune performs a single cleanup cycle. Only sessions with report.json are eligible; a
// session is kept when any configured rule retains it.
func (p *Pruner) Prune(ctx context.Context) (Summary, error) {
	var sum Summary
	logger := p.logger().With(slog.Bool("dry_run", p.Policy.DryRun))
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	matches, err := filepath.Glob(filepath.Join(p.OutDir, "*", "*", collector.SessionFile))
	if err != nil {
		return sum, fmt.Errorf("scan %s: %w", p.OutDir, err)
	}
	active := map[string]bool{}
	if p.Active != nil {
		for _, d := range p.Active() {
			active[filepath.Clean(d)] = true
		}
	}

	byChannel := map[string][]candidate{}
	for _, m := range matches {
		dir := filepath.Dir(m)
		sum.TempFiles += p.sweepTemp(dir, now())
		if active[filepath.Clean(dir)] {
			sum.Skipped++
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, collector.AnalysisFile)); err != nil {
			sum.Skipped++
			continue
		}
		sess, err := collector.LoadSession(dir)
		if err != nil {
			logger.Warn("skipping unreadable session", slog.String("dir", dir), slog.Any("err", err))
			sum.Errors++
			continue
		}
		byChannel[sess.ChannelID] = append(byChannel[sess.ChannelID], candidate{sess: sess, dir: dir})
	}

	var doomed []candidate
	cutoff := now().Add(-time.Duration(p.Policy.KeepDays) * 24 * time.Hour)
	for _, cands := range byChannel {
		sort.Slice(cands, func(i, j int) bool { return cands[i].sess.StartedAt.After(cands[j].sess.StartedAt) })
		for i, c := range cands {
			keep := (p.Policy.KeepCount > 0 && i < p.Policy.KeepCount) ||
				(p.Policy.KeepDays > 0 && !c.sess.StartedAt.Before(cutoff))
			if keep {
				sum.Kept++
				continue
			}
			doomed = append(doomed, c)
		}
	}
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].sess.StartedAt.Before(doomed[j].sess.StartedAt) })

	for _, c := range doomed {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		size := dirSize(c.dir)
		l := logger.With(slog.String("stream_id", c.sess.StreamID), slog.String("dir", c.dir))
		if p.Policy.DryRun {
			l.Info("dry-run: would delete session", slog.Time("started_at", c.sess.StartedAt), slog.Int64("size_bytes", size))
			sum.Pruned++
			continue
		}
		if p.Archiver != nil {
			n, err := p.Archiver.ArchiveDir(ctx, c.dir)
			if err != nil {
				l.Warn("archive failed; keeping session", slog.Any("err", err))
				sum.Errors++
				continue
			}
			l.Debug("session archived", slog.Int("files", n))
			sum.Archived++
		}
		if err := os.RemoveAll(c.dir); err != nil {
			l.Warn("failed to delete session", slog.Any("err", err))
			sum.Errors++
			continue
		}
		if p.Index != nil {
			if err := p.Index.DeleteSession(ctx, c.sess.StreamID); err != nil {
				l.Warn("failed to remove session from index", slog.Any("err", err))
				sum.Errors++
			}
		}
		removeIfEmpty(filepath.Dir(c.dir))
		l.Info("deleted old session", slog.Time("started_at", c.sess.StartedAt), slog.Int64("size_bytes", size))
		telemetry.CountPruned()
		sum.Pruned++
		sum.BytesFreed += size
	}

	mode := "cleanup"
	if p.Policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Int("pruned", sum.Pruned),
		slog.Int("kept", sum.Kept),
		slog.Int("skipped", sum.Skipped),
		slog.Int("errors", sum.Errors),
		slog.Int("archived", sum.Archived),
		slog.Int64("bytes_freed", sum.BytesFreed))
	return sum, nil
}

// sweepTemp removes ".<name>.json.*" files older than TempMaxAge; they are left behind
// when the process dies between writing and renaming a JSON artifact.
func (p *Pruner) sweepTemp(dir string, now time.Time) int {
	maxAge := p.Policy.TempMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.Contains(name, ".json.") {
			continue
		}
		fi, err := e.Info()
		if err != nil || now.Sub(fi.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(dir, name)
		if p.Policy.DryRun {
			p.logger().Debug("dry-run: would remove stale temp file", slog.String("path", path))
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger().Warn("failed to remove stale temp file", slog.String("path", path), slog.Any("err", err))
			continue
		}
		removed++
	}
	return removed
}

func (p *Pruner) logger() *slog.Logger {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "retention_cleanup"))
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}

// removeIfEmpty drops an emptied date directory; os.Remove refuses non-empty ones.
func removeIfEmpty(dir string) {
	_ = os.Remove(dir)
}
