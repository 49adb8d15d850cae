package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/onnwee/chatpeak/collector"
)

func TestLoadPolicy(t *testing.T) {
	tests := []struct {
		name         string
		keepDays     string
		keepCount    string
		dryRun       string
		interval     string
		wantDays     int
		wantCount    int
		wantDryRun   bool
		wantInterval time.Duration
	}{
		{name: "defaults", wantInterval: 6 * time.Hour},
		{name: "keep_days_only", keepDays: "30", wantDays: 30, wantInterval: 6 * time.Hour},
		{name: "keep_count_only", keepCount: "100", wantCount: 100, wantInterval: 6 * time.Hour},
		{name: "dry_run_enabled", keepDays: "14", dryRun: "1", wantDays: 14, wantDryRun: true, wantInterval: 6 * time.Hour},
		{name: "custom_interval", keepDays: "7", interval: "12h", wantDays: 7, wantInterval: 12 * time.Hour},
		{name: "invalid_values_ignored", keepDays: "invalid", keepCount: "-5", interval: "not-a-duration", wantInterval: 6 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RETENTION_KEEP_DAYS", tt.keepDays)
			t.Setenv("RETENTION_KEEP_COUNT", tt.keepCount)
			t.Setenv("RETENTION_DRY_RUN", tt.dryRun)
			t.Setenv("RETENTION_INTERVAL", tt.interval)

			policy := LoadPolicy()
			if policy.KeepDays != tt.wantDays {
				t.Errorf("KeepDays = %d, want %d", policy.KeepDays, tt.wantDays)
			}
			if policy.KeepCount != tt.wantCount {
				t.Errorf("KeepCount = %d, want %d", policy.KeepCount, tt.wantCount)
			}
			if policy.DryRun != tt.wantDryRun {
				t.Errorf("DryRun = %v, want %v", policy.DryRun, tt.wantDryRun)
			}
			if policy.Interval != tt.wantInterval {
				t.Errorf("Interval = %v, want %v", policy.Interval, tt.wantInterval)
			}
		})
	}
}

type fakeIndex struct{ deleted []string }

func (f *fakeIndex) DeleteSession(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// makeSession writes session.json, and report.json when analysed, for a stream started daysAgo.
func makeSession(t *testing.T, out, channel, token string, daysAgo int, analysed bool) collector.Session {
	t.Helper()
	sess, err := collector.NewSession(out, channel, token, "", now.Add(-time.Duration(daysAgo)*24*time.Hour), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sess.EventsPath(), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if analysed {
		if err := collector.WriteJSONFile(filepath.Join(sess.Dir, collector.AnalysisFile), map[string]string{"stream_id": sess.StreamID}); err != nil {
			t.Fatal(err)
		}
	}
	return sess
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPruneByDays(t *testing.T) {
	out := t.TempDir()
	recent := makeSession(t, out, "alpha", "v1", 2, true)
	old := makeSession(t, out, "alpha", "v2", 40, true)
	unanalysed := makeSession(t, out, "alpha", "v3", 50, false)
	ix := &fakeIndex{}

	p := &Pruner{OutDir: out, Policy: Policy{KeepDays: 30}, Index: ix, Now: func() time.Time { return now }}
	sum, err := p.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Pruned != 1 || sum.Kept != 1 || sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.BytesFreed <= 0 {
		t.Errorf("bytes freed = %d", sum.BytesFreed)
	}
	if exists(old.Dir) {
		t.Error("old session not deleted")
	}
	if !exists(recent.Dir) || !exists(unanalysed.Dir) {
		t.Error("retained session deleted")
	}
	if exists(filepath.Dir(old.Dir)) {
		t.Error("empty date directory left behind")
	}
	if len(ix.deleted) != 1 || ix.deleted[0] != old.StreamID {
		t.Errorf("index deletes = %v", ix.deleted)
	}
}

func TestPruneByCountPerChannel(t *testing.T) {
	out := t.TempDir()
	var alpha []collector.Session
	for i, tok := range []string{"a1", "a2", "a3"} {
		alpha = append(alpha, makeSession(t, out, "alpha", tok, 10-i, true))
	}
	beta := makeSession(t, out, "beta", "b1", 90, true)

	p := &Pruner{OutDir: out, Policy: Policy{KeepCount: 2}, Now: func() time.Time { return now }}
	sum, err := p.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Pruned != 1 || sum.Kept != 3 {
		t.Errorf("summary = %+v", sum)
	}
	// the oldest alpha stream goes; beta's only stream stays regardless of age
	if exists(alpha[0].Dir) || !exists(alpha[1].Dir) || !exists(alpha[2].Dir) || !exists(beta.Dir) {
		t.Error("wrong sessions pruned")
	}
}

func TestPruneEitherRuleRetains(t *testing.T) {
	out := t.TempDir()
	newest := makeSession(t, out, "alpha", "v1", 60, true)
	older := makeSession(t, out, "alpha", "v2", 70, true)
	fresh := makeSession(t, out, "beta", "v3", 1, true)
	freshToo := makeSession(t, out, "beta", "v4", 2, true)

	p := &Pruner{OutDir: out, Policy: Policy{KeepDays: 7, KeepCount: 1}, Now: func() time.Time { return now }}
	if _, err := p.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	var gone []string
	for _, s := range []collector.Session{newest, older, fresh, freshToo} {
		if !exists(s.Dir) {
			gone = append(gone, s.StreamID)
		}
	}
	sort.Strings(gone)
	if len(gone) != 1 || gone[0] != older.StreamID {
		t.Errorf("pruned = %v, want [%s]", gone, older.StreamID)
	}
}

func TestPruneDryRunAndActive(t *testing.T) {
	out := t.TempDir()
	old := makeSession(t, out, "alpha", "v1", 40, true)
	live := makeSession(t, out, "alpha", "v2", 45, true)

	p := &Pruner{
		OutDir: out,
		Policy: Policy{KeepDays: 1, DryRun: true},
		Active: func() []string { return []string{live.Dir} },
		Index:  &fakeIndex{},
		Now:    func() time.Time { return now },
	}
	sum, err := p.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Pruned != 1 || sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if !exists(old.Dir) || !exists(live.Dir) {
		t.Error("dry run deleted files")
	}
	if got := p.Index.(*fakeIndex).deleted; len(got) != 0 {
		t.Errorf("dry run touched index: %v", got)
	}
}

type fakeArchiver struct {
	dirs []string
	err  error
}

func (f *fakeArchiver) ArchiveDir(_ context.Context, dir string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.dirs = append(f.dirs, dir)
	return 3, nil
}

func TestPruneArchivesBeforeDelete(t *testing.T) {
	out := t.TempDir()
	old := makeSession(t, out, "alpha", "v1", 40, true)

	failing := &Pruner{OutDir: out, Policy: Policy{KeepDays: 7}, Archiver: &fakeArchiver{err: errors.New("denied")}, Now: func() time.Time { return now }}
	sum, err := failing.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Pruned != 0 || sum.Errors != 1 || !exists(old.Dir) {
		t.Fatalf("failed archive must keep the session: %+v", sum)
	}

	arch := &fakeArchiver{}
	p := &Pruner{OutDir: out, Policy: Policy{KeepDays: 7}, Archiver: arch, Now: func() time.Time { return now }}
	sum, err = p.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Pruned != 1 || sum.Archived != 1 || exists(old.Dir) {
		t.Errorf("summary = %+v", sum)
	}
	if len(arch.dirs) != 1 || arch.dirs[0] != old.Dir {
		t.Errorf("archived = %v", arch.dirs)
	}
}

func TestSweepTempFiles(t *testing.T) {
	out := t.TempDir()
	sess := makeSession(t, out, "alpha", "v1", 0, false)
	stale := filepath.Join(sess.Dir, ".report.json.123456")
	fresh := filepath.Join(sess.Dir, ".peaks.json.654321")
	for _, f := range []string{stale, fresh} {
		if err := os.WriteFile(f, []byte("{"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	realNow := time.Now()
	if err := os.Chtimes(stale, realNow.Add(-2*time.Hour), realNow.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	p := &Pruner{OutDir: out, Policy: Policy{KeepDays: 30}}
	sum, err := p.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.TempFiles != 1 {
		t.Errorf("temp files removed = %d, want 1", sum.TempFiles)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale temp file kept")
	}
	if !exists(fresh) || !exists(sess.EventsPath()) {
		t.Error("fresh files removed")
	}
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	done := make(chan struct{})
	go func() {
		(&Pruner{OutDir: t.TempDir()}).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run without policy did not return")
	}
}
