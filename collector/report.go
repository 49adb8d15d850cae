package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Report is collection_report.json.
type Report struct {
	StreamID          string           `json:"stream_id"`
	ChannelID         string           `json:"channel_id"`
	Token             string           `json:"token"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	DurationSec       float64          `json:"duration_sec"`
	EventCount        int64            `json:"event_count"`
	CountsByKind      map[string]int64 `json:"counts_by_kind"`
	ReconnectCount    int64            `json:"reconnect_count"`
	HeartbeatTimeouts int64            `json:"heartbeat_timeouts"`
	AppendFailures    int64            `json:"append_failures"`
	FinalizeReason    Reason           `json:"finalize_reason"`
	Status            Status           `json:"status"`
	// Final is false when the process stopped mid-broadcast; such sessions may be resumed.
	Final bool `json:"final"`
}

// WriteReport writes collection_report.json into dir.
func WriteReport(dir string, r Report) error {
	return WriteJSONFile(filepath.Join(dir, ReportFile), r)
}

// ReadReport loads collection_report.json from dir. A missing file returns os.ErrNotExist.
func ReadReport(dir string) (Report, error) {
	var r Report
	err := readJSONFile(filepath.Join(dir, ReportFile), &r)
	return r, err
}

// AnalysisCurrent reports whether dir holds a report.json produced from collection report
// r. It is false when nothing was analysed yet or the stream recorded more since.
func AnalysisCurrent(dir string, r Report) bool {
	var stamp struct {
		CollectionEnd time.Time `json:"collection_end_time"`
	}
	if err := readJSONFile(filepath.Join(dir, AnalysisFile), &stamp); err != nil {
		return false
	}
	return stamp.CollectionEnd.Equal(r.EndTime)
}

// Pending is a stream directory found on disk at startup.
type Pending struct {
	Session Session
	// Report is nil when the process died before writing one.
	Report *Report
	// Analysed is set when report.json matches Report.
	Analysed bool
}

// Resumable reports whether the broadcast may still be in progress.
func (p Pending) Resumable() bool { return p.Report == nil || !p.Report.Final }

// NeedsAnalysis reports whether a finished session never got its artifacts.
func (p Pending) NeedsAnalysis() bool { return p.Report != nil && p.Report.Final && !p.Analysed }

// ScanDir finds stream directories under outDir that are unfinished or never analysed,
// oldest first. Directories without a readable session.json are skipped with a warning.
func ScanDir(outDir string) ([]Pending, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "*", "*", SessionFile))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", outDir, err)
	}
	var out []Pending
	for _, m := range matches {
		dir := filepath.Dir(m)
		sess, err := LoadSession(dir)
		if err != nil {
			slog.Warn("resume scan: unreadable session", slog.String("dir", dir), slog.Any("err", err))
			continue
		}
		p := Pending{Session: sess}
		if r, err := ReadReport(dir); err == nil {
			p.Report = &r
		} else if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("resume scan: unreadable report, treating as unfinished", slog.String("dir", dir), slog.Any("err", err))
		}
		if p.Report != nil {
			p.Analysed = AnalysisCurrent(dir, *p.Report)
		}
		if p.Resumable() || p.NeedsAnalysis() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.StartedAt.Before(out[j].Session.StartedAt) })
	return out, nil
}
