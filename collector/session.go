// Package collector records one broadcast: it owns the stream directory, drives the chat
// client, appends events to the log and writes the collection report on finalize.
package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/chatpeak/eventlog"
)

// Files in a stream directory.
const (
	SessionFile  = "session.json"
	ReportFile   = "collection_report.json"
	AnalysisFile = "report.json"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusFinalizing Status = "FINALIZING"
	StatusFinalized  Status = "FINALIZED"
	StatusErrored    Status = "ERRORED"
)

// Reason records why a session was finalized.
type Reason string

const (
	ReasonStreamEnded    Reason = "stream_ended"
	ReasonIdleTimeout    Reason = "idle_timeout"
	ReasonNewBroadcast   Reason = "new_broadcast"
	ReasonClientFailed   Reason = "client_failed"
	ReasonShutdown       Reason = "shutdown"
	ReasonStorageError   Reason = "storage_error"
	ReasonStaleOnRestart Reason = "stale_on_restart"
)

// Errored reports whether sessions finalized for r end in ERRORED.
func (r Reason) Errored() bool { return r == ReasonStorageError || r == ReasonClientFailed }

// Session identifies one recorded broadcast. It is written to session.json when the
// stream directory is created.
type Session struct {
	StreamID  string    `json:"stream_id"`
	ChannelID string    `json:"channel_id"`
	Token     string    `json:"token"`
	Title     string    `json:"title,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Dir       string    `json:"-"`
}

// StreamID derives the stream identifier from the broadcast token and channel.
func StreamID(token, channel string) string { return token + "_" + channel }

// EventsPath returns the event log path.
func (s Session) EventsPath() string { return filepath.Join(s.Dir, eventlog.FileName) }

// NewSession creates outDir/<YYYY-MM-DD>/<HHMMSS>_<stream_id> (dates in loc) and writes session.json.
func NewSession(outDir, channel, token, title string, startedAt time.Time, loc *time.Location) (Session, error) {
	if channel == "" || token == "" {
		return Session{}, errors.New("session needs channel and token")
	}
	if loc == nil {
		loc = time.UTC
	}
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	s := Session{
		StreamID:  StreamID(token, channel),
		ChannelID: channel,
		Token:     token,
		Title:     title,
		StartedAt: startedAt.UTC(),
	}
	local := startedAt.In(loc)
	s.Dir = filepath.Join(outDir, local.Format("2006-01-02"), local.Format("150405")+"_"+sanitize(s.StreamID))
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Session{}, fmt.Errorf("create stream dir: %w", err)
	}
	if err := WriteJSONFile(filepath.Join(s.Dir, SessionFile), s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// LoadSession reads session.json from dir.
func LoadSession(dir string) (Session, error) {
	var s Session
	if err := readJSONFile(filepath.Join(dir, SessionFile), &s); err != nil {
		return Session{}, err
	}
	if s.StreamID == "" {
		return Session{}, fmt.Errorf("%s: empty stream_id", filepath.Join(dir, SessionFile))
	}
	s.Dir = dir
	return s, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, id)
}

// WriteJSONFile writes v as indented JSON via a temp file and rename, so readers never
// see a half-written file.
func WriteJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("remove temp file", slog.Any("err", err))
		}
	}()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
