package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the per-stream event log name.
const FileName = "events.jsonl"

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("event store closed")

// StoreOptions tune how often buffered lines reach the disk.
type StoreOptions struct {
	// FlushEvery flushes after this many buffered events (default 50).
	FlushEvery int
	// FlushInterval flushes when the oldest buffered event is older than this (default 2s),
	// whether or not more events arrive.
	FlushInterval time.Duration
}

// Store appends events to a JSON Lines file in receipt order. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	w         *bufio.Writer
	opts      StoreOptions
	pending   int
	lastFlush time.Time
	timer     *time.Timer
	appended  int64
	closed    bool
}

// Open opens (or creates) path for appending. Existing lines are kept, so a resumed
// session continues the same log. A trailing line cut short by a crash is terminated
// first so the next event starts on a line of its own.
func Open(path string, opts StoreOptions) (*Store, error) {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := terminateTail(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Store{path: path, f: f, w: bufio.NewWriterSize(f, 64*1024), opts: opts, lastFlush: time.Now()}, nil
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// Appended returns the number of events accepted since Open.
func (s *Store) Appended() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// Append validates and writes one event. On error the event is not counted and the
// caller decides whether to keep going.
func (s *Store) Append(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.appended++
	s.pending++
	if s.pending >= s.opts.FlushEvery || time.Since(s.lastFlush) >= s.opts.FlushInterval {
		return s.flushLocked(false)
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.opts.FlushInterval, s.timedFlush)
	}
	return nil
}

// timedFlush writes lines still buffered one FlushInterval after they were appended.
func (s *Store) timedFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.closed || s.pending == 0 {
		return
	}
	if err := s.flushLocked(true); err != nil {
		slog.Warn("timed flush of event log failed", slog.String("path", s.path), slog.Any("err", err))
	}
}

// Flush writes buffered lines and syncs the file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.flushLocked(true)
}

func (s *Store) flushLocked(fsync bool) error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	s.pending = 0
	s.lastFlush = time.Now()
	if fsync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}
	}
	return nil
}

// Close flushes, syncs and closes the file. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	ferr := s.flushLocked(true)
	if err := s.f.Close(); err != nil && ferr == nil {
		ferr = fmt.Errorf("close event log: %w", err)
	}
	return ferr
}

// terminateTail appends a newline when f is non-empty and does not end in one.
func terminateTail(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if fi.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read event log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate torn event line: %w", err)
	}
	return nil
}
