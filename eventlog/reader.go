package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// MaxLineBytes bounds one event line; longer lines are skipped like malformed ones.
const MaxLineBytes = 4 * 1024 * 1024

// ReadStats summarises a pass over an event log.
type ReadStats struct {
	Lines     int            `json:"lines"`
	Skipped   int            `json:"skipped"`
	ByKind    map[Kind]int64 `json:"by_kind"`
	LastTMs   int64          `json:"last_t_ms"`
	HasEvents bool           `json:"-"`
}

// Total returns the number of valid events read.
func (r ReadStats) Total() int64 {
	var n int64
	for _, c := range r.ByKind {
		n += c
	}
	return n
}

// Scan decodes r line by line, calling fn for every valid event. Malformed, invalid and
// oversize lines are skipped with a warning; a half-written trailing line after a crash
// is expected.
func Scan(r io.Reader, fn func(Event)) (ReadStats, error) {
	stats := ReadStats{ByKind: map[Kind]int64{}}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, tooLong, err := readLine(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("scan event log: %w", err)
		}
		if len(raw) > 0 || tooLong {
			stats.Lines++
			stats.decode(raw, tooLong, fn)
		} else if err == nil {
			stats.Lines++ // blank line
		}
		if err != nil {
			return stats, nil
		}
	}
}

func (s *ReadStats) decode(raw []byte, tooLong bool, fn func(Event)) {
	if tooLong {
		s.Skipped++
		slog.Warn("skipping oversize event line", slog.Int("line", s.Lines), slog.Int("limit", MaxLineBytes))
		return
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.Skipped++
		slog.Warn("skipping malformed event line", slog.Int("line", s.Lines), slog.Any("err", err))
		return
	}
	if err := ev.Validate(); err != nil {
		s.Skipped++
		slog.Warn("skipping invalid event line", slog.Int("line", s.Lines), slog.Any("err", err))
		return
	}
	s.ByKind[ev.Type]++
	if !s.HasEvents || ev.TMs > s.LastTMs {
		s.LastTMs = ev.TMs
	}
	s.HasEvents = true
	if fn != nil {
		fn(ev)
	}
}

// readLine returns the next line without its terminator. Lines longer than MaxLineBytes
// are drained and reported as tooLong with no content. err is io.EOF after the last line.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > MaxLineBytes+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		line = bytes.TrimRight(line, "\r\n")
		return line, tooLong, rerr
	}
}

// ReadFile loads every valid event from path in file order.
func ReadFile(path string) ([]Event, ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	var events []Event
	stats, err := Scan(f, func(ev Event) { events = append(events, ev) })
	return events, stats, err
}
