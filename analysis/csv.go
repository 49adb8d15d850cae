package analysis

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// SeriesFileName is the CSV name for a resolution.
func SeriesFileName(resolution int) string {
	return fmt.Sprintf("chat_ts_%ds.csv", resolution)
}

// EncodeCSV renders s as sec,chat_count[,timestamp],chat_count_rolling_<W>s. The timestamp
// column is present when start is known and is rendered in loc.
func EncodeCSV(s Series, start time.Time, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	withTS := !start.IsZero()
	header := []string{"sec", "chat_count"}
	if withTS {
		header = append(header, "timestamp")
	}
	if s.RollingSec > 0 {
		header = append(header, fmt.Sprintf("chat_count_rolling_%ds", s.RollingSec))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	row := make([]string, 0, len(header))
	for _, b := range s.Buckets {
		row = row[:0]
		row = append(row, strconv.FormatInt(b.Sec, 10), strconv.FormatInt(b.Count, 10))
		if withTS {
			row = append(row, start.Add(time.Duration(b.Sec)*time.Second).In(loc).Format(time.RFC3339))
		}
		if s.RollingSec > 0 {
			row = append(row, strconv.FormatFloat(b.Rolling, 'f', 4, 64))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV writes the encoded series to path.
func WriteCSV(path string, s Series, start time.Time, loc *time.Location) error {
	b, err := EncodeCSV(s, start, loc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
