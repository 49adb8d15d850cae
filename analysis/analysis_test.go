package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/eventlog"
	"github.com/onnwee/chatpeak/notify"
)

// minuteEvents spreads counts[m] chat events evenly over minute m.
func minuteEvents(counts []int) []eventlog.Event {
	var out []eventlog.Event
	for m, c := range counts {
		for i := 0; i < c; i++ {
			sec := int64(m*60 + i*60/c)
			out = append(out, eventlog.NewChat("s", sec*1000, "u", "", "x", time.Time{}))
		}
	}
	return out
}

func chatAt(secs ...int64) []eventlog.Event {
	out := make([]eventlog.Event, len(secs))
	for i, s := range secs {
		out[i] = eventlog.NewChat("s", s*1000, "u", "", "x", time.Time{})
	}
	return out
}

func TestBuildGapFillsAndCountsChatOnly(t *testing.T) {
	events := chatAt(0, 0, 3, 12)
	events = append(events, eventlog.NewDonation("s", 5000, "u", "", "", 100, time.Time{}))
	series := Build(events, []int{10, 1, 10, -5}, 0)
	if len(series) != 2 || series[0].Resolution != 1 || series[1].Resolution != 10 {
		t.Fatalf("resolutions = %+v", series)
	}
	fine := series[0].Counts()
	if len(fine) != 13 {
		t.Fatalf("fine buckets = %d, want 13", len(fine))
	}
	if fine[0] != 2 || fine[3] != 1 || fine[5] != 0 || fine[12] != 1 {
		t.Errorf("fine counts = %v", fine)
	}
	coarse := series[1].Counts()
	if len(coarse) != 2 || coarse[0] != 3 || coarse[1] != 1 {
		t.Errorf("coarse counts = %v", coarse)
	}
	if series[1].Buckets[1].Sec != 10 {
		t.Errorf("second bucket starts at %d", series[1].Buckets[1].Sec)
	}
}

func TestBuildRangeIncludesTrailingDonation(t *testing.T) {
	events := chatAt(0, 2)
	events = append(events, eventlog.NewDonation("s", 7500, "u", "", "", 100, time.Time{}))
	fine := Build(events, []int{1}, 0)[0].Counts()
	if len(fine) != 8 {
		t.Fatalf("buckets = %d, want 8 (through the donation at 7.5s)", len(fine))
	}
	if fine[0] != 1 || fine[2] != 1 || fine[7] != 0 {
		t.Errorf("counts = %v", fine)
	}
	if got := PerSecond([]eventlog.Event{eventlog.NewDonation("s", 3000, "u", "", "", 1, time.Time{})}); len(got) != 4 {
		t.Errorf("donation-only log spans %d seconds, want 4", len(got))
	}
}

func TestBuildEmptyLog(t *testing.T) {
	series := Build(nil, []int{1, 60}, 10)
	if len(series) != 2 {
		t.Fatalf("series = %d", len(series))
	}
	for _, s := range series {
		if len(s.Buckets) != 0 {
			t.Errorf("resolution %d has %d buckets, want 0", s.Resolution, len(s.Buckets))
		}
	}
	if peaks := DefaultDetector().Detect(series[0]); len(peaks) != 0 {
		t.Errorf("peaks on empty log = %v", peaks)
	}
}

func TestRollingRate(t *testing.T) {
	// one event per second for 20 seconds
	var secs []int64
	for i := int64(0); i < 20; i++ {
		secs = append(secs, i)
	}
	series := Build(chatAt(secs...), []int{1, 5}, 10)
	for _, s := range series {
		for _, b := range s.Buckets {
			if math.Abs(b.Rolling-1) > 1e-9 {
				t.Fatalf("res %d sec %d rolling = %v, want 1", s.Resolution, b.Sec, b.Rolling)
			}
		}
	}

	// partial window at stream start divides by the available length
	series = Build(chatAt(0, 0, 0, 0, 15), []int{1}, 10)
	b := series[0].Buckets
	if b[0].Rolling != 4 {
		t.Errorf("rolling[0] = %v, want 4", b[0].Rolling)
	}
	if b[1].Rolling != 2 {
		t.Errorf("rolling[1] = %v, want 2", b[1].Rolling)
	}
	if b[10].Rolling != 0 {
		t.Errorf("rolling[10] = %v, want 0", b[10].Rolling)
	}
}

func TestEncodeCSV(t *testing.T) {
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	loc := time.FixedZone("EST", -5*3600)
	series := Build(chatAt(0, 1, 1), []int{1}, 2)
	b, err := EncodeCSV(series[0], start, loc)
	if err != nil {
		t.Fatal(err)
	}
	want := "sec,chat_count,timestamp,chat_count_rolling_2s\n" +
		"0,1,2024-03-01T15:00:00-05:00,1.0000\n" +
		"1,2,2024-03-01T15:00:01-05:00,1.5000\n"
	if string(b) != want {
		t.Errorf("csv =\n%s\nwant\n%s", b, want)
	}

	b, err = EncodeCSV(Build(chatAt(0), []int{1}, 0)[0], time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "sec,chat_count\n0,1\n" {
		t.Errorf("csv without timestamp = %q", b)
	}
}

func TestAggregationIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var secs []int64
	for i := 0; i < 2000; i++ {
		secs = append(secs, rng.Int63n(3600))
	}
	events := chatAt(secs...)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, res := range []int{1, 10, 60} {
		a, _ := EncodeCSV(Build(events, []int{res}, 10)[0], start, time.UTC)
		b, _ := EncodeCSV(Build(events, []int{res}, 10)[0], start, time.UTC)
		if !bytes.Equal(a, b) {
			t.Fatalf("resolution %d output differs between runs", res)
		}
	}
}

func TestDetectFindsSustainedBurst(t *testing.T) {
	events := minuteEvents([]int{10, 10, 10, 80, 80, 80, 10, 10, 10})
	series := Build(events, []int{1}, 10)
	d := Detector{WindowSec: 180, TopK: 1, MinGapSec: 120, CoarseSec: 10}
	peaks := d.Detect(series[0])
	if len(peaks) != 1 {
		t.Fatalf("peaks = %+v, want 1", peaks)
	}
	p := peaks[0]
	if p.StartSec != 180 || p.EndSec != 360 || p.Value != 240 || p.Rank != 1 {
		t.Errorf("peak = %+v, want [180,360) value 240 rank 1", p)
	}
	if p.ClipStartSec != 170 || p.StartTime != "00:03:00" || p.EndTime != "00:06:00" || p.ClipStartTime != "00:02:50" {
		t.Errorf("derived fields = %+v", p)
	}
}

func countSeries(counts ...int64) Series {
	s := Series{Resolution: 1}
	for i, c := range counts {
		s.Buckets = append(s.Buckets, Bucket{Sec: int64(i), Count: c})
	}
	return s
}

func TestDetectSurgesPrefersRisingWindows(t *testing.T) {
	s := countSeries(1, 1, 1, 1, 7, 7, 1, 1, 2, 3, 4, 5, 6, 7, 8, 8, 8)
	d := Detector{WindowSec: 2, TopK: 2, MinGapSec: 0, CoarseSec: 1}

	byVolume := d.Detect(s)
	if len(byVolume) != 2 || byVolume[0].StartSec != 14 || byVolume[0].Value != 16 || byVolume[1].StartSec != 4 || byVolume[1].Value != 14 {
		t.Errorf("volume peaks = %+v", byVolume)
	}

	surges := d.DetectSurges(s)
	if len(surges) != 2 {
		t.Fatalf("surges = %+v", surges)
	}
	tests := []struct {
		start int64
		value int64
		ratio float64
	}{
		{4, 14, 7},
		{13, 15, 15.0 / 11},
	}
	for i, tt := range tests {
		got := surges[i]
		if got.Rank != i+1 || got.StartSec != tt.start || got.Value != tt.value {
			t.Errorf("surge %d = %+v, want start %d value %d", i, got, tt.start, tt.value)
			continue
		}
		if got.SurgeRatio == nil || math.Abs(*got.SurgeRatio-tt.ratio) > 1e-9 {
			t.Errorf("surge %d ratio = %v, want %v", i, got.SurgeRatio, tt.ratio)
		}
		if got.SurgeScore <= 0 || got.SurgeScore > 1 {
			t.Errorf("surge %d score = %v", i, got.SurgeScore)
		}
	}
	if surges[0].SurgeScore < surges[1].SurgeScore {
		t.Errorf("surges not ordered by score: %+v", surges)
	}
}

func TestDetectSurgesSkipsFlatAndFalling(t *testing.T) {
	d := Detector{WindowSec: 2, TopK: 5, CoarseSec: 1}
	if got := d.DetectSurges(countSeries(3, 3, 3, 3, 3, 3)); len(got) != 0 {
		t.Errorf("flat series surges = %+v", got)
	}
	if got := d.DetectSurges(countSeries(9, 7, 5, 3, 1, 0)); len(got) != 0 {
		t.Errorf("falling series surges = %+v", got)
	}
	if got := d.DetectSurges(countSeries(5, 5)); got != nil {
		t.Errorf("series without a preceding window = %+v", got)
	}
	// from silence there is no ratio
	got := d.DetectSurges(countSeries(0, 0, 4, 4))
	if len(got) != 1 || got[0].StartSec != 2 || got[0].SurgeRatio != nil {
		t.Errorf("surge from silence = %+v", got)
	}
}

func TestDetectRespectsGapAndOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var secs []int64
	for i := 0; i < 5000; i++ {
		secs = append(secs, rng.Int63n(7200))
	}
	// a few bursts
	for _, at := range []int64{600, 2400, 2460, 5000} {
		for i := int64(0); i < 300; i++ {
			secs = append(secs, at+rng.Int63n(30))
		}
	}
	series := Build(chatAt(secs...), []int{1}, 10)
	d := Detector{WindowSec: 60, TopK: 20, MinGapSec: 120, CoarseSec: 10}
	peaks := d.Detect(series[0])
	if len(peaks) == 0 || len(peaks) > 20 {
		t.Fatalf("peaks = %d", len(peaks))
	}
	for i, p := range peaks {
		if p.Rank != i+1 {
			t.Errorf("peak %d rank = %d", i, p.Rank)
		}
		if p.Value <= 0 {
			t.Errorf("zero-valued peak %+v", p)
		}
		if p.EndSec-p.StartSec != 60 {
			t.Errorf("window width = %d", p.EndSec-p.StartSec)
		}
		if i > 0 {
			prev := peaks[i-1]
			if prev.Value < p.Value || (prev.Value == p.Value && prev.StartSec > p.StartSec) {
				t.Errorf("ordering broken at %d: %+v then %+v", i, prev, p)
			}
		}
		for j := 0; j < i; j++ {
			gap := p.StartSec - peaks[j].StartSec
			if gap < 0 {
				gap = -gap
			}
			if gap < 120 {
				t.Errorf("peaks %d and %d start %ds apart", j, i, gap)
			}
		}
	}

	again := d.Detect(series[0])
	if len(again) != len(peaks) {
		t.Fatalf("rerun returned %d peaks, want %d", len(again), len(peaks))
	}
	for i := range peaks {
		if again[i] != peaks[i] {
			t.Errorf("rerun peak %d = %+v, want %+v", i, again[i], peaks[i])
		}
	}
}

func TestDetectSkipsQuietStreams(t *testing.T) {
	// activity only in the first minute: later windows are all zero
	series := Build(chatAt(1, 2, 3), []int{1}, 0)
	s := series[0]
	s.Buckets = append(s.Buckets, make([]Bucket, 600)...)
	peaks := Detector{WindowSec: 60, TopK: 10, MinGapSec: 120, CoarseSec: 10}.Detect(s)
	if len(peaks) != 1 || peaks[0].Value != 3 {
		t.Errorf("peaks = %+v", peaks)
	}
}

func TestDetectShortSeries(t *testing.T) {
	series := Build(chatAt(0, 5, 9), []int{1}, 0)
	peaks := Detector{WindowSec: 60, TopK: 5, MinGapSec: 120, CoarseSec: 10}.Detect(series[0])
	if len(peaks) != 1 || peaks[0].StartSec != 0 || peaks[0].Value != 3 {
		t.Errorf("peaks = %+v", peaks)
	}
}

func TestDetectCoarserResolution(t *testing.T) {
	events := minuteEvents([]int{10, 10, 10, 80, 80, 80, 10, 10, 10})
	series := Build(events, []int{60}, 0)
	peaks := Detector{WindowSec: 180, TopK: 3, MinGapSec: 120, CoarseSec: 10}.Detect(series[0])
	if len(peaks) == 0 || peaks[0].StartSec != 180 || peaks[0].Value != 240 {
		t.Errorf("peaks = %+v", peaks)
	}
}

func TestFormatOffset(t *testing.T) {
	tests := map[int64]string{0: "00:00:00", 59: "00:00:59", 3661: "01:01:01", -4: "00:00:00"}
	for in, want := range tests {
		if got := FormatOffset(in); got != want {
			t.Errorf("FormatOffset(%d) = %s, want %s", in, got, want)
		}
	}
}

type recordingIndex struct {
	streamID string
	peaks    int
}

func (r *recordingIndex) MarkAnalysed(_ context.Context, streamID string, peaks int, _ time.Time) error {
	r.streamID, r.peaks = streamID, peaks
	return nil
}

func writeSession(t *testing.T, events []eventlog.Event) collector.Session {
	t.Helper()
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	sess, err := collector.NewSession(t.TempDir(), "alpha", "v1", "", start, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	store, err := eventlog.Open(sess.EventsPath(), eventlog.StoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		ev.StreamID = sess.StreamID
		if err := store.Append(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestProcessorWritesArtifacts(t *testing.T) {
	events := minuteEvents([]int{10, 10, 10, 80, 80, 80, 10, 10, 10})
	events = append(events, eventlog.NewDonation("s", 200000, "u", "", "", 500, time.Time{}))
	sess := writeSession(t, events)
	// a half-written trailing line
	f, _ := os.OpenFile(sess.EventsPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString(`{"stream_id":"v1_alpha","type":"ch`)
	_ = f.Close()

	rec := &notify.Recorder{}
	idx := &recordingIndex{}
	p := NewProcessor(Options{
		Resolutions: []int{1, 60},
		RollingSec:  10,
		Detector:    Detector{WindowSec: 180, TopK: 1, MinGapSec: 120, CoarseSec: 10},
		Publisher:   rec,
		Index:       idx,
	})
	res, err := p.Run(context.Background(), sess, collector.ReasonIdleTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Idle || res.Events.TotalEvents != 301 || res.Events.DonationAmount != 500 || res.Events.SkippedLines != 1 {
		t.Errorf("result = %+v", res)
	}
	for _, name := range []string{"chat_ts_1s.csv", "chat_ts_60s.csv", PeaksFile, collector.AnalysisFile} {
		if _, err := os.Stat(filepath.Join(sess.Dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(sess.Dir, PeaksFile))
	if err != nil {
		t.Fatal(err)
	}
	var doc PeaksDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.StreamID != sess.StreamID || doc.WindowSec != 180 || len(doc.Peaks) != 1 || doc.Peaks[0].StartSec != 180 {
		t.Errorf("peaks.json = %+v", doc)
	}
	csv, _ := os.ReadFile(filepath.Join(sess.Dir, "chat_ts_60s.csv"))
	if !strings.HasPrefix(string(csv), "sec,chat_count,timestamp,chat_count_rolling_10s\n0,10,2024-03-01T20:00:00Z,") {
		t.Errorf("60s csv starts %q", strings.SplitN(string(csv), "\n", 3))
	}

	sent := rec.Sent()
	if len(sent) != 1 || sent[0].PeakCount != 1 || len(sent[0].Top) != 1 || sent[0].Top[0].Value != 240 {
		t.Errorf("notifications = %+v", sent)
	}
	if idx.streamID != sess.StreamID || idx.peaks != 1 {
		t.Errorf("index = %+v", idx)
	}

	// a second run for the same stream is a no-op
	if _, err := p.Run(context.Background(), sess, collector.ReasonStreamEnded); err != ErrAlreadyProcessed {
		t.Errorf("second Run err = %v, want ErrAlreadyProcessed", err)
	}
	if err := p.Process(context.Background(), sess, collector.ReasonStreamEnded); err != nil {
		t.Errorf("Process on analysed stream = %v", err)
	}
	if len(rec.Sent()) != 1 {
		t.Errorf("duplicate notification sent")
	}
}

func TestProcessorReanalysesNewSegment(t *testing.T) {
	sess := writeSession(t, minuteEvents([]int{5, 5}))
	end := sess.StartedAt.Add(2 * time.Minute)
	if err := collector.WriteReport(sess.Dir, collector.Report{StreamID: sess.StreamID, EndTime: end, Final: true}); err != nil {
		t.Fatal(err)
	}
	p := NewProcessor(Options{Resolutions: []int{1}})
	res, err := p.Run(context.Background(), sess, collector.ReasonStreamEnded)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CollectionEnd.Equal(end) || res.Events.ChatEvents != 10 {
		t.Errorf("first result = %+v", res)
	}
	if !collector.AnalysisCurrent(sess.Dir, collector.Report{EndTime: end}) {
		t.Error("report.json not stamped with the collection end time")
	}
	if _, err := p.Run(context.Background(), sess, collector.ReasonStreamEnded); err != ErrAlreadyProcessed {
		t.Errorf("unchanged report: err = %v, want ErrAlreadyProcessed", err)
	}

	// the stream is recorded again into the same directory
	store, err := eventlog.Open(sess.EventsPath(), eventlog.StoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := store.Append(eventlog.NewChat(sess.StreamID, int64(600+i)*1000, "u", "", "y", time.Time{})); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	later := end.Add(10 * time.Minute)
	if err := collector.WriteReport(sess.Dir, collector.Report{StreamID: sess.StreamID, EndTime: later, Final: true}); err != nil {
		t.Fatal(err)
	}
	res, err = p.Run(context.Background(), sess, collector.ReasonStreamEnded)
	if err != nil {
		t.Fatalf("second segment: %v", err)
	}
	if res.Events.ChatEvents != 14 || !res.CollectionEnd.Equal(later) {
		t.Errorf("second result = %+v", res)
	}
}

func TestProcessorMissingLogCanRetry(t *testing.T) {
	sess, err := collector.NewSession(t.TempDir(), "alpha", "v2", "", time.Now(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	p := NewProcessor(Options{})
	if err := p.Process(context.Background(), sess, collector.ReasonStreamEnded); err == nil {
		t.Fatal("expected error without events.jsonl")
	}
	// after the failure the stream is not marked as done
	_ = os.WriteFile(sess.EventsPath(), []byte(`{"stream_id":"v2_alpha","type":"chat","t_ms":1000,"received_at":"2024-01-01T00:00:00Z"}`+"\n"), 0o644)
	res, err := p.Run(context.Background(), sess, collector.ReasonStreamEnded)
	if err != nil {
		t.Fatal(err)
	}
	if res.Events.ChatEvents != 1 || res.Peaks.PeakCount != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessorHonoursCancelledContext(t *testing.T) {
	p := NewProcessor(Options{MaxConcurrent: 1})
	if !p.slots.acquire(context.Background()) {
		t.Fatal("acquire")
	}
	defer p.slots.release()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sess := collector.Session{StreamID: "blocked", Dir: t.TempDir()}
	if _, err := p.Run(ctx, sess, collector.ReasonStreamEnded); err == nil {
		t.Fatal("expected context error while all slots are busy")
	}
	if p.Active() != 1 {
		t.Errorf("active = %d, want 1", p.Active())
	}
}

func TestSummarise(t *testing.T) {
	s := Summarise([]Peak{{Value: 30, Rank: 1}, {Value: 10, Rank: 2}, {Value: 20, Rank: 3}})
	if s.PeakCount != 3 || s.TotalActivity != 60 || s.AvgPeakValue != 20 || s.MaxPeakValue != 30 || s.MinPeakValue != 10 {
		t.Errorf("summary = %+v", s)
	}
	if s.TopPeak == nil || s.TopPeak.Value != 30 {
		t.Errorf("top = %+v", s.TopPeak)
	}
	if empty := Summarise(nil); empty.PeakCount != 0 || empty.TopPeak != nil {
		t.Errorf("empty summary = %+v", empty)
	}
}
