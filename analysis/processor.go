package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/eventlog"
	"github.com/onnwee/chatpeak/notify"
	"github.com/onnwee/chatpeak/telemetry"
)

// PeaksFile is the ranked peak list written next to the event log.
const PeaksFile = "peaks.json"

// ErrAlreadyProcessed is returned by Run when this process already analysed the stream's
// current collection report.
var ErrAlreadyProcessed = errors.New("stream already analysed")

// Index records completed analyses. Optional.
type Index interface {
	MarkAnalysed(ctx context.Context, streamID string, peaks int, at time.Time) error
}

// Options configures a Processor.
type Options struct {
	Resolutions   []int
	RollingSec    int
	Detector      Detector
	Location      *time.Location
	MaxConcurrent int
	Publisher     notify.Publisher
	Index         Index
	Now           func() time.Time
}

// PeaksDoc is peaks.json.
type PeaksDoc struct {
	StreamID  string `json:"stream_id"`
	WindowSec int    `json:"window_sec"`
	Peaks     []Peak `json:"peaks"`
	// PeaksBySurge ranks the same series by rate of increase instead of volume.
	PeaksBySurge []Peak `json:"peaks_by_surge"`
}

// EventStats summarises the event log.
type EventStats struct {
	TotalEvents    int64   `json:"total_events"`
	ChatEvents     int64   `json:"chat_events"`
	DonationEvents int64   `json:"donation_events"`
	DonationAmount int64   `json:"donation_amount"`
	SkippedLines   int     `json:"skipped_lines"`
	DurationSec    float64 `json:"duration_sec"`
}

// PeakSummary condenses the peak list.
type PeakSummary struct {
	PeakCount     int     `json:"peak_count"`
	TotalActivity int64   `json:"total_activity"`
	AvgPeakValue  float64 `json:"avg_peak_value"`
	MaxPeakValue  int64   `json:"max_peak_value"`
	MinPeakValue  int64   `json:"min_peak_value"`
	TopPeak       *Peak   `json:"top_peak,omitempty"`
}

// Result is report.json.
type Result struct {
	StreamID       string            `json:"stream_id"`
	ChannelID      string            `json:"channel_id"`
	CompletedAt    time.Time         `json:"completed_at"`
	Idle           bool              `json:"idle"`
	FinalizeReason collector.Reason  `json:"finalize_reason"`
	Events         EventStats        `json:"events"`
	Peaks          PeakSummary       `json:"peaks"`
	SurgePeakCount int               `json:"surge_peak_count"`
	WindowSec      int               `json:"window_sec"`
	MinPeakGapSec  int               `json:"min_peak_gap_sec"`
	Resolutions    []int             `json:"resolutions"`
	Files          map[string]string `json:"files"`
	// CollectionEnd is the end_time of the collection report that was analysed.
	CollectionEnd time.Time `json:"collection_end_time"`
}

// Processor turns a finalized stream directory into CSV series, peaks.json and report.json.
// It satisfies collector.Pipeline.
type Processor struct {
	opts  Options
	slots slots

	mu    sync.Mutex
	seen  map[string]time.Time // stream id -> analysed collection report end_time
	locks map[string]*streamLock
}

type streamLock struct {
	mu   sync.Mutex
	refs int
}

// NewProcessor fills defaults for unset options.
func NewProcessor(opts Options) *Processor {
	if len(opts.Resolutions) == 0 {
		opts.Resolutions = []int{1, 10, 60, 300}
	}
	if opts.Detector == (Detector{}) {
		opts.Detector = DefaultDetector()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{opts: opts, slots: newSlots(opts.MaxConcurrent), seen: map[string]time.Time{}, locks: map[string]*streamLock{}}
}

// Process implements collector.Pipeline. A collection report already analysed by this
// process is skipped without error.
func (p *Processor) Process(ctx context.Context, sess collector.Session, reason collector.Reason) error {
	_, err := p.Run(ctx, sess, reason)
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

// Active returns the number of analyses currently holding a slot.
func (p *Processor) Active() int { return p.slots.active() }

// Run analyses sess and returns the written report. Runs for the same stream are
// serialised; a stream recorded again after an earlier analysis (a new segment in the
// same directory) is analysed again.
func (p *Processor) Run(ctx context.Context, sess collector.Session, reason collector.Reason) (Result, error) {
	unlock := p.lockStream(sess.StreamID)
	defer unlock()

	var collectionEnd time.Time
	if r, err := collector.ReadReport(sess.Dir); err == nil {
		collectionEnd = r.EndTime
	}
	p.mu.Lock()
	if done, ok := p.seen[sess.StreamID]; ok && done.Equal(collectionEnd) {
		p.mu.Unlock()
		return Result{}, ErrAlreadyProcessed
	}
	p.seen[sess.StreamID] = collectionEnd
	p.mu.Unlock()

	ctx = telemetry.WithCorrelation(ctx, sess.StreamID)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "analysis"))

	if !p.slots.acquire(ctx) {
		p.forget(sess.StreamID)
		return Result{}, ctx.Err()
	}
	defer p.slots.release()

	ctx, span := telemetry.StartSpan(ctx, "analysis.process",
		attribute.String("stream_id", sess.StreamID),
		attribute.String("finalize_reason", string(reason)))

	var res Result
	var err error
	telemetry.TimeFunc(telemetry.AnalysisDuration, func() {
		res, err = p.analyse(sess, reason, collectionEnd, logger)
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		p.forget(sess.StreamID)
		telemetry.CountAnalysis("error", 0)
		logger.Error("analysis failed", slog.Any("err", err))
		return Result{}, err
	}
	telemetry.CountAnalysis("ok", res.Peaks.PeakCount)
	logger.Info("analysis complete",
		slog.Int64("events", res.Events.TotalEvents),
		slog.Int("peaks", res.Peaks.PeakCount),
		slog.String("reason", string(reason)))

	p.announce(ctx, sess, res, logger)
	return res, nil
}

func (p *Processor) forget(streamID string) {
	p.mu.Lock()
	delete(p.seen, streamID)
	p.mu.Unlock()
}

// lockStream holds the per-stream lock until the returned func is called.
func (p *Processor) lockStream(streamID string) func() {
	p.mu.Lock()
	l := p.locks[streamID]
	if l == nil {
		l = &streamLock{}
		p.locks[streamID] = l
	}
	l.refs++
	p.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.locks, streamID)
		}
		p.mu.Unlock()
	}
}

func (p *Processor) analyse(sess collector.Session, reason collector.Reason, collectionEnd time.Time, logger *slog.Logger) (Result, error) {
	events, stats, err := eventlog.ReadFile(sess.EventsPath())
	if err != nil {
		return Result{}, fmt.Errorf("read events: %w", err)
	}
	if stats.Skipped > 0 {
		logger.Warn("skipped malformed event lines", slog.Int("skipped", stats.Skipped))
	}

	files := map[string]string{}
	series := Build(events, p.opts.Resolutions, p.opts.RollingSec)
	for _, s := range series {
		name := SeriesFileName(s.Resolution)
		if err := WriteCSV(filepath.Join(sess.Dir, name), s, sess.StartedAt, p.opts.Location); err != nil {
			return Result{}, err
		}
		files[fmt.Sprintf("series_%ds", s.Resolution)] = name
	}

	var peaks, surges []Peak
	if len(series) > 0 {
		peaks = p.opts.Detector.Detect(series[0])
		surges = p.opts.Detector.DetectSurges(series[0])
	}
	if peaks == nil {
		peaks = []Peak{}
	}
	if surges == nil {
		surges = []Peak{}
	}
	doc := PeaksDoc{StreamID: sess.StreamID, WindowSec: p.opts.Detector.WindowSec, Peaks: peaks, PeaksBySurge: surges}
	if err := collector.WriteJSONFile(filepath.Join(sess.Dir, PeaksFile), doc); err != nil {
		return Result{}, fmt.Errorf("write peaks: %w", err)
	}
	files["peaks"] = PeaksFile
	files["events"] = eventlog.FileName

	res := Result{
		StreamID:       sess.StreamID,
		ChannelID:      sess.ChannelID,
		CompletedAt:    p.opts.Now().UTC(),
		Idle:           reason == collector.ReasonIdleTimeout,
		FinalizeReason: reason,
		Events:         summariseEvents(events, stats),
		Peaks:          Summarise(peaks),
		SurgePeakCount: len(surges),
		WindowSec:      p.opts.Detector.WindowSec,
		MinPeakGapSec:  p.opts.Detector.MinGapSec,
		Resolutions:    uniqueSorted(p.opts.Resolutions),
		Files:          files,
		CollectionEnd:  collectionEnd,
	}
	if err := collector.WriteJSONFile(filepath.Join(sess.Dir, collector.AnalysisFile), res); err != nil {
		return Result{}, fmt.Errorf("write report: %w", err)
	}
	return res, nil
}

// announce notifies downstream consumers; failures are logged, the artifacts stay.
func (p *Processor) announce(ctx context.Context, sess collector.Session, res Result, logger *slog.Logger) {
	if p.opts.Index != nil {
		if err := p.opts.Index.MarkAnalysed(ctx, sess.StreamID, res.Peaks.PeakCount, res.CompletedAt); err != nil {
			logger.Warn("session index: mark analysed", slog.Any("err", err))
		}
	}
	n := notify.PeaksReady{
		StreamID:    sess.StreamID,
		ChannelID:   sess.ChannelID,
		Dir:         sess.Dir,
		PeakCount:   res.Peaks.PeakCount,
		CompletedAt: res.CompletedAt,
	}
	if top := res.Peaks.TopPeak; top != nil {
		n.Top = []notify.Window{{Rank: top.Rank, StartSec: top.StartSec, EndSec: top.EndSec, Value: top.Value}}
	}
	if err := p.opts.Publisher.Publish(ctx, n); err != nil {
		logger.Warn("publish peaks_ready", slog.Any("err", err))
	}
}

func summariseEvents(events []eventlog.Event, stats eventlog.ReadStats) EventStats {
	es := EventStats{
		TotalEvents:    stats.Total(),
		ChatEvents:     stats.ByKind[eventlog.KindChat],
		DonationEvents: stats.ByKind[eventlog.KindDonation],
		SkippedLines:   stats.Skipped,
	}
	for _, ev := range events {
		if ev.Type == eventlog.KindDonation && ev.Amount != nil {
			es.DonationAmount += *ev.Amount
		}
	}
	if stats.HasEvents {
		es.DurationSec = float64(stats.LastTMs) / 1000
	}
	return es
}

// Summarise condenses peaks into report figures.
func Summarise(peaks []Peak) PeakSummary {
	s := PeakSummary{PeakCount: len(peaks)}
	if len(peaks) == 0 {
		return s
	}
	s.MinPeakValue = peaks[0].Value
	for i, pk := range peaks {
		s.TotalActivity += pk.Value
		if pk.Value > s.MaxPeakValue {
			s.MaxPeakValue = pk.Value
		}
		if pk.Value < s.MinPeakValue {
			s.MinPeakValue = pk.Value
		}
		if pk.Rank == 1 {
			top := peaks[i]
			s.TopPeak = &top
		}
	}
	s.AvgPeakValue = float64(s.TotalActivity) / float64(len(peaks))
	return s
}
