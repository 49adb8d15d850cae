package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/onnwee/chatpeak/chat"
	"github.com/onnwee/chatpeak/eventlog"
	"github.com/onnwee/chatpeak/telemetry"
)

// StreamClient is the part of chat.Client the collector drives.
type StreamClient interface {
	Run(ctx context.Context, handle func(chat.Message)) error
	State() chat.State
	Reconnects() int64
	HeartbeatTimeouts() int64
}

// Sink is where events are appended; *eventlog.Store in production.
type Sink interface {
	Append(eventlog.Event) error
	Flush() error
	Close() error
}

// Pipeline turns a finalized stream directory into artifacts.
type Pipeline interface {
	Process(ctx context.Context, sess Session, reason Reason) error
}

// SessionIndex mirrors session lifecycle into an external index. Optional.
type SessionIndex interface {
	UpsertSession(ctx context.Context, s Session, status Status) error
	MarkFinalized(ctx context.Context, r Report) error
}

// Config wires a Collector. Client is required.
type Config struct {
	Client   StreamClient
	Pipeline Pipeline
	Index    SessionIndex
	Logger   *slog.Logger
	// Sink overrides the on-disk event log (tests).
	Sink         Sink
	StoreOptions eventlog.StoreOptions
	// MaxConsecutiveFailures escalates to storage_error (default 5).
	MaxConsecutiveFailures int
	// TeardownTimeout bounds the wait for the client to stop after the report is written (default 5s).
	TeardownTimeout time.Duration
	Now             func() time.Time
}

// Collector records one Session. Create with New, then call Run once.
type Collector struct {
	sess     Session
	client   StreamClient
	sink     Sink
	pipeline Pipeline
	index    SessionIndex
	log      *slog.Logger
	now      func() time.Time

	maxConsecutive  int
	teardownTimeout time.Duration

	mu           sync.Mutex
	status       Status
	reason       Reason
	counts       map[eventlog.Kind]int64
	lastActivity time.Time
	failures     int64
	consecutive  int
	stop         chan struct{}

	// prior is the collection report of an earlier segment of this stream (resume after
	// shutdown, restart after a client failure or idle finalize); its counters carry over.
	prior *Report

	finalizeOnce sync.Once
	report       Report
	pipelineOnce sync.Once
}

// New opens the session's event log for appending. When the log already has events
// (a resumed session) the per-kind counts are restored from it, and reconnect, heartbeat
// and append-failure counters continue from the previous collection report.
func New(sess Session, cfg Config) (*Collector, error) {
	if cfg.Client == nil {
		return nil, errors.New("collector: client required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	c := &Collector{
		sess:            sess,
		client:          cfg.Client,
		pipeline:        cfg.Pipeline,
		index:           cfg.Index,
		log:             cfg.Logger.With(slog.String("component", "collector"), slog.String("stream_id", sess.StreamID)),
		now:             cfg.Now,
		maxConsecutive:  cfg.MaxConsecutiveFailures,
		teardownTimeout: cfg.TeardownTimeout,
		status:          StatusActive,
		counts:          map[eventlog.Kind]int64{},
		stop:            make(chan struct{}),
	}
	c.lastActivity = c.now()
	if c.sess.StartedAt.IsZero() {
		c.sess.StartedAt = c.lastActivity.UTC()
	}
	if sess.Dir != "" {
		if r, err := ReadReport(sess.Dir); err == nil {
			c.prior = &r
			c.failures = r.AppendFailures
		} else if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("previous collection report unreadable; counters start at zero", slog.Any("err", err))
		}
	}

	if cfg.Sink != nil {
		c.sink = cfg.Sink
	} else {
		if f, err := os.Open(sess.EventsPath()); err == nil {
			stats, serr := eventlog.Scan(f, nil)
			_ = f.Close()
			if serr != nil {
				c.log.Warn("restore counts from existing log", slog.Any("err", serr))
			}
			for k, n := range stats.ByKind {
				c.counts[k] = n
			}
		}
		store, err := eventlog.Open(sess.EventsPath(), cfg.StoreOptions)
		if err != nil {
			return nil, err
		}
		c.sink = store
	}
	return c, nil
}

// Session returns the recorded session.
func (c *Collector) Session() Session { return c.sess }

// Status returns the lifecycle state.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClientState returns the chat client's connection state.
func (c *Collector) ClientState() chat.State { return c.client.State() }

// LastActivity returns the receipt time of the last event, or the collector start.
func (c *Collector) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Counts returns a copy of the per-kind event counts.
func (c *Collector) Counts() map[eventlog.Kind]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[eventlog.Kind]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// OnEvent stamps msg with its stream offset and appends it. Messages arriving after
// finalize was requested are dropped.
func (c *Collector) OnEvent(msg chat.Message) {
	var ev eventlog.Event
	received := msg.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}
	offset := received.Sub(c.sess.StartedAt).Milliseconds()
	if offset < 0 {
		offset = 0
	}
	switch msg.Kind {
	case chat.MessageChat:
		ev = eventlog.NewChat(c.sess.StreamID, offset, msg.User, msg.UserID, msg.Text, received)
	case chat.MessageDonation:
		ev = eventlog.NewDonation(c.sess.StreamID, offset, msg.User, msg.UserID, msg.Text, msg.Amount, received)
	default:
		return
	}
	ev.MessageID = msg.ID

	c.mu.Lock()
	if c.status != StatusActive {
		c.mu.Unlock()
		return
	}
	err := c.sink.Append(ev)
	if err == nil {
		c.counts[ev.Type]++
		c.lastActivity = received
		c.consecutive = 0
		c.mu.Unlock()
		telemetry.CountEvent(string(ev.Type))
		return
	}
	c.failures++
	c.consecutive++
	escalate := c.consecutive >= c.maxConsecutive || errors.Is(err, syscall.ENOSPC)
	c.mu.Unlock()

	telemetry.CountAppendFailure()
	c.log.Error("append failed; event dropped", slog.Any("err", err))
	if escalate {
		c.log.Error("event log unusable; finalizing stream")
		c.RequestFinalize(ReasonStorageError)
	}
}

// RequestFinalize moves an ACTIVE session to FINALIZING and wakes Run. It returns false if
// finalize was already requested; the first reason wins.
func (c *Collector) RequestFinalize(reason Reason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return false
	}
	c.status = StatusFinalizing
	c.reason = reason
	close(c.stop)
	return true
}

// Done is closed once finalize has been requested.
func (c *Collector) Done() <-chan struct{} { return c.stop }

// Finalize closes the event log and writes the collection report. Safe to call more than
// once; later calls return the first report.
func (c *Collector) Finalize(reason Reason) Report {
	c.RequestFinalize(reason)
	c.finalizeOnce.Do(func() {
		c.mu.Lock()
		reason := c.reason
		counts := make(map[string]int64, len(c.counts))
		var total int64
		for k, v := range c.counts {
			counts[string(k)] = v
			total += v
		}
		failures := c.failures
		c.mu.Unlock()

		if err := c.sink.Close(); err != nil {
			c.log.Error("close event log", slog.Any("err", err))
			if reason != ReasonShutdown {
				reason = ReasonStorageError
			}
		}
		end := c.now().UTC()
		status := StatusFinalized
		if reason.Errored() {
			status = StatusErrored
		}
		r := Report{
			StreamID:          c.sess.StreamID,
			ChannelID:         c.sess.ChannelID,
			Token:             c.sess.Token,
			StartTime:         c.sess.StartedAt,
			EndTime:           end,
			DurationSec:       end.Sub(c.sess.StartedAt).Seconds(),
			EventCount:        total,
			CountsByKind:      counts,
			ReconnectCount:    c.client.Reconnects(),
			HeartbeatTimeouts: c.client.HeartbeatTimeouts(),
			AppendFailures:    failures,
			FinalizeReason:    reason,
			Status:            status,
			Final:             reason != ReasonShutdown,
		}
		if c.prior != nil {
			r.ReconnectCount += c.prior.ReconnectCount
			r.HeartbeatTimeouts += c.prior.HeartbeatTimeouts
		}
		if c.sess.Dir != "" {
			if err := WriteReport(c.sess.Dir, r); err != nil {
				c.log.Error("write collection report", slog.Any("err", err))
			}
		}
		c.mu.Lock()
		c.status = status
		c.reason = reason
		c.mu.Unlock()
		c.report = r
		telemetry.CountFinalized(string(reason))

		if c.index != nil {
			ictx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.index.MarkFinalized(ictx, r); err != nil {
				c.log.Warn("session index: mark finalized", slog.Any("err", err))
			}
			cancel()
		}
		c.log.Info("session finalized",
			slog.String("reason", string(reason)),
			slog.Int64("events", total),
			slog.Int64("reconnects", r.ReconnectCount),
			slog.Bool("final", r.Final))
	})
	return c.report
}

// Run drives the chat client until finalize is requested, the client gives up, or ctx is
// cancelled (a shutdown finalize, resumable later). The report is written before the
// transport is torn down, then the pipeline runs once for final reports.
func (c *Collector) Run(ctx context.Context) error {
	if c.index != nil {
		ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.index.UpsertSession(ictx, c.sess, StatusActive); err != nil {
			c.log.Warn("session index: upsert", slog.Any("err", err))
		}
		cancel()
	}
	c.log.Info("collector started", slog.String("channel", c.sess.ChannelID), slog.String("dir", c.sess.Dir))
	if c.prior != nil {
		c.markInProgress()
	}

	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	clientDone := make(chan error, 1)
	go func() { clientDone <- c.client.Run(clientCtx, c.OnEvent) }()

	var clientErr error
	clientExited := false
	select {
	case <-c.stop:
	case clientErr = <-clientDone:
		clientExited = true
		c.log.Error("chat client stopped", slog.Any("err", clientErr))
		c.RequestFinalize(ReasonClientFailed)
	case <-ctx.Done():
		c.RequestFinalize(ReasonShutdown)
	}

	report := c.Finalize("")
	cancelClient()
	if !clientExited {
		select {
		case <-clientDone:
		case <-time.After(c.teardownTimeout):
			c.log.Warn("chat client did not stop in time")
		}
	}

	if report.Final {
		c.runPipeline(ctx, report.FinalizeReason)
	}
	if report.Status == StatusErrored {
		return fmt.Errorf("stream %s finalized: %s", c.sess.StreamID, report.FinalizeReason)
	}
	return nil
}

// markInProgress replaces an earlier segment's final report with a non-final one, so a
// crash while this segment records leaves the session resumable.
func (c *Collector) markInProgress() {
	c.mu.Lock()
	counts := make(map[string]int64, len(c.counts))
	var total int64
	for k, v := range c.counts {
		counts[string(k)] = v
		total += v
	}
	failures := c.failures
	c.mu.Unlock()
	r := Report{
		StreamID:          c.sess.StreamID,
		ChannelID:         c.sess.ChannelID,
		Token:             c.sess.Token,
		StartTime:         c.sess.StartedAt,
		EventCount:        total,
		CountsByKind:      counts,
		ReconnectCount:    c.prior.ReconnectCount,
		HeartbeatTimeouts: c.prior.HeartbeatTimeouts,
		AppendFailures:    failures,
		Status:            StatusActive,
	}
	if err := WriteReport(c.sess.Dir, r); err != nil {
		c.log.Warn("mark session in progress", slog.Any("err", err))
	}
}

func (c *Collector) runPipeline(ctx context.Context, reason Reason) {
	if c.pipeline == nil {
		return
	}
	c.pipelineOnce.Do(func() {
		if err := c.pipeline.Process(ctx, c.sess, reason); err != nil {
			c.log.Error("analysis failed", slog.Any("err", err))
		}
	})
}
