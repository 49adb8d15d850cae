// Package watcher polls channel status and starts or retires one collector per live broadcast.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatpeak/chat"
	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/telemetry"
	"github.com/onnwee/chatpeak/twitchapi"
)

// StatusSource answers live-status queries; *twitchapi.HelixClient in production.
type StatusSource interface {
	Status(ctx context.Context, channel string) (twitchapi.ChannelStatus, error)
	Validate(ctx context.Context) error
}

// Collector is the part of *collector.Collector the watcher manages.
type Collector interface {
	Session() collector.Session
	Run(ctx context.Context) error
	RequestFinalize(reason collector.Reason) bool
	Finalize(reason collector.Reason) collector.Report
	Status() collector.Status
	ClientState() chat.State
	LastActivity() time.Time
}

// Factory builds a collector for sess. For a resumed session sess.Dir already holds an
// event log, which the collector must append to.
type Factory func(sess collector.Session) (Collector, error)

// Config wires a Watcher. Source and NewCollector are required.
type Config struct {
	Channels           []string
	OutDir             string
	Location           *time.Location
	PollInterval       time.Duration
	QueryTimeout       time.Duration
	MaxParallel        int
	MaxRetries         int
	IdleTimeout        time.Duration
	IdleCheckInterval  time.Duration
	IdleRequireConfirm bool
	RestartResume      bool
	ShutdownGrace      time.Duration

	Source       StatusSource
	NewCollector Factory
	// Pipeline analyses sessions finalized without a running collector (stale on restart,
	// or final but never analysed). Optional.
	Pipeline collector.Pipeline
	Logger   *slog.Logger
	Now      func() time.Time
}

type pollResult struct {
	channel string
	status  twitchapi.ChannelStatus
	err     error
}

type exitNote struct {
	channel  string
	streamID string
	err      error
}

// Watcher owns the channel table. Run drives it; Snapshot may be called from any goroutine.
type Watcher struct {
	cfg Config
	log *slog.Logger

	records map[string]*ChannelRecord
	order   []string
	active  map[string]Collector
	pending map[string][]collector.Pending
	// closing holds stream ids retired but whose collector has not returned yet
	closing map[string]bool
	polls   int64

	collCtx    context.Context
	collCancel context.CancelFunc
	wg         sync.WaitGroup
	exited     chan exitNote
	stopped    chan struct{}
	stopOnce   sync.Once
	stopping   bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Watcher, error) {
	if cfg.Source == nil || cfg.NewCollector == nil {
		return nil, errors.New("watcher: status source and collector factory required")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("watcher: no channels configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = cfg.IdleTimeout / 4
		if cfg.IdleCheckInterval > 30*time.Second {
			cfg.IdleCheckInterval = 30 * time.Second
		}
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	w := &Watcher{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "watcher")),
		records: map[string]*ChannelRecord{},
		active:  map[string]Collector{},
		pending: map[string][]collector.Pending{},
		closing: map[string]bool{},
		exited:  make(chan exitNote, 16),
		stopped: make(chan struct{}),
	}
	for _, ch := range cfg.Channels {
		if _, dup := w.records[ch]; dup {
			continue
		}
		w.records[ch] = &ChannelRecord{Channel: ch, Status: twitchapi.StatusOffline}
		w.order = append(w.order, ch)
	}
	// Collectors outlive the watcher context so they can write their reports during the
	// shutdown grace period.
	w.collCtx, w.collCancel = context.WithCancel(context.Background())
	w.publish()
	return w, nil
}

// Run validates credentials, resumes interrupted sessions and polls until ctx is cancelled.
// Authentication failures at startup are returned; later poll errors never are.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopOnce.Do(func() { close(w.stopped) })
	if err := w.cfg.Source.Validate(ctx); err != nil {
		if errors.Is(err, twitchapi.ErrAuthentication) {
			return fmt.Errorf("status source credentials: %w", err)
		}
		w.log.Warn("status source check failed; continuing", slog.Any("err", err))
	}
	if w.cfg.RestartResume {
		w.loadPending()
	}

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	idle := time.NewTicker(w.cfg.IdleCheckInterval)
	defer idle.Stop()
	w.log.Info("watcher started",
		slog.Int("channels", len(w.order)),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("idle_timeout", w.cfg.IdleTimeout))

	w.PollCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-poll.C:
			w.PollCycle(ctx)
		case <-idle.C:
			w.CheckIdle()
		case n := <-w.exited:
			w.handleExit(n)
		}
	}
}

// PollCycle queries every channel concurrently and applies the results. It must only be
// called from the goroutine that owns the watcher (Run, or a test driving it directly).
func (w *Watcher) PollCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		results := make(chan pollResult, len(w.order))
		var g errgroup.Group
		g.SetLimit(w.cfg.MaxParallel)
		go func() {
			for _, ch := range w.order {
				g.Go(func() error {
					qctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
					defer cancel()
					st, err := w.cfg.Source.Status(qctx, ch)
					results <- pollResult{channel: ch, status: st, err: err}
					return nil
				})
			}
			_ = g.Wait()
			close(results)
		}()
		for r := range results {
			w.apply(ctx, r)
		}
	})
	w.polls++
	w.resolvePending()
	w.publish()
}

func (w *Watcher) apply(ctx context.Context, r pollResult) {
	rec := w.records[r.channel]
	rec.LastPoll = w.cfg.Now()
	log := w.log.With(slog.String("channel", r.channel))

	if r.err == nil && r.status.Status == twitchapi.StatusNotFound {
		r.err = fmt.Errorf("channel %s not found", r.channel)
		telemetry.CountPollError("not_found")
		log.Warn("channel not found; keeping previous status", slog.Int("errors", rec.ErrorCount+1))
	} else if r.err != nil {
		if ctx.Err() != nil {
			return
		}
		telemetry.CountPollError("query")
		log.Warn("status query failed; keeping previous status", slog.Int("errors", rec.ErrorCount+1), slog.Any("err", r.err))
	}
	if r.err != nil {
		rec.ErrorCount++
		rec.LastError = r.err.Error()
		if rec.ErrorCount >= w.cfg.MaxRetries && !rec.Degraded {
			rec.Degraded = true
			log.Error("channel degraded: status queries keep failing", slog.Int("errors", rec.ErrorCount))
		}
		return
	}

	if rec.Degraded {
		log.Info("channel recovered", slog.Int("errors", rec.ErrorCount))
	}
	rec.ErrorCount = 0
	rec.Degraded = false
	rec.LastError = ""
	rec.settled = true
	rec.Status = r.status.Status
	active := w.active[r.channel]

	switch r.status.Status {
	case twitchapi.StatusLive:
		rec.Token = r.status.Token
		if active != nil && active.Session().Token == r.status.Token {
			return
		}
		if active != nil {
			log.Info("new broadcast token; finalizing previous session",
				slog.String("old_token", active.Session().Token), slog.String("token", r.status.Token))
			w.retire(r.channel, collector.ReasonNewBroadcast)
		}
		if id := collector.StreamID(r.status.Token, r.channel); w.closing[id] {
			// the finalized collector for this broadcast still owns its directory
			log.Debug("previous session still closing; recording resumes next poll", slog.String("stream_id", id))
			return
		}
		if ctx.Err() != nil || w.stopping {
			return
		}
		w.startSession(r.channel, r.status)
	case twitchapi.StatusOffline:
		if active != nil {
			log.Info("channel went offline; finalizing session", slog.String("stream_id", active.Session().StreamID))
			w.retire(r.channel, collector.ReasonStreamEnded)
		}
	}
}

// retire asks the channel's ACTIVE collector to finalize and forgets it. The collector
// leaves ACTIVE before this returns.
func (w *Watcher) retire(channel string, reason collector.Reason) {
	c := w.active[channel]
	if c == nil {
		return
	}
	c.RequestFinalize(reason)
	w.closing[c.Session().StreamID] = true
	delete(w.active, channel)
	telemetry.SetActiveCollectors(len(w.active))
}

func (w *Watcher) startSession(channel string, st twitchapi.ChannelStatus) {
	if sess, ok := w.takePending(channel, st.Token); ok {
		w.log.Info("resuming interrupted session", slog.String("stream_id", sess.StreamID), slog.String("dir", sess.Dir))
		w.launch(channel, sess)
		return
	}
	started := st.StartedAt
	if started.IsZero() {
		started = w.cfg.Now().UTC()
	}
	sess, err := collector.NewSession(w.cfg.OutDir, channel, st.Token, st.Title, started, w.cfg.Location)
	if err != nil {
		w.log.Error("create stream directory", slog.String("channel", channel), slog.Any("err", err))
		return
	}
	w.log.Info("broadcast live; starting collector",
		slog.String("channel", channel), slog.String("stream_id", sess.StreamID), slog.Time("started_at", started))
	w.launch(channel, sess)
}

func (w *Watcher) launch(channel string, sess collector.Session) {
	c, err := w.cfg.NewCollector(sess)
	if err != nil {
		w.log.Error("start collector", slog.String("stream_id", sess.StreamID), slog.Any("err", err))
		return
	}
	w.active[channel] = c
	telemetry.SetActiveCollectors(len(w.active))
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := c.Run(w.collCtx)
		select {
		case w.exited <- exitNote{channel: channel, streamID: sess.StreamID, err: err}:
		case <-w.stopped:
		}
	}()
}

// handleExit drops a collector that stopped on its own (client failure, storage error)
// and releases the stream id of a retired one.
func (w *Watcher) handleExit(n exitNote) {
	delete(w.closing, n.streamID)
	if c := w.active[n.channel]; c != nil && c.Session().StreamID == n.streamID {
		delete(w.active, n.channel)
		telemetry.SetActiveCollectors(len(w.active))
		if n.err != nil {
			// the broadcast may still be live; the next poll starts a fresh collector
			w.log.Warn("collector stopped", slog.String("stream_id", n.streamID), slog.Any("err", n.err))
		}
	}
	w.publish()
}

// CheckIdle finalizes collectors that have not recorded an event within the idle timeout.
// With IdleRequireConfirm set, a session whose client is connected to a live channel is
// kept and only logged as quiet.
func (w *Watcher) CheckIdle() {
	now := w.cfg.Now()
	for _, ch := range w.order {
		c := w.active[ch]
		if c == nil {
			continue
		}
		quiet := now.Sub(c.LastActivity())
		if quiet < w.cfg.IdleTimeout {
			continue
		}
		rec := w.records[ch]
		if w.cfg.IdleRequireConfirm && c.ClientState() == chat.StateConnected && rec.Status == twitchapi.StatusLive {
			w.log.Info("stream quiet but still live; keeping session",
				slog.String("stream_id", c.Session().StreamID), slog.Duration("quiet_for", quiet))
			continue
		}
		// a broadcast that is still live is recorded again by the next poll
		w.log.Info("idle timeout; finalizing session",
			slog.String("stream_id", c.Session().StreamID), slog.Duration("quiet_for", quiet))
		w.retire(ch, collector.ReasonIdleTimeout)
	}
	w.publish()
}

func (w *Watcher) loadPending() {
	found, err := collector.ScanDir(w.cfg.OutDir)
	if err != nil {
		w.log.Warn("resume scan failed", slog.Any("err", err))
		return
	}
	for _, p := range found {
		switch {
		case p.Resumable():
			w.pending[p.Session.ChannelID] = append(w.pending[p.Session.ChannelID], p)
		case p.NeedsAnalysis():
			w.log.Info("analysing finished session", slog.String("stream_id", p.Session.StreamID))
			w.analyse(p.Session, p.Report.FinalizeReason)
		}
	}
	if len(w.pending) > 0 {
		w.log.Info("found interrupted sessions", slog.Int("channels", len(w.pending)))
	}
}

func (w *Watcher) takePending(channel, token string) (collector.Session, bool) {
	list := w.pending[channel]
	for i, p := range list {
		if p.Session.Token == token {
			w.pending[channel] = append(list[:i:i], list[i+1:]...)
			return p.Session, true
		}
	}
	return collector.Session{}, false
}

// resolvePending finalizes the interrupted sessions that were not re-attached, once their
// channel has answered a status query (or is degraded, or no longer configured).
func (w *Watcher) resolvePending() {
	channels := make([]string, 0, len(w.pending))
	for ch := range w.pending {
		if rec := w.records[ch]; rec == nil || rec.settled || rec.Degraded {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	for _, ch := range channels {
		for _, p := range w.pending[ch] {
			c, err := w.cfg.NewCollector(p.Session)
			if err != nil {
				w.log.Error("finalize stale session", slog.String("stream_id", p.Session.StreamID), slog.Any("err", err))
				continue
			}
			r := c.Finalize(collector.ReasonStaleOnRestart)
			w.log.Info("stale session finalized", slog.String("stream_id", p.Session.StreamID), slog.Int64("events", r.EventCount))
			w.analyse(p.Session, collector.ReasonStaleOnRestart)
		}
		delete(w.pending, ch)
	}
}

func (w *Watcher) analyse(sess collector.Session, reason collector.Reason) {
	if w.cfg.Pipeline == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.cfg.Pipeline.Process(w.collCtx, sess, reason); err != nil {
			w.log.Error("analysis failed", slog.String("stream_id", sess.StreamID), slog.Any("err", err))
		}
	}()
}

func (w *Watcher) shutdown() {
	w.stopping = true
	// collectors exiting from here on need not report back
	w.stopOnce.Do(func() { close(w.stopped) })
	w.log.Info("shutting down; finalizing active sessions", slog.Int("active", len(w.active)))
	for _, ch := range w.order {
		w.retire(ch, collector.ReasonShutdown)
	}
	w.publish()
	if !w.Wait(w.cfg.ShutdownGrace) {
		w.log.Warn("shutdown grace expired; abandoning collectors", slog.Duration("grace", w.cfg.ShutdownGrace))
	}
	w.collCancel()
}

// Wait blocks until every collector and analysis goroutine has returned or d elapses.
func (w *Watcher) Wait(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (w *Watcher) publish() {
	s := Snapshot{Polls: w.polls, TakenAt: w.cfg.Now().UTC()}
	degraded := 0
	for _, ch := range w.order {
		rec := *w.records[ch]
		if rec.Degraded {
			degraded++
		}
		s.Channels = append(s.Channels, rec)
		if c := w.active[ch]; c != nil {
			sess := c.Session()
			s.Sessions = append(s.Sessions, SessionInfo{
				StreamID:     sess.StreamID,
				Channel:      ch,
				Token:        sess.Token,
				Dir:          sess.Dir,
				StartedAt:    sess.StartedAt,
				Status:       c.Status(),
				ClientState:  c.ClientState(),
				LastActivity: c.LastActivity(),
			})
		}
	}
	telemetry.SetDegradedChannels(degraded)
	w.snapMu.Lock()
	w.snap = s
	w.snapMu.Unlock()
}

// Snapshot returns the state as of the last poll or lifecycle change.
func (w *Watcher) Snapshot() Snapshot {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()
	out := w.snap
	out.Channels = append([]ChannelRecord(nil), w.snap.Channels...)
	out.Sessions = append([]SessionInfo(nil), w.snap.Sessions...)
	return out
}
