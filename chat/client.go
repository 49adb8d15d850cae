package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatpeak/telemetry"
)

// State is a Client connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// transitions lists the allowed moves. DISCONNECTED is reachable from every live state
// because cancelling the context tears the client down wherever it is.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateFailed, StateDisconnected},
	StateConnected:    {StateReconnecting, StateFailed, StateDisconnected},
	StateReconnecting: {StateConnecting, StateFailed, StateDisconnected},
	StateFailed:       {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MessageKind distinguishes heartbeats from events.
type MessageKind int

const (
	MessageHeartbeat MessageKind = iota
	MessageChat
	MessageDonation
)

// Message is one inbound frame from a transport.
type Message struct {
	Kind       MessageKind
	ID         string
	User       string
	UserID     string
	Text       string
	Amount     int64
	ReceivedAt time.Time
}

// Transport is a single connection to a chat service. Connect may be called again
// after Close; Receive blocks until a frame arrives, the connection drops or ctx ends.
type Transport interface {
	Connect(ctx context.Context) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// ClientConfig controls reconnect and heartbeat behaviour. Zero values take defaults.
type ClientConfig struct {
	HeartbeatTimeout time.Duration // default 58s
	BaseBackoff      time.Duration // default 1s
	BackoffFactor    float64       // default 2
	MaxBackoff       time.Duration // default 30s
	MaxAttempts      int           // default 100

	// Sleep waits between reconnect attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnState is called after every accepted transition.
	OnState func(from, to State)
	Logger  *slog.Logger
}

func (c *ClientConfig) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 58 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 100
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client keeps one Transport connected for the lifetime of a broadcast.
type Client struct {
	transport Transport
	cfg       ClientConfig

	mu    sync.Mutex
	state State

	reconnects        atomic.Int64
	heartbeatTimeouts atomic.Int64
}

// NewClient returns a DISCONNECTED client for t.
func NewClient(t Transport, cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{transport: t, cfg: cfg, state: StateDisconnected}
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns the number of reconnect attempts made so far.
func (c *Client) Reconnects() int64 { return c.reconnects.Load() }

// HeartbeatTimeouts returns how many connections were dropped for silence.
func (c *Client) HeartbeatTimeouts() int64 { return c.heartbeatTimeouts.Load() }

// Backoff returns the wait before reconnect attempt n (1-based).
func (c *Client) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.cfg.BaseBackoff) * math.Pow(c.cfg.BackoffFactor, float64(attempt-1))
	if d > float64(c.cfg.MaxBackoff) || math.IsInf(d, 0) {
		return c.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (c *Client) setState(to State) bool {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.cfg.Logger.Warn("chat client: rejected state transition", slog.String("from", string(from)), slog.String("to", string(to)))
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.cfg.Logger.Debug("chat client: state", slog.String("from", string(from)), slog.String("to", string(to)))
	if c.cfg.OnState != nil {
		c.cfg.OnState(from, to)
	}
	return true
}

// Run connects and delivers messages to handle until ctx is cancelled or the client
// fails. It returns ctx.Err() on cancellation, ErrMaxReconnectAttempts when the budget
// is spent, or the fatal connect error (ErrAuthentication, ErrChannelNotFound).
// handle is called from Run's goroutine, in receipt order.
func (c *Client) Run(ctx context.Context, handle func(Message)) error {
	log := c.cfg.Logger
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.setState(StateConnecting)
		err := c.transport.Connect(ctx)
		if err == nil {
			attempt = 0
			c.setState(StateConnected)
			log.Info("chat client: connected")
			err = c.receive(ctx, handle)
			if cerr := c.transport.Close(); cerr != nil {
				log.Debug("chat client: close transport", slog.Any("err", cerr))
			}
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if IsFatalError(err) {
			c.setState(StateFailed)
			log.Error("chat client: fatal error", slog.Any("err", err))
			return err
		}

		c.setState(StateReconnecting)
		attempt++
		if attempt > c.cfg.MaxAttempts {
			c.setState(StateFailed)
			log.Error("chat client: giving up", slog.Int("attempts", attempt-1), slog.Any("err", err))
			return fmt.Errorf("%w (%d): %w", ErrMaxReconnectAttempts, attempt-1, err)
		}
		c.reconnects.Add(1)
		telemetry.CountReconnect()
		wait := c.Backoff(attempt)
		log.Warn("chat client: reconnecting", slog.Int("attempt", attempt), slog.Duration("backoff", wait), slog.Any("err", err))
		if err := c.cfg.Sleep(ctx, wait); err != nil {
			c.setState(StateDisconnected)
			return err
		}
	}
}

// receive pumps messages until the connection drops or the heartbeat deadline passes.
func (c *Client) receive(ctx context.Context, handle func(Message)) error {
	deadline := time.Now().Add(c.cfg.HeartbeatTimeout)
	for {
		rctx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.transport.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.heartbeatTimeouts.Add(1)
				telemetry.CountHeartbeatTimeout()
				return fmt.Errorf("%w after %s", ErrHeartbeatTimeout, c.cfg.HeartbeatTimeout)
			}
			if IsFatalError(err) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		deadline = time.Now().Add(c.cfg.HeartbeatTimeout)
		if msg.Kind == MessageHeartbeat {
			continue
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		handle(msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
