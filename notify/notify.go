// Package notify announces finished analyses to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventPeaksReady is the event name carried on every notification.
const EventPeaksReady = "peaks_ready"

// Window is a ranked peak as carried in a notification.
type Window struct {
	Rank     int   `json:"rank"`
	StartSec int64 `json:"start_sec"`
	EndSec   int64 `json:"end_sec"`
	Value    int64 `json:"value"`
}

// PeaksReady describes a stream whose artifacts were written.
type PeaksReady struct {
	StreamID    string    `json:"stream_id"`
	ChannelID   string    `json:"channel_id"`
	Dir         string    `json:"dir"`
	PeakCount   int       `json:"peak_count"`
	Top         []Window  `json:"top,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher delivers notifications. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, n PeaksReady) error
}

// Noop drops every notification.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, PeaksReady) error { return nil }

// envelope is the message body on the wire.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// Encode renders n as the JSON envelope published to subscribers.
func Encode(n PeaksReady, at time.Time) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: EventPeaksReady, Data: data, At: at.Unix()})
}

// Decode parses an envelope produced by Encode.
func Decode(b []byte) (PeaksReady, error) {
	var env envelope
	var n PeaksReady
	if err := json.Unmarshal(b, &env); err != nil {
		return n, err
	}
	if env.Event != EventPeaksReady {
		return n, fmt.Errorf("unexpected event %q", env.Event)
	}
	err := json.Unmarshal(env.Data, &n)
	return n, err
}

// RedisPublisher publishes notifications on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	log     *slog.Logger
}

// NewRedisPublisher pings addr before returning a publisher on channel.
func NewRedisPublisher(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	p := NewRedisPublisherFromClient(rdb, channel)
	p.log.Info("redis publisher connected", slog.String("addr", addr), slog.String("channel", channel))
	return p, nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: 5 * time.Second,
		log:     slog.Default().With(slog.String("component", "notify")),
	}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, n PeaksReady) error {
	body, err := Encode(n, time.Now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.StreamID, err)
	}
	p.log.Debug("peaks_ready published", slog.String("stream_id", n.StreamID), slog.Int("peaks", n.PeakCount))
	return nil
}

// Ping checks the connection; used as a readiness probe.
func (p *RedisPublisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// Recorder keeps notifications in memory; used by tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	sent []PeaksReady
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, n PeaksReady) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []PeaksReady {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeaksReady(nil), r.sent...)
}
