// Package eventlog defines the stream event record and its append-only JSON Lines store.
package eventlog

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an Event variant.
type Kind string

const (
	KindChat     Kind = "chat"
	KindDonation Kind = "donation"
)

// Known reports whether k is a recognised event kind.
func (k Kind) Known() bool { return k == KindChat || k == KindDonation }

// ErrInvalidEvent is wrapped by every Validate failure.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one line of events.jsonl. TMs is the offset in milliseconds from the session start.
type Event struct {
	StreamID   string    `json:"stream_id"`
	Type       Kind      `json:"type"`
	TMs        int64     `json:"t_ms"`
	User       string    `json:"user,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	Amount     *int64    `json:"amount,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewChat builds a chat event.
func NewChat(streamID string, tMs int64, user, userID, text string, receivedAt time.Time) Event {
	return Event{StreamID: streamID, Type: KindChat, TMs: tMs, User: user, UserID: userID, Text: text, ReceivedAt: receivedAt.UTC()}
}

// NewDonation builds a donation event; amount is in the platform's smallest unit (bits, cents).
func NewDonation(streamID string, tMs int64, user, userID, text string, amount int64, receivedAt time.Time) Event {
	return Event{StreamID: streamID, Type: KindDonation, TMs: tMs, User: user, UserID: userID, Text: text, Amount: &amount, ReceivedAt: receivedAt.UTC()}
}

// Sec returns the whole-second offset of the event.
func (e Event) Sec() int64 { return e.TMs / 1000 }

// Validate checks the invariants every stored event must satisfy.
func (e Event) Validate() error {
	switch {
	case e.StreamID == "":
		return fmt.Errorf("%w: empty stream_id", ErrInvalidEvent)
	case !e.Type.Known():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	case e.TMs < 0:
		return fmt.Errorf("%w: negative t_ms %d", ErrInvalidEvent, e.TMs)
	case e.Amount != nil && e.Type != KindDonation:
		return fmt.Errorf("%w: amount on %s event", ErrInvalidEvent, e.Type)
	case e.Amount != nil && *e.Amount < 0:
		return fmt.Errorf("%w: negative amount %d", ErrInvalidEvent, *e.Amount)
	}
	return nil
}
