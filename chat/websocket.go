package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrame is the feed envelope: {"event": "...", "data": {...}}.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsChat struct {
	ID     string `json:"id"`
	User   string `json:"user"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Amount int64  `json:"amount"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSTransport reads a JSON chat feed over a WebSocket. URL may contain "{channel}".
type WSTransport struct {
	URL     string
	Channel string
	Header  http.Header
	Dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	msgs chan Message
	errs chan error
	done chan struct{}
}

func (t *WSTransport) endpoint() string {
	return strings.ReplaceAll(t.URL, "{channel}", t.Channel)
}

// Connect dials the feed and starts the reader goroutine.
func (t *WSTransport) Connect(ctx context.Context) error {
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	conn, resp, err := dialer.DialContext(ctx, t.endpoint(), t.Header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Errorf("%w: handshake status %d", ErrAuthentication, resp.StatusCode)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrChannelNotFound, t.Channel)
			}
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	msgs := make(chan Message, 1024)
	errs := make(chan error, 1)
	done := make(chan struct{})
	conn.SetReadLimit(1 << 20)
	conn.SetPingHandler(func(appData string) error {
		select {
		case msgs <- Message{Kind: MessageHeartbeat, ReceivedAt: time.Now()}:
		default:
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		select {
		case msgs <- Message{Kind: MessageHeartbeat, ReceivedAt: time.Now()}:
		default:
		}
		return nil
	})

	t.mu.Lock()
	t.conn, t.msgs, t.errs, t.done = conn, msgs, errs, done
	t.mu.Unlock()

	go t.readPump(conn, msgs, errs, done)
	return nil
}

func (t *WSTransport) readPump(conn *websocket.Conn, msgs chan<- Message, errs chan<- error, done <-chan struct{}) {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				slog.Warn("websocket: skipping undecodable frame", slog.String("channel", t.Channel), slog.Any("err", err))
				continue
			}
			errs <- fmt.Errorf("%w: %w", ErrConnectionLost, err)
			return
		}
		msg, err := t.decode(conn, f)
		if err != nil {
			errs <- err
			return
		}
		if msg == nil {
			continue
		}
		select {
		case msgs <- *msg:
		case <-done:
			return
		}
	}
}

// decode maps one frame. A nil message with nil error means the frame carried nothing
// for the caller.
func (t *WSTransport) decode(conn *websocket.Conn, f wsFrame) (*Message, error) {
	now := time.Now()
	switch f.Event {
	case "ping":
		if err := conn.WriteJSON(wsFrame{Event: "pong"}); err != nil {
			return nil, fmt.Errorf("%w: write pong: %w", ErrConnectionLost, err)
		}
		return &Message{Kind: MessageHeartbeat, ReceivedAt: now}, nil
	case "pong":
		return &Message{Kind: MessageHeartbeat, ReceivedAt: now}, nil
	case "chat", "donation":
		var c wsChat
		if err := json.Unmarshal(f.Data, &c); err != nil {
			slog.Warn("websocket: bad payload", slog.String("event", f.Event), slog.Any("err", err))
			return &Message{Kind: MessageHeartbeat, ReceivedAt: now}, nil
		}
		m := &Message{Kind: MessageChat, ID: c.ID, User: c.User, UserID: c.UserID, Text: c.Text, ReceivedAt: now}
		if f.Event == "donation" {
			m.Kind = MessageDonation
			m.Amount = c.Amount
		}
		return m, nil
	case "error":
		var e wsError
		_ = json.Unmarshal(f.Data, &e)
		switch e.Code {
		case "unauthorized", "forbidden":
			return nil, fmt.Errorf("%w: %s", ErrAuthentication, e.Message)
		case "not_found":
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, t.Channel)
		}
		return nil, fmt.Errorf("%w: server error %s: %s", ErrConnectionLost, e.Code, e.Message)
	default:
		// unknown events still prove the socket is alive
		return &Message{Kind: MessageHeartbeat, ReceivedAt: now}, nil
	}
}

// Receive returns the next frame.
func (t *WSTransport) Receive(ctx context.Context) (Message, error) {
	t.mu.Lock()
	msgs, errs := t.msgs, t.errs
	t.mu.Unlock()
	if msgs == nil {
		return Message{}, fmt.Errorf("%w: not connected", ErrConnectionLost)
	}
	select {
	case m := <-msgs:
		return m, nil
	case err := <-errs:
		return drainFirst(msgs, errs, err)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close sends a close frame and drops the connection. The read pump exits on the
// resulting read error.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.msgs, t.errs, t.done = nil, nil, nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(done)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}
