package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// IRCTransport reads one Twitch channel over IRC. Without credentials it joins anonymously
// (read-only justinfan login), which is enough for recording.
type IRCTransport struct {
	Channel    string
	Username   string
	OAuthToken string
	// ConnectTimeout bounds the wait for the server welcome (default 15s).
	ConnectTimeout time.Duration

	// newClient is swapped in tests; a fresh client is built per Connect because
	// go-twitch-irc clients are not reusable after Disconnect.
	newClient func() *twitch.Client

	mu     sync.Mutex
	client *twitch.Client
	msgs   chan Message
	errs   chan error
	done   chan struct{}
}

func (t *IRCTransport) buildClient() *twitch.Client {
	if t.newClient != nil {
		return t.newClient()
	}
	if t.Username == "" || t.OAuthToken == "" {
		return twitch.NewAnonymousClient()
	}
	return twitch.NewClient(t.Username, t.OAuthToken)
}

// Connect dials, joins the channel and waits for the welcome message.
func (t *IRCTransport) Connect(ctx context.Context) error {
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cl := t.buildClient()
	msgs := make(chan Message, 1024)
	errs := make(chan error, 1)
	done := make(chan struct{})
	connected := make(chan struct{})
	var once sync.Once

	push := func(m Message) {
		select {
		case msgs <- m:
		case <-done:
		}
	}
	fail := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	cl.OnConnect(func() { once.Do(func() { close(connected) }) })
	cl.OnPrivateMessage(func(m twitch.PrivateMessage) { push(privateMessage(m)) })
	cl.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		if msg, ok := userNotice(m); ok {
			push(msg)
		}
	})
	cl.OnPingMessage(func(twitch.PingMessage) { push(Message{Kind: MessageHeartbeat, ReceivedAt: time.Now()}) })
	cl.OnPongMessage(func(twitch.PongMessage) { push(Message{Kind: MessageHeartbeat, ReceivedAt: time.Now()}) })
	cl.OnNoticeMessage(func(m twitch.NoticeMessage) {
		switch m.MsgID {
		case "msg_channel_suspended", "msg_channel_blocked", "msg_banned":
			fail(fmt.Errorf("%w: %s (%s)", ErrChannelNotFound, t.Channel, m.MsgID))
		}
	})
	cl.OnReconnectMessage(func(twitch.ReconnectMessage) {
		fail(fmt.Errorf("%w: server requested reconnect", ErrConnectionLost))
	})
	cl.Join(t.Channel)

	go func() {
		err := cl.Connect()
		if err == nil {
			err = io.EOF
		}
		fail(mapIRCError(err))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
	case err := <-errs:
		close(done)
		_ = cl.Disconnect()
		return err
	case <-ctx.Done():
		close(done)
		_ = cl.Disconnect()
		return ctx.Err()
	case <-timer.C:
		close(done)
		_ = cl.Disconnect()
		return fmt.Errorf("irc connect to #%s: timed out after %s", t.Channel, timeout)
	}

	t.mu.Lock()
	t.client, t.msgs, t.errs, t.done = cl, msgs, errs, done
	t.mu.Unlock()
	return nil
}

// Receive returns the next chat, donation or heartbeat frame.
func (t *IRCTransport) Receive(ctx context.Context) (Message, error) {
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

// Close disconnects the current client, if any.
func (t *IRCTransport) Close() error {
	t.mu.Lock()
	cl, done := t.client, t.done
	t.client, t.msgs, t.errs, t.done = nil, nil, nil, nil
	t.mu.Unlock()
	if cl == nil {
		return nil
	}
	close(done)
	if err := cl.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		return err
	}
	return nil
}

func mapIRCError(err error) error {
	switch {
	case errors.Is(err, twitch.ErrLoginAuthenticationFailed):
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	case errors.Is(err, twitch.ErrClientDisconnected), errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}

func privateMessage(m twitch.PrivateMessage) Message {
	msg := Message{
		Kind:       MessageChat,
		ID:         m.ID,
		User:       m.User.Name,
		UserID:     m.User.ID,
		Text:       m.Message,
		ReceivedAt: time.Now(),
	}
	if m.Bits > 0 {
		msg.Kind = MessageDonation
		msg.Amount = int64(m.Bits)
	}
	return msg
}

// subValue maps a sub plan to its bits-equivalent price (1 bit ≈ 1 cent).
var subValue = map[string]int64{
	"Prime": 499,
	"1000":  499,
	"2000":  999,
	"3000":  2499,
}

// userNotice turns paid USERNOTICE events into donations; raids, rituals and the rest are ignored.
func userNotice(m twitch.UserNoticeMessage) (Message, bool) {
	count := int64(1)
	switch m.MsgID {
	case "sub", "resub", "subgift":
	case "submysterygift":
		if n, err := strconv.ParseInt(m.MsgParams["msg-param-mass-gift-count"], 10, 64); err == nil && n > 0 {
			count = n
		}
	default:
		return Message{}, false
	}
	value, ok := subValue[m.MsgParams["msg-param-sub-plan"]]
	if !ok {
		value = subValue["1000"]
	}
	return Message{
		Kind:       MessageDonation,
		ID:         m.ID,
		User:       m.User.Name,
		UserID:     m.User.ID,
		Text:       m.Message,
		Amount:     value * count,
		ReceivedAt: time.Now(),
	}, true
}

// drainFirst keeps frames that were queued before a connection error ahead of it:
// when both channels are ready the error is put back and the frame returned.
func drainFirst(msgs chan Message, errs chan error, err error) (Message, error) {
	select {
	case m := <-msgs:
		select {
		case errs <- err:
		default:
		}
		return m, nil
	default:
		return Message{}, err
	}
}
