package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LiveStatus is a channel's broadcast state as seen by one poll.
type LiveStatus string

const (
	StatusOffline  LiveStatus = "OFFLINE"
	StatusLive     LiveStatus = "LIVE"
	StatusNotFound LiveStatus = "NOT_FOUND"
)

// ChannelStatus is the result of one status query. Token identifies the broadcast;
// a new Token while LIVE means a new broadcast started.
type ChannelStatus struct {
	Channel   string
	Status    LiveStatus
	Token     string
	Title     string
	StartedAt time.Time
}

// Status reports whether channel is live. Offline channels are checked against the user
// directory once (the id is cached) so a misspelled login surfaces as NOT_FOUND.
func (hc *HelixClient) Status(ctx context.Context, channel string) (ChannelStatus, error) {
	st := ChannelStatus{Channel: channel, Status: StatusOffline}
	streams, err := hc.GetStreams(ctx, channel)
	if err != nil {
		return st, fmt.Errorf("streams %s: %w", channel, err)
	}
	for _, s := range streams {
		if s.Type != "" && s.Type != "live" {
			continue
		}
		st.Status = StatusLive
		st.Token = s.ID
		st.Title = s.Title
		st.StartedAt = s.StartedAt.UTC()
		return st, nil
	}
	if _, err := hc.GetUserID(ctx, channel); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			st.Status = StatusNotFound
			return st, nil
		}
		return st, fmt.Errorf("users %s: %w", channel, err)
	}
	return st, nil
}

// Validate fetches an app token so bad credentials fail at startup instead of on every poll.
func (hc *HelixClient) Validate(ctx context.Context) error {
	_, err := hc.Tokens.Token(ctx)
	return err
}
