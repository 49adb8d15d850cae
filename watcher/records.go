package watcher

import (
	"time"

	"github.com/onnwee/chatpeak/chat"
	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/twitchapi"
)

// ChannelRecord is the watcher's view of one configured channel. Only the watcher
// goroutine mutates records; Snapshot hands out copies.
type ChannelRecord struct {
	Channel    string               `json:"channel"`
	Status     twitchapi.LiveStatus `json:"status"`
	Token      string               `json:"token,omitempty"`
	ErrorCount int                  `json:"error_count"`
	Degraded   bool                 `json:"degraded"`
	LastPoll   time.Time            `json:"last_poll,omitempty"`
	LastError  string               `json:"last_error,omitempty"`

	// settled is set once a status query for the channel succeeded.
	settled bool
}

// SessionInfo describes an ACTIVE collector.
type SessionInfo struct {
	StreamID     string           `json:"stream_id"`
	Channel      string           `json:"channel"`
	Token        string           `json:"token"`
	Dir          string           `json:"dir"`
	StartedAt    time.Time        `json:"started_at"`
	Status       collector.Status `json:"status"`
	ClientState  chat.State       `json:"client_state"`
	LastActivity time.Time        `json:"last_activity"`
}

// Snapshot is a point-in-time copy of watcher state.
type Snapshot struct {
	Channels []ChannelRecord `json:"channels"`
	Sessions []SessionInfo   `json:"sessions"`
	Polls    int64           `json:"polls"`
	TakenAt  time.Time       `json:"taken_at"`
}
