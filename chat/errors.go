package chat

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAuthentication means the chat service rejected our credentials. Never retried.
	ErrAuthentication = errors.New("chat authentication failed")
	// ErrChannelNotFound means the channel does not exist or cannot be joined. Never retried.
	ErrChannelNotFound = errors.New("chat channel not found")
	// ErrConnectionLost wraps transport read/write failures after a successful connect.
	ErrConnectionLost = errors.New("chat connection lost")
	// ErrHeartbeatTimeout is reported when nothing arrived within the heartbeat window.
	ErrHeartbeatTimeout = errors.New("chat heartbeat timeout")
	// ErrMaxReconnectAttempts is returned by Client.Run once the reconnect budget is spent.
	ErrMaxReconnectAttempts = errors.New("chat max reconnect attempts exceeded")
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the connection should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the client must stop (credentials, missing channel, exhausted budget).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError decides whether a connect or receive error is worth another attempt.
//
// Sentinels are checked first. Transports that surface raw library or HTTP errors are
// classified by message:
//   - 5xx, network resets, timeouts and EOF are retryable
//   - auth failures (401/403, "login authentication failed") are fatal
//   - unknown or suspended channels (404, "msg_channel_suspended") are fatal
//
// Anything else is treated as retryable so a long broadcast is not abandoned early.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrMaxReconnectAttempts):
		return ErrorClassFatal
	case errors.Is(err, context.Canceled):
		return ErrorClassFatal
	case errors.Is(err, ErrHeartbeatTimeout), errors.Is(err, ErrConnectionLost), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())

	// server errors before the generic "not found"/status patterns
	for _, p := range []string{"500", "502", "503", "504", "bad gateway", "service unavailable"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	for _, p := range []string{"login authentication failed", "improperly formatted auth", "401", "403", "unauthorized", "forbidden"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	for _, p := range []string{"msg_channel_suspended", "no such channel", "channel not found", "404"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// IsFatalError reports whether err should stop the client without retrying.
func IsFatalError(err error) bool {
	return ClassifyError(err) == ErrorClassFatal
}
