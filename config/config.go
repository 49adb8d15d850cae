// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Values are read once at startup; the returned Config is treated as immutable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Chat transports understood by CHAT_TRANSPORT.
const (
	TransportIRC       = "irc"
	TransportWebSocket = "websocket"
)

type Config struct {
	// Channels to watch (CHANNELS, comma separated logins)
	Channels []string

	// Watcher
	PollInterval       time.Duration
	RestartResume      bool
	IdleTimeout        time.Duration
	IdleRequireConfirm bool
	MaxRetries         int
	ShutdownGrace      time.Duration

	// Peak detection
	PeakWindowSec int
	TopK          int
	MinPeakGapSec int
	CoarseSec     int

	// Aggregation
	RollingSec  int
	Resolutions []int
	Location    *time.Location

	// Output
	OutDir string

	// Streaming client
	BackoffFactor        float64
	BackoffBase          time.Duration
	MaxBackoff           time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int

	// Chat transport
	ChatTransport     string
	ChatWSURL         string
	TwitchBotUsername string
	TwitchOAuthToken  string

	// Twitch Helix (status source)
	TwitchClientID     string
	TwitchClientSecret string

	// Optional collaborators
	DBDsn        string
	RedisAddr    string
	RedisChannel string

	HTTPAddr              string
	MaxConcurrentAnalyses int
}

// Load reads environment variables and applies defaults. Malformed numeric or duration values are
// reported as errors rather than silently replaced, since they usually indicate an operator typo.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Channels = splitList(os.Getenv("CHANNELS"))

	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	cfg.RestartResume = os.Getenv("RESTART_RESUME") != "0" // default on
	idleMinutes, err := intEnv("IDLE_TIMEOUT_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	cfg.IdleTimeout = time.Duration(idleMinutes) * time.Minute
	cfg.IdleRequireConfirm = os.Getenv("IDLE_REQUIRE_CONFIRM") == "1"
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = durationEnv("SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.PeakWindowSec, err = intEnv("PEAK_WINDOW_SEC", 60); err != nil {
		return nil, err
	}
	if cfg.TopK, err = intEnv("TOPK", 50); err != nil {
		return nil, err
	}
	if cfg.MinPeakGapSec, err = intEnv("MIN_PEAK_GAP_SEC", 120); err != nil {
		return nil, err
	}
	if cfg.CoarseSec, err = intEnv("COARSE_SEC", 10); err != nil {
		return nil, err
	}

	if cfg.RollingSec, err = intEnv("ROLLING_SEC", 10); err != nil {
		return nil, err
	}
	cfg.Resolutions = []int{1, 10, 60, 300}
	if v := os.Getenv("RESOLUTIONS"); v != "" {
		res, err := parseResolutions(v)
		if err != nil {
			return nil, err
		}
		cfg.Resolutions = res
	}
	tz := os.Getenv("TIMEZONE")
	if tz == "" {
		tz = "UTC"
	}
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	cfg.OutDir = os.Getenv("OUTDIR")
	if cfg.OutDir == "" {
		cfg.OutDir = "output"
	}

	cfg.BackoffFactor = 2
	if v := os.Getenv("BACKOFF_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKOFF_FACTOR: %w", err)
		}
		cfg.BackoffFactor = f
	}
	if cfg.BackoffBase, err = durationEnv("BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = durationEnv("MAX_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatTimeout, err = durationEnv("HEARTBEAT_TIMEOUT", 58*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectAttempts, err = intEnv("MAX_RECONNECT_ATTEMPTS", 100); err != nil {
		return nil, err
	}

	cfg.ChatTransport = strings.ToLower(os.Getenv("CHAT_TRANSPORT"))
	if cfg.ChatTransport == "" {
		cfg.ChatTransport = TransportIRC
	}
	cfg.ChatWSURL = os.Getenv("CHAT_WS_URL")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisChannel = os.Getenv("REDIS_CHANNEL")
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = "chatpeak:peaks"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.MaxConcurrentAnalyses, err = intEnv("MAX_CONCURRENT_ANALYSES", 1); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values the watcher cannot run without.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("missing env: CHANNELS must list at least one channel")
	}
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	switch c.ChatTransport {
	case TransportIRC:
	case TransportWebSocket:
		if c.ChatWSURL == "" {
			return fmt.Errorf("CHAT_TRANSPORT=websocket requires CHAT_WS_URL")
		}
	default:
		return fmt.Errorf("unknown CHAT_TRANSPORT %q", c.ChatTransport)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.PeakWindowSec <= 0 || c.TopK <= 0 || c.MinPeakGapSec < 0 || c.CoarseSec <= 0 {
		return fmt.Errorf("peak settings must be positive (PEAK_WINDOW_SEC, TOPK, COARSE_SEC) and MIN_PEAK_GAP_SEC >= 0")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("BACKOFF_FACTOR must be >= 1")
	}
	if c.MaxRetries <= 0 || c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("MAX_RETRIES and MAX_RECONNECT_ATTEMPTS must be positive")
	}
	return nil
}

// FinestResolution returns the smallest configured bucket width.
func (c *Config) FinestResolution() int {
	finest := 0
	for _, r := range c.Resolutions {
		if finest == 0 || r < finest {
			finest = r
		}
	}
	return finest
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func parseResolutions(v string) ([]int, error) {
	var out []int
	seen := map[int]bool{}
	for _, p := range splitList(v) {
		n, err := strconv.Atoi(strings.TrimSuffix(p, "s"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid RESOLUTIONS entry %q", p)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("RESOLUTIONS is empty")
	}
	return out, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("90s") or bare integers interpreted as seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
