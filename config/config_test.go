package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"CHANNELS", "POLL_INTERVAL", "RESTART_RESUME", "IDLE_TIMEOUT_MINUTES", "RESOLUTIONS", "TIMEZONE", "OUTDIR", "BACKOFF_FACTOR", "HEARTBEAT_TIMEOUT", "CHAT_TRANSPORT"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if !cfg.RestartResume {
		t.Errorf("expected restart resume on by default")
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v, want 10m", cfg.IdleTimeout)
	}
	if cfg.HeartbeatTimeout != 58*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 58s", cfg.HeartbeatTimeout)
	}
	if cfg.MaxReconnectAttempts != 100 {
		t.Errorf("MaxReconnectAttempts = %d, want 100", cfg.MaxReconnectAttempts)
	}
	if !reflect.DeepEqual(cfg.Resolutions, []int{1, 10, 60, 300}) {
		t.Errorf("Resolutions = %v", cfg.Resolutions)
	}
	if cfg.FinestResolution() != 1 {
		t.Errorf("FinestResolution = %d, want 1", cfg.FinestResolution())
	}
	if cfg.OutDir != "output" || cfg.ChatTransport != TransportIRC {
		t.Errorf("unexpected defaults: outdir=%q transport=%q", cfg.OutDir, cfg.ChatTransport)
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", cfg.Location)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHANNELS", " Alpha, beta ,,")
	t.Setenv("POLL_INTERVAL", "15")
	t.Setenv("RESTART_RESUME", "0")
	t.Setenv("RESOLUTIONS", "60s,5,5,300")
	t.Setenv("BACKOFF_FACTOR", "1.5")
	t.Setenv("HEARTBEAT_TIMEOUT", "30s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"alpha", "beta"}) {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", cfg.PollInterval)
	}
	if cfg.RestartResume {
		t.Errorf("expected restart resume disabled")
	}
	if !reflect.DeepEqual(cfg.Resolutions, []int{60, 5, 300}) {
		t.Errorf("Resolutions = %v", cfg.Resolutions)
	}
	if cfg.FinestResolution() != 5 {
		t.Errorf("FinestResolution = %d, want 5", cfg.FinestResolution())
	}
	if cfg.BackoffFactor != 1.5 || cfg.HeartbeatTimeout != 30*time.Second {
		t.Errorf("factor=%v heartbeat=%v", cfg.BackoffFactor, cfg.HeartbeatTimeout)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"TOPK", "many", "TOPK"},
		{"POLL_INTERVAL", "soon", "POLL_INTERVAL"},
		{"RESOLUTIONS", "0", "RESOLUTIONS"},
		{"TIMEZONE", "Mars/Olympus", "TIMEZONE"},
		{"BACKOFF_FACTOR", "x", "BACKOFF_FACTOR"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("CHANNELS", "chan")
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	noChannels := *cfg
	noChannels.Channels = nil
	if err := noChannels.Validate(); err == nil {
		t.Errorf("expected error without channels")
	}

	ws := *cfg
	ws.ChatTransport = TransportWebSocket
	if err := ws.Validate(); err == nil {
		t.Errorf("expected error for websocket transport without CHAT_WS_URL")
	}
	ws.ChatWSURL = "wss://example.test/chat?channel={channel}"
	if err := ws.Validate(); err != nil {
		t.Errorf("expected valid websocket config, got %v", err)
	}

	badFactor := *cfg
	badFactor.BackoffFactor = 0.5
	if err := badFactor.Validate(); err == nil {
		t.Errorf("expected error for backoff factor < 1")
	}
}
