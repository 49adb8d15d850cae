package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// newTestClient points a HelixClient at server via rewriteTransport with a pre-seeded token.
func newTestClient(server *httptest.Server) *HelixClient {
	httpClient := &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		},
	}
	ts := &AppTokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", TokenURL: server.URL + "/oauth2/token", HTTPClient: httpClient}
	ts.tok = &oauth2.Token{AccessToken: "test-token", Expiry: time.Now().Add(time.Hour)}
	return &HelixClient{ClientID: "test-client-id", Tokens: ts, HTTPClient: httpClient}
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{{"id": "12345", "login": "testuser"}},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:        "user not found",
			login:       "nonexistent",
			response:    map[string]interface{}{"data": []map[string]string{}},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "invalid login",
			login:       "bad login!",
			response:    map[string]string{"message": "Invalid login names"},
			statusCode:  http.StatusBadRequest,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					_ = json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			userID, err := newTestClient(server).GetUserID(context.Background(), tt.login)
			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUserID() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserID() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserID() unexpected error = %v", err)
			}
			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_GetUserIDCaches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{{"id": "1"}}})
	}))
	defer server.Close()
	c := newTestClient(server)
	for i := 0; i < 3; i++ {
		if _, err := c.GetUserID(context.Background(), "Alpha"); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("user lookups = %d, want 1", calls.Load())
	}
}

func TestHelixClient_Status(t *testing.T) {
	started := time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		name      string
		streams   []map[string]interface{}
		users     []map[string]string
		want      LiveStatus
		wantToken string
	}{
		{
			name:      "live",
			streams:   []map[string]interface{}{{"id": "4001", "user_login": "alpha", "type": "live", "title": "hi", "started_at": started.Format(time.RFC3339)}},
			want:      StatusLive,
			wantToken: "4001",
		},
		{
			name:  "offline",
			users: []map[string]string{{"id": "1", "login": "alpha"}},
			want:  StatusOffline,
		},
		{
			name: "not found",
			want: StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/helix/streams":
					if r.URL.Query().Get("user_login") != "alpha" {
						t.Errorf("user_login = %q", r.URL.Query().Get("user_login"))
					}
					data := tt.streams
					if data == nil {
						data = []map[string]interface{}{}
					}
					_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
				case "/helix/users":
					data := tt.users
					if data == nil {
						data = []map[string]string{}
					}
					_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			}))
			defer server.Close()

			st, err := newTestClient(server).Status(context.Background(), "alpha")
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if st.Status != tt.want || st.Token != tt.wantToken {
				t.Errorf("Status() = %+v, want %s token %q", st, tt.want, tt.wantToken)
			}
			if tt.want == StatusLive && !st.StartedAt.Equal(started) {
				t.Errorf("StartedAt = %v, want %v", st.StartedAt, started)
			}
		})
	}
}

func TestHelixClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer server.Close()
	streams, err := newTestClient(server).GetStreams(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 0 || calls.Load() != 3 {
		t.Errorf("streams=%v calls=%d", streams, calls.Load())
	}
}

func TestHelixClient_ServerErrorExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	c := newTestClient(server)
	c.MaxRetries = 1
	_, err := c.GetStreams(context.Background(), "alpha")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusBadGateway {
		t.Fatalf("error = %v, want StatusError 502", err)
	}
}

func TestHelixClient_ReauthOn401(t *testing.T) {
	var tokenCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "fresh-token", "expires_in": 3600, "token_type": "bearer"})
		case "/helix/streams":
			if r.Header.Get("Authorization") != "Bearer fresh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		}
	}))
	defer server.Close()

	if _, err := newTestClient(server).GetStreams(context.Background(), "alpha"); err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Errorf("token requests = %d, want 1", tokenCalls.Load())
	}
}

func TestValidateRejectsBadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"invalid client secret"}`))
	}))
	defer server.Close()
	c := newTestClient(server)
	c.Tokens.Invalidate()
	if err := c.Validate(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Validate() = %v, want ErrAuthentication", err)
	}
}

type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Rewrite URL to point to test server
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
