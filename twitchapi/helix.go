// Package twitchapi contains the Twitch Helix helpers the watcher needs: user id
// resolution and live stream lookup, authenticated with an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when a login does not resolve to a Twitch user.
var ErrUserNotFound = errors.New("user not found")

// StatusError is a non-2xx Helix response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix status %d: %s", e.Code, e.Body)
}

// Stream is a live broadcast as reported by /helix/streams.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// HelixClient provides the minimal Helix calls needed for live-status polling.
type HelixClient struct {
	ClientID   string
	Tokens     *AppTokenSource
	HTTPClient *http.Client
	BaseURL    string
	// MaxRetries bounds retries of 429/5xx responses (default 2).
	MaxRetries int

	mu      sync.Mutex
	userIDs map[string]string
}

// NewHelixClient builds a client whose status queries and token requests share one
// keep-alive connection pool.
func NewHelixClient(clientID, clientSecret string) *HelixClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	hc := &http.Client{Timeout: 20 * time.Second, Transport: otelhttp.NewTransport(transport)}
	return &HelixClient{
		ClientID:   clientID,
		HTTPClient: hc,
		Tokens:     &AppTokenSource{ClientID: clientID, ClientSecret: clientSecret, HTTPClient: hc},
	}
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// get performs an authenticated GET and decodes the JSON body into out. A 401 drops the
// cached token and retries once; 429 and 5xx are retried with a short backoff.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	retries := hc.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	reauthed := false
	for attempt := 0; ; attempt++ {
		tok, err := hc.Tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusOK {
			err = json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		closeBody(resp)
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !reauthed:
			reauthed = true
			hc.Tokens.Invalidate()
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAuthentication, serr)
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries:
			wait := time.Duration(250*(1<<attempt)) * time.Millisecond
			slog.Debug("helix retry", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return serr
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID. Positive results are cached.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	login = strings.ToLower(login)
	hc.mu.Lock()
	if id, ok := hc.userIDs[login]; ok {
		hc.mu.Unlock()
		return id, nil
	}
	hc.mu.Unlock()

	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		// Helix rejects syntactically invalid logins with 400
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusBadRequest {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
		}
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	id := body.Data[0].ID
	hc.mu.Lock()
	if hc.userIDs == nil {
		hc.userIDs = map[string]string{}
	}
	hc.userIDs[login] = id
	hc.mu.Unlock()
	return id, nil
}

// GetStreams returns the live streams for login (empty when offline).
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", url.Values{"user_login": {strings.ToLower(login)}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
