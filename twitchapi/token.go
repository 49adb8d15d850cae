package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// ErrAuthentication means Twitch refused the client id/secret.
var ErrAuthentication = errors.New("twitch app authentication failed")

// AppTokenSource fetches and caches a Twitch app access (client credentials) token.
// Unlike oauth2.ReuseTokenSource it can be invalidated when Helix answers 401 before
// the token's nominal expiry.
// NOTE: an app token cannot be used for IRC chat; chat needs a user token with chat:read.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

func (ts *AppTokenSource) config() *clientcredentials.Config {
	u := ts.TokenURL
	if u == "" {
		u = DefaultTokenURL
	}
	return &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     u,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
}

// Token returns a cached token with at least a minute left, fetching a new one otherwise.
func (ts *AppTokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && ts.tok.AccessToken != "" && time.Until(ts.tok.Expiry) > time.Minute {
		return ts.tok, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return nil, fmt.Errorf("%w: missing client id/secret", ErrAuthentication)
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := ts.config().Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("twitch token request: %w", err)
	}
	ts.tok = tok
	return tok, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (ts *AppTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}
