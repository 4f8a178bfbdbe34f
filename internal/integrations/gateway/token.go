package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// refreshSkew is how long before the recorded expiry a cached token is
// already considered stale.
const refreshSkew = 60 * time.Second

// AuthError reports a failed client-credentials exchange. It is fatal for the
// turn; the registry converts it to an apology.
type AuthError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: token exchange failed (%s): %v", e.Reason, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: token exchange failed (%s): status %d", e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("gateway: token exchange failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// tokenResponse is the minimal response shape of the OAuth2 token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenSource obtains and caches a bearer token for the gateway via the
// client-credentials grant. The cache is a single slot guarded by a mutex so
// concurrent callers share one in-flight refresh.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

type TokenOption func(*TokenSource)

func WithTokenHTTPClient(httpClient *http.Client) TokenOption {
	return func(s *TokenSource) {
		s.httpClient = httpClient
	}
}

// NewTokenSource creates a TokenSource for the given token endpoint and
// client credentials.
func NewTokenSource(tokenURL, clientID, clientSecret string, opts ...TokenOption) (*TokenSource, error) {
	if strings.TrimSpace(tokenURL) == "" {
		return nil, errors.New("gateway: token URL must not be empty")
	}
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, errors.New("gateway: client credentials must not be empty")
	}
	s := &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token returns the cached token while it is still valid, refreshing it via
// one outbound exchange otherwise. Refreshes are serialized; callers that
// lose the race reuse the token fetched by the winner.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.valid() {
		token := s.token
		s.mu.RUnlock()
		return token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid() {
		return s.token, nil
	}

	token, expiresIn, err := s.exchange(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiresAt = s.now().Add(time.Duration(expiresIn) * time.Second)
	return s.token, nil
}

// valid reports whether the cached token is still usable. Callers must hold
// at least a read lock.
func (s *TokenSource) valid() bool {
	return s.token != "" && s.now().Before(s.expiresAt.Add(-refreshSkew))
}

func (s *TokenSource) exchange(ctx context.Context) (string, int64, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &AuthError{Reason: "create_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, &AuthError{Reason: "request_failed", Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", 0, &AuthError{StatusCode: res.StatusCode, Reason: "unexpected_status"}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", 0, &AuthError{Reason: "read_body", Err: err}
	}
	var payload tokenResponse
	if err := json.Unmarshal(buf, &payload); err != nil {
		return "", 0, &AuthError{Reason: "malformed_body", Err: err}
	}
	if payload.AccessToken == "" {
		return "", 0, &AuthError{Reason: "empty_access_token"}
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}
	return payload.AccessToken, payload.ExpiresIn, nil
}
