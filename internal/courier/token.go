package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/courier-sync/internal/obs"
)

// AuthError indicates the credentials-grant request failed. Every provider
// call is blocked until a refresh succeeds.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("courier: token request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("courier: token request failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Credentials hold the password-grant parameters issued by the provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// TokenSource obtains and caches the provider bearer credential. A cached
// token is served without I/O until a safety margin before its stated expiry;
// concurrent refreshes collapse into a single grant request.
type TokenSource struct {
	HTTP        *http.Client
	BaseURL     string
	Credentials Credentials
	// Margin is subtracted from the provider's expires_in so the token is
	// replaced before it actually lapses. Defaults to five minutes.
	Margin time.Duration
	// Now is the clock used for expiry decisions, injectable for tests.
	Now func() time.Time

	mu        sync.Mutex
	group     singleflight.Group
	token     string
	expiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns a valid bearer credential, refreshing it when the cached one
// is missing or inside the expiry margin.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := t.cached(); ok {
		return tok, nil
	}
	v, err, _ := t.group.Do("issue-token", func() (any, error) {
		// A racing caller may have refreshed while we queued.
		if tok, ok := t.cached(); ok {
			return tok, nil
		}
		return t.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token so the next call performs a refresh.
// The API client calls this when the provider rejects a credential early.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *TokenSource) cached() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" {
		return "", false
	}
	if !t.now().Before(t.expiresAt) {
		return "", false
	}
	return t.token, true
}

func (t *TokenSource) refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     t.Credentials.ClientID,
		"client_secret": t.Credentials.ClientSecret,
		"username":      t.Credentials.Username,
		"password":      t.Credentials.Password,
		"grant_type":    "password",
	})
	if err != nil {
		return "", &AuthError{Err: err}
	}

	url := strings.TrimRight(t.BaseURL, "/") + "/issue-token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		t.recordRefresh("error")
		return "", &AuthError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.recordRefresh("rejected")
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AuthError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(snippet)))}
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.recordRefresh("error")
		return "", &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if parsed.AccessToken == "" {
		t.recordRefresh("error")
		return "", &AuthError{Err: errors.New("token response missing access_token")}
	}

	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	expiresAt := t.now().Add(ttl - t.margin())

	t.mu.Lock()
	t.token = parsed.AccessToken
	t.expiresAt = expiresAt
	t.mu.Unlock()

	t.recordRefresh("success")
	return parsed.AccessToken, nil
}

func (t *TokenSource) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *TokenSource) margin() time.Duration {
	if t.Margin <= 0 {
		return 5 * time.Minute
	}
	return t.Margin
}

func (t *TokenSource) recordRefresh(result string) {
	if obs.TokenRefreshTotal != nil {
		obs.TokenRefreshTotal.WithLabelValues(result).Inc()
	}
}
