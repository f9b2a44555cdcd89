package courier_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/courier-sync/internal/courier"
)

func TestTokenSingleflight(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-abc","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	tokens := &courier.TokenSource{HTTP: srv.Client(), BaseURL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tokens.Token(context.Background())
			require.NoError(t, err)
			require.Equal(t, "tok-abc", tok)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), hits.Load(), "concurrent callers must share one refresh")
}

func TestTokenRefreshesBeforeExpiry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-abc","expires_in":600}`))
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tokens := &courier.TokenSource{
		HTTP:    srv.Client(),
		BaseURL: srv.URL,
		Margin:  5 * time.Minute,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	}

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)
	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load(), "cached token must be reused")

	// 600s lifetime minus the 300s margin: the token is stale after 5 minutes.
	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()

	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load(), "token inside the expiry margin must be refreshed")
}

func TestTokenInvalidateForcesRefresh(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := tokenServerSimple(t, &hits)

	tokens := &courier.TokenSource{HTTP: srv.Client(), BaseURL: srv.URL}

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)
	tokens.Invalidate()
	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func tokenServerSimple(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-abc","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenRejectedCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"invalid credentials"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tokens := &courier.TokenSource{HTTP: srv.Client(), BaseURL: srv.URL}

	_, err := tokens.Token(context.Background())
	var authErr *courier.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}
