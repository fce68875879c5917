package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisquant/kis-trader/internal/config"
)

func testEnv(baseURL, mode string) config.Environment {
	return config.Environment{
		BaseURL:   baseURL,
		AppKey:    "test-key",
		AppSecret: "test-secret",
		Account:   "12345678",
		Product:   "01",
		UserAgent: "kis-trader-test/1.0",
		Mode:      mode,
	}
}

// fakeIssuer stands in for the token endpoints and counts issuances.
func fakeIssuer(t *testing.T, expiresIn int64, issued *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client_credentials", body["grant_type"])
		assert.Equal(t, "test-key", body["appkey"])

		n := atomic.AddInt64(issued, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/oauth2/revokeP", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "revoked"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetOrIssueCachesWithinLifetime(t *testing.T) {
	var issued int64
	srv := fakeIssuer(t, 86400, &issued)
	env := testEnv(srv.URL, "paper")
	tm := NewTokenManager()
	ctx := context.Background()

	tok1, err := tm.GetOrIssue(ctx, env)
	require.NoError(t, err)
	tok2, err := tm.GetOrIssue(ctx, env)
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), issued, "second call within lifetime must not hit the network")
}

func TestGetOrIssueInfoCarriesIssuancePayload(t *testing.T) {
	var issued int64
	srv := fakeIssuer(t, 86400, &issued)
	env := testEnv(srv.URL, "paper")
	tm := NewTokenManager()
	ctx := context.Background()

	info, err := tm.GetOrIssueInfo(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "token-1", info.Token)
	assert.Equal(t, int64(86400), info.ExpiresIn)
	assert.Contains(t, string(info.Raw), "token-1")

	// A cache hit carries the token alone.
	info, err = tm.GetOrIssueInfo(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "token-1", info.Token)
	assert.Nil(t, info.Raw)
	assert.Equal(t, int64(1), issued)
}

func TestGetOrIssueCachePerMode(t *testing.T) {
	var issued int64
	srv := fakeIssuer(t, 86400, &issued)
	tm := NewTokenManager()
	ctx := context.Background()

	_, err := tm.GetOrIssue(ctx, testEnv(srv.URL, "paper"))
	require.NoError(t, err)
	_, err = tm.GetOrIssue(ctx, testEnv(srv.URL, "prod"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), issued, "paper and prod cache independently")
}

func TestTokenExpiresWithMargin(t *testing.T) {
	var issued int64
	srv := fakeIssuer(t, 3600, &issued)
	env := testEnv(srv.URL, "paper")

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tm := newTokenManagerAt(func() time.Time { return now })
	ctx := context.Background()

	_, err := tm.GetOrIssue(ctx, env)
	require.NoError(t, err)

	// Still cached just before the margin boundary.
	now = now.Add(3600*time.Second - 61*time.Second)
	_, err = tm.GetOrIssue(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, int64(1), issued)

	// At expires_in-60 the token must be treated as expired.
	now = now.Add(time.Second)
	_, err = tm.GetOrIssue(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, int64(2), issued)
}

func TestShortLifetimeClampsToNow(t *testing.T) {
	var issued int64
	srv := fakeIssuer(t, 30, &issued) // below the 60s margin
	env := testEnv(srv.URL, "paper")

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tm := newTokenManagerAt(func() time.Time { return now })
	ctx := context.Background()

	_, err := tm.GetOrIssue(ctx, env)
	require.NoError(t, err)
	_, err = tm.GetOrIssue(ctx, env)
	require.NoError(t, err)

	// Margin clamps to zero, so the token is never served from cache.
	assert.Equal(t, int64(2), issued)
}

func TestGetOrIssueMissingCredentials(t *testing.T) {
	tm := NewTokenManager()
	env := config.Environment{BaseURL: "http://127.0.0.1:1", Mode: "paper"}

	_, err := tm.GetOrIssue(context.Background(), env)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCredential))
}

func TestIssueAuthErrorSurfacesProviderDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error_code":        "EGW00002",
			"error_description": "권한이 없는 토큰입니다",
		})
	}))
	defer srv.Close()

	tm := NewTokenManager()
	_, err := tm.GetOrIssue(context.Background(), testEnv(srv.URL, "prod"))
	require.Error(t, err)

	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindAuth, kerr.Kind)
	assert.Equal(t, 403, kerr.Status)
	assert.Equal(t, "EGW00002", kerr.Code)
	assert.Contains(t, kerr.Hint, "whitelist")
}

func TestRevokeClearsOnlyMatchingToken(t *testing.T) {
	var issued int64
	srv := fakeIssuer(t, 86400, &issued)
	env := testEnv(srv.URL, "paper")
	tm := NewTokenManager()
	ctx := context.Background()

	tok, err := tm.GetOrIssue(ctx, env)
	require.NoError(t, err)

	t.Run("stale token leaves a newer cache entry alone", func(t *testing.T) {
		// Simulate a race: revoke a token that is not the cached one.
		require.NoError(t, tm.Revoke(ctx, env, "some-older-token"))

		cached, ok := tm.Cached("paper")
		require.True(t, ok)
		assert.Equal(t, tok, cached)
	})

	t.Run("matching token clears the entry", func(t *testing.T) {
		require.NoError(t, tm.Revoke(ctx, env, tok))

		_, ok := tm.Cached("paper")
		assert.False(t, ok)
	})
}

func TestCachedNeverIssues(t *testing.T) {
	tm := NewTokenManager()
	_, ok := tm.Cached("paper")
	assert.False(t, ok)
}
