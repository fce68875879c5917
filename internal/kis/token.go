package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kisquant/kis-trader/internal/config"
	"github.com/kisquant/kis-trader/internal/observ"
)

// expiryMargin is subtracted from the provider's expires_in so a token
// is never presented right at its expiry boundary (clock skew, request
// latency).
const expiryMargin = 60 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenManager issues, caches, and revokes bearer tokens, one cache
// entry per mode. KIS throttles token issuance, so reissuing per
// request is not an option. The cache is in-memory only; a process
// restart forces reissuance.
type TokenManager struct {
	mu    sync.Mutex
	cache map[string]cachedToken
	now   func() time.Time
	http  *http.Client
}

// NewTokenManager returns a manager with the wall clock and the
// standard request timeout.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		cache: make(map[string]cachedToken),
		now:   time.Now,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

// newTokenManagerAt is the test constructor with an injected clock.
func newTokenManagerAt(now func() time.Time) *TokenManager {
	tm := NewTokenManager()
	tm.now = now
	return tm
}

// TokenInfo describes the token returned by GetOrIssueInfo. ExpiresIn
// and Raw are only populated on a fresh issue; a cache hit carries the
// token alone.
type TokenInfo struct {
	Token     string
	ExpiresIn int64
	Raw       json.RawMessage
}

// GetOrIssue returns the cached token for env's mode while it is still
// valid, otherwise issues a new one and caches it.
func (tm *TokenManager) GetOrIssue(ctx context.Context, env config.Environment) (string, error) {
	info, err := tm.GetOrIssueInfo(ctx, env)
	if err != nil {
		return "", err
	}
	return info.Token, nil
}

// GetOrIssueInfo is GetOrIssue plus the provider's issuance payload,
// for callers that echo it back.
func (tm *TokenManager) GetOrIssueInfo(ctx context.Context, env config.Environment) (*TokenInfo, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if c, ok := tm.cache[env.Mode]; ok && tm.now().Before(c.expiresAt) {
		observ.IncCounter("token_cache_hit", map[string]string{"mode": env.Mode})
		return &TokenInfo{Token: c.token}, nil
	}

	if !env.HasCredentials() {
		return nil, newCredentialError(env.Mode)
	}

	res, raw, err := tm.issue(ctx, env)
	if err != nil {
		return nil, err
	}

	margin := time.Duration(res.ExpiresIn)*time.Second - expiryMargin
	if margin < 0 {
		margin = 0
	}
	tm.cache[env.Mode] = cachedToken{
		token:     res.AccessToken,
		expiresAt: tm.now().Add(margin),
	}
	observ.IncCounter("token_issued", map[string]string{"mode": env.Mode})
	observ.Log("token_issued", map[string]any{"mode": env.Mode, "expires_in": res.ExpiresIn})
	return &TokenInfo{Token: res.AccessToken, ExpiresIn: res.ExpiresIn, Raw: raw}, nil
}

// Cached returns the valid cached token for mode, if any. It never
// issues.
func (tm *TokenManager) Cached(mode string) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	c, ok := tm.cache[mode]
	if !ok || !tm.now().Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

// Revoke invalidates the token with the provider. The cache entry is
// cleared only when it still holds the same token, so revoking a stale
// token cannot discard a newer one issued in the meantime.
func (tm *TokenManager) Revoke(ctx context.Context, env config.Environment, token string) error {
	if !env.HasCredentials() {
		return newCredentialError(env.Mode)
	}

	body := map[string]string{
		"token":     token,
		"appkey":    env.AppKey,
		"appsecret": env.AppSecret,
	}
	if _, err := tm.post(ctx, env, "/oauth2/revokeP", body); err != nil {
		return err
	}

	tm.mu.Lock()
	if c, ok := tm.cache[env.Mode]; ok && c.token == token {
		delete(tm.cache, env.Mode)
	}
	tm.mu.Unlock()

	observ.Log("token_revoked", map[string]any{"mode": env.Mode})
	return nil
}

func (tm *TokenManager) issue(ctx context.Context, env config.Environment) (*tokenResponse, json.RawMessage, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     env.AppKey,
		"appsecret":  env.AppSecret,
	}
	raw, err := tm.post(ctx, env, "/oauth2/tokenP", body)
	if err != nil {
		return nil, nil, err
	}
	var res tokenResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, newTransportError("decode response", err)
	}
	return &res, raw, nil
}

func (tm *TokenManager) post(ctx context.Context, env config.Environment, path string, body map[string]string) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newTransportError("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, newTransportError("create request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", env.UserAgent)

	resp, err := tm.http.Do(req)
	if err != nil {
		return nil, newTransportError("post "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Surface the provider's own error code and description when
		// the body carries them.
		var detail tokenResponse
		_ = json.Unmarshal(raw, &detail)
		return nil, newAuthError(resp.StatusCode, detail.ErrorCode, detail.ErrorDesc)
	}

	return raw, nil
}
