package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProd(t *testing.T) {
	t.Setenv("APP_KEY", "pk")
	t.Setenv("APP_SECRET", "ps")
	t.Setenv("ACCT_STOCK", "12345678")

	env, err := Resolve("prod")
	require.NoError(t, err)

	assert.Equal(t, DefaultProdBase, env.BaseURL)
	assert.Equal(t, "pk", env.AppKey)
	assert.Equal(t, "12345678", env.Account)
	assert.Equal(t, "01", env.Product)
	assert.Equal(t, "prod", env.Mode)
	assert.True(t, env.HasCredentials())
}

func TestResolvePaperAccountFallback(t *testing.T) {
	t.Setenv("PAPER_APP_KEY", "ppk")
	t.Setenv("PAPER_APP_SECRET", "pps")
	t.Setenv("PAPER_ACCT_STOCK", "")
	t.Setenv("ACCT_STOCK", "87654321")

	env, err := Resolve("paper")
	require.NoError(t, err)

	assert.Equal(t, DefaultPaperBase, env.BaseURL)
	assert.Equal(t, "87654321", env.Account, "paper falls back to the prod account number")
}

func TestResolveOverridesFromEnv(t *testing.T) {
	t.Setenv("BASE_PAPER", "http://localhost:9999")
	t.Setenv("USER_AGENT", "custom/2.0")

	env, err := Resolve("paper")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", env.BaseURL)
	assert.Equal(t, "custom/2.0", env.UserAgent)
}

func TestResolveUnknownMode(t *testing.T) {
	_, err := Resolve("staging")
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "mode", cerr.Field)
}

func TestHasCredentials(t *testing.T) {
	assert.False(t, Environment{AppKey: "k"}.HasCredentials())
	assert.False(t, Environment{AppSecret: "s"}.HasCredentials())
	assert.True(t, Environment{AppKey: "k", AppSecret: "s"}.HasCredentials())
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, ":5173", cfg.Server.Addr)
	assert.Equal(t, 24, cfg.Universe.TTLHours)
	assert.Equal(t, 200, cfg.Universe.Limit)
	assert.Equal(t, "J", cfg.Trading.Market)
	assert.Equal(t, 5, cfg.Trading.TopN)
	assert.Equal(t, "equal", cfg.Trading.Alloc)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: prod\ntrading:\n  top_n: 10\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Mode)
	assert.Equal(t, 10, cfg.Trading.TopN)
	assert.Equal(t, "J", cfg.Trading.Market, "unset fields keep defaults")
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: [unclosed"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestMask(t *testing.T) {
	in := map[string]any{
		"appkey":    "PSabcdefgh",
		"AppSecret": "verysecretvalue",
		"output": map[string]any{
			"access_token": "eyJhbGciOi",
			"stck_prpr":    "71900",
		},
		"list": []any{map[string]any{"token": "abc"}},
	}

	out := Mask(in).(map[string]any)
	assert.Equal(t, "PSab***", out["appkey"])
	assert.Equal(t, "very***", out["AppSecret"])

	nested := out["output"].(map[string]any)
	assert.Equal(t, "eyJh***", nested["access_token"])
	assert.Equal(t, "71900", nested["stck_prpr"])

	item := out["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "***", item["token"], "short values are fully masked")
}
