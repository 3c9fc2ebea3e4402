package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, GetDefaultConfig(), cfg)
	assert.Equal(t, "startlist", cfg.Deployment.Prefix)
	assert.Equal(t, "v1.0.0", cfg.Deployment.Version)
	assert.True(t, cfg.Deployment.SkipWaiting)
	assert.Equal(t, 5*time.Second, cfg.Strategy.FeedTimeout)
	assert.Equal(t, DefaultCoreAssets, cfg.Deployment.CoreAssets)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
upstream:
  origin: "https://startlist.example.com"
  scope: /app/
deployment:
  version: v2.3.0
  skip_waiting: false
  core_assets:
    - ./
    - ./index.html
strategy:
  feed_timeout: 250ms
store:
  backend: sqlite
  path: /var/lib/shellcache
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "v2.3.0", cfg.Deployment.Version)
	assert.False(t, cfg.Deployment.SkipWaiting)
	assert.Equal(t, []string{"./", "./index.html"}, cfg.Deployment.CoreAssets)
	assert.Equal(t, 250*time.Millisecond, cfg.Strategy.FeedTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	// untouched sections keep their defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Install.MaxAttempts)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SHELLCACHE_DEPLOYMENT_VERSION", "v9")
	t.Setenv("SHELLCACHE_STRATEGY_FEED_TIMEOUT", "2s")
	t.Setenv("SHELLCACHE_DEPLOYMENT_CORE_ASSETS", "./,./app.js")

	path := writeConfig(t, "deployment:\n  version: v1\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "v9", cfg.Deployment.Version)
	assert.Equal(t, 2*time.Second, cfg.Strategy.FeedTimeout)
	assert.Equal(t, []string{"./", "./app.js"}, cfg.Deployment.CoreAssets)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"backend", "store:\n  backend: redis\n", "Backend"},
		{"feed pattern", "strategy:\n  feed_pattern: \"(\"\n", "FeedPattern"},
		{"origin", "upstream:\n  origin: not-a-url\n", "Origin"},
		{"version with slash", "deployment:\n  version: a/b\n", "Version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := GetDefaultConfig()
	want.Deployment.Version = "v4"
	want.Store.Journal.FlushInterval = 750 * time.Millisecond

	require.NoError(t, SaveConfig(want, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "flush_interval: 750ms")

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveAgainstScope(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Upstream.Origin = "https://startlist.example.com/"
	cfg.Upstream.Scope = "/app"
	cfg.Deployment.CoreAssets = []string{"./", "./index.html", "icons/icon-192.png"}

	urls, err := cfg.CoreAssetURLs()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://startlist.example.com/app/",
		"https://startlist.example.com/app/index.html",
		"https://startlist.example.com/app/icons/icon-192.png",
	}, urls)

	root, err := cfg.Resolve(cfg.Deployment.RootDocument)
	require.NoError(t, err)
	assert.Equal(t, "https://startlist.example.com/app/index.html", root)
}

func TestNamesAndRegistryOptions(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.EqualValues(t, "startlist-static-v1.0.0", cfg.Names().Static())

	opts := cfg.RegistryOptions()
	assert.Equal(t, "memory", opts.Backend)
	assert.Equal(t, cfg.Store.Journal.MaxQueue, opts.Journal.MaxEnqueuingMutation)
}
