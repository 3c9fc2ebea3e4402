package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/config"
	"shellcache/internal/registry"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	forceInit = false
	cfgFile = ""
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shellcache dev")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shellcache", "config.yaml")

	out, err := run(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.GetDefaultConfig(), cfg)

	_, err = run(t, "config", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "config", "init", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestStoresList(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GetDefaultConfig()
	cfg.Logging.Output = filepath.Join(dir, "shellcache.log")
	cfg.Store.Backend = registry.BackendSQLite
	cfg.Store.Path = filepath.Join(dir, "data")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))

	ctx := context.Background()
	reg, err := registry.New(ctx, cfg.RegistryOptions())
	require.NoError(t, err)
	for _, id := range []registry.StoreID{"startlist-static-v0.9.0", cfg.Names().Static()} {
		_, err := reg.Open(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Close())

	out, err := run(t, "stores", "list", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "  startlist-static-v0.9.0\n* startlist-static-v1.0.0\n", out)
}

func TestAppServesDeployedShell(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.Upstream.Origin = upstream.URL
	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	dep, err := deploymentFor(cfg)
	require.NoError(t, err)
	assert.Equal(t, upstream.URL+"/icons/icon-512.png", dep.CoreAssets[4])
	assert.Equal(t, upstream.URL+"/index.html", dep.RootDocument)

	_, err = a.host.Deploy(ctx, dep)
	require.NoError(t, err)
	upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "/manifest.webmanifest", nil)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "asset /manifest.webmanifest", w.Body.String())
}

func TestDeploymentFactory(t *testing.T) {
	cfg := config.GetDefaultConfig()
	factory := deploymentFactory(cfg)

	dep, err := factory("v2", []string{"./app.js"})
	require.NoError(t, err)
	assert.Equal(t, "v2", dep.Names.Version)
	assert.Equal(t, []string{"http://localhost:3000/app.js"}, dep.CoreAssets)
	assert.Equal(t, "v1.0.0", cfg.Deployment.Version)

	_, err = factory("a/b", nil)
	assert.Error(t, err)
}

func TestMain(m *testing.M) {
	// keep "config init" away from the real user config
	tmp, err := os.MkdirTemp("", "shellcache-cmd-*")
	if err != nil {
		panic(err)
	}
	os.Setenv("XDG_CONFIG_HOME", tmp)
	code := m.Run()
	os.RemoveAll(tmp)
	os.Exit(code)
}

func TestAppSurvivesRestart(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.Upstream.Origin = upstream.URL
	cfg.Store.Path = t.TempDir()
	cfg.Install.MaxAttempts = 1
	ctx := context.Background()

	first, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	dep, err := deploymentFor(cfg)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if _, err := first.host.Deploy(ctx, dep); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	upstream.Close()

	second, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer second.Close()

	ids, err := second.registry.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(ids) != 2 || ids[0] != cfg.Names().Static() || ids[1] != cfg.Names().Dynamic() {
		t.Fatalf("stores after restart = %v, want [%s %s]", ids, cfg.Names().Static(), cfg.Names().Dynamic())
	}

	if _, err := second.host.Deploy(ctx, dep); err == nil {
		t.Fatalf("expected install to fail with upstream down")
	}
	if _, err := second.host.Resume(ctx, dep); err != nil {
		t.Fatalf("resume: %v", err)
	}

	w := httptest.NewRecorder()
	second.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/icons/icon-192.png", nil))
	if w.Code != http.StatusOK || w.Body.String() != "asset /icons/icon-192.png" {
		t.Fatalf("offline asset after restart = %d %q", w.Code, w.Body.String())
	}
}

func TestStartServesResumedDeploymentWhileUpstreamHangs(t *testing.T) {
	var hang atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hang.Load() {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.Upstream.Origin = upstream.URL
	cfg.Upstream.Timeout = 300 * time.Millisecond
	cfg.Store.Path = t.TempDir()
	cfg.Install.MaxAttempts = 3
	cfg.Install.RetryDelay = 200 * time.Millisecond
	dep, err := deploymentFor(cfg)
	require.NoError(t, err)

	first, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	select {
	case <-first.start(context.Background(), dep):
	default:
		t.Fatal("first start returned before installing")
	}
	require.NotNil(t, first.host.Active())
	require.NoError(t, first.Close())

	hang.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()

	begin := time.Now()
	refresh := second.start(ctx, dep)
	assert.Less(t, time.Since(begin), cfg.Upstream.Timeout)

	w := httptest.NewRecorder()
	second.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/icons/icon-192.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "asset /icons/icon-192.png", w.Body.String())

	select {
	case <-refresh:
		t.Fatal("refresh finished while the upstream hangs")
	default:
	}
	cancel()
	select {
	case <-refresh:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not stop after cancel")
	}
	require.NotNil(t, second.host.Active())
	assert.Equal(t, cfg.Deployment.Version, second.host.Active().Version())
}
