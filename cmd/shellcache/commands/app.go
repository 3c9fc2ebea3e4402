package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shellcache/internal/api"
	"shellcache/internal/classify"
	"shellcache/internal/config"
	"shellcache/internal/fetch"
	"shellcache/internal/lifecycle"
	"shellcache/internal/logger"
	"shellcache/internal/metrics"
	"shellcache/internal/registry"
	"shellcache/internal/strategy"
)

// app is the assembled proxy.
type app struct {
	cfg      *config.Config
	registry registry.Registry
	host     *lifecycle.Host
	handler  http.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	upstream, err := url.Parse(cfg.Upstream.Origin)
	if err != nil {
		return nil, fmt.Errorf("upstream origin: %w", err)
	}
	classifier, err := classify.New(cfg.Strategy.FeedPattern)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(ctx, cfg.RegistryOptions())
	if err != nil {
		return nil, fmt.Errorf("open store registry: %w", err)
	}

	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	deps := strategy.Deps{
		Registry: reg,
		Fetcher:  fetch.NewHTTPFetcher(&http.Client{Timeout: cfg.Upstream.Timeout}),
		Metrics:  m,
	}
	host := lifecycle.NewHost(lifecycle.HostConfig{
		MaxAttempts: cfg.Install.MaxAttempts,
		RetryDelay:  cfg.Install.RetryDelay,
	}, deps)
	router := strategy.NewRouter(strategy.RouterConfig{
		Classifier:  classifier,
		FeedTimeout: cfg.Strategy.FeedTimeout,
	}, deps, host)

	return &app{
		cfg:      cfg,
		registry: reg,
		host:     host,
		handler: api.NewServer(api.Options{
			Router:      router,
			Host:        host,
			Registry:    reg,
			Upstream:    upstream,
			Deployments: deploymentFactory(cfg),
			Metrics:     metricsHandler,
		}),
	}, nil
}

// start brings dep up. A deployment an earlier run installed is resumed
// at once and refreshed in the background, so a hanging upstream does not
// hold back serving; the returned channel closes when the refresh ends.
// Without one, dep is installed before start returns.
func (a *app) start(ctx context.Context, dep lifecycle.Deployment) <-chan struct{} {
	done := make(chan struct{})
	deploy := func() {
		defer close(done)
		if _, err := a.host.Deploy(ctx, dep); err != nil {
			logger.Error("deployment failed", logger.KeyVersion, dep.Names.Version, logger.KeyError, err)
		}
	}

	if _, err := a.host.Resume(ctx, dep); err != nil {
		logger.Info("no installed deployment to resume", logger.KeyVersion, dep.Names.Version, logger.KeyError, err)
		deploy()
		return done
	}
	go deploy()
	return done
}

func (a *app) Close() error {
	return a.registry.Close()
}

// deploymentFor resolves the deployment section of cfg into absolute URLs.
func deploymentFor(cfg *config.Config) (lifecycle.Deployment, error) {
	assets, err := cfg.CoreAssetURLs()
	if err != nil {
		return lifecycle.Deployment{}, err
	}
	root, err := cfg.Resolve(cfg.Deployment.RootDocument)
	if err != nil {
		return lifecycle.Deployment{}, err
	}
	return lifecycle.Deployment{
		Names:        cfg.Names(),
		CoreAssets:   assets,
		RootDocument: root,
		SkipWaiting:  cfg.Deployment.SkipWaiting,
	}, nil
}

// deploymentFactory derives deployments for new versions from the configured one.
func deploymentFactory(cfg *config.Config) api.DeploymentFactory {
	return func(version string, coreAssets []string) (lifecycle.Deployment, error) {
		if version == "" || strings.Contains(version, "/") {
			return lifecycle.Deployment{}, errors.New("version must be non-empty and must not contain '/'")
		}
		c := *cfg
		c.Deployment.Version = version
		if len(coreAssets) > 0 {
			c.Deployment.CoreAssets = coreAssets
		}
		return deploymentFor(&c)
	}
}
