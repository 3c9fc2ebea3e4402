package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"shellcache/internal/classify"
	"shellcache/internal/registry"
)

const (
	defaultAddr              = ":8080"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultOrigin            = "http://localhost:3000"
	defaultScope             = "/"
	defaultUpstreamTimeout   = 30 * time.Second
	defaultPrefix            = "startlist"
	defaultVersion           = "v1.0.0"
	defaultRootDocument      = "./index.html"
	defaultFeedTimeout       = 5 * time.Second
	defaultFlushInterval     = 100 * time.Millisecond
	defaultBufferBytes       = 1 << 20
	defaultMaxQueue          = 1024
	defaultEnqueueTimeout    = 5 * time.Second
	defaultMaxAttempts       = 3
	defaultRetryDelay        = 2 * time.Second
)

// DefaultCoreAssets is the app shell pre-populated on install.
var DefaultCoreAssets = []string{
	"./",
	"./index.html",
	"./manifest.webmanifest",
	"./icons/icon-192.png",
	"./icons/icon-512.png",
}

// setViperDefaults registers every key so environment overrides apply even
// without a config file. Booleans whose default is true live only here.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("server.addr", defaultAddr)
	v.SetDefault("server.read_header_timeout", defaultReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("upstream.origin", defaultOrigin)
	v.SetDefault("upstream.scope", defaultScope)
	v.SetDefault("upstream.timeout", defaultUpstreamTimeout)
	v.SetDefault("deployment.prefix", defaultPrefix)
	v.SetDefault("deployment.version", defaultVersion)
	v.SetDefault("deployment.core_assets", DefaultCoreAssets)
	v.SetDefault("deployment.root_document", defaultRootDocument)
	v.SetDefault("deployment.skip_waiting", true)
	v.SetDefault("strategy.feed_timeout", defaultFeedTimeout)
	v.SetDefault("strategy.feed_pattern", classify.FeedPattern)
	v.SetDefault("store.backend", registry.BackendMemory)
	v.SetDefault("store.path", "")
	v.SetDefault("store.journal.flush_interval", defaultFlushInterval)
	v.SetDefault("store.journal.buffer_bytes", defaultBufferBytes)
	v.SetDefault("store.journal.max_queue", defaultMaxQueue)
	v.SetDefault("store.journal.enqueue_timeout", defaultEnqueueTimeout)
	v.SetDefault("install.max_attempts", defaultMaxAttempts)
	v.SetDefault("install.retry_delay", defaultRetryDelay)
	v.SetDefault("metrics.enabled", true)
}

// ApplyDefaults fills zero-valued fields. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyUpstreamDefaults(&cfg.Upstream)
	applyDeploymentDefaults(&cfg.Deployment)
	applyStrategyDefaults(&cfg.Strategy)
	applyStoreDefaults(&cfg.Store)
	applyInstallDefaults(&cfg.Install)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func applyUpstreamDefaults(cfg *UpstreamConfig) {
	if cfg.Origin == "" {
		cfg.Origin = defaultOrigin
	}
	if cfg.Scope == "" {
		cfg.Scope = defaultScope
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultUpstreamTimeout
	}
}

func applyDeploymentDefaults(cfg *DeploymentConfig) {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if len(cfg.CoreAssets) == 0 {
		cfg.CoreAssets = append([]string(nil), DefaultCoreAssets...)
	}
	if cfg.RootDocument == "" {
		cfg.RootDocument = defaultRootDocument
	}
}

func applyStrategyDefaults(cfg *StrategyConfig) {
	if cfg.FeedTimeout == 0 {
		cfg.FeedTimeout = defaultFeedTimeout
	}
	if cfg.FeedPattern == "" {
		cfg.FeedPattern = classify.FeedPattern
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Backend == "" {
		cfg.Backend = registry.BackendMemory
	}
	j := &cfg.Journal
	if j.FlushInterval == 0 {
		j.FlushInterval = defaultFlushInterval
	}
	if j.BufferBytes == 0 {
		j.BufferBytes = defaultBufferBytes
	}
	if j.MaxQueue == 0 {
		j.MaxQueue = defaultMaxQueue
	}
	if j.EnqueueTimeout == 0 {
		j.EnqueueTimeout = defaultEnqueueTimeout
	}
}

func applyInstallDefaults(cfg *InstallConfig) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
}

// GetDefaultConfig returns the configuration written by "config init".
func GetDefaultConfig() *Config {
	cfg := &Config{
		Deployment: DeploymentConfig{SkipWaiting: true},
		Install:    InstallConfig{RetryDelay: defaultRetryDelay},
		Metrics:    MetricsConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}
