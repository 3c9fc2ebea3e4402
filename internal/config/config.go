// Package config loads shellcache configuration from a YAML file, the
// environment and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shellcache/internal/engine"
	"shellcache/internal/registry"
)

// Config is the complete shellcache configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (SHELLCACHE_*)
//  2. Configuration file
//  3. Default values
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Upstream   UpstreamConfig   `mapstructure:"upstream" yaml:"upstream"`
	Deployment DeploymentConfig `mapstructure:"deployment" yaml:"deployment"`
	Strategy   StrategyConfig   `mapstructure:"strategy" yaml:"strategy"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Install    InstallConfig    `mapstructure:"install" yaml:"install"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the app being proxied.
type UpstreamConfig struct {
	// Origin is the scheme and host of the app, e.g. https://startlist.example.com
	Origin string `mapstructure:"origin" validate:"required,http_url" yaml:"origin"`

	// Scope is the path under Origin the app lives at. Relative asset paths
	// resolve against Origin+Scope.
	Scope string `mapstructure:"scope" validate:"required,startswith=/" yaml:"scope"`

	// Timeout bounds every upstream round trip.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
}

// DeploymentConfig is the version deployed at startup.
type DeploymentConfig struct {
	Prefix  string `mapstructure:"prefix" validate:"required,excludes=/" yaml:"prefix"`
	Version string `mapstructure:"version" validate:"required,excludes=/" yaml:"version"`

	// CoreAssets must all be fetched before the deployment counts as installed.
	CoreAssets []string `mapstructure:"core_assets" validate:"required,min=1,dive,required" yaml:"core_assets"`

	// RootDocument is served to offline navigations that miss every store.
	RootDocument string `mapstructure:"root_document" validate:"required" yaml:"root_document"`

	SkipWaiting bool `mapstructure:"skip_waiting" yaml:"skip_waiting"`
}

// StrategyConfig tunes the request strategies.
type StrategyConfig struct {
	FeedTimeout time.Duration `mapstructure:"feed_timeout" validate:"gt=0" yaml:"feed_timeout"`
	FeedPattern string        `mapstructure:"feed_pattern" validate:"required,regexp" yaml:"feed_pattern"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	// Backend is memory, badger or sqlite.
	Backend string `mapstructure:"backend" validate:"required,oneof=memory badger sqlite" yaml:"backend"`

	// Path is the data directory. Empty keeps everything in memory.
	Path string `mapstructure:"path" yaml:"path"`

	// Journal tunes the commit log behind the memory backend.
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
}

// JournalConfig tunes the commit log.
type JournalConfig struct {
	FlushInterval  time.Duration `mapstructure:"flush_interval" validate:"gt=0" yaml:"flush_interval"`
	BufferBytes    int           `mapstructure:"buffer_bytes" validate:"gt=0" yaml:"buffer_bytes"`
	MaxQueue       int           `mapstructure:"max_queue" validate:"gt=0" yaml:"max_queue"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout" validate:"gt=0" yaml:"enqueue_timeout"`
}

// InstallConfig is the install retry policy.
type InstallConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1" yaml:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"gte=0" yaml:"retry_delay"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load reads configPath (or the default location when empty), applies
// environment overrides and defaults, and validates the result. A missing
// config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setViperDefaults(v)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// ScopeURL is Origin+Scope with a trailing slash.
func (c *Config) ScopeURL() (*url.URL, error) {
	base, err := url.Parse(strings.TrimRight(c.Upstream.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream origin: %w", err)
	}
	scope := c.Upstream.Scope
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return base.ResolveReference(&url.URL{Path: scope}), nil
}

// Resolve turns a path relative to the app scope into an absolute URL.
func (c *Config) Resolve(rel string) (string, error) {
	scope, err := c.ScopeURL()
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return "", fmt.Errorf("asset %q: %w", rel, err)
	}
	return scope.ResolveReference(ref).String(), nil
}

// CoreAssetURLs resolves every core asset.
func (c *Config) CoreAssetURLs() ([]string, error) {
	urls := make([]string, 0, len(c.Deployment.CoreAssets))
	for _, a := range c.Deployment.CoreAssets {
		u, err := c.Resolve(a)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// Names derives the store names of the configured deployment.
func (c *Config) Names() registry.Names {
	return registry.Names{Prefix: c.Deployment.Prefix, Version: c.Deployment.Version}
}

// RegistryOptions maps the store section onto registry.Options.
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		Backend: c.Store.Backend,
		Path:    c.Store.Path,
		Journal: engine.CommitLogCfg{
			EnqueueTimeout:       c.Store.Journal.EnqueueTimeout,
			FlushInterval:        c.Store.Journal.FlushInterval,
			MaxEnqueuingMutation: c.Store.Journal.MaxQueue,
			BufferBytes:          c.Store.Journal.BufferBytes,
		},
	}
}

func setupViper(v *viper.Viper, configPath string) {
	// SHELLCACHE_DEPLOYMENT_VERSION=v2 overrides deployment.version
	v.SetEnvPrefix("SHELLCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reports whether a config file was read.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook accepts "30s"-style strings and raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir is $XDG_CONFIG_HOME/shellcache, ~/.config/shellcache, or "."
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shellcache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "shellcache")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
