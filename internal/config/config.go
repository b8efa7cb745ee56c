// Package config loads the orchestrator configuration from TOML, .env files and
// STREAMNEXUS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/anji4cp/streamnexus/internal/auth"
	"github.com/anji4cp/streamnexus/internal/logger"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/metrics"
	"github.com/anji4cp/streamnexus/internal/rotation"
	"github.com/anji4cp/streamnexus/internal/scheduler"
	apitls "github.com/anji4cp/streamnexus/internal/tls"
)

const EnvPrefix = "STREAMNEXUS"

type Config struct {
	EnvFiles    []string          `mapstructure:"env_files"`
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	History     HistoryConfig     `mapstructure:"history"`
	Encoder     EncoderConfig     `mapstructure:"encoder"`
	Manager     ManagerConfig     `mapstructure:"manager"`
	Scheduler   scheduler.Config  `mapstructure:"scheduler"`
	Rotation    rotation.Config   `mapstructure:"rotation"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	YouTube     YouTubeConfig     `mapstructure:"youtube"`
	Log         logger.Config     `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Auth        auth.Config       `mapstructure:"auth"`
}

type ServerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Listen   string        `mapstructure:"listen"`
	BasePath string        `mapstructure:"base_path"`
	TLS      apitls.Config `mapstructure:"tls"`
}

// StoreConfig selects the persistence backend by DSN: sqlite://path, postgres://..., memory://.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists history sink DSNs (clickhouse://, opensearch://, redis://, postgres://, sqlite://).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type EncoderConfig struct {
	Binary    string               `mapstructure:"binary"`
	Command   []string             `mapstructure:"command"`
	MediaRoot string               `mapstructure:"media_root"`
	WorkDir   string               `mapstructure:"work_dir"`
	LogLines  int                  `mapstructure:"log_lines"`
	Env       []string             `mapstructure:"env"`
	Logs      logger.EncoderConfig `mapstructure:"logs"`
}

type ManagerConfig struct {
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	StatusAttempts    int           `mapstructure:"status_attempts"`
	PostmortemStreams int           `mapstructure:"postmortem_streams"`
	PostmortemTTL     time.Duration `mapstructure:"postmortem_ttl"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
}

// CredentialsConfig protects stored stream keys. An empty passphrase leaves keys in plaintext.
type CredentialsConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Iterations int    `mapstructure:"iterations"`
}

// YouTubeConfig enables managed rotations. Tokens are CHANNEL_ID=ACCESS_TOKEN entries.
type YouTubeConfig struct {
	APIBase    string        `mapstructure:"api_base"`
	UploadBase string        `mapstructure:"upload_base"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Tokens     []string      `mapstructure:"tokens"`
}

// ChannelTokens returns the configured access tokens keyed by channel id.
func (y YouTubeConfig) ChannelTokens() map[string]string { return splitPairs(y.Tokens) }

type MetricsConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Sampler metrics.SamplerConfig `mapstructure:"sampler"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("store.dsn", "sqlite://streamnexus.db")
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("encoder.binary", "ffmpeg")
	v.SetDefault("encoder.media_root", "")
	v.SetDefault("encoder.work_dir", "")
	v.SetDefault("encoder.log_lines", 200)
	v.SetDefault("encoder.logs.dir", "")
	v.SetDefault("manager.stop_grace", 10*time.Second)
	v.SetDefault("manager.status_attempts", 3)
	v.SetDefault("manager.postmortem_streams", 32)
	v.SetDefault("manager.postmortem_ttl", 10*time.Minute)
	v.SetDefault("manager.sync_interval", time.Minute)
	v.SetDefault("scheduler.interval", scheduler.DefaultInterval)
	v.SetDefault("scheduler.retry_window", scheduler.DefaultRetryWindow)
	v.SetDefault("scheduler.concurrency", scheduler.DefaultConcurrency)
	v.SetDefault("rotation.interval", rotation.DefaultInterval)
	v.SetDefault("rotation.policy", string(rotation.PolicyAuto))
	v.SetDefault("credentials.passphrase", "")
	v.SetDefault("credentials.iterations", 0)
	v.SetDefault("youtube.api_base", "")
	v.SetDefault("youtube.upload_base", "")
	v.SetDefault("youtube.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sampler.enabled", false)
	v.SetDefault("metrics.sampler.interval", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "streamnexus")
	v.SetDefault("auth.ttl", 24*time.Hour)
}

// Load reads path (optional), loads its env_files into the process environment
// without overriding variables already set, then applies STREAMNEXUS_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := loadEnvFiles(filepath.Dir(path), v.GetStringSlice("env_files")); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// loadEnvFiles resolves relative files against dir.
func loadEnvFiles(dir string, files []string) error {
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}
		if err := godotenv.Load(filepath.Clean(f)); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Interval < 0 || c.Rotation.Interval < 0 || c.Manager.SyncInterval < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.Scheduler.RetryWindow < 0 {
		errs = append(errs, errors.New("scheduler.retry_window must not be negative"))
	}
	if !c.Rotation.Policy.Valid() {
		errs = append(errs, fmt.Errorf("rotation.policy %q must be equal, declared or auto", c.Rotation.Policy))
	}
	for _, kv := range c.Encoder.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("encoder.env entry %q must be KEY=VALUE", kv))
		}
	}
	for _, kv := range c.YouTube.Tokens {
		if !strings.Contains(kv, "=") {
			errs = append(errs, errors.New("youtube.tokens entries must be CHANNEL_ID=TOKEN"))
		}
	}
	if c.Encoder.LogLines < 0 {
		errs = append(errs, errors.New("encoder.log_lines must not be negative"))
	}
	if c.Credentials.Iterations < 0 {
		errs = append(errs, errors.New("credentials.iterations must not be negative"))
	}
	if c.Auth.Enabled && len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes when auth is enabled"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ManagerConfig assembles the encoder manager settings from [encoder] and [manager].
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Binary:            c.Encoder.Binary,
		Command:           c.Encoder.Command,
		WorkDir:           c.Encoder.WorkDir,
		LogLines:          c.Encoder.LogLines,
		StopGrace:         c.Manager.StopGrace,
		StatusAttempts:    c.Manager.StatusAttempts,
		PostmortemStreams: c.Manager.PostmortemStreams,
		PostmortemTTL:     c.Manager.PostmortemTTL,
		Env:               splitPairs(c.Encoder.Env),
		Logs:              c.Encoder.Logs,
	}
}

// envMap splits KEY=VALUE entries. Keys stay in a list because viper folds map
// keys to lower case.
func splitPairs(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		if k = strings.TrimSpace(k); k != "" {
			out[k] = v
		}
	}
	return out
}

// Passphrase returns the credentials passphrase, falling back to the plain
// environment variable used by the encrypt-key command.
func (c *Config) Passphrase() string {
	if c.Credentials.Passphrase != "" {
		return c.Credentials.Passphrase
	}
	return os.Getenv(EnvPrefix + "_PASSPHRASE")
}
