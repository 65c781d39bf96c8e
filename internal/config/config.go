// Package config resolves client settings from defaults, an optional YAML
// file, KAGUCHAT_* environment variables and command-line flags, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the resolved client configuration.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	StateDir     string        `yaml:"state_dir"`
	Store        string        `yaml:"store"`
	DSN          string        `yaml:"dsn"`
	Profile      string        `yaml:"profile"`
	Passphrase   string        `yaml:"passphrase"`
	LogLevel     string        `yaml:"log_level"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Env abstracts environment lookup for tests.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// OSEnv reads the process environment.
func OSEnv() Env { return osEnv{} }

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BaseURL:      "http://localhost:5001",
		Timeout:      15 * time.Second,
		Store:        StoreFile,
		Profile:      "default",
		LogLevel:     "warn",
		PollInterval: 5 * time.Second,
	}
}

// Dir returns the per-user config directory of the client.
func Dir(env Env) string {
	if x := env.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "kaguchat")
	}
	if h := env.Getenv("HOME"); h != "" {
		return filepath.Join(h, ".config", "kaguchat")
	}
	return "."
}

// AddFlags registers the global flags on fs. Values only override the
// file and environment when set explicitly.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to config.yaml (default $XDG_CONFIG_HOME/kaguchat/config.yaml)")
	fs.String("base-url", d.BaseURL, "KaguChat server URL")
	fs.Duration("timeout", d.Timeout, "per-request timeout")
	fs.String("state-dir", "", "directory for persisted credentials")
	fs.String("store", d.Store, "credential store: file, postgres or memory")
	fs.String("dsn", "", "PostgreSQL DSN for --store=postgres")
	fs.String("profile", d.Profile, "credential profile name")
	fs.String("passphrase", "", "seal the credential file with this passphrase")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Duration("poll", d.PollInterval, "message reload interval of the chat view")
}

// Load resolves the configuration. fs must be parsed already and carry the
// flags added by AddFlags; it may be nil.
func Load(fs *pflag.FlagSet, env Env) (Config, error) {
	cfg := Default()

	path, explicit := env.Getenv("KAGUCHAT_CONFIG"), false
	if path != "" {
		explicit = true
	}
	if fs != nil && fs.Changed("config") {
		path, _ = fs.GetString("config")
		explicit = true
	}
	if path == "" {
		path = filepath.Join(Dir(env), "config.yaml")
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return Config{}, err
		}
	}
	if cfg.StateDir == "" {
		cfg.StateDir = Dir(env)
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(env Env) error {
	str := map[string]*string{
		"KAGUCHAT_BASE_URL":   &c.BaseURL,
		"KAGUCHAT_STATE_DIR":  &c.StateDir,
		"KAGUCHAT_STORE":      &c.Store,
		"KAGUCHAT_DSN":        &c.DSN,
		"KAGUCHAT_PROFILE":    &c.Profile,
		"KAGUCHAT_PASSPHRASE": &c.Passphrase,
		"KAGUCHAT_LOG_LEVEL":  &c.LogLevel,
	}
	for k, p := range str {
		if v := env.Getenv(k); v != "" {
			*p = v
		}
	}
	dur := map[string]*time.Duration{
		"KAGUCHAT_TIMEOUT": &c.Timeout,
		"KAGUCHAT_POLL":    &c.PollInterval,
	}
	for k, p := range dur {
		raw := env.Getenv(k)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", k, err)
		}
		*p = d
	}
	return nil
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	str := map[string]*string{
		"base-url":   &c.BaseURL,
		"state-dir":  &c.StateDir,
		"store":      &c.Store,
		"dsn":        &c.DSN,
		"profile":    &c.Profile,
		"passphrase": &c.Passphrase,
		"log-level":  &c.LogLevel,
	}
	for name, p := range str {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*p = v
	}
	dur := map[string]*time.Duration{
		"timeout": &c.Timeout,
		"poll":    &c.PollInterval,
	}
	for name, p := range dur {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base url %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	switch strings.ToLower(c.Store) {
	case StoreFile, StoreMemory:
	case StorePostgres:
		if c.DSN == "" {
			return fmt.Errorf("store %q needs a dsn", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// NewLogger builds a console logger at the configured level. Logs go to
// stderr so command output stays clean.
func (c Config) NewLogger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if lvl > zapcore.DebugLevel {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
