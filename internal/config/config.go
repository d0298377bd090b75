package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-tracker/internal/otel"
)

const (
	DefaultBaseURL           = "http://localhost:4000/api"
	DefaultKeepaliveSchedule = "*/5 * * * *"
	defaultTimeoutSeconds    = 30
	defaultErrorSeconds      = 5
	defaultDashboardAddr     = "127.0.0.1:4010"
	defaultDevServerAddr     = "127.0.0.1:4000"
	defaultDBFile            = "tracker.db"
)

type DashboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

type DevServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"` // relative paths resolve under HomeDir
}

type Config struct {
	HomeDir string `yaml:"-"`

	BaseURL             string `yaml:"base_url"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	LogLevel            string `yaml:"log_level"`
	ErrorDisplaySeconds int    `yaml:"error_display_seconds"`

	// KeepaliveSchedule is a five-field cron expression for session
	// re-verification and refresh. Empty disables keepalive.
	KeepaliveSchedule string `yaml:"keepalive_schedule"`

	// Email is the default login identity. The password is only ever taken
	// from TRACKER_PASSWORD.
	Email    string `yaml:"email"`
	Password string `yaml:"-"`

	Dashboard DashboardConfig `yaml:"dashboard"`
	DevServer DevServerConfig `yaml:"devserver"`
	OTel      otel.Config     `yaml:"otel"`

	// Missing is set when config.yaml did not exist at load time.
	Missing bool `yaml:"-"`
}

// Timeout returns the per-call backend timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ErrorDisplay returns how long login errors stay visible.
func (c Config) ErrorDisplay() time.Duration {
	return time.Duration(c.ErrorDisplaySeconds) * time.Second
}

// DBPath returns the dev backend database path.
func (c Config) DBPath() string {
	if filepath.IsAbs(c.DevServer.DBPath) {
		return c.DevServer.DBPath
	}
	return filepath.Join(c.HomeDir, c.DevServer.DBPath)
}

// Fingerprint returns a stable hash of the settings that affect a running client.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "base=%s|timeout=%d|log=%s|errors=%d|keepalive=%s|dash=%t@%s",
		c.BaseURL, c.TimeoutSeconds, c.LogLevel, c.ErrorDisplaySeconds,
		c.KeepaliveSchedule, c.Dashboard.Enabled, c.Dashboard.BindAddr)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetValue updates one top-level key in config.yaml, preserving other settings.
func SetValue(homeDir, key, value string) error {
	switch key {
	case "base_url", "log_level", "keepalive_schedule", "email":
	case "timeout_seconds", "error_display_seconds":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create tracker home: %w", err)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(value); err == nil && strings.HasSuffix(key, "_seconds") {
		raw[key] = n
	} else {
		raw[key] = value
	}
	return saveRawConfig(configPath, raw)
}

// WriteDefault writes a config.yaml with default values unless one exists.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create tracker home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}

func defaultConfig() Config {
	return Config{
		BaseURL:             DefaultBaseURL,
		TimeoutSeconds:      defaultTimeoutSeconds,
		LogLevel:            "info",
		ErrorDisplaySeconds: defaultErrorSeconds,
		KeepaliveSchedule:   DefaultKeepaliveSchedule,
		Dashboard:           DashboardConfig{BindAddr: defaultDashboardAddr},
		DevServer:           DevServerConfig{BindAddr: defaultDevServerAddr, DBPath: defaultDBFile},
	}
}

func HomeDir() string {
	if override := os.Getenv("TRACKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tracker")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies env overrides and defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tracker home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ErrorDisplaySeconds <= 0 {
		cfg.ErrorDisplaySeconds = defaultErrorSeconds
	}
	if cfg.Dashboard.BindAddr == "" {
		cfg.Dashboard.BindAddr = defaultDashboardAddr
	}
	if cfg.DevServer.BindAddr == "" {
		cfg.DevServer.BindAddr = defaultDevServerAddr
	}
	if strings.TrimSpace(cfg.DevServer.DBPath) == "" {
		cfg.DevServer.DBPath = defaultDBFile
	}
}

func validate(cfg Config) error {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", cfg.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url has no host: %q", cfg.BaseURL)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRACKER_BASE_URL"); raw != "" {
		cfg.BaseURL = raw
	}
	if raw := os.Getenv("TRACKER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TRACKER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TRACKER_EMAIL"); raw != "" {
		cfg.Email = raw
	}
	if raw := os.Getenv("TRACKER_PASSWORD"); raw != "" {
		cfg.Password = raw
	}
	if raw := os.Getenv("TRACKER_KEEPALIVE_SCHEDULE"); raw != "" {
		cfg.KeepaliveSchedule = raw
	}
}
