package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"activo2sync/internal/activo2"
)

// Defaults used by DefaultConfig and Normalize.
const (
	DefaultListen      = "127.0.0.1:8080"
	DefaultLogLevel    = "info"
	DefaultEnvironment = "pro"
	DefaultRefreshCron = "@every 60m"
	DefaultHTTPTimeout = 30

	// DefaultAccountName names the account built from ACTIVO2_USERNAME and
	// ACTIVO2_PASSWORD.
	DefaultAccountName = "default"
)

// AccountConfig is one set of Activo2 credentials. Each account gets its
// own refresh coordinator.
type AccountConfig struct {
	// Name identifies the account in logs and URLs.
	Name     string `yaml:"name" json:"name"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Environment selects the vendor deployment: "pro" or "pre".
	Environment string `yaml:"environment" json:"environment"`

	// RefreshCron is a cron spec (e.g. "@every 60m" or "0 * * * *") used
	// for periodic refresh of every account.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HTTPTimeoutSeconds bounds each vendor call.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds" json:"http_timeout_seconds"`

	// Endpoints overrides individual fields of the environment preset.
	Endpoints activo2.Endpoints `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`

	Accounts []AccountConfig `yaml:"accounts" json:"accounts"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:             DefaultListen,
		LogLevel:           DefaultLogLevel,
		Environment:        DefaultEnvironment,
		RefreshCron:        DefaultRefreshCron,
		HTTPTimeoutSeconds: DefaultHTTPTimeout,
		Accounts:           []AccountConfig{},
		BasicAuth:          nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	switch c.Environment {
	case "pro", "pre":
	default:
		// Unknown value; production is the only deployment real accounts exist on.
		c.Environment = DefaultEnvironment
	}

	if strings.TrimSpace(c.RefreshCron) == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.HTTPTimeoutSeconds <= 0 {
		c.HTTPTimeoutSeconds = DefaultHTTPTimeout
	}
	if c.Accounts == nil {
		c.Accounts = []AccountConfig{}
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == "" {
			c.Accounts[i].Name = c.Accounts[i].Username
		}
	}
}

// Validate reports configuration that cannot be run.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("no accounts configured")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("account %d: name is empty", i)
		}
		if strings.ContainsAny(a.Name, "/?#") {
			return fmt.Errorf("account %q: name must not contain '/', '?' or '#'", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("account %q: duplicate name", a.Name)
		}
		seen[a.Name] = true
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("account %q: username and password are required", a.Name)
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("basic_auth requires username and password")
	}
	return nil
}

// ResolvedEndpoints returns the environment preset with any configured
// overrides applied.
func (c *Config) ResolvedEndpoints() activo2.Endpoints {
	return activo2.EndpointsFor(c.Environment).Merge(c.Endpoints)
}

// HTTPTimeout is HTTPTimeoutSeconds as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Load reads the YAML config at path and normalizes it. A missing file is
// replaced by DefaultConfig written to disk, so a first run leaves a
// template to fill in accounts. Environment overrides are applied
// separately by ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, fmt.Errorf("write default config: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays ACTIVO2_* environment variables onto c. Set variables
// win over file values. ACTIVO2_USERNAME and ACTIVO2_PASSWORD together
// define (or replace) the account named "default".
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix("ACTIVO2")
	v.AutomaticEnv()

	_ = v.BindEnv("listen", "ACTIVO2_LISTEN")
	_ = v.BindEnv("log_level", "ACTIVO2_LOG_LEVEL")
	_ = v.BindEnv("environment", "ACTIVO2_ENVIRONMENT")
	_ = v.BindEnv("refresh", "ACTIVO2_REFRESH")
	_ = v.BindEnv("http_timeout_seconds", "ACTIVO2_HTTP_TIMEOUT_SECONDS")
	_ = v.BindEnv("username", "ACTIVO2_USERNAME")
	_ = v.BindEnv("password", "ACTIVO2_PASSWORD")

	if s := strings.TrimSpace(v.GetString("listen")); s != "" {
		c.Listen = s
	}
	if s := strings.TrimSpace(v.GetString("log_level")); s != "" {
		c.LogLevel = s
	}
	if s := strings.TrimSpace(v.GetString("environment")); s != "" {
		c.Environment = strings.ToLower(s)
	}
	if s := strings.TrimSpace(v.GetString("refresh")); s != "" {
		c.RefreshCron = s
	}
	if n := v.GetInt("http_timeout_seconds"); n > 0 {
		c.HTTPTimeoutSeconds = n
	}

	username := strings.TrimSpace(v.GetString("username"))
	password := v.GetString("password")
	if username != "" && password != "" {
		c.setAccount(AccountConfig{Name: DefaultAccountName, Username: username, Password: password})
	}

	c.Normalize()
}

func (c *Config) setAccount(a AccountConfig) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == a.Name {
			c.Accounts[i] = a
			return
		}
	}
	c.Accounts = append(c.Accounts, a)
}

// Save writes cfg to path through a temp file and rename. The file holds
// vendor passwords and ends up 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".activo2sync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
