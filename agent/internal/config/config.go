package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxRetryDelay = 60 * time.Second
	DefaultSweepInterval = 5 * time.Minute
	DefaultMaxAge        = 10 * time.Minute
	DefaultUpdateLogSize = 500
	DefaultErrorLogSize  = 100
	DefaultFetchTimeout  = 30 * time.Second
	DefaultListenAddr    = "127.0.0.1:7070"

	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent" toml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerURL is the WebSocket endpoint of the push server (ws:// or wss://).
	ServerURL string `yaml:"server_url" toml:"server_url"`

	// APIURL is the HTTP base URL used to fetch authoritative status on refresh.
	APIURL string `yaml:"api_url" toml:"api_url"`

	// ListenAddr is where the local query/command API listens.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// Scopes are activated at startup and reconciled on hot reload.
	// Use "global" for the all-entities feed.
	Scopes []string `yaml:"scopes" toml:"scopes"`

	Sync SyncConfig `yaml:"sync" toml:"sync"`

	// ServerAuth configures how the agent authenticates to the push server and
	// the data-access API.
	ServerAuth AuthConfig `yaml:"server_auth" toml:"server_auth"`

	TLS TLSConfig `yaml:"tls" toml:"tls"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// SyncConfig controls the coordinator's retry policy, cache and logs.
type SyncConfig struct {
	// RetryDelay is the wait before reconnecting after a failed attempt.
	RetryDelay time.Duration `yaml:"retry_delay" toml:"retry_delay"`

	// RetryPolicy is fixed (default) or exponential. Exponential starts at
	// RetryDelay, doubles with jitter and caps at MaxRetryDelay.
	RetryPolicy string `yaml:"retry_policy" toml:"retry_policy"`

	MaxRetryDelay time.Duration `yaml:"max_retry_delay" toml:"max_retry_delay"`

	// MaxRetries stops retrying after this many consecutive failures.
	// Zero retries forever.
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`

	// SweepInterval is how often the cache is scanned for stale entries.
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`

	// MaxAge is how long a snapshot survives without being refreshed.
	MaxAge time.Duration `yaml:"max_age" toml:"max_age"`

	// UpdateLogSize and ErrorLogSize bound the diagnostic logs. Zero is unbounded.
	UpdateLogSize int `yaml:"update_log_size" toml:"update_log_size"`
	ErrorLogSize  int `yaml:"error_log_size" toml:"error_log_size"`

	// FetchTimeout is the HTTP client timeout of the data-access client.
	FetchTimeout time.Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
}

// AuthConfig specifies how the agent authenticates to the server.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | mtls | none.
	Mode string `yaml:"mode" toml:"mode"`

	// Header is the header name carrying the API key. Defaults to x-api-key.
	Header string `yaml:"header" toml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env" toml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env" toml:"token_env"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// TLSConfig holds TLS dial options for both the WebSocket and HTTP clients.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level" toml:"level"`
}

// Load reads and parses the config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ListenAddr: DefaultListenAddr,
			Sync: SyncConfig{
				RetryDelay:    DefaultRetryDelay,
				RetryPolicy:   RetryFixed,
				MaxRetryDelay: DefaultMaxRetryDelay,
				SweepInterval: DefaultSweepInterval,
				MaxAge:        DefaultMaxAge,
				UpdateLogSize: DefaultUpdateLogSize,
				ErrorLogSize:  DefaultErrorLogSize,
				FetchTimeout:  DefaultFetchTimeout,
			},
			Logging: LoggingConfig{Level: "info"},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	u, err := url.Parse(a.ServerURL)
	if err != nil {
		return fmt.Errorf("agent.server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("agent.server_url scheme %q: want ws or wss", u.Scheme)
	}
	if a.APIURL != "" {
		u, err := url.Parse(a.APIURL)
		if err != nil {
			return fmt.Errorf("agent.api_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("agent.api_url scheme %q: want http or https", u.Scheme)
		}
	}
	for i, s := range a.Scopes {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("agent.scopes[%d]: empty scope", i)
		}
	}

	s := a.Sync
	if s.RetryDelay <= 0 {
		return fmt.Errorf("agent.sync.retry_delay must be positive")
	}
	switch s.RetryPolicy {
	case RetryFixed, RetryExponential:
	default:
		return fmt.Errorf("agent.sync.retry_policy %q unknown: want fixed|exponential", s.RetryPolicy)
	}
	if s.RetryPolicy == RetryExponential && s.MaxRetryDelay < s.RetryDelay {
		return fmt.Errorf("agent.sync.max_retry_delay must be >= retry_delay")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("agent.sync.max_retries must not be negative")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("agent.sync.sweep_interval must be positive")
	}
	if s.MaxAge <= 0 {
		return fmt.Errorf("agent.sync.max_age must be positive")
	}
	if s.UpdateLogSize < 0 || s.ErrorLogSize < 0 {
		return fmt.Errorf("agent.sync log sizes must not be negative")
	}
	if s.FetchTimeout < 0 {
		return fmt.Errorf("agent.sync.fetch_timeout must not be negative")
	}

	switch a.ServerAuth.Mode {
	case "apikey", "bearer", "none", "":
	case "mtls":
		if a.ServerAuth.CertFile == "" || a.ServerAuth.KeyFile == "" {
			return fmt.Errorf("agent.server_auth: mtls requires cert_file and key_file")
		}
	default:
		return fmt.Errorf("agent.server_auth.mode %q unknown: want apikey|bearer|mtls|none", a.ServerAuth.Mode)
	}

	switch a.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.logging.level %q unknown: want debug|info|warn|error", a.Logging.Level)
	}
	return nil
}
