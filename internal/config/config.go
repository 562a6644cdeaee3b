// ABOUTME: Configuration loading and parsing for the chatcube gateway processes.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration shared by the gateway
// and update dispatch processes.
type Config struct {
	Redis    RedisConfig     `yaml:"redis"`
	Telegram TelegramConfig  `yaml:"telegram"`
	Media    MediaConfig     `yaml:"media"`
	Events   EventsConfig    `yaml:"events"`
	Timeouts TimeoutsConfig  `yaml:"timeouts"`
	Logging  LoggingConfig   `yaml:"logging"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig maps one gateway account to its member record. The
// update dispatch process uses this as its account directory.
type AccountConfig struct {
	ID          int64  `yaml:"id"`
	MemberID    int64  `yaml:"member_id"`
	Phone       string `yaml:"phone"`
	PushChannel string `yaml:"push_channel"`
	Language    string `yaml:"language"`
}

// RedisConfig holds transport connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelegramConfig holds TDLib application credentials and engine settings.
type TelegramConfig struct {
	APIID      int32  `yaml:"api_id"`
	APIHash    string `yaml:"api_hash"`
	UseTestDC  bool   `yaml:"use_test_dc"`
	FilesDir   string `yaml:"files_dir"`   // per-account TDLib state lives under here
	SocketPath string `yaml:"socket_path"` // tdjson daemon Unix socket
}

// MediaConfig holds the shared media store layout.
type MediaConfig struct {
	Root    string `yaml:"root"`     // filesystem root for materialized files
	BaseURL string `yaml:"base_url"` // public URL prefix for the same tree
}

// EventsConfig holds the outward push endpoint.
type EventsConfig struct {
	PubURL    string `yaml:"pub_url"`
	APIDomain string `yaml:"api_domain"`
}

// TimeoutsConfig holds call and staleness budgets.
type TimeoutsConfig struct {
	Call        time.Duration `yaml:"-"`
	GetMe       time.Duration `yaml:"-"`
	StaleUpdate time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CallRaw        string `yaml:"call"`
	GetMeRaw       string `yaml:"get_me"`
	StaleUpdateRaw string `yaml:"stale_update"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Timeouts.Call == 0 {
		c.Timeouts.Call = 30 * time.Second
	}
	if c.Timeouts.GetMe == 0 {
		c.Timeouts.GetMe = 120 * time.Second
	}
	if c.Timeouts.StaleUpdate == 0 {
		c.Timeouts.StaleUpdate = 300 * time.Second
	}
	if c.Events.PubURL == "" {
		c.Events.PubURL = "http://127.0.0.1/pub"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram.api_hash is required")
	}
	if c.Telegram.FilesDir == "" {
		return fmt.Errorf("telegram.files_dir is required")
	}
	if c.Media.Root == "" {
		return fmt.Errorf("media.root is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Timeouts.CallRaw != "" {
		cfg.Timeouts.Call, err = time.ParseDuration(cfg.Timeouts.CallRaw)
		if err != nil {
			return fmt.Errorf("parsing call %q: %w", cfg.Timeouts.CallRaw, err)
		}
	}

	if cfg.Timeouts.GetMeRaw != "" {
		cfg.Timeouts.GetMe, err = time.ParseDuration(cfg.Timeouts.GetMeRaw)
		if err != nil {
			return fmt.Errorf("parsing get_me %q: %w", cfg.Timeouts.GetMeRaw, err)
		}
	}

	if cfg.Timeouts.StaleUpdateRaw != "" {
		cfg.Timeouts.StaleUpdate, err = time.ParseDuration(cfg.Timeouts.StaleUpdateRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_update %q: %w", cfg.Timeouts.StaleUpdateRaw, err)
		}
	}

	return nil
}
