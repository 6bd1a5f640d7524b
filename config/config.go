package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/AlexKarpov98/webui/client"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides the apiKey of the file when set.
const EnvAPIKey = "WEBUI_API_KEY"

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Calls per second, 0 disables limiting
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

type Config struct {
	Endpoint         string            `yaml:"endpoint"`
	Path             string            `yaml:"path,omitempty"`
	ApiKey           string            `yaml:"apiKey,omitempty"`
	Secure           bool              `yaml:"secure"`
	SkipVerify       bool              `yaml:"skipVerify"` // Permits self-signed appliance certificates
	HandshakeTimeout time.Duration     `yaml:"handshakeTimeout"`
	CallTimeout      time.Duration     `yaml:"callTimeout"`
	PingInterval     time.Duration     `yaml:"pingInterval"`
	RateLimit        RateLimiterConfig `yaml:"rateLimit"`
	Log              LogConfig         `yaml:"log"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrEndpointMissing           = errors.New("endpoint is missing in config")
	ErrPathInvalid               = errors.New("path must start with /")
	ErrHandshakeTimeoutInvalid   = errors.New("handshakeTimeout cannot be negative")
	ErrCallTimeoutInvalid        = errors.New("callTimeout cannot be negative")
	ErrPingIntervalInvalid       = errors.New("pingInterval cannot be negative")
	ErrRateLimitInvalid          = errors.New("rateLimit.limit cannot be negative")
	ErrRateLimitBurstMissing     = errors.New("rateLimit.burst must be positive when rateLimit.limit is set")
	ErrLogLevelInvalid           = errors.New("log.level must be one of debug, info, warn, error")
	ErrSecureSkipVerifyConflicts = errors.New("skipVerify only applies when secure is true")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.ApiKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Endpoint == "" {
		return ErrEndpointMissing
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		return ErrPathInvalid
	}
	if cfg.SkipVerify && !cfg.Secure {
		return ErrSecureSkipVerifyConflicts
	}
	if cfg.HandshakeTimeout < 0 {
		return ErrHandshakeTimeoutInvalid
	}
	if cfg.CallTimeout < 0 {
		return ErrCallTimeoutInvalid
	}
	if cfg.PingInterval < 0 {
		return ErrPingIntervalInvalid
	}
	if cfg.RateLimit.Limit < 0 {
		return ErrRateLimitInvalid
	}
	if cfg.RateLimit.Limit > 0 && cfg.RateLimit.Burst <= 0 {
		return ErrRateLimitBurstMissing
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

func GenerateConfig() *Config {
	return &Config{
		Endpoint:         "127.0.0.1:80",
		Path:             "/websocket",
		Secure:           false,
		SkipVerify:       false,
		HandshakeTimeout: 10 * time.Second,
		CallTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		RateLimit:        RateLimiterConfig{Limit: 50.0, Burst: 100},
		Log:              LogConfig{Level: "info"},
	}
}

// WriteConfig writes cfg as YAML. An existing file is left untouched unless
// overwrite is set.
func WriteConfig(configFile string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(configFile); err == nil {
			return fmt.Errorf("config file %s already exists", configFile)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// The file may carry an API key.
	return os.WriteFile(configFile, data, 0o600)
}

// ClientConfig maps the file onto the RPC client's settings.
func (cfg *Config) ClientConfig(logger *slog.Logger) *client.Config {
	return &client.Config{
		Endpoint:         cfg.Endpoint,
		Path:             cfg.Path,
		Secure:           cfg.Secure,
		SkipVerify:       cfg.SkipVerify,
		ApiKey:           cfg.ApiKey,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CallTimeout:      cfg.CallTimeout,
		PingInterval:     cfg.PingInterval,
		RateLimit:        cfg.RateLimit.Limit,
		RateBurst:        cfg.RateLimit.Burst,
		Logger:           logger,
	}
}

// ParseLevel maps a log.level value to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, ErrLogLevelInvalid
}
