package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIURL overrides api.base_url when set.
const EnvAPIURL = "CLOUDAGENT_API_URL"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

// LoadOptional is Load for client commands: a missing file yields the
// defaults instead of an error.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v, ok := os.LookupEnv(EnvAPIURL); ok && v != "" {
		cfg.API.BaseURL = v
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "cloudagent"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Service.LogFile == "" {
		cfg.Service.LogFile = "./data/cloudagent.log"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8000"
	}
	if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = 30 * time.Second
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/cloudagent.db"
	}
	if cfg.Mock.Listen == "" {
		cfg.Mock.Listen = "127.0.0.1:8000"
	}
	if cfg.Mock.StepDelay == 0 {
		cfg.Mock.StepDelay = 400 * time.Millisecond
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL (got %q)", cfg.API.BaseURL)
	}
	if cfg.API.RequestTimeout < 0 {
		return fmt.Errorf("api.request_timeout must be positive")
	}
	if cfg.Mock.StepDelay < 0 {
		return fmt.Errorf("mock.step_delay must not be negative")
	}
	for field, value := range map[string]string{"api.token": cfg.API.Token, "mock.token": cfg.Mock.Token} {
		if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
