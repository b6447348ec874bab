package config

import "time"

// Config represents the complete cloudagent configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	API     APIConfig     `yaml:"api"`
	Cache   CacheConfig   `yaml:"cache"`
	Mock    MockConfig    `yaml:"mock"`
}

// ServiceConfig defines core process settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// APIConfig defines the connection to the agent backend.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CacheConfig defines the local SQLite session cache.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// MockConfig defines the scripted local backend.
type MockConfig struct {
	Listen      string        `yaml:"listen"`
	Token       string        `yaml:"token"`
	StepDelay   time.Duration `yaml:"step_delay"`
	ScriptsFile string        `yaml:"scripts_file"`
}
