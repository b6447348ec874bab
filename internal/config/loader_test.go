package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.API.BaseURL != "http://localhost:8000" {
		t.Fatalf("api.base_url default = %q, want http://localhost:8000", cfg.API.BaseURL)
	}
	if cfg.API.RequestTimeout != 30*time.Second {
		t.Fatalf("api.request_timeout default = %v, want %v", cfg.API.RequestTimeout, 30*time.Second)
	}
	if cfg.Service.LogFile != "./data/cloudagent.log" {
		t.Fatalf("service.log_file default = %q", cfg.Service.LogFile)
	}
	if cfg.Mock.StepDelay != 400*time.Millisecond {
		t.Fatalf("mock.step_delay default = %v, want %v", cfg.Mock.StepDelay, 400*time.Millisecond)
	}
}

func TestLoadInterpolatesEnvAndParsesDurations(t *testing.T) {
	t.Setenv("CLOUDAGENT_TEST_TOKEN", "s3cret")
	t.Setenv(EnvAPIURL, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
service:
  log_level: debug
api:
  base_url: http://agent.internal:9000
  token: ${CLOUDAGENT_TEST_TOKEN}
  request_timeout: 5s
mock:
  step_delay: 50ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Token != "s3cret" {
		t.Fatalf("api.token = %q, want interpolated value", cfg.API.Token)
	}
	if cfg.API.BaseURL != "http://agent.internal:9000" {
		t.Fatalf("api.base_url = %q", cfg.API.BaseURL)
	}
	if cfg.API.RequestTimeout != 5*time.Second || cfg.Mock.StepDelay != 50*time.Millisecond {
		t.Fatalf("durations = %v/%v", cfg.API.RequestTimeout, cfg.Mock.StepDelay)
	}
}

func TestEnvOverridesBaseURL(t *testing.T) {
	t.Setenv(EnvAPIURL, "https://agent.example.com")
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "api:\n  base_url: http://localhost:1234\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://agent.example.com" {
		t.Fatalf("api.base_url = %q, want env override", cfg.API.BaseURL)
	}
}

func TestLoadOptionalMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Service.Name != "cloudagent" || cfg.API.BaseURL != "http://localhost:8000" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected Load to require the file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := validTestConfig()
	cfg.Service.LogLevel = "verbose"
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "service.log_level") {
		t.Fatalf("expected log_level validation error, got %v", err)
	}

	cfg = validTestConfig()
	cfg.API.BaseURL = "localhost:8000"
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "api.base_url") {
		t.Fatalf("expected base_url validation error, got %v", err)
	}

	cfg = validTestConfig()
	cfg.API.Token = "${CLOUDAGENT_UNSET_TOKEN}"
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "CLOUDAGENT_UNSET_TOKEN") {
		t.Fatalf("expected unset env validation error, got %v", err)
	}
}

func TestConfigExampleLoads(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	t.Setenv("CLOUDAGENT_TOKEN", "example")
	cfg, err := Load("../../config.yaml")
	if err != nil {
		t.Fatalf("load config.yaml: %v", err)
	}
	if cfg.Mock.ScriptsFile == "" {
		t.Fatalf("expected example config to reference a scripts file")
	}
}

func validTestConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
