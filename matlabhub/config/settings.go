// Package config loads proxy settings from an optional YAML file and the
// environment, and resolves them into the values the rest of the proxy runs
// with.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Settings are the user-facing knobs. Environment variables override the
// YAML file, which overrides DefaultSettings.
type Settings struct {
	BaseURL       string `env:"MWI_BASE_URL" yaml:"base_url"`
	AppPort       int    `env:"MWI_APP_PORT" yaml:"app_port"`
	AppHost       string `env:"MWI_APP_HOST" yaml:"app_host"`
	LicenseFile   string `env:"MLM_LICENSE_FILE" yaml:"license_file"`
	LogLevel      string `env:"MWI_LOG_LEVEL" yaml:"log_level"`
	LogFile       string `env:"MWI_LOG_FILE" yaml:"log_file"`
	LogFormat     string `env:"MWI_LOG_FORMAT" yaml:"log_format"`
	CustomHeaders string `env:"MWI_CUSTOM_HTTP_HEADERS" yaml:"custom_http_headers"`
	WSEnv         string `env:"WS_ENV" yaml:"ws_env"`
	Dev           bool   `env:"MWI_DEV" yaml:"dev"`
	Test          bool   `env:"MWI_TEST" yaml:"test"`
	// AuditDB is the audit journal path; "off" disables it and empty uses
	// the default location next to the licensing file.
	AuditDB string `env:"MWI_AUDIT_DB" yaml:"audit_db"`
	// AuditRetention is how long journaled events are kept; zero keeps them forever.
	AuditRetention time.Duration `env:"MWI_AUDIT_RETENTION" yaml:"audit_retention"`
	EnableMetrics  bool          `env:"MWI_ENABLE_METRICS" yaml:"enable_metrics"`
	// FakeEngine is the executable run in dev mode in place of the engine
	// and the display server.
	FakeEngine string `env:"MWI_FAKE_ENGINE" yaml:"fake_engine"`
}

// AuditDisabled is the AuditDB value that turns the audit journal off.
const AuditDisabled = "off"

func DefaultSettings() Settings {
	return Settings{
		AppPort:        8888,
		LogLevel:       "INFO",
		LogFormat:      "text",
		AuditRetention: 30 * 24 * time.Hour,
		FakeEngine:     "fakeengine",
	}
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// parseEnvFrom is ParseEnv over an explicit environment.
func parseEnvFrom(target any, environ map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadSettings reads the YAML file at path, when path is non-empty, and then
// applies the process environment.
func LoadSettings(path string) (Settings, error) {
	settings, err := loadFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := ParseEnv(&settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func loadFile(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return settings, nil
}
