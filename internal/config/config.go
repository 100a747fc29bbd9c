// Package config provides configuration management for the OAuth connection
// service. Settings are environment-first — client credentials and secrets
// only ever come from the environment — with an optional YAML file for server
// tuning (port, logging, rate limits, store backend).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/postflow-hq/postflow/internal/platform"
)

// Config represents the application's configuration.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// FrontendURL is the base URL of the frontend; the default OAuth
	// callback URL is derived from it.
	FrontendURL string `yaml:"frontend-url" json:"frontend-url"`

	// EncryptionKey is the symmetric secret for token encryption at rest.
	// Only settable through the environment.
	EncryptionKey string `yaml:"-" json:"-"`

	// DatabaseURL selects the Postgres backend when set; without it the
	// service runs on the in-memory store (development only).
	DatabaseURL string `yaml:"-" json:"-"`

	// Logging configures logrus output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// RateLimit optionally overrides the default per-profile limits.
	RateLimit RateLimitOverrides `yaml:"rate-limit" json:"rate-limit"`

	// ObjectMirror configures the optional S3-compatible connection mirror.
	ObjectMirror ObjectMirrorConfig `yaml:"object-mirror" json:"object-mirror"`

	// Platforms holds the per-platform OAuth client credentials, read from
	// {PLATFORM}_CLIENT_ID / _CLIENT_SECRET / _REDIRECT_URI.
	Platforms map[platform.Platform]platform.Credentials `yaml:"-" json:"-"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`
	MaxBackups int    `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
	MaxAgeDays int    `yaml:"max-age-days,omitempty" json:"max-age-days,omitempty"`
}

// RateLimitOverrides tunes one rate-limit profile; zero values keep the
// built-in default.
type RateLimitOverrides struct {
	AuthorizeMax int `yaml:"authorize-max,omitempty" json:"authorize-max,omitempty"`
	CallbackMax  int `yaml:"callback-max,omitempty" json:"callback-max,omitempty"`
	TokenMax     int `yaml:"token-max,omitempty" json:"token-max,omitempty"`
	GeneralMax   int `yaml:"general-max,omitempty" json:"general-max,omitempty"`
	UploadMax    int `yaml:"upload-max,omitempty" json:"upload-max,omitempty"`
}

// ObjectMirrorConfig configures the connection inventory mirror. Credentials
// come from the environment (S3_ACCESS_KEY / S3_SECRET_KEY).
type ObjectMirrorConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	UseSSL    bool   `yaml:"use-ssl,omitempty" json:"use-ssl,omitempty"`
	AccessKey string `yaml:"-" json:"-"`
	SecretKey string `yaml:"-" json:"-"`
}

// Load reads the optional YAML file and merges the environment on top.
// An empty path skips the file entirely.
func Load(configFile string) (*Config, error) {
	cfg := &Config{Port: 8080, Logging: LoggingConfig{Level: "info"}}

	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	applyEnv(cfg)

	if cfg.FrontendURL == "" {
		return nil, fmt.Errorf("config: FRONTEND_URL is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY is required")
	}
	return cfg, nil
}

// applyEnv merges environment variables over the file-sourced settings.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.FrontendURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ObjectMirror.AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.ObjectMirror.SecretKey = os.Getenv("S3_SECRET_KEY")
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.ObjectMirror.Endpoint = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.ObjectMirror.Bucket = v
	}

	cfg.Platforms = make(map[platform.Platform]platform.Credentials, len(platform.All()))
	for _, p := range platform.All() {
		prefix := strings.ToUpper(string(p))
		cfg.Platforms[p] = platform.Credentials{
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
			RedirectURI:  os.Getenv(prefix + "_REDIRECT_URI"),
		}
	}
}
