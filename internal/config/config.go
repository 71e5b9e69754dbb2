// Package config builds the immutable service configuration once at process
// start. Values are layered: built-in defaults, an optional YAML file, then
// BESTAI_* environment overrides. Components receive the resulting Config by
// injection and never read the environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the bestai-auth service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Identity    IdentityConfig    `yaml:"identity"`
	SecretStore SecretStoreConfig `yaml:"secret_store"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`          // default ":5007"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default 15s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default 60s
}

// DatabaseConfig holds catalog store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// IdentityConfig holds identity-provider settings. Issuer and JWKS URLs are
// derived from URL and Realm.
type IdentityConfig struct {
	URL           string        `yaml:"url"`   // default "http://localhost:8080"
	Realm         string        `yaml:"realm"` // default "bestai"
	AdminUser     string        `yaml:"admin_user"`
	AdminPassword string        `yaml:"admin_password"`
	KeyCacheTTL   time.Duration `yaml:"key_cache_ttl"` // default 24h
}

// Issuer returns the exact expected issuer claim for verified tokens.
func (c IdentityConfig) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(c.URL, "/"), c.Realm)
}

// JWKSURL returns the published signing-key endpoint.
func (c IdentityConfig) JWKSURL() string {
	return c.Issuer() + "/protocol/openid-connect/certs"
}

// SecretStoreConfig holds versioned KV store settings.
type SecretStoreConfig struct {
	URL   string `yaml:"url"` // default "http://localhost:8200"
	Token string `yaml:"token"`
	Mount string `yaml:"mount"` // default "secret"
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":5007",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Identity: IdentityConfig{
			URL:         "http://localhost:8080",
			Realm:       "bestai",
			AdminUser:   "admin",
			KeyCacheTTL: 24 * time.Hour,
		},
		SecretStore: SecretStoreConfig{
			URL:   "http://localhost:8200",
			Mount: "secret",
		},
	}
}

// Load builds the configuration. path may be empty; BESTAI_CONFIG is honored
// as a fallback file location.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("BESTAI_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "BESTAI_HTTP_ADDR")
	setString(&cfg.Database.DSN, "BESTAI_PG_DSN")
	setString(&cfg.Identity.URL, "BESTAI_KEYCLOAK_URL")
	setString(&cfg.Identity.Realm, "BESTAI_KEYCLOAK_REALM")
	setString(&cfg.Identity.AdminUser, "BESTAI_KEYCLOAK_ADMIN")
	setString(&cfg.Identity.AdminPassword, "BESTAI_KEYCLOAK_ADMIN_PASSWORD")
	setDuration(&cfg.Identity.KeyCacheTTL, "BESTAI_KEY_CACHE_TTL")
	setString(&cfg.SecretStore.URL, "BESTAI_SECRET_STORE_URL")
	setString(&cfg.SecretStore.Token, "BESTAI_SECRET_STORE_TOKEN")
	setString(&cfg.SecretStore.Mount, "BESTAI_SECRET_STORE_MOUNT")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server addr is required")
	}
	if strings.TrimSpace(c.Identity.URL) == "" || strings.TrimSpace(c.Identity.Realm) == "" {
		return errors.New("config: identity provider url and realm are required")
	}
	if c.Identity.KeyCacheTTL <= 0 {
		return errors.New("config: key cache ttl must be positive")
	}
	if strings.TrimSpace(c.SecretStore.URL) == "" {
		return errors.New("config: secret store url is required")
	}
	return nil
}
