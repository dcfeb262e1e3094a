// Package config provides configuration management for the hangar control plane.
//
// Configuration is loaded from the process environment, with an optional .env
// file merged in for local development. All keys use the bare environment
// variable names the deployment tooling sets (APP_HOST, DATABASE_URL, ...).
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("listening on %s:%d\n", cfg.Host, cfg.Port)
//
// Required keys (DATABASE_URL, MARIADB_URL, APP_JWT_SECRET,
// APP_ENCRYPTION_KEY, GITHUB_APP_ID, GITHUB_PRIVATE_KEY_B64) fail the load
// when missing, so a misconfigured instance never reaches the listen socket.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full runtime configuration of the control plane.
type Config struct {
	// Host is the HTTP bind address (default: 0.0.0.0)
	Host string `mapstructure:"app_host"`

	// Port is the HTTP listen port (default: 8080)
	Port int `mapstructure:"app_port"`

	// DatabaseURL is the control-plane Postgres DSN
	DatabaseURL string `mapstructure:"database_url"`

	// MariaDBURL is the admin DSN of the tenant MariaDB server
	MariaDBURL string `mapstructure:"mariadb_url"`

	// MariaDBPublicHost is the host tenants use to reach their database
	MariaDBPublicHost string `mapstructure:"mariadb_public_host"`

	// MariaDBPublicPort is the port tenants use to reach their database
	MariaDBPublicPort int `mapstructure:"mariadb_public_port"`

	// JWTSecret signs session tokens (HS256)
	JWTSecret string `mapstructure:"app_jwt_secret"`

	// JWTExpirationSeconds is the session token lifetime
	JWTExpirationSeconds int `mapstructure:"jwt_expiration_seconds"`

	// CASValidationURL is the CAS serviceValidate endpoint
	CASValidationURL string `mapstructure:"cas_validation_url"`

	// Prefix namespaces every container, volume and label this instance owns
	Prefix string `mapstructure:"app_prefix"`

	// DomainSuffix is appended to project names to form public hostnames
	DomainSuffix string `mapstructure:"app_domain_suffix"`

	// BuildBaseImage is the FROM image for source builds
	BuildBaseImage string `mapstructure:"build_base_image"`

	// GitHubAppID identifies the GitHub App used for private repo access
	GitHubAppID string `mapstructure:"github_app_id"`

	// GitHubPrivateKeyB64 is the base64-encoded PEM signing key of the App
	GitHubPrivateKeyB64 string `mapstructure:"github_private_key_b64"`

	// DockerNetwork is the network project containers attach to
	DockerNetwork string `mapstructure:"docker_network"`

	// TraefikEntrypoint is the entrypoint set on project routers
	TraefikEntrypoint string `mapstructure:"docker_traefik_entrypoint"`

	// TraefikCertResolver is the certificate resolver set on project routers
	TraefikCertResolver string `mapstructure:"docker_traefik_certresolver"`

	// ContainerMemoryMB is the per-container memory limit in megabytes
	ContainerMemoryMB int64 `mapstructure:"docker_container_memory_mb"`

	// ContainerCPUQuota is the per-container CPU quota in microseconds per period
	ContainerCPUQuota int64 `mapstructure:"docker_container_cpu_quota"`

	// GrypeEnabled toggles the vulnerability scan stage
	GrypeEnabled bool `mapstructure:"grype_enabled"`

	// GrypeFailOnSeverity is the severity threshold that fails a deploy
	GrypeFailOnSeverity string `mapstructure:"grype_fail_on_severity"`

	// DBMaxConnections caps the tenant MariaDB admin pool
	DBMaxConnections int `mapstructure:"db_max_connections"`

	// TimeoutSecondsNormal bounds ordinary API requests
	TimeoutSecondsNormal int `mapstructure:"timeout_seconds_normal"`

	// TimeoutSecondsLong bounds deploy and build requests
	TimeoutSecondsLong int `mapstructure:"timeout_seconds_long"`

	// Admins is the comma-separated list of admin logins
	Admins string `mapstructure:"app_admins"`

	// EncryptionKeyHex is the 32-byte AES key, hex encoded
	EncryptionKeyHex string `mapstructure:"app_encryption_key"`

	// LogLevel is the logrus level (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is the log output format (json, text)
	LogFormat string `mapstructure:"log_format"`
}

// NormalTimeout returns the request timeout for ordinary routes.
func (c *Config) NormalTimeout() time.Duration {
	return time.Duration(c.TimeoutSecondsNormal) * time.Second
}

// LongTimeout returns the request timeout for deploy and build routes.
func (c *Config) LongTimeout() time.Duration {
	return time.Duration(c.TimeoutSecondsLong) * time.Second
}

// JWTExpiration returns the session token lifetime.
func (c *Config) JWTExpiration() time.Duration {
	return time.Duration(c.JWTExpirationSeconds) * time.Second
}

// AdminLogins splits the APP_ADMINS list into normalized logins.
func (c *Config) AdminLogins() []string {
	var admins []string
	for _, a := range strings.Split(c.Admins, ",") {
		if a = strings.TrimSpace(a); a != "" {
			admins = append(admins, strings.ToLower(a))
		}
	}
	return admins
}

// IsAdmin reports whether the given login is in the admin list.
func (c *Config) IsAdmin(login string) bool {
	login = strings.ToLower(login)
	for _, a := range c.AdminLogins() {
		if a == login {
			return true
		}
	}
	return false
}

// EncryptionKey decodes the configured hex key into raw AES-256 key bytes.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("APP_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("APP_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// GitHubPrivateKey decodes the base64 PEM key of the GitHub App.
func (c *Config) GitHubPrivateKey() ([]byte, error) {
	pem, err := base64.StdEncoding.DecodeString(c.GitHubPrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("GITHUB_PRIVATE_KEY_B64 is not valid base64: %w", err)
	}
	return pem, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_host", "0.0.0.0")
	v.SetDefault("app_port", 8080)
	v.SetDefault("mariadb_public_host", "localhost")
	v.SetDefault("mariadb_public_port", 3306)
	v.SetDefault("jwt_expiration_seconds", 86400)
	v.SetDefault("app_prefix", "hangar")
	v.SetDefault("app_domain_suffix", ".localhost")
	v.SetDefault("build_base_image", "php:8.3-apache")
	v.SetDefault("docker_network", "hangar")
	v.SetDefault("docker_traefik_entrypoint", "websecure")
	v.SetDefault("docker_traefik_certresolver", "letsencrypt")
	v.SetDefault("docker_container_memory_mb", 512)
	v.SetDefault("docker_container_cpu_quota", 50000)
	v.SetDefault("grype_enabled", false)
	v.SetDefault("grype_fail_on_severity", "critical")
	v.SetDefault("db_max_connections", 5)
	v.SetDefault("timeout_seconds_normal", 30)
	v.SetDefault("timeout_seconds_long", 600)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from the environment, merging an optional .env
// file first. If cfgFile is non-empty it is read as an env-format file
// instead of ./.env.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile == "" {
		cfgFile = ".env"
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("env")
	_ = v.MergeInConfig() // a missing .env is fine, the environment wins anyway

	v.AutomaticEnv()
	// Keys carry no prefix, so bind each one explicitly for AutomaticEnv.
	for _, key := range []string{
		"app_host", "app_port", "database_url", "mariadb_url",
		"mariadb_public_host", "mariadb_public_port", "app_jwt_secret",
		"jwt_expiration_seconds", "cas_validation_url", "app_prefix",
		"app_domain_suffix", "build_base_image", "github_app_id",
		"github_private_key_b64", "docker_network", "docker_traefik_entrypoint",
		"docker_traefik_certresolver", "docker_container_memory_mb",
		"docker_container_cpu_quota", "grype_enabled", "grype_fail_on_severity",
		"db_max_connections", "timeout_seconds_normal", "timeout_seconds_long",
		"app_admins", "app_encryption_key", "log_level", "log_format",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is complete enough to start.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MariaDBURL == "" {
		return fmt.Errorf("MARIADB_URL is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("APP_JWT_SECRET is required")
	}
	if _, err := cfg.EncryptionKey(); err != nil {
		return err
	}
	if cfg.GitHubAppID != "" {
		if _, err := cfg.GitHubPrivateKey(); err != nil {
			return err
		}
	}
	if cfg.TimeoutSecondsLong <= cfg.TimeoutSecondsNormal {
		return fmt.Errorf("TIMEOUT_SECONDS_LONG (%d) must exceed TIMEOUT_SECONDS_NORMAL (%d)",
			cfg.TimeoutSecondsLong, cfg.TimeoutSecondsNormal)
	}
	return nil
}
