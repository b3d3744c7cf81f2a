// Package config loads Vicky's server and worker configuration using
// viper, with a nested-env override convention: every config key maps to
// an env var made of its path joined by double underscores, uppercased.
// Double rather than single underscores, since several of Vicky's own
// field names already contain a single underscore.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// S3Config describes the object store used to archive finished task logs.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	LogBucket       string `mapstructure:"log_bucket"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// OIDCConfig describes the JWT issuer used to verify bearer tokens.
type OIDCConfig struct {
	WellKnownURI string `mapstructure:"well_known_uri"`
}

// WebConfig carries the values exposed to browser-facing clients so they
// can drive the OIDC auth-code flow themselves; the server never performs
// it on their behalf.
type WebConfig struct {
	Authority string `mapstructure:"authority"`
	ClientID  string `mapstructure:"client_id"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "bolt".
	Driver string `mapstructure:"driver"`
	// DSN is the postgres connection string when Driver == "postgres".
	DSN string `mapstructure:"dsn"`
	// Path is the directory holding the BoltDB file (vicky.db) when
	// Driver == "bolt".
	Path string `mapstructure:"path"`
}

// LogConfig controls pkg/log initialization.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json_output"`
}

// ServerConfig is the full configuration for the vicky server process.
type ServerConfig struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	Database   DatabaseConfig `mapstructure:"database"`
	S3         S3Config       `mapstructure:"s3"`
	OIDC       OIDCConfig     `mapstructure:"oidc"`
	Web        WebConfig      `mapstructure:"web"`
	Log        LogConfig      `mapstructure:"log"`
	// MachineTokens are static bearer tokens accepted for the machine
	// role without a round trip to the OIDC provider, checked before
	// the JWT/userinfo fallback.
	MachineTokens []string `mapstructure:"machine_tokens"`
}

// WorkerConfig is the full configuration for the vicky-worker process.
type WorkerConfig struct {
	VickyURL         string    `mapstructure:"vicky_url"`
	VickyExternalURL string    `mapstructure:"vicky_external_url"`
	TokenURL         string    `mapstructure:"token_url"`
	ClientID         string    `mapstructure:"client_id"`
	ClientSecret     string    `mapstructure:"client_secret"`
	Features         []string  `mapstructure:"features"`
	Log              LogConfig `mapstructure:"log"`
	// TestMode skips invoking the external build tool, reporting every
	// claimed task as SUCCESS after a no-op delay; used by integration
	// tests that exercise the claim/finish loop without nix installed.
	TestMode bool `mapstructure:"test_mode"`
}

// LoadServerConfig reads server configuration from an optional file at path
// (skipped entirely if empty or missing) and from VICKY_-prefixed,
// double-underscore-nested environment variables, e.g.
// VICKY_DATABASE__DSN, VICKY_S3__LOG_BUCKET, VICKY_OIDC__WELL_KNOWN_URI.
func LoadServerConfig(path string) (*ServerConfig, error) {
	v := viper.New()
	setServerDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("VICKY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.path", ".")
	v.SetDefault("database.dsn", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.log_bucket", "")
	v.SetDefault("s3.force_path_style", true)
	v.SetDefault("oidc.well_known_uri", "")
	v.SetDefault("web.authority", "")
	v.SetDefault("web.client_id", "")
	v.SetDefault("machine_tokens", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json_output", true)
}

func (cfg *ServerConfig) validate() error {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required when database.driver=postgres")
		}
	case "bolt":
		if cfg.Database.Path == "" {
			return fmt.Errorf("config: database.path is required when database.driver=bolt")
		}
	default:
		return fmt.Errorf("config: unsupported database.driver %q (want postgres or bolt)", cfg.Database.Driver)
	}
	if cfg.S3.LogBucket == "" {
		return fmt.Errorf("config: s3.log_bucket is required")
	}
	if cfg.OIDC.WellKnownURI == "" {
		return fmt.Errorf("config: oidc.well_known_uri is required")
	}
	return nil
}

// LoadWorkerConfig reads worker configuration the same way LoadServerConfig
// does, under the VICKY_WORKER env prefix.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	v := viper.New()
	v.SetDefault("vicky_url", "")
	v.SetDefault("vicky_external_url", "")
	v.SetDefault("token_url", "")
	v.SetDefault("client_id", "")
	v.SetDefault("client_secret", "")
	v.SetDefault("features", []string{})
	v.SetDefault("test_mode", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json_output", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("VICKY_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.VickyURL == "" {
		return nil, fmt.Errorf("config: vicky_url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("config: client_id and client_secret are required")
	}
	return &cfg, nil
}
