// Package config loads server configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	PublicURL   string `mapstructure:"public_url" validate:"omitempty,url"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// Record store ("memory", "postgres" or "badger")
	MetadataBackend string `mapstructure:"metadata_backend" validate:"oneof=memory postgres badger"`
	DatabaseURL     string `mapstructure:"database_url" validate:"required_if=MetadataBackend postgres"`
	MigrationsDir   string `mapstructure:"migrations_dir"`
	BadgerDir       string `mapstructure:"badger_dir" validate:"required_if=MetadataBackend badger"`

	// Byte store ("auto", "local", "s3" or "remote")
	StorageBackend   string `mapstructure:"storage_backend" validate:"oneof=auto local s3 remote"`
	LocalStoragePath string `mapstructure:"local_storage_path" validate:"required"`

	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`

	RemoteUploadURL string        `mapstructure:"remote_upload_url" validate:"omitempty,url"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout" validate:"gt=0"`

	// Auth
	JWTSecret     string `mapstructure:"jwt_secret" validate:"required,min=16"`
	OIDCIssuerURL string `mapstructure:"oidc_issuer_url" validate:"omitempty,url"`
	OIDCClientID  string `mapstructure:"oidc_client_id" validate:"required_with=OIDCIssuerURL"`

	// Uploads and usage display
	MaxUploadSize   int64 `mapstructure:"max_upload_size" validate:"gt=0"`
	UsageLimitBytes int64 `mapstructure:"usage_limit_bytes" validate:"gte=0"`

	// Public share endpoint rate limiting (requests per minute per client, burst)
	ShareRateLimit int `mapstructure:"share_rate_limit" validate:"gte=0"`
	ShareRateBurst int `mapstructure:"share_rate_burst" validate:"gte=0"`
}

var validate = validator.New()

// Load reads configuration from environment variables with defaults. When
// CONFIG_FILE is set the file is read first and environment values override it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file", "")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metadata_backend", "postgres")
	v.SetDefault("database_url", "")
	v.SetDefault("migrations_dir", "migrations")
	v.SetDefault("badger_dir", "/data/metadata")
	v.SetDefault("storage_backend", "auto")
	v.SetDefault("local_storage_path", "/data/storage")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_bucket", "clouddrive")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_use_ssl", false)
	v.SetDefault("remote_upload_url", "")
	v.SetDefault("remote_timeout", 30*time.Second)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("oidc_issuer_url", "")
	v.SetDefault("oidc_client_id", "")
	v.SetDefault("max_upload_size", int64(100*1024*1024))
	v.SetDefault("usage_limit_bytes", int64(10*1024*1024*1024))
	v.SetDefault("share_rate_limit", 60)
	v.SetDefault("share_rate_burst", 10)
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.StorageBackend == "s3" && (cfg.S3Endpoint == "" || cfg.S3Bucket == "") {
		return fmt.Errorf("storage_backend=s3 requires S3_ENDPOINT and S3_BUCKET")
	}
	if cfg.StorageBackend == "remote" && cfg.RemoteUploadURL == "" {
		return fmt.Errorf("storage_backend=remote requires REMOTE_UPLOAD_URL")
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_if", "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
