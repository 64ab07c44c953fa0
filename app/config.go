package nexus

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `mapstructure:"port" validate:"required,port"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `mapstructure:"hostname" validate:"required"`
	// LogLevel is one of debug, info, warn or error. The default is info.
	LogLevel slog.Level `mapstructure:"log_level"`
	Auth     struct {
		// Secret is the key used to sign JWT tokens.
		// It must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `mapstructure:"secret" validate:"required"`
		// TokenExp is how long an issued token stays valid.
		TokenExp time.Duration `mapstructure:"token_exp" validate:"required,gt=0"`
	} `mapstructure:"auth"`
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `mapstructure:"file" validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `mapstructure:"migrations" validate:"required"`
		// Mode is rwc for a file database or memory for an in-memory one.
		Mode string `mapstructure:"mode" validate:"oneof=ro rw rwc memory"`
		// JournalMode is passed to sqlite as is. Empty keeps the sqlite default.
		JournalMode string `mapstructure:"journal_mode"`
	} `mapstructure:"sqlite"`
	Presence struct {
		// SweepInterval is how often stale presence rows are expired.
		SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`
		// StaleAfter is how long an online row survives without a heartbeat.
		StaleAfter time.Duration `mapstructure:"stale_after" validate:"required,gt=0"`
	} `mapstructure:"presence"`
	RateLimit struct {
		// WritesPerMinute is the sustained rate of message and presence writes
		// allowed per user. Zero disables the limit.
		WritesPerMinute int `mapstructure:"writes_per_minute" validate:"gte=0"`
		// Burst is how many writes may exceed the sustained rate at once.
		Burst int `mapstructure:"burst" validate:"gte=0"`
	} `mapstructure:"rate_limit"`
	Redis struct {
		// URL enables fan-out of changes between instances through redis pub/sub,
		// e.g. redis://localhost:6379/0. Empty keeps changes local.
		URL string `mapstructure:"url"`
		// Channel is the pub/sub channel changes are published on.
		Channel string `mapstructure:"channel" validate:"required_with=URL"`
	} `mapstructure:"redis"`
	TLS struct {
		Crt string `mapstructure:"crt" validate:"required_with=Key"`
		Key string `mapstructure:"key" validate:"required_with=Crt"`
	} `mapstructure:"tls"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("log_level", "info")

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.token_exp", "24h")

	v.SetDefault("sqlite.file", "./nexus.db")
	v.SetDefault("sqlite.migrations", "./migrations")
	v.SetDefault("sqlite.mode", "rwc")
	v.SetDefault("sqlite.journal_mode", "WAL")

	v.SetDefault("presence.sweep_interval", "30s")
	v.SetDefault("presence.stale_after", "90s")

	v.SetDefault("rate_limit.writes_per_minute", 120)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "nexus:changes")

	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("allowed_origins", []string{"*"})
	return nil
}

// LoadConfig loads the configuration from a yaml file, a .env file and environment
// variables, in increasing order of precedence. Nested keys map to environment
// variables prefixed with NEXUS_ and with "_" in place of ".", e.g. NEXUS_AUTH_SECRET.
// When file is empty ./config.yaml is read if it exists.
// The returned configuration is validated.
func LoadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("nexus")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", FormatValidationErrors(err))
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// Addr is the address the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
