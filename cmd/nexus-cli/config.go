package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/nexus/realtime"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	Server      string     `mapstructure:"server"`
	Username    string     `mapstructure:"username"`
	Password    string     `mapstructure:"password"`
	DisplayName string     `mapstructure:"display-name"`
	Register    bool       `mapstructure:"register"`
	Room        string     `mapstructure:"room"`
	History     int        `mapstructure:"history"`
	LogLevel    slog.Level `mapstructure:"log-level"`
}

// loadConfig reads flags, falling back to NEXUS_CLI_* environment variables,
// e.g. NEXUS_CLI_PASSWORD for --password.
func loadConfig(args []string) (*config, error) {
	fs := pflag.NewFlagSet("nexus-cli", pflag.ContinueOnError)
	fs.String("server", "http://localhost:8080", "base url of the nexus server")
	fs.StringP("username", "u", "", "username to sign in with")
	fs.StringP("password", "p", "", "password to sign in with")
	fs.String("display-name", "", "display name used with --register, defaults to the username")
	fs.Bool("register", false, "create the profile before signing in")
	fs.StringP("room", "r", realtime.DefaultRoomID, "room to join")
	fs.Int("history", realtime.DefaultHistoryLimit, "number of past messages to load")
	fs.String("log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("nexus_cli")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	c := &config{}
	if err := v.Unmarshal(c, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("--username and --password are required")
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Username
	}
	return c, nil
}
