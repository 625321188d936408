// Package config loads the three process configs: client, handler, and
// exit. The client agent uses viper with env-variable overrides, since it
// runs on end-user machines where a flexible, env-overridable format
// matters; the handler and exit use plain yaml.v3 with manual env
// overrides, since they run as fixed server deployments.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const DefaultClientConfigPath = "/etc/duskrelay/client.yaml"

// ClientConfig holds the client agent's configuration: where to find a
// handler, what credentials to authenticate with, and how to expose the
// local SOCKS5 frontend.
type ClientConfig struct {
	RetrieveTokenURL string `mapstructure:"retrieve_token_url" yaml:"retrieve_token_url"`
	ConnectURL       string `mapstructure:"connect_url" yaml:"connect_url"`
	HandlerDHPublic  string `mapstructure:"handler_dh_public" yaml:"handler_dh_public"` // hex-encoded 32 bytes

	UserID uint64 `mapstructure:"user_id" yaml:"user_id"`
	Secret string `mapstructure:"secret" yaml:"secret"` // shared HMAC secret, hex-encoded

	Socks5BindAddr string `mapstructure:"socks5_bind_addr" yaml:"socks5_bind_addr"`

	DohEnabled bool `mapstructure:"doh_enabled" yaml:"doh_enabled"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// LoadClientConfig reads configuration from configPath (DefaultClientConfigPath
// if empty), with DUSKRELAY_-prefixed environment variables overriding file
// values.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("socks5_bind_addr", "127.0.0.1:1080")
	v.SetDefault("doh_enabled", true)
	v.SetDefault("log_level", "info")

	if configPath == "" {
		configPath = DefaultClientConfigPath
	}
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("DUSKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"retrieve_token_url": "DUSKRELAY_RETRIEVE_TOKEN_URL",
		"connect_url":        "DUSKRELAY_CONNECT_URL",
		"handler_dh_public":  "DUSKRELAY_HANDLER_DH_PUBLIC",
		"user_id":            "DUSKRELAY_USER_ID",
		"secret":             "DUSKRELAY_SECRET",
		"socks5_bind_addr":   "DUSKRELAY_SOCKS5_BIND_ADDR",
		"doh_enabled":        "DUSKRELAY_DOH_ENABLED",
		"log_level":          "DUSKRELAY_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate checks that required fields for dialing a handler are present.
func (c *ClientConfig) Validate() error {
	if c.RetrieveTokenURL == "" {
		return fmt.Errorf("retrieve_token_url is required")
	}
	if c.ConnectURL == "" {
		return fmt.Errorf("connect_url is required")
	}
	if c.HandlerDHPublic == "" {
		return fmt.Errorf("handler_dh_public is required")
	}
	if c.UserID == 0 {
		return fmt.Errorf("user_id is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	return nil
}
