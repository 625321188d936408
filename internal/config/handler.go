package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const DefaultHandlerConfigPath = "/etc/duskrelay/handler.yaml"

// HandlerConfig holds the handler process's configuration: what to listen
// on, its long-term identity, and which exit nodes it dispatches to.
type HandlerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HandlerID  uint64 `yaml:"handler_id"`

	DHPrivateKey string `yaml:"dh_private_key"` // hex-encoded 32 bytes
	SigningSeed  string `yaml:"signing_seed"`   // hex-encoded 32-byte Ed25519 seed

	ExitGroupsPath string `yaml:"exit_groups_path"`
	UsersPath      string `yaml:"users_path"`

	DohUpstreamURL string `yaml:"doh_upstream_url"`

	TokenTTLSeconds int `yaml:"token_ttl_seconds"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

func defaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		ListenAddr:      ":8443",
		ExitGroupsPath:  "/etc/duskrelay/exit-groups.yaml",
		UsersPath:       "/etc/duskrelay/users.yaml",
		TokenTTLSeconds: 60,
		MetricsAddr:     ":9090",
		LogLevel:        "info",
	}
}

// LoadHandlerConfig loads configuration from a YAML file (DefaultHandlerConfigPath
// if path is empty), with DUSKRELAY_HANDLER_-prefixed env vars overriding it.
func LoadHandlerConfig(path string) (*HandlerConfig, error) {
	cfg := defaultHandlerConfig()
	if path == "" {
		path = DefaultHandlerConfigPath
	}

	if err := loadYAMLFile(cfg, path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading handler config: %w", err)
		}
	}

	applyHandlerEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation: %w", err)
	}
	return cfg, nil
}

func applyHandlerEnvOverrides(cfg *HandlerConfig) {
	if v := os.Getenv("DUSKRELAY_HANDLER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.HandlerID = id
		}
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_DH_PRIVATE_KEY"); v != "" {
		cfg.DHPrivateKey = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_SIGNING_SEED"); v != "" {
		cfg.SigningSeed = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_EXIT_GROUPS_PATH"); v != "" {
		cfg.ExitGroupsPath = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_USERS_PATH"); v != "" {
		cfg.UsersPath = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_DOH_UPSTREAM_URL"); v != "" {
		cfg.DohUpstreamURL = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_TOKEN_TTL_SECONDS"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			cfg.TokenTTLSeconds = ttl
		}
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("DUSKRELAY_HANDLER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate ensures the fields needed to bring up an Authenticator and
// Server are present.
func (c *HandlerConfig) Validate() error {
	if c.HandlerID == 0 {
		return fmt.Errorf("handler_id is required")
	}
	if c.DHPrivateKey == "" {
		return fmt.Errorf("dh_private_key is required")
	}
	if c.SigningSeed == "" {
		return fmt.Errorf("signing_seed is required")
	}
	return nil
}

func loadYAMLFile(out interface{}, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// LoadUserSecrets reads users.yaml -- a flat map of user_id to a
// hex-encoded shared HMAC secret -- the static stand-in this repository
// uses in place of the external user store internal/collab.UserStore
// leaves to an outside system.
func LoadUserSecrets(path string) (map[uint64][]byte, error) {
	var raw map[uint64]string
	if err := loadYAMLFile(&raw, path); err != nil {
		return nil, fmt.Errorf("reading user secrets: %w", err)
	}

	secrets := make(map[uint64][]byte, len(raw))
	for userID, hexSecret := range raw {
		secret, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("decoding secret for user %d: %w", userID, err)
		}
		secrets[userID] = secret
	}
	return secrets, nil
}
