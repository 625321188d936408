package config

import (
	"fmt"
	"os"
)

const DefaultExitConfigPath = "/etc/duskrelay/exit.yaml"

// ExitConfig holds an exit node's configuration: where it listens for
// handlers, its name and group, its TUN device and NAT address pool, and
// its metrics and logging settings. It names no handler; handlers reach
// the exit through their own exit-groups manifest.
type ExitConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	NodeName   string `yaml:"node_name"`
	GroupID    int32  `yaml:"group_id"`

	TunDeviceName string `yaml:"tun_device_name"`
	TunMTU        int    `yaml:"tun_mtu"`
	VirtualSubnet string `yaml:"virtual_subnet"` // base IP for the NAT table's virtual IP pool

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

func defaultExitConfig() *ExitConfig {
	return &ExitConfig{
		ListenAddr:    ":8444",
		GroupID:       0,
		TunDeviceName: "duskrelay-exit0",
		TunMTU:        1420,
		VirtualSubnet: "10.200.0.0",
		MetricsAddr:   ":9091",
		LogLevel:      "info",
	}
}

// LoadExitConfig loads configuration from a YAML file (DefaultExitConfigPath
// if path is empty), with DUSKRELAY_EXIT_-prefixed env vars overriding it.
func LoadExitConfig(path string) (*ExitConfig, error) {
	cfg := defaultExitConfig()
	if path == "" {
		path = DefaultExitConfigPath
	}

	if err := loadYAMLFile(cfg, path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading exit config: %w", err)
		}
	}

	applyExitEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("exit config validation: %w", err)
	}
	return cfg, nil
}

func applyExitEnvOverrides(cfg *ExitConfig) {
	if v := os.Getenv("DUSKRELAY_EXIT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DUSKRELAY_EXIT_NODE_NAME"); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("DUSKRELAY_EXIT_TUN_DEVICE_NAME"); v != "" {
		cfg.TunDeviceName = v
	}
	if v := os.Getenv("DUSKRELAY_EXIT_VIRTUAL_SUBNET"); v != "" {
		cfg.VirtualSubnet = v
	}
	if v := os.Getenv("DUSKRELAY_EXIT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("DUSKRELAY_EXIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate ensures the node name and the NAT table's virtual subnet are
// present.
func (c *ExitConfig) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if c.VirtualSubnet == "" {
		return fmt.Errorf("virtual_subnet is required")
	}
	return nil
}
