package config

import "testing"

func TestLoadExitConfigHappyPath(t *testing.T) {
	path := writeTempFile(t, "exit.yaml", `
node_name: exit-a
virtual_subnet: "10.200.0.0"
`)

	cfg, err := LoadExitConfig(path)
	if err != nil {
		t.Fatalf("LoadExitConfig: %v", err)
	}
	if cfg.TunMTU != 1420 {
		t.Errorf("TunMTU = %d, want default 1420", cfg.TunMTU)
	}
}

func TestLoadExitConfigRejectsMissingNodeName(t *testing.T) {
	path := writeTempFile(t, "exit.yaml", "virtual_subnet: \"10.200.0.0\"\n")

	if _, err := LoadExitConfig(path); err == nil {
		t.Error("expected validation error when node_name is missing")
	}
}
