package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/revault-labs/vaultd/internal/vault"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != Testnet {
		t.Errorf("expected Testnet, got %s", cfg.Network)
	}
	if cfg.Role != vault.RoleStakeholder {
		t.Errorf("expected stakeholder role, got %s", cfg.Role)
	}
	if cfg.MinConf != 6 {
		t.Errorf("expected MinConf 6, got %d", cfg.MinConf)
	}
	if cfg.PollIntervalSecs != 30 {
		t.Errorf("expected PollIntervalSecs 30, got %d", cfg.PollIntervalSecs)
	}
	if cfg.UnvaultCSV != 144 {
		t.Errorf("expected UnvaultCSV 144, got %d", cfg.UnvaultCSV)
	}
	if cfg.Bitcoind.Port != 18332 {
		t.Errorf("expected testnet RPC port 18332, got %d", cfg.Bitcoind.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.LogLevel)
	}
}

func TestNetworkChainParams(t *testing.T) {
	tests := []struct {
		network Network
		wantErr bool
	}{
		{Mainnet, false},
		{Testnet, false},
		{Regtest, false},
		{Network("signet"), true},
	}
	for _, tt := range tests {
		_, err := tt.network.ChainParams()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s.ChainParams() error = %v, wantErr %v", tt.network, err, tt.wantErr)
		}
	}
}

func TestPollInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollIntervalSecs = 45
	if got := cfg.PollInterval(); got != 45*time.Second {
		t.Errorf("PollInterval() = %v, want 45s", got)
	}
}

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultd.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("expected fresh default config, got network %s", cfg.Network)
	}

	// The file must now exist on disk with those same defaults.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if reloaded.MinConf != cfg.MinConf || reloaded.PollIntervalSecs != cfg.PollIntervalSecs {
		t.Errorf("reloaded config %+v does not match original %+v", reloaded, cfg)
	}
}

func TestLoadParsesOverriddenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultd.yaml")

	cfg := DefaultConfig()
	cfg.Network = Mainnet
	cfg.Role = vault.RoleManager
	cfg.MinConf = 12
	cfg.DataDir = dir
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Network != Mainnet {
		t.Errorf("Network = %s, want mainnet", loaded.Network)
	}
	if loaded.Role != vault.RoleManager {
		t.Errorf("Role = %s, want manager", loaded.Role)
	}
	if loaded.MinConf != 12 {
		t.Errorf("MinConf = %d, want 12", loaded.MinConf)
	}
}

func TestConfigPathJoinsFileName(t *testing.T) {
	got := ConfigPath("/tmp/vaultd-data")
	want := filepath.Join("/tmp/vaultd-data", "vaultd.yaml")
	if got != want {
		t.Errorf("ConfigPath() = %s, want %s", got, want)
	}
}
