// Package config loads and saves the vault daemon's YAML configuration
// file, following the create-default-if-missing pattern the rest of the
// daemon's ambient stack uses for on-disk state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"

	"github.com/revault-labs/vaultd/internal/vault"
)

// Network identifies which Bitcoin network the daemon is wired to.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// ChainParams resolves the network identifier to the btcd chain parameters
// the descriptor deriver and address encoder need.
func (n Network) ChainParams() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

// BitcoindConfig holds the Bitcoin Core RPC endpoint and credentials.
type BitcoindConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	CookiePath string `yaml:"cookie_path,omitempty"`
}

// CosigningServer is an external anti-replay signer endpoint (manager role).
type CosigningServer struct {
	Host   string `yaml:"host"`
	PubKey string `yaml:"pubkey"`
}

// Descriptors holds the miniscript descriptors the daemon derives scripts
// and addresses from. Derivation itself lives in internal/txbuilder; this
// is only the configured, already-agreed-upon descriptor text.
type Descriptors struct {
	Deposit          string `yaml:"deposit_descriptor"`
	Unvault          string `yaml:"unvault_descriptor"`
	CPFP             string `yaml:"cpfp_descriptor"`
	EmergencyAddress string `yaml:"emergency_address,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Network           Network           `yaml:"network"`
	Role              vault.Role        `yaml:"role"`
	DataDir           string            `yaml:"data_dir"`
	RPCListen         string            `yaml:"rpc_listen"`
	MinConf           uint32            `yaml:"min_conf"`
	PollIntervalSecs  int               `yaml:"poll_interval_secs"`
	UnvaultCSV        uint32            `yaml:"unvault_csv"`
	Descriptors       Descriptors       `yaml:"descriptors"`
	StakeholderPubkeys []string         `yaml:"stakeholder_pubkeys,omitempty"`
	ManagerPubkeys     []string         `yaml:"manager_pubkeys,omitempty"`
	// OwnPubkey is this daemon's own hex-encoded compressed pubkey among
	// the stakeholder or manager set, checked by revocationtxs/unvaulttx
	// to require our own signature is present in any submitted PSBT.
	OwnPubkey          string           `yaml:"own_pubkey,omitempty"`
	Bitcoind          BitcoindConfig    `yaml:"bitcoind"`
	CosigningServers  []CosigningServer `yaml:"cosigning_servers,omitempty"`
	LogLevel          string            `yaml:"log_level"`
}

// DefaultConfig returns a configuration with sensible defaults; it is
// written to disk the first time the daemon starts against a fresh
// data directory.
func DefaultConfig() *Config {
	return &Config{
		Network:          Testnet,
		Role:             vault.RoleStakeholder,
		DataDir:          "~/.vaultd",
		RPCListen:        "127.0.0.1:8332",
		MinConf:          6,
		PollIntervalSecs: 30,
		UnvaultCSV:       144,
		Bitcoind: BitcoindConfig{
			Host: "127.0.0.1",
			Port: 18332,
		},
		LogLevel: "info",
	}
}

// ConfigPath returns the default config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), "vaultd.yaml")
}

// Load reads the YAML config at path, creating it with defaults first if
// it does not yet exist. Fields absent from the file keep their default
// values, since unmarshal onto a pre-populated struct is additive.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	return cfg, nil
}

// Save writes the configuration to path with a generated-file header
// comment, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := fmt.Sprintf("# vaultd configuration, generated %s\n# edit and restart the daemon to apply changes\n\n",
		time.Now().UTC().Format(time.RFC3339))

	return os.WriteFile(path, append([]byte(header), out...), 0o600)
}

// PollInterval returns PollIntervalSecs as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
