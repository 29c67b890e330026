// Package main provides vaultd, the multi-party custody vault daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/config"
	"github.com/revault-labs/vaultd/internal/coordinator"
	"github.com/revault-labs/vaultd/internal/poller"
	"github.com/revault-labs/vaultd/internal/rpc"
	"github.com/revault-labs/vaultd/internal/store"
	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.vaultd", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/vaultd.yaml)")
		rpcListen   = flag.String("rpc-listen", "", "JSON-RPC listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vaultd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	configPath := *configFile
	if configPath == "" {
		configPath = config.ConfigPath(*dataDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("loading config", "error", err)
	}
	if *rpcListen != "" {
		cfg.RPCListen = *rpcListen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", configPath, "role", cfg.Role, "network", cfg.Network)

	st, err := store.New(&store.Config{DataDir: cfg.DataDir}, log)
	if err != nil {
		log.Fatal("opening store", "error", err)
	}
	defer st.Close()

	descriptors, err := descriptorSetFromConfig(cfg)
	if err != nil {
		log.Fatal("parsing descriptors", "error", err)
	}

	node := bitcoind.New(fmt.Sprintf("http://%s:%d", cfg.Bitcoind.Host, cfg.Bitcoind.Port), cfg.Bitcoind.User, cfg.Bitcoind.Password, log)

	const walletName = "vaultd-watchonly"
	coord := coordinator.New(coordinator.Config{
		Store:       st,
		Node:        node,
		Descriptors: descriptors,
		Role:        cfg.Role,
		MinConf:     cfg.MinConf,
		WalletName:  walletName,
		Logger:      log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pl := poller.New(poller.Config{
		Store:        st,
		Coordinator:  coord,
		Node:         node,
		Network:      cfg.Network,
		WalletName:   walletName,
		PollInterval: cfg.PollInterval(),
		Logger:       log,
	})

	srv, err := rpc.NewServer(rpc.Config{
		Store:       st,
		Coordinator: coord,
		Node:        node,
		Config:      cfg,
		Version:     version,
		Shutdown:    cancel,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("constructing rpc server", "error", err)
	}

	pollErrCh := make(chan error, 1)
	go func() {
		pollErrCh <- pl.Run(ctx)
	}()

	if err := srv.Start(cfg.RPCListen); err != nil {
		log.Fatal("starting rpc server", "error", err)
	}
	log.Info("vaultd started", "rpc", cfg.RPCListen, "data_dir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		log.Info("signal received, shutting down")
		cancel()
	case err := <-pollErrCh:
		if err != nil {
			log.Error("poller stopped unexpectedly", "error", err)
			exitCode = 1
		}
		cancel()
	case <-ctx.Done():
		log.Info("stop requested via rpc, shutting down")
	}

	if err := srv.Stop(); err != nil {
		log.Error("stopping rpc server", "error", err)
	}
	<-pollErrCh

	log.Info("vaultd stopped")
	os.Exit(exitCode)
}

// descriptorSetFromConfig parses the configured extended public keys and
// emergency address into the derived form internal/txbuilder consumes.
// Unlike the miniscript descriptor text bitcoind itself imports (built
// per-index by the coordinator), this is the daemon's own parsed view of
// the same key material.
func descriptorSetFromConfig(cfg *config.Config) (*txbuilder.DescriptorSet, error) {
	net, err := cfg.Network.ChainParams()
	if err != nil {
		return nil, err
	}

	stakeholders, err := parseXpubs(cfg.StakeholderPubkeys)
	if err != nil {
		return nil, fmt.Errorf("parsing stakeholder_pubkeys: %w", err)
	}
	managers, err := parseXpubs(cfg.ManagerPubkeys)
	if err != nil {
		return nil, fmt.Errorf("parsing manager_pubkeys: %w", err)
	}

	var cpfpXpub *hdkeychain.ExtendedKey
	if cfg.Descriptors.CPFP != "" {
		cpfpXpub, err = hdkeychain.NewKeyFromString(cfg.Descriptors.CPFP)
		if err != nil {
			return nil, fmt.Errorf("parsing cpfp_descriptor: %w", err)
		}
	}

	var emergencyAddr btcutil.Address
	if cfg.Descriptors.EmergencyAddress != "" {
		emergencyAddr, err = btcutil.DecodeAddress(cfg.Descriptors.EmergencyAddress, net)
		if err != nil {
			return nil, fmt.Errorf("parsing emergency_address: %w", err)
		}
	}

	return &txbuilder.DescriptorSet{
		Net:              net,
		StakeholderXpubs: stakeholders,
		ManagerXpubs:     managers,
		CPFPXpub:         cpfpXpub,
		EmergencyAddress: emergencyAddr,
		UnvaultCSV:       cfg.UnvaultCSV,
	}, nil
}

func parseXpubs(raw []string) ([]*hdkeychain.ExtendedKey, error) {
	out := make([]*hdkeychain.ExtendedKey, 0, len(raw))
	for _, s := range raw {
		key, err := hdkeychain.NewKeyFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, key)
	}
	return out, nil
}
