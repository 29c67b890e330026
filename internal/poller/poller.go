// Package poller is the chain poller: the single background worker that
// owns the daemon's two UTXO caches and sync-progress reading, drives the
// vault status lattice's on-chain-observed transitions, and runs the
// reorg/rescan engine when the node's tip stops extending forward.
// It follows internal/swap/monitor.go's ticker-loop shape: a ctx-aware
// run loop, a single owning goroutine, and no locking beyond what its
// collaborators (cache.Cache, coordinator.Coordinator) already provide.
package poller

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/config"
	"github.com/revault-labs/vaultd/internal/coordinator"
	"github.com/revault-labs/vaultd/internal/store"
	"github.com/revault-labs/vaultd/pkg/logging"
)

// Config wires a Poller to its collaborators at construction time.
type Config struct {
	Store        *store.Store
	Coordinator  *coordinator.Coordinator
	Node         bitcoind.Client
	Network      config.Network
	WalletName   string
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Poller is the chain poller described above.
type Poller struct {
	store        *store.Store
	coord        *coordinator.Coordinator
	node         bitcoind.Client
	network      config.Network
	walletName   string
	pollInterval time.Duration
	log          *logging.Logger
}

// New constructs a Poller. Call Run to start it; Run blocks until ctx is
// canceled or a fatal, unrecoverable error occurs.
func New(cfg Config) *Poller {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Poller{
		store:        cfg.Store,
		coord:        cfg.Coordinator,
		node:         cfg.Node,
		network:      cfg.Network,
		walletName:   cfg.WalletName,
		pollInterval: cfg.PollInterval,
		log:          log.Component("poller"),
	}
}

// Run waits for the node to finish its initial block download, boots the
// watchonly wallet, then ticks forever on pollInterval until ctx is
// canceled. A non-nil return means startup failed (ctx canceled during the
// sync wait, wallet boot or cache hydration failed) or a tick hit an
// unrecoverable error (a rescan engine failure or a failed tip write); the
// caller should treat this as fatal and exit the process.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.waitForSync(ctx); err != nil {
		return err
	}
	if err := p.bootWallet(ctx); err != nil {
		return fmt.Errorf("booting wallet: %w", err)
	}
	if err := p.coord.Hydrate(); err != nil {
		return fmt.Errorf("hydrating caches: %w", err)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.log.Error("fatal error during tick, stopping poller", "error", err)
				return err
			}
		}
	}
}

// waitForSync is the sync gate: until the node's verification progress
// rounds up to 1.0, loop with an adaptive sleep bounded below by 5s and
// above by the estimated time to download the remaining headers. During
// initial block download on a non-regtest network, never repoll sooner
// than 5 minutes once progress is this close to the start.
func (p *Poller) waitForSync(ctx context.Context) error {
	for {
		info, err := p.node.SyncInfo(ctx)
		if err != nil {
			p.log.Debug("sync_info failed, retrying", "error", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return ctx.Err()
			}
			continue
		}
		p.coord.SetSyncProgress(info.Progress)
		if syncComplete(info.Progress) {
			p.log.Info("node is synced, starting steady-state polling")
			return nil
		}

		wait := adaptiveSleep(info)
		if info.IBD && info.Progress < 0.01 && p.network != config.Regtest {
			if wait < 5*time.Minute {
				wait = 5 * time.Minute
			}
		}
		p.log.Debug("waiting for node sync", "progress", info.Progress, "headers", info.Headers, "blocks", info.Blocks, "wait", wait)
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

// syncComplete rounds progress the same way the node's own getinfo output
// does, so a progress of e.g. 0.999996 reads as synced.
func syncComplete(progress float64) bool {
	return math.Floor(progress*1e5+1)/1e5 >= 1.0
}

func adaptiveSleep(info *bitcoind.SyncInfo) time.Duration {
	lower := 5 * time.Second
	remaining := info.Headers - info.Blocks
	if remaining <= 0 {
		return lower
	}
	upper := time.Duration(remaining/40) * time.Second
	if upper < lower {
		return lower
	}
	return upper
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// bootWallet ensures the watchonly wallet exists and is loaded: on a fresh
// database it creates the wallet, stamps its birth at "now", and imports
// descriptors for every index known to the store so far; on a restart it
// just makes sure the already-created wallet is loaded.
func (p *Poller) bootWallet(ctx context.Context) error {
	wallets, err := p.node.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("listing wallets: %w", err)
	}
	loaded := contains(wallets, p.walletName)

	existing, err := p.store.WalletRead()
	if err != nil {
		return fmt.Errorf("reading wallet record: %w", err)
	}

	if existing != nil {
		p.coord.SetWalletBirth(existing.BirthTimestamp)
		if !loaded {
			if err := p.node.LoadWallet(ctx, p.walletName); err != nil {
				return fmt.Errorf("loading wallet: %w", err)
			}
		}
		return nil
	}

	birth := time.Now()
	if !loaded {
		if err := p.node.CreateWallet(ctx, p.walletName, birth); err != nil {
			return fmt.Errorf("creating wallet: %w", err)
		}
	}
	p.coord.SetWalletBirth(birth)

	nextIndex, err := p.store.NextUnusedIndex()
	if err != nil {
		return fmt.Errorf("reading next unused index: %w", err)
	}
	if err := p.coord.ImportRange(ctx, nextIndex); err != nil {
		return fmt.Errorf("importing descriptor range: %w", err)
	}
	if err := p.store.WalletWrite(walletRecord(p.walletName, birth)); err != nil {
		return fmt.Errorf("persisting wallet record: %w", err)
	}
	return nil
}

// tick is one steady-state poll: update_tip, then update_utxos against the
// tip as it stood before this tick. Everything here is non-fatal except a
// rescan engine failure or a failure to persist the new tip, which are
// propagated so the caller can treat them as unrecoverable daemon errors.
func (p *Poller) tick(ctx context.Context) error {
	prevTip, err := p.store.TipRead()
	if err != nil {
		p.log.Error("reading stored tip", "error", err)
		return nil
	}

	if err := p.updateTip(ctx, prevTip); err != nil {
		return err
	}

	if err := p.updateUTXOs(ctx, prevTip); err != nil {
		p.log.Error("updating utxos", "error", err)
	}
	return nil
}
