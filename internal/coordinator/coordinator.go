// Package coordinator enforces the vault status lattice's allowed
// transitions, invariants and side effects: cache/store lockstep updates,
// derivation-index advance with node-wallet descriptor imports, and
// threshold-triggered status promotion on presigned-signature receipt.
// It is the one place that holds the daemon's shared state: role and
// descriptors (set once at construction), the two UTXO caches (each
// guarded by its own lock), and sync progress and wallet birth, guarded by
// a read-write lock.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/cache"
	"github.com/revault-labs/vaultd/internal/store"
	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
	"github.com/revault-labs/vaultd/pkg/logging"
)

// Config wires a Coordinator to its collaborators at construction time.
type Config struct {
	Store       *store.Store
	Node        bitcoind.Client
	Descriptors *txbuilder.DescriptorSet
	Role        vault.Role
	MinConf     uint32
	WalletName  string
	Logger      *logging.Logger
}

// Coordinator is the state-machine enforcement point shared by the poller
// (which drives on-chain-observed transitions) and the RPC dispatcher
// (which drives signature-threshold and request-initiated transitions).
type Coordinator struct {
	store       *store.Store
	node        bitcoind.Client
	descriptors *txbuilder.DescriptorSet
	role        vault.Role
	minConf     uint32
	walletName  string

	Deposits *cache.Cache
	Unvaults *cache.Cache

	// mu guards syncProgress and walletBirth: rare writers (the poller,
	// once per sync-gate transition or wallet boot), many readers (RPC's
	// getinfo handler). Index advance itself is serialized by the store's
	// single-writer connection, not this lock.
	mu          sync.RWMutex
	syncProgress float64
	walletBirth  time.Time

	log *logging.Logger
}

// New constructs a Coordinator and its UTXO caches (empty; call Hydrate
// to populate them from the store before starting the poller).
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Coordinator{
		store:       cfg.Store,
		node:        cfg.Node,
		descriptors: cfg.Descriptors,
		role:        cfg.Role,
		minConf:     cfg.MinConf,
		walletName:  cfg.WalletName,
		Deposits:    cache.New(),
		Unvaults:    cache.New(),
		log:         log.Component("coordinator"),
	}
}

// Role reports the locally-configured role (stakeholder or manager).
func (c *Coordinator) Role() vault.Role { return c.role }

// MinConf reports the configured confirmation threshold for deposits.
func (c *Coordinator) MinConf() uint32 { return c.minConf }

// Descriptors exposes the parsed descriptor set to the RPC dispatcher,
// which needs it to derive deposit addresses (getdepositaddress) and to
// build Spend transactions (getspendtx) without duplicating key parsing.
func (c *Coordinator) Descriptors() *txbuilder.DescriptorSet { return c.descriptors }

// Store exposes the underlying store to the RPC dispatcher, which shares
// the Coordinator's collaborators rather than being handed a second,
// independently-constructed set.
func (c *Coordinator) Store() *store.Store { return c.store }

// Node exposes the underlying node client to the RPC dispatcher, for the
// broadcast operations request-initiated transitions require
// (setspendtx's Unvault broadcasts, revault's Cancel broadcast).
func (c *Coordinator) Node() bitcoind.Client { return c.node }

// SyncProgress reports the poller's most recently observed sync progress,
// exposed read-only to RPC handlers.
func (c *Coordinator) SyncProgress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncProgress
}

// SetSyncProgress is called by the poller after every sync-gate check.
func (c *Coordinator) SetSyncProgress(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncProgress = p
}

// WalletBirth returns the recorded watchonly-wallet birth timestamp.
func (c *Coordinator) WalletBirth() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.walletBirth
}

// SetWalletBirth records the wallet birth timestamp once, at boot.
func (c *Coordinator) SetWalletBirth(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walletBirth = t
}

// Hydrate loads every known vault from the store and rebuilds the two
// in-memory UTXO caches from it. Called once, before the poller's first
// tick.
func (c *Coordinator) Hydrate() error {
	vaults, err := c.store.ListVaults(nil, nil)
	if err != nil {
		return fmt.Errorf("hydrating caches: %w", err)
	}
	for _, v := range vaults {
		switch {
		case v.Status.InDepositsCache():
			c.Deposits.Insert(v.DepositOutpoint, v.Amount, v.Status != vault.StatusUnconfirmed)
		case v.Status.InUnvaultsCache() && v.UnvaultTxid != nil:
			confirmed := v.Status != vault.StatusUnvaulting
			c.Unvaults.Insert(vault.Outpoint{Txid: *v.UnvaultTxid, Vout: 0}, 0, confirmed)
		}
	}
	c.log.Info("caches hydrated", "deposits", c.Deposits.Len(), "unvaults", c.Unvaults.Len())
	return nil
}

// NewUnconfirmedDeposit handles a newly observed unconfirmed deposit:
// assign (and, if necessary, advance) the derivation index, import the
// new index's descriptors into the node wallet, insert the vault row, and
// update the deposits cache - all before returning so the poller can
// treat this as one atomic step of its tick.
func (c *Coordinator) NewUnconfirmedDeposit(ctx context.Context, outpoint vault.Outpoint, amount uint64, receivedAt time.Time) (*vault.Vault, error) {
	if amount <= txbuilder.DustLimit {
		return nil, nil // dust policy: logged and ignored by the caller
	}

	index, err := c.assignDerivationIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("assigning derivation index: %w", err)
	}

	v, err := c.store.UpsertUnconfirmed(outpoint, amount, index, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting unconfirmed vault: %w", err)
	}
	c.Deposits.Insert(outpoint, amount, false)
	return v, nil
}

// assignDerivationIndex returns the current first-unused index and, only
// when that index is new, advances the store's counter
// and imports descriptors for it into the node's watchonly wallet.
func (c *Coordinator) assignDerivationIndex(ctx context.Context) (uint32, error) {
	index, err := c.store.NextUnusedIndex()
	if err != nil {
		return 0, err
	}
	if err := c.importIndexDescriptors(ctx, index); err != nil {
		return 0, fmt.Errorf("importing descriptors for index %d: %w", index, err)
	}
	if err := c.store.AdvanceIndex(index + 1); err != nil {
		return 0, fmt.Errorf("advancing derivation index: %w", err)
	}
	return index, nil
}

// importIndexDescriptors derives the deposit and unvault addresses at
// index and imports both into the node's watchonly wallet, timestamped
// at the wallet's recorded birth.
func (c *Coordinator) importIndexDescriptors(ctx context.Context, index uint32) error {
	descs, err := c.descriptorStringsFor(ctx, index)
	if err != nil {
		return err
	}
	return c.node.ImportDescriptors(ctx, descs, c.WalletBirth())
}

// ImportRange imports descriptors for every index in [0, count) into the
// node wallet, used at wallet-creation time to cover the whole currently-
// known derivation range.
func (c *Coordinator) ImportRange(ctx context.Context, count uint32) error {
	for i := uint32(0); i < count; i++ {
		if err := c.importIndexDescriptors(ctx, i); err != nil {
			return fmt.Errorf("importing index %d: %w", i, err)
		}
	}
	return nil
}

// ConfirmDeposit handles a deposit reaching its confirmation threshold:
// derive the full presigned chain for this vault's index, then persist it
// together with the Unconfirmed->Funded transition in one store
// transaction, and flip the deposits cache's confirmation flag.
func (c *Coordinator) ConfirmDeposit(v *vault.Vault, blockheight uint32) error {
	chain, err := txbuilder.BuildPresignedChain(c.descriptors, v.DepositOutpoint, v.Amount, v.DerivationIndex, c.role)
	if err != nil {
		return fmt.Errorf("%w: vault %s", err, v.DepositOutpoint)
	}

	presigned, err := serializeChain(chain)
	if err != nil {
		return fmt.Errorf("serializing presigned chain: %w", err)
	}
	unvaultTxid := chain.Unvault.UnsignedTx.TxHash()

	if err := c.store.ConfirmDeposit(v.ID, blockheight, unvaultTxid, presigned); err != nil {
		return err
	}
	c.Deposits.SetConfirmed(v.DepositOutpoint, true)
	return nil
}
