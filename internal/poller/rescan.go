package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/store"
	"github.com/revault-labs/vaultd/internal/vault"
)

// comprehensiveRescan is the reorg/rescan engine (§4.F): it waits for the
// node's tip to stop moving, then rewinds every vault whose on-chain
// assumptions the reorg may have invalidated, inside one store transaction.
func (p *Poller) comprehensiveRescan(ctx context.Context, _ uint32, _ chainhash.Hash) error {
	observedTip, err := p.stabilizeTip(ctx)
	if err != nil {
		return fmt.Errorf("stabilizing tip before rescan: %w", err)
	}
	p.log.Warn("chain reorganization detected, running comprehensive rescan", "tip_height", observedTip.Height, "tip_hash", observedTip.Hash)

	if err := p.store.Rescan(func(r *store.RescanStore) error {
		return p.rescanVaults(ctx, r, observedTip)
	}); err != nil {
		return fmt.Errorf("comprehensive rescan: %w", err)
	}
	return nil
}

// stabilizeTip re-reads the node's tip until two consecutive reads agree,
// so the rescan works against a height/hash pair the node isn't still in
// the middle of reorganizing around.
func (p *Poller) stabilizeTip(ctx context.Context) (*vault.ChainTip, error) {
	height, hash, err := p.node.Tip(ctx)
	if err != nil {
		return nil, err
	}
	for {
		if !sleepCtx(ctx, time.Second) {
			return nil, ctx.Err()
		}
		h2, hash2, err := p.node.Tip(ctx)
		if err != nil {
			return nil, err
		}
		if h2 == height && hash2 == hash {
			return &vault.ChainTip{Height: h2, Hash: hash2}, nil
		}
		height, hash = h2, hash2
	}
}

// rescanVaults walks every stored vault and rewinds it to the status its
// on-chain evidence supports under observedTip. If a deposit turns out to
// be confirmed at a height above observedTip (the node moved further
// forward mid-rescan), the whole walk restarts against a freshly
// stabilized tip rather than working from a now-stale snapshot.
func (p *Poller) rescanVaults(ctx context.Context, r *store.RescanStore, observedTip *vault.ChainTip) error {
	vaults, err := r.Vaults()
	if err != nil {
		return fmt.Errorf("snapshotting vaults: %w", err)
	}

	for _, v := range vaults {
		if v.Status == vault.StatusUnconfirmed {
			continue
		}

		_, depositHeight, _, err := p.node.GetWalletTx(ctx, v.DepositOutpoint.Txid)
		if err != nil || depositHeight == nil {
			if err := p.unconfirmVault(ctx, r, v); err != nil {
				return err
			}
			continue
		}

		if *depositHeight > observedTip.Height {
			p.log.Warn("rescan snapshot went stale mid-walk, restarting", "vault", v.ID, "deposit_height", *depositHeight, "observed_tip", observedTip.Height)
			freshTip, err := p.stabilizeTip(ctx)
			if err != nil {
				return fmt.Errorf("re-stabilizing tip: %w", err)
			}
			return p.rescanVaults(ctx, r, freshTip)
		}

		if observedTip.Height-*depositHeight+1 < p.coord.MinConf() {
			if err := p.unconfirmVault(ctx, r, v); err != nil {
				return err
			}
			continue
		}

		if !isPastUnvaultStatus(v.Status) {
			continue
		}

		_, unvaultHeight, _, err := p.node.GetWalletTx(ctx, *v.UnvaultTxid)
		if err != nil || unvaultHeight == nil {
			if err := p.unconfirmUnvault(ctx, r, v); err != nil {
				return err
			}
			continue
		}

		switch v.Status {
		case vault.StatusSpent:
			if v.SpendTxid == nil {
				return fmt.Errorf("vault %d is spent with no recorded spend txid", v.ID)
			}
			_, spendHeight, _, err := p.node.GetWalletTx(ctx, *v.SpendTxid)
			if err != nil || spendHeight == nil {
				if err := r.UnconfirmSpend(v.ID); err != nil {
					return fmt.Errorf("unconfirming spend for vault %d: %w", v.ID, err)
				}
			}
		case vault.StatusCanceled:
			cancelTxid, err := r.CancelTxid(v.ID)
			if err != nil {
				return fmt.Errorf("recovering cancel txid for vault %d: %w", v.ID, err)
			}
			_, cancelHeight, _, err := p.node.GetWalletTx(ctx, cancelTxid)
			if err != nil || cancelHeight == nil {
				if err := r.UnconfirmCancel(v.ID); err != nil {
					return fmt.Errorf("unconfirming cancel for vault %d: %w", v.ID, err)
				}
			}
		}
	}

	return r.TipWrite(observedTip.Height, observedTip.Hash)
}

// isPastUnvaultStatus reports whether a vault's Unvault transaction has
// already broadcast, the point past which the rescan must also check the
// Unvault (and, beyond it, the Cancel or Spend) transaction's confirmation.
func isPastUnvaultStatus(s vault.Status) bool {
	switch s {
	case vault.StatusUnvaulting, vault.StatusUnvaulted,
		vault.StatusSpending, vault.StatusSpent,
		vault.StatusCanceling, vault.StatusCanceled,
		vault.StatusUnvaultEmergencyVaulting, vault.StatusUnvaultEmergencyVaulted:
		return true
	default:
		return false
	}
}

// unconfirmVault routes unconfirm_vault by the vault's pre-rescan status: a
// deposit not yet past the Unvault stage simply reverts to Unconfirmed;
// anything past that point also needs the unvault-side rewind.
func (p *Poller) unconfirmVault(ctx context.Context, r *store.RescanStore, v *vault.Vault) error {
	if !isPastUnvaultStatus(v.Status) {
		if err := r.UnconfirmDeposit(v.ID); err != nil {
			return fmt.Errorf("unconfirming deposit for vault %d: %w", v.ID, err)
		}
		p.coord.Deposits.SetConfirmed(v.DepositOutpoint, false)
		return nil
	}
	return p.unconfirmUnvault(ctx, r, v)
}

// unconfirmUnvault implements unconfirm_unvault: revert the vault to
// Unvaulting, best-effort rebroadcast its Unvault transaction, flag any
// in-flight Spend as rebroadcastable, best-effort rebroadcast the Cancel
// transaction if one was in flight, and re-insert the unvault cache entry
// unconfirmed (the forward-flow classifier removes it once an Unvault's
// spender is classified, so a reorg that undoes that spender must put it
// back). A vault that was already Unvaulted keeps its existing cache
// entry - only its confirmation flag flips - since that entry's cached
// amount is already correct; every other prior status re-inserts fresh.
func (p *Poller) unconfirmUnvault(ctx context.Context, r *store.RescanStore, v *vault.Vault) error {
	prevStatus := v.Status
	if err := r.UnconfirmUnvault(v.ID); err != nil {
		return fmt.Errorf("unconfirming unvault for vault %d: %w", v.ID, err)
	}

	if v.UnvaultTxid != nil {
		if err := p.node.RebroadcastWalletTx(ctx, *v.UnvaultTxid); err != nil {
			p.log.Debug("best-effort unvault rebroadcast failed", "vault", v.ID, "error", err)
		}
	}

	switch prevStatus {
	case vault.StatusSpending, vault.StatusSpent:
		if v.SpendTxid != nil {
			if err := r.MarkRebroadcastableSpend(*v.SpendTxid); err != nil {
				p.log.Error("flagging spend rebroadcastable", "vault", v.ID, "error", err)
			}
		}
	case vault.StatusCanceling, vault.StatusCanceled:
		if cancelTxid, err := r.CancelTxid(v.ID); err == nil {
			if err := p.node.RebroadcastWalletTx(ctx, cancelTxid); err != nil {
				p.log.Debug("best-effort cancel rebroadcast failed", "vault", v.ID, "error", err)
			}
		}
	}

	if v.UnvaultTxid != nil {
		outpoint := vault.Outpoint{Txid: *v.UnvaultTxid, Vout: 0}
		if prevStatus == vault.StatusUnvaulted {
			p.coord.Unvaults.SetConfirmed(outpoint, false)
		} else {
			p.coord.Unvaults.Insert(outpoint, 0, false)
		}
	}
	return nil
}
