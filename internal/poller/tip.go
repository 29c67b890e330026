package poller

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
)

// updateTip implements update_tip: it fetches the node's current tip and
// either applies a forward-only new_tip_event or, if the stored tip is no
// longer on the active chain, hands off to the comprehensive rescan engine.
func (p *Poller) updateTip(ctx context.Context, stored *vault.ChainTip) error {
	height, hash, err := p.node.Tip(ctx)
	if err != nil {
		p.log.Debug("fetching node tip failed", "error", err)
		return nil
	}
	if stored != nil && stored.Height == height && stored.Hash == hash {
		return nil
	}
	if stored == nil {
		return p.newTipEvent(ctx, height, hash)
	}
	if height > stored.Height && (stored.Height == 0 || p.tipExtendsStored(ctx, stored)) {
		return p.newTipEvent(ctx, height, hash)
	}
	return p.comprehensiveRescan(ctx, height, hash)
}

func (p *Poller) tipExtendsStored(ctx context.Context, stored *vault.ChainTip) bool {
	h, err := p.node.BlockHashAt(ctx, stored.Height)
	if err != nil {
		return false
	}
	return h == stored.Hash
}

// newTipEvent attempts to broadcast any Spend marked ready, confirms any
// Spending/Canceling vault whose spender now has a blockheight, downgrades
// a Spending/Canceling vault back to Unvaulted if its spender has fallen
// out of the mempool without confirming, and then persists the new tip.
func (p *Poller) newTipEvent(ctx context.Context, height uint32, hash chainhash.Hash) error {
	p.tryBroadcastSpends(ctx)
	p.confirmSpendsAndCancels(ctx)

	if err := p.store.TipWrite(height, hash); err != nil {
		return fmt.Errorf("writing tip: %w", err)
	}
	return nil
}

// tryBroadcastSpends attempts to finalize and broadcast every Spend draft
// marked Broadcastable or Rebroadcastable. A finalization or broadcast
// failure here is non-fatal: it is logged and retried on the next tick,
// since the usual cause is the Unvault's CSV not having matured yet.
func (p *Poller) tryBroadcastSpends(ctx context.Context) {
	spends, err := p.store.BroadcastableSpends()
	if err != nil {
		p.log.Error("listing broadcastable spends", "error", err)
		return
	}
	for _, d := range spends {
		rawTx, err := txbuilder.FinalizeRawTx(d.PSBT)
		if err != nil {
			p.log.Debug("spend not finalizable yet", "txid", d.Txid, "error", err)
			continue
		}
		if err := p.node.Broadcast(ctx, rawTx); err != nil {
			p.log.Warn("broadcasting spend failed, retrying next tick", "txid", d.Txid, "error", err)
			continue
		}
		if err := p.store.MarkBroadcastedSpend(d.Txid); err != nil {
			p.log.Error("marking spend broadcasted", "txid", d.Txid, "error", err)
		}
	}
}

// confirmSpendsAndCancels walks every Spending and Canceling vault and
// either confirms it (the spender now has a blockheight) or downgrades it
// back to Unvaulted (the spender dropped from the mempool without
// confirming), per new_tip_event's (ii) and (iii).
func (p *Poller) confirmSpendsAndCancels(ctx context.Context) {
	p.confirmOrDowngradeSpending(ctx)
	p.confirmOrDowngradeCanceling(ctx)
}

func (p *Poller) confirmOrDowngradeSpending(ctx context.Context) {
	vaults, err := p.store.VaultsByStatus(vault.StatusSpending)
	if err != nil {
		p.log.Error("listing spending vaults", "error", err)
		return
	}
	for _, v := range vaults {
		if v.SpendTxid == nil {
			p.log.Error("spending vault has no recorded spend txid", "vault", v.ID)
			continue
		}
		p.confirmOrDowngrade(ctx, v, *v.SpendTxid, vault.StatusSpending, p.store.MarkSpent)
	}
}

func (p *Poller) confirmOrDowngradeCanceling(ctx context.Context) {
	vaults, err := p.store.VaultsByStatus(vault.StatusCanceling)
	if err != nil {
		p.log.Error("listing canceling vaults", "error", err)
		return
	}
	for _, v := range vaults {
		cancelTxid, err := p.expectedCancelTxid(v.ID)
		if err != nil {
			p.log.Error("recovering expected cancel txid", "vault", v.ID, "error", err)
			continue
		}
		p.confirmOrDowngrade(ctx, v, cancelTxid, vault.StatusCanceling, p.store.MarkCanceled)
	}
}

func (p *Poller) confirmOrDowngrade(ctx context.Context, v *vault.Vault, spenderTxid chainhash.Hash, from vault.Status, markConfirmed func(int64) error) {
	_, height, _, err := p.node.GetWalletTx(ctx, spenderTxid)
	if err == nil && height != nil {
		if err := markConfirmed(v.ID); err != nil {
			p.log.Error("confirming spender", "vault", v.ID, "error", err)
		}
		return
	}

	inMempool, merr := p.node.IsInMempool(ctx, spenderTxid)
	if merr != nil {
		p.log.Debug("checking mempool for spender failed", "vault", v.ID, "error", merr)
		return
	}
	if inMempool {
		return
	}

	p.log.Warn("spender dropped from mempool without confirming, downgrading to unvaulted", "vault", v.ID, "spender", spenderTxid)
	if err := p.store.DowngradeToUnvaulted(v.ID, from); err != nil {
		p.log.Error("downgrading to unvaulted", "vault", v.ID, "error", err)
		return
	}
	if v.UnvaultTxid != nil {
		p.coord.Unvaults.Insert(vault.Outpoint{Txid: *v.UnvaultTxid, Vout: 0}, 0, true)
	}
}
