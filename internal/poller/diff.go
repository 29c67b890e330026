package poller

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

// updateUTXOs implements update_utxos: diff the unvaults cache first (so a
// spent Unvault is classified before its deposit disappears from view too),
// then diff the deposits cache. prevTip bounds the spender search a newly
// spent Unvault triggers.
func (p *Poller) updateUTXOs(ctx context.Context, prevTip *vault.ChainTip) error {
	if err := p.syncUnvaults(ctx, prevTip); err != nil {
		p.log.Error("syncing unvaults", "error", err)
	}
	if err := p.syncDeposits(ctx, prevTip); err != nil {
		p.log.Error("syncing deposits", "error", err)
	}
	return nil
}

func (p *Poller) syncUnvaults(ctx context.Context, prevTip *vault.ChainTip) error {
	snapshot := p.coord.Unvaults.Snapshot()
	diff, err := p.node.SyncUnvaults(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("sync_unvaults: %w", err)
	}

	for _, u := range diff.NewUnconfirmed {
		if _, err := p.store.UnvaultDeposit(u.Outpoint.Txid); err != nil {
			p.log.Error("marking vault unvaulting", "unvault_txid", u.Outpoint.Txid, "error", err)
			continue
		}
		p.coord.Unvaults.Insert(u.Outpoint, 0, false)
	}

	for _, u := range diff.NewConfirmed {
		if _, err := p.store.ConfirmUnvault(u.Outpoint.Txid); err != nil {
			p.log.Error("confirming unvault", "unvault_txid", u.Outpoint.Txid, "error", err)
			continue
		}
		p.coord.Unvaults.SetConfirmed(u.Outpoint, true)
	}

	for _, op := range diff.NewSpent {
		if err := p.classifySpentUnvault(ctx, op, prevTip); err != nil {
			p.log.Error("classifying spent unvault", "outpoint", op, "error", err)
		}
	}
	return nil
}

// classifySpentUnvault implements the spender classification algorithm: it
// prefers Cancel on ambiguity, since both Cancel and the unconfirmed stage
// of a Spend can be in-flight at once and a wrongly-assumed Spend would let
// a manager's transaction slip past a stakeholder's cancellation.
func (p *Poller) classifySpentUnvault(ctx context.Context, unvaultOutpoint vault.Outpoint, prevTip *vault.ChainTip) error {
	v, err := p.store.VaultByUnvaultTxid(unvaultOutpoint.Txid)
	if err != nil {
		return err
	}

	cancelTxid, cerr := p.expectedCancelTxid(v.ID)
	if cerr == nil {
		_, height, _, werr := p.node.GetWalletTx(ctx, cancelTxid)
		inMempool, _ := p.node.IsInMempool(ctx, cancelTxid)
		if werr == nil && (height != nil || inMempool) {
			p.coord.Unvaults.Remove(unvaultOutpoint)
			return p.applyCancel(v, height)
		}
	}

	var sinceHash chainhash.Hash
	if prevTip != nil {
		sinceHash = prevTip.Hash
	}
	spenderTxid, err := p.node.GetSpenderTxid(ctx, unvaultOutpoint, sinceHash)
	if err != nil {
		return fmt.Errorf("get_spender_txid: %w", err)
	}
	if spenderTxid != nil {
		_, height, _, werr := p.node.GetWalletTx(ctx, *spenderTxid)
		inMempool, _ := p.node.IsInMempool(ctx, *spenderTxid)
		if werr == nil && (height != nil || inMempool) {
			p.coord.Unvaults.Remove(unvaultOutpoint)
			return p.applySpend(v, *spenderTxid, height)
		}
	}

	p.log.Debug("spender of unvault unknown this tick, retrying next tick", "vault", v.ID, "unvault_txid", unvaultOutpoint.Txid)
	return nil
}

func (p *Poller) applyCancel(v *vault.Vault, height *uint32) error {
	if _, err := p.store.CancelUnvault(*v.UnvaultTxid); err != nil {
		return fmt.Errorf("transitioning vault %d to canceling: %w", v.ID, err)
	}
	if height != nil {
		if err := p.store.MarkCanceled(v.ID); err != nil {
			p.log.Error("confirming cancel", "vault", v.ID, "error", err)
		}
	}
	return nil
}

func (p *Poller) applySpend(v *vault.Vault, spendTxid chainhash.Hash, height *uint32) error {
	if _, err := p.store.SpendUnvault(*v.UnvaultTxid, spendTxid); err != nil {
		return fmt.Errorf("transitioning vault %d to spending: %w", v.ID, err)
	}
	if height != nil {
		if err := p.store.MarkSpent(v.ID); err != nil {
			p.log.Error("confirming spend", "vault", v.ID, "error", err)
		}
	}
	return nil
}

func (p *Poller) syncDeposits(ctx context.Context, prevTip *vault.ChainTip) error {
	snapshot := p.coord.Deposits.Snapshot()
	diff, err := p.node.SyncDeposits(ctx, snapshot, p.coord.MinConf())
	if err != nil {
		return fmt.Errorf("sync_deposits: %w", err)
	}

	for _, u := range diff.NewUnconfirmed {
		v, err := p.coord.NewUnconfirmedDeposit(ctx, u.Outpoint, u.Amount, time.Now())
		if err != nil {
			p.log.Error("registering unconfirmed deposit", "outpoint", u.Outpoint, "error", err)
			continue
		}
		if v == nil {
			p.log.Debug("ignoring dust deposit", "outpoint", u.Outpoint, "amount", u.Amount)
		}
	}

	for _, u := range diff.NewConfirmed {
		if err := p.confirmDeposit(ctx, u.Outpoint); err != nil {
			p.log.Error("confirming deposit", "outpoint", u.Outpoint, "error", err)
		}
	}

	for _, op := range diff.NewSpent {
		if err := p.handleVanishedDeposit(ctx, op, prevTip); err != nil {
			p.log.Error("handling vanished deposit", "outpoint", op, "error", err)
		}
	}
	return nil
}

func (p *Poller) confirmDeposit(ctx context.Context, depositOutpoint vault.Outpoint) error {
	v, err := p.store.VaultByDeposit(depositOutpoint)
	if err != nil {
		return err
	}
	_, height, _, err := p.node.GetWalletTx(ctx, depositOutpoint.Txid)
	if err != nil {
		return fmt.Errorf("fetching deposit tx: %w", err)
	}
	if height == nil {
		return fmt.Errorf("deposit tx %s has no blockheight yet", depositOutpoint.Txid)
	}
	return p.coord.ConfirmDeposit(v, *height)
}

// handleVanishedDeposit implements update_utxos's three-way resolution of a
// deposit outpoint that disappeared from listunspent: it may have been
// unvaulted (the expected path), or, in a genuine inconsistency, still be
// confirmed or in the mempool under a tx the wallet somehow no longer
// reports against this outpoint, or it may be gone with no explanation.
func (p *Poller) handleVanishedDeposit(ctx context.Context, depositOutpoint vault.Outpoint, prevTip *vault.ChainTip) error {
	v, err := p.store.VaultByDeposit(depositOutpoint)
	if err != nil {
		return err
	}
	if v.UnvaultTxid == nil {
		return fmt.Errorf("vault %d has no presigned unvault txid but its deposit vanished", v.ID)
	}
	unvaultOutpoint := vault.Outpoint{Txid: *v.UnvaultTxid, Vout: 0}

	if _, ok := p.coord.Unvaults.Get(unvaultOutpoint); ok {
		p.coord.Deposits.Remove(depositOutpoint)
		return nil
	}

	_, unvaultHeight, _, werr := p.node.GetWalletTx(ctx, *v.UnvaultTxid)
	unvaultInMempool, _ := p.node.IsInMempool(ctx, *v.UnvaultTxid)
	if werr == nil && (unvaultHeight != nil || unvaultInMempool) {
		p.coord.Deposits.Remove(depositOutpoint)
		return p.classifySpentUnvault(ctx, unvaultOutpoint, prevTip)
	}

	_, depositHeight, _, derr := p.node.GetWalletTx(ctx, depositOutpoint.Txid)
	depositInMempool, _ := p.node.IsInMempool(ctx, depositOutpoint.Txid)
	if derr == nil && (depositHeight != nil || depositInMempool) {
		p.log.Error("deposit utxo vanished from listunspent but its tx is still live; leaving vault untouched", "vault", v.ID, "outpoint", depositOutpoint)
		return nil
	}

	p.log.Error("deposit vanished with no known spender, dropping cache entry", "vault", v.ID, "outpoint", depositOutpoint)
	p.coord.Deposits.Remove(depositOutpoint)
	return nil
}

// expectedCancelTxid recovers a vault's Cancel transaction's txid from its
// stored presigned PSBT, since a vault row only ever records a SpendTxid.
func (p *Poller) expectedCancelTxid(vaultID int64) (chainhash.Hash, error) {
	pt, err := p.store.PresignedGet(vaultID, vault.KindCancel)
	if err != nil {
		return chainhash.Hash{}, err
	}
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(pt.PSBT), true)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("decoding cancel psbt: %w", err)
	}
	return pkt.UnsignedTx.TxHash(), nil
}
