package store

import (
	"bytes"
	"database/sql"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

// RescanStore is the store's surface as seen from inside the reorg/rescan
// engine's single transaction: the same operations as the package-level
// vault and tip methods, scoped to the *sql.Tx the whole rescan runs in.
type RescanStore struct {
	tx *sql.Tx
}

// Rescan runs fn inside one transaction, giving the reorg engine the atomic
// rewind its tip-stabilization algorithm assumes: every vault row touched
// during a rescan either all commit together or none do.
func (s *Store) Rescan(fn func(r *RescanStore) error) error {
	return s.withTx(func(tx *sql.Tx) error {
		return fn(&RescanStore{tx: tx})
	})
}

// Vaults snapshots every vault row for the rescan loop to walk.
func (r *RescanStore) Vaults() ([]*vault.Vault, error) {
	rows, err := r.tx.Query(`SELECT ` + vaultColumns + ` FROM vaults ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("snapshotting vaults: %w", err)
	}
	defer rows.Close()
	return scanVaultRows(rows)
}

// UnconfirmDeposit reverts a vault to Unconfirmed (unconfirm_vault, deposit
// branch).
func (r *RescanStore) UnconfirmDeposit(vaultID int64) error {
	res, err := r.tx.Exec(
		`UPDATE vaults SET status = ?, blockheight = NULL, updated_at = ? WHERE id = ?`,
		string(vault.StatusUnconfirmed), nowUnix(), vaultID,
	)
	if err != nil {
		return fmt.Errorf("unconfirming deposit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrUnknownOutpoint
	}
	return nil
}

// UnconfirmUnvault reverts a vault to Unvaulting regardless of its current
// past-unvault status (unconfirm_unvault).
func (r *RescanStore) UnconfirmUnvault(vaultID int64) error {
	res, err := r.tx.Exec(
		`UPDATE vaults SET status = ?, spend_txid = NULL, updated_at = ? WHERE id = ?`,
		string(vault.StatusUnvaulting), nowUnix(), vaultID,
	)
	if err != nil {
		return fmt.Errorf("unconfirming unvault: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrUnknownOutpoint
	}
	return nil
}

// UnconfirmSpend reverts Spent -> Spending.
func (r *RescanStore) UnconfirmSpend(vaultID int64) error {
	return r.transition(vaultID, vault.StatusSpent, vault.StatusSpending)
}

// UnconfirmCancel reverts Canceled -> Canceling.
func (r *RescanStore) UnconfirmCancel(vaultID int64) error {
	return r.transition(vaultID, vault.StatusCanceled, vault.StatusCanceling)
}

func (r *RescanStore) transition(vaultID int64, from, to vault.Status) error {
	res, err := r.tx.Exec(
		`UPDATE vaults SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nowUnix(), vaultID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transitioning vault %d %s->%s: %w", vaultID, from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrInvalidStatus
	}
	return nil
}

// MarkRebroadcastableSpend flags a Spend whose confirmation was reorged away.
func (r *RescanStore) MarkRebroadcastableSpend(txid chainhash.Hash) error {
	res, err := r.tx.Exec(`UPDATE spends SET state = ? WHERE txid = ?`, string(vault.SpendRebroadcastable), txid.String())
	if err != nil {
		return fmt.Errorf("flagging spend rebroadcastable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrUnknownOutpoint
	}
	return nil
}

// CancelTxid recovers the expected Cancel transaction's txid by decoding its
// stored presigned PSBT, since a vault row only carries a SpendTxid and the
// Cancel txid is otherwise never persisted on its own.
func (r *RescanStore) CancelTxid(vaultID int64) (chainhash.Hash, error) {
	var raw []byte
	err := r.tx.QueryRow(
		`SELECT psbt FROM presigned_transactions WHERE vault_id = ? AND kind = ?`,
		vaultID, string(vault.KindCancel),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return chainhash.Hash{}, vault.ErrUnknownOutpoint
	}
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("fetching cancel presigned tx: %w", err)
	}
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(raw), true)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("decoding cancel psbt: %w", err)
	}
	return pkt.UnsignedTx.TxHash(), nil
}

// TipWrite persists the observed tip once the whole rescan has finished
// walking every vault.
func (r *RescanStore) TipWrite(height uint32, hash chainhash.Hash) error {
	_, err := r.tx.Exec(
		`INSERT INTO tip (id, height, hash) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET height = excluded.height, hash = excluded.hash`,
		height, hash.String(),
	)
	if err != nil {
		return fmt.Errorf("writing tip: %w", err)
	}
	return nil
}
