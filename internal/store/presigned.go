package store

import (
	"database/sql"
	"fmt"

	"github.com/revault-labs/vaultd/internal/vault"
)

// PresignedList returns all presigned transactions for a vault.
func (s *Store) PresignedList(vaultID int64) ([]*vault.PresignedTransaction, error) {
	rows, err := s.db.Query(`SELECT vault_id, kind, psbt FROM presigned_transactions WHERE vault_id = ?`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("listing presigned transactions: %w", err)
	}
	defer rows.Close()

	var out []*vault.PresignedTransaction
	for rows.Next() {
		pt := &vault.PresignedTransaction{}
		var kind string
		if err := rows.Scan(&pt.VaultID, &kind, &pt.PSBT); err != nil {
			return nil, err
		}
		pt.Kind = vault.PresignedKind(kind)
		out = append(out, pt)
	}
	return out, rows.Err()
}

// PresignedGet fetches a single presigned transaction by vault and kind.
func (s *Store) PresignedGet(vaultID int64, kind vault.PresignedKind) (*vault.PresignedTransaction, error) {
	pt := &vault.PresignedTransaction{VaultID: vaultID, Kind: kind}
	err := s.db.QueryRow(`SELECT psbt FROM presigned_transactions WHERE vault_id = ? AND kind = ?`, vaultID, kind).Scan(&pt.PSBT)
	if err == sql.ErrNoRows {
		return nil, vault.ErrUnknownOutpoint
	}
	if err != nil {
		return nil, fmt.Errorf("fetching presigned %s: %w", kind, err)
	}
	return pt, nil
}

// PresignedUpdate merges a newly-accumulated PSBT for (vaultID, kind) and,
// within the same transaction, invokes promote so a threshold-triggered
// status advance commits atomically with the signature merge. promote
// receives the vault's current status and its full presigned set (read
// inside this same transaction, post-merge, so a quorum check never races
// the write it depends on) and returns the status to move to, or ("", nil)
// to leave it unchanged.
//
// promote must only read its arguments, never query the store itself: the
// store's single-writer connection pool means any query issued outside
// this transaction would block waiting for the connection this
// transaction already holds, deadlocking until the transaction times out.
func (s *Store) PresignedUpdate(vaultID int64, kind vault.PresignedKind, mergedPSBT []byte, promote func(current vault.Status, all []*vault.PresignedTransaction) (vault.Status, error)) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE presigned_transactions SET psbt = ? WHERE vault_id = ? AND kind = ?`,
			mergedPSBT, vaultID, kind,
		); err != nil {
			return fmt.Errorf("merging presigned %s: %w", kind, err)
		}

		var current string
		if err := tx.QueryRow(`SELECT status FROM vaults WHERE id = ?`, vaultID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return vault.ErrUnknownOutpoint
			}
			return err
		}

		all, err := presignedListTx(tx, vaultID)
		if err != nil {
			return fmt.Errorf("reading presigned set for promotion: %w", err)
		}

		next, err := promote(vault.Status(current), all)
		if err != nil {
			return err
		}
		if next == "" || next == vault.Status(current) {
			return nil
		}
		if _, err := tx.Exec(`UPDATE vaults SET status = ?, updated_at = ? WHERE id = ?`, string(next), nowUnix(), vaultID); err != nil {
			return fmt.Errorf("promoting vault %d to %s: %w", vaultID, next, err)
		}
		return nil
	})
}

func presignedListTx(tx *sql.Tx, vaultID int64) ([]*vault.PresignedTransaction, error) {
	rows, err := tx.Query(`SELECT vault_id, kind, psbt FROM presigned_transactions WHERE vault_id = ?`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("listing presigned transactions: %w", err)
	}
	defer rows.Close()

	var out []*vault.PresignedTransaction
	for rows.Next() {
		pt := &vault.PresignedTransaction{}
		var kind string
		if err := rows.Scan(&pt.VaultID, &kind, &pt.PSBT); err != nil {
			return nil, err
		}
		pt.Kind = vault.PresignedKind(kind)
		out = append(out, pt)
	}
	return out, rows.Err()
}
