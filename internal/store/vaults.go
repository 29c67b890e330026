package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

const vaultColumns = `id, deposit_txid, deposit_vout, amount, derivation_index, status, blockheight, received_at, updated_at, spend_txid, unvault_txid`

// UpsertUnconfirmed creates a new vault row in StatusUnconfirmed for a
// freshly observed deposit UTXO. Callers must have already checked the
// dust policy and derivation-index monotonicity.
func (s *Store) UpsertUnconfirmed(outpoint vault.Outpoint, amount uint64, derivationIndex uint32, receivedAt time.Time) (*vault.Vault, error) {
	now := receivedAt.Unix()
	res, err := s.db.Exec(
		`INSERT INTO vaults (deposit_txid, deposit_vout, amount, derivation_index, status, received_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deposit_txid, deposit_vout) DO NOTHING`,
		outpoint.Txid.String(), outpoint.Vout, amount, derivationIndex, string(vault.StatusUnconfirmed), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting unconfirmed vault: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		return s.VaultByDeposit(outpoint)
	}
	return s.GetVault(id)
}

// GetVault fetches a vault by its row id.
func (s *Store) GetVault(id int64) (*vault.Vault, error) {
	row := s.db.QueryRow(`SELECT `+vaultColumns+` FROM vaults WHERE id = ?`, id)
	return scanVaultRow(row)
}

// VaultByDeposit fetches a vault by its deposit outpoint.
func (s *Store) VaultByDeposit(outpoint vault.Outpoint) (*vault.Vault, error) {
	row := s.db.QueryRow(`SELECT `+vaultColumns+` FROM vaults WHERE deposit_txid = ? AND deposit_vout = ?`,
		outpoint.Txid.String(), outpoint.Vout)
	return scanVaultRow(row)
}

// VaultByUnvaultTxid fetches a vault by the txid of its Unvault transaction.
func (s *Store) VaultByUnvaultTxid(txid chainhash.Hash) (*vault.Vault, error) {
	row := s.db.QueryRow(`SELECT `+vaultColumns+` FROM vaults WHERE unvault_txid = ?`, txid.String())
	return scanVaultRow(row)
}

// VaultBySpendTxid fetches a vault by the txid of the Spend tx consuming it.
func (s *Store) VaultBySpendTxid(txid chainhash.Hash) (*vault.Vault, error) {
	row := s.db.QueryRow(`SELECT `+vaultColumns+` FROM vaults WHERE spend_txid = ?`, txid.String())
	return scanVaultRow(row)
}

// ListVaults returns vaults optionally filtered by status set and/or
// deposit outpoints. An empty statuses slice is treated as no filter,
// matching listvaults semantics.
func (s *Store) ListVaults(statuses []vault.Status, outpoints []vault.Outpoint) ([]*vault.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults`
	var clauses []string
	var args []interface{}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+join(placeholders, ",")+")")
	}
	if len(outpoints) > 0 {
		placeholders := make([]string, len(outpoints))
		for i, op := range outpoints {
			placeholders[i] = "(?, ?)"
			args = append(args, op.Txid.String(), op.Vout)
		}
		clauses = append(clauses, "(deposit_txid, deposit_vout) IN ("+join(placeholders, ",")+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing vaults: %w", err)
	}
	defer rows.Close()
	return scanVaultRows(rows)
}

// VaultsByStatus is a convenience wrapper used by the poller's read
// queries (spending_vaults, canceling_vaults, unvaulted_vaults).
func (s *Store) VaultsByStatus(status vault.Status) ([]*vault.Vault, error) {
	return s.ListVaults([]vault.Status{status}, nil)
}

// ConfirmDeposit transitions a vault from Unconfirmed to Funded, persisting
// its presigned chain and blockheight in a single transaction.
func (s *Store) ConfirmDeposit(vaultID int64, blockheight uint32, unvaultTxid chainhash.Hash, presigned []*vault.PresignedTransaction) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE vaults SET status = ?, blockheight = ?, unvault_txid = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(vault.StatusFunded), blockheight, unvaultTxid.String(), nowUnix(), vaultID, string(vault.StatusUnconfirmed),
		)
		if err != nil {
			return fmt.Errorf("confirming deposit: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return vault.ErrInvalidStatus
		}
		for _, pt := range presigned {
			if _, err := tx.Exec(
				`INSERT INTO presigned_transactions (vault_id, kind, psbt) VALUES (?, ?, ?)
				 ON CONFLICT(vault_id, kind) DO UPDATE SET psbt = excluded.psbt`,
				vaultID, string(pt.Kind), pt.PSBT,
			); err != nil {
				return fmt.Errorf("persisting presigned %s: %w", pt.Kind, err)
			}
		}
		return nil
	})
}

// transition performs a single-row status CAS (compare-and-swap) update:
// an UPDATE whose WHERE clause pins the expected prior status, with
// RowsAffected() used to detect a no-op (either unknown id or a status
// that has already moved from under the caller).
func (s *Store) transition(vaultID int64, from, to vault.Status) error {
	res, err := s.db.Exec(
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

func (s *Store) transitionByUnvaultTxid(txid chainhash.Hash, from, to vault.Status) (*vault.Vault, error) {
	res, err := s.db.Exec(
		`UPDATE vaults SET status = ?, updated_at = ? WHERE unvault_txid = ? AND status = ?`,
		string(to), nowUnix(), txid.String(), string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("transitioning by unvault txid %s->%s: %w", from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, vault.ErrInvalidStatus
	}
	return s.VaultByUnvaultTxid(txid)
}

// ActivateUnvault transitions Active -> Activating once the RPC dispatcher
// has broadcast a fully-signed Unvault transaction, before the poller has
// observed it land in the mempool.
func (s *Store) ActivateUnvault(vaultID int64) error {
	return s.transition(vaultID, vault.StatusActive, vault.StatusActivating)
}

// UnvaultDeposit transitions Activating -> Unvaulting for the vault whose
// broadcast Unvault transaction just appeared unconfirmed on-chain.
func (s *Store) UnvaultDeposit(unvaultTxid chainhash.Hash) (*vault.Vault, error) {
	return s.transitionByUnvaultTxid(unvaultTxid, vault.StatusActivating, vault.StatusUnvaulting)
}

// ConfirmUnvault transitions Unvaulting -> Unvaulted.
func (s *Store) ConfirmUnvault(unvaultTxid chainhash.Hash) (*vault.Vault, error) {
	return s.transitionByUnvaultTxid(unvaultTxid, vault.StatusUnvaulting, vault.StatusUnvaulted)
}

// SpendUnvault transitions Unvaulted -> Spending and records the spend txid.
func (s *Store) SpendUnvault(unvaultTxid, spendTxid chainhash.Hash) (*vault.Vault, error) {
	var result *vault.Vault
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE vaults SET status = ?, spend_txid = ?, updated_at = ? WHERE unvault_txid = ? AND status = ?`,
			string(vault.StatusSpending), spendTxid.String(), nowUnix(), unvaultTxid.String(), string(vault.StatusUnvaulted),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return vault.ErrInvalidStatus
		}
		v, err := s.vaultByUnvaultTxidTx(tx, unvaultTxid)
		result = v
		return err
	})
	return result, err
}

// CancelUnvault transitions Unvaulted -> Canceling.
func (s *Store) CancelUnvault(unvaultTxid chainhash.Hash) (*vault.Vault, error) {
	return s.transitionByUnvaultTxid(unvaultTxid, vault.StatusUnvaulted, vault.StatusCanceling)
}

// RequestCancel transitions a vault to Canceling from whichever of
// Unvaulting, Unvaulted or Spending it currently sits in - the broader
// from-set revault allows, since a stakeholder may race a Cancel against
// an unconfirmed Unvault, an already-unvaulted UTXO, or an in-flight
// Spend (Cancel wins on ambiguity).
func (s *Store) RequestCancel(unvaultTxid chainhash.Hash) (*vault.Vault, error) {
	res, err := s.db.Exec(
		`UPDATE vaults SET status = ?, updated_at = ? WHERE unvault_txid = ? AND status IN (?, ?, ?)`,
		string(vault.StatusCanceling), nowUnix(), unvaultTxid.String(),
		string(vault.StatusUnvaulting), string(vault.StatusUnvaulted), string(vault.StatusSpending),
	)
	if err != nil {
		return nil, fmt.Errorf("requesting cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, vault.ErrInvalidStatus
	}
	return s.VaultByUnvaultTxid(unvaultTxid)
}

// MarkSpent confirms the spender: Spending -> Spent.
func (s *Store) MarkSpent(vaultID int64) error {
	return s.transition(vaultID, vault.StatusSpending, vault.StatusSpent)
}

// MarkCanceled confirms the spender: Canceling -> Canceled.
func (s *Store) MarkCanceled(vaultID int64) error {
	return s.transition(vaultID, vault.StatusCanceling, vault.StatusCanceled)
}

// UnconfirmDeposit reverts a vault to Unconfirmed (reorg rewind).
func (s *Store) UnconfirmDeposit(vaultID int64) error {
	res, err := s.db.Exec(
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
// past-unvault status (reorg rewind, unconfirm_unvault).
func (s *Store) UnconfirmUnvault(vaultID int64) error {
	res, err := s.db.Exec(
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

// UnconfirmSpend reverts Spent -> Spending (reorg removed the Spend tx's
// confirmation but the Unvault remains confirmed).
func (s *Store) UnconfirmSpend(vaultID int64) error {
	return s.transition(vaultID, vault.StatusSpent, vault.StatusSpending)
}

// UnconfirmCancel reverts Canceled -> Canceling.
func (s *Store) UnconfirmCancel(vaultID int64) error {
	return s.transition(vaultID, vault.StatusCanceled, vault.StatusCanceling)
}

// DowngradeToUnvaulted reverts a Spending or Canceling vault to Unvaulted
// when its spender has dropped from the mempool without confirming.
func (s *Store) DowngradeToUnvaulted(vaultID int64, from vault.Status) error {
	res, err := s.db.Exec(
		`UPDATE vaults SET status = ?, spend_txid = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		string(vault.StatusUnvaulted), nowUnix(), vaultID, string(from),
	)
	if err != nil {
		return fmt.Errorf("downgrading to unvaulted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrInvalidStatus
	}
	return nil
}

// SetStatus forcibly sets a vault's status without a from-state check. No
// daemon code path calls it; tests use it to seed a vault in a given status.
func (s *Store) SetStatus(vaultID int64, status vault.Status) error {
	res, err := s.db.Exec(`UPDATE vaults SET status = ?, updated_at = ? WHERE id = ?`, string(status), nowUnix(), vaultID)
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrUnknownOutpoint
	}
	return nil
}

func (s *Store) vaultByUnvaultTxidTx(tx *sql.Tx, txid chainhash.Hash) (*vault.Vault, error) {
	row := tx.QueryRow(`SELECT `+vaultColumns+` FROM vaults WHERE unvault_txid = ?`, txid.String())
	return scanVaultRow(row)
}

func scanVaultRow(row *sql.Row) (*vault.Vault, error) {
	v, err := scanVault(row.Scan)
	if err == sql.ErrNoRows {
		return nil, vault.ErrUnknownOutpoint
	}
	return v, err
}

func scanVaultRows(rows *sql.Rows) ([]*vault.Vault, error) {
	var out []*vault.Vault
	for rows.Next() {
		v, err := scanVault(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// scanVault factors the column layout shared by *sql.Row.Scan and
// *sql.Rows.Scan, rather than duplicating it across a pair of
// near-identical scan functions.
func scanVault(scan func(...interface{}) error) (*vault.Vault, error) {
	var (
		id, vout                      int64
		depositTxid                   string
		amount                        uint64
		derivationIndex               uint32
		status                        string
		blockheight                   sql.NullInt64
		receivedAt, updatedAt         int64
		spendTxid, unvaultTxid        sql.NullString
	)
	if err := scan(&id, &depositTxid, &vout, &amount, &derivationIndex, &status, &blockheight, &receivedAt, &updatedAt, &spendTxid, &unvaultTxid); err != nil {
		return nil, err
	}

	txidHash, err := chainhash.NewHashFromStr(depositTxid)
	if err != nil {
		return nil, fmt.Errorf("corrupt deposit txid in store: %w", err)
	}

	v := &vault.Vault{
		ID:              id,
		DepositOutpoint: vault.Outpoint{Txid: *txidHash, Vout: uint32(vout)},
		Amount:          amount,
		DerivationIndex: derivationIndex,
		Status:          vault.Status(status),
		ReceivedAt:      time.Unix(receivedAt, 0).UTC(),
		UpdatedAt:       time.Unix(updatedAt, 0).UTC(),
	}
	if blockheight.Valid {
		h := uint32(blockheight.Int64)
		v.Blockheight = &h
	}
	if spendTxid.Valid {
		h, err := chainhash.NewHashFromStr(spendTxid.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt spend txid in store: %w", err)
		}
		v.SpendTxid = h
	}
	if unvaultTxid.Valid {
		h, err := chainhash.NewHashFromStr(unvaultTxid.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt unvault txid in store: %w", err)
		}
		v.UnvaultTxid = h
	}
	return v, nil
}

func nowUnix() int64 { return time.Now().Unix() }

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
