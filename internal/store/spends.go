package store

import (
	"database/sql"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

// SpendInsert stores a new Spend draft together with the Unvault outpoints
// it spends (spend_inputs)
func (s *Store) SpendInsert(draft *vault.SpendDraft) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO spends (txid, psbt, state) VALUES (?, ?, ?)`,
			draft.Txid.String(), draft.PSBT, string(draft.State),
		); err != nil {
			return fmt.Errorf("inserting spend: %w", err)
		}
		for _, u := range draft.UnvaultTxids {
			if _, err := tx.Exec(`INSERT INTO spend_inputs (spend_txid, unvault_txid) VALUES (?, ?)`, draft.Txid.String(), u.String()); err != nil {
				return fmt.Errorf("inserting spend input: %w", err)
			}
		}
		return nil
	})
}

// SpendUpdate replaces a Spend draft's PSBT (signature accumulation).
func (s *Store) SpendUpdate(txid chainhash.Hash, psbt []byte) error {
	res, err := s.db.Exec(`UPDATE spends SET psbt = ? WHERE txid = ?`, psbt, txid.String())
	if err != nil {
		return fmt.Errorf("updating spend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrUnknownOutpoint
	}
	return nil
}

// SpendDelete removes a Spend draft and its input rows.
func (s *Store) SpendDelete(txid chainhash.Hash) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM spend_inputs WHERE spend_txid = ?`, txid.String()); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM spends WHERE txid = ?`, txid.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return vault.ErrUnknownOutpoint
		}
		return nil
	})
}

// SpendGet fetches one Spend draft with its unvault inputs.
func (s *Store) SpendGet(txid chainhash.Hash) (*vault.SpendDraft, error) {
	draft := &vault.SpendDraft{Txid: txid}
	var state string
	err := s.db.QueryRow(`SELECT psbt, state FROM spends WHERE txid = ?`, txid.String()).Scan(&draft.PSBT, &state)
	if err == sql.ErrNoRows {
		return nil, vault.ErrUnknownOutpoint
	}
	if err != nil {
		return nil, fmt.Errorf("fetching spend: %w", err)
	}
	draft.State = vault.SpendState(state)

	inputs, err := s.spendInputs(txid)
	if err != nil {
		return nil, err
	}
	draft.UnvaultTxids = inputs
	return draft, nil
}

// SpendList returns every stored Spend draft.
func (s *Store) SpendList() ([]*vault.SpendDraft, error) {
	rows, err := s.db.Query(`SELECT txid, psbt, state FROM spends ORDER BY txid`)
	if err != nil {
		return nil, fmt.Errorf("listing spends: %w", err)
	}
	defer rows.Close()

	var out []*vault.SpendDraft
	for rows.Next() {
		var txidStr, state string
		draft := &vault.SpendDraft{}
		if err := rows.Scan(&txidStr, &draft.PSBT, &state); err != nil {
			return nil, err
		}
		h, err := chainhash.NewHashFromStr(txidStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt spend txid: %w", err)
		}
		draft.Txid = *h
		draft.State = vault.SpendState(state)
		out = append(out, draft)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, draft := range out {
		inputs, err := s.spendInputs(draft.Txid)
		if err != nil {
			return nil, err
		}
		draft.UnvaultTxids = inputs
	}
	return out, nil
}

func (s *Store) spendInputs(txid chainhash.Hash) ([]chainhash.Hash, error) {
	rows, err := s.db.Query(`SELECT unvault_txid FROM spend_inputs WHERE spend_txid = ?`, txid.String())
	if err != nil {
		return nil, fmt.Errorf("fetching spend inputs: %w", err)
	}
	defer rows.Close()
	var out []chainhash.Hash
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt spend input txid: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// setSpendState is the shared helper behind the mark_*_spend operations.
// It overwrites the state without checking the current one.
func (s *Store) setSpendState(txid chainhash.Hash, state vault.SpendState) error {
	res, err := s.db.Exec(`UPDATE spends SET state = ? WHERE txid = ?`, string(state), txid.String())
	if err != nil {
		return fmt.Errorf("setting spend state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrUnknownOutpoint
	}
	return nil
}

// MarkBroadcastableSpend flags a finalized Spend as ready for the next
// tip event to broadcast.
func (s *Store) MarkBroadcastableSpend(txid chainhash.Hash) error {
	return s.setSpendState(txid, vault.SpendBroadcastable)
}

// MarkBroadcastedSpend records that the Spend tx has been sent to the
// node. Per the redesign adopted in DESIGN.md, this is one state among
// five rather than a one-shot boolean, so a later reorg can legitimately
// move a Spend back to Rebroadcastable without losing history.
func (s *Store) MarkBroadcastedSpend(txid chainhash.Hash) error {
	return s.setSpendState(txid, vault.SpendBroadcasted)
}

// MarkRebroadcastableSpend flags a Spend whose confirmation was reorged
// away for the next tip event to resend.
func (s *Store) MarkRebroadcastableSpend(txid chainhash.Hash) error {
	return s.setSpendState(txid, vault.SpendRebroadcastable)
}

// MarkConfirmedSpend records that the Spend tx now has a block height.
func (s *Store) MarkConfirmedSpend(txid chainhash.Hash) error {
	return s.setSpendState(txid, vault.SpendConfirmed)
}

// BroadcastableSpends returns every Spend draft flagged Broadcastable or
// Rebroadcastable, the set new_tip_event attempts to (re)send each tick.
func (s *Store) BroadcastableSpends() ([]*vault.SpendDraft, error) {
	all, err := s.SpendList()
	if err != nil {
		return nil, err
	}
	var out []*vault.SpendDraft
	for _, d := range all {
		if d.State == vault.SpendBroadcastable || d.State == vault.SpendRebroadcastable {
			out = append(out, d)
		}
	}
	return out, nil
}
