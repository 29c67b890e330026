package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

// TipRead returns the stored chain tip, or nil if none has been written yet
// (a fresh daemon on an empty database).
func (s *Store) TipRead() (*vault.ChainTip, error) {
	var height int64
	var hashStr string
	err := s.db.QueryRow(`SELECT height, hash FROM tip WHERE id = 1`).Scan(&height, &hashStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tip: %w", err)
	}
	h, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt tip hash: %w", err)
	}
	return &vault.ChainTip{Height: uint32(height), Hash: *h}, nil
}

// TipWrite persists the chain tip. Invariant §3.2(6): callers must only
// write a tip they have fully finished processing.
func (s *Store) TipWrite(height uint32, hash chainhash.Hash) error {
	_, err := s.db.Exec(
		`INSERT INTO tip (id, height, hash) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET height = excluded.height, hash = excluded.hash`,
		height, hash.String(),
	)
	if err != nil {
		return fmt.Errorf("writing tip: %w", err)
	}
	return nil
}

// NextUnusedIndex returns the first derivation index not yet assigned to
// any known vault.
func (s *Store) NextUnusedIndex() (uint32, error) {
	var idx int64
	err := s.db.QueryRow(`SELECT next_index FROM derivation WHERE id = 1`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("reading next unused index: %w", err)
	}
	return uint32(idx), nil
}

// AdvanceIndex sets the next-unused index forward. It is a no-op (not an
// error) if newIndex is not past the current value: the advance must only
// happen when the assigned index is at least the current first-unused
// index, so a concurrent advance from another observation of the same or a
// lower index cannot regress it.
func (s *Store) AdvanceIndex(newIndex uint32) error {
	_, err := s.db.Exec(`UPDATE derivation SET next_index = ? WHERE id = 1 AND next_index <= ?`, newIndex, newIndex)
	if err != nil {
		return fmt.Errorf("advancing derivation index: %w", err)
	}
	return nil
}

// WalletRead returns the watchonly wallet's birth record, or nil if the
// wallet has not been created yet.
func (s *Store) WalletRead() (*vault.Wallet, error) {
	var id string
	var birth int64
	err := s.db.QueryRow(`SELECT wallet_id, birth_timestamp FROM wallet WHERE id = 1`).Scan(&id, &birth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading wallet record: %w", err)
	}
	return &vault.Wallet{ID: id, BirthTimestamp: time.Unix(birth, 0).UTC()}, nil
}

// WalletWrite persists the watchonly wallet's birth record, once, at
// wallet creation time.
func (s *Store) WalletWrite(w vault.Wallet) error {
	_, err := s.db.Exec(
		`INSERT INTO wallet (id, wallet_id, birth_timestamp) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		w.ID, w.BirthTimestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing wallet record: %w", err)
	}
	return nil
}
