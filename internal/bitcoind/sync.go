package bitcoind

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

type listUnspentEntry struct {
	Txid          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Address       string `json:"address"`
	Label         string `json:"label"`
	Amount        float64 `json:"amount"`
	Confirmations int64  `json:"confirmations"`
}

// listUnspentByLabel calls listunspent with minconf=0 and filters
// client-side by the import label assigned in ImportDescriptors, since the
// daemon keeps deposit and unvault addresses in the same watchonly
// wallet but needs to diff them independently.
func (c *RPCClient) listUnspentByLabel(ctx context.Context, label string) ([]listUnspentEntry, error) {
	raw, err := c.call(ctx, "listunspent", 0, 9999999)
	if err != nil {
		return nil, err
	}
	var all []listUnspentEntry
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("parsing listunspent: %w", err)
	}
	var filtered []listUnspentEntry
	for _, e := range all {
		if e.Label == label {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func diffAgainstCache(entries []listUnspentEntry, cached map[vault.Outpoint]Utxo, minConf uint32) (*OnchainDiff, error) {
	diff := &OnchainDiff{}
	seen := make(map[vault.Outpoint]bool, len(entries))

	for _, e := range entries {
		txid, err := chainhash.NewHashFromStr(e.Txid)
		if err != nil {
			return nil, fmt.Errorf("parsing listunspent txid: %w", err)
		}
		op := vault.Outpoint{Txid: *txid, Vout: e.Vout}
		seen[op] = true

		amount := uint64(e.Amount * 1e8)
		prior, known := cached[op]
		isConfirmed := uint32(e.Confirmations) >= minConf

		switch {
		case !known && !isConfirmed:
			diff.NewUnconfirmed = append(diff.NewUnconfirmed, Utxo{Outpoint: op, Amount: amount, Confirmations: e.Confirmations, Address: e.Address})
		case !known && isConfirmed:
			diff.NewConfirmed = append(diff.NewConfirmed, Utxo{Outpoint: op, Amount: amount, Confirmations: e.Confirmations, Address: e.Address})
		case known && !prior.is1Conf() && isConfirmed:
			diff.NewConfirmed = append(diff.NewConfirmed, Utxo{Outpoint: op, Amount: amount, Confirmations: e.Confirmations, Address: e.Address})
		}
	}

	for op := range cached {
		if !seen[op] {
			diff.NewSpent = append(diff.NewSpent, op)
		}
	}

	return diff, nil
}

func (u Utxo) is1Conf() bool { return u.Confirmations >= 1 }

// SyncDeposits diffs the deposits cache against the node's current
// watchonly view, applying min_conf to decide confirmed-vs-unconfirmed.
func (c *RPCClient) SyncDeposits(ctx context.Context, cached map[vault.Outpoint]Utxo, minConf uint32) (*OnchainDiff, error) {
	entries, err := c.listUnspentByLabel(ctx, "deposit")
	if err != nil {
		return nil, err
	}
	return diffAgainstCache(entries, cached, minConf)
}

// SyncUnvaults diffs the unvaults cache against the node's current
// watchonly view. Unvault outputs are considered confirmed at 1
// confirmation.
func (c *RPCClient) SyncUnvaults(ctx context.Context, cached map[vault.Outpoint]Utxo) (*OnchainDiff, error) {
	entries, err := c.listUnspentByLabel(ctx, "unvault")
	if err != nil {
		return nil, err
	}
	return diffAgainstCache(entries, cached, 1)
}
