package bitcoind

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

type blockchainInfoResult struct {
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	BestBlockHash        string  `json:"bestblockhash"`
}

// SyncInfo calls getblockchaininfo.
func (c *RPCClient) SyncInfo(ctx context.Context) (*SyncInfo, error) {
	raw, err := c.call(ctx, "getblockchaininfo")
	if err != nil {
		return nil, err
	}
	var r blockchainInfoResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing getblockchaininfo: %w", err)
	}
	return &SyncInfo{Headers: r.Headers, Blocks: r.Blocks, IBD: r.InitialBlockDownload, Progress: r.VerificationProgress}, nil
}

// Tip calls getblockchaininfo and returns its block count and best block hash.
func (c *RPCClient) Tip(ctx context.Context) (uint32, chainhash.Hash, error) {
	raw, err := c.call(ctx, "getblockchaininfo")
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	var r blockchainInfoResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("parsing getblockchaininfo: %w", err)
	}
	h, err := chainhash.NewHashFromStr(r.BestBlockHash)
	if err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("parsing best block hash: %w", err)
	}
	return uint32(r.Blocks), *h, nil
}

// BlockHashAt calls getblockhash.
func (c *RPCClient) BlockHashAt(ctx context.Context, height uint32) (chainhash.Hash, error) {
	raw, err := c.call(ctx, "getblockhash", height)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var hashStr string
	if err := json.Unmarshal(raw, &hashStr); err != nil {
		return chainhash.Hash{}, fmt.Errorf("parsing getblockhash: %w", err)
	}
	h, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

// IsInMempool calls getmempoolentry and treats any error as "not present".
func (c *RPCClient) IsInMempool(ctx context.Context, txid chainhash.Hash) (bool, error) {
	_, err := c.call(ctx, "getmempoolentry", txid.String())
	if err != nil {
		return false, nil
	}
	return true, nil
}

type walletTxResult struct {
	Hex           string `json:"hex"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   *int64 `json:"blockheight,omitempty"`
	TimeReceived  int64  `json:"timereceived"`
}

// GetWalletTx calls gettransaction, returning the raw hex, blockheight (if
// confirmed) and the wallet's received-at timestamp. The wallet retains
// the tx even after a reorg unconfirms it
func (c *RPCClient) GetWalletTx(ctx context.Context, txid chainhash.Hash) (string, *uint32, time.Time, error) {
	raw, err := c.call(ctx, "gettransaction", txid.String())
	if err != nil {
		return "", nil, time.Time{}, err
	}
	var r walletTxResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", nil, time.Time{}, fmt.Errorf("parsing gettransaction: %w", err)
	}
	var height *uint32
	if r.BlockHeight != nil {
		h := uint32(*r.BlockHeight)
		height = &h
	}
	return r.Hex, height, time.Unix(r.TimeReceived, 0).UTC(), nil
}

// Broadcast calls sendrawtransaction.
func (c *RPCClient) Broadcast(ctx context.Context, rawTx []byte) error {
	_, err := c.call(ctx, "sendrawtransaction", fmt.Sprintf("%x", rawTx))
	return err
}

// RebroadcastWalletTx re-sends a transaction the wallet already knows
// about. Best-effort: a failure here is logged by the caller and retried
// next tick, never propagated as fatal.
func (c *RPCClient) RebroadcastWalletTx(ctx context.Context, txid chainhash.Hash) error {
	txHex, _, _, err := c.GetWalletTx(ctx, txid)
	if err != nil {
		return err
	}
	rawBytes, err := hex.DecodeString(txHex)
	if err != nil {
		return err
	}
	return c.Broadcast(ctx, rawBytes)
}

type blockVerbose2 struct {
	Hash          string `json:"hash"`
	NextBlockHash string `json:"nextblockhash"`
	Tx            []struct {
		Txid string `json:"txid"`
		Vin  []struct {
			Txid string `json:"txid"`
			Vout uint32 `json:"vout"`
		} `json:"vin"`
	} `json:"tx"`
}

// maxSpenderScanBlocks bounds how far GetSpenderTxid walks forward from
// sinceBlock before giving up, so a stale `since` hash (the poller always
// passes the previous tip) can never turn this into an unbounded scan.
const maxSpenderScanBlocks = 2016

// GetSpenderTxid searches for the transaction that spent outpoint, looking
// only since sinceBlock. Core
// exposes no RPC that names an output's spender directly without
// txindex=1, so this walks the block range since sinceBlock looking for a
// vin referencing outpoint, then falls back to scanning the mempool. A nil
// result with a nil error means no spender was found this tick.
func (c *RPCClient) GetSpenderTxid(ctx context.Context, outpoint vault.Outpoint, sinceBlock chainhash.Hash) (*chainhash.Hash, error) {
	nextHash := sinceBlock.String()
	for i := 0; i < maxSpenderScanBlocks; i++ {
		raw, err := c.call(ctx, "getblock", nextHash, 2)
		if err != nil {
			break // sinceBlock (or a successor) is no longer on the active chain, or we reached the tip
		}
		var b blockVerbose2
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("parsing getblock verbose: %w", err)
		}
		for _, tx := range b.Tx {
			for _, in := range tx.Vin {
				if in.Txid == outpoint.Txid.String() && in.Vout == outpoint.Vout {
					h, err := chainhash.NewHashFromStr(tx.Txid)
					if err != nil {
						return nil, err
					}
					return h, nil
				}
			}
		}
		if b.NextBlockHash == "" {
			break
		}
		nextHash = b.NextBlockHash
	}

	return c.findSpenderInMempool(ctx, outpoint)
}

type rawTxVerbose struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"vin"`
}

func (c *RPCClient) findSpenderInMempool(ctx context.Context, outpoint vault.Outpoint) (*chainhash.Hash, error) {
	raw, err := c.call(ctx, "getrawmempool", false)
	if err != nil {
		return nil, err
	}
	var txids []string
	if err := json.Unmarshal(raw, &txids); err != nil {
		return nil, fmt.Errorf("parsing getrawmempool: %w", err)
	}
	for _, txidStr := range txids {
		raw, err := c.call(ctx, "getrawtransaction", txidStr, true)
		if err != nil {
			continue
		}
		var tx rawTxVerbose
		if err := json.Unmarshal(raw, &tx); err != nil {
			continue
		}
		for _, in := range tx.Vin {
			if in.Txid == outpoint.Txid.String() && in.Vout == outpoint.Vout {
				h, err := chainhash.NewHashFromStr(tx.Txid)
				if err != nil {
					return nil, err
				}
				return h, nil
			}
		}
	}
	return nil, nil
}
