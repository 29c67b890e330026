package rpc

// GetInfoResult is getinfo's response.
type GetInfoResult struct {
	Version     string  `json:"version"`
	Network     string  `json:"network"`
	BlockHeight uint32  `json:"blockheight"`
	Sync        float64 `json:"sync"`
	Vaults      int     `json:"vaults"`
}

// ListVaultsParams filters listvaults; an empty Statuses slice is treated
// as no filter.
type ListVaultsParams struct {
	Statuses  []string `json:"statuses,omitempty"`
	Outpoints []string `json:"outpoints,omitempty"`
}

// VaultInfo is one listvaults entry.
type VaultInfo struct {
	Outpoint        string  `json:"outpoint"`
	Amount          uint64  `json:"amount"`
	DerivationIndex uint32  `json:"derivation_index"`
	Status          string  `json:"status"`
	Blockheight     *uint32 `json:"blockheight,omitempty"`
	UnvaultTxid     string  `json:"unvault_txid,omitempty"`
	SpendTxid       string  `json:"spend_txid,omitempty"`
}

// ListVaultsResult is listvaults' response.
type ListVaultsResult struct {
	Vaults []VaultInfo `json:"vaults"`
}

// GetDepositAddressParams optionally requests a specific derivation index
// instead of the next unused one.
type GetDepositAddressParams struct {
	Index *uint32 `json:"index,omitempty"`
}

// GetDepositAddressResult is getdepositaddress's response.
type GetDepositAddressResult struct {
	Address string `json:"address"`
}

// OutpointParams is the shape shared by every single-vault command.
type OutpointParams struct {
	Outpoint string `json:"outpoint"`
}

// GetRevocationTxsResult is getrevocationtxs' response: the three unsigned
// revocation PSBTs for a Funded vault, base64-encoded.
type GetRevocationTxsResult struct {
	CancelTx           string `json:"cancel_tx"`
	EmergencyTx        string `json:"emergency_tx,omitempty"`
	UnvaultEmergencyTx string `json:"unvault_emergency_tx,omitempty"`
}

// RevocationTxsParams carries the stakeholder's signed candidates back.
type RevocationTxsParams struct {
	Outpoint         string `json:"outpoint"`
	Cancel           string `json:"cancel_tx"`
	Emergency        string `json:"emergency_tx,omitempty"`
	UnvaultEmergency string `json:"unvault_emergency_tx,omitempty"`
}

// GetUnvaultTxResult is getunvaulttx's response.
type GetUnvaultTxResult struct {
	UnvaultTx string `json:"unvault_tx"`
}

// UnvaultTxParams carries the stakeholder's signed Unvault candidate back.
type UnvaultTxParams struct {
	Outpoint string `json:"outpoint"`
	Unvault  string `json:"unvault_tx"`
}

// StatusResult is the generic {status: "..."} ack most mutating commands
// return: the vault's status after the call for vault commands, the
// draft's state for updatespendtx/setspendtx, "deleted" for delspendtx and
// "stopping" for stop.
type StatusResult struct {
	Status string `json:"status"`
}

// ListPresignedTransactionsParams optionally filters by outpoint.
type ListPresignedTransactionsParams struct {
	Outpoints []string `json:"outpoints,omitempty"`
}

// PresignedTransactionInfo is one presigned PSBT as reported to the RPC
// caller.
type PresignedTransactionInfo struct {
	Kind string `json:"kind"`
	PSBT string `json:"psbt"`
}

// VaultPresignedTransactions groups a vault's presigned PSBTs for
// listpresignedtransactions.
type VaultPresignedTransactions struct {
	Outpoint     string                     `json:"outpoint"`
	Transactions []PresignedTransactionInfo `json:"transactions"`
}

// ListPresignedTransactionsResult is listpresignedtransactions' response.
type ListPresignedTransactionsResult struct {
	Vaults []VaultPresignedTransactions `json:"vaults"`
}

// ListOnchainTransactionsParams optionally filters by outpoint.
type ListOnchainTransactionsParams struct {
	Outpoints []string `json:"outpoints,omitempty"`
}

// OnchainTransactionInfo identifies one of a vault's transactions by kind
// and txid; Blockheight is filled only for the deposit.
type OnchainTransactionInfo struct {
	Kind        string  `json:"kind"`
	Txid        string  `json:"txid,omitempty"`
	Blockheight *uint32 `json:"blockheight,omitempty"`
}

// VaultOnchainTransactions groups a vault's on-chain transaction
// statuses for listonchaintransactions.
type VaultOnchainTransactions struct {
	Outpoint     string                   `json:"outpoint"`
	Transactions []OnchainTransactionInfo `json:"transactions"`
}

// ListOnchainTransactionsResult is listonchaintransactions' response.
type ListOnchainTransactionsResult struct {
	Vaults []VaultOnchainTransactions `json:"vaults"`
}

// GetSpendTxParams describes the candidate Spend getspendtx should build:
// the Unvault outpoints to consume and the payout destinations.
type GetSpendTxParams struct {
	Outpoints    []string          `json:"outpoints"`
	Destinations map[string]uint64 `json:"destinations"`
	FeerateVB    uint32            `json:"feerate_vb"`
}

// GetSpendTxResult is getspendtx's response.
type GetSpendTxResult struct {
	SpendTx string `json:"spend_tx"`
}

// UpdateSpendTxParams carries a manager's (possibly further-signed) Spend
// candidate.
type UpdateSpendTxParams struct {
	SpendTx string `json:"spend_tx"`
}

// DelSpendTxParams identifies the Spend draft to delete.
type DelSpendTxParams struct {
	Txid string `json:"txid"`
}

// ListSpendTxsParams optionally filters by txid.
type ListSpendTxsParams struct {
	Txids []string `json:"txids,omitempty"`
}

// SpendTxInfo is one listspendtxs entry.
type SpendTxInfo struct {
	Txid          string   `json:"txid"`
	PSBT          string   `json:"psbt"`
	State         string   `json:"state"`
	UnvaultTxids  []string `json:"unvault_txids"`
}

// ListSpendTxsResult is listspendtxs' response.
type ListSpendTxsResult struct {
	SpendTxs []SpendTxInfo `json:"spend_txs"`
}

// SetSpendTxParams identifies the Spend draft to finalize and broadcast.
type SetSpendTxParams struct {
	Txid string `json:"txid"`
}
