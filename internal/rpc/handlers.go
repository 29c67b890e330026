// JSON-RPC method implementations. Each handler unmarshals its own params,
// does whatever store/coordinator/node calls the method needs, and returns
// a result value or an error classify() can map to a JSON-RPC error code.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/revault-labs/vaultd/internal/coordinator"
	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
)

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func decodePSBTB64(raw []byte) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(raw), true)
}

// handleStop triggers graceful daemon shutdown exactly once, regardless of
// how many times the stop command is received.
func (s *Server) handleStop(ctx context.Context, params json.RawMessage) (interface{}, error) {
	s.shutdownOne.Do(s.shutdown)
	return StatusResult{Status: "stopping"}, nil
}

func (s *Server) handleGetInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	vaults, err := s.store.ListVaults(nil, nil)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, v := range vaults {
		if v.Status.Active() {
			active++
		}
	}

	var height uint32
	if tip, err := s.store.TipRead(); err == nil && tip != nil {
		height = tip.Height
	}

	return GetInfoResult{
		Version:     s.version,
		Network:     string(s.cfg.Network),
		BlockHeight: height,
		Sync:        s.coord.SyncProgress(),
		Vaults:      active,
	}, nil
}

func (s *Server) handleListVaults(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListVaultsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	statuses := make([]vault.Status, len(p.Statuses))
	for i, st := range p.Statuses {
		statuses[i] = vault.Status(st)
	}
	outpoints := make([]vault.Outpoint, len(p.Outpoints))
	for i, o := range p.Outpoints {
		op, err := vault.ParseOutpoint(o)
		if err != nil {
			return nil, err
		}
		outpoints[i] = op
	}

	vaults, err := s.store.ListVaults(statuses, outpoints)
	if err != nil {
		return nil, err
	}

	out := make([]VaultInfo, 0, len(vaults))
	for _, v := range vaults {
		vi := VaultInfo{
			Outpoint:        v.DepositOutpoint.String(),
			Amount:          v.Amount,
			DerivationIndex: v.DerivationIndex,
			Status:          string(v.Status),
			Blockheight:     v.Blockheight,
		}
		if v.UnvaultTxid != nil {
			vi.UnvaultTxid = v.UnvaultTxid.String()
		}
		if v.SpendTxid != nil {
			vi.SpendTxid = v.SpendTxid.String()
		}
		out = append(out, vi)
	}
	return ListVaultsResult{Vaults: out}, nil
}

func (s *Server) handleGetDepositAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GetDepositAddressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	index := p.Index
	var idx uint32
	if index != nil {
		idx = *index
	} else {
		next, err := s.store.NextUnusedIndex()
		if err != nil {
			return nil, err
		}
		idx = next
	}

	dk, err := s.coord.Descriptors().DeriveKeys(idx)
	if err != nil {
		return nil, err
	}
	addr, err := txbuilder.DepositAddress(dk, s.coord.Descriptors().Net)
	if err != nil {
		return nil, err
	}
	return GetDepositAddressResult{Address: addr.EncodeAddress()}, nil
}

func (s *Server) handleGetRevocationTxs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleStakeholder); err != nil {
		return nil, err
	}
	var p OutpointParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op, err := vault.ParseOutpoint(p.Outpoint)
	if err != nil {
		return nil, err
	}
	v, err := s.store.VaultByDeposit(op)
	if err != nil {
		return nil, err
	}
	if v.Status != vault.StatusFunded {
		return nil, fmt.Errorf("%w: vault is %s, expected funded", vault.ErrInvalidStatus, v.Status)
	}

	all, err := s.store.PresignedList(v.ID)
	if err != nil {
		return nil, err
	}
	result := GetRevocationTxsResult{}
	for _, pt := range all {
		switch pt.Kind {
		case vault.KindCancel:
			result.CancelTx = string(pt.PSBT)
		case vault.KindEmergency:
			result.EmergencyTx = string(pt.PSBT)
		case vault.KindUnvaultEmergency:
			result.UnvaultEmergencyTx = string(pt.PSBT)
		}
	}
	return result, nil
}

func (s *Server) handleRevocationTxs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleStakeholder); err != nil {
		return nil, err
	}
	var p RevocationTxsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op, err := vault.ParseOutpoint(p.Outpoint)
	if err != nil {
		return nil, err
	}
	v, err := s.store.VaultByDeposit(op)
	if err != nil {
		return nil, err
	}
	if v.Status != vault.StatusFunded && v.Status != vault.StatusSecuring {
		return nil, fmt.Errorf("%w: vault is %s, expected funded or securing", vault.ErrInvalidStatus, v.Status)
	}

	depositValue := int64(v.Amount)
	var status vault.Status
	if p.Cancel != "" {
		unvaultValue, err := s.coord.UnvaultOutputValue(v.ID)
		if err != nil {
			return nil, err
		}
		status, err = s.coord.AcceptPresignedSignature(v, vault.KindCancel, []byte(p.Cancel), unvaultValue, s.ownPubkey)
		if err != nil {
			return nil, err
		}
		v.Status = status
	}
	if p.Emergency != "" {
		status, err = s.coord.AcceptPresignedSignature(v, vault.KindEmergency, []byte(p.Emergency), depositValue, s.ownPubkey)
		if err != nil {
			return nil, err
		}
		v.Status = status
	}
	if p.UnvaultEmergency != "" {
		unvaultValue, err := s.coord.UnvaultOutputValue(v.ID)
		if err != nil {
			return nil, err
		}
		status, err = s.coord.AcceptPresignedSignature(v, vault.KindUnvaultEmergency, []byte(p.UnvaultEmergency), unvaultValue, s.ownPubkey)
		if err != nil {
			return nil, err
		}
		v.Status = status
	}

	s.wsHub.Broadcast(EventVaultStatusChanged, VaultInfo{Outpoint: p.Outpoint, Status: string(v.Status)})
	return StatusResult{Status: string(v.Status)}, nil
}

func (s *Server) handleGetUnvaultTx(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleStakeholder); err != nil {
		return nil, err
	}
	var p OutpointParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op, err := vault.ParseOutpoint(p.Outpoint)
	if err != nil {
		return nil, err
	}
	v, err := s.store.VaultByDeposit(op)
	if err != nil {
		return nil, err
	}
	if v.Status != vault.StatusSecured {
		return nil, fmt.Errorf("%w: vault is %s, expected secured", vault.ErrInvalidStatus, v.Status)
	}
	pt, err := s.store.PresignedGet(v.ID, vault.KindUnvault)
	if err != nil {
		return nil, err
	}
	return GetUnvaultTxResult{UnvaultTx: string(pt.PSBT)}, nil
}

func (s *Server) handleUnvaultTx(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleStakeholder); err != nil {
		return nil, err
	}
	var p UnvaultTxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op, err := vault.ParseOutpoint(p.Outpoint)
	if err != nil {
		return nil, err
	}
	v, err := s.store.VaultByDeposit(op)
	if err != nil {
		return nil, err
	}
	if v.Status != vault.StatusSecured {
		return nil, fmt.Errorf("%w: vault is %s, expected secured", vault.ErrInvalidStatus, v.Status)
	}
	status, err := s.coord.AcceptPresignedSignature(v, vault.KindUnvault, []byte(p.Unvault), int64(v.Amount), s.ownPubkey)
	if err != nil {
		return nil, err
	}
	s.wsHub.Broadcast(EventVaultStatusChanged, VaultInfo{Outpoint: p.Outpoint, Status: string(status)})
	return StatusResult{Status: string(status)}, nil
}

func (s *Server) handleListPresignedTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListPresignedTransactionsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	vaults, err := s.vaultsForOutpoints(p.Outpoints)
	if err != nil {
		return nil, err
	}

	out := make([]VaultPresignedTransactions, 0, len(vaults))
	for _, v := range vaults {
		all, err := s.store.PresignedList(v.ID)
		if err != nil {
			return nil, err
		}
		txs := make([]PresignedTransactionInfo, 0, len(all))
		for _, pt := range all {
			txs = append(txs, PresignedTransactionInfo{Kind: string(pt.Kind), PSBT: string(pt.PSBT)})
		}
		out = append(out, VaultPresignedTransactions{Outpoint: v.DepositOutpoint.String(), Transactions: txs})
	}
	return ListPresignedTransactionsResult{Vaults: out}, nil
}

func (s *Server) handleListOnchainTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListOnchainTransactionsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	vaults, err := s.vaultsForOutpoints(p.Outpoints)
	if err != nil {
		return nil, err
	}

	out := make([]VaultOnchainTransactions, 0, len(vaults))
	for _, v := range vaults {
		var txs []OnchainTransactionInfo
		txs = append(txs, OnchainTransactionInfo{Kind: "deposit", Txid: v.DepositOutpoint.Txid.String(), Blockheight: v.Blockheight})
		if v.UnvaultTxid != nil {
			txs = append(txs, OnchainTransactionInfo{Kind: "unvault", Txid: v.UnvaultTxid.String()})
		}
		if cancelTxid, err := s.cancelTxidFor(v.ID); err == nil {
			txs = append(txs, OnchainTransactionInfo{Kind: "cancel", Txid: cancelTxid.String()})
		}
		if v.SpendTxid != nil {
			txs = append(txs, OnchainTransactionInfo{Kind: "spend", Txid: v.SpendTxid.String()})
		}
		out = append(out, VaultOnchainTransactions{Outpoint: v.DepositOutpoint.String(), Transactions: txs})
	}
	return ListOnchainTransactionsResult{Vaults: out}, nil
}

// cancelTxidFor recovers a vault's Cancel transaction's own txid from its
// stored presigned PSBT, mirroring the poller's expectedCancelTxid since a
// vault row only ever records a SpendTxid, never a CancelTxid.
func (s *Server) cancelTxidFor(vaultID int64) (chainhash.Hash, error) {
	pt, err := s.store.PresignedGet(vaultID, vault.KindCancel)
	if err != nil {
		return chainhash.Hash{}, err
	}
	pkt, err := decodePSBTB64(pt.PSBT)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("decoding cancel psbt: %w", err)
	}
	return pkt.UnsignedTx.TxHash(), nil
}

func (s *Server) vaultsForOutpoints(outpointStrs []string) ([]*vault.Vault, error) {
	if len(outpointStrs) == 0 {
		return s.store.ListVaults(nil, nil)
	}
	outpoints := make([]vault.Outpoint, len(outpointStrs))
	for i, o := range outpointStrs {
		op, err := vault.ParseOutpoint(o)
		if err != nil {
			return nil, err
		}
		outpoints[i] = op
	}
	return s.store.ListVaults(nil, outpoints)
}

func (s *Server) handleGetSpendTx(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleManager); err != nil {
		return nil, err
	}
	var p GetSpendTxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Outpoints) == 0 {
		return nil, fmt.Errorf("%w: no unvault outpoints given", vault.ErrUnknownOutpoint)
	}

	var inputs []txbuilder.SpendInput
	var unvaultTxids []chainhash.Hash
	for _, o := range p.Outpoints {
		op, err := vault.ParseOutpoint(o)
		if err != nil {
			return nil, err
		}
		v, err := s.store.VaultByUnvaultTxid(op.Txid)
		if err != nil {
			return nil, err
		}
		if v.Status != vault.StatusActive {
			return nil, fmt.Errorf("%w: vault %s is %s, expected active", vault.ErrInvalidStatus, v.DepositOutpoint, v.Status)
		}
		amount, err := s.coord.UnvaultOutputValue(v.ID)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, txbuilder.SpendInput{
			Outpoint:        op,
			Amount:          uint64(amount),
			DerivationIndex: v.DerivationIndex,
		})
		unvaultTxids = append(unvaultTxids, op.Txid)
	}

	net := s.coord.Descriptors().Net
	outputs := make([]txbuilder.SpendOutput, 0, len(p.Destinations))
	for addrStr, value := range p.Destinations {
		addr, err := btcutil.DecodeAddress(addrStr, net)
		if err != nil {
			return nil, fmt.Errorf("invalid destination address %q: %w", addrStr, err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid destination address %q: %w", addrStr, err)
		}
		outputs = append(outputs, txbuilder.SpendOutput{PkScript: pkScript, Value: value})
	}

	pkt, err := txbuilder.BuildSpend(s.coord.Descriptors(), inputs, outputs, p.FeerateVB)
	if err != nil {
		return nil, err
	}
	b64, err := pkt.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding spend psbt: %w", err)
	}
	txid := pkt.UnsignedTx.TxHash()

	if err := s.store.SpendInsert(&vault.SpendDraft{
		Txid:         txid,
		PSBT:         []byte(b64),
		UnvaultTxids: unvaultTxids,
		State:        vault.SpendStateDraft,
	}); err != nil {
		return nil, err
	}

	return GetSpendTxResult{SpendTx: b64}, nil
}

func (s *Server) handleUpdateSpendTx(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleManager); err != nil {
		return nil, err
	}
	var p UpdateSpendTxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pkt, err := decodePSBTB64([]byte(p.SpendTx))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding spend psbt: %v", vault.ErrInvalidPSBT, err)
	}
	txid := pkt.UnsignedTx.TxHash()

	existing, err := s.store.SpendGet(txid)
	if err != nil {
		return nil, err
	}
	merged, err := coordinator.MergeSpendSignatures(existing.PSBT, []byte(p.SpendTx))
	if err != nil {
		return nil, err
	}
	if err := s.coord.VerifySpendSignatures(merged, false); err != nil {
		return nil, err
	}
	if err := s.store.SpendUpdate(txid, merged); err != nil {
		return nil, err
	}
	return StatusResult{Status: string(existing.State)}, nil
}

func (s *Server) handleDelSpendTx(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleManager); err != nil {
		return nil, err
	}
	var p DelSpendTxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	h, err := chainhash.NewHashFromStr(p.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", p.Txid, err)
	}
	if err := s.store.SpendDelete(*h); err != nil {
		return nil, err
	}
	return StatusResult{Status: "deleted"}, nil
}

func (s *Server) handleListSpendTxs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleManager); err != nil {
		return nil, err
	}
	var p ListSpendTxsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	all, err := s.store.SpendList()
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(p.Txids))
	for _, t := range p.Txids {
		wanted[t] = true
	}

	out := make([]SpendTxInfo, 0, len(all))
	for _, d := range all {
		if len(wanted) > 0 && !wanted[d.Txid.String()] {
			continue
		}
		unvaultTxids := make([]string, len(d.UnvaultTxids))
		for i, u := range d.UnvaultTxids {
			unvaultTxids[i] = u.String()
		}
		out = append(out, SpendTxInfo{
			Txid:         d.Txid.String(),
			PSBT:         string(d.PSBT),
			State:        string(d.State),
			UnvaultTxids: unvaultTxids,
		})
	}
	return ListSpendTxsResult{SpendTxs: out}, nil
}

// handleSetSpendTx is the terminal step of the Spend lifecycle: it demands
// a full manager quorum on every input, merges in the configured cosigning
// server's anti-replay signature, marks the draft Broadcastable, and
// broadcasts each consumed vault's Unvault transaction so its CSV can begin
// maturing - the Spend itself is left to the poller's tick, which retries
// tryBroadcastSpends once every input's timelock has passed.
func (s *Server) handleSetSpendTx(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireRole(vault.RoleManager); err != nil {
		return nil, err
	}
	var p SetSpendTxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	h, err := chainhash.NewHashFromStr(p.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", p.Txid, err)
	}
	draft, err := s.store.SpendGet(*h)
	if err != nil {
		return nil, err
	}

	if err := s.coord.VerifySpendSignatures(draft.PSBT, true); err != nil {
		return nil, err
	}
	cosigned, err := s.cosigner.Sign(ctx, draft.PSBT)
	if err != nil {
		return nil, fmt.Errorf("cosigning spend: %w", err)
	}
	merged, err := coordinator.MergeSpendSignatures(draft.PSBT, cosigned)
	if err != nil {
		return nil, err
	}
	if err := s.store.SpendUpdate(*h, merged); err != nil {
		return nil, err
	}
	if err := s.store.MarkBroadcastableSpend(*h); err != nil {
		return nil, err
	}

	for _, unvaultTxid := range draft.UnvaultTxids {
		v, err := s.store.VaultByUnvaultTxid(unvaultTxid)
		if err != nil {
			return nil, err
		}
		pt, err := s.store.PresignedGet(v.ID, vault.KindUnvault)
		if err != nil {
			return nil, err
		}
		raw, err := txbuilder.FinalizeRawTx(pt.PSBT)
		if err != nil {
			return nil, fmt.Errorf("finalizing unvault tx for vault %s: %w", v.DepositOutpoint, err)
		}
		if err := s.node.Broadcast(ctx, raw); err != nil {
			return nil, fmt.Errorf("broadcasting unvault tx for vault %s: %w", v.DepositOutpoint, err)
		}
		if err := s.store.ActivateUnvault(v.ID); err != nil {
			s.log.Warn("activating unvault after broadcast", "vault", v.DepositOutpoint, "error", err)
		}
	}

	s.broadcaster.ShareSignature(ctx, 0, "", merged)
	s.wsHub.Broadcast(EventSpendBroadcast, SpendTxInfo{Txid: p.Txid, State: string(vault.SpendBroadcastable)})
	return StatusResult{Status: string(vault.SpendBroadcastable)}, nil
}

// handleRevault implements the any-role-initiated Cancel race: it moves
// the vault to Canceling from whichever of Unvaulting, Unvaulted or
// Spending it currently holds, then broadcasts the Cancel transaction.
// Like every other outpoint-keyed command, the caller's outpoint is the
// vault's deposit outpoint, not its Unvault outpoint.
func (s *Server) handleRevault(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OutpointParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	depositOutpoint, err := vault.ParseOutpoint(p.Outpoint)
	if err != nil {
		return nil, err
	}

	deposit, err := s.store.VaultByDeposit(depositOutpoint)
	if err != nil {
		return nil, err
	}
	if deposit.UnvaultTxid == nil {
		return nil, vault.ErrInvalidStatus
	}

	v, err := s.store.RequestCancel(*deposit.UnvaultTxid)
	if err != nil {
		return nil, err
	}

	pt, err := s.store.PresignedGet(v.ID, vault.KindCancel)
	if err != nil {
		return nil, err
	}
	raw, err := txbuilder.FinalizeRawTx(pt.PSBT)
	if err != nil {
		return nil, fmt.Errorf("finalizing cancel tx: %w", err)
	}
	if err := s.node.Broadcast(ctx, raw); err != nil {
		return nil, fmt.Errorf("broadcasting cancel tx: %w", err)
	}

	s.wsHub.Broadcast(EventVaultStatusChanged, VaultInfo{Outpoint: v.DepositOutpoint.String(), Status: string(v.Status)})
	return StatusResult{Status: string(v.Status)}, nil
}
