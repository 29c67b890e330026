// Package txbuilder derives deposit/unvault scripts and builds the
// presigned transaction chain from already-parsed BIP32 extended keys and
// a derivation index. It is pure: the same inputs always
// produce byte-identical unsigned transactions. Full miniscript descriptor
// *parsing* is left to btcutil/psbt and the node's own wallet; this
// package consumes already-parsed extended keys and hands back
// wire.MsgTx skeletons wrapped as PSBTs.
package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/revault-labs/vaultd/internal/vault"
)

// DustLimit is the minimum non-dust output value this daemon will create,
// resolved from original_source/ per SPEC_FULL.md §4 (revaultd's segwit
// v0 DUST_LIMIT for the multisig descriptor's witness size).
const DustLimit = 500

// cpfpOverheadSats is the fixed CPFP-anchor-output reservation added to a
// Spend's fee budget, per SPEC_FULL.md §4.
const cpfpOverheadSats = 230

// ErrDescriptorFailed wraps any error encountered while deriving keys or
// scripts; it is never expected under the invariants in spec §3.2.
var ErrDescriptorFailed = vault.ErrDescriptorFailed

// DescriptorSet holds the parsed extended public keys the daemon derives
// per-vault scripts from. Quorums are n-of-n, matching revault-style
// custody: every stakeholder must co-sign revocations, every manager must
// co-sign spends.
type DescriptorSet struct {
	Net               *chaincfg.Params
	StakeholderXpubs  []*hdkeychain.ExtendedKey
	ManagerXpubs      []*hdkeychain.ExtendedKey
	CPFPXpub          *hdkeychain.ExtendedKey
	EmergencyAddress  btcutil.Address
	UnvaultCSV        uint32
}

// DerivedKeys is the per-index set of child public keys used to build one
// vault's scripts.
type DerivedKeys struct {
	Stakeholders [][]byte
	Managers     [][]byte
	CPFP         []byte
}

// DeriveKeys derives the unhardened child public keys for a derivation
// index from each configured extended key.
func (d *DescriptorSet) DeriveKeys(index uint32) (*DerivedKeys, error) {
	dk := &DerivedKeys{}
	for _, xpub := range d.StakeholderXpubs {
		pub, err := deriveChildPubkey(xpub, index)
		if err != nil {
			return nil, fmt.Errorf("%w: stakeholder key at index %d: %v", ErrDescriptorFailed, index, err)
		}
		dk.Stakeholders = append(dk.Stakeholders, pub)
	}
	for _, xpub := range d.ManagerXpubs {
		pub, err := deriveChildPubkey(xpub, index)
		if err != nil {
			return nil, fmt.Errorf("%w: manager key at index %d: %v", ErrDescriptorFailed, index, err)
		}
		dk.Managers = append(dk.Managers, pub)
	}
	if d.CPFPXpub != nil {
		pub, err := deriveChildPubkey(d.CPFPXpub, index)
		if err != nil {
			return nil, fmt.Errorf("%w: cpfp key at index %d: %v", ErrDescriptorFailed, index, err)
		}
		dk.CPFP = pub
	}
	return dk, nil
}

func deriveChildPubkey(xpub *hdkeychain.ExtendedKey, index uint32) ([]byte, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, errors.New("derivation index must be unhardened")
	}
	child, err := xpub.Derive(index)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

// DepositScript returns the N-of-N (all stakeholders + all managers)
// witness script for the deposit address at a derivation index, and its
// P2WSH scriptPubKey.
func DepositScript(dk *DerivedKeys) (witnessScript, scriptPubKey []byte, err error) {
	all := append(append([][]byte{}, dk.Stakeholders...), dk.Managers...)
	witnessScript, err = multisigScript(all)
	if err != nil {
		return nil, nil, err
	}
	scriptPubKey, err = p2wshScriptPubKey(witnessScript)
	return witnessScript, scriptPubKey, err
}

// UnvaultScript returns the witness script for the Unvault output:
// spendable immediately by all stakeholders (the Cancel/Emergency path),
// or by all managers after the configured CSV relative timelock (the
// Spend path).
func UnvaultScript(dk *DerivedKeys, csv uint32) (witnessScript, scriptPubKey []byte, err error) {
	stakeholderScript, err := multisigScript(dk.Stakeholders)
	if err != nil {
		return nil, nil, err
	}
	managerScript, err := multisigScript(dk.Managers)
	if err != nil {
		return nil, nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOps(managerScript)
	builder.AddInt64(int64(csv))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOps(stakeholderScript)
	builder.AddOp(txscript.OP_ENDIF)
	witnessScript, err = builder.Script()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDescriptorFailed, err)
	}
	scriptPubKey, err = p2wshScriptPubKey(witnessScript)
	return witnessScript, scriptPubKey, err
}

func multisigScript(pubkeys [][]byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(len(pubkeys)))
	for _, pk := range pubkeys {
		if _, err := btcec.ParsePubKey(pk); err != nil {
			return nil, fmt.Errorf("%w: invalid pubkey: %v", ErrDescriptorFailed, err)
		}
		builder.AddData(pk)
	}
	builder.AddInt64(int64(len(pubkeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

func p2wshScriptPubKey(witnessScript []byte) ([]byte, error) {
	h := chainhash.HashH(witnessScript)
	return txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
}

// DepositAddress derives the P2WSH address the deposit watches at index,
// for node-wallet descriptor import.
func DepositAddress(dk *DerivedKeys, net *chaincfg.Params) (btcutil.Address, error) {
	witnessScript, _, err := DepositScript(dk)
	if err != nil {
		return nil, err
	}
	return p2wshAddress(witnessScript, net)
}

// UnvaultAddress derives the P2WSH address the unvault watches at index.
func UnvaultAddress(dk *DerivedKeys, csv uint32, net *chaincfg.Params) (btcutil.Address, error) {
	witnessScript, _, err := UnvaultScript(dk, csv)
	if err != nil {
		return nil, err
	}
	return p2wshAddress(witnessScript, net)
}

func p2wshAddress(witnessScript []byte, net *chaincfg.Params) (btcutil.Address, error) {
	h := chainhash.HashH(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(h[:], net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorFailed, err)
	}
	return addr, nil
}

// PresignedChain is the deterministic {Unvault, Cancel, [Emergency,
// UnvaultEmergency]} set derived at deposit confirmation.
type PresignedChain struct {
	Unvault          *psbt.Packet
	Cancel           *psbt.Packet
	Emergency        *psbt.Packet
	UnvaultEmergency *psbt.Packet
}

// BuildPresignedChain derives the canonical presigned transaction chain
// for a confirmed deposit. role determines whether the Emergency and
// UnvaultEmergency PSBTs are built (stakeholder-only).
func BuildPresignedChain(d *DescriptorSet, depositOutpoint vault.Outpoint, amount uint64, index uint32, role vault.Role) (*PresignedChain, error) {
	dk, err := d.DeriveKeys(index)
	if err != nil {
		return nil, err
	}
	nextDk, err := d.DeriveKeys(index + 1)
	if err != nil {
		return nil, err
	}

	_, unvaultSPK, err := UnvaultScript(dk, d.UnvaultCSV)
	if err != nil {
		return nil, err
	}
	_, nextDepositSPK, err := DepositScript(nextDk)
	if err != nil {
		return nil, err
	}

	const unvaultTxFee = 1_500 // sats reserved for the unvault tx's own fee
	if amount <= unvaultTxFee+DustLimit {
		return nil, fmt.Errorf("%w: deposit amount too small to unvault", ErrDescriptorFailed)
	}
	unvaultAmount := amount - unvaultTxFee
	if unvaultAmount <= DustLimit {
		return nil, fmt.Errorf("%w: deposit amount too small to unvault", ErrDescriptorFailed)
	}

	unvaultPSBT, err := buildSkeleton([]wire.OutPoint{outpointToWire(depositOutpoint)}, []*wire.TxOut{
		{Value: int64(unvaultAmount), PkScript: unvaultSPK},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("building unvault skeleton: %w", err)
	}
	unvaultOutpoint := vault.Outpoint{Txid: unsignedTxid(unvaultPSBT), Vout: 0}

	const cancelTxFee = 1_200
	cancelAmount := unvaultAmount - cancelTxFee
	cancelPSBT, err := buildSkeleton([]wire.OutPoint{outpointToWire(unvaultOutpoint)}, []*wire.TxOut{
		{Value: int64(cancelAmount), PkScript: nextDepositSPK},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("building cancel skeleton: %w", err)
	}

	chain := &PresignedChain{Unvault: unvaultPSBT, Cancel: cancelPSBT}

	if role == vault.RoleStakeholder {
		if d.EmergencyAddress == nil {
			return nil, fmt.Errorf("%w: emergency address not configured for stakeholder role", ErrDescriptorFailed)
		}
		emergencySPK, err := txscript.PayToAddrScript(d.EmergencyAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDescriptorFailed, err)
		}

		const emergencyTxFee = 1_200
		emergencyAmount := amount - emergencyTxFee
		emergencyPSBT, err := buildSkeleton([]wire.OutPoint{outpointToWire(depositOutpoint)}, []*wire.TxOut{
			{Value: int64(emergencyAmount), PkScript: emergencySPK},
		}, 0)
		if err != nil {
			return nil, fmt.Errorf("building emergency skeleton: %w", err)
		}

		const unvaultEmergencyTxFee = 1_200
		unvaultEmergencyAmount := unvaultAmount - unvaultEmergencyTxFee
		unvaultEmergencyPSBT, err := buildSkeleton([]wire.OutPoint{outpointToWire(unvaultOutpoint)}, []*wire.TxOut{
			{Value: int64(unvaultEmergencyAmount), PkScript: emergencySPK},
		}, 0)
		if err != nil {
			return nil, fmt.Errorf("building unvault_emergency skeleton: %w", err)
		}

		chain.Emergency = emergencyPSBT
		chain.UnvaultEmergency = unvaultEmergencyPSBT
	}

	return chain, nil
}

func buildSkeleton(ins []wire.OutPoint, outs []*wire.TxOut, lockTime uint32) (*psbt.Packet, error) {
	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime
	for _, in := range ins {
		txIn := wire.NewTxIn(&in, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 1 // RBF-enabled, matches CSV-bearing spends
		tx.AddTxIn(txIn)
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return psbt.NewFromUnsignedTx(tx)
}

func outpointToWire(op vault.Outpoint) wire.OutPoint {
	return wire.OutPoint{Hash: op.Txid, Index: op.Vout}
}

func unsignedTxid(p *psbt.Packet) chainhash.Hash {
	return p.UnsignedTx.TxHash()
}

// WtxidMatches reports whether a candidate PSBT's unsigned transaction has
// the same wtxid as the stored skeleton, the check and §8
// property 6 require before accepting any revocationtxs/unvaulttx call.
func WtxidMatches(stored, candidate *psbt.Packet) bool {
	return stored.UnsignedTx.TxHash() == candidate.UnsignedTx.TxHash()
}

// FinalizeRawTx attempts to finalize every input of a stored PSBT and
// extract the resulting raw transaction, ready for broadcast. It returns
// an error if the PSBT isn't yet signature-complete (e.g. CSV-gated
// inputs awaiting a Spend's manager quorum) - this is the shared
// finalize-then-extract step both the poller's tip event and the RPC
// dispatcher's setspendtx/revault handlers need.
func FinalizeRawTx(rawPSBT []byte) ([]byte, error) {
	pkt, err := decodePSBT(rawPSBT)
	if err != nil {
		return nil, fmt.Errorf("decoding psbt: %w", err)
	}
	ok, err := psbt.MaybeFinalizeAll(pkt)
	if err != nil {
		return nil, fmt.Errorf("finalizing psbt: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("psbt is not yet complete")
	}
	tx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, fmt.Errorf("extracting finalized tx: %w", err)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serializing finalized tx: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePSBT(raw []byte) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(raw), true)
}

// DustOverheadForChange is the minimum a Spend's leftover value must
// exceed to be worth adding as a change output:
// the dust limit plus the CPFP overhead reservation.
func DustOverheadForChange() uint64 {
	return DustLimit + cpfpOverheadSats
}

// CPFPOverhead exposes the constant for callers building the Spend fee
// budget.
func CPFPOverhead() uint64 { return cpfpOverheadSats }
