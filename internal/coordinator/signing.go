// Signature acceptance and threshold-triggered status promotion, built on
// the same partial-signature-accumulation pattern used for multi-party
// swap signing, generalized from MuSig2 nonce/partial-sig counting to PSBT
// ECDSA-partial-signature counting.
package coordinator

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
)

// requiredSigners returns the pubkeys that must co-sign a presigned
// transaction of this kind, given the keys derived at a vault's index.
// Cancel and UnvaultEmergency spend the Unvault output's stakeholder
// branch; Emergency and Unvault spend the deposit's all-signers script.
func (c *Coordinator) requiredSigners(kind vault.PresignedKind, dk *txbuilder.DerivedKeys) [][]byte {
	switch kind {
	case vault.KindCancel, vault.KindUnvaultEmergency:
		return dk.Stakeholders
	default: // Emergency, Unvault
		return append(append([][]byte{}, dk.Stakeholders...), dk.Managers...)
	}
}

// witnessScriptFor returns the witness script a presigned transaction's
// single input spends, used both to compute the signature hash for
// cryptographic verification and to size the signer quorum.
func (c *Coordinator) witnessScriptFor(kind vault.PresignedKind, dk *txbuilder.DerivedKeys) ([]byte, error) {
	switch kind {
	case vault.KindCancel, vault.KindUnvaultEmergency:
		ws, _, err := txbuilder.UnvaultScript(dk, c.descriptors.UnvaultCSV)
		return ws, err
	default: // Emergency, Unvault
		ws, _, err := txbuilder.DepositScript(dk)
		return ws, err
	}
}

// VerifyAndMergeSignatures validates that candidate's unsigned wtxid
// matches the stored skeleton, that the caller's own pubkey (ownPubkey)
// appears among its partial signatures with a sighash flag, and that
// every partial signature in it verifies cryptographically against the
// vault's derived signer set. On success it returns the merged PSBT bytes
// ready for store.PresignedUpdate.
func (c *Coordinator) VerifyAndMergeSignatures(v *vault.Vault, kind vault.PresignedKind, candidateRaw []byte, prevOutValue int64, ownPubkey []byte) ([]byte, error) {
	stored, err := c.store.PresignedGet(v.ID, kind)
	if err != nil {
		return nil, err
	}
	storedPacket, err := decodePSBT(stored.PSBT)
	if err != nil {
		return nil, fmt.Errorf("decoding stored %s psbt: %w", kind, err)
	}
	candidate, err := decodePSBT(candidateRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding candidate %s psbt: %v", vault.ErrInvalidPSBT, kind, err)
	}
	if !txbuilder.WtxidMatches(storedPacket, candidate) {
		return nil, fmt.Errorf("%w: %s", vault.ErrInvalidPSBT, kind)
	}
	if len(candidate.Inputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no inputs", vault.ErrInvalidPSBT, kind)
	}

	dk, err := c.descriptors.DeriveKeys(v.DerivationIndex)
	if err != nil {
		return nil, err
	}
	witnessScript, err := c.witnessScriptFor(kind, dk)
	if err != nil {
		return nil, err
	}
	signers := c.requiredSigners(kind, dk)

	sighash, err := computeSighash(candidate, 0, witnessScript, prevOutValue)
	if err != nil {
		return nil, fmt.Errorf("computing sighash for %s: %w", kind, err)
	}

	haveOwn := false
	for _, sig := range candidate.Inputs[0].PartialSigs {
		if err := verifyPartialSig(sig, signers, sighash); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", vault.ErrInvalidSignature, kind, err)
		}
		if ownPubkey != nil && pubkeyMatches(sig.PubKey, ownPubkey) {
			haveOwn = true
		}
	}
	if ownPubkey != nil && !haveOwn {
		return nil, fmt.Errorf("%w: %s missing our own signature", vault.ErrInvalidSignature, kind)
	}

	merged := mergePartialSigs(storedPacket, candidate)
	mergedB64, err := merged.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding merged %s psbt: %w", kind, err)
	}
	return []byte(mergedB64), nil
}

// AcceptPresignedSignature verifies and merges a co-signer's contribution
// to a presigned transaction, persists the merge, and promotes the vault's
// status once enough of its presigned transactions reach their signature
// quorum. It returns the vault's status after the call.
func (c *Coordinator) AcceptPresignedSignature(v *vault.Vault, kind vault.PresignedKind, candidateRaw []byte, prevOutValue int64, ownPubkey []byte) (vault.Status, error) {
	merged, err := c.VerifyAndMergeSignatures(v, kind, candidateRaw, prevOutValue, ownPubkey)
	if err != nil {
		return "", err
	}

	dk, err := c.descriptors.DeriveKeys(v.DerivationIndex)
	if err != nil {
		return "", err
	}

	var next vault.Status
	err = c.store.PresignedUpdate(v.ID, kind, merged, func(current vault.Status, all []*vault.PresignedTransaction) (vault.Status, error) {
		promoted, err := c.promotedStatus(kind, current, all, dk)
		if err != nil {
			return "", err
		}
		next = promoted
		return promoted, nil
	})
	if err != nil {
		return "", err
	}
	if next == "" {
		return v.Status, nil
	}
	return next, nil
}

// promotedStatus decides the vault's next status given that kind's stored
// PSBT was just merged, by checking every presigned transaction the vault
// actually holds (all, read inside the same transaction as the merge)
// against its own signer quorum.
//
// Funded -> Securing happens the moment any revocation transaction
// (Cancel, Emergency, UnvaultEmergency) gets its first signature.
// Securing -> Secured happens once every revocation transaction the vault
// holds is fully signed. Secured -> Active happens once the Unvault
// transaction is fully signed; Activating is reserved for the explicit
// unvault-broadcast request handled by the RPC dispatcher, not for
// signature accumulation.
func (c *Coordinator) promotedStatus(kind vault.PresignedKind, current vault.Status, all []*vault.PresignedTransaction, dk *txbuilder.DerivedKeys) (vault.Status, error) {
	switch kind {
	case vault.KindUnvault:
		if current != vault.StatusSecured {
			return "", nil
		}
		complete, err := c.isComplete(all, vault.KindUnvault, dk)
		if err != nil {
			return "", err
		}
		if complete {
			return vault.StatusActive, nil
		}
		return "", nil

	case vault.KindCancel, vault.KindEmergency, vault.KindUnvaultEmergency:
		switch current {
		case vault.StatusFunded:
			return vault.StatusSecuring, nil
		case vault.StatusSecuring:
			allComplete := true
			for _, pt := range all {
				if pt.Kind == vault.KindUnvault {
					continue
				}
				complete, err := c.isComplete(all, pt.Kind, dk)
				if err != nil {
					return "", err
				}
				if !complete {
					allComplete = false
					break
				}
			}
			if allComplete {
				return vault.StatusSecured, nil
			}
			return "", nil
		default:
			return "", nil
		}

	default:
		return "", nil
	}
}

func (c *Coordinator) isComplete(all []*vault.PresignedTransaction, kind vault.PresignedKind, dk *txbuilder.DerivedKeys) (bool, error) {
	for _, pt := range all {
		if pt.Kind != kind {
			continue
		}
		p, err := decodePSBT(pt.PSBT)
		if err != nil {
			return false, fmt.Errorf("decoding %s for quorum check: %w", kind, err)
		}
		if len(p.Inputs) == 0 {
			return false, nil
		}
		return len(p.Inputs[0].PartialSigs) >= len(c.requiredSigners(kind, dk)), nil
	}
	return false, nil
}

func mergePartialSigs(stored, candidate *psbt.Packet) *psbt.Packet {
	have := make(map[string]bool, len(stored.Inputs[0].PartialSigs))
	for _, s := range stored.Inputs[0].PartialSigs {
		have[string(s.PubKey)] = true
	}
	for _, s := range candidate.Inputs[0].PartialSigs {
		if !have[string(s.PubKey)] {
			stored.Inputs[0].PartialSigs = append(stored.Inputs[0].PartialSigs, s)
			have[string(s.PubKey)] = true
		}
	}
	return stored
}

func pubkeyMatches(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func verifyPartialSig(sig psbt.PartialSig, signers [][]byte, sighash []byte) error {
	known := false
	for _, s := range signers {
		if pubkeyMatches(sig.PubKey, s) {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("signature from unrecognized pubkey")
	}

	// The last byte of a DER-encoded partial sig is the sighash flag;
	// strip it before parsing the ECDSA signature itself.
	if len(sig.Signature) < 2 {
		return fmt.Errorf("malformed signature")
	}
	derSig := sig.Signature[:len(sig.Signature)-1]

	pub, err := btcec.ParsePubKey(sig.PubKey)
	if err != nil {
		return fmt.Errorf("parsing pubkey: %w", err)
	}
	parsedSig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	if !parsedSig.Verify(sighash, pub) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// computeSighash computes the BIP-143 witness-program signature hash for
// inputIndex of p's unsigned transaction, spending a P2WSH output with
// the given witness script and value.
func computeSighash(p *psbt.Packet, inputIndex int, witnessScript []byte, prevOutValue int64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(
		mustScriptPubKey(witnessScript), prevOutValue,
	)
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)
	return txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, p.UnsignedTx, inputIndex, prevOutValue)
}

func mustScriptPubKey(witnessScript []byte) []byte {
	h := chainhash.HashH(witnessScript)
	spk, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
	return spk
}
