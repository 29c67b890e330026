// Spend-draft signature verification and merging. Unlike a single-vault
// presigned transaction, a Spend PSBT can carry one input per consumed
// Unvault output, each potentially derived at a different index, so the
// per-kind helpers in signing.go are generalized here to walk every input
// of the candidate transaction independently.
package coordinator

import (
	"fmt"

	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
)

// UnvaultOutputValue returns the amount of vaultID's Unvault output, read
// from its own stored unsigned PSBT rather than recomputed from the
// deposit amount and the builder's fee constant, so it can never drift
// from what was actually derived at confirmation time.
func (c *Coordinator) UnvaultOutputValue(vaultID int64) (int64, error) {
	pt, err := c.store.PresignedGet(vaultID, vault.KindUnvault)
	if err != nil {
		return 0, err
	}
	pkt, err := decodePSBT(pt.PSBT)
	if err != nil {
		return 0, fmt.Errorf("decoding unvault psbt: %w", err)
	}
	if len(pkt.UnsignedTx.TxOut) == 0 {
		return 0, fmt.Errorf("unvault psbt for vault %d has no outputs", vaultID)
	}
	return pkt.UnsignedTx.TxOut[0].Value, nil
}

// VerifySpendSignatures checks that every partial signature present on a
// candidate Spend PSBT is cryptographically valid, looking up each
// input's owning vault by its previous outpoint's txid since a Spend can
// batch inputs from vaults at different derivation indices. When
// requireComplete is set it additionally demands a full manager quorum
// on every input - setspendtx's gate before broadcasting, as opposed to
// updatespendtx's incremental accumulation which tolerates partial sets.
func (c *Coordinator) VerifySpendSignatures(candidateRaw []byte, requireComplete bool) error {
	candidate, err := decodePSBT(candidateRaw)
	if err != nil {
		return fmt.Errorf("%w: decoding spend psbt: %v", vault.ErrInvalidPSBT, err)
	}
	for i, txIn := range candidate.UnsignedTx.TxIn {
		v, err := c.store.VaultByUnvaultTxid(txIn.PreviousOutPoint.Hash)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		dk, err := c.descriptors.DeriveKeys(v.DerivationIndex)
		if err != nil {
			return err
		}
		witnessScript, _, err := txbuilder.UnvaultScript(dk, c.descriptors.UnvaultCSV)
		if err != nil {
			return err
		}
		prevOutValue, err := c.UnvaultOutputValue(v.ID)
		if err != nil {
			return err
		}
		sighash, err := computeSighash(candidate, i, witnessScript, prevOutValue)
		if err != nil {
			return fmt.Errorf("computing sighash for input %d: %w", i, err)
		}

		sigs := candidate.Inputs[i].PartialSigs
		for _, sig := range sigs {
			if err := verifyPartialSig(sig, dk.Managers, sighash); err != nil {
				return fmt.Errorf("%w: input %d: %v", vault.ErrInvalidSignature, i, err)
			}
		}
		if requireComplete && len(sigs) < len(dk.Managers) {
			return fmt.Errorf("%w: input %d missing manager signatures (have %d, need %d)",
				vault.ErrInvalidSignature, i, len(sigs), len(dk.Managers))
		}
	}
	return nil
}

// MergeSpendSignatures folds incoming's partial signatures (per input)
// into base, after checking both share the same unsigned transaction. It
// is the multi-input analogue of mergePartialSigs, used to apply a
// cosigning server's anti-replay signature on top of the managers'.
func MergeSpendSignatures(baseRaw, incomingRaw []byte) ([]byte, error) {
	base, err := decodePSBT(baseRaw)
	if err != nil {
		return nil, fmt.Errorf("decoding base spend psbt: %w", err)
	}
	incoming, err := decodePSBT(incomingRaw)
	if err != nil {
		return nil, fmt.Errorf("decoding incoming spend psbt: %w", err)
	}
	if !txbuilder.WtxidMatches(base, incoming) {
		return nil, fmt.Errorf("%w: cosigned spend wtxid mismatch", vault.ErrInvalidPSBT)
	}
	for i := range base.Inputs {
		if i >= len(incoming.Inputs) {
			continue
		}
		have := make(map[string]bool, len(base.Inputs[i].PartialSigs))
		for _, s := range base.Inputs[i].PartialSigs {
			have[string(s.PubKey)] = true
		}
		for _, s := range incoming.Inputs[i].PartialSigs {
			if !have[string(s.PubKey)] {
				base.Inputs[i].PartialSigs = append(base.Inputs[i].PartialSigs, s)
				have[string(s.PubKey)] = true
			}
		}
	}
	merged, err := base.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding merged spend psbt: %w", err)
	}
	return []byte(merged), nil
}
