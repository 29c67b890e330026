package coordinator

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
)

// serializeChain converts a derived presigned chain into the store's wire
// format: one PresignedTransaction row per kind that was built
// (Emergency/UnvaultEmergency are nil, hence absent, for a manager daemon).
func serializeChain(chain *txbuilder.PresignedChain) ([]*vault.PresignedTransaction, error) {
	var out []*vault.PresignedTransaction
	add := func(kind vault.PresignedKind, p *psbt.Packet) error {
		if p == nil {
			return nil
		}
		b, err := p.B64Encode()
		if err != nil {
			return fmt.Errorf("encoding %s psbt: %w", kind, err)
		}
		out = append(out, &vault.PresignedTransaction{Kind: kind, PSBT: []byte(b)})
		return nil
	}
	if err := add(vault.KindUnvault, chain.Unvault); err != nil {
		return nil, err
	}
	if err := add(vault.KindCancel, chain.Cancel); err != nil {
		return nil, err
	}
	if err := add(vault.KindEmergency, chain.Emergency); err != nil {
		return nil, err
	}
	if err := add(vault.KindUnvaultEmergency, chain.UnvaultEmergency); err != nil {
		return nil, err
	}
	return out, nil
}

// decodePSBT parses a stored or caller-submitted base64 PSBT.
func decodePSBT(raw []byte) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(raw), true)
}
