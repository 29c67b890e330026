package coordinator

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
)

func TestPubkeyMatches(t *testing.T) {
	a := []byte{0x02, 0x01, 0x02, 0x03}
	b := []byte{0x02, 0x01, 0x02, 0x03}
	c := []byte{0x02, 0x01, 0x02, 0x04}

	if !pubkeyMatches(a, b) {
		t.Error("expected identical byte slices to match")
	}
	if pubkeyMatches(a, c) {
		t.Error("expected differing byte slices to not match")
	}
	if pubkeyMatches(a, a[:3]) {
		t.Error("expected differing lengths to not match")
	}
}

func TestRequiredSigners(t *testing.T) {
	c := &Coordinator{}
	dk := &txbuilder.DerivedKeys{
		Stakeholders: [][]byte{{0x01}, {0x02}},
		Managers:     [][]byte{{0x03}, {0x04}},
	}

	for _, kind := range []vault.PresignedKind{vault.KindCancel, vault.KindUnvaultEmergency} {
		got := c.requiredSigners(kind, dk)
		if len(got) != len(dk.Stakeholders) {
			t.Errorf("%s: requiredSigners = %v, want just stakeholders", kind, got)
		}
	}

	for _, kind := range []vault.PresignedKind{vault.KindEmergency, vault.KindUnvault} {
		got := c.requiredSigners(kind, dk)
		if len(got) != len(dk.Stakeholders)+len(dk.Managers) {
			t.Errorf("%s: requiredSigners = %v, want stakeholders+managers", kind, got)
		}
	}
}

func TestVerifyPartialSigRejectsUnknownPubkey(t *testing.T) {
	sig := psbt.PartialSig{PubKey: []byte{0x02, 0xaa}, Signature: []byte{0x30, 0x01}}
	err := verifyPartialSig(sig, [][]byte{{0x02, 0xbb}}, []byte("sighash"))
	if err == nil {
		t.Fatal("expected error for pubkey not among signers")
	}
}

func TestVerifyPartialSigRejectsMalformedSignature(t *testing.T) {
	sig := psbt.PartialSig{PubKey: []byte{0x02, 0xaa}, Signature: []byte{0x01}}
	err := verifyPartialSig(sig, [][]byte{{0x02, 0xaa}}, []byte("sighash"))
	if err == nil {
		t.Fatal("expected error for too-short signature")
	}
}
