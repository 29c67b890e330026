package txbuilder

import (
	"testing"

	"github.com/revault-labs/vaultd/internal/vault"
)

func testSpendInputs(t *testing.T) []SpendInput {
	t.Helper()
	return []SpendInput{
		{Outpoint: vault.Outpoint{Vout: 0}, Amount: 1_000_000, DerivationIndex: 3},
		{Outpoint: vault.Outpoint{Vout: 1}, Amount: 500_000, DerivationIndex: 5},
	}
}

func TestBuildSpendRejectsSubMinimumFeerate(t *testing.T) {
	d := testDescriptors(t)
	outs := []SpendOutput{{PkScript: []byte{0x00, 0x14}, Value: 100_000}}
	if _, err := BuildSpend(d, testSpendInputs(t), outs, 0); err == nil {
		t.Error("BuildSpend() with feerate_vb=0 should reject")
	}
}

func TestBuildSpendRejectsNoInputs(t *testing.T) {
	d := testDescriptors(t)
	outs := []SpendOutput{{PkScript: []byte{0x00, 0x14}, Value: 100_000}}
	if _, err := BuildSpend(d, nil, outs, 10); err == nil {
		t.Error("BuildSpend() with no inputs should reject")
	}
}

func TestBuildSpendRejectsOutputsExceedingInputs(t *testing.T) {
	d := testDescriptors(t)
	outs := []SpendOutput{{PkScript: []byte{0x00, 0x14}, Value: 2_000_000}}
	if _, err := BuildSpend(d, testSpendInputs(t), outs, 10); err == nil {
		t.Error("BuildSpend() with outputs >= inputs should reject")
	}
}

func TestBuildSpendUsesHighestDerivationIndexForChange(t *testing.T) {
	d := testDescriptors(t)
	inputs := testSpendInputs(t)
	outs := []SpendOutput{{PkScript: []byte{0x00, 0x14}, Value: 100_000}}

	packet, err := BuildSpend(d, inputs, outs, 10)
	if err != nil {
		t.Fatalf("BuildSpend() error = %v", err)
	}

	highestIndex := inputs[0].DerivationIndex
	for _, in := range inputs {
		if in.DerivationIndex > highestIndex {
			highestIndex = in.DerivationIndex
		}
	}
	changeDK, err := d.DeriveKeys(highestIndex)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	_, changeSPK, err := DepositScript(changeDK)
	if err != nil {
		t.Fatalf("DepositScript() error = %v", err)
	}

	if len(packet.UnsignedTx.TxOut) != len(outs)+1 {
		t.Fatalf("expected a change output to be appended, got %d outputs", len(packet.UnsignedTx.TxOut))
	}
	last := packet.UnsignedTx.TxOut[len(packet.UnsignedTx.TxOut)-1]
	if string(last.PkScript) != string(changeSPK) {
		t.Error("change output script does not derive from the highest input's own derivation index")
	}
}

func TestBuildSpendOmitsChangeBelowDust(t *testing.T) {
	d := testDescriptors(t)
	inputs := []SpendInput{
		// available (300) exceeds the estimated fee (205 at 1 sat/vb) but
		// the 95-sat remainder is below DustOverheadForChange (730), so no
		// change output should be appended.
		{Outpoint: vault.Outpoint{Vout: 0}, Amount: 100_300, DerivationIndex: 1},
	}
	outs := []SpendOutput{{PkScript: []byte{0x00, 0x14}, Value: 100_000}}

	packet, err := BuildSpend(d, inputs, outs, 1)
	if err != nil {
		t.Fatalf("BuildSpend() error = %v", err)
	}
	if len(packet.UnsignedTx.TxOut) != len(outs) {
		t.Errorf("expected no change output when remainder is below dust, got %d outputs", len(packet.UnsignedTx.TxOut))
	}
}

func TestBuildSpendRejectsUnreachableFeerate(t *testing.T) {
	d := testDescriptors(t)
	inputs := []SpendInput{
		{Outpoint: vault.Outpoint{Vout: 0}, Amount: 100_010, DerivationIndex: 1},
	}
	outs := []SpendOutput{{PkScript: []byte{0x00, 0x14}, Value: 100_000}}

	// Only 10 sats available for fees; any nontrivial requested feerate is
	// unreachable within the 90% tolerance.
	if _, err := BuildSpend(d, inputs, outs, 50); err == nil {
		t.Error("BuildSpend() should reject a feerate the tx can't actually reach")
	}
}
