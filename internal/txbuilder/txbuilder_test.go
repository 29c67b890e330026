package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/revault-labs/vaultd/internal/vault"
)

// testDescriptors builds a deterministic 2-of-2 stakeholder / 2-of-2 manager
// DescriptorSet from fixed seeds, with no CPFP or emergency address
// configured (callers that need those set them explicitly).
func testDescriptors(t *testing.T) *DescriptorSet {
	t.Helper()
	neuter := func(seed byte) *hdkeychain.ExtendedKey {
		seedBytes := make([]byte, 32)
		seedBytes[0] = seed
		master, err := hdkeychain.NewMaster(seedBytes, &chaincfg.RegressionNetParams)
		if err != nil {
			t.Fatalf("hdkeychain.NewMaster() error = %v", err)
		}
		pub, err := master.Neuter()
		if err != nil {
			t.Fatalf("Neuter() error = %v", err)
		}
		return pub
	}

	return &DescriptorSet{
		Net:              &chaincfg.RegressionNetParams,
		StakeholderXpubs: []*hdkeychain.ExtendedKey{neuter(1), neuter(2)},
		ManagerXpubs:     []*hdkeychain.ExtendedKey{neuter(3), neuter(4)},
		UnvaultCSV:       144,
	}
}

func TestDeriveKeysIsDeterministic(t *testing.T) {
	d := testDescriptors(t)

	dk1, err := d.DeriveKeys(7)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	dk2, err := d.DeriveKeys(7)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	if len(dk1.Stakeholders) != 2 || len(dk1.Managers) != 2 {
		t.Fatalf("DeriveKeys() key counts = %d/%d, want 2/2", len(dk1.Stakeholders), len(dk1.Managers))
	}
	for i := range dk1.Stakeholders {
		if string(dk1.Stakeholders[i]) != string(dk2.Stakeholders[i]) {
			t.Errorf("DeriveKeys(7) is not deterministic for stakeholder %d", i)
		}
	}

	dk3, err := d.DeriveKeys(8)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	if string(dk3.Stakeholders[0]) == string(dk1.Stakeholders[0]) {
		t.Error("DeriveKeys() produced the same key at different indices")
	}
}

func TestDeriveKeysRejectsHardenedIndex(t *testing.T) {
	d := testDescriptors(t)
	if _, err := d.DeriveKeys(hdkeychain.HardenedKeyStart); err == nil {
		t.Error("DeriveKeys() with a hardened index should fail")
	}
}

func TestDepositAndUnvaultScriptsAreDistinctP2WSH(t *testing.T) {
	d := testDescriptors(t)
	dk, err := d.DeriveKeys(0)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}

	depositScript, depositSPK, err := DepositScript(dk)
	if err != nil {
		t.Fatalf("DepositScript() error = %v", err)
	}
	unvaultScript, unvaultSPK, err := UnvaultScript(dk, d.UnvaultCSV)
	if err != nil {
		t.Fatalf("UnvaultScript() error = %v", err)
	}

	if string(depositScript) == string(unvaultScript) {
		t.Error("deposit and unvault witness scripts must differ (4-of-4 vs branching CSV script)")
	}
	if len(depositSPK) != 34 || depositSPK[0] != 0x00 || depositSPK[1] != 0x20 {
		t.Errorf("deposit scriptPubKey = %x, want a P2WSH push (0x00 0x20 <32-byte hash>)", depositSPK)
	}
	if len(unvaultSPK) != 34 {
		t.Errorf("unvault scriptPubKey length = %d, want 34", len(unvaultSPK))
	}

	addr, err := DepositAddress(dk, d.Net)
	if err != nil {
		t.Fatalf("DepositAddress() error = %v", err)
	}
	if addr.EncodeAddress() == "" {
		t.Error("DepositAddress() returned an empty address")
	}
}

func TestBuildPresignedChainManagerOmitsEmergency(t *testing.T) {
	d := testDescriptors(t)
	op := vault.Outpoint{Vout: 0}

	chain, err := BuildPresignedChain(d, op, 1_000_000, 0, vault.RoleManager)
	if err != nil {
		t.Fatalf("BuildPresignedChain() error = %v", err)
	}
	if chain.Unvault == nil || chain.Cancel == nil {
		t.Fatal("BuildPresignedChain() must always produce Unvault and Cancel")
	}
	if chain.Emergency != nil || chain.UnvaultEmergency != nil {
		t.Error("BuildPresignedChain() for a manager should omit Emergency/UnvaultEmergency")
	}
}

func TestBuildPresignedChainStakeholderRequiresEmergencyAddress(t *testing.T) {
	d := testDescriptors(t)
	op := vault.Outpoint{Vout: 0}

	if _, err := BuildPresignedChain(d, op, 1_000_000, 0, vault.RoleStakeholder); err == nil {
		t.Error("BuildPresignedChain() for a stakeholder without an emergency address should fail")
	}
}

func TestBuildPresignedChainRejectsDustDeposit(t *testing.T) {
	d := testDescriptors(t)
	op := vault.Outpoint{Vout: 0}

	if _, err := BuildPresignedChain(d, op, 1_000, 0, vault.RoleManager); err == nil {
		t.Error("BuildPresignedChain() on a too-small deposit should fail the dust check")
	}
}

func TestWtxidMatches(t *testing.T) {
	d := testDescriptors(t)
	op := vault.Outpoint{Vout: 0}
	chain, err := BuildPresignedChain(d, op, 1_000_000, 0, vault.RoleManager)
	if err != nil {
		t.Fatalf("BuildPresignedChain() error = %v", err)
	}

	if !WtxidMatches(chain.Unvault, chain.Unvault) {
		t.Error("WtxidMatches() of a packet against itself should be true")
	}
	if WtxidMatches(chain.Unvault, chain.Cancel) {
		t.Error("WtxidMatches() of two different transactions should be false")
	}
}

func TestFinalizeRawTxRejectsIncompletePSBT(t *testing.T) {
	d := testDescriptors(t)
	op := vault.Outpoint{Vout: 0}
	chain, err := BuildPresignedChain(d, op, 1_000_000, 0, vault.RoleManager)
	if err != nil {
		t.Fatalf("BuildPresignedChain() error = %v", err)
	}
	raw, err := chain.Unvault.B64Encode()
	if err != nil {
		t.Fatalf("B64Encode() error = %v", err)
	}
	if _, err := FinalizeRawTx([]byte(raw)); err == nil {
		t.Error("FinalizeRawTx() on an unsigned skeleton should fail")
	}
}

func TestDustAndCPFPOverheadConstants(t *testing.T) {
	if got := DustOverheadForChange(); got != DustLimit+cpfpOverheadSats {
		t.Errorf("DustOverheadForChange() = %d, want %d", got, DustLimit+cpfpOverheadSats)
	}
	if got := CPFPOverhead(); got != cpfpOverheadSats {
		t.Errorf("CPFPOverhead() = %d, want %d", got, cpfpOverheadSats)
	}
}
