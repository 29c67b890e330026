package store

import (
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "vaultd-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := New(&Config{DataDir: tmpDir}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func hashFrom(s string) chainhash.Hash {
	return chainhash.HashH([]byte(s))
}

func TestNewCreatesSchema(t *testing.T) {
	st := newTestStore(t)

	for _, table := range []string{"tip", "wallet", "derivation", "vaults", "presigned_transactions", "spends", "spend_inputs"} {
		var name string
		err := st.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	idx, err := st.NextUnusedIndex()
	if err != nil {
		t.Fatalf("NextUnusedIndex() error = %v", err)
	}
	if idx != 0 {
		t.Errorf("NextUnusedIndex() = %d, want 0 on a fresh store", idx)
	}
}

func TestUpsertUnconfirmedIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	op := vault.Outpoint{Txid: hashFrom("deposit-1"), Vout: 0}

	v1, err := st.UpsertUnconfirmed(op, 100_000, 0, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed() error = %v", err)
	}
	if v1.Status != vault.StatusUnconfirmed {
		t.Errorf("status = %s, want unconfirmed", v1.Status)
	}

	v2, err := st.UpsertUnconfirmed(op, 100_000, 0, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed() second call error = %v", err)
	}
	if v2.ID != v1.ID {
		t.Errorf("second UpsertUnconfirmed() returned a different row: %d != %d", v2.ID, v1.ID)
	}
}

func TestConfirmDepositAndVaultLifecycle(t *testing.T) {
	st := newTestStore(t)
	op := vault.Outpoint{Txid: hashFrom("deposit-2"), Vout: 1}
	v, err := st.UpsertUnconfirmed(op, 250_000, 3, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed() error = %v", err)
	}

	unvaultTxid := hashFrom("unvault-2")
	presigned := []*vault.PresignedTransaction{
		{VaultID: v.ID, Kind: vault.KindUnvault, PSBT: []byte("unvault-psbt")},
		{VaultID: v.ID, Kind: vault.KindCancel, PSBT: []byte("cancel-psbt")},
	}
	if err := st.ConfirmDeposit(v.ID, 600, unvaultTxid, presigned); err != nil {
		t.Fatalf("ConfirmDeposit() error = %v", err)
	}

	got, err := st.VaultByDeposit(op)
	if err != nil {
		t.Fatalf("VaultByDeposit() error = %v", err)
	}
	if got.Status != vault.StatusFunded {
		t.Fatalf("status after ConfirmDeposit = %s, want funded", got.Status)
	}
	if got.Blockheight == nil || *got.Blockheight != 600 {
		t.Errorf("blockheight = %v, want 600", got.Blockheight)
	}
	if got.UnvaultTxid == nil || *got.UnvaultTxid != unvaultTxid {
		t.Errorf("unvault txid mismatch")
	}

	// Confirming twice is a no-op status-wise and must fail the CAS.
	if err := st.ConfirmDeposit(v.ID, 601, unvaultTxid, nil); err == nil {
		t.Error("ConfirmDeposit() on an already-funded vault should fail")
	}

	pt, err := st.PresignedGet(v.ID, vault.KindCancel)
	if err != nil {
		t.Fatalf("PresignedGet() error = %v", err)
	}
	if string(pt.PSBT) != "cancel-psbt" {
		t.Errorf("cancel psbt = %q, want %q", pt.PSBT, "cancel-psbt")
	}

	all, err := st.PresignedList(v.ID)
	if err != nil {
		t.Fatalf("PresignedList() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("PresignedList() returned %d rows, want 2", len(all))
	}
}

func TestRequestCancelAcceptsBroadFromSet(t *testing.T) {
	st := newTestStore(t)
	op := vault.Outpoint{Txid: hashFrom("deposit-3"), Vout: 0}
	v, err := st.UpsertUnconfirmed(op, 100_000, 0, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed() error = %v", err)
	}
	unvaultTxid := hashFrom("unvault-3")
	if err := st.ConfirmDeposit(v.ID, 10, unvaultTxid, nil); err != nil {
		t.Fatalf("ConfirmDeposit() error = %v", err)
	}

	tests := []struct {
		name string
		from vault.Status
	}{
		{"unvaulting", vault.StatusUnvaulting},
		{"unvaulted", vault.StatusUnvaulted},
		{"spending", vault.StatusSpending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := st.SetStatus(v.ID, tt.from); err != nil {
				t.Fatalf("SetStatus(%s) error = %v", tt.from, err)
			}
			got, err := st.RequestCancel(unvaultTxid)
			if err != nil {
				t.Fatalf("RequestCancel() from %s error = %v", tt.from, err)
			}
			if got.Status != vault.StatusCanceling {
				t.Errorf("status after RequestCancel() from %s = %s, want canceling", tt.from, got.Status)
			}
		})
	}

	// From Funded, RequestCancel must fail: not in the broadened from-set.
	if err := st.SetStatus(v.ID, vault.StatusFunded); err != nil {
		t.Fatalf("SetStatus(funded) error = %v", err)
	}
	if _, err := st.RequestCancel(unvaultTxid); err == nil {
		t.Error("RequestCancel() from funded should fail")
	}
}

func TestListVaultsFilters(t *testing.T) {
	st := newTestStore(t)
	op1 := vault.Outpoint{Txid: hashFrom("deposit-4a"), Vout: 0}
	op2 := vault.Outpoint{Txid: hashFrom("deposit-4b"), Vout: 0}
	v1, err := st.UpsertUnconfirmed(op1, 1000, 0, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed() error = %v", err)
	}
	v2, err := st.UpsertUnconfirmed(op2, 2000, 1, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed() error = %v", err)
	}
	if err := st.ConfirmDeposit(v2.ID, 10, hashFrom("unvault-4b"), nil); err != nil {
		t.Fatalf("ConfirmDeposit() error = %v", err)
	}

	funded, err := st.ListVaults([]vault.Status{vault.StatusFunded}, nil)
	if err != nil {
		t.Fatalf("ListVaults(funded) error = %v", err)
	}
	if len(funded) != 1 || funded[0].ID != v2.ID {
		t.Errorf("ListVaults(funded) = %+v, want only v2", funded)
	}

	byOutpoint, err := st.ListVaults(nil, []vault.Outpoint{op1})
	if err != nil {
		t.Fatalf("ListVaults(outpoint) error = %v", err)
	}
	if len(byOutpoint) != 1 || byOutpoint[0].ID != v1.ID {
		t.Errorf("ListVaults(op1) = %+v, want only v1", byOutpoint)
	}

	all, err := st.ListVaults(nil, nil)
	if err != nil {
		t.Fatalf("ListVaults(nil,nil) error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListVaults(nil,nil) returned %d rows, want 2", len(all))
	}
}

func TestSpendDraftCRUD(t *testing.T) {
	st := newTestStore(t)
	unvaultTxid := hashFrom("unvault-5")
	spendTxid := hashFrom("spend-5")

	draft := &vault.SpendDraft{
		Txid:         spendTxid,
		PSBT:         []byte("draft-psbt"),
		UnvaultTxids: []chainhash.Hash{unvaultTxid},
		State:        vault.SpendStateDraft,
	}
	if err := st.SpendInsert(draft); err != nil {
		t.Fatalf("SpendInsert() error = %v", err)
	}

	got, err := st.SpendGet(spendTxid)
	if err != nil {
		t.Fatalf("SpendGet() error = %v", err)
	}
	if len(got.UnvaultTxids) != 1 || got.UnvaultTxids[0] != unvaultTxid {
		t.Errorf("SpendGet() inputs = %v, want [%v]", got.UnvaultTxids, unvaultTxid)
	}

	if err := st.SpendUpdate(spendTxid, []byte("merged-psbt")); err != nil {
		t.Fatalf("SpendUpdate() error = %v", err)
	}
	if err := st.MarkBroadcastableSpend(spendTxid); err != nil {
		t.Fatalf("MarkBroadcastableSpend() error = %v", err)
	}

	broadcastable, err := st.BroadcastableSpends()
	if err != nil {
		t.Fatalf("BroadcastableSpends() error = %v", err)
	}
	if len(broadcastable) != 1 || string(broadcastable[0].PSBT) != "merged-psbt" {
		t.Errorf("BroadcastableSpends() = %+v, want the updated draft", broadcastable)
	}

	if err := st.SpendDelete(spendTxid); err != nil {
		t.Fatalf("SpendDelete() error = %v", err)
	}
	if _, err := st.SpendGet(spendTxid); err != vault.ErrUnknownOutpoint {
		t.Errorf("SpendGet() after delete = %v, want ErrUnknownOutpoint", err)
	}
}

func TestTipAndDerivationIndex(t *testing.T) {
	st := newTestStore(t)

	tip, err := st.TipRead()
	if err != nil {
		t.Fatalf("TipRead() error = %v", err)
	}
	if tip != nil {
		t.Errorf("TipRead() on a fresh store = %+v, want nil", tip)
	}

	hash := hashFrom("block-1")
	if err := st.TipWrite(100, hash); err != nil {
		t.Fatalf("TipWrite() error = %v", err)
	}
	tip, err = st.TipRead()
	if err != nil {
		t.Fatalf("TipRead() error = %v", err)
	}
	if tip == nil || tip.Height != 100 || tip.Hash != hash {
		t.Errorf("TipRead() = %+v, want height 100 hash %s", tip, hash)
	}

	if err := st.AdvanceIndex(5); err != nil {
		t.Fatalf("AdvanceIndex() error = %v", err)
	}
	idx, err := st.NextUnusedIndex()
	if err != nil {
		t.Fatalf("NextUnusedIndex() error = %v", err)
	}
	if idx != 5 {
		t.Errorf("NextUnusedIndex() = %d, want 5", idx)
	}

	// A lower or equal advance must not regress the counter.
	if err := st.AdvanceIndex(3); err != nil {
		t.Fatalf("AdvanceIndex(3) error = %v", err)
	}
	idx, err = st.NextUnusedIndex()
	if err != nil {
		t.Fatalf("NextUnusedIndex() error = %v", err)
	}
	if idx != 5 {
		t.Errorf("NextUnusedIndex() after a lower AdvanceIndex = %d, want unchanged 5", idx)
	}
}
