package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/store"
	"github.com/revault-labs/vaultd/internal/txbuilder"
	"github.com/revault-labs/vaultd/internal/vault"
	"github.com/revault-labs/vaultd/pkg/logging"
)

// fakeNode satisfies bitcoind.Client by embedding a nil interface and
// overriding only what handleRevault touches (Broadcast); any other method
// call would panic on the nil embedded interface, which is fine since this
// handler never reaches them in these tests - the unsigned Cancel PSBT
// fails finalization before Broadcast is ever called.
type fakeNode struct {
	bitcoind.Client
}

func (f *fakeNode) Broadcast(ctx context.Context, rawTx []byte) error { return nil }

func testRevaultStore(t *testing.T) *store.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "vaultd-rpc-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.New(&store.Config{DataDir: tmpDir}, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testDescriptorSet(t *testing.T) *txbuilder.DescriptorSet {
	t.Helper()
	neuter := func(seed byte) *hdkeychain.ExtendedKey {
		seedBytes := make([]byte, 32)
		seedBytes[0] = seed
		master, err := hdkeychain.NewMaster(seedBytes, &chaincfg.RegressionNetParams)
		if err != nil {
			t.Fatalf("hdkeychain.NewMaster: %v", err)
		}
		pub, err := master.Neuter()
		if err != nil {
			t.Fatalf("Neuter: %v", err)
		}
		return pub
	}
	return &txbuilder.DescriptorSet{
		Net:              &chaincfg.RegressionNetParams,
		StakeholderXpubs: []*hdkeychain.ExtendedKey{neuter(1), neuter(2)},
		ManagerXpubs:     []*hdkeychain.ExtendedKey{neuter(3), neuter(4)},
		UnvaultCSV:       144,
	}
}

// newRevaultFixture creates a vault sitting in Unvaulted (the status
// revault must be able to act on), with its Cancel PSBT persisted.
func newRevaultFixture(t *testing.T) (*Server, vault.Outpoint) {
	t.Helper()
	st := testRevaultStore(t)
	d := testDescriptorSet(t)

	depositOutpoint := vault.Outpoint{Txid: chainhash.HashH([]byte("revault-deposit")), Vout: 0}
	v, err := st.UpsertUnconfirmed(depositOutpoint, 1_000_000, 0, time.Now())
	if err != nil {
		t.Fatalf("UpsertUnconfirmed: %v", err)
	}

	chain, err := txbuilder.BuildPresignedChain(d, depositOutpoint, 1_000_000, 0, vault.RoleManager)
	if err != nil {
		t.Fatalf("BuildPresignedChain: %v", err)
	}
	unvaultTxid := chain.Unvault.UnsignedTx.TxHash()
	cancelRaw, err := chain.Cancel.B64Encode()
	if err != nil {
		t.Fatalf("Cancel.B64Encode: %v", err)
	}

	if err := st.ConfirmDeposit(v.ID, 100, unvaultTxid, []*vault.PresignedTransaction{
		{VaultID: v.ID, Kind: vault.KindCancel, PSBT: []byte(cancelRaw)},
	}); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if err := st.SetStatus(v.ID, vault.StatusUnvaulted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	s := &Server{
		store:    st,
		node:     &fakeNode{},
		log:      logging.Default().Component("rpc"),
		wsHub:    NewWSHub(nil),
		handlers: map[string]Handler{},
	}
	return s, depositOutpoint
}

func TestHandleRevaultResolvesByDepositOutpoint(t *testing.T) {
	s, depositOutpoint := newRevaultFixture(t)
	params, _ := json.Marshal(OutpointParams{Outpoint: depositOutpoint.String()})

	_, err := s.handleRevault(context.Background(), params)

	// The Cancel PSBT stored here carries no signatures, so finalization
	// is expected to fail - but it must fail *there*, not at role-gating
	// or vault lookup, proving the handler resolved the deposit outpoint
	// to its vault and reached the broadcast path.
	if err == nil {
		t.Fatal("expected finalization to fail on an unsigned cancel psbt")
	}
	if errors.Is(err, vault.ErrUnknownOutpoint) {
		t.Errorf("revault failed to resolve a valid deposit outpoint: %v", err)
	}
	if errors.Is(err, vault.ErrWrongRole) {
		t.Errorf("revault must not role-gate (spec §4.H lists \"any\"): %v", err)
	}
}

func TestHandleRevaultRejectsUnvaultOutpoint(t *testing.T) {
	s, depositOutpoint := newRevaultFixture(t)
	v, err := s.store.VaultByDeposit(depositOutpoint)
	if err != nil {
		t.Fatalf("VaultByDeposit: %v", err)
	}

	// Passing the vault's Unvault outpoint (the pre-fix, incorrect
	// convention) must not resolve to any vault.
	wrongOutpoint := vault.Outpoint{Txid: *v.UnvaultTxid, Vout: 0}
	params, _ := json.Marshal(OutpointParams{Outpoint: wrongOutpoint.String()})

	_, err = s.handleRevault(context.Background(), params)
	if !errors.Is(err, vault.ErrUnknownOutpoint) {
		t.Errorf("handleRevault(unvault outpoint) error = %v, want ErrUnknownOutpoint", err)
	}
}
