package cache

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/revault-labs/vaultd/internal/vault"
)

func testOutpoint(t *testing.T, vout uint32) vault.Outpoint {
	t.Helper()
	h, err := chainhash.NewHashFromStr(strings.Repeat("11", 32))
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}
	return vault.Outpoint{Txid: *h, Vout: vout}
}

func TestCacheInsertGetRemove(t *testing.T) {
	c := New()
	op := testOutpoint(t, 0)

	if _, ok := c.Get(op); ok {
		t.Fatal("expected empty cache to have no entry")
	}

	c.Insert(op, 100000, false)
	entry, ok := c.Get(op)
	if !ok {
		t.Fatal("expected entry after insert")
	}
	if entry.Amount != 100000 || entry.IsConfirmed {
		t.Errorf("got %+v, want amount=100000 confirmed=false", entry)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	c.Remove(op)
	if _, ok := c.Get(op); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCacheSetConfirmed(t *testing.T) {
	c := New()
	op := testOutpoint(t, 1)
	c.Insert(op, 50000, false)

	c.SetConfirmed(op, true)
	entry, ok := c.Get(op)
	if !ok || !entry.IsConfirmed {
		t.Fatalf("expected entry to be confirmed, got %+v ok=%v", entry, ok)
	}
}

// SetConfirmed on a missing entry must be a no-op, not a panic or an
// implicit insert: the poller may race a removal against a confirmation.
func TestCacheSetConfirmedOnMissingEntryIsNoop(t *testing.T) {
	c := New()
	op := testOutpoint(t, 2)

	c.SetConfirmed(op, true)

	if _, ok := c.Get(op); ok {
		t.Fatal("SetConfirmed on a missing entry must not create one")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCacheSnapshotReflectsConfirmation(t *testing.T) {
	c := New()
	confirmedOp := testOutpoint(t, 3)
	unconfirmedOp := testOutpoint(t, 4)
	c.Insert(confirmedOp, 1000, true)
	c.Insert(unconfirmedOp, 2000, false)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[confirmedOp].Confirmations == 0 {
		t.Errorf("confirmed entry should have Confirmations > 0: %+v", snap[confirmedOp])
	}
	if snap[unconfirmedOp].Confirmations != 0 {
		t.Errorf("unconfirmed entry should have Confirmations == 0: %+v", snap[unconfirmedOp])
	}

	// Mutating the returned snapshot must not affect the cache.
	delete(snap, confirmedOp)
	if c.Len() != 2 {
		t.Errorf("mutating snapshot leaked into cache, Len() = %d", c.Len())
	}
}

func TestCacheInsertOverwrites(t *testing.T) {
	c := New()
	op := testOutpoint(t, 5)
	c.Insert(op, 100, false)
	c.Insert(op, 200, true)

	entry, ok := c.Get(op)
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Amount != 200 || !entry.IsConfirmed {
		t.Errorf("got %+v, want amount=200 confirmed=true", entry)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (overwrite, not append)", c.Len())
	}
}
