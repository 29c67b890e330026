// Package cache holds the two in-memory UTXO mirrors the chain poller
// diffs the node against: deposits and unvaults. It is the
// single source of truth for "what we expect to see on-chain"; mutation
// is single-writer (the poller) and must happen in lockstep with the
// corresponding store transition.
package cache

import (
	"sync"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/vault"
)

// Entry is one UTXO cache entry: the txout value and whether the poller
// currently considers it confirmed.
type Entry struct {
	Amount     uint64
	IsConfirmed bool
}

// Cache is a single named UTXO cache (deposits or unvaults). All methods
// are safe for concurrent use: the poller is the sole writer, RPC handler
// threads only read.
type Cache struct {
	mu      sync.RWMutex
	entries map[vault.Outpoint]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[vault.Outpoint]Entry)}
}

// Snapshot returns a shallow copy of the cache for handing to the node
// client's diff operations.
func (c *Cache) Snapshot() map[vault.Outpoint]bitcoind.Utxo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[vault.Outpoint]bitcoind.Utxo, len(c.entries))
	for op, e := range c.entries {
		snap[op] = bitcoind.Utxo{Outpoint: op, Amount: e.Amount, Confirmations: confirmationsFor(e.IsConfirmed)}
	}
	return snap
}

func confirmationsFor(confirmed bool) int64 {
	if confirmed {
		return 1
	}
	return 0
}

// Insert adds or replaces an entry.
func (c *Cache) Insert(op vault.Outpoint, amount uint64, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[op] = Entry{Amount: amount, IsConfirmed: confirmed}
}

// SetConfirmed flips the confirmation flag of an existing entry. It is a
// no-op if the entry is absent (the caller raced a removal).
func (c *Cache) SetConfirmed(op vault.Outpoint, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[op]; ok {
		e.IsConfirmed = confirmed
		c.entries[op] = e
	}
}

// Remove deletes an entry.
func (c *Cache) Remove(op vault.Outpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, op)
}

// Get returns an entry and whether it was present.
func (c *Cache) Get(op vault.Outpoint) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[op]
	return e, ok
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
