package poller

import (
	"time"

	"github.com/revault-labs/vaultd/internal/vault"
)

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

func walletRecord(name string, birth time.Time) vault.Wallet {
	return vault.Wallet{ID: name, BirthTimestamp: birth}
}
