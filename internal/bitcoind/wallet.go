package bitcoind

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ListWallets calls listwallets.
func (c *RPCClient) ListWallets(ctx context.Context) ([]string, error) {
	raw, err := c.call(ctx, "listwallets")
	if err != nil {
		return nil, err
	}
	var wallets []string
	if err := json.Unmarshal(raw, &wallets); err != nil {
		return nil, fmt.Errorf("parsing listwallets: %w", err)
	}
	return wallets, nil
}

// LoadWallet calls loadwallet. Bitcoin Core errors if the wallet is
// already loaded; callers should check ListWallets first.
func (c *RPCClient) LoadWallet(ctx context.Context, name string) error {
	_, err := c.call(ctx, "loadwallet", name)
	return err
}

// UnloadWallet calls unloadwallet.
func (c *RPCClient) UnloadWallet(ctx context.Context, name string) error {
	_, err := c.call(ctx, "unloadwallet", name)
	return err
}

// CreateWallet calls createwallet with a watchonly, disable-private-keys
// configuration, matching the daemon's role as a PSBT coordinator rather
// than a key custodian (spec Non-goals: wallet key custody).
func (c *RPCClient) CreateWallet(ctx context.Context, name string, birthTimestamp time.Time) error {
	_, err := c.call(ctx, "createwallet", name, true /* disable_private_keys */, true /* blank */, "", false, true /* descriptors */)
	return err
}

// ImportDescriptors calls importdescriptors with the given output
// descriptors, timestamped at the wallet's recorded birth (or "now" for a
// freshly-created wallet step 2). Each import carries a label so
// sync_deposits/sync_unvaults can later tell deposit and unvault addresses
// apart within the single watchonly wallet.
func (c *RPCClient) ImportDescriptors(ctx context.Context, descriptors []DescriptorImport, timestamp time.Time) error {
	type importRequest struct {
		Desc      string `json:"desc"`
		Timestamp int64  `json:"timestamp"`
		Active    bool   `json:"active"`
		Internal  bool   `json:"internal"`
		Label     string `json:"label"`
	}
	reqs := make([]importRequest, len(descriptors))
	for i, d := range descriptors {
		reqs[i] = importRequest{Desc: d.Descriptor, Timestamp: timestamp.Unix(), Active: false, Internal: false, Label: d.Label}
	}
	_, err := c.call(ctx, "importdescriptors", reqs)
	return err
}
