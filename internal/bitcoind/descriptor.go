package bitcoind

import (
	"context"
	"encoding/json"
	"fmt"
)

type descriptorInfoResult struct {
	Descriptor string `json:"descriptor"`
}

// AddrDescriptor wraps a single address as a checksummed "addr(...)#xxxxxxxx"
// output descriptor via the wallet-scoped getdescriptorinfo call, per spec
// §6.2. Bitcoin Core's importdescriptors requires a valid checksum; this is
// the only RPC that can compute one without reimplementing the descriptor
// checksum algorithm client-side.
func (c *RPCClient) AddrDescriptor(ctx context.Context, address string) (string, error) {
	raw, err := c.call(ctx, "getdescriptorinfo", fmt.Sprintf("addr(%s)", address))
	if err != nil {
		return "", err
	}
	var r descriptorInfoResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("parsing getdescriptorinfo: %w", err)
	}
	return r.Descriptor, nil
}
