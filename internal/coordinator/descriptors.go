package coordinator

import (
	"context"
	"fmt"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/txbuilder"
)

// descriptorStringsFor derives the deposit and unvault addresses at index
// and wraps each as a checksummed, labeled addr() descriptor via the node,
// for import into the watchonly wallet.
func (c *Coordinator) descriptorStringsFor(ctx context.Context, index uint32) ([]bitcoind.DescriptorImport, error) {
	dk, err := c.descriptors.DeriveKeys(index)
	if err != nil {
		return nil, err
	}

	depositAddr, err := txbuilder.DepositAddress(dk, c.descriptors.Net)
	if err != nil {
		return nil, err
	}
	unvaultAddr, err := txbuilder.UnvaultAddress(dk, c.descriptors.UnvaultCSV, c.descriptors.Net)
	if err != nil {
		return nil, err
	}

	depositDesc, err := c.node.AddrDescriptor(ctx, depositAddr.EncodeAddress())
	if err != nil {
		return nil, fmt.Errorf("wrapping deposit address %s: %w", depositAddr, err)
	}
	unvaultDesc, err := c.node.AddrDescriptor(ctx, unvaultAddr.EncodeAddress())
	if err != nil {
		return nil, fmt.Errorf("wrapping unvault address %s: %w", unvaultAddr, err)
	}

	return []bitcoind.DescriptorImport{
		{Descriptor: depositDesc, Label: bitcoind.LabelDeposit},
		{Descriptor: unvaultDesc, Label: bitcoind.LabelUnvault},
	}, nil
}
