package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/revault-labs/vaultd/internal/vault"
)

// SpendInput is one Unvault UTXO being consumed by a Spend transaction.
type SpendInput struct {
	Outpoint        vault.Outpoint
	Amount          uint64
	DerivationIndex uint32
}

// SpendOutput is one manager-specified payout destination.
type SpendOutput struct {
	PkScript []byte
	Value    uint64
}

// estimatedVsize is a conservative virtual-size estimate for a P2WSH
// n-of-n unvault-script spend, used only to size the fee budget; it is
// not a consensus-critical value.
func estimatedVsize(nIns, nOuts int) int64 {
	const baseOverhead = 11
	const perInput = 108 // outpoint + sequence + amortized multisig witness
	const perOutput = 43
	return int64(baseOverhead + perInput*nIns + perOutput*nOuts)
}

// BuildSpend assembles a Spend transaction consuming one or more Unvault
// outputs getspendtx. It rejects sub-minimum feerates,
// rejects a requested feerate the assembled transaction can't actually
// reach within the 90% tolerance spec.md specifies, and appends a change
// output - spending back into a fresh deposit address derived at the
// *highest* derivation index among the consumed vaults, so the change
// address never leaks a lower, potentially-reused index.
func BuildSpend(d *DescriptorSet, inputs []SpendInput, outputs []SpendOutput, feerateVB uint32) (*psbt.Packet, error) {
	if feerateVB < 1 {
		return nil, fmt.Errorf("%w: feerate_vb must be >= 1", vault.ErrInsufficientFee)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", vault.ErrDescriptorFailed)
	}

	var totalIn uint64
	highestIndex := inputs[0].DerivationIndex
	wireIns := make([]wire.OutPoint, 0, len(inputs))
	for _, in := range inputs {
		totalIn += in.Amount
		if in.DerivationIndex > highestIndex {
			highestIndex = in.DerivationIndex
		}
		wireIns = append(wireIns, outpointToWire(in.Outpoint))
	}

	var totalOut uint64
	wireOuts := make([]*wire.TxOut, 0, len(outputs)+1)
	for _, out := range outputs {
		totalOut += out.Value
		wireOuts = append(wireOuts, &wire.TxOut{Value: int64(out.Value), PkScript: out.PkScript})
	}
	if totalOut >= totalIn {
		return nil, fmt.Errorf("%w: outputs exceed inputs", vault.ErrInsufficientFee)
	}

	available := totalIn - totalOut
	desiredFee := uint64(estimatedVsize(len(inputs), len(outputs)+1)) * uint64(feerateVB)

	changeDK, err := d.DeriveKeys(highestIndex)
	if err != nil {
		return nil, err
	}
	_, changeSPK, err := DepositScript(changeDK)
	if err != nil {
		return nil, err
	}

	if available > desiredFee && available-desiredFee > DustOverheadForChange() {
		changeValue := available - desiredFee - CPFPOverhead()
		wireOuts = append(wireOuts, &wire.TxOut{Value: int64(changeValue), PkScript: changeSPK})
	}

	actualFee := available
	for _, o := range wireOuts[len(outputs):] {
		actualFee -= uint64(o.Value)
	}
	vsize := uint64(estimatedVsize(len(inputs), len(wireOuts)))
	actualFeerate := actualFee / vsize
	if actualFeerate*10 < uint64(feerateVB)*9 {
		return nil, fmt.Errorf("%w: achievable feerate %d sat/vb below 90%% of requested %d", vault.ErrInsufficientFee, actualFeerate, feerateVB)
	}

	return buildSkeleton(wireIns, wireOuts, 0)
}
