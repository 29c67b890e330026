package rpc

import (
	"context"

	"github.com/revault-labs/vaultd/internal/vault"
)

// PeerBroadcaster announces a freshly accepted partial signature to the
// other stakeholders or managers co-signing this vault. The signature-
// fetching coordinator that actually talks to peers is an external
// collaborator; this interface is the seam the dispatcher calls through.
type PeerBroadcaster interface {
	ShareSignature(ctx context.Context, vaultID int64, kind vault.PresignedKind, mergedPSBT []byte) error
}

// CosigningClient requests a manager-role anti-replay cosigning server's
// signature over a finalized Spend candidate. It is the external
// collaborator setspendtx calls before broadcasting the Spend's Unvault
// inputs; like PeerBroadcaster, the server itself is out of scope.
type CosigningClient interface {
	Sign(ctx context.Context, spendPSBT []byte) ([]byte, error)
}

// noopBroadcaster is the default PeerBroadcaster for a daemon configured
// without stakeholder peers to share signatures with (e.g. a
// single-stakeholder test setup).
type noopBroadcaster struct{}

func (noopBroadcaster) ShareSignature(context.Context, int64, vault.PresignedKind, []byte) error {
	return nil
}

// noopCosigner is the default CosigningClient for a daemon configured
// without any cosigning servers; it passes the Spend through unmodified,
// so setspendtx still works against a bare-bones manager quorum during
// development and testing.
type noopCosigner struct{}

func (noopCosigner) Sign(_ context.Context, spendPSBT []byte) ([]byte, error) {
	return spendPSBT, nil
}
