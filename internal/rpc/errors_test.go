package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/revault-labs/vaultd/internal/vault"
)

func TestClassifyCallerErrors(t *testing.T) {
	callerErrs := []error{
		vault.ErrUnknownOutpoint,
		vault.ErrInvalidStatus,
		vault.ErrWrongRole,
		vault.ErrInvalidSignature,
		vault.ErrInvalidPSBT,
		vault.ErrInsufficientFee,
		vault.ErrDustChange,
	}
	for _, err := range callerErrs {
		if got := classify(err); got != InvalidParams {
			t.Errorf("classify(%v) = %d, want InvalidParams", err, got)
		}
		// Wrapped errors must still classify correctly.
		wrapped := fmt.Errorf("handling request: %w", err)
		if got := classify(wrapped); got != InvalidParams {
			t.Errorf("classify(wrapped %v) = %d, want InvalidParams", err, got)
		}
	}
}

func TestClassifyInternalErrors(t *testing.T) {
	tests := []error{
		errors.New("database connection lost"),
		vault.ErrDescriptorFailed,
		fmt.Errorf("node rpc timeout"),
	}
	for _, err := range tests {
		if got := classify(err); got != InternalError {
			t.Errorf("classify(%v) = %d, want InternalError", err, got)
		}
	}
}
