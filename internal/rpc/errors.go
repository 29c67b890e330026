package rpc

import (
	"errors"

	"github.com/revault-labs/vaultd/internal/vault"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// classify maps a handler error to a JSON-RPC error code: every caller
// error spec.md §7 lists (wrong role, wrong status, bad PSBT wtxid,
// invalid signature, unknown outpoint) surfaces as InvalidParams so the
// caller can tell "you did something wrong" from "we broke"; anything
// else surfaces as InternalError.
func classify(err error) int {
	switch {
	case errors.Is(err, vault.ErrUnknownOutpoint),
		errors.Is(err, vault.ErrInvalidStatus),
		errors.Is(err, vault.ErrWrongRole),
		errors.Is(err, vault.ErrInvalidSignature),
		errors.Is(err, vault.ErrInvalidPSBT),
		errors.Is(err, vault.ErrInsufficientFee),
		errors.Is(err, vault.ErrDustChange):
		return InvalidParams
	default:
		return InternalError
	}
}
