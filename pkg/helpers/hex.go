// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a plain (no 0x prefix) hex string, the
// encoding Bitcoin Core's RPC surface uses for txids and raw transactions.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
