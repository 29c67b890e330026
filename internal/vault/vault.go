// Package vault defines the core domain types of the custody daemon: the
// vault status lattice, presigned-transaction kinds, spend-draft broadcast
// states, and the sentinel errors shared by the store, poller and
// coordinator.
package vault

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Status is a vault's position in the lifecycle lattice.
type Status string

const (
	StatusUnconfirmed              Status = "unconfirmed"
	StatusFunded                   Status = "funded"
	StatusSecuring                 Status = "securing"
	StatusSecured                  Status = "secured"
	StatusActivating               Status = "activating"
	StatusActive                   Status = "active"
	StatusUnvaulting               Status = "unvaulting"
	StatusUnvaulted                Status = "unvaulted"
	StatusSpending                 Status = "spending"
	StatusSpent                    Status = "spent"
	StatusCanceling                Status = "canceling"
	StatusCanceled                 Status = "canceled"
	StatusEmergencyVaulting        Status = "emergency_vaulting"
	StatusEmergencyVaulted         Status = "emergency_vaulted"
	StatusUnvaultEmergencyVaulting Status = "unvault_emergency_vaulting"
	StatusUnvaultEmergencyVaulted  Status = "unvault_emergency_vaulted"
)

// InDepositsCache reports whether a vault in this status belongs in the
// deposits UTXO cache.
func (s Status) InDepositsCache() bool {
	switch s {
	case StatusUnconfirmed, StatusFunded, StatusSecuring, StatusSecured, StatusActivating, StatusActive:
		return true
	default:
		return false
	}
}

// InUnvaultsCache reports whether a vault in this status belongs in the
// unvaults UTXO cache.
func (s Status) InUnvaultsCache() bool {
	switch s {
	case StatusUnvaulting, StatusUnvaulted, StatusCanceling, StatusSpending:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts toward getinfo's vault total:
// everything except Spent/Canceled/Unvaulted/EmergencyVaulted.
func (s Status) Active() bool {
	switch s {
	case StatusSpent, StatusCanceled, StatusUnvaulted, StatusEmergencyVaulted:
		return false
	default:
		return true
	}
}

// Role is one of the two parties co-controlling the custody.
type Role string

const (
	RoleStakeholder Role = "stakeholder"
	RoleManager     Role = "manager"
)

// PresignedKind is one of the four presigned transactions owned by a vault.
type PresignedKind string

const (
	KindUnvault          PresignedKind = "unvault"
	KindCancel           PresignedKind = "cancel"
	KindEmergency        PresignedKind = "emergency"
	KindUnvaultEmergency PresignedKind = "unvault_emergency"
)

// SpendState models a Spend draft's broadcast lifecycle as an explicit
// machine rather than a single boolean, per the redesign note in spec §9.3.
type SpendState string

const (
	SpendStateDraft      SpendState = "draft"
	SpendBroadcastable   SpendState = "broadcastable"
	SpendBroadcasted     SpendState = "broadcasted"
	SpendRebroadcastable SpendState = "rebroadcastable"
	SpendConfirmed       SpendState = "confirmed"
)

// Outpoint is a Bitcoin transaction output reference.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid.String(), o.Vout)
}

// ParseOutpoint parses the "txid:vout" wire format used by the RPC layer.
func ParseOutpoint(s string) (Outpoint, error) {
	txidStr, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	h, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint txid %q: %w", txidStr, err)
	}
	return Outpoint{Txid: *h, Vout: uint32(vout)}, nil
}

// Vault is the central entity: one deposit UTXO and its authorized
// spending chain.
type Vault struct {
	ID              int64
	DepositOutpoint Outpoint
	Amount          uint64
	DerivationIndex uint32
	Status          Status
	Blockheight     *uint32
	ReceivedAt      time.Time
	UpdatedAt       time.Time
	SpendTxid       *chainhash.Hash
	UnvaultTxid     *chainhash.Hash
}

// PresignedTransaction is one of {Unvault, Cancel, Emergency,
// UnvaultEmergency}, stored as a PSBT with accumulated partial signatures.
type PresignedTransaction struct {
	VaultID int64
	Kind    PresignedKind
	PSBT    []byte
}

// SpendDraft is a manager-authored candidate Spend PSBT.
type SpendDraft struct {
	Txid        chainhash.Hash
	PSBT        []byte
	UnvaultTxids []chainhash.Hash
	State       SpendState
}

// ChainTip is the single-row (height, blockhash) record.
type ChainTip struct {
	Height uint32
	Hash   chainhash.Hash
}

// Wallet is the watchonly wallet's birth record.
type Wallet struct {
	ID             string
	BirthTimestamp time.Time
}

// Sentinel errors. RPC handlers classify these: caller errors
// surface as JSON-RPC -32602, everything else as an internal error.
var (
	ErrUnknownOutpoint  = errors.New("unknown outpoint")
	ErrInvalidStatus    = errors.New("invalid status for this operation")
	ErrWrongRole        = errors.New("wrong role for this command")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPSBT      = errors.New("psbt does not match stored unsigned transaction")
	ErrDescriptorFailed = errors.New("descriptor derivation failed")
	ErrInsufficientFee  = errors.New("feerate below policy minimum")
	ErrDustChange       = errors.New("change output below dust limit")
)
