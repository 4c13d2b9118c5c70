// Package domain holds the engine's pure types: contracts, milestones,
// disputes, arbitrators, gigs and the token ledger entries that move value
// between them. Nothing here touches storage.
package domain

import (
	"strings"
	"time"
)

// TxType is the kind of a token movement.
type TxType string

const (
	TxLock    TxType = "LOCK"    // client -> escrow
	TxRelease TxType = "RELEASE" // escrow -> freelancer
	TxRefund  TxType = "REFUND"  // escrow -> client
	TxEarn    TxType = "EARN"    // treasury -> account
	TxDebit   TxType = "DEBIT"   // account -> outside the platform
)

// TxStatus is the settlement status of a ledger row.
type TxStatus string

const (
	TxPending TxStatus = "PENDING"
	TxSuccess TxStatus = "SUCCESS"
	TxFailed  TxStatus = "FAILED"
)

// TokenTransaction is one leg of a transfer. Legs sharing a TransferID net to
// zero, except DEBIT legs which leave the platform.
type TokenTransaction struct {
	ID             string    `json:"id"`
	TransferID     string    `json:"transfer_id"`
	Account        string    `json:"account"`
	Amount         int64     `json:"amount"`
	Type           TxType    `json:"type"`
	Status         TxStatus  `json:"status"`
	Ref            string    `json:"ref,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Memo           string    `json:"memo,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SettledAt      time.Time `json:"settled_at,omitempty"`
}

// Balance is the ledger-derived balance of one account.
// Available subtracts withdrawals that are reserved but not yet settled.
type Balance struct {
	Account   string `json:"account"`
	Confirmed int64  `json:"confirmed"`
	Available int64  `json:"available"`
}

// Wallet is the consolidated read view of an account's value on the platform.
type Wallet struct {
	Account   string `json:"account"`
	Available int64  `json:"available"`
	Pending   int64  `json:"pending_withdrawals"`
	Locked    int64  `json:"locked_in_escrow"`
	Released  int64  `json:"released_to_me"`
	Earned    int64  `json:"earned"`
}

// TreasuryAccount is the default platform account that mints EARN credits.
const TreasuryAccount = "system:treasury"

const escrowPrefix = "escrow:"

// EscrowAccount names the ledger account holding a contract's locked funds.
func EscrowAccount(contractID string) string { return escrowPrefix + contractID }

// IsEscrowAccount reports whether account is a contract escrow account.
func IsEscrowAccount(account string) bool { return strings.HasPrefix(account, escrowPrefix) }
