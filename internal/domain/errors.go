package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how a caller should react to it.
type Kind string

const (
	// KindValidation marks malformed input. Nothing was mutated; retry after correcting.
	KindValidation Kind = "VALIDATION"
	// KindConflict marks a state conflict: someone else already acted.
	KindConflict Kind = "CONFLICT"
	// KindAuthorization marks a request by the wrong party. Never retried.
	KindAuthorization Kind = "AUTHORIZATION"
	// KindResource marks an unmet precondition such as an insufficient balance.
	KindResource Kind = "RESOURCE"
	// KindNotFound marks a missing entity.
	KindNotFound Kind = "NOT_FOUND"
	// KindInternal marks storage or programming failures.
	KindInternal Kind = "INTERNAL"
)

// Error is a structured domain error: a stable code, a kind and a reason.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error carrying the same code, so detailed copies made with
// Withf still satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e with the reason extended by a formatted detail.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message + ": " + fmt.Sprintf(format, args...),
	}
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Validation
	ErrInvalidInput        = newError(KindValidation, "INVALID_INPUT", "invalid input")
	ErrOutOfOrderMilestone = newError(KindValidation, "OUT_OF_ORDER_MILESTONE", "milestone index does not match the current milestone")
	ErrSlotNotAligned      = newError(KindValidation, "SLOT_NOT_ALIGNED", "gig start must be on an hour boundary")
	ErrPastSlot            = newError(KindValidation, "PAST_SLOT", "gig start must be in the future")

	// State conflicts
	ErrInvalidState         = newError(KindConflict, "INVALID_STATE", "operation not allowed in the current state")
	ErrInvalidContractState = newError(KindConflict, "INVALID_CONTRACT_STATE", "contract state does not allow a dispute")
	ErrContractDisputed     = newError(KindConflict, "CONTRACT_DISPUTED", "contract is frozen by an unresolved dispute")
	ErrAlreadyDisputed      = newError(KindConflict, "ALREADY_DISPUTED", "contract already has an unresolved dispute")
	ErrDisputeResolved      = newError(KindConflict, "DISPUTE_RESOLVED", "dispute is already resolved")
	ErrSlotTaken            = newError(KindConflict, "SLOT_TAKEN", "gig slot already booked")
	ErrConflict             = newError(KindConflict, "CONFLICT", "concurrent update detected")
	ErrAlreadyRegistered    = newError(KindConflict, "ALREADY_REGISTERED", "arbitrator already registered")

	// Authorization
	ErrNotParty              = newError(KindAuthorization, "NOT_PARTY", "account is not allowed to act on this contract")
	ErrNotAssignedArbitrator = newError(KindAuthorization, "NOT_ASSIGNED_ARBITRATOR", "only the assigned arbitrator may act on this dispute")

	// Resource
	ErrInsufficientFunds = newError(KindResource, "INSUFFICIENT_FUNDS", "insufficient token balance")
	ErrNotEligible       = newError(KindResource, "NOT_ELIGIBLE", "account does not hold the arbitrator token threshold")
	ErrOutsideGigWindow  = newError(KindResource, "OUTSIDE_GIG_WINDOW", "no booked gig covers the current time")

	// Not found
	ErrContractNotFound    = newError(KindNotFound, "CONTRACT_NOT_FOUND", "contract not found")
	ErrMilestoneNotFound   = newError(KindNotFound, "MILESTONE_NOT_FOUND", "milestone not found")
	ErrDisputeNotFound     = newError(KindNotFound, "DISPUTE_NOT_FOUND", "dispute not found")
	ErrArbitratorNotFound  = newError(KindNotFound, "ARBITRATOR_NOT_FOUND", "arbitrator not found")
	ErrGigNotFound         = newError(KindNotFound, "GIG_NOT_FOUND", "gig not found")
	ErrTransactionNotFound = newError(KindNotFound, "TRANSACTION_NOT_FOUND", "token transaction not found")
)

// KindOf reports the kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the stable code of err, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}
