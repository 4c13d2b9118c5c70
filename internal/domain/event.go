package domain

import (
	"encoding/json"
	"time"
)

// Event topics written to the outbox.
const (
	TopicContractCreated    = "contract.created"
	TopicContractTransition = "contract.transition"
	TopicMilestoneSubmitted = "milestone.submitted"
	TopicMilestoneReviewed  = "milestone.reviewed"
	TopicMilestonePaid      = "milestone.paid"
	TopicDisputeRaised      = "dispute.raised"
	TopicDisputeAssigned    = "dispute.assigned"
	TopicDisputeInReview    = "dispute.in_review"
	TopicDisputeResolved    = "dispute.resolved"
	TopicGigBooked          = "gig.booked"
	TopicGigCancelled       = "gig.cancelled"
	TopicPresenceChanged    = "arbitrator.presence"
	TopicLedgerTransfer     = "ledger.transfer"
)

// Event is a change notification recorded in the same transaction as the
// change itself. Seq is assigned by the store and is strictly increasing.
type Event struct {
	Seq        int64           `json:"seq"`
	Topic      string          `json:"topic"`
	EntityID   string          `json:"entity_id"`
	Recipients []string        `json:"recipients,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
