package domain

import "time"

// DisputeStatus tracks a dispute through arbitration.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeAssigned DisputeStatus = "ASSIGNED"
	DisputeInReview DisputeStatus = "IN_REVIEW"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// OutcomeKind decides where the disputed funds go.
type OutcomeKind string

const (
	OutcomeReleaseToFreelancer OutcomeKind = "RELEASE_TO_FREELANCER"
	OutcomeRefundToClient      OutcomeKind = "REFUND_TO_CLIENT"
	OutcomeSplit               OutcomeKind = "SPLIT"
)

// Outcome is an arbitrator's ruling. FreelancerShare is only read for SPLIT
// and must lie strictly between zero and the funds in scope.
type Outcome struct {
	Kind            OutcomeKind `json:"kind"`
	FreelancerShare int64       `json:"freelancer_share,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

// Valid reports whether the outcome kind is known.
func (o Outcome) Valid() bool {
	switch o.Kind {
	case OutcomeReleaseToFreelancer, OutcomeRefundToClient, OutcomeSplit:
		return true
	}
	return false
}

// Dispute is a formal disagreement over a contract or one of its milestones.
// A nil MilestoneIndex means the whole contract is contested.
type Dispute struct {
	ID             string        `json:"id"`
	ContractID     string        `json:"contract_id"`
	MilestoneIndex *int          `json:"milestone_index"`
	RaisedBy       string        `json:"raised_by"`
	Amount         int64         `json:"amount"`
	Reason         string        `json:"reason"`
	Domain         string        `json:"domain"`
	Status         DisputeStatus `json:"status"`
	ArbitratorID   string        `json:"arbitrator_id,omitempty"`
	Outcome        *Outcome      `json:"outcome,omitempty"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	AssignedAt     time.Time     `json:"assigned_at,omitempty"`
	ResolvedAt     time.Time     `json:"resolved_at,omitempty"`
}

// IsActive reports whether the dispute still freezes its contract.
func (d *Dispute) IsActive() bool { return d.Status != DisputeResolved }
