package domain

import "time"

// ContractState is the lifecycle state of a contract.
type ContractState string

const (
	ContractEscrowPending      ContractState = "ESCROW_PENDING"
	ContractEscrowFunded       ContractState = "ESCROW_FUNDED"
	ContractInProgress         ContractState = "IN_PROGRESS"
	ContractMilestoneSubmitted ContractState = "MILESTONE_SUBMITTED"
	ContractPaymentReleased    ContractState = "PAYMENT_RELEASED"
	ContractCompleted          ContractState = "COMPLETED"
	ContractCancelled          ContractState = "CANCELLED"
	ContractDisputed           ContractState = "DISPUTED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ContractState) IsTerminal() bool {
	return s == ContractCompleted || s == ContractCancelled
}

// MilestoneState is the state of a single milestone.
type MilestoneState string

const (
	MilestonePending   MilestoneState = "PENDING"
	MilestoneSubmitted MilestoneState = "SUBMITTED"
	MilestonePaid      MilestoneState = "PAID"
	// MilestoneRefunded marks a milestone whose funds went back to the client.
	MilestoneRefunded MilestoneState = "REFUNDED"
)

// IsSettled reports whether the milestone's funds have left escrow.
func (s MilestoneState) IsSettled() bool {
	return s == MilestonePaid || s == MilestoneRefunded
}

// Milestone is one unit of deliverable work with its own approval cycle.
type Milestone struct {
	ContractID     string         `json:"contract_id"`
	Index          int            `json:"index"`
	Title          string         `json:"title"`
	Amount         int64          `json:"amount"`
	DurationDays   int            `json:"duration_days"`
	State          MilestoneState `json:"state"`
	PaidAmount     int64          `json:"paid_amount"`
	RefundedAmount int64          `json:"refunded_amount"`
	ReleaseTxID    string         `json:"release_tx_id,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MilestoneSpec is the input used to create a milestone when a bid is accepted.
type MilestoneSpec struct {
	Title        string `json:"title"`
	Amount       int64  `json:"amount"`
	DurationDays int    `json:"duration_days"`
}

// Contract binds a client and a freelancer to an ordered list of milestones.
type Contract struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"client_id"`
	FreelancerID     string        `json:"freelancer_id"`
	Title            string        `json:"title"`
	BidRef           string        `json:"bid_ref,omitempty"`
	TotalAmount      int64         `json:"total_amount"`
	LockedAmount     int64         `json:"locked_amount"`
	State            ContractState `json:"state"`
	PreDisputeState  ContractState `json:"pre_dispute_state,omitempty"`
	CurrentMilestone int           `json:"current_milestone"`
	Milestones       []Milestone   `json:"milestones"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsParty reports whether account is the client or the freelancer.
func (c *Contract) IsParty(account string) bool {
	return account != "" && (account == c.ClientID || account == c.FreelancerID)
}

// UnsettledAmount sums the amounts of milestones whose funds are still locked.
func (c *Contract) UnsettledAmount() int64 {
	var sum int64
	for _, m := range c.Milestones {
		if !m.State.IsSettled() {
			sum += m.Amount
		}
	}
	return sum
}

// LockedConsistent reports whether LockedAmount equals the unsettled
// milestone total and stays within TotalAmount. Nothing is locked before
// funding.
func (c *Contract) LockedConsistent() bool {
	if c.LockedAmount < 0 || c.LockedAmount > c.TotalAmount {
		return false
	}
	if c.State == ContractEscrowPending {
		return c.LockedAmount == 0
	}
	return c.LockedAmount == c.UnsettledAmount()
}

// FirstUnsettled returns the index of the first unsettled milestone, or
// len(Milestones) when every milestone is settled.
func (c *Contract) FirstUnsettled() int {
	for i, m := range c.Milestones {
		if !m.State.IsSettled() {
			return i
		}
	}
	return len(c.Milestones)
}

// Milestone returns the milestone at index, or nil.
func (c *Contract) Milestone(index int) *Milestone {
	if index < 0 || index >= len(c.Milestones) {
		return nil
	}
	return &c.Milestones[index]
}

// SubmissionStatus mirrors the review state of a milestone submission.
type SubmissionStatus string

const (
	SubmissionSubmitted         SubmissionStatus = "SUBMITTED"
	SubmissionRevisionRequested SubmissionStatus = "REVISION_REQUESTED"
	SubmissionApproved          SubmissionStatus = "APPROVED"

	// SubmissionDisputeSettled closes a submission whose milestone was
	// settled by a dispute ruling instead of a client review.
	SubmissionDisputeSettled SubmissionStatus = "DISPUTE_SETTLED"
)

// MilestoneSubmission is the single active submission of a milestone.
// Resubmissions overwrite its content but keep its ID.
type MilestoneSubmission struct {
	ID          string           `json:"id"`
	ContractID  string           `json:"contract_id"`
	Index       int              `json:"index"`
	ProofURL    string           `json:"proof_url"`
	Description string           `json:"description"`
	Status      SubmissionStatus `json:"status"`
	Feedback    string           `json:"feedback,omitempty"`
	Revision    int              `json:"revision"`
	SubmittedAt time.Time        `json:"submitted_at"`
	ReviewedAt  time.Time        `json:"reviewed_at,omitempty"`
}

// SubmissionRecord is a history entry, one per submit. Its content never
// changes; the review outcome is written once when that revision is reviewed.
type SubmissionRecord struct {
	Seq          int64            `json:"seq"`
	SubmissionID string           `json:"submission_id"`
	ContractID   string           `json:"contract_id"`
	Index        int              `json:"index"`
	Revision     int              `json:"revision"`
	ProofURL     string           `json:"proof_url"`
	Description  string           `json:"description"`
	Status       SubmissionStatus `json:"status"`
	Feedback     string           `json:"feedback,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	ReviewedAt   time.Time        `json:"reviewed_at,omitempty"`
}

// Transition is one audited contract state change.
type Transition struct {
	ContractID string        `json:"contract_id"`
	From       ContractState `json:"from"`
	To         ContractState `json:"to"`
	Actor      string        `json:"actor,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}
