package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/app/milestone"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// ─── Dispute hooks ──────────────────────────────────────────────────────────
// Freeze and Settle run inside the dispute coordinator's transaction.

// Freeze moves a funded, non-terminal contract into DISPUTED and remembers
// the state to return to.
func (s *Service) Freeze(ctx context.Context, tx *sqlite.Tx, c *domain.Contract, actor, reason string,
	now time.Time) ([]domain.Transition, error) {
	switch {
	case c.State == domain.ContractDisputed:
		return nil, domain.ErrAlreadyDisputed.Withf("contract %s", c.ID)
	case c.State.IsTerminal():
		return nil, domain.ErrInvalidContractState.Withf("contract %s is %s", c.ID, c.State)
	case c.State == domain.ContractEscrowPending:
		return nil, domain.ErrInvalidContractState.Withf("contract %s has no escrowed funds", c.ID)
	}

	c.PreDisputeState = c.State
	tr, err := recordTransition(ctx, tx, c, domain.ContractDisputed, actor, reason, now)
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	if err := tx.UpdateContract(ctx, c); err != nil {
		return nil, err
	}
	return []domain.Transition{tr}, nil
}

// SettleParams describes a dispute ruling to apply to a contract.
type SettleParams struct {
	DisputeID string
	// Scope lists the unsettled milestone indexes the ruling covers.
	Scope   []int
	Outcome domain.Outcome
	Actor   string
}

// Settlement is the fund routing produced by Settle.
type Settlement struct {
	Transfers   []*ledger.Transfer   `json:"transfers"`
	Released    int64                `json:"released"`
	Refunded    int64                `json:"refunded"`
	State       domain.ContractState `json:"state"`
	Transitions []domain.Transition  `json:"transitions"`
}

// ScopeAmount sums the milestone amounts a ruling covers.
func ScopeAmount(c *domain.Contract, scope []int) int64 {
	var sum int64
	for _, i := range scope {
		if m := c.Milestone(i); m != nil {
			sum += m.Amount
		}
	}
	return sum
}

// Settle routes the escrowed funds of the milestones in scope and moves the
// contract out of DISPUTED. A SPLIT share is paid to the freelancer across
// the scope in milestone order; the rest is refunded to the client.
func (s *Service) Settle(ctx context.Context, tx *sqlite.Tx, c *domain.Contract, p SettleParams,
	now time.Time) (*Settlement, error) {
	if c.State != domain.ContractDisputed {
		return nil, domain.ErrInvalidState.Withf("contract %s is %s, not DISPUTED", c.ID, c.State)
	}
	if len(p.Scope) == 0 {
		return nil, domain.ErrInvalidInput.Withf("ruling covers no milestone")
	}
	for _, i := range p.Scope {
		m := c.Milestone(i)
		if m == nil {
			return nil, domain.ErrMilestoneNotFound.Withf("contract %s index %d", c.ID, i)
		}
		if m.State.IsSettled() {
			return nil, domain.ErrInvalidState.Withf("milestone %d is already %s", i, m.State)
		}
	}

	total := ScopeAmount(c, p.Scope)
	var toFreelancer int64
	switch p.Outcome.Kind {
	case domain.OutcomeReleaseToFreelancer:
		toFreelancer = total
	case domain.OutcomeRefundToClient:
		toFreelancer = 0
	case domain.OutcomeSplit:
		if p.Outcome.FreelancerShare <= 0 || p.Outcome.FreelancerShare >= total {
			return nil, domain.ErrInvalidInput.Withf("split share %d must lie strictly between 0 and %d",
				p.Outcome.FreelancerShare, total)
		}
		toFreelancer = p.Outcome.FreelancerShare
	default:
		return nil, domain.ErrInvalidInput.Withf("unknown outcome %q", p.Outcome.Kind)
	}

	out := &Settlement{}
	escrow := domain.EscrowAccount(c.ID)
	remaining := toFreelancer
	for _, i := range p.Scope {
		m := &c.Milestones[i]
		pay := min(remaining, m.Amount)
		remaining -= pay
		refund := m.Amount - pay

		if pay > 0 {
			tr, err := s.ledger.Release(ctx, tx, escrow, c.FreelancerID, pay, c.ID,
				fmt.Sprintf("dispute:%s:release:%d", p.DisputeID, i))
			if err != nil {
				return nil, err
			}
			out.Transfers = append(out.Transfers, tr)
			m.ReleaseTxID = tr.CreditLeg().ID
		}
		if refund > 0 {
			tr, err := s.ledger.Refund(ctx, tx, escrow, c.ClientID, refund, c.ID,
				fmt.Sprintf("dispute:%s:refund:%d", p.DisputeID, i))
			if err != nil {
				return nil, err
			}
			out.Transfers = append(out.Transfers, tr)
		}

		m.PaidAmount = pay
		m.RefundedAmount = refund
		if pay > 0 {
			m.State = domain.MilestonePaid
		} else {
			m.State = domain.MilestoneRefunded
		}
		m.UpdatedAt = now
		if err := tx.UpdateMilestone(ctx, *m); err != nil {
			return nil, err
		}
		if err := closeSubmission(ctx, tx, c.ID, p, m, now); err != nil {
			return nil, err
		}
		c.LockedAmount -= m.Amount
		out.Released += pay
		out.Refunded += refund
	}

	reason := fmt.Sprintf("dispute %s resolved: %s", p.DisputeID, p.Outcome.Kind)
	tr, err := recordTransition(ctx, tx, c, s.resumeState(c), p.Actor, reason, now)
	if err != nil {
		return nil, err
	}
	out.Transitions = append(out.Transitions, tr)

	if !c.LockedConsistent() {
		return nil, fmt.Errorf("contract %s: locked %d does not match unsettled %d after settlement",
			c.ID, c.LockedAmount, c.UnsettledAmount())
	}
	c.PreDisputeState = ""
	c.UpdatedAt = now
	if err := tx.UpdateContract(ctx, c); err != nil {
		return nil, err
	}
	out.State = c.State
	return out, nil
}

// closeSubmission records the ruling on a submission still awaiting review.
func closeSubmission(ctx context.Context, tx *sqlite.Tx, contractID string, p SettleParams,
	m *domain.Milestone, now time.Time) error {
	sub, err := tx.GetSubmission(ctx, contractID, m.Index)
	if err != nil {
		return err
	}
	if sub == nil || sub.Status != domain.SubmissionSubmitted {
		return nil
	}
	feedback := fmt.Sprintf("dispute %s ruled %s: paid %d, refunded %d",
		p.DisputeID, p.Outcome.Kind, m.PaidAmount, m.RefundedAmount)
	_, err = milestone.RecordReview(ctx, tx, contractID, m.Index, domain.SubmissionDisputeSettled, feedback, now)
	return err
}

// resumeState picks where a contract goes after its dispute settles and
// advances the milestone pointer.
func (s *Service) resumeState(c *domain.Contract) domain.ContractState {
	submitted := c.CurrentMilestone
	c.CurrentMilestone = c.FirstUnsettled()

	if c.CurrentMilestone >= len(c.Milestones) {
		for _, m := range c.Milestones {
			if m.PaidAmount > 0 {
				return domain.ContractCompleted
			}
		}
		return domain.ContractCancelled
	}

	switch c.PreDisputeState {
	case domain.ContractMilestoneSubmitted:
		if m := c.Milestone(submitted); m != nil && m.State == domain.MilestoneSubmitted {
			return domain.ContractMilestoneSubmitted
		}
		return domain.ContractInProgress
	case domain.ContractEscrowFunded:
		return domain.ContractEscrowFunded
	default:
		return domain.ContractInProgress
	}
}
