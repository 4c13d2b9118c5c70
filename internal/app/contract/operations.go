package contract

import (
	"context"
	"fmt"

	"github.com/shm-network/shm/internal/app/milestone"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
)

// FundEscrow locks the full contract amount from the client's balance.
func (s *Service) FundEscrow(ctx context.Context, id, actor string, amount int64) (*domain.Contract, error) {
	o, err := s.mutate(ctx, id, actor, func(o *op) error {
		if err := o.requireClient(); err != nil {
			return err
		}
		if err := o.requireState(domain.ContractEscrowPending); err != nil {
			return err
		}
		if amount != o.c.TotalAmount {
			return domain.ErrInvalidInput.Withf("escrow amount %d must equal contract total %d", amount, o.c.TotalAmount)
		}
		if _, err := s.ledger.Lock(ctx, o.tx, o.c.ClientID, domain.EscrowAccount(o.c.ID), amount,
			o.c.ID, "lock:"+o.c.ID); err != nil {
			return err
		}
		o.c.LockedAmount = amount
		return o.transition(domain.ContractEscrowFunded, "escrow funded")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow funded", "contract", id, "amount", amount)
	return o.c, nil
}

// StartWork is the freelancer acknowledging a funded escrow.
func (s *Service) StartWork(ctx context.Context, id, actor string) (*domain.Contract, error) {
	o, err := s.mutate(ctx, id, actor, func(o *op) error {
		if err := o.requireFreelancer(); err != nil {
			return err
		}
		if err := o.requireState(domain.ContractEscrowFunded); err != nil {
			return err
		}
		return o.transition(domain.ContractInProgress, "work started")
	})
	if err != nil {
		return nil, err
	}
	return o.c, nil
}

// SubmitResult is returned by SubmitMilestone.
type SubmitResult struct {
	Contract   *domain.Contract            `json:"contract"`
	Submission *domain.MilestoneSubmission `json:"submission"`
}

// SubmitMilestone records proof of work for the current milestone. A
// resubmission while under review replaces the content of the submission.
func (s *Service) SubmitMilestone(ctx context.Context, id, actor string, index int, proof, description string) (*SubmitResult, error) {
	if proof == "" {
		return nil, domain.ErrInvalidInput.Withf("proof reference is required")
	}
	var sub *domain.MilestoneSubmission
	o, err := s.mutate(ctx, id, actor, func(o *op) error {
		if err := o.requireFreelancer(); err != nil {
			return err
		}
		if err := o.requireState(domain.ContractInProgress, domain.ContractMilestoneSubmitted); err != nil {
			return err
		}
		var err error
		sub, err = milestone.RecordSubmission(ctx, o.tx, o.c, index, proof, description, o.now)
		if err != nil {
			return err
		}

		m := o.c.Milestone(index)
		m.State = domain.MilestoneSubmitted
		m.UpdatedAt = o.now
		if err := o.tx.UpdateMilestone(ctx, *m); err != nil {
			return err
		}
		if err := o.tx.Emit(ctx, domain.TopicMilestoneSubmitted, o.c.ID, parties(o.c), map[string]any{
			"index": index, "revision": sub.Revision, "submission_id": sub.ID,
		}, o.now); err != nil {
			return err
		}
		if o.c.State == domain.ContractInProgress {
			return o.transition(domain.ContractMilestoneSubmitted, fmt.Sprintf("milestone %d submitted", index))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("milestone submitted", "contract", id, "index", index, "revision", sub.Revision)
	return &SubmitResult{Contract: o.c, Submission: sub}, nil
}

// ApprovalResult is returned by ApproveMilestone.
type ApprovalResult struct {
	Contract    *domain.Contract     `json:"contract"`
	ReleaseTxID string               `json:"release_tx_id"`
	TransferID  string               `json:"transfer_id,omitempty"`
	State       domain.ContractState `json:"state"`
	// AlreadyPaid marks a retried approval answered without moving funds.
	AlreadyPaid bool                `json:"already_paid"`
	Transitions []domain.Transition `json:"transitions,omitempty"`
}

// ApproveMilestone releases a submitted milestone's funds to the freelancer.
// Approving an already paid milestone is a no-op that reports AlreadyPaid.
func (s *Service) ApproveMilestone(ctx context.Context, id, actor string, index int) (*ApprovalResult, error) {
	res := &ApprovalResult{}
	o, err := s.mutate(ctx, id, actor, func(o *op) error {
		if err := o.requireClient(); err != nil {
			return err
		}
		m, err := milestone.CheckCurrent(o.c, index)
		if err != nil {
			return err
		}
		if m.State == domain.MilestonePaid {
			res.AlreadyPaid = true
			res.ReleaseTxID = m.ReleaseTxID
			o.unchanged = true
			return nil
		}
		if m.State != domain.MilestoneSubmitted || o.c.State != domain.ContractMilestoneSubmitted {
			return domain.ErrInvalidState.Withf("milestone %d is %s, contract is %s", index, m.State, o.c.State)
		}

		ok, err := o.tx.CompareAndSetMilestone(ctx, o.c.ID, index, domain.MilestoneSubmitted, domain.MilestonePaid, o.now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConflict.Withf("milestone %d changed concurrently", index)
		}

		tr, err := s.ledger.Release(ctx, o.tx, domain.EscrowAccount(o.c.ID), o.c.FreelancerID, m.Amount,
			o.c.ID, fmt.Sprintf("release:%s:%d", o.c.ID, index))
		if err != nil {
			return err
		}
		credit := tr.CreditLeg()
		res.TransferID = tr.ID
		res.ReleaseTxID = credit.ID

		m.State = domain.MilestonePaid
		m.PaidAmount = m.Amount
		m.ReleaseTxID = credit.ID
		m.UpdatedAt = o.now
		if err := o.tx.UpdateMilestone(ctx, *m); err != nil {
			return err
		}
		if _, err := milestone.RecordReview(ctx, o.tx, o.c.ID, index, domain.SubmissionApproved, "", o.now); err != nil {
			return err
		}
		o.c.LockedAmount -= m.Amount
		o.c.CurrentMilestone = o.c.FirstUnsettled()

		if err := o.tx.Emit(ctx, domain.TopicMilestonePaid, o.c.ID, parties(o.c), map[string]any{
			"index": index, "amount": m.Amount, "release_tx_id": credit.ID,
		}, o.now); err != nil {
			return err
		}
		if err := o.transition(domain.ContractPaymentReleased, fmt.Sprintf("milestone %d approved", index)); err != nil {
			return err
		}
		if o.c.CurrentMilestone >= len(o.c.Milestones) {
			return o.transition(domain.ContractCompleted, "all milestones paid")
		}
		return o.transition(domain.ContractInProgress, fmt.Sprintf("milestone %d is next", o.c.CurrentMilestone))
	})
	if err != nil {
		return nil, err
	}

	res.Contract = o.c
	res.State = o.c.State
	res.Transitions = o.transitions
	if res.AlreadyPaid {
		metrics.ApprovalReplays.Inc()
		s.logger.Info("approval replayed", "contract", id, "index", index)
	} else {
		metrics.MilestonesPaid.Inc()
		s.logger.Info("milestone paid", "contract", id, "index", index, "release_tx", res.ReleaseTxID, "state", res.State)
	}
	return res, nil
}

// RevisionResult is returned by RequestRevision.
type RevisionResult struct {
	Contract   *domain.Contract            `json:"contract"`
	Milestone  domain.Milestone            `json:"milestone"`
	Submission *domain.MilestoneSubmission `json:"submission"`
}

// RequestRevision sends a submitted milestone back to the freelancer.
func (s *Service) RequestRevision(ctx context.Context, id, actor string, index int, feedback string) (*RevisionResult, error) {
	var sub *domain.MilestoneSubmission
	var ms domain.Milestone
	o, err := s.mutate(ctx, id, actor, func(o *op) error {
		if err := o.requireClient(); err != nil {
			return err
		}
		m, err := milestone.CheckCurrent(o.c, index)
		if err != nil {
			return err
		}
		if m.State != domain.MilestoneSubmitted {
			return domain.ErrInvalidState.Withf("milestone %d is %s", index, m.State)
		}

		m.State = domain.MilestonePending
		m.UpdatedAt = o.now
		if err := o.tx.UpdateMilestone(ctx, *m); err != nil {
			return err
		}
		sub, err = milestone.RecordReview(ctx, o.tx, o.c.ID, index, domain.SubmissionRevisionRequested, feedback, o.now)
		if err != nil {
			return err
		}
		ms = *m
		if err := o.tx.Emit(ctx, domain.TopicMilestoneReviewed, o.c.ID, parties(o.c), map[string]any{
			"index": index, "status": domain.SubmissionRevisionRequested, "feedback": feedback,
		}, o.now); err != nil {
			return err
		}
		return o.transition(domain.ContractInProgress, fmt.Sprintf("revision requested on milestone %d", index))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("revision requested", "contract", id, "index", index)
	return &RevisionResult{Contract: o.c, Milestone: ms, Submission: sub}, nil
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Contract   *domain.Contract `json:"contract"`
	Refunded   int64            `json:"refunded"`
	RefundTxID string           `json:"refund_tx_id,omitempty"`
}

// Cancel terminates a contract early and returns the unspent lock to the
// client. Not allowed while a milestone awaits review or a dispute is open.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*CancelResult, error) {
	res := &CancelResult{}
	o, err := s.mutate(ctx, id, actor, func(o *op) error {
		if o.actor != o.c.ClientID && !s.IsPlatform(o.actor) {
			return domain.ErrNotParty.Withf("%s may not cancel %s", o.actor, o.c.ID)
		}
		if err := o.requireState(domain.ContractEscrowPending, domain.ContractEscrowFunded, domain.ContractInProgress); err != nil {
			return err
		}

		funded := o.c.LockedAmount > 0
		if funded {
			tr, err := s.ledger.Refund(ctx, o.tx, domain.EscrowAccount(o.c.ID), o.c.ClientID,
				o.c.LockedAmount, o.c.ID, "cancel:"+o.c.ID)
			if err != nil {
				return err
			}
			res.Refunded = o.c.LockedAmount
			res.RefundTxID = tr.CreditLeg().ID
		}
		for i := range o.c.Milestones {
			m := &o.c.Milestones[i]
			if m.State.IsSettled() {
				continue
			}
			if funded {
				m.RefundedAmount = m.Amount
			}
			m.State = domain.MilestoneRefunded
			m.UpdatedAt = o.now
			if err := o.tx.UpdateMilestone(ctx, *m); err != nil {
				return err
			}
		}
		o.c.LockedAmount = 0
		o.c.CurrentMilestone = len(o.c.Milestones)
		if reason == "" {
			reason = "cancelled"
		}
		return o.transition(domain.ContractCancelled, reason)
	})
	if err != nil {
		return nil, err
	}
	res.Contract = o.c
	s.logger.Info("contract cancelled", "contract", id, "actor", actor, "refunded", res.Refunded)
	return res, nil
}
