// Package milestone tracks per-contract milestone order and submission
// history. Its ordering checks run independently of the contract state
// machine so that a fault in one cannot silently violate the other.
package milestone

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Ledger exposes milestone reads and the transaction-level guards used by
// the contract state machine.
type Ledger struct {
	db *sqlite.DB
}

// New creates a milestone ledger.
func New(db *sqlite.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) contract(ctx context.Context, contractID string) (*domain.Contract, error) {
	var c *domain.Contract
	err := l.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		c, err = tx.GetContract(ctx, contractID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrContractNotFound.Withf("%s", contractID)
	}
	return c, nil
}

// CurrentIndex returns the index of the milestone being worked on, or the
// milestone count once all are settled.
func (l *Ledger) CurrentIndex(ctx context.Context, contractID string) (int, error) {
	c, err := l.contract(ctx, contractID)
	if err != nil {
		return 0, err
	}
	return c.FirstUnsettled(), nil
}

// History returns every submission of a milestone, oldest first.
func (l *Ledger) History(ctx context.Context, contractID string, index int) ([]domain.SubmissionRecord, error) {
	c, err := l.contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Milestone(index) == nil {
		return nil, domain.ErrMilestoneNotFound.Withf("contract %s index %d", contractID, index)
	}
	var out []domain.SubmissionRecord
	err = l.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		out, err = tx.SubmissionHistory(ctx, contractID, index)
		return err
	})
	return out, err
}

// SumPaid returns the total released to the freelancer.
func (l *Ledger) SumPaid(ctx context.Context, contractID string) (int64, error) {
	c, err := l.contract(ctx, contractID)
	if err != nil {
		return 0, err
	}
	return SumPaid(c), nil
}

// SumRemaining returns the total of milestones whose funds are still locked.
func (l *Ledger) SumRemaining(ctx context.Context, contractID string) (int64, error) {
	c, err := l.contract(ctx, contractID)
	if err != nil {
		return 0, err
	}
	return c.UnsettledAmount(), nil
}

// SumPaid totals the paid amounts of a loaded contract.
func SumPaid(c *domain.Contract) int64 {
	var sum int64
	for _, m := range c.Milestones {
		sum += m.PaidAmount
	}
	return sum
}

// ─── Guards ─────────────────────────────────────────────────────────────────

// CheckSubmittable enforces strict index order: index must be the contract's
// pointer and every earlier milestone must be settled.
func CheckSubmittable(c *domain.Contract, index int) error {
	m := c.Milestone(index)
	if m == nil {
		return domain.ErrMilestoneNotFound.Withf("contract %s index %d", c.ID, index)
	}
	if index != c.CurrentMilestone {
		return domain.ErrOutOfOrderMilestone.Withf("index %d, current milestone is %d", index, c.CurrentMilestone)
	}
	for i := 0; i < index; i++ {
		if !c.Milestones[i].State.IsSettled() {
			return domain.ErrOutOfOrderMilestone.Withf("milestone %d is %s", i, c.Milestones[i].State)
		}
	}
	if m.State.IsSettled() {
		return domain.ErrOutOfOrderMilestone.Withf("milestone %d is already %s", index, m.State)
	}
	return nil
}

// CheckCurrent verifies that index is the milestone under review.
func CheckCurrent(c *domain.Contract, index int) (*domain.Milestone, error) {
	m := c.Milestone(index)
	if m == nil {
		return nil, domain.ErrMilestoneNotFound.Withf("contract %s index %d", c.ID, index)
	}
	if index != c.CurrentMilestone && !m.State.IsSettled() {
		return nil, domain.ErrOutOfOrderMilestone.Withf("index %d, current milestone is %d", index, c.CurrentMilestone)
	}
	return m, nil
}

// ─── Recording ──────────────────────────────────────────────────────────────

// RecordSubmission creates or replaces the milestone's active submission
// and appends a history entry. The submission keeps its id across revisions.
func RecordSubmission(ctx context.Context, tx *sqlite.Tx, c *domain.Contract, index int,
	proof, description string, now time.Time) (*domain.MilestoneSubmission, error) {
	if err := CheckSubmittable(c, index); err != nil {
		return nil, err
	}

	sub, err := tx.GetSubmission(ctx, c.ID, index)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		sub = &domain.MilestoneSubmission{
			ID:         uuid.New().String(),
			ContractID: c.ID,
			Index:      index,
		}
	}
	sub.ProofURL = proof
	sub.Description = description
	sub.Status = domain.SubmissionSubmitted
	sub.Feedback = ""
	sub.Revision++
	sub.SubmittedAt = now
	sub.ReviewedAt = time.Time{}

	if err := tx.UpsertSubmission(ctx, *sub); err != nil {
		return nil, err
	}
	if err := tx.AppendSubmissionRecord(ctx, domain.SubmissionRecord{
		SubmissionID: sub.ID,
		ContractID:   c.ID,
		Index:        index,
		Revision:     sub.Revision,
		ProofURL:     proof,
		Description:  description,
		Status:       domain.SubmissionSubmitted,
		SubmittedAt:  now,
	}); err != nil {
		return nil, err
	}
	return sub, nil
}

// RecordReview stores a review outcome on the active submission and on the
// history entry of the reviewed revision.
func RecordReview(ctx context.Context, tx *sqlite.Tx, contractID string, index int,
	status domain.SubmissionStatus, feedback string, now time.Time) (*domain.MilestoneSubmission, error) {
	sub, err := tx.GetSubmission(ctx, contractID, index)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrInvalidState.Withf("milestone %d has no submission", index)
	}
	sub.Status = status
	sub.Feedback = feedback
	sub.ReviewedAt = now
	if err := tx.UpsertSubmission(ctx, *sub); err != nil {
		return nil, err
	}
	if err := tx.ReviewSubmissionRecord(ctx, sub.ID, sub.Revision, status, feedback, now); err != nil {
		return nil, err
	}
	return sub, nil
}
