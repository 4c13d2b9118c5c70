package milestone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func threeMilestones() *domain.Contract {
	c := &domain.Contract{
		ID: "c1", ClientID: "alice", FreelancerID: "bob", TotalAmount: 600,
		LockedAmount: 600, State: domain.ContractInProgress, Version: 1, CreatedAt: t0, UpdatedAt: t0,
	}
	for i := 0; i < 3; i++ {
		c.Milestones = append(c.Milestones, domain.Milestone{
			ContractID: "c1", Index: i, Title: "m", Amount: 200, State: domain.MilestonePending, UpdatedAt: t0,
		})
	}
	return c
}

func TestCheckSubmittable_Order(t *testing.T) {
	c := threeMilestones()

	if err := CheckSubmittable(c, 0); err != nil {
		t.Errorf("CheckSubmittable(0) error: %v", err)
	}
	if err := CheckSubmittable(c, 1); !errors.Is(err, domain.ErrOutOfOrderMilestone) {
		t.Errorf("CheckSubmittable(1) error = %v, want ErrOutOfOrderMilestone", err)
	}
	if err := CheckSubmittable(c, 7); !errors.Is(err, domain.ErrMilestoneNotFound) {
		t.Errorf("CheckSubmittable(7) error = %v, want ErrMilestoneNotFound", err)
	}

	// A pointer that ran ahead of the milestone states is still rejected.
	c.CurrentMilestone = 1
	if err := CheckSubmittable(c, 1); !errors.Is(err, domain.ErrOutOfOrderMilestone) {
		t.Errorf("CheckSubmittable with unsettled predecessor error = %v, want ErrOutOfOrderMilestone", err)
	}

	c.Milestones[0].State = domain.MilestonePaid
	if err := CheckSubmittable(c, 1); err != nil {
		t.Errorf("CheckSubmittable(1) after paying 0 error: %v", err)
	}
}

func TestCheckCurrent_AllowsSettledPast(t *testing.T) {
	c := threeMilestones()
	c.Milestones[0].State = domain.MilestonePaid
	c.CurrentMilestone = 1

	if _, err := CheckCurrent(c, 0); err != nil {
		t.Errorf("CheckCurrent(0) on paid milestone error: %v", err)
	}
	if _, err := CheckCurrent(c, 2); !errors.Is(err, domain.ErrOutOfOrderMilestone) {
		t.Errorf("CheckCurrent(2) error = %v, want ErrOutOfOrderMilestone", err)
	}
}

func TestRecordSubmission_KeepsIdentity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := threeMilestones()
	l := New(db)

	var first, second *domain.MilestoneSubmission
	err := db.Update(ctx, func(tx *sqlite.Tx) error {
		if err := tx.InsertContract(ctx, c); err != nil {
			return err
		}
		var err error
		if first, err = RecordSubmission(ctx, tx, c, 0, "https://proof/1", "first cut", t0); err != nil {
			return err
		}
		if _, err = RecordReview(ctx, tx, c.ID, 0, domain.SubmissionRevisionRequested, "needs tests", t0.Add(time.Hour)); err != nil {
			return err
		}
		second, err = RecordSubmission(ctx, tx, c, 0, "https://proof/2", "with tests", t0.Add(2*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("record error: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("resubmission id = %s, want %s", second.ID, first.ID)
	}
	if second.Revision != 2 {
		t.Errorf("revision = %d, want 2", second.Revision)
	}

	hist, err := l.History(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d, want 2", len(hist))
	}
	if hist[0].Status != domain.SubmissionRevisionRequested || hist[0].Feedback != "needs tests" {
		t.Errorf("first entry = %s/%q, want REVISION_REQUESTED/needs tests", hist[0].Status, hist[0].Feedback)
	}
	if hist[1].ProofURL != "https://proof/2" {
		t.Errorf("second entry proof = %q", hist[1].ProofURL)
	}
	if hist[0].ProofURL != "https://proof/1" {
		t.Errorf("first entry proof changed to %q", hist[0].ProofURL)
	}
}

func TestSums(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := threeMilestones()
	c.Milestones[0].State = domain.MilestonePaid
	c.Milestones[0].PaidAmount = 200
	c.CurrentMilestone = 1
	c.LockedAmount = 400

	if err := db.Update(ctx, func(tx *sqlite.Tx) error { return tx.InsertContract(ctx, c) }); err != nil {
		t.Fatalf("InsertContract() error: %v", err)
	}
	l := New(db)

	paid, _ := l.SumPaid(ctx, "c1")
	if paid != 200 {
		t.Errorf("SumPaid = %d, want 200", paid)
	}
	remaining, _ := l.SumRemaining(ctx, "c1")
	if remaining != 400 {
		t.Errorf("SumRemaining = %d, want 400", remaining)
	}
	idx, _ := l.CurrentIndex(ctx, "c1")
	if idx != 1 {
		t.Errorf("CurrentIndex = %d, want 1", idx)
	}
	if _, err := l.CurrentIndex(ctx, "missing"); !errors.Is(err, domain.ErrContractNotFound) {
		t.Errorf("CurrentIndex(missing) error = %v, want ErrContractNotFound", err)
	}
}
