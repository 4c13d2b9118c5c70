package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shm-network/shm/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seedContract(t *testing.T, db *DB) *domain.Contract {
	t.Helper()
	c := &domain.Contract{
		ID: "c1", ClientID: "alice", FreelancerID: "bob", Title: "site",
		TotalAmount: 1500, State: domain.ContractEscrowPending, Version: 1,
		CreatedAt: t0, UpdatedAt: t0,
		Milestones: []domain.Milestone{
			{ContractID: "c1", Index: 0, Title: "design", Amount: 1000, State: domain.MilestonePending, UpdatedAt: t0},
			{ContractID: "c1", Index: 1, Title: "build", Amount: 500, State: domain.MilestonePending, UpdatedAt: t0},
		},
	}
	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertContract(context.Background(), c)
	})
	if err != nil {
		t.Fatalf("InsertContract() error: %v", err)
	}
	return c
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

// ─── Transactions ───────────────────────────────────────────────────────────

func TestUpdate_RollbackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.InsertContract(ctx, &domain.Contract{
			ID: "c9", ClientID: "a", FreelancerID: "b", TotalAmount: 10,
			State: domain.ContractEscrowPending, Version: 1, CreatedAt: t0, UpdatedAt: t0,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	_ = db.View(ctx, func(tx *Tx) error {
		c, err := tx.GetContract(ctx, "c9")
		if err != nil {
			t.Fatalf("GetContract() error: %v", err)
		}
		if c != nil {
			t.Error("contract should not exist after rollback")
		}
		return nil
	})
}

func TestUpdate_CommitHookReceivesEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var got []domain.Event
	db.OnCommit(func(evs []domain.Event) { got = append(got, evs...) })

	err := db.Update(ctx, func(tx *Tx) error {
		return tx.Emit(ctx, domain.TopicContractCreated, "c1", []string{"alice", "bob", "alice"}, map[string]string{"id": "c1"}, t0)
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("hook events = %d, want 1", len(got))
	}
	if len(got[0].Recipients) != 2 {
		t.Errorf("recipients = %v, want 2 unique", got[0].Recipients)
	}

	// Rolled back events are never delivered.
	_ = db.Update(ctx, func(tx *Tx) error {
		_ = tx.Emit(ctx, domain.TopicContractCreated, "c2", []string{"alice"}, nil, t0)
		return errors.New("abort")
	})
	if len(got) != 1 {
		t.Errorf("hook events after rollback = %d, want 1", len(got))
	}
}

// ─── Contracts ──────────────────────────────────────────────────────────────

func TestContract_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	seedContract(t, db)
	ctx := context.Background()

	_ = db.View(ctx, func(tx *Tx) error {
		c, err := tx.GetContract(ctx, "c1")
		if err != nil {
			t.Fatalf("GetContract() error: %v", err)
		}
		if c == nil {
			t.Fatal("contract not found")
		}
		if c.TotalAmount != 1500 {
			t.Errorf("TotalAmount = %d, want 1500", c.TotalAmount)
		}
		if len(c.Milestones) != 2 {
			t.Fatalf("milestones = %d, want 2", len(c.Milestones))
		}
		if c.Milestones[1].Title != "build" {
			t.Errorf("milestone 1 title = %q, want build", c.Milestones[1].Title)
		}
		if !c.CreatedAt.Equal(t0) {
			t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, t0)
		}
		return nil
	})
}

func TestUpdateContract_VersionConflict(t *testing.T) {
	db := newTestDB(t)
	seedContract(t, db)
	ctx := context.Background()

	var stale *domain.Contract
	_ = db.View(ctx, func(tx *Tx) error {
		stale, _ = tx.GetContract(ctx, "c1")
		return nil
	})

	err := db.Update(ctx, func(tx *Tx) error {
		c, _ := tx.GetContract(ctx, "c1")
		c.State = domain.ContractEscrowFunded
		return tx.UpdateContract(ctx, c)
	})
	if err != nil {
		t.Fatalf("first UpdateContract() error: %v", err)
	}

	err = db.Update(ctx, func(tx *Tx) error {
		stale.State = domain.ContractCancelled
		return tx.UpdateContract(ctx, stale)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale UpdateContract() error = %v, want ErrConflict", err)
	}
}

func TestLockedAmountCheckConstraint(t *testing.T) {
	db := newTestDB(t)
	seedContract(t, db)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		c, _ := tx.GetContract(ctx, "c1")
		c.LockedAmount = 2000
		return tx.UpdateContract(ctx, c)
	})
	if err == nil {
		t.Error("locked_amount above total should be rejected")
	}
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

func insertTransfer(t *testing.T, tx *Tx, id, key string, legs ...domain.TokenTransaction) error {
	t.Helper()
	ctx := context.Background()
	if err := tx.InsertTransfer(ctx, TransferRecord{ID: id, Type: legs[0].Type, IdempotencyKey: key, CreatedAt: t0}); err != nil {
		return err
	}
	for i, l := range legs {
		l.ID = id + "-" + string(rune('a'+i))
		l.TransferID = id
		l.CreatedAt = t0
		if err := tx.InsertTokenTx(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

func TestLedger_BalanceAndDuplicateKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		return insertTransfer(t, tx, "t1", "dep:1",
			domain.TokenTransaction{Account: domain.TreasuryAccount, Amount: -3000, Type: domain.TxEarn, Status: domain.TxSuccess},
			domain.TokenTransaction{Account: "alice", Amount: 3000, Type: domain.TxEarn, Status: domain.TxSuccess},
		)
	})
	if err != nil {
		t.Fatalf("insert transfer error: %v", err)
	}

	err = db.Update(ctx, func(tx *Tx) error {
		return insertTransfer(t, tx, "t2", "dep:1",
			domain.TokenTransaction{Account: "alice", Amount: 3000, Type: domain.TxEarn, Status: domain.TxSuccess},
		)
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate key error = %v, want ErrDuplicateKey", err)
	}

	err = db.Update(ctx, func(tx *Tx) error {
		return insertTransfer(t, tx, "t3", "wd:1",
			domain.TokenTransaction{Account: "alice", Amount: -1000, Type: domain.TxDebit, Status: domain.TxPending},
		)
	})
	if err != nil {
		t.Fatalf("insert withdrawal error: %v", err)
	}

	_ = db.View(ctx, func(tx *Tx) error {
		b, err := tx.AccountBalance(ctx, "alice")
		if err != nil {
			t.Fatalf("AccountBalance() error: %v", err)
		}
		if b.Confirmed != 3000 {
			t.Errorf("Confirmed = %d, want 3000", b.Confirmed)
		}
		if b.Available != 2000 {
			t.Errorf("Available = %d, want 2000", b.Available)
		}
		unbalanced, err := tx.UnbalancedTransfers(ctx)
		if err != nil {
			t.Fatalf("UnbalancedTransfers() error: %v", err)
		}
		if len(unbalanced) != 0 {
			t.Errorf("unbalanced = %v, want none", unbalanced)
		}
		return nil
	})
}

func TestSettleTokenTx_OnlyFromPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_ = db.Update(ctx, func(tx *Tx) error {
		return insertTransfer(t, tx, "t1", "",
			domain.TokenTransaction{Account: "alice", Amount: -10, Type: domain.TxDebit, Status: domain.TxPending},
		)
	})

	if err := db.Update(ctx, func(tx *Tx) error {
		return tx.SettleTokenTx(ctx, "t1-a", domain.TxFailed, t0)
	}); err != nil {
		t.Fatalf("SettleTokenTx() error: %v", err)
	}
	err := db.Update(ctx, func(tx *Tx) error {
		return tx.SettleTokenTx(ctx, "t1-a", domain.TxSuccess, t0)
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second settle error = %v, want ErrInvalidState", err)
	}
}

// ─── Disputes ───────────────────────────────────────────────────────────────

func TestInsertDispute_OneActivePerContract(t *testing.T) {
	db := newTestDB(t)
	seedContract(t, db)
	ctx := context.Background()

	d := &domain.Dispute{ID: "d1", ContractID: "c1", RaisedBy: "alice", Amount: 500, Reason: "late",
		Status: domain.DisputeOpen, CreatedAt: t0}
	if err := db.Update(ctx, func(tx *Tx) error { return tx.InsertDispute(ctx, d) }); err != nil {
		t.Fatalf("InsertDispute() error: %v", err)
	}

	d2 := *d
	d2.ID = "d2"
	err := db.Update(ctx, func(tx *Tx) error { return tx.InsertDispute(ctx, &d2) })
	if !errors.Is(err, domain.ErrAlreadyDisputed) {
		t.Fatalf("second InsertDispute() error = %v, want ErrAlreadyDisputed", err)
	}

	// Once resolved another dispute may be opened.
	err = db.Update(ctx, func(tx *Tx) error {
		cur, _ := tx.GetDispute(ctx, "d1")
		cur.Status = domain.DisputeResolved
		cur.Outcome = &domain.Outcome{Kind: domain.OutcomeSplit, FreelancerShare: 200}
		cur.ResolvedAt = t0.Add(time.Hour)
		ok, err := tx.UpdateDispute(ctx, cur, domain.DisputeOpen)
		if err != nil || !ok {
			t.Fatalf("UpdateDispute() = %v, %v", ok, err)
		}
		return tx.InsertDispute(ctx, &d2)
	})
	if err != nil {
		t.Fatalf("dispute after resolution error: %v", err)
	}

	_ = db.View(ctx, func(tx *Tx) error {
		got, _ := tx.GetDispute(ctx, "d1")
		if got.Outcome == nil || got.Outcome.FreelancerShare != 200 {
			t.Errorf("outcome = %+v, want split 200", got.Outcome)
		}
		open, _ := tx.OpenDisputes(ctx, 10)
		if len(open) != 1 || open[0].ID != "d2" {
			t.Errorf("open disputes = %v, want [d2]", open)
		}
		return nil
	})
}

// ─── Gigs ───────────────────────────────────────────────────────────────────

func TestInsertGig_SlotTaken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_ = db.Update(ctx, func(tx *Tx) error {
		return tx.InsertArbitrator(ctx, &domain.ArbitratorProfile{AccountID: "carol", Domains: []string{"web"},
			Presence: domain.PresenceOffline, CreatedAt: t0, UpdatedAt: t0})
	})

	start := t0.Add(2 * time.Hour)
	g := &domain.Gig{ID: "g1", ArbitratorID: "carol", Start: start, End: start.Add(time.Hour),
		Status: domain.GigBooked, CreatedAt: t0}
	if err := db.Update(ctx, func(tx *Tx) error { return tx.InsertGig(ctx, g) }); err != nil {
		t.Fatalf("InsertGig() error: %v", err)
	}

	g2 := *g
	g2.ID = "g2"
	err := db.Update(ctx, func(tx *Tx) error { return tx.InsertGig(ctx, &g2) })
	if !errors.Is(err, domain.ErrSlotTaken) {
		t.Fatalf("second InsertGig() error = %v, want ErrSlotTaken", err)
	}

	_ = db.View(ctx, func(tx *Tx) error {
		cov, _ := tx.CoveringGig(ctx, "carol", start.Add(-5*time.Minute), 5*time.Minute)
		if cov == nil {
			t.Error("gig should cover start-5m")
		}
		cov, _ = tx.CoveringGig(ctx, "carol", start.Add(-6*time.Minute), 5*time.Minute)
		if cov != nil {
			t.Error("gig should not cover start-6m")
		}
		cov, _ = tx.CoveringGig(ctx, "carol", start.Add(time.Hour), 5*time.Minute)
		if cov != nil {
			t.Error("gig should not cover its end")
		}
		return nil
	})
}

// ─── Change Feed ────────────────────────────────────────────────────────────

func TestChangesSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = db.Update(ctx, func(tx *Tx) error {
			return tx.Emit(ctx, domain.TopicDisputeAssigned, "d1", []string{"carol"}, nil, t0)
		})
	}
	_ = db.Update(ctx, func(tx *Tx) error {
		return tx.Emit(ctx, domain.TopicContractCreated, "c1", []string{"alice"}, nil, t0)
	})

	_ = db.View(ctx, func(tx *Tx) error {
		all, err := tx.ChangesSince(ctx, "carol", 0, 10)
		if err != nil {
			t.Fatalf("ChangesSince() error: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("changes = %d, want 3", len(all))
		}
		after, _ := tx.ChangesSince(ctx, "carol", all[1].Seq, 10)
		if len(after) != 1 {
			t.Errorf("changes after seq %d = %d, want 1", all[1].Seq, len(after))
		}
		latest, _ := tx.LatestSeq(ctx, "carol")
		if latest != all[2].Seq {
			t.Errorf("LatestSeq = %d, want %d", latest, all[2].Seq)
		}
		return nil
	})
}
