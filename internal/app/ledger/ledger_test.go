package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewService(db, slog.New(slog.NewTextHandler(io.Discard, nil))), db
}

// ─── Service Tests ──────────────────────────────────────────────────────────

func TestService_InitialBalance(t *testing.T) {
	svc, _ := newTestService(t)

	bal, err := svc.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal.Confirmed != 0 || bal.Available != 0 {
		t.Errorf("initial balance = %+v, want zero", bal)
	}
}

func TestService_Deposit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Deposit(ctx, "alice", 500, "topup", "")
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	if len(tr.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(tr.Legs))
	}

	bal, _ := svc.Balance(ctx, "alice")
	if bal.Confirmed != 500 {
		t.Errorf("balance after deposit = %d, want 500", bal.Confirmed)
	}
	treasury, _ := svc.Balance(ctx, domain.TreasuryAccount)
	if treasury.Confirmed != -500 {
		t.Errorf("treasury balance = %d, want -500", treasury.Confirmed)
	}
}

func TestService_DepositIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Deposit(ctx, "alice", 100, "", "dep-1")
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	second, err := svc.Deposit(ctx, "alice", 100, "", "dep-1")
	if err != nil {
		t.Fatalf("second Deposit() error: %v", err)
	}
	if !second.Replayed {
		t.Error("second deposit should be a replay")
	}
	if second.ID != first.ID {
		t.Errorf("replayed transfer id = %s, want %s", second.ID, first.ID)
	}

	bal, _ := svc.Balance(ctx, "alice")
	if bal.Confirmed != 100 {
		t.Errorf("balance = %d, want 100", bal.Confirmed)
	}
}

func TestService_DepositKeyScopedToAccount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Deposit(ctx, "alice", 100, "", "dep-1")
	if err != nil {
		t.Fatalf("Deposit(alice) error: %v", err)
	}
	b, err := svc.Deposit(ctx, "bob", 100, "", "dep-1")
	if err != nil {
		t.Fatalf("Deposit(bob) error: %v", err)
	}
	if b.Replayed || b.ID == a.ID {
		t.Error("same key on another account should record a new transfer")
	}
	bal, _ := svc.Balance(ctx, "bob")
	if bal.Confirmed != 100 {
		t.Errorf("bob balance = %d, want 100", bal.Confirmed)
	}
}

func TestService_ReplayMismatchConflicts(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 500, "", "")

	if _, err := svc.Deposit(ctx, "alice", 100, "", "dep-1"); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	if _, err := svc.Deposit(ctx, "alice", 200, "", "dep-1"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Deposit(different amount) error = %v, want ErrConflict", err)
	}

	escrow := domain.EscrowAccount("c1")
	err := db.Update(ctx, func(tx *sqlite.Tx) error {
		_, err := svc.Lock(ctx, tx, "alice", escrow, 300, "c1", "lock:c1")
		return err
	})
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	cases := []struct {
		name string
		fn   func(tx *sqlite.Tx) error
	}{
		{"different amount", func(tx *sqlite.Tx) error {
			_, err := svc.Lock(ctx, tx, "alice", escrow, 301, "c1", "lock:c1")
			return err
		}},
		{"different type", func(tx *sqlite.Tx) error {
			_, err := svc.Refund(ctx, tx, escrow, "alice", 300, "c1", "lock:c1")
			return err
		}},
		{"different accounts", func(tx *sqlite.Tx) error {
			_, err := svc.Lock(ctx, tx, "alice", domain.EscrowAccount("c2"), 300, "c2", "lock:c1")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := db.Update(ctx, tc.fn)
			if !errors.Is(err, domain.ErrConflict) {
				t.Errorf("error = %v, want ErrConflict", err)
			}
		})
	}

	err = db.Update(ctx, func(tx *sqlite.Tx) error {
		tr, err := svc.Lock(ctx, tx, "alice", escrow, 300, "c1", "lock:c1")
		if err == nil && !tr.Replayed {
			t.Error("matching retry should replay")
		}
		return err
	})
	if err != nil {
		t.Fatalf("retry Lock() error: %v", err)
	}
	bal, _ := svc.Balance(ctx, escrow)
	if bal.Confirmed != 300 {
		t.Errorf("escrow balance = %d, want 300", bal.Confirmed)
	}
}

func TestService_WithdrawReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 300, "", "")

	first, err := svc.Withdraw(ctx, "alice", 100, "wd-1")
	if err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	second, err := svc.Withdraw(ctx, "alice", 100, "wd-1")
	if err != nil {
		t.Fatalf("retry Withdraw() error: %v", err)
	}
	if !second.Replayed || second.ID != first.ID {
		t.Errorf("retry = %+v, want replay of %s", second, first.ID)
	}
	if _, err := svc.Withdraw(ctx, "alice", 50, "wd-1"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Withdraw(different amount) error = %v, want ErrConflict", err)
	}
	bal, _ := svc.Balance(ctx, "alice")
	if bal.Available != 200 {
		t.Errorf("available = %d, want 200", bal.Available)
	}
}

func TestService_InvalidAmount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Deposit(context.Background(), "alice", 0, "", "")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Deposit(0) error = %v, want ErrInvalidInput", err)
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", domain.KindOf(err))
	}
}

func TestService_LockInsufficientFunds(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 100, "", "")

	err := db.Update(ctx, func(tx *sqlite.Tx) error {
		_, err := svc.Lock(ctx, tx, "alice", domain.EscrowAccount("c1"), 150, "c1", "lock:c1")
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("Lock() error = %v, want ErrInsufficientFunds", err)
	}

	bal, _ := svc.Balance(ctx, "alice")
	if bal.Confirmed != 100 {
		t.Errorf("balance after failed lock = %d, want 100", bal.Confirmed)
	}
}

func TestService_LockReleaseRefund(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 1500, "", "")
	escrow := domain.EscrowAccount("c1")

	err := db.Update(ctx, func(tx *sqlite.Tx) error {
		if _, err := svc.Lock(ctx, tx, "alice", escrow, 1500, "c1", "lock:c1"); err != nil {
			return err
		}
		if _, err := svc.Release(ctx, tx, escrow, "bob", 1000, "c1", "release:c1:0"); err != nil {
			return err
		}
		_, err := svc.Refund(ctx, tx, escrow, "alice", 500, "c1", "refund:c1")
		return err
	})
	if err != nil {
		t.Fatalf("movements error: %v", err)
	}

	for account, want := range map[string]int64{"alice": 500, "bob": 1000, escrow: 0} {
		bal, _ := svc.Balance(ctx, account)
		if bal.Confirmed != want {
			t.Errorf("%s balance = %d, want %d", account, bal.Confirmed, want)
		}
	}

	w, err := svc.Wallet(ctx, "bob")
	if err != nil {
		t.Fatalf("Wallet() error: %v", err)
	}
	if w.Released != 1000 {
		t.Errorf("bob released = %d, want 1000", w.Released)
	}
}

func TestService_ReleaseCannotOverdrawEscrow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *sqlite.Tx) error {
		_, err := svc.Release(ctx, tx, domain.EscrowAccount("c1"), "bob", 10, "c1", "")
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("Release() from empty escrow error = %v, want ErrInsufficientFunds", err)
	}
}

func TestService_WithdrawReservesFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 300, "", "")

	tr, err := svc.Withdraw(ctx, "alice", 200, "wd-1")
	if err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	bal, _ := svc.Balance(ctx, "alice")
	if bal.Available != 100 {
		t.Errorf("available while pending = %d, want 100", bal.Available)
	}
	if bal.Confirmed != 300 {
		t.Errorf("confirmed while pending = %d, want 300", bal.Confirmed)
	}

	if _, err := svc.Withdraw(ctx, "alice", 200, ""); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("second Withdraw() error = %v, want ErrInsufficientFunds", err)
	}

	leg := tr.Legs[0]
	if _, err := svc.SettleWithdrawal(ctx, leg.ID, true); err != nil {
		t.Fatalf("SettleWithdrawal() error: %v", err)
	}
	bal, _ = svc.Balance(ctx, "alice")
	if bal.Confirmed != 100 || bal.Available != 100 {
		t.Errorf("balance after settle = %+v, want 100/100", bal)
	}

	if _, err := svc.SettleWithdrawal(ctx, leg.ID, false); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second settle error = %v, want ErrInvalidState", err)
	}
}

func TestService_FailedWithdrawalFreesFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 300, "", "")

	tr, _ := svc.Withdraw(ctx, "alice", 300, "")
	if _, err := svc.SettleWithdrawal(ctx, tr.Legs[0].ID, false); err != nil {
		t.Fatalf("SettleWithdrawal() error: %v", err)
	}
	bal, _ := svc.Balance(ctx, "alice")
	if bal.Available != 300 {
		t.Errorf("available after failed withdrawal = %d, want 300", bal.Available)
	}
}

func TestService_SettleUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SettleWithdrawal(context.Background(), "nope", true)
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Errorf("error = %v, want ErrTransactionNotFound", err)
	}
}

func TestService_History(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 10, "", "")
	svc.Deposit(ctx, "alice", 20, "", "")
	svc.Deposit(ctx, "alice", 30, "", "")

	entries, err := svc.History(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("History(2) = %d entries, want 2", len(entries))
	}
	if entries[0].Amount != 30 {
		t.Errorf("newest entry = %d, want 30", entries[0].Amount)
	}
}

func TestService_ReconcileClean(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Deposit(ctx, "alice", 100, "", "")
	svc.Withdraw(ctx, "alice", 40, "")

	r, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if !r.OK() {
		t.Errorf("report = %+v, want clean", r)
	}
}
