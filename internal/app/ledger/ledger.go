// Package ledger implements the token ledger. Every movement is a transfer
// of matched legs that net to zero (withdrawals excepted, they leave the
// platform). Balances are never stored; they are aggregated from the legs.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Service manages the token economy.
type Service struct {
	db       *sqlite.DB
	treasury string
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTreasury overrides the account that mints EARN credits.
func WithTreasury(account string) Option {
	return func(s *Service) {
		if account != "" {
			s.treasury = account
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger service.
func NewService(db *sqlite.DB, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:       db,
		treasury: domain.TreasuryAccount,
		now:      time.Now,
		logger:   logger.With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Treasury returns the minting account.
func (s *Service) Treasury() string { return s.treasury }

// Transfer is the result of one token movement.
type Transfer struct {
	ID   string                    `json:"transfer_id"`
	Type domain.TxType             `json:"type"`
	Legs []domain.TokenTransaction `json:"legs"`
	// Replayed is set when the idempotency key had already been used and
	// no new movement was recorded.
	Replayed bool `json:"replayed,omitempty"`
}

// CreditLeg returns the positive leg, or the only leg of a withdrawal.
func (t *Transfer) CreditLeg() domain.TokenTransaction {
	for _, l := range t.Legs {
		if l.Amount > 0 {
			return l
		}
	}
	if len(t.Legs) > 0 {
		return t.Legs[0]
	}
	return domain.TokenTransaction{}
}

// ─── Transaction-level movements ────────────────────────────────────────────
// These run inside a caller's store transaction so the movement commits
// together with the state change it pays for.

// Lock moves funds from a client into a contract escrow account.
func (s *Service) Lock(ctx context.Context, tx *sqlite.Tx, client, escrow string, amount int64, ref, key string) (*Transfer, error) {
	return s.move(ctx, tx, domain.TxLock, client, escrow, amount, ref, key, "escrow lock")
}

// Release pays escrowed funds to a freelancer.
func (s *Service) Release(ctx context.Context, tx *sqlite.Tx, escrow, freelancer string, amount int64, ref, key string) (*Transfer, error) {
	return s.move(ctx, tx, domain.TxRelease, escrow, freelancer, amount, ref, key, "milestone release")
}

// Refund returns escrowed funds to a client.
func (s *Service) Refund(ctx context.Context, tx *sqlite.Tx, escrow, client string, amount int64, ref, key string) (*Transfer, error) {
	return s.move(ctx, tx, domain.TxRefund, escrow, client, amount, ref, key, "escrow refund")
}

// Earn credits an account from the treasury.
func (s *Service) Earn(ctx context.Context, tx *sqlite.Tx, account string, amount int64, ref, key, memo string) (*Transfer, error) {
	return s.move(ctx, tx, domain.TxEarn, s.treasury, account, amount, ref, key, memo)
}

// AvailableIn returns an account's spendable balance inside tx.
func (s *Service) AvailableIn(ctx context.Context, tx *sqlite.Tx, account string) (int64, error) {
	b, err := tx.AccountBalance(ctx, account)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

func (s *Service) move(ctx context.Context, tx *sqlite.Tx, typ domain.TxType, from, to string,
	amount int64, ref, key, memo string) (*Transfer, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidInput.Withf("%s amount must be positive, got %d", typ, amount)
	}
	if from == "" || to == "" || from == to {
		return nil, domain.ErrInvalidInput.Withf("%s needs two distinct accounts", typ)
	}

	legs := []domain.TokenTransaction{
		{Account: from, Amount: -amount},
		{Account: to, Amount: amount},
	}
	if replay, err := s.replay(ctx, tx, key, typ, legs); err != nil || replay != nil {
		return replay, err
	}

	// The treasury mints; every other account must cover the amount.
	if from != s.treasury {
		bal, err := tx.AccountBalance(ctx, from)
		if err != nil {
			return nil, err
		}
		if bal.Available < amount {
			return nil, domain.ErrInsufficientFunds.Withf("%s has %d available, needs %d", from, bal.Available, amount)
		}
	}

	now := s.now().UTC()
	tr := &Transfer{ID: uuid.New().String(), Type: typ}
	if err := tx.InsertTransfer(ctx, sqlite.TransferRecord{
		ID: tr.ID, Type: typ, IdempotencyKey: key, Ref: ref, CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	for _, l := range legs {
		l.ID = uuid.New().String()
		l.TransferID = tr.ID
		l.Type = typ
		l.Status = domain.TxSuccess
		l.Ref = ref
		l.IdempotencyKey = key
		l.Memo = memo
		l.CreatedAt = now
		l.SettledAt = now
		if err := tx.InsertTokenTx(ctx, l); err != nil {
			return nil, err
		}
		tr.Legs = append(tr.Legs, l)
	}

	if err := tx.Emit(ctx, domain.TopicLedgerTransfer, tr.ID, s.userAccounts(from, to), map[string]any{
		"type": typ, "from": from, "to": to, "amount": amount, "ref": ref,
	}, now); err != nil {
		return nil, err
	}

	metrics.TokenMovements.WithLabelValues(string(typ)).Inc()
	metrics.TokenVolume.WithLabelValues(string(typ)).Add(float64(amount))
	return tr, nil
}

// replay returns the transfer already recorded under key, if any. A key
// held by a different movement is a conflict, never a replay.
func (s *Service) replay(ctx context.Context, tx *sqlite.Tx, key string, typ domain.TxType,
	want []domain.TokenTransaction) (*Transfer, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := tx.TransferByKey(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	legs, err := tx.TransferLegs(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if rec.Type != typ || !sameLegs(legs, want) {
		return nil, domain.ErrConflict.Withf("idempotency key %q already used by a different %s transfer", key, rec.Type)
	}
	for i := range legs {
		legs[i].IdempotencyKey = key
	}
	return &Transfer{ID: rec.ID, Type: rec.Type, Legs: legs, Replayed: true}, nil
}

// sameLegs compares account and amount of two leg sets, ignoring order.
func sameLegs(got, want []domain.TokenTransaction) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]int64, len(got))
	for _, l := range got {
		seen[l.Account] += l.Amount
	}
	for _, l := range want {
		if v, ok := seen[l.Account]; !ok || v != l.Amount {
			return false
		}
		delete(seen, l.Account)
	}
	return len(seen) == 0
}

// externalKey scopes a caller-supplied idempotency key to one account and
// operation so it cannot collide with engine keys such as lock:<contract>.
func externalKey(typ domain.TxType, account, key string) string {
	if key == "" {
		return ""
	}
	return "ext:" + account + ":" + string(typ) + ":" + key
}

// userAccounts filters out escrow and system accounts from event recipients.
func (s *Service) userAccounts(accounts ...string) []string {
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if domain.IsEscrowAccount(a) || a == s.treasury {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ─── Standalone operations ──────────────────────────────────────────────────

// Deposit tops up an account from the treasury. The idempotency key is
// scoped to the account.
func (s *Service) Deposit(ctx context.Context, account string, amount int64, ref, key string) (*Transfer, error) {
	var tr *Transfer
	err := s.db.Update(ctx, func(tx *sqlite.Tx) error {
		var err error
		tr, err = s.Earn(ctx, tx, account, amount, ref, externalKey(domain.TxEarn, account, key), "deposit")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit", "account", account, "amount", amount, "transfer", tr.ID, "replayed", tr.Replayed)
	return tr, nil
}

// Withdraw reserves funds with a PENDING DEBIT until SettleWithdrawal. The
// idempotency key is scoped to the account.
func (s *Service) Withdraw(ctx context.Context, account string, amount int64, key string) (*Transfer, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidInput.Withf("withdrawal amount must be positive, got %d", amount)
	}
	if account == "" || domain.IsEscrowAccount(account) {
		return nil, domain.ErrInvalidInput.Withf("cannot withdraw from %q", account)
	}

	key = externalKey(domain.TxDebit, account, key)
	want := []domain.TokenTransaction{{Account: account, Amount: -amount}}

	var tr *Transfer
	err := s.db.Update(ctx, func(tx *sqlite.Tx) error {
		replay, err := s.replay(ctx, tx, key, domain.TxDebit, want)
		if err != nil {
			return err
		}
		if replay != nil {
			tr = replay
			return nil
		}

		bal, err := tx.AccountBalance(ctx, account)
		if err != nil {
			return err
		}
		if bal.Available < amount {
			return domain.ErrInsufficientFunds.Withf("%s has %d available, needs %d", account, bal.Available, amount)
		}

		now := s.now().UTC()
		tr = &Transfer{ID: uuid.New().String(), Type: domain.TxDebit}
		if err := tx.InsertTransfer(ctx, sqlite.TransferRecord{
			ID: tr.ID, Type: domain.TxDebit, IdempotencyKey: key, CreatedAt: now,
		}); err != nil {
			return err
		}
		leg := domain.TokenTransaction{
			ID:             uuid.New().String(),
			TransferID:     tr.ID,
			Account:        account,
			Amount:         -amount,
			Type:           domain.TxDebit,
			Status:         domain.TxPending,
			IdempotencyKey: key,
			Memo:           "withdrawal",
			CreatedAt:      now,
		}
		if err := tx.InsertTokenTx(ctx, leg); err != nil {
			return err
		}
		tr.Legs = []domain.TokenTransaction{leg}
		return tx.Emit(ctx, domain.TopicLedgerTransfer, tr.ID, []string{account}, map[string]any{
			"type": domain.TxDebit, "from": account, "amount": amount, "status": domain.TxPending,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	if !tr.Replayed {
		metrics.TokenMovements.WithLabelValues(string(domain.TxDebit)).Inc()
		s.logger.Info("withdrawal reserved", "account", account, "amount", amount, "tx", tr.Legs[0].ID)
	}
	return tr, nil
}

// SettleWithdrawal completes a pending withdrawal. A failed settlement
// releases the reserved funds.
func (s *Service) SettleWithdrawal(ctx context.Context, txID string, ok bool) (*domain.TokenTransaction, error) {
	status := domain.TxFailed
	if ok {
		status = domain.TxSuccess
	}

	var out *domain.TokenTransaction
	err := s.db.Update(ctx, func(tx *sqlite.Tx) error {
		leg, err := tx.TokenTx(ctx, txID)
		if err != nil {
			return err
		}
		if leg == nil {
			return domain.ErrTransactionNotFound.Withf("%s", txID)
		}
		if leg.Type != domain.TxDebit {
			return domain.ErrInvalidState.Withf("transaction %s is %s, not a withdrawal", txID, leg.Type)
		}
		now := s.now().UTC()
		if err := tx.SettleTokenTx(ctx, txID, status, now); err != nil {
			return err
		}
		leg.Status = status
		leg.SettledAt = now
		out = leg
		return tx.Emit(ctx, domain.TopicLedgerTransfer, leg.TransferID, []string{leg.Account}, map[string]any{
			"type": domain.TxDebit, "from": leg.Account, "amount": -leg.Amount, "status": status,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal settled", "tx", txID, "status", status)
	return out, nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Balance returns the confirmed and available balance of an account.
func (s *Service) Balance(ctx context.Context, account string) (domain.Balance, error) {
	var b domain.Balance
	err := s.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		b, err = tx.AccountBalance(ctx, account)
		return err
	})
	return b, err
}

// Wallet returns every balance view of an account from one snapshot.
func (s *Service) Wallet(ctx context.Context, account string) (domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		w, err = tx.Wallet(ctx, account)
		return err
	})
	return w, err
}

// History returns recent ledger legs of an account, newest first.
func (s *Service) History(ctx context.Context, account string, limit int) ([]domain.TokenTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []domain.TokenTransaction
	err := s.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		out, err = tx.LedgerEntries(ctx, account, limit)
		return err
	})
	return out, err
}

// Report is the outcome of a reconciliation pass.
type Report struct {
	UnbalancedTransfers []string             `json:"unbalanced_transfers"`
	EscrowDrifts        []sqlite.EscrowDrift `json:"escrow_drifts"`
}

// OK reports whether the ledger is consistent.
func (r Report) OK() bool { return len(r.UnbalancedTransfers) == 0 && len(r.EscrowDrifts) == 0 }

// Reconcile replays the ledger and checks that every transfer nets to zero
// and every escrow account matches its contract.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	var r Report
	err := s.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		if r.UnbalancedTransfers, err = tx.UnbalancedTransfers(ctx); err != nil {
			return err
		}
		r.EscrowDrifts, err = tx.EscrowDrifts(ctx)
		return err
	})
	if err != nil {
		return r, fmt.Errorf("reconcile: %w", err)
	}
	metrics.LedgerDrift.Set(float64(len(r.UnbalancedTransfers) + len(r.EscrowDrifts)))
	if !r.OK() {
		s.logger.Error("ledger reconciliation failed",
			"unbalanced", len(r.UnbalancedTransfers), "escrow_drifts", len(r.EscrowDrifts))
	}
	return r, nil
}
