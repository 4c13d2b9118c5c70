package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shm-network/shm/internal/domain"
)

// ErrDuplicateKey is returned when an idempotency key was already recorded.
var ErrDuplicateKey = errors.New("sqlite: duplicate idempotency key")

// TransferRecord is the header grouping the legs of one token movement.
type TransferRecord struct {
	ID             string
	Type           domain.TxType
	IdempotencyKey string
	Ref            string
	CreatedAt      time.Time
}

// ─── Token Ledger ───────────────────────────────────────────────────────────

// InsertTransfer records a transfer header. A reused idempotency key
// returns ErrDuplicateKey and leaves the transaction usable.
func (t *Tx) InsertTransfer(ctx context.Context, tr TransferRecord) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transfers (id, type, idempotency_key, ref, created_at) VALUES (?, ?, ?, ?, ?)`,
		tr.ID, string(tr.Type), nullStr(tr.IdempotencyKey), nullStr(tr.Ref), unixMs(tr.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// TransferByKey returns the transfer recorded under an idempotency key.
func (t *Tx) TransferByKey(ctx context.Context, key string) (*TransferRecord, error) {
	var tr TransferRecord
	var ref sql.NullString
	var created int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, type, idempotency_key, ref, created_at FROM transfers WHERE idempotency_key = ?`, key,
	).Scan(&tr.ID, &tr.Type, &tr.IdempotencyKey, &ref, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transfer by key: %w", err)
	}
	tr.Ref = ref.String
	tr.CreatedAt = fromMs(created)
	return &tr, nil
}

// InsertTokenTx appends one ledger leg.
func (t *Tx) InsertTokenTx(ctx context.Context, e domain.TokenTransaction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO token_transactions (id, transfer_id, account, amount, type, status, ref, memo, created_at, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TransferID, e.Account, e.Amount, string(e.Type), string(e.Status),
		nullStr(e.Ref), nullStr(e.Memo), unixMs(e.CreatedAt), nullableMs(e.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("insert token tx: %w", err)
	}
	return nil
}

const tokenTxColumns = `id, transfer_id, account, amount, type, status, ref, memo, created_at, settled_at`

// TokenTx returns a single ledger leg, or nil.
func (t *Tx) TokenTx(ctx context.Context, id string) (*domain.TokenTransaction, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+tokenTxColumns+` FROM token_transactions WHERE id = ?`, id)
	e, err := scanTokenTx(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// TransferLegs returns the legs of a transfer in insertion order.
func (t *Tx) TransferLegs(ctx context.Context, transferID string) ([]domain.TokenTransaction, error) {
	return t.queryTokenTxs(ctx,
		`SELECT `+tokenTxColumns+` FROM token_transactions WHERE transfer_id = ? ORDER BY rowid`, transferID)
}

// LedgerEntries returns the most recent legs of an account, newest first.
func (t *Tx) LedgerEntries(ctx context.Context, account string, limit int) ([]domain.TokenTransaction, error) {
	return t.queryTokenTxs(ctx,
		`SELECT `+tokenTxColumns+` FROM token_transactions WHERE account = ? ORDER BY rowid DESC LIMIT ?`,
		account, limit)
}

// RefEntries returns every leg referencing an entity (contract or dispute).
func (t *Tx) RefEntries(ctx context.Context, ref string) ([]domain.TokenTransaction, error) {
	return t.queryTokenTxs(ctx,
		`SELECT `+tokenTxColumns+` FROM token_transactions WHERE ref = ? ORDER BY rowid`, ref)
}

// SettleTokenTx moves a PENDING leg to SUCCESS or FAILED exactly once.
func (t *Tx) SettleTokenTx(ctx context.Context, id string, status domain.TxStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE token_transactions SET status = ?, settled_at = ? WHERE id = ? AND status = ?`,
		string(status), unixMs(at), id, string(domain.TxPending),
	)
	if err != nil {
		return fmt.Errorf("settle token tx: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidState.Withf("transaction %s is not pending", id)
	}
	return nil
}

// AccountBalance aggregates an account's legs. Pending debits reserve funds.
func (t *Tx) AccountBalance(ctx context.Context, account string) (domain.Balance, error) {
	b := domain.Balance{Account: account}
	var reserved int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'PENDING' AND amount < 0 THEN amount ELSE 0 END), 0)
		 FROM token_transactions WHERE account = ?`, account,
	).Scan(&b.Confirmed, &reserved)
	if err != nil {
		return b, fmt.Errorf("account balance: %w", err)
	}
	b.Available = b.Confirmed + reserved
	return b, nil
}

// Wallet computes every balance view of an account from the ledger.
func (t *Tx) Wallet(ctx context.Context, account string) (domain.Wallet, error) {
	bal, err := t.AccountBalance(ctx, account)
	if err != nil {
		return domain.Wallet{}, err
	}
	w := domain.Wallet{
		Account:   account,
		Available: bal.Available,
		Pending:   bal.Confirmed - bal.Available,
	}

	err = t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(t.amount), 0)
		 FROM token_transactions t
		 JOIN contracts c ON t.account = 'escrow:' || c.id
		 WHERE c.client_id = ? AND t.status = 'SUCCESS'`, account,
	).Scan(&w.Locked)
	if err != nil {
		return w, fmt.Errorf("wallet locked: %w", err)
	}

	err = t.tx.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN type = 'RELEASE' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'EARN' THEN amount ELSE 0 END), 0)
		 FROM token_transactions WHERE account = ? AND status = 'SUCCESS' AND amount > 0`, account,
	).Scan(&w.Released, &w.Earned)
	if err != nil {
		return w, fmt.Errorf("wallet credits: %w", err)
	}
	return w, nil
}

// UnbalancedTransfers lists transfers whose internal legs do not net to zero.
// DEBIT legs leave the platform and failed legs never moved value.
func (t *Tx) UnbalancedTransfers(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT transfer_id FROM token_transactions
		 WHERE type <> 'DEBIT' AND status <> 'FAILED'
		 GROUP BY transfer_id HAVING SUM(amount) <> 0`)
	if err != nil {
		return nil, fmt.Errorf("unbalanced transfers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EscrowDrift describes a contract whose stored amounts disagree with the
// ledger or with its milestones.
type EscrowDrift struct {
	ContractID     string
	LockedAmount   int64
	EscrowBalance  int64
	UnsettledTotal int64
}

// EscrowDrifts returns every contract where locked_amount differs from the
// escrow account balance or from the unsettled milestone total.
func (t *Tx) EscrowDrifts(ctx context.Context) ([]EscrowDrift, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, locked_amount, escrow_balance, unsettled FROM (
			SELECT c.id, c.locked_amount,
				COALESCE((SELECT SUM(t.amount) FROM token_transactions t
				          WHERE t.account = 'escrow:' || c.id AND t.status = 'SUCCESS'), 0) AS escrow_balance,
				COALESCE((SELECT SUM(m.amount) FROM milestones m
				          WHERE m.contract_id = c.id AND m.state NOT IN ('PAID', 'REFUNDED')), 0) AS unsettled,
				c.state
			FROM contracts c
		) WHERE escrow_balance <> locked_amount
		     OR (state <> 'ESCROW_PENDING' AND unsettled <> locked_amount)`)
	if err != nil {
		return nil, fmt.Errorf("escrow drifts: %w", err)
	}
	defer rows.Close()

	var out []EscrowDrift
	for rows.Next() {
		var d EscrowDrift
		if err := rows.Scan(&d.ContractID, &d.LockedAmount, &d.EscrowBalance, &d.UnsettledTotal); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *Tx) queryTokenTxs(ctx context.Context, query string, args ...any) ([]domain.TokenTransaction, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query token txs: %w", err)
	}
	defer rows.Close()

	var out []domain.TokenTransaction
	for rows.Next() {
		e, err := scanTokenTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanTokenTx(s scanner) (*domain.TokenTransaction, error) {
	var e domain.TokenTransaction
	var ref, memo sql.NullString
	var created int64
	var settled sql.NullInt64
	if err := s.Scan(&e.ID, &e.TransferID, &e.Account, &e.Amount, &e.Type, &e.Status,
		&ref, &memo, &created, &settled); err != nil {
		return nil, err
	}
	e.Ref = ref.String
	e.Memo = memo.String
	e.CreatedAt = fromMs(created)
	e.SettledAt = fromNullMs(settled)
	return &e, nil
}
