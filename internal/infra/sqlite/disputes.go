package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shm-network/shm/internal/domain"
)

// ─── Dispute Repository ─────────────────────────────────────────────────────

const disputeColumns = `id, contract_id, milestone_index, raised_by, amount, reason, domain, status,
	arbitrator_id, outcome_kind, outcome_share, outcome_notes, resolved_by, created_at, assigned_at, resolved_at`

// InsertDispute records a new dispute. A second unresolved dispute on the
// same contract violates idx_disputes_active and returns ErrAlreadyDisputed.
func (t *Tx) InsertDispute(ctx context.Context, d *domain.Dispute) error {
	var idx sql.NullInt64
	if d.MilestoneIndex != nil {
		idx = sql.NullInt64{Int64: int64(*d.MilestoneIndex), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO disputes (id, contract_id, milestone_index, raised_by, amount, reason, domain, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ContractID, idx, d.RaisedBy, d.Amount, d.Reason, d.Domain, string(d.Status), unixMs(d.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyDisputed.Withf("contract %s", d.ContractID)
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

// GetDispute returns a dispute by id, or nil.
func (t *Tx) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ActiveDispute returns the contract's unresolved dispute, or nil.
func (t *Tx) ActiveDispute(ctx context.Context, contractID string) (*domain.Dispute, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE contract_id = ? AND status <> 'RESOLVED'`, contractID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// UpdateDispute writes the mutable dispute fields, guarded on the expected
// previous status. Returns false when the status had already moved on.
func (t *Tx) UpdateDispute(ctx context.Context, d *domain.Dispute, from domain.DisputeStatus) (bool, error) {
	var kind, notes sql.NullString
	var share sql.NullInt64
	if d.Outcome != nil {
		kind = nullStr(string(d.Outcome.Kind))
		notes = nullStr(d.Outcome.Notes)
		share = sql.NullInt64{Int64: d.Outcome.FreelancerShare, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE disputes SET status = ?, arbitrator_id = ?, outcome_kind = ?, outcome_share = ?, outcome_notes = ?,
			resolved_by = ?, assigned_at = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(d.Status), nullStr(d.ArbitratorID), kind, share, notes, nullStr(d.ResolvedBy),
		nullableMs(d.AssignedAt), nullableMs(d.ResolvedAt), d.ID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update dispute: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// OpenDisputes returns unassigned disputes, earliest first.
func (t *Tx) OpenDisputes(ctx context.Context, limit int) ([]domain.Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.queryDisputes(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE status = 'OPEN' ORDER BY created_at, rowid LIMIT ?`, limit)
}

// DisputesForContract lists a contract's disputes, oldest first.
func (t *Tx) DisputesForContract(ctx context.Context, contractID string) ([]domain.Dispute, error) {
	return t.queryDisputes(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE contract_id = ? ORDER BY created_at, rowid`, contractID)
}

// DisputesForArbitrator lists disputes assigned to an arbitrator, newest first.
func (t *Tx) DisputesForArbitrator(ctx context.Context, arbitratorID string) ([]domain.Dispute, error) {
	return t.queryDisputes(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE arbitrator_id = ? ORDER BY created_at DESC, rowid DESC`,
		arbitratorID)
}

// CountDisputes counts disputes in the given status.
func (t *Tx) CountDisputes(ctx context.Context, status domain.DisputeStatus) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count disputes: %w", err)
	}
	return n, nil
}

func (t *Tx) queryDisputes(ctx context.Context, query string, args ...any) ([]domain.Dispute, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query disputes: %w", err)
	}
	defer rows.Close()

	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDispute(s scanner) (*domain.Dispute, error) {
	var d domain.Dispute
	var idx, share, assigned, resolved sql.NullInt64
	var arbitrator, kind, notes, resolvedBy sql.NullString
	var created int64
	err := s.Scan(&d.ID, &d.ContractID, &idx, &d.RaisedBy, &d.Amount, &d.Reason, &d.Domain, &d.Status,
		&arbitrator, &kind, &share, &notes, &resolvedBy, &created, &assigned, &resolved)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	if idx.Valid {
		i := int(idx.Int64)
		d.MilestoneIndex = &i
	}
	if kind.Valid {
		d.Outcome = &domain.Outcome{
			Kind:            domain.OutcomeKind(kind.String),
			FreelancerShare: share.Int64,
			Notes:           notes.String,
		}
	}
	d.ArbitratorID = arbitrator.String
	d.ResolvedBy = resolvedBy.String
	d.CreatedAt = fromMs(created)
	d.AssignedAt = fromNullMs(assigned)
	d.ResolvedAt = fromNullMs(resolved)
	return &d, nil
}
