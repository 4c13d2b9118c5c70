package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shm-network/shm/internal/domain"
)

// ─── Contract Repository ────────────────────────────────────────────────────

// InsertContract creates a contract together with its milestones.
func (t *Tx) InsertContract(ctx context.Context, c *domain.Contract) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO contracts (id, client_id, freelancer_id, title, bid_ref, total_amount, locked_amount,
			state, pre_dispute_state, current_milestone, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.FreelancerID, c.Title, nullStr(c.BidRef), c.TotalAmount, c.LockedAmount,
		string(c.State), nullStr(string(c.PreDisputeState)), c.CurrentMilestone, c.Version,
		unixMs(c.CreatedAt), unixMs(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	for _, m := range c.Milestones {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO milestones (contract_id, idx, title, amount, duration_days, state,
				paid_amount, refunded_amount, release_tx_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, m.Index, m.Title, m.Amount, m.DurationDays, string(m.State),
			m.PaidAmount, m.RefundedAmount, nullStr(m.ReleaseTxID), unixMs(m.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert milestone %d: %w", m.Index, err)
		}
	}
	return nil
}

// GetContract loads a contract and its milestones. Returns nil when missing.
func (t *Tx) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, client_id, freelancer_id, title, bid_ref, total_amount, locked_amount, state,
			pre_dispute_state, current_milestone, version, created_at, updated_at
		 FROM contracts WHERE id = ?`, id)

	var c domain.Contract
	var bidRef, preState sql.NullString
	var created, updated int64
	err := row.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.Title, &bidRef, &c.TotalAmount,
		&c.LockedAmount, &c.State, &preState, &c.CurrentMilestone, &c.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan contract: %w", err)
	}
	c.BidRef = bidRef.String
	c.PreDisputeState = domain.ContractState(preState.String)
	c.CreatedAt = fromMs(created)
	c.UpdatedAt = fromMs(updated)

	ms, err := t.Milestones(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Milestones = ms
	return &c, nil
}

// Milestones returns a contract's milestones in index order.
func (t *Tx) Milestones(ctx context.Context, contractID string) ([]domain.Milestone, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT contract_id, idx, title, amount, duration_days, state, paid_amount, refunded_amount,
			release_tx_id, updated_at
		 FROM milestones WHERE contract_id = ? ORDER BY idx`, contractID)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var out []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var releaseTx sql.NullString
		var updated int64
		if err := rows.Scan(&m.ContractID, &m.Index, &m.Title, &m.Amount, &m.DurationDays, &m.State,
			&m.PaidAmount, &m.RefundedAmount, &releaseTx, &updated); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.ReleaseTxID = releaseTx.String
		m.UpdatedAt = fromMs(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateContract writes the contract row with compare-and-set on Version.
// On success c.Version is incremented; a stale version yields ErrConflict.
func (t *Tx) UpdateContract(ctx context.Context, c *domain.Contract) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE contracts SET locked_amount = ?, state = ?, pre_dispute_state = ?, current_milestone = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		c.LockedAmount, string(c.State), nullStr(string(c.PreDisputeState)), c.CurrentMilestone,
		unixMs(c.UpdatedAt), c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrConflict.Withf("contract %s changed concurrently", c.ID)
	}
	c.Version++
	return nil
}

// UpdateMilestone writes a milestone's mutable fields.
func (t *Tx) UpdateMilestone(ctx context.Context, m domain.Milestone) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE milestones SET state = ?, paid_amount = ?, refunded_amount = ?, release_tx_id = ?, updated_at = ?
		 WHERE contract_id = ? AND idx = ?`,
		string(m.State), m.PaidAmount, m.RefundedAmount, nullStr(m.ReleaseTxID), unixMs(m.UpdatedAt),
		m.ContractID, m.Index,
	)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	return nil
}

// CompareAndSetMilestone moves a milestone from one state to another.
// Returns false when the milestone was not in the expected state.
func (t *Tx) CompareAndSetMilestone(ctx context.Context, contractID string, index int,
	from, to domain.MilestoneState, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE milestones SET state = ?, updated_at = ? WHERE contract_id = ? AND idx = ? AND state = ?`,
		string(to), unixMs(at), contractID, index, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("cas milestone: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// InsertTransition appends to the contract's audit trail.
func (t *Tx) InsertTransition(ctx context.Context, tr domain.Transition) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO contract_transitions (contract_id, from_state, to_state, actor, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ContractID, string(tr.From), string(tr.To), nullStr(tr.Actor), nullStr(tr.Reason), unixMs(tr.At),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Transitions returns a contract's audit trail, oldest first.
func (t *Tx) Transitions(ctx context.Context, contractID string) ([]domain.Transition, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT contract_id, from_state, to_state, actor, reason, at
		 FROM contract_transitions WHERE contract_id = ? ORDER BY id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var actor, reason sql.NullString
		var at int64
		if err := rows.Scan(&tr.ContractID, &tr.From, &tr.To, &actor, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Actor = actor.String
		tr.Reason = reason.String
		tr.At = fromMs(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ContractIDs lists all contract ids, oldest first.
func (t *Tx) ContractIDs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id FROM contracts ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
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

// ─── Submissions ────────────────────────────────────────────────────────────

// GetSubmission returns the active submission of a milestone, or nil.
func (t *Tx) GetSubmission(ctx context.Context, contractID string, index int) (*domain.MilestoneSubmission, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, contract_id, idx, proof_url, description, status, feedback, revision, submitted_at, reviewed_at
		 FROM submissions WHERE contract_id = ? AND idx = ?`, contractID, index)

	var s domain.MilestoneSubmission
	var feedback sql.NullString
	var submitted int64
	var reviewed sql.NullInt64
	err := row.Scan(&s.ID, &s.ContractID, &s.Index, &s.ProofURL, &s.Description, &s.Status,
		&feedback, &s.Revision, &submitted, &reviewed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	s.Feedback = feedback.String
	s.SubmittedAt = fromMs(submitted)
	s.ReviewedAt = fromNullMs(reviewed)
	return &s, nil
}

// UpsertSubmission writes the active submission, keeping its id on resubmit.
func (t *Tx) UpsertSubmission(ctx context.Context, s domain.MilestoneSubmission) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO submissions (id, contract_id, idx, proof_url, description, status, feedback, revision,
			submitted_at, reviewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(contract_id, idx) DO UPDATE SET
			proof_url=excluded.proof_url,
			description=excluded.description,
			status=excluded.status,
			feedback=excluded.feedback,
			revision=excluded.revision,
			submitted_at=excluded.submitted_at,
			reviewed_at=excluded.reviewed_at`,
		s.ID, s.ContractID, s.Index, s.ProofURL, s.Description, string(s.Status), nullStr(s.Feedback),
		s.Revision, unixMs(s.SubmittedAt), nullableMs(s.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}
	return nil
}

// AppendSubmissionRecord adds a history entry for a new revision.
func (t *Tx) AppendSubmissionRecord(ctx context.Context, r domain.SubmissionRecord) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO submission_history (submission_id, contract_id, idx, revision, proof_url, description,
			status, feedback, submitted_at, reviewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SubmissionID, r.ContractID, r.Index, r.Revision, r.ProofURL, r.Description,
		string(r.Status), nullStr(r.Feedback), unixMs(r.SubmittedAt), nullableMs(r.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("append submission record: %w", err)
	}
	return nil
}

// ReviewSubmissionRecord stores the review outcome of one revision.
func (t *Tx) ReviewSubmissionRecord(ctx context.Context, submissionID string, revision int,
	status domain.SubmissionStatus, feedback string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE submission_history SET status = ?, feedback = ?, reviewed_at = ?
		 WHERE submission_id = ? AND revision = ? AND reviewed_at IS NULL`,
		string(status), nullStr(feedback), unixMs(at), submissionID, revision,
	)
	if err != nil {
		return fmt.Errorf("review submission record: %w", err)
	}
	return nil
}

// SubmissionHistory returns every submitted revision of a milestone, oldest first.
func (t *Tx) SubmissionHistory(ctx context.Context, contractID string, index int) ([]domain.SubmissionRecord, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT seq, submission_id, contract_id, idx, revision, proof_url, description, status, feedback,
			submitted_at, reviewed_at
		 FROM submission_history WHERE contract_id = ? AND idx = ? ORDER BY seq`, contractID, index)
	if err != nil {
		return nil, fmt.Errorf("query submission history: %w", err)
	}
	defer rows.Close()

	var out []domain.SubmissionRecord
	for rows.Next() {
		var r domain.SubmissionRecord
		var feedback sql.NullString
		var submitted int64
		var reviewed sql.NullInt64
		if err := rows.Scan(&r.Seq, &r.SubmissionID, &r.ContractID, &r.Index, &r.Revision, &r.ProofURL,
			&r.Description, &r.Status, &feedback, &submitted, &reviewed); err != nil {
			return nil, fmt.Errorf("scan submission record: %w", err)
		}
		r.Feedback = feedback.String
		r.SubmittedAt = fromMs(submitted)
		r.ReviewedAt = fromNullMs(reviewed)
		out = append(out, r)
	}
	return out, rows.Err()
}
