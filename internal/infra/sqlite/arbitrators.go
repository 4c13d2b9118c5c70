package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shm-network/shm/internal/domain"
)

// ─── Arbitrator Repository ──────────────────────────────────────────────────

// InsertArbitrator registers a profile. Returns ErrAlreadyRegistered for a
// known account.
func (t *Tx) InsertArbitrator(ctx context.Context, a *domain.ArbitratorProfile) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO arbitrators (account_id, domains, presence, active_cases, completed_cases, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AccountID, strings.Join(a.Domains, ","), string(a.Presence), a.ActiveCases, a.CompletedCases,
		unixMs(a.CreatedAt), unixMs(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyRegistered.Withf("%s", a.AccountID)
		}
		return fmt.Errorf("insert arbitrator: %w", err)
	}
	return nil
}

// GetArbitrator returns a profile, or nil. TokenBalance is left zero.
func (t *Tx) GetArbitrator(ctx context.Context, accountID string) (*domain.ArbitratorProfile, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT account_id, domains, presence, active_cases, completed_cases, created_at, updated_at
		 FROM arbitrators WHERE account_id = ?`, accountID)
	a, err := scanArbitrator(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// UpdateArbitrator writes presence, domains and case counters.
func (t *Tx) UpdateArbitrator(ctx context.Context, a *domain.ArbitratorProfile) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE arbitrators SET domains = ?, presence = ?, active_cases = ?, completed_cases = ?, updated_at = ?
		 WHERE account_id = ?`,
		strings.Join(a.Domains, ","), string(a.Presence), a.ActiveCases, a.CompletedCases,
		unixMs(a.UpdatedAt), a.AccountID,
	)
	if err != nil {
		return fmt.Errorf("update arbitrator: %w", err)
	}
	return nil
}

// ArbitratorsByPresence lists profiles with the given presence, by account id.
func (t *Tx) ArbitratorsByPresence(ctx context.Context, p domain.Presence) ([]domain.ArbitratorProfile, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT account_id, domains, presence, active_cases, completed_cases, created_at, updated_at
		 FROM arbitrators WHERE presence = ? ORDER BY account_id`, string(p))
	if err != nil {
		return nil, fmt.Errorf("query arbitrators: %w", err)
	}
	defer rows.Close()

	var out []domain.ArbitratorProfile
	for rows.Next() {
		a, err := scanArbitrator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArbitrator(s scanner) (*domain.ArbitratorProfile, error) {
	var a domain.ArbitratorProfile
	var domains string
	var created, updated int64
	err := s.Scan(&a.AccountID, &domains, &a.Presence, &a.ActiveCases, &a.CompletedCases, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan arbitrator: %w", err)
	}
	if domains != "" {
		a.Domains = strings.Split(domains, ",")
	}
	a.CreatedAt = fromMs(created)
	a.UpdatedAt = fromMs(updated)
	return &a, nil
}

// ─── Gigs ───────────────────────────────────────────────────────────────────

// InsertGig books a slot. The partial unique index on BOOKED rows turns a
// lost race into ErrSlotTaken.
func (t *Tx) InsertGig(ctx context.Context, g *domain.Gig) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO gigs (id, arbitrator_id, start_at, end_at, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.ArbitratorID, unixMs(g.Start), unixMs(g.End), string(g.Status), unixMs(g.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSlotTaken.Withf("%s at %s", g.ArbitratorID, g.Start.Format(time.RFC3339))
		}
		return fmt.Errorf("insert gig: %w", err)
	}
	return nil
}

// GetGig returns a gig by id, or nil.
func (t *Tx) GetGig(ctx context.Context, id string) (*domain.Gig, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, arbitrator_id, start_at, end_at, status, created_at FROM gigs WHERE id = ?`, id)
	g, err := scanGig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// BookedGigAt returns the arbitrator's BOOKED gig starting at start, or nil.
func (t *Tx) BookedGigAt(ctx context.Context, arbitratorID string, start time.Time) (*domain.Gig, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, arbitrator_id, start_at, end_at, status, created_at FROM gigs
		 WHERE arbitrator_id = ? AND start_at = ? AND status = 'BOOKED'`, arbitratorID, unixMs(start))
	g, err := scanGig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// GigsBetween lists an arbitrator's gigs starting in [from, to), by start.
func (t *Tx) GigsBetween(ctx context.Context, arbitratorID string, from, to time.Time) ([]domain.Gig, error) {
	return t.queryGigs(ctx,
		`SELECT id, arbitrator_id, start_at, end_at, status, created_at FROM gigs
		 WHERE arbitrator_id = ? AND start_at >= ? AND start_at < ? ORDER BY start_at, rowid`,
		arbitratorID, unixMs(from), unixMs(to))
}

// CoveringGig returns a BOOKED gig whose window [start-pre, end) contains now.
func (t *Tx) CoveringGig(ctx context.Context, arbitratorID string, now time.Time, pre time.Duration) (*domain.Gig, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, arbitrator_id, start_at, end_at, status, created_at FROM gigs
		 WHERE arbitrator_id = ? AND status = 'BOOKED' AND start_at - ? <= ? AND end_at > ?
		 ORDER BY start_at LIMIT 1`,
		arbitratorID, pre.Milliseconds(), unixMs(now), unixMs(now))
	g, err := scanGig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// SetGigStatus moves a gig out of BOOKED. Returns false if it was not BOOKED.
func (t *Tx) SetGigStatus(ctx context.Context, id string, status domain.GigStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE gigs SET status = ? WHERE id = ? AND status = 'BOOKED'`, string(status), id)
	if err != nil {
		return false, fmt.Errorf("update gig: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// EndedGigs lists BOOKED gigs whose end is at or before now.
func (t *Tx) EndedGigs(ctx context.Context, now time.Time) ([]domain.Gig, error) {
	return t.queryGigs(ctx,
		`SELECT id, arbitrator_id, start_at, end_at, status, created_at FROM gigs
		 WHERE status = 'BOOKED' AND end_at <= ? ORDER BY end_at, rowid`, unixMs(now))
}

func (t *Tx) queryGigs(ctx context.Context, query string, args ...any) ([]domain.Gig, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query gigs: %w", err)
	}
	defer rows.Close()

	var out []domain.Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGig(s scanner) (*domain.Gig, error) {
	var g domain.Gig
	var start, end, created int64
	err := s.Scan(&g.ID, &g.ArbitratorID, &start, &end, &g.Status, &created)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan gig: %w", err)
	}
	g.Start = fromMs(start)
	g.End = fromMs(end)
	g.CreatedAt = fromMs(created)
	return &g, nil
}
