package arbitrator

import (
	"context"
	"time"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// ─── Presence ───────────────────────────────────────────────────────────────

// CoveringGigIn returns the booked gig whose [start-pre, end) window holds now.
func (p *Pool) CoveringGigIn(ctx context.Context, tx *sqlite.Tx, account string, now time.Time) (*domain.Gig, error) {
	return tx.CoveringGig(ctx, account, now, p.cfg.PreWindow)
}

// CanGoOnline reports whether a booked gig covers now.
func (p *Pool) CanGoOnline(ctx context.Context, account string, now time.Time) (bool, error) {
	var ok bool
	err := p.db.View(ctx, func(tx *sqlite.Tx) error {
		g, err := p.CoveringGigIn(ctx, tx, account, now)
		ok = g != nil
		return err
	})
	return ok, err
}

// SetPresence applies a presence change requested by the arbitrator. BUSY
// is owned by the matcher; asking for ONLINE while at the case cap stores
// BUSY.
func (p *Pool) SetPresence(ctx context.Context, account string, presence domain.Presence) (*domain.ArbitratorProfile, error) {
	if presence != domain.PresenceOnline && presence != domain.PresenceOffline {
		return nil, domain.ErrInvalidInput.Withf("presence %q cannot be requested", presence)
	}

	var a *domain.ArbitratorProfile
	err := p.db.Update(ctx, func(tx *sqlite.Tx) error {
		var err error
		if a, err = p.profile(ctx, tx, account); err != nil {
			return err
		}
		now := p.now().UTC()
		target := domain.PresenceOffline
		if presence == domain.PresenceOnline {
			if err := p.requireEligible(ctx, tx, account); err != nil {
				return err
			}
			g, err := p.CoveringGigIn(ctx, tx, account, now)
			if err != nil {
				return err
			}
			if g == nil {
				return domain.ErrOutsideGigWindow.Withf("%s at %s", account, now.Format(time.RFC3339))
			}
			target = domain.PresenceOnline
			if a.ActiveCases >= p.cfg.MaxActiveCases {
				target = domain.PresenceBusy
			}
		}
		return p.setPresence(ctx, tx, a, target, now)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("presence changed", "arbitrator", account, "presence", a.Presence)
	return a, nil
}

func (p *Pool) setPresence(ctx context.Context, tx *sqlite.Tx, a *domain.ArbitratorProfile,
	to domain.Presence, now time.Time) error {
	changed := a.Presence != to
	a.Presence = to
	a.UpdatedAt = now
	if err := tx.UpdateArbitrator(ctx, a); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return tx.Emit(ctx, domain.TopicPresenceChanged, a.AccountID, []string{a.AccountID},
		map[string]any{"presence": to, "active_cases": a.ActiveCases}, now)
}

// ─── Case accounting ────────────────────────────────────────────────────────
// Called by the matcher and the dispute coordinator inside their transactions.

// AssignCase counts a new case against the arbitrator and marks it BUSY at
// the cap.
func (p *Pool) AssignCase(ctx context.Context, tx *sqlite.Tx, a *domain.ArbitratorProfile, now time.Time) error {
	a.ActiveCases++
	to := a.Presence
	if a.ActiveCases >= p.cfg.MaxActiveCases {
		to = domain.PresenceBusy
	}
	return p.setPresence(ctx, tx, a, to, now)
}

// ReleaseCase closes a case. A BUSY arbitrator below the cap returns to
// ONLINE while a gig still covers now and it is still eligible, otherwise
// OFFLINE.
func (p *Pool) ReleaseCase(ctx context.Context, tx *sqlite.Tx, account string, now time.Time) error {
	a, err := p.profile(ctx, tx, account)
	if err != nil {
		return err
	}
	if a.ActiveCases > 0 {
		a.ActiveCases--
	}
	a.CompletedCases++

	to := a.Presence
	if a.Presence == domain.PresenceBusy && a.ActiveCases < p.cfg.MaxActiveCases {
		to = domain.PresenceOffline
		g, err := p.CoveringGigIn(ctx, tx, account, now)
		if err != nil {
			return err
		}
		ok, _, err := p.EligibleIn(ctx, tx, account)
		if err != nil {
			return err
		}
		if g != nil && ok {
			to = domain.PresenceOnline
		}
	}
	return p.setPresence(ctx, tx, a, to, now)
}

// ─── Sweeper ────────────────────────────────────────────────────────────────

// SweepResult summarizes one sweep.
type SweepResult struct {
	CompletedGigs int `json:"completed_gigs"`
	WentOffline   int `json:"went_offline"`
}

// Sweep completes ended gigs and takes ONLINE arbitrators that no longer
// have a covering gig or the token threshold OFFLINE.
func (p *Pool) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := p.now().UTC()
	counts := make(map[domain.Presence]int)
	err := p.db.Update(ctx, func(tx *sqlite.Tx) error {
		ended, err := tx.EndedGigs(ctx, now)
		if err != nil {
			return err
		}
		for _, g := range ended {
			ok, err := tx.SetGigStatus(ctx, g.ID, domain.GigCompleted)
			if err != nil {
				return err
			}
			if ok {
				res.CompletedGigs++
			}
		}

		online, err := tx.ArbitratorsByPresence(ctx, domain.PresenceOnline)
		if err != nil {
			return err
		}
		for i := range online {
			a := &online[i]
			g, err := p.CoveringGigIn(ctx, tx, a.AccountID, now)
			if err != nil {
				return err
			}
			ok, _, err := p.EligibleIn(ctx, tx, a.AccountID)
			if err != nil {
				return err
			}
			if g != nil && ok {
				counts[domain.PresenceOnline]++
				continue
			}
			if err := p.setPresence(ctx, tx, a, domain.PresenceOffline, now); err != nil {
				return err
			}
			res.WentOffline++
		}

		busy, err := tx.ArbitratorsByPresence(ctx, domain.PresenceBusy)
		if err != nil {
			return err
		}
		counts[domain.PresenceBusy] = len(busy)
		return nil
	})
	if err != nil {
		return res, err
	}

	metrics.ArbitratorsOnline.WithLabelValues(string(domain.PresenceOnline)).Set(float64(counts[domain.PresenceOnline]))
	metrics.ArbitratorsOnline.WithLabelValues(string(domain.PresenceBusy)).Set(float64(counts[domain.PresenceBusy]))
	if res.CompletedGigs > 0 || res.WentOffline > 0 {
		p.logger.Info("pool swept", "completed_gigs", res.CompletedGigs, "went_offline", res.WentOffline)
	}
	return res, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
