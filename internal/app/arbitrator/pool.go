// Package arbitrator implements the arbitrator pool: token-stake
// eligibility, hourly gig booking and presence tied to booked windows.
package arbitrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Config holds the pool's policy knobs.
type Config struct {
	// Threshold is the available token balance an arbitrator must hold.
	Threshold int64
	// PreWindow lets an arbitrator go online this long before a gig starts.
	PreWindow time.Duration
	// MaxActiveCases caps concurrent assignments; 1 means one case at a time.
	MaxActiveCases int
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{Threshold: 3000, PreWindow: 5 * time.Minute, MaxActiveCases: 1}
}

// Pool tracks arbitrator eligibility, gigs and presence.
type Pool struct {
	db     *sqlite.DB
	ledger *ledger.Service
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates an arbitrator pool.
func NewPool(db *sqlite.DB, l *ledger.Service, cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.PreWindow < 0 {
		cfg.PreWindow = def.PreWindow
	}
	if cfg.MaxActiveCases <= 0 {
		cfg.MaxActiveCases = def.MaxActiveCases
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		db:     db,
		ledger: l,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "arbitrator"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pool policy.
func (p *Pool) Config() Config { return p.cfg }

// ─── Eligibility ────────────────────────────────────────────────────────────

// EligibleIn reports whether account holds the threshold inside tx, along
// with its available balance.
func (p *Pool) EligibleIn(ctx context.Context, tx *sqlite.Tx, account string) (bool, int64, error) {
	bal, err := p.ledger.AvailableIn(ctx, tx, account)
	if err != nil {
		return false, 0, err
	}
	return bal >= p.cfg.Threshold, bal, nil
}

func (p *Pool) requireEligible(ctx context.Context, tx *sqlite.Tx, account string) error {
	ok, bal, err := p.EligibleIn(ctx, tx, account)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotEligible.Withf("%s holds %d, needs %d", account, bal, p.cfg.Threshold)
	}
	return nil
}

func (p *Pool) profile(ctx context.Context, tx *sqlite.Tx, account string) (*domain.ArbitratorProfile, error) {
	a, err := tx.GetArbitrator(ctx, account)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, domain.ErrArbitratorNotFound.Withf("%s", account)
	}
	return a, nil
}

func normalizeDomains(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || strings.Contains(d, ",") || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Register creates an arbitrator profile for an eligible account.
func (p *Pool) Register(ctx context.Context, account string, domains []string) (*domain.ArbitratorProfile, error) {
	if account == "" || domain.IsEscrowAccount(account) {
		return nil, domain.ErrInvalidInput.Withf("invalid arbitrator account %q", account)
	}
	now := p.now().UTC()
	a := &domain.ArbitratorProfile{
		AccountID: account,
		Domains:   normalizeDomains(domains),
		Presence:  domain.PresenceOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := p.db.Update(ctx, func(tx *sqlite.Tx) error {
		ok, bal, err := p.EligibleIn(ctx, tx, account)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotEligible.Withf("%s holds %d, needs %d", account, bal, p.cfg.Threshold)
		}
		a.TokenBalance = bal
		return tx.InsertArbitrator(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("arbitrator registered", "account", account, "domains", a.Domains)
	return a, nil
}

// Get returns a profile with its ledger-derived token balance.
func (p *Pool) Get(ctx context.Context, account string) (*domain.ArbitratorProfile, error) {
	var a *domain.ArbitratorProfile
	err := p.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		if a, err = p.profile(ctx, tx, account); err != nil {
			return err
		}
		a.TokenBalance, err = p.ledger.AvailableIn(ctx, tx, account)
		return err
	})
	return a, err
}

// UpdateDomains replaces an arbitrator's expertise tags.
func (p *Pool) UpdateDomains(ctx context.Context, account string, domains []string) (*domain.ArbitratorProfile, error) {
	var a *domain.ArbitratorProfile
	err := p.db.Update(ctx, func(tx *sqlite.Tx) error {
		var err error
		if a, err = p.profile(ctx, tx, account); err != nil {
			return err
		}
		a.Domains = normalizeDomains(domains)
		a.UpdatedAt = p.now().UTC()
		return tx.UpdateArbitrator(ctx, a)
	})
	return a, err
}

// ─── Gigs ───────────────────────────────────────────────────────────────────

// BookGig claims the one-hour slot starting at start.
func (p *Pool) BookGig(ctx context.Context, account string, start time.Time) (*domain.Gig, error) {
	g, err := p.bookGig(ctx, account, start)
	switch {
	case err == nil:
		metrics.GigBookings.WithLabelValues("booked").Inc()
	case domain.CodeOf(err) == domain.ErrSlotTaken.Code:
		metrics.GigBookings.WithLabelValues("taken").Inc()
	default:
		metrics.GigBookings.WithLabelValues("rejected").Inc()
	}
	return g, err
}

func (p *Pool) bookGig(ctx context.Context, account string, start time.Time) (*domain.Gig, error) {
	start = start.UTC()
	if !start.Equal(start.Truncate(time.Hour)) {
		return nil, domain.ErrSlotNotAligned.Withf("%s", start.Format(time.RFC3339Nano))
	}
	now := p.now().UTC()
	if !start.After(now) {
		return nil, domain.ErrPastSlot.Withf("%s", start.Format(time.RFC3339))
	}

	g := &domain.Gig{
		ID:           uuid.New().String(),
		ArbitratorID: account,
		Start:        start,
		End:          start.Add(domain.GigDuration),
		Status:       domain.GigBooked,
		CreatedAt:    now,
	}
	err := p.db.Update(ctx, func(tx *sqlite.Tx) error {
		if _, err := p.profile(ctx, tx, account); err != nil {
			return err
		}
		if err := p.requireEligible(ctx, tx, account); err != nil {
			return err
		}
		existing, err := tx.BookedGigAt(ctx, account, start)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrSlotTaken.Withf("%s at %s", account, start.Format(time.RFC3339))
		}
		if err := tx.InsertGig(ctx, g); err != nil {
			return err
		}
		return tx.Emit(ctx, domain.TopicGigBooked, g.ID, []string{account}, g, now)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("gig booked", "arbitrator", account, "start", start)
	return g, nil
}

// CancelGig releases a booked slot that has not started yet.
func (p *Pool) CancelGig(ctx context.Context, account, gigID string) (*domain.Gig, error) {
	var g *domain.Gig
	err := p.db.Update(ctx, func(tx *sqlite.Tx) error {
		var err error
		g, err = tx.GetGig(ctx, gigID)
		if err != nil {
			return err
		}
		if g == nil || g.ArbitratorID != account {
			return domain.ErrGigNotFound.Withf("%s", gigID)
		}
		now := p.now().UTC()
		if g.Status != domain.GigBooked {
			return domain.ErrInvalidState.Withf("gig %s is %s", gigID, g.Status)
		}
		if !g.Start.After(now) {
			return domain.ErrInvalidState.Withf("gig %s already started", gigID)
		}
		ok, err := tx.SetGigStatus(ctx, gigID, domain.GigCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConflict.Withf("gig %s changed concurrently", gigID)
		}
		g.Status = domain.GigCancelled
		return tx.Emit(ctx, domain.TopicGigCancelled, g.ID, []string{account}, g, now)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Slot is one generated hour of an arbitrator's day.
type Slot struct {
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Status   domain.GigStatus `json:"status"`
	GigID    string           `json:"gig_id,omitempty"`
	Bookable bool             `json:"bookable"`
}

// Slots generates the 24 hourly slots of day (UTC) and overlays gigs.
// Cancelled gigs leave their slot available again.
func (p *Pool) Slots(ctx context.Context, account string, day time.Time) ([]Slot, error) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	var gigs []domain.Gig
	err := p.db.View(ctx, func(tx *sqlite.Tx) error {
		if _, err := p.profile(ctx, tx, account); err != nil {
			return err
		}
		var err error
		gigs, err = tx.GigsBetween(ctx, account, from, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	slots := make([]Slot, 24)
	for i := range slots {
		start := from.Add(time.Duration(i) * time.Hour)
		slots[i] = Slot{
			Start:    start,
			End:      start.Add(domain.GigDuration),
			Status:   domain.GigAvailable,
			Bookable: start.After(now),
		}
	}
	for _, g := range gigs {
		if g.Status == domain.GigCancelled {
			continue
		}
		i := int(g.Start.Sub(from) / time.Hour)
		slots[i].Status = g.Status
		slots[i].GigID = g.ID
		slots[i].Bookable = false
	}
	return slots, nil
}
