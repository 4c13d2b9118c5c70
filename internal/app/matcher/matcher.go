// Package matcher assigns OPEN disputes to available arbitrators.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shm-network/shm/internal/app/arbitrator"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Config tunes matching.
type Config struct {
	// FallbackAfter is how long a dispute waits for a domain match before
	// any available arbitrator is accepted.
	FallbackAfter time.Duration
	// Interval is the polling period of Run.
	Interval time.Duration
	// Batch bounds the disputes considered per cycle.
	Batch int
}

// DefaultConfig returns the standard matching policy.
func DefaultConfig() Config {
	return Config{FallbackAfter: 10 * time.Minute, Interval: 5 * time.Second, Batch: 100}
}

// Matcher pairs disputes with arbitrators.
type Matcher struct {
	db     *sqlite.DB
	pool   *arbitrator.Pool
	cfg    Config
	wake   chan struct{}
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// New creates a matcher.
func New(db *sqlite.DB, pool *arbitrator.Pool, cfg Config, logger *slog.Logger, opts ...Option) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = def.FallbackAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	m := &Matcher{
		db:     db,
		pool:   pool,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logger.With("component", "matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notify wakes Run. It never blocks.
func (m *Matcher) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Assignment records one dispute matched to an arbitrator.
type Assignment struct {
	DisputeID    string `json:"dispute_id"`
	ArbitratorID string `json:"arbitrator_id"`
	Fallback     bool   `json:"fallback"`
}

// RunOnce performs one matching cycle over the OPEN disputes, earliest
// first. Disputes without a candidate stay OPEN for the next cycle.
func (m *Matcher) RunOnce(ctx context.Context) ([]Assignment, error) {
	var (
		out     []Assignment
		waits   []time.Duration
		pending int
	)
	err := m.db.Update(ctx, func(tx *sqlite.Tx) error {
		out, waits, pending = nil, nil, 0
		now := m.now().UTC()

		open, err := tx.OpenDisputes(ctx, m.cfg.Batch)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}
		online, err := tx.ArbitratorsByPresence(ctx, domain.PresenceOnline)
		if err != nil {
			return err
		}
		var available []*domain.ArbitratorProfile
		for i := range online {
			ok, err := m.available(ctx, tx, &online[i], now)
			if err != nil {
				return err
			}
			if ok {
				available = append(available, &online[i])
			}
		}

		for i := range open {
			d := &open[i]
			k, err := tx.GetContract(ctx, d.ContractID)
			if err != nil {
				return err
			}
			if k == nil {
				continue
			}
			fallback := now.Sub(d.CreatedAt) >= m.cfg.FallbackAfter
			a, usedFallback := m.pick(available, d, k, fallback)
			if a == nil {
				continue
			}

			d.Status = domain.DisputeAssigned
			d.ArbitratorID = a.AccountID
			d.AssignedAt = now
			ok, err := tx.UpdateDispute(ctx, d, domain.DisputeOpen)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := m.pool.AssignCase(ctx, tx, a, now); err != nil {
				return err
			}
			if err := tx.Emit(ctx, domain.TopicDisputeAssigned, d.ID,
				[]string{a.AccountID, k.ClientID, k.FreelancerID}, d, now); err != nil {
				return err
			}
			out = append(out, Assignment{DisputeID: d.ID, ArbitratorID: a.AccountID, Fallback: usedFallback})
			waits = append(waits, now.Sub(d.CreatedAt))
		}
		// The batch may be a prefix of the backlog.
		pending, err = tx.CountDisputes(ctx, domain.DisputeOpen)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, w := range waits {
		metrics.TimeToMatch.Observe(w.Seconds())
	}
	metrics.DisputesOpen.Set(float64(pending))
	for _, a := range out {
		m.logger.Info("dispute assigned", "dispute", a.DisputeID, "arbitrator", a.ArbitratorID, "fallback", a.Fallback)
	}
	return out, nil
}

// available reports whether an ONLINE arbitrator can take a case right now.
func (m *Matcher) available(ctx context.Context, tx *sqlite.Tx, a *domain.ArbitratorProfile, now time.Time) (bool, error) {
	if a.ActiveCases >= m.pool.Config().MaxActiveCases {
		return false, nil
	}
	ok, _, err := m.pool.EligibleIn(ctx, tx, a.AccountID)
	if err != nil || !ok {
		return false, err
	}
	g, err := m.pool.CoveringGigIn(ctx, tx, a.AccountID, now)
	if err != nil {
		return false, err
	}
	return g != nil, nil
}

// pick selects the best candidate for d. Domain matches win; with fallback
// any candidate qualifies. Ties go to the lowest active cases, then the
// fewest completed cases, then the account id.
func (m *Matcher) pick(available []*domain.ArbitratorProfile, d *domain.Dispute, k *domain.Contract,
	fallback bool) (*domain.ArbitratorProfile, bool) {
	var matched, others []*domain.ArbitratorProfile
	for _, a := range available {
		if k.IsParty(a.AccountID) || a.ActiveCases >= m.pool.Config().MaxActiveCases {
			continue
		}
		others = append(others, a)
		if d.Domain == "" || a.HasDomain(d.Domain) {
			matched = append(matched, a)
		}
	}
	if len(matched) > 0 {
		return best(matched), false
	}
	if fallback && len(others) > 0 {
		return best(others), true
	}
	return nil, false
}

func best(cands []*domain.ArbitratorProfile) *domain.ArbitratorProfile {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.ActiveCases != b.ActiveCases {
			return a.ActiveCases < b.ActiveCases
		}
		if a.CompletedCases != b.CompletedCases {
			return a.CompletedCases < b.CompletedCases
		}
		return a.AccountID < b.AccountID
	})
	return cands[0]
}

// Run matches on every Notify and on each tick until ctx is done.
func (m *Matcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.logger.Info("matcher started", "interval", m.cfg.Interval, "fallback_after", m.cfg.FallbackAfter)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.wake:
		}
		if _, err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("matching cycle failed", "error", err)
		}
	}
}
