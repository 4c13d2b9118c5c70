// Package health runs periodic self checks with auto-recovery.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shm-network/shm/internal/app/arbitrator"
	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config tunes the checker.
type Config struct {
	Interval time.Duration
	// MaxMatchWait flags the backlog when the oldest OPEN dispute has waited
	// longer than this.
	MaxMatchWait time.Duration
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker creates a checker with the store, ledger, presence and backlog
// checks.
func NewChecker(db *sqlite.DB, storeDir string, l *ledger.Service, pool *arbitrator.Pool,
	cfg Config, logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxMatchWait <= 0 {
		cfg.MaxMatchWait = time.Hour
	}
	c := &Checker{
		interval: cfg.Interval,
		now:      time.Now,
		logger:   logger.With("component", "health"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.checks = []Check{
		{
			Name:    "sqlite",
			CheckFn: db.Ping,
		},
		{
			Name: "store_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDir(storeDir)
			},
		},
		{
			Name: "ledger",
			CheckFn: func(ctx context.Context) error {
				r, err := l.Reconcile(ctx)
				if err != nil {
					return err
				}
				if !r.OK() {
					return fmt.Errorf("%d unbalanced transfers, %d escrow drifts",
						len(r.UnbalancedTransfers), len(r.EscrowDrifts))
				}
				return nil
			},
		},
		{
			Name: "presence",
			CheckFn: func(ctx context.Context) error {
				return checkPresence(ctx, db, pool, c.now().UTC())
			},
			RecoverFn: func(ctx context.Context) error {
				_, err := pool.Sweep(ctx)
				return err
			},
		},
		{
			Name: "dispute_backlog",
			CheckFn: func(ctx context.Context) error {
				return checkBacklog(ctx, db, c.now().UTC(), cfg.MaxMatchWait)
			},
		},
	}
	return c
}

// Run starts the health check loop and blocks until ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: c.now().UTC(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			c.logger.Warn("health check failed", "check", check.Name, "error", err)
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.logger.Error("recovery failed", "check", check.Name, "error", rerr)
				} else {
					s.Recovered = true
					metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				}
			}
		} else {
			s.Healthy = true
		}
		v := 0.0
		if s.Healthy {
			v = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(v)
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check store dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// checkPresence fails when an ONLINE arbitrator is outside every gig window.
func checkPresence(ctx context.Context, db *sqlite.DB, pool *arbitrator.Pool, now time.Time) error {
	var stale []string
	err := db.View(ctx, func(tx *sqlite.Tx) error {
		online, err := tx.ArbitratorsByPresence(ctx, domain.PresenceOnline)
		if err != nil {
			return err
		}
		for _, a := range online {
			g, err := pool.CoveringGigIn(ctx, tx, a.AccountID, now)
			if err != nil {
				return err
			}
			if g == nil {
				stale = append(stale, a.AccountID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		return fmt.Errorf("%d arbitrators online outside a gig window: %v", len(stale), stale)
	}
	return nil
}

func checkBacklog(ctx context.Context, db *sqlite.DB, now time.Time, limit time.Duration) error {
	return db.View(ctx, func(tx *sqlite.Tx) error {
		open, err := tx.OpenDisputes(ctx, 1)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}
		if wait := now.Sub(open[0].CreatedAt); wait > limit {
			return fmt.Errorf("dispute %s unassigned for %s", open[0].ID, wait.Round(time.Second))
		}
		return nil
	})
}
