// Package contract implements the contract state machine.
//
//	ESCROW_PENDING → ESCROW_FUNDED → IN_PROGRESS ⇄ MILESTONE_SUBMITTED
//	    → PAYMENT_RELEASED → IN_PROGRESS | COMPLETED
//
// DISPUTED is a side state entered from any funded, non-terminal state and
// left only through Settle. CANCELLED is reached through Cancel or a dispute
// that refunds everything.
//
// Every operation is one store transaction: the contract row, its
// milestones, the ledger legs, the transition log and the outbox events
// commit together.
package contract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Service owns contract lifecycles.
type Service struct {
	db       *sqlite.DB
	ledger   *ledger.Service
	platform map[string]bool
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPlatformAccounts lists accounts allowed to act on behalf of the platform.
func WithPlatformAccounts(accounts ...string) Option {
	return func(s *Service) {
		for _, a := range accounts {
			if a != "" {
				s.platform[a] = true
			}
		}
	}
}

// NewService creates a contract state machine.
func NewService(db *sqlite.DB, l *ledger.Service, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:       db,
		ledger:   l,
		platform: make(map[string]bool),
		now:      time.Now,
		logger:   logger.With("component", "contract"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsPlatform reports whether account may override parties.
func (s *Service) IsPlatform(account string) bool { return s.platform[account] }

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get returns a contract with its milestones.
func (s *Service) Get(ctx context.Context, id string) (*domain.Contract, error) {
	var c *domain.Contract
	err := s.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		c, err = tx.GetContract(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrContractNotFound.Withf("%s", id)
	}
	return c, nil
}

// Transitions returns the audit trail of a contract.
func (s *Service) Transitions(ctx context.Context, id string) ([]domain.Transition, error) {
	var out []domain.Transition
	err := s.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		out, err = tx.Transitions(ctx, id)
		return err
	})
	return out, err
}

// ─── Create ─────────────────────────────────────────────────────────────────

// CreateParams describes an accepted bid.
type CreateParams struct {
	ClientID     string                 `json:"client_id"`
	FreelancerID string                 `json:"freelancer_id"`
	Title        string                 `json:"title"`
	BidRef       string                 `json:"bid_ref,omitempty"`
	Milestones   []domain.MilestoneSpec `json:"milestones"`
}

func (p CreateParams) validate() error {
	switch {
	case p.ClientID == "" || p.FreelancerID == "":
		return domain.ErrInvalidInput.Withf("client and freelancer are required")
	case p.ClientID == p.FreelancerID:
		return domain.ErrInvalidInput.Withf("client and freelancer must differ")
	case domain.IsEscrowAccount(p.ClientID) || domain.IsEscrowAccount(p.FreelancerID):
		return domain.ErrInvalidInput.Withf("escrow accounts cannot be parties")
	case len(p.Milestones) == 0:
		return domain.ErrInvalidInput.Withf("at least one milestone is required")
	}
	for i, m := range p.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return domain.ErrInvalidInput.Withf("milestone %d has no title", i)
		}
		if m.Amount <= 0 {
			return domain.ErrInvalidInput.Withf("milestone %d amount must be positive", i)
		}
		if m.DurationDays < 0 {
			return domain.ErrInvalidInput.Withf("milestone %d duration is negative", i)
		}
	}
	return nil
}

// Create opens a contract in ESCROW_PENDING.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Contract, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &domain.Contract{
		ID:           uuid.New().String(),
		ClientID:     p.ClientID,
		FreelancerID: p.FreelancerID,
		Title:        p.Title,
		BidRef:       p.BidRef,
		State:        domain.ContractEscrowPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, ms := range p.Milestones {
		c.TotalAmount += ms.Amount
		c.Milestones = append(c.Milestones, domain.Milestone{
			ContractID:   c.ID,
			Index:        i,
			Title:        ms.Title,
			Amount:       ms.Amount,
			DurationDays: ms.DurationDays,
			State:        domain.MilestonePending,
			UpdatedAt:    now,
		})
	}

	err := s.db.Update(ctx, func(tx *sqlite.Tx) error {
		if err := tx.InsertContract(ctx, c); err != nil {
			return err
		}
		return tx.Emit(ctx, domain.TopicContractCreated, c.ID, parties(c), map[string]any{
			"total_amount": c.TotalAmount, "milestones": len(c.Milestones),
		}, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("contract created", "contract", c.ID, "client", c.ClientID,
		"freelancer", c.FreelancerID, "total", c.TotalAmount)
	return c, nil
}

// ─── Mutation plumbing ──────────────────────────────────────────────────────

// op carries one contract mutation through its transaction.
type op struct {
	s           *Service
	ctx         context.Context
	tx          *sqlite.Tx
	c           *domain.Contract
	actor       string
	now         time.Time
	transitions []domain.Transition
	unchanged   bool
}

// mutate loads the contract, applies the dispute freeze, runs fn and writes
// the contract back with compare-and-set on its version.
func (s *Service) mutate(ctx context.Context, id, actor string, fn func(o *op) error) (*op, error) {
	var o *op
	err := s.db.Update(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetContract(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return domain.ErrContractNotFound.Withf("%s", id)
		}
		if err := checkFreeze(ctx, tx, c); err != nil {
			return err
		}

		o = &op{s: s, ctx: ctx, tx: tx, c: c, actor: actor, now: s.now().UTC()}
		if err := fn(o); err != nil {
			return err
		}
		if o.unchanged {
			return nil
		}
		if !c.LockedConsistent() {
			return fmt.Errorf("contract %s: locked %d does not match unsettled %d",
				c.ID, c.LockedAmount, c.UnsettledAmount())
		}
		c.UpdatedAt = o.now
		return tx.UpdateContract(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	ObserveTransitions(o.transitions)
	return o, nil
}

// checkFreeze fails fast while the contract has an unresolved dispute.
func checkFreeze(ctx context.Context, tx *sqlite.Tx, c *domain.Contract) error {
	if c.State == domain.ContractDisputed {
		return domain.ErrContractDisputed.Withf("contract %s", c.ID)
	}
	d, err := tx.ActiveDispute(ctx, c.ID)
	if err != nil {
		return err
	}
	if d != nil {
		return domain.ErrContractDisputed.Withf("contract %s has dispute %s", c.ID, d.ID)
	}
	return nil
}

// transition moves the contract to a new state and records it.
func (o *op) transition(to domain.ContractState, reason string) error {
	tr, err := recordTransition(o.ctx, o.tx, o.c, to, o.actor, reason, o.now)
	if err != nil {
		return err
	}
	o.transitions = append(o.transitions, tr)
	return nil
}

func recordTransition(ctx context.Context, tx *sqlite.Tx, c *domain.Contract, to domain.ContractState,
	actor, reason string, now time.Time) (domain.Transition, error) {
	tr := domain.Transition{ContractID: c.ID, From: c.State, To: to, Actor: actor, Reason: reason, At: now}
	c.State = to
	if err := tx.InsertTransition(ctx, tr); err != nil {
		return tr, err
	}
	if err := tx.Emit(ctx, domain.TopicContractTransition, c.ID, parties(c), tr, now); err != nil {
		return tr, err
	}
	return tr, nil
}

// ObserveTransitions records committed transitions in metrics.
func ObserveTransitions(trs []domain.Transition) {
	for _, tr := range trs {
		metrics.ContractTransitions.WithLabelValues(string(tr.To)).Inc()
	}
}

func parties(c *domain.Contract) []string {
	return []string{c.ClientID, c.FreelancerID}
}

func (o *op) requireClient() error {
	if o.actor != o.c.ClientID {
		return domain.ErrNotParty.Withf("%s is not the client of %s", o.actor, o.c.ID)
	}
	return nil
}

func (o *op) requireFreelancer() error {
	if o.actor != o.c.FreelancerID {
		return domain.ErrNotParty.Withf("%s is not the freelancer of %s", o.actor, o.c.ID)
	}
	return nil
}

func (o *op) requireState(allowed ...domain.ContractState) error {
	for _, st := range allowed {
		if o.c.State == st {
			return nil
		}
	}
	return domain.ErrInvalidState.Withf("contract %s is %s", o.c.ID, o.c.State)
}
