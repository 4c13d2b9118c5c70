// Package dispute implements the dispute coordinator. Raising a dispute
// freezes the contract and queues the case for matching; resolving it routes
// the frozen funds and releases the contract and the arbitrator.
package dispute

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shm-network/shm/internal/app/arbitrator"
	"github.com/shm-network/shm/internal/app/contract"
	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Config holds coordinator policy.
type Config struct {
	// ArbitrationFee is credited to the arbitrator from the treasury on
	// resolution. Zero disables the fee.
	ArbitrationFee int64
	// PlatformAccounts may resolve any unresolved dispute.
	PlatformAccounts []string
}

// Coordinator owns dispute lifecycles.
type Coordinator struct {
	db        *sqlite.DB
	contracts *contract.Service
	pool      *arbitrator.Pool
	ledger    *ledger.Service
	cfg       Config
	platform  map[string]bool
	notify    func()
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotifier registers fn to be called after a dispute is raised.
func WithNotifier(fn func()) Option {
	return func(c *Coordinator) { c.notify = fn }
}

// NewCoordinator creates a dispute coordinator.
func NewCoordinator(db *sqlite.DB, contracts *contract.Service, pool *arbitrator.Pool, l *ledger.Service,
	cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		db:        db,
		contracts: contracts,
		pool:      pool,
		ledger:    l,
		cfg:       cfg,
		platform:  make(map[string]bool),
		notify:    func() {},
		now:       time.Now,
		logger:    logger.With("component", "dispute"),
	}
	for _, a := range cfg.PlatformAccounts {
		c.platform[a] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ─── Raise ──────────────────────────────────────────────────────────────────

// RaiseParams describes a new dispute. A nil MilestoneIndex contests every
// unsettled milestone of the contract.
type RaiseParams struct {
	ContractID     string `json:"contract_id"`
	Actor          string `json:"-"`
	MilestoneIndex *int   `json:"milestone_index"`
	Reason         string `json:"reason"`
	Domain         string `json:"domain"`
	Amount         int64  `json:"amount"`
}

// Raise freezes the contract and records an OPEN dispute. Matching happens
// asynchronously.
func (c *Coordinator) Raise(ctx context.Context, p RaiseParams) (*domain.Dispute, error) {
	if strings.TrimSpace(p.Reason) == "" {
		return nil, domain.ErrInvalidInput.Withf("reason is required")
	}
	if p.Amount <= 0 {
		return nil, domain.ErrInvalidInput.Withf("disputed amount must be positive, got %d", p.Amount)
	}

	now := c.now().UTC()
	d := &domain.Dispute{
		ID:             uuid.New().String(),
		ContractID:     p.ContractID,
		MilestoneIndex: p.MilestoneIndex,
		RaisedBy:       p.Actor,
		Amount:         p.Amount,
		Reason:         p.Reason,
		Domain:         strings.ToLower(strings.TrimSpace(p.Domain)),
		Status:         domain.DisputeOpen,
		CreatedAt:      now,
	}

	var transitions []domain.Transition
	err := c.db.Update(ctx, func(tx *sqlite.Tx) error {
		k, err := tx.GetContract(ctx, p.ContractID)
		if err != nil {
			return err
		}
		if k == nil {
			return domain.ErrContractNotFound.Withf("%s", p.ContractID)
		}
		if !k.IsParty(p.Actor) {
			return domain.ErrNotParty.Withf("%s is not a party of %s", p.Actor, k.ID)
		}
		active, err := tx.ActiveDispute(ctx, k.ID)
		if err != nil {
			return err
		}
		if active != nil || k.State == domain.ContractDisputed {
			return domain.ErrAlreadyDisputed.Withf("contract %s", k.ID)
		}
		if k.State.IsTerminal() {
			return domain.ErrInvalidContractState.Withf("contract %s is %s", k.ID, k.State)
		}

		inScope := k.LockedAmount
		if p.MilestoneIndex != nil {
			m := k.Milestone(*p.MilestoneIndex)
			if m == nil {
				return domain.ErrMilestoneNotFound.Withf("contract %s index %d", k.ID, *p.MilestoneIndex)
			}
			if m.State.IsSettled() {
				return domain.ErrInvalidState.Withf("milestone %d is already %s", m.Index, m.State)
			}
			inScope = m.Amount
		}
		if p.Amount > inScope {
			return domain.ErrInvalidInput.Withf("disputed amount %d exceeds %d in scope", p.Amount, inScope)
		}

		transitions, err = c.contracts.Freeze(ctx, tx, k, p.Actor, "dispute "+d.ID+" raised", now)
		if err != nil {
			return err
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}
		return tx.Emit(ctx, domain.TopicDisputeRaised, d.ID, []string{k.ClientID, k.FreelancerID}, d, now)
	})
	if err != nil {
		return nil, err
	}

	contract.ObserveTransitions(transitions)
	metrics.DisputesRaised.WithLabelValues(d.Domain).Inc()
	c.logger.Info("dispute raised", "dispute", d.ID, "contract", d.ContractID, "domain", d.Domain, "amount", d.Amount)
	c.notify()
	return d, nil
}

// ─── Review and resolution ──────────────────────────────────────────────────

// StartReview marks an assigned dispute as under review by its arbitrator.
func (c *Coordinator) StartReview(ctx context.Context, id, actor string) (*domain.Dispute, error) {
	var d *domain.Dispute
	err := c.db.Update(ctx, func(tx *sqlite.Tx) error {
		var err error
		if d, err = c.load(ctx, tx, id); err != nil {
			return err
		}
		if d.Status == domain.DisputeResolved {
			return domain.ErrDisputeResolved.Withf("%s", id)
		}
		if actor != d.ArbitratorID {
			return domain.ErrNotAssignedArbitrator.Withf("%s on %s", actor, id)
		}
		if d.Status != domain.DisputeAssigned {
			return domain.ErrInvalidState.Withf("dispute %s is %s", id, d.Status)
		}
		d.Status = domain.DisputeInReview
		ok, err := tx.UpdateDispute(ctx, d, domain.DisputeAssigned)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConflict.Withf("dispute %s changed concurrently", id)
		}
		recipients, err := c.recipients(ctx, tx, d)
		if err != nil {
			return err
		}
		return tx.Emit(ctx, domain.TopicDisputeInReview, d.ID, recipients, d, c.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Resolution is returned by Resolve.
type Resolution struct {
	Dispute    *domain.Dispute      `json:"dispute"`
	Settlement *contract.Settlement `json:"settlement"`
	FeeTxID    string               `json:"fee_tx_id,omitempty"`
}

// Resolve applies a ruling. Only the assigned arbitrator may resolve, or a
// platform account, which may also resolve a dispute still waiting for a
// match.
func (c *Coordinator) Resolve(ctx context.Context, id, actor string, outcome domain.Outcome) (*Resolution, error) {
	if !outcome.Valid() {
		return nil, domain.ErrInvalidInput.Withf("unknown outcome %q", outcome.Kind)
	}

	res := &Resolution{}
	err := c.db.Update(ctx, func(tx *sqlite.Tx) error {
		d, err := c.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeResolved {
			return domain.ErrDisputeResolved.Withf("%s", id)
		}
		override := c.platform[actor]
		if !override && (d.ArbitratorID == "" || actor != d.ArbitratorID) {
			return domain.ErrNotAssignedArbitrator.Withf("%s on %s", actor, id)
		}

		k, err := tx.GetContract(ctx, d.ContractID)
		if err != nil {
			return err
		}
		if k == nil {
			return domain.ErrContractNotFound.Withf("%s", d.ContractID)
		}

		now := c.now().UTC()
		settlement, err := c.contracts.Settle(ctx, tx, k, contract.SettleParams{
			DisputeID: d.ID,
			Scope:     scope(k, d),
			Outcome:   outcome,
			Actor:     actor,
		}, now)
		if err != nil {
			return err
		}
		res.Settlement = settlement

		from := d.Status
		d.Status = domain.DisputeResolved
		d.Outcome = &outcome
		d.ResolvedBy = actor
		d.ResolvedAt = now
		ok, err := tx.UpdateDispute(ctx, d, from)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConflict.Withf("dispute %s changed concurrently", id)
		}

		if d.ArbitratorID != "" {
			if err := c.pool.ReleaseCase(ctx, tx, d.ArbitratorID, now); err != nil {
				return err
			}
			if c.cfg.ArbitrationFee > 0 {
				fee, err := c.ledger.Earn(ctx, tx, d.ArbitratorID, c.cfg.ArbitrationFee, d.ID, "fee:"+d.ID, "arbitration fee")
				if err != nil {
					return err
				}
				res.FeeTxID = fee.CreditLeg().ID
			}
		}

		res.Dispute = d
		recipients, err := c.recipients(ctx, tx, d)
		if err != nil {
			return err
		}
		return tx.Emit(ctx, domain.TopicDisputeResolved, d.ID, recipients, map[string]any{
			"outcome": outcome, "contract_state": settlement.State,
			"released": settlement.Released, "refunded": settlement.Refunded,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	contract.ObserveTransitions(res.Settlement.Transitions)
	metrics.DisputesResolved.WithLabelValues(string(outcome.Kind)).Inc()
	c.logger.Info("dispute resolved", "dispute", id, "by", actor, "outcome", outcome.Kind,
		"released", res.Settlement.Released, "refunded", res.Settlement.Refunded, "contract_state", res.Settlement.State)
	return res, nil
}

// scope lists the milestone indexes a dispute covers.
func scope(k *domain.Contract, d *domain.Dispute) []int {
	if d.MilestoneIndex != nil {
		return []int{*d.MilestoneIndex}
	}
	var out []int
	for _, m := range k.Milestones {
		if !m.State.IsSettled() {
			out = append(out, m.Index)
		}
	}
	return out
}

func (c *Coordinator) load(ctx context.Context, tx *sqlite.Tx, id string) (*domain.Dispute, error) {
	d, err := tx.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrDisputeNotFound.Withf("%s", id)
	}
	return d, nil
}

func (c *Coordinator) recipients(ctx context.Context, tx *sqlite.Tx, d *domain.Dispute) ([]string, error) {
	k, err := tx.GetContract(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	var out []string
	if d.ArbitratorID != "" {
		out = append(out, d.ArbitratorID)
	}
	if k != nil {
		out = append(out, k.ClientID, k.FreelancerID)
	}
	return out, nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get returns a dispute.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Dispute, error) {
	var d *domain.Dispute
	err := c.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		d, err = c.load(ctx, tx, id)
		return err
	})
	return d, err
}

// ListForContract returns a contract's disputes, oldest first.
func (c *Coordinator) ListForContract(ctx context.Context, contractID string) ([]domain.Dispute, error) {
	var out []domain.Dispute
	err := c.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		out, err = tx.DisputesForContract(ctx, contractID)
		return err
	})
	return out, err
}

// ListForArbitrator returns the disputes assigned to an arbitrator, newest first.
func (c *Coordinator) ListForArbitrator(ctx context.Context, arbitratorID string) ([]domain.Dispute, error) {
	var out []domain.Dispute
	err := c.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		out, err = tx.DisputesForArbitrator(ctx, arbitratorID)
		return err
	})
	return out, err
}
