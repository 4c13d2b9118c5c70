package matcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/shm-network/shm/internal/app/arbitrator"
	"github.com/shm-network/shm/internal/app/contract"
	"github.com/shm-network/shm/internal/app/dispute"
	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

type harness struct {
	db        *sqlite.DB
	ledger    *ledger.Service
	contracts *contract.Service
	pool      *arbitrator.Pool
	coord     *dispute.Coordinator
	m         *Matcher
	now       time.Time
}

func newHarness(t *testing.T, maxCases int) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := arbitrator.DefaultConfig()
	cfg.MaxActiveCases = maxCases

	h.ledger = ledger.NewService(db, logger, ledger.WithClock(clock))
	h.contracts = contract.NewService(db, h.ledger, logger, contract.WithClock(clock))
	h.pool = arbitrator.NewPool(db, h.ledger, cfg, logger, arbitrator.WithClock(clock))
	h.m = New(db, h.pool, DefaultConfig(), logger, WithClock(clock))
	h.coord = dispute.NewCoordinator(db, h.contracts, h.pool, h.ledger, dispute.Config{}, logger,
		dispute.WithClock(clock), dispute.WithNotifier(h.m.Notify))
	return h
}

// arbitrator registers account with the stake and books the 10:00 gig.
func (h *harness) arbitrator(t *testing.T, account string, domains ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.Deposit(ctx, account, 3000, "", "")
	require.NoError(t, err)
	_, err = h.pool.Register(ctx, account, domains)
	require.NoError(t, err)
	_, err = h.pool.BookGig(ctx, account, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
}

// online moves the clock to 10:05 and brings the accounts ONLINE.
func (h *harness) online(t *testing.T, accounts ...string) {
	t.Helper()
	h.now = time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	for _, a := range accounts {
		_, err := h.pool.SetPresence(context.Background(), a, domain.PresenceOnline)
		require.NoError(t, err)
	}
}

// disputed creates a funded contract between client and freelancer and
// raises a whole-contract dispute in the given domain.
func (h *harness) disputed(t *testing.T, client, freelancer, area string) *domain.Dispute {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.Deposit(ctx, client, 100, "", "")
	require.NoError(t, err)
	c, err := h.contracts.Create(ctx, contract.CreateParams{
		ClientID: client, FreelancerID: freelancer, Title: "job",
		Milestones: []domain.MilestoneSpec{{Title: "all", Amount: 100}},
	})
	require.NoError(t, err)
	_, err = h.contracts.FundEscrow(ctx, c.ID, client, 100)
	require.NoError(t, err)
	d, err := h.coord.Raise(ctx, dispute.RaiseParams{
		ContractID: c.ID, Actor: client, Reason: "no delivery", Domain: area, Amount: 100,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) status(t *testing.T, id string) *domain.Dispute {
	t.Helper()
	d, err := h.coord.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestRunOnce_FIFO(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.arbitrator(t, "carol", "web")
	h.online(t, "carol")

	first := h.disputed(t, "alice", "bob", "web")
	h.now = h.now.Add(time.Minute)
	second := h.disputed(t, "erin", "frank", "web")

	got, err := h.m.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, first.ID, got[0].DisputeID)
	require.Equal(t, domain.DisputeOpen, h.status(t, second.ID).Status)

	a := h.status(t, first.ID)
	require.Equal(t, domain.DisputeAssigned, a.Status)
	require.Equal(t, "carol", a.ArbitratorID)
	require.True(t, a.AssignedAt.Equal(h.now), "AssignedAt = %v", a.AssignedAt)
}

func TestRunOnce_DomainMatch(t *testing.T) {
	h := newHarness(t, 1)
	h.arbitrator(t, "carol", "design")
	h.arbitrator(t, "dave", "web")
	h.online(t, "carol", "dave")

	d := h.disputed(t, "alice", "bob", "Web")
	got, err := h.m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "dave", got[0].ArbitratorID)
	require.False(t, got[0].Fallback)
	require.Equal(t, "dave", h.status(t, d.ID).ArbitratorID)
}

func TestRunOnce_FallbackAfterWait(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.arbitrator(t, "carol", "design")
	h.online(t, "carol")
	d := h.disputed(t, "alice", "bob", "web")

	h.now = h.now.Add(9 * time.Minute)
	got, err := h.m.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, got, "no domain match before the fallback delay")

	h.now = h.now.Add(time.Minute)
	got, err = h.m.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Fallback)
	require.Equal(t, "carol", h.status(t, d.ID).ArbitratorID)
}

func TestRunOnce_PrefersLeastLoaded(t *testing.T) {
	h := newHarness(t, 2)
	h.arbitrator(t, "carol", "web")
	h.arbitrator(t, "dave", "web")
	h.online(t, "carol", "dave")

	h.disputed(t, "alice", "bob", "web")
	h.now = h.now.Add(time.Second)
	h.disputed(t, "erin", "frank", "web")
	h.now = h.now.Add(time.Second)
	h.disputed(t, "gina", "hank", "web")

	got, err := h.m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Equal load falls back to the account id; the third case goes to the
	// arbitrator with fewer active cases.
	want := []string{"carol", "dave", "carol"}
	for i, a := range got {
		if a.ArbitratorID != want[i] {
			t.Errorf("assignment %d = %s, want %s", i, a.ArbitratorID, want[i])
		}
	}

	carol, err := h.pool.Get(context.Background(), "carol")
	require.NoError(t, err)
	require.Equal(t, 2, carol.ActiveCases)
	require.Equal(t, domain.PresenceBusy, carol.Presence)
}

func TestRunOnce_ExcludesParties(t *testing.T) {
	h := newHarness(t, 1)
	h.arbitrator(t, "bob", "web")
	h.arbitrator(t, "carol", "web")
	h.online(t, "bob", "carol")

	h.disputed(t, "alice", "bob", "web")
	got, err := h.m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "carol", got[0].ArbitratorID)
}

func TestRunOnce_NoCandidateStaysOpen(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.arbitrator(t, "carol", "web")
	d := h.disputed(t, "alice", "bob", "web")

	// Registered but OFFLINE.
	h.now = h.now.Add(time.Hour)
	got, err := h.m.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, domain.DisputeOpen, h.status(t, d.ID).Status)
}

func openGauge(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.DisputesOpen.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRunOnce_OpenGaugeCountsWholeBacklog(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.arbitrator(t, "carol", "web")
	h.online(t, "carol")
	for _, client := range []string{"alice", "erin", "gina"} {
		h.disputed(t, client, "bob", "web")
		h.now = h.now.Add(time.Second)
	}

	cfg := DefaultConfig()
	cfg.Batch = 1
	m := New(h.db, h.pool, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(func() time.Time { return h.now }))

	got, err := m.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, float64(2), openGauge(t))

	// carol is at her cap; the rest of the backlog stays counted.
	got, err = m.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, float64(2), openGauge(t))
}

func TestRun_WakesOnNotify(t *testing.T) {
	h := newHarness(t, 1)
	h.arbitrator(t, "carol", "web")
	h.online(t, "carol")

	m := New(nil, nil, Config{Interval: time.Hour}, nil)
	m.Notify()
	m.Notify() // coalesced, never blocks

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	d := h.disputed(t, "alice", "bob", "web")
	require.Eventually(t, func() bool {
		got, err := h.coord.Get(context.Background(), d.ID)
		return err == nil && got.Status == domain.DisputeAssigned
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
