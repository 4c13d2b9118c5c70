package arbitrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

type harness struct {
	db     *sqlite.DB
	ledger *ledger.Service
	pool   *Pool
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ledger = ledger.NewService(db, logger, ledger.WithClock(clock))
	h.pool = NewPool(db, h.ledger, DefaultConfig(), logger, WithClock(clock))
	return h
}

func (h *harness) arbitrator(t *testing.T, account string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.Deposit(ctx, account, balance, "", "")
	require.NoError(t, err)
	_, err = h.pool.Register(ctx, account, []string{"Web", "design", "web"})
	require.NoError(t, err)
}

// ─── Eligibility ────────────────────────────────────────────────────────────

func TestRegister_RequiresThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.Deposit(ctx, "dave", 2999, "", "")

	_, err := h.pool.Register(ctx, "dave", []string{"web"})
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("Register() error = %v, want ErrNotEligible", err)
	}
	if domain.KindOf(err) != domain.KindResource {
		t.Errorf("kind = %s, want RESOURCE", domain.KindOf(err))
	}
}

func TestRegister_NormalizesDomains(t *testing.T) {
	h := newHarness(t)
	h.arbitrator(t, "carol", 3000)

	a, err := h.pool.Get(context.Background(), "carol")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(a.Domains) != 2 || a.Domains[0] != "design" || a.Domains[1] != "web" {
		t.Errorf("Domains = %v, want [design web]", a.Domains)
	}
	if a.TokenBalance != 3000 {
		t.Errorf("TokenBalance = %d, want 3000", a.TokenBalance)
	}
	if a.Presence != domain.PresenceOffline {
		t.Errorf("Presence = %s, want OFFLINE", a.Presence)
	}

	if _, err := h.pool.Register(context.Background(), "carol", nil); !errors.Is(err, domain.ErrAlreadyRegistered) {
		t.Errorf("second Register() error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestIneligibleCannotBookOrGoOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 3000)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if _, err := h.pool.BookGig(ctx, "carol", start); err != nil {
		t.Fatalf("BookGig() error: %v", err)
	}

	// A pending withdrawal drops the available stake under the threshold.
	if _, err := h.ledger.Withdraw(ctx, "carol", 1, ""); err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}

	if _, err := h.pool.BookGig(ctx, "carol", start.Add(time.Hour)); !errors.Is(err, domain.ErrNotEligible) {
		t.Errorf("BookGig() error = %v, want ErrNotEligible", err)
	}
	h.now = start
	if _, err := h.pool.SetPresence(ctx, "carol", domain.PresenceOnline); !errors.Is(err, domain.ErrNotEligible) {
		t.Errorf("SetPresence(ONLINE) error = %v, want ErrNotEligible", err)
	}
}

// ─── Booking ────────────────────────────────────────────────────────────────

func TestBookGig_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)

	tests := []struct {
		name  string
		start time.Time
		want  error
	}{
		{"not aligned", time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC), domain.ErrSlotNotAligned},
		{"current hour", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), domain.ErrPastSlot},
		{"past", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), domain.ErrPastSlot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.pool.BookGig(ctx, "carol", tt.start); !errors.Is(err, tt.want) {
				t.Errorf("BookGig() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := h.pool.BookGig(ctx, "nobody", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)); !errors.Is(err, domain.ErrArbitratorNotFound) {
		t.Errorf("BookGig(unregistered) error = %v, want ErrArbitratorNotFound", err)
	}

	g, err := h.pool.BookGig(ctx, "carol", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BookGig() error: %v", err)
	}
	if g.End.Sub(g.Start) != time.Hour {
		t.Errorf("gig length = %v, want 1h", g.End.Sub(g.Start))
	}
	if _, err := h.pool.BookGig(ctx, "carol", g.Start); !errors.Is(err, domain.ErrSlotTaken) {
		t.Errorf("rebook error = %v, want ErrSlotTaken", err)
	}
}

func TestBookGig_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	const n = 2
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, errs[i] = h.pool.BookGig(ctx, "carol", start)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	won, taken := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrSlotTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, taken)
}

func TestCancelGig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	g, err := h.pool.BookGig(ctx, "carol", start)
	require.NoError(t, err)

	_, err = h.pool.CancelGig(ctx, "mallory", g.ID)
	require.ErrorIs(t, err, domain.ErrGigNotFound)

	cancelled, err := h.pool.CancelGig(ctx, "carol", g.ID)
	require.NoError(t, err)
	require.Equal(t, domain.GigCancelled, cancelled.Status)

	// The slot can be booked again once cancelled.
	_, err = h.pool.BookGig(ctx, "carol", start)
	require.NoError(t, err)

	_, err = h.pool.CancelGig(ctx, "carol", g.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSlots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)
	_, err := h.pool.BookGig(ctx, "carol", time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	slots, err := h.pool.Slots(ctx, "carol", time.Date(2026, 3, 2, 18, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, slots, 24)
	require.Equal(t, domain.GigBooked, slots[13].Status)
	require.False(t, slots[13].Bookable)
	require.False(t, slots[9].Bookable, "current hour is not bookable")
	require.True(t, slots[10].Bookable)
	require.Equal(t, domain.GigAvailable, slots[10].Status)
}

// ─── Presence ───────────────────────────────────────────────────────────────

func TestSetPresence_Window(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)
	start := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	_, err := h.pool.BookGig(ctx, "carol", start)
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		ok   bool
	}{
		{"six minutes early", start.Add(-6 * time.Minute), false},
		{"five minutes early", start.Add(-5 * time.Minute), true},
		{"mid gig", start.Add(30 * time.Minute), true},
		{"at end", start.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.now = tt.at
			a, err := h.pool.SetPresence(ctx, "carol", domain.PresenceOnline)
			if tt.ok {
				require.NoError(t, err)
				require.Equal(t, domain.PresenceOnline, a.Presence)
				_, err = h.pool.SetPresence(ctx, "carol", domain.PresenceOffline)
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrOutsideGigWindow)
		})
	}
}

func TestSetPresence_BusyNotRequestable(t *testing.T) {
	h := newHarness(t)
	h.arbitrator(t, "carol", 5000)

	_, err := h.pool.SetPresence(context.Background(), "carol", domain.PresenceBusy)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("SetPresence(BUSY) error = %v, want ErrInvalidInput", err)
	}
}

func TestCaseAccounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err := h.pool.BookGig(ctx, "carol", start)
	require.NoError(t, err)
	h.now = start.Add(10 * time.Minute)
	_, err = h.pool.SetPresence(ctx, "carol", domain.PresenceOnline)
	require.NoError(t, err)

	err = h.db.Update(ctx, func(tx *sqlite.Tx) error {
		a, err := tx.GetArbitrator(ctx, "carol")
		if err != nil {
			return err
		}
		return h.pool.AssignCase(ctx, tx, a, h.now)
	})
	require.NoError(t, err)
	a, _ := h.pool.Get(ctx, "carol")
	require.Equal(t, domain.PresenceBusy, a.Presence)
	require.Equal(t, 1, a.ActiveCases)

	// Asking for ONLINE at the cap keeps the arbitrator BUSY.
	a, err = h.pool.SetPresence(ctx, "carol", domain.PresenceOnline)
	require.NoError(t, err)
	require.Equal(t, domain.PresenceBusy, a.Presence)

	err = h.db.Update(ctx, func(tx *sqlite.Tx) error {
		return h.pool.ReleaseCase(ctx, tx, "carol", h.now)
	})
	require.NoError(t, err)
	a, _ = h.pool.Get(ctx, "carol")
	require.Equal(t, domain.PresenceOnline, a.Presence)
	require.Equal(t, 0, a.ActiveCases)
	require.Equal(t, 1, a.CompletedCases)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.arbitrator(t, "carol", 5000)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err := h.pool.BookGig(ctx, "carol", start)
	require.NoError(t, err)
	h.now = start
	_, err = h.pool.SetPresence(ctx, "carol", domain.PresenceOnline)
	require.NoError(t, err)

	res, err := h.pool.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.WentOffline)

	h.now = start.Add(time.Hour)
	res, err = h.pool.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.CompletedGigs)
	require.Equal(t, 1, res.WentOffline)

	a, _ := h.pool.Get(ctx, "carol")
	require.Equal(t, domain.PresenceOffline, a.Presence)
}
