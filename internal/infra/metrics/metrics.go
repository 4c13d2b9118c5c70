// Package metrics provides Prometheus metrics for the SHM engine:
// counters, gauges and histograms for contracts, the token ledger,
// disputes, the arbitrator pool and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Contracts ──────────────────────────────────────────────────────────────

// ContractTransitions counts contract state changes by target state.
var ContractTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "contract_transitions_total",
	Help:      "Total contract state transitions.",
}, []string{"to"})

// MilestonesPaid counts milestones released to freelancers.
var MilestonesPaid = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "milestones_paid_total",
	Help:      "Total milestones paid out.",
})

// ApprovalReplays counts approvals of already paid milestones.
var ApprovalReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "approval_replays_total",
	Help:      "Approvals answered idempotently for an already paid milestone.",
})

// ─── Token Ledger ───────────────────────────────────────────────────────────

// TokenMovements counts ledger transfers by type.
var TokenMovements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "token_movements_total",
	Help:      "Total token transfers by type.",
}, []string{"type"})

// TokenVolume sums moved token amounts by type.
var TokenVolume = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "token_volume_total",
	Help:      "Total tokens moved by transfer type.",
}, []string{"type"})

// LedgerDrift tracks reconciliation findings (0 means consistent).
var LedgerDrift = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "shm",
	Name:      "ledger_drift_findings",
	Help:      "Number of unbalanced transfers and escrow mismatches found by the last reconciliation.",
})

// ─── Disputes ───────────────────────────────────────────────────────────────

// DisputesRaised counts raised disputes by domain.
var DisputesRaised = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "disputes_raised_total",
	Help:      "Total disputes raised.",
}, []string{"domain"})

// DisputesResolved counts resolutions by outcome.
var DisputesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "disputes_resolved_total",
	Help:      "Total disputes resolved by outcome.",
}, []string{"outcome"})

// DisputesOpen tracks disputes waiting for an arbitrator.
var DisputesOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "shm",
	Name:      "disputes_open",
	Help:      "Number of disputes waiting for an arbitrator.",
})

// TimeToMatch tracks time from dispute raised to arbitrator assigned.
var TimeToMatch = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "shm",
	Name:      "dispute_time_to_match_seconds",
	Help:      "Time from dispute creation to arbitrator assignment.",
	Buckets:   []float64{1, 5, 15, 60, 300, 600, 1800, 3600},
})

// ─── Arbitrator Pool ────────────────────────────────────────────────────────

// GigBookings counts booking attempts by result (booked, taken, rejected).
var GigBookings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "gig_bookings_total",
	Help:      "Gig booking attempts by result.",
}, []string{"result"})

// ArbitratorsOnline tracks arbitrators currently ONLINE or BUSY.
var ArbitratorsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "shm",
	Name:      "arbitrators_present",
	Help:      "Number of arbitrators per presence status.",
}, []string{"presence"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "shm",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "http_requests_total",
	Help:      "Total API requests.",
}, []string{"route", "code"})

// RateLimited counts requests rejected by the rate limiter.
var RateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "shm",
	Name:      "http_rate_limited_total",
	Help:      "Requests rejected by the per-client rate limiter.",
})
