// Package api provides the HTTP server for the settlement engine.
// Callers are identified by the X-Account-ID header set by the
// authenticating gateway in front of it.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shm-network/shm/internal/app/arbitrator"
	"github.com/shm-network/shm/internal/app/contract"
	"github.com/shm-network/shm/internal/app/dispute"
	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/app/milestone"
	"github.com/shm-network/shm/internal/health"
	"github.com/shm-network/shm/internal/infra/pubsub"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Services are the engine components the server exposes.
type Services struct {
	DB         *sqlite.DB
	Ledger     *ledger.Service
	Contracts  *contract.Service
	Milestones *milestone.Ledger
	Disputes   *dispute.Coordinator
	Pool       *arbitrator.Pool
	Hub        *pubsub.Hub
	Health     *health.Checker // optional
}

// Server is the HTTP API server.
type Server struct {
	svc            Services
	platform       map[string]bool
	metricsEnabled bool
	limiter        *RateLimiter
	timeout        time.Duration
	keepAlive      time.Duration
	logger         *slog.Logger
}

// NewServer creates a new API server.
func NewServer(svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:       svc,
		platform:  make(map[string]bool),
		timeout:   30 * time.Second,
		keepAlive: 25 * time.Second,
		logger:    logger.With("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetPlatformAccounts sets the operator accounts allowed to deposit, settle
// withdrawals and read any account.
func (s *Server) SetPlatformAccounts(accounts ...string) {
	for _, a := range accounts {
		s.platform[a] = true
	}
}

// SetRateLimit enables per-client rate limiting.
func (s *Server) SetRateLimit(perMinute float64, burst int) {
	if perMinute <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = NewRateLimiter(RateLimit{RequestsPerMinute: perMinute, Burst: burst}, s.logger)
}

// SetTimeout bounds the handling time of non-streaming requests.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireActor)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		// Long-lived stream, outside the request timeout.
		r.Get("/events/stream", s.handleEventStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Get("/events", s.handleEvents)

			r.Post("/contracts", s.handleCreateContract)
			r.Route("/contracts/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetContract)
				r.Get("/transitions", s.handleTransitions)
				r.Post("/fund", s.handleFund)
				r.Post("/start", s.handleStart)
				r.Post("/cancel", s.handleCancel)
				r.Post("/milestones/{index}/submit", s.handleSubmit)
				r.Post("/milestones/{index}/approve", s.handleApprove)
				r.Post("/milestones/{index}/revision", s.handleRevision)
				r.Get("/milestones/{index}/history", s.handleHistory)
				r.Post("/disputes", s.handleRaiseDispute)
				r.Get("/disputes", s.handleContractDisputes)
			})

			r.Route("/disputes/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDispute)
				r.Post("/review", s.handleStartReview)
				r.Post("/resolve", s.handleResolve)
			})

			r.Post("/arbitrators", s.handleRegisterArbitrator)
			r.Route("/arbitrators/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetArbitrator)
				r.Put("/domains", s.handleUpdateDomains)
				r.Get("/slots", s.handleSlots)
				r.Post("/gigs", s.handleBookGig)
				r.Delete("/gigs/{gigID}", s.handleCancelGig)
				r.Put("/presence", s.handleSetPresence)
				r.Get("/disputes", s.handleArbitratorDisputes)
			})

			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Get("/wallet", s.handleWallet)
				r.Get("/transactions", s.handleTransactions)
				r.Post("/deposit", s.handleDeposit)
				r.Post("/withdrawals", s.handleWithdraw)
				r.Post("/withdrawals/{txID}/settle", s.handleSettleWithdrawal)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.svc.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.svc.Health.Statuses(),
	})
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Account-ID, Idempotency-Key, Last-Event-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
