package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shm-network/shm/internal/api"
	"github.com/shm-network/shm/internal/app/arbitrator"
	"github.com/shm-network/shm/internal/app/contract"
	"github.com/shm-network/shm/internal/app/dispute"
	"github.com/shm-network/shm/internal/app/ledger"
	"github.com/shm-network/shm/internal/app/matcher"
	"github.com/shm-network/shm/internal/app/milestone"
	"github.com/shm-network/shm/internal/health"
	"github.com/shm-network/shm/internal/infra/pubsub"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// Daemon is the engine runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Hub        *pubsub.Hub
	Ledger     *ledger.Service
	Contracts  *contract.Service
	Milestones *milestone.Ledger
	Pool       *arbitrator.Pool
	Matcher    *matcher.Matcher
	Disputes   *dispute.Coordinator
	Health     *health.Checker
	Server     *api.Server

	logger *slog.Logger
}

// New loads the configuration and creates a Daemon.
func New(logger *slog.Logger) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, logger)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlite.Open(cfg.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	arb := cfg.Arbitration
	d := &Daemon{
		Config: cfg,
		DB:     db,
		Hub:    pubsub.NewHub(64, logger),
		logger: logger.With("component", "daemon"),
	}
	db.OnCommit(d.Hub.Publish)

	d.Ledger = ledger.NewService(db, logger, ledger.WithTreasury(cfg.Ledger.Treasury))
	d.Contracts = contract.NewService(db, d.Ledger, logger, contract.WithPlatformAccounts(arb.PlatformAccounts...))
	d.Milestones = milestone.New(db)
	d.Pool = arbitrator.NewPool(db, d.Ledger, arbitrator.Config{
		Threshold:      arb.Threshold,
		PreWindow:      arb.PreWindow.Duration,
		MaxActiveCases: arb.MaxActiveCases,
	}, logger)
	d.Matcher = matcher.New(db, d.Pool, matcher.Config{
		FallbackAfter: arb.FallbackAfter.Duration,
		Interval:      arb.MatchInterval.Duration,
	}, logger)
	d.Disputes = dispute.NewCoordinator(db, d.Contracts, d.Pool, d.Ledger, dispute.Config{
		ArbitrationFee:   arb.Fee,
		PlatformAccounts: arb.PlatformAccounts,
	}, logger, dispute.WithNotifier(d.Matcher.Notify))
	d.Health = health.NewChecker(db, cfg.Store.Dir, d.Ledger, d.Pool, health.Config{
		Interval:     cfg.Health.Interval.Duration,
		MaxMatchWait: cfg.Health.MaxMatchWait.Duration,
	}, logger)

	d.Server = api.NewServer(api.Services{
		DB:         db,
		Ledger:     d.Ledger,
		Contracts:  d.Contracts,
		Milestones: d.Milestones,
		Disputes:   d.Disputes,
		Pool:       d.Pool,
		Hub:        d.Hub,
		Health:     d.Health,
	}, logger)
	d.Server.SetPlatformAccounts(arb.PlatformAccounts...)
	d.Server.SetRateLimit(cfg.API.RateLimit, cfg.API.RateBurst)
	d.Server.SetTimeout(cfg.API.RequestTimeout.Duration)
	if cfg.API.Metrics {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// Addr is the listen address of the HTTP server.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
}

// Serve runs the HTTP server, the matcher, the presence sweeper and the
// health checker until ctx is cancelled or a termination signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", d.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return d.serve(ctx, ln)
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           d.Server.Handler(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No WriteTimeout: the event stream is long-lived. Other routes are
		// bounded by the request timeout middleware.
	}

	g.Go(func() error {
		d.logger.Info("serving", "addr", ln.Addr().String(), "metrics", d.Config.API.Metrics)
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return d.Matcher.Run(ctx) })
	g.Go(func() error { return d.Pool.Run(ctx, d.Config.Arbitration.SweepInterval.Duration) })
	g.Go(func() error { return d.Health.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		d.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases daemon resources.
func (d *Daemon) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
