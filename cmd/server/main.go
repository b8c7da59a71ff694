/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env / environment)
  2. Build the structured logger
  3. Open the SQLite store and run migrations
  4. Wire the engine: ledger, tenancy, bank, payroll, shop
  5. Configure the HTTP router and start the interest scheduler
  6. Serve with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the database connection
  5. Exit

ENVIRONMENT:
  ENV, PORT, DB_PATH, CORS_ALLOWED_ORIGINS, LOG_LEVEL, LOG_FORMAT,
  SCHEDULER_ENABLED, SCHEDULER_INTERVAL. See config/config.go for defaults.
  DB_PATH=":memory:" runs without a file.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokenhub/ledger-engine/api"
	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/config"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/logging"
	"github.com/tokenhub/ledger-engine/payroll"
	"github.com/tokenhub/ledger-engine/shop"
	"github.com/tokenhub/ledger-engine/store/sqlite"
	"github.com/tokenhub/ledger-engine/tenant"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting ledger engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database.Path))

	st, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Engine wiring. The sqlite store backs every persistence interface.
	led := ledger.New(st, st)
	guard := tenant.NewGuard(log)
	resolver := tenant.NewResolver(st)
	acctLocks := ledger.NewAccountLocks()
	batchLocks := ledger.NewPeriodLocks()

	bk := bank.New(led, guard, acctLocks)
	attendance := st.Attendance()
	runner := payroll.NewRunner(led, attendance, attendance, st, st.ParamsStore(), batchLocks, log)
	shp := shop.New(led, bk, guard, acctLocks, st.Items(), st.Rent(), st.Policies(), st.ParamsStore())

	metrics := api.NewMetrics(prometheus.DefaultRegisterer)

	h := &api.Handler{
		Ledger:      led,
		Bank:        bk,
		Shop:        shp,
		Payroll:     runner,
		Attendance:  payroll.NewAttendance(attendance, guard),
		Resolver:    resolver,
		Enrollments: st,
		Params:      st.ParamsStore(),
		BatchLocks:  batchLocks,
		Metrics:     metrics,
		Log:         log,
	}

	scheduler := api.NewInterestScheduler(bk, st.ParamsStore(), st, batchLocks, log)
	scheduler.Metrics = metrics
	scheduler.Enabled = cfg.Scheduler.Enabled
	if cfg.Scheduler.Interval > 0 {
		scheduler.CheckInterval = cfg.Scheduler.Interval
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(h, cfg.CORS.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
