/*
scheduler.go - Automated interest posting scheduler

PURPOSE:
  Periodically posts monthly savings interest for every configured period.
  Posting is idempotent per person and month, so re-running within the
  same month is a no-op; the scheduler only has to fire often enough that
  no month is missed.

CONFIGURATION:
  - CheckInterval: how often to check (default: 1 hour)
  - Enabled: whether the scheduler is active (default: true)

USAGE:
  s := NewInterestScheduler(bank, params, enrollments, locks, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: PostInterest endpoint (manual posting)
  - bank/interest.go: the posting run itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// InterestScheduler posts monthly interest in the background.
type InterestScheduler struct {
	Bank          *bank.Bank
	Params        econ.ParamsStore
	Enrollments   tenant.EnrollmentStore
	BatchLocks    *ledger.PeriodLocks
	Metrics       *Metrics
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewInterestScheduler creates a new scheduler with defaults.
func NewInterestScheduler(b *bank.Bank, params econ.ParamsStore, enrollments tenant.EnrollmentStore, locks *ledger.PeriodLocks, log *zap.Logger) *InterestScheduler {
	return &InterestScheduler{
		Bank:          b,
		Params:        params,
		Enrollments:   enrollments,
		BatchLocks:    locks,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *InterestScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("interest scheduler disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Log.Info("interest scheduler started", zap.Duration("check_interval", s.CheckInterval))
}

// Stop stops the scheduler.
func (s *InterestScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info("interest scheduler stopped")
	}
}

func (s *InterestScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.postAll()

	for {
		select {
		case <-s.ticker.C:
			s.postAll()
		case <-s.stop:
			return
		}
	}
}

func (s *InterestScheduler) postAll() {
	ctx := context.Background()
	month := time.Now().UTC().Format("2006-01")

	periods, err := s.Params.Periods(ctx)
	if err != nil {
		s.Log.Error("interest scheduler failed to list periods", zap.Error(err))
		return
	}

	for _, period := range periods {
		p, err := s.Params.Get(ctx, period)
		if err != nil {
			s.Log.Error("interest scheduler failed to load params",
				zap.String("period", string(period)), zap.Error(err))
			continue
		}
		run, err := s.Bank.PostInterest(ctx, period, month, s.Enrollments, p, s.BatchLocks)
		if err != nil {
			s.Log.Error("interest posting failed",
				zap.String("period", string(period)),
				zap.String("month", month),
				zap.Error(err))
			continue
		}
		if s.Metrics != nil && run.PostedCount > 0 {
			s.Metrics.InterestRuns.Inc()
			s.Metrics.EntriesAppended.Add(float64(run.PostedCount))
		}
		if run.PostedCount > 0 {
			s.Log.Info("interest posted",
				zap.String("period", string(period)),
				zap.String("month", month),
				zap.Int("posted", run.PostedCount),
				zap.Int("skipped", run.SkippedCount))
		}
	}
}
