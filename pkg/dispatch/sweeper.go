package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bldst/buildstate/pkg/storage"
)

// Sweeper runs periodic maintenance on a cron schedule: soft-deleting
// expired artifacts and releasing locks abandoned by crashed dispatchers.
type Sweeper struct {
	store    storage.Store
	cron     *cron.Cron
	schedule string
	staleFor time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. The schedule is a standard five-field cron
// expression; staleFor is how long past its lock expiry a claim is
// considered abandoned.
func NewSweeper(store storage.Store, schedule string, staleFor time.Duration, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if staleFor <= 0 {
		staleFor = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		cron:     cron.New(),
		schedule: schedule,
		staleFor: staleFor,
		logger:   logger,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.SweepExpiredArtifacts(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("artifact expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("expired artifacts soft-deleted", "count", expired)
	}

	released, err := s.store.ReleaseStaleRequestLocks(ctx, s.staleFor)
	if err != nil {
		s.logger.Error("stale lock release failed", "error", err)
	} else if released > 0 {
		s.logger.Info("stale dispatch locks released", "count", released)
	}
}
