// Package scheduler runs the periodic maintenance jobs: closing automatic
// events whose closing time has passed, and archiving last month's ledger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Jobs is the work the scheduler triggers.
type Jobs interface {
	CloseExpired(ctx context.Context) ([]string, error)
	ArchiveLedger(ctx context.Context, since, until time.Time) (int64, error)
}

// Config holds the cron specs. Specs use six fields (with seconds) or a
// descriptor such as "@every 30s". An empty spec disables the job.
type Config struct {
	CloseSweepSpec string
	ArchiveSpec    string
	JobTimeout     time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	jobs   Jobs
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scheduler. Jobs are not registered until Register is called.
func New(jobs Jobs, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	clog := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		jobs:   jobs,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Register adds the configured jobs. ctx bounds every job run.
func (s *Scheduler) Register(ctx context.Context) error {
	if s.cfg.CloseSweepSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.CloseSweepSpec, func() { s.RunCloseSweep(ctx) }); err != nil {
			return fmt.Errorf("scheduler: register close sweep %q: %w", s.cfg.CloseSweepSpec, err)
		}
	}
	if s.cfg.ArchiveSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.ArchiveSpec, func() { s.RunArchive(ctx) }); err != nil {
			return fmt.Errorf("scheduler: register archive %q: %w", s.cfg.ArchiveSpec, err)
		}
	}
	return nil
}

// Run starts the cron runner and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler: started", slog.Int("jobs", len(s.cron.Entries())))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler: stopped")
	return nil
}

// RunCloseSweep closes every expired automatic event once.
func (s *Scheduler) RunCloseSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	closed, err := s.jobs.CloseExpired(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: close sweep failed", slog.String("error", err.Error()))
		return
	}
	if len(closed) > 0 {
		s.logger.InfoContext(ctx, "scheduler: close sweep", slog.Int("closed", len(closed)))
	}
}

// RunArchive exports the previous calendar month of ledger entries.
func (s *Scheduler) RunArchive(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	since, until := PreviousMonth(s.now())
	n, err := s.jobs.ArchiveLedger(ctx, since, until)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: ledger archive failed",
			slog.String("since", since.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "scheduler: ledger archived",
		slog.String("since", since.Format(time.DateOnly)),
		slog.String("until", until.Format(time.DateOnly)),
		slog.Int64("entries", n),
	)
}

// PreviousMonth returns the UTC bounds [first of last month, first of this
// month) relative to now.
func PreviousMonth(now time.Time) (since, until time.Time) {
	now = now.UTC()
	until = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	since = until.AddDate(0, -1, 0)
	return since, until
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("scheduler: cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler: cron "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
