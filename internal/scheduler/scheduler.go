// Package scheduler runs the periodic jobs: the date rollover that moves
// occurrences between buckets, and the timetable feed import.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
)

// Refresher recomputes every tracked view.
type Refresher interface {
	RefreshAll() int
}

// Importer syncs the configured feeds into the data source.
type Importer interface {
	Run(ctx context.Context) (ics.Stats, error)
}

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger routes cron's own messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { appLog.Debug("cron: "+msg, kv...) }
func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// New creates a scheduler whose specs are read in loc. A job that is still
// running when its next tick arrives skips that tick.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddRollover recomputes every view on spec, so "today" follows the clock.
func (s *Scheduler) AddRollover(spec string, r Refresher) error {
	if _, err := s.cron.AddFunc(spec, func() { rollover(r) }); err != nil {
		return fmt.Errorf("add rollover job %q: %w", spec, err)
	}
	return nil
}

// AddImport runs the feed import on spec. Each run is bounded by timeout.
func (s *Scheduler) AddImport(spec string, im Importer, timeout time.Duration) error {
	if _, err := s.cron.AddFunc(spec, func() { runImport(s.ctx, im, timeout) }); err != nil {
		return fmt.Errorf("add import job %q: %w", spec, err)
	}
	return nil
}

// Jobs is the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("scheduler started", "jobs", s.Jobs())
}

// Stop cancels running imports and waits for the jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

func rollover(r Refresher) {
	start := time.Now()
	n := r.RefreshAll()
	appLog.Info("rollover finished", "users", n, "took", time.Since(start).Round(time.Millisecond))
}

// RunImport runs one import outside the schedule, e.g. at startup.
func RunImport(ctx context.Context, im Importer, timeout time.Duration) {
	runImport(ctx, im, timeout)
}

func runImport(ctx context.Context, im Importer, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	stats, err := im.Run(ctx)
	took := time.Since(start).Round(time.Millisecond)
	if err != nil {
		appLog.Error("feed import failed", err, "feeds", stats.Feeds, "took", took)
		return
	}
	appLog.Debug("feed import job done", "feeds", stats.Feeds, "took", took)
}
