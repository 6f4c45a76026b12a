package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/spoolbuddy/backend/internal/config"
)

// Job names reported by NextRuns.
const (
	JobRefresh   = "refresh"
	JobReconnect = "reconnect"
)

// Scheduler runs the periodic fleet jobs: a pushall to every live printer
// and a reconnect pass over auto-connect printers that are not registered.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	cfg     config.SchedulerConfig
	logger  zerolog.Logger

	jobs   map[string]cron.EntryID
	jobsMu sync.RWMutex
}

// NewScheduler creates a scheduler for service. Zero intervals disable the
// corresponding job.
func NewScheduler(service *Service, cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		service: service,
		cfg:     cfg,
		logger:  logger,
		jobs:    make(map[string]cron.EntryID),
	}
}

// Start schedules the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if err := s.schedule(JobRefresh, s.cfg.RefreshInterval, s.refresh); err != nil {
		return err
	}
	if err := s.schedule(JobReconnect, s.cfg.ReconnectInterval, s.reconnect); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Dur("refresh_interval", s.cfg.RefreshInterval).
		Dur("reconnect_interval", s.cfg.ReconnectInterval).
		Msg("Fleet scheduler started")
	return nil
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Fleet scheduler stopped")
}

func (s *Scheduler) schedule(name string, every time.Duration, fn func()) error {
	if every <= 0 {
		return nil
	}

	id, err := s.cron.AddFunc(everySpec(every), fn)
	if err != nil {
		return fmt.Errorf("scheduling %s job: %w", name, err)
	}

	s.jobsMu.Lock()
	s.jobs[name] = id
	s.jobsMu.Unlock()
	return nil
}

func (s *Scheduler) refresh() {
	n := s.service.Manager().RefreshAll()
	s.logger.Debug().Int("printers", n).Msg("Requested state refresh")
}

func (s *Scheduler) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconnectInterval)
	defer cancel()

	n, err := s.service.AutoConnect(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reconnect pass failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("printers", n).Msg("Reconnected printers")
	}
}

// NextRuns returns the next scheduled time of every active job.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			out[name] = next
		}
	}
	return out
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
