// Package housekeeping runs the core's periodic stale-mapping GC and
// orphaned stream-pipe cleanup: a scheduled background sweep that finalizes
// mappings stuck in pending-teardown and closes abandoned stream pipes.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/mwcore/internal/mapper"
	"github.com/basket/mwcore/internal/streamep"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper's dependencies.
type Config struct {
	Mapper *mapper.Table
	Pipes  *streamep.Registry
	Logger *slog.Logger

	// Schedule is a standard 5-field cron expression; defaults to every
	// minute if empty.
	Schedule string
	// StaleAfter is how long a mapping may sit pending-teardown, or a
	// stream pipe may sit open, before the sweep reaps it; defaults to 2
	// minutes if zero.
	StaleAfter time.Duration
}

// Sweeper periodically finalizes stale mappings and closes orphaned stream
// pipes.
type Sweeper struct {
	mapperTbl *mapper.Table
	pipes     *streamep.Registry
	logger    *slog.Logger
	staleAfter time.Duration
	schedule  string

	cr *cronlib.Cron
}

// New creates a Sweeper from cfg, filling in defaults for Schedule and
// StaleAfter when unset.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "*/1 * * * *"
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Sweeper{
		mapperTbl:  cfg.Mapper,
		pipes:      cfg.Pipes,
		logger:     logger,
		staleAfter: staleAfter,
		schedule:   schedule,
	}
}

// Start begins the sweep on its configured schedule, running one immediate
// sweep before the first scheduled tick.
func (s *Sweeper) Start(ctx context.Context) error {
	s.sweep(ctx)

	s.cr = cronlib.New(cronlib.WithParser(cronParser))
	_, err := s.cr.AddFunc(s.schedule, func() { s.sweep(ctx) })
	if err != nil {
		return err
	}
	s.cr.Start()
	s.logger.Info("housekeeping sweeper started", "schedule", s.schedule, "stale_after", s.staleAfter)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cr == nil {
		return
	}
	<-s.cr.Stop().Done()
	s.logger.Info("housekeeping sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	_ = ctx
	if s.mapperTbl != nil {
		stale := s.mapperTbl.StaleHandles(s.staleAfter)
		for _, h := range stale {
			s.mapperTbl.Finalize(h)
		}
		if len(stale) > 0 {
			s.logger.Info("housekeeping: finalized stale mappings", "count", len(stale))
		}
	}
	if s.pipes != nil {
		stale := s.pipes.StaleEndpoints(s.staleAfter)
		for _, id := range stale {
			if err := s.pipes.Close(id); err != nil {
				s.logger.Error("housekeeping: failed closing orphaned stream pipe", "endpoint_id", id, "error", err)
				continue
			}
			s.logger.Info("housekeeping: closed orphaned stream pipe", "endpoint_id", id)
		}
	}
}
