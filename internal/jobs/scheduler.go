package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"gradaccess/internal/settings"
)

// Runner creates and starts jobs.
type Runner interface {
	Create(t Type, params Params) string
	Start(id string) bool
}

// Scheduler triggers a sync job for the trailing look-back window on every
// tick while the persisted auto-sync toggle is on.
type Scheduler struct {
	runner   Runner
	settings settings.Store
	interval time.Duration
	lookback time.Duration
	loc      *time.Location
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewScheduler builds a scheduler. The toggle is re-read on every tick so
// operators can flip it without a restart.
func NewScheduler(runner Runner, store settings.Store, interval, lookback time.Duration, loc *time.Location, logger logrus.FieldLogger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		runner:   runner,
		settings: store,
		interval: interval,
		lookback: lookback,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts one sync job if auto-sync is enabled and returns its id.
func (s *Scheduler) Tick(ctx context.Context) string {
	cfg, err := s.settings.AutoSync(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("auto sync: could not read toggle")
		return ""
	}
	if !cfg.Enabled {
		return ""
	}
	now := s.now().In(s.loc)
	from := now.Add(-s.lookback).Format(time.RFC3339)
	id := s.runner.Create(TypeSync, Params{ParamFromDate: from, "trigger": "auto_sync"})
	if !s.runner.Start(id) {
		s.logger.WithField("job_id", id).Warn("auto sync: job did not start")
		return ""
	}
	cfg.LastRun = &now
	if err := s.settings.SaveAutoSync(ctx, cfg); err != nil {
		s.logger.WithError(err).Warn("auto sync: could not record last run")
	}
	s.logger.WithFields(logrus.Fields{"job_id": id, "from": from}).Info("auto sync started")
	return id
}
