package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPurgeSchedule removes expired entries every five minutes.
const DefaultPurgeSchedule = "*/5 * * * *"

// Purger deletes expired cache rows on a cron schedule.
type Purger struct {
	cache    *Cache
	schedule string
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPurger creates a purger. An empty schedule uses DefaultPurgeSchedule.
func NewPurger(cache *Cache, schedule string, logger zerolog.Logger) *Purger {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	return &Purger{
		cache:    cache,
		schedule: schedule,
		logger:   logger.With().Str("component", "sqlite.purger").Logger(),
		cron:     cron.New(),
	}
}

// Start schedules purging and returns immediately.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", p.schedule, err)
	}
	if _, err := p.cron.AddFunc(p.schedule, func() { p.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}

	p.cron.Start()
	p.running = true
	p.logger.Info().Str("schedule", p.schedule).Msg("cache purge scheduled")
	return nil
}

// RunOnce purges expired rows now.
func (p *Purger) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := p.cache.Purge(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("cache purge failed")
		return
	}
	p.logger.Debug().Int64("deleted", n).Msg("cache purge completed")
}

// Stop stops the schedule and waits for a running purge to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
	p.logger.Info().Msg("cache purge stopped")
}

// NextRun returns the next scheduled purge, or the zero time when stopped.
func (p *Purger) NextRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.cron.Entries()
	if !p.running || len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
