package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultSchedule = "0 3 * * *"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RetentionConfig controls the prune job.
type RetentionConfig struct {
	MaxAge time.Duration
	// Schedule is a five-field cron expression or a descriptor like @daily.
	Schedule string
}

// Retention prunes old transcripts on a cron schedule.
type Retention struct {
	store    *Store
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewRetention validates the schedule and returns a stopped job.
func NewRetention(store *Store, cfg RetentionConfig) (*Retention, error) {
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	if maxAge < 0 {
		return nil, fmt.Errorf("max age cannot be negative")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}

	return &Retention{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   store.logger,
	}, nil
}

// Start schedules the job. It also prunes once right away.
func (r *Retention) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("retention is already running")
	}

	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(r.schedule, r.runScheduled); err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	c.Start()
	r.cron = c
	r.running = true

	go r.runScheduled()

	r.logger.Info().
		Str("schedule", r.schedule).
		Dur("max_age", r.maxAge).
		Msg("Transcript retention started")
	return nil
}

// Stop unschedules the job and waits for a running prune to finish.
func (r *Retention) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("retention is not running")
	}
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()

	<-c.Stop().Done()
	r.logger.Info().Msg("Transcript retention stopped")
	return nil
}

// IsRunning reports whether the job is scheduled.
func (r *Retention) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunNow prunes immediately.
func (r *Retention) RunNow(ctx context.Context) (int, error) {
	return r.store.Prune(ctx, r.maxAge)
}

func (r *Retention) runScheduled() {
	if _, err := r.RunNow(context.Background()); err != nil {
		r.logger.Error().Err(err).Msg("Failed to prune transcripts")
	}
}
