package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Schedules holds the cron expressions for the three consolidation tiers.
// Expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week. Do not use WithSeconds() so docs and configs match.
type Schedules struct {
	Daily   string
	Weekly  string
	Monthly string
}

// DefaultSchedules runs daily at 03:00, weekly Sunday 04:00, and monthly
// on the 1st at 05:00.
func DefaultSchedules() Schedules {
	return Schedules{
		Daily:   "0 3 * * *",
		Weekly:  "0 4 * * 0",
		Monthly: "0 5 1 * *",
	}
}

// Scheduler drives the consolidator on cron ticks. Runs of the same
// schedule type never overlap: a tick that fires while the previous run
// of that type is still going is skipped.
type Scheduler struct {
	cron         *cron.Cron
	consolidator *Consolidator
	runTimeout   time.Duration

	mu       sync.Mutex // guards inFlight
	inFlight map[string]bool
}

// NewScheduler registers the three consolidation tiers against the given
// cron expressions.
func NewScheduler(c *Consolidator, schedules Schedules) (*Scheduler, error) {
	s := &Scheduler{
		cron:         cron.New(),
		consolidator: c,
		runTimeout:   30 * time.Minute,
		inFlight:     make(map[string]bool),
	}

	for _, tier := range []struct {
		scheduleType string
		expr         string
	}{
		{ScheduleDaily, schedules.Daily},
		{ScheduleWeekly, schedules.Weekly},
		{ScheduleMonthly, schedules.Monthly},
	} {
		scheduleType := tier.scheduleType
		_, err := s.cron.AddFunc(tier.expr, func() {
			s.fire(scheduleType)
		})
		if err != nil {
			return nil, fmt.Errorf("registering %s consolidation cron %q: %w", scheduleType, tier.expr, err)
		}
	}
	return s, nil
}

func (s *Scheduler) fire(scheduleType string) {
	if !s.tryAcquire(scheduleType) {
		log.Warn().
			Str("schedule_type", scheduleType).
			Msg("consolidation_tick_skipped_previous_run_active")
		return
	}
	defer s.release(scheduleType)

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	log.Info().Str("schedule_type", scheduleType).Msg("consolidation_tick_fired")
	if _, err := s.consolidator.Run(ctx, scheduleType); err != nil {
		log.Error().Err(err).
			Str("schedule_type", scheduleType).
			Msg("consolidation_run_failed")
	}
}

func (s *Scheduler) tryAcquire(scheduleType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[scheduleType] {
		return false
	}
	s.inFlight[scheduleType] = true
	return true
}

func (s *Scheduler) release(scheduleType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, scheduleType)
}

// Start begins executing the registered cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight runs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
