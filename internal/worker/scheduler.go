package worker

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/discernus/discernus/internal/queue/streams"
	"github.com/discernus/discernus/internal/store"
)

// SchedulerStore captures the store methods the scheduler needs.
type SchedulerStore interface {
	ListScheduledExperiments(ctx context.Context) ([]store.Experiment, error)
	LatestRunTime(ctx context.Context, experimentID string) (*time.Time, error)
	CreateRun(ctx context.Context, experimentID, status string) (string, error)
}

// Scheduler fires recurring experiments based on their cron spec. A Redis
// SetNX lock per experiment keeps multiple workers from double-firing.
type Scheduler struct {
	logger    *log.Logger
	store     SchedulerStore
	publisher *streams.Publisher
	rdb       *redis.Client
	interval  time.Duration
}

// NewScheduler constructs a Scheduler ticking at the given interval.
func NewScheduler(logger *log.Logger, st SchedulerStore, pub *streams.Publisher, rdb *redis.Client, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{logger: logger, store: st, publisher: pub, rdb: rdb, interval: interval}
}

// Start blocks, evaluating schedules until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.rdb != nil {
		if lag, err := streams.RunQueueLag(ctx, s.rdb); err == nil && (lag.Pending > 0 || lag.Lag > 0) {
			s.logger.Printf("scheduler: run queue pending=%d lag=%d consumers=%d oldest_idle=%s",
				lag.Pending, lag.Lag, lag.Consumers, lag.OldestIdle)
		}
	}

	experiments, err := s.store.ListScheduledExperiments(ctx)
	if err != nil {
		s.logger.Printf("scheduler: list experiments: %v", err)
		return
	}
	for _, exp := range experiments {
		last, err := s.store.LatestRunTime(ctx, exp.ID)
		if err != nil {
			s.logger.Printf("scheduler: latest run for %s: %v", exp.ID, err)
			continue
		}
		if !isDue(exp.ScheduleCron, last, time.Now()) {
			continue
		}

		if s.rdb != nil {
			lockKey := "discernus:sched:lock:" + exp.ID
			ok, err := s.rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil || !ok {
				continue
			}
		}

		runID, err := s.store.CreateRun(ctx, exp.ID, store.RunStatusQueued)
		if err != nil {
			s.logger.Printf("scheduler: create run for %s: %v", exp.ID, err)
			continue
		}
		if _, err := s.publisher.EnqueueRun(ctx, streams.RunEnqueuedPayload{
			RunID:        runID,
			ExperimentID: exp.ID,
			Trigger:      "scheduler",
		}); err != nil {
			s.logger.Printf("scheduler: enqueue run %s: %v", runID, err)
			continue
		}
		s.logger.Printf("scheduler: enqueued run %s for experiment %s (%s)", runID, exp.Name, exp.ScheduleCron)
	}
}

// isDue determines whether an experiment with cronSpec should fire now given
// its last run time. Supports "@daily", "@hourly", "@weekly" and standard
// cron expressions.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@hourly":
		return last == nil || now.Sub(*last) >= time.Hour
	case "@daily":
		return last == nil || now.Sub(*last) >= 24*time.Hour
	case "@weekly":
		return last == nil || now.Sub(*last) >= 7*24*time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Invalid spec: fall back to daily cadence.
			return last == nil || now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
