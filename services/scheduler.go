// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// ActiveWindow limits background reconciliation to recently active users.
const ActiveWindow = 24 * time.Hour

// Scheduler runs the background jobs: stale-integrity reconciliation and the
// app-time flush.
type Scheduler struct {
	Facade            *SyncFacade
	ReconcileInterval time.Duration
	ReconcileBatch    int
	FlushInterval     time.Duration
	Clock             clockwork.Clock

	sched gocron.Scheduler
}

func NewScheduler(facade *SyncFacade, reconcileInterval time.Duration, batch int, flushInterval time.Duration, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		Facade:            facade,
		ReconcileInterval: reconcileInterval,
		ReconcileBatch:    batch,
		FlushInterval:     flushInterval,
		Clock:             clock,
	}
}

// Start registers the jobs and starts the scheduler. Jobs stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.Clock))
	if err != nil {
		return err
	}

	// Reconcile users whose integrity check went stale
	_, err = sched.NewJob(
		gocron.DurationJob(s.ReconcileInterval),
		gocron.NewTask(func() { s.ReconcileStale(ctx) }),
		gocron.WithName("achievements-reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	// Release app minutes held by the throttle
	_, err = sched.NewJob(
		gocron.DurationJob(s.FlushInterval),
		gocron.NewTask(func() {
			if n := s.Facade.FlushAppTime(ctx); n > 0 {
				log.Printf("[SCHED] ⏱️ Flushed app time for %d users", n)
			}
			s.Facade.Governor.Sweep()
		}),
		gocron.WithName("achievements-app-time-flush"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	s.sched = sched
	sched.Start()
	log.Printf("[SCHED] ✅ Started: reconcile every %s (batch %d), app-time flush every %s",
		s.ReconcileInterval, s.ReconcileBatch, s.FlushInterval)
	return nil
}

// ReconcileStale runs one reconciliation batch and returns how many users
// were processed successfully.
func (s *Scheduler) ReconcileStale(ctx context.Context) int {
	users, err := s.Facade.Store.StaleUsers(ctx, s.Clock.Now().Add(-ActiveWindow), s.ReconcileBatch)
	if err != nil {
		log.Printf("[SCHED] DB error: %v", err)
		return 0
	}
	done := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Facade.Reconcile(ctx, userID); err != nil {
			log.Printf("[SCHED] ⚠️ Failed to reconcile %s: %v", userID, err)
			continue
		}
		done++
	}
	if done > 0 {
		log.Printf("[SCHED] 🔁 Reconciled %d/%d stale users", done, len(users))
	}
	return done
}

func (s *Scheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}
