// Package scheduler drives the agent's two controllers on a tick, wrapping
// go-co-op/gocron behind the Start/Stop lifecycle
// arkade-os-arkd/internal/infrastructure/scheduler's SchedulerService
// contract establishes, generalized from that contract's one-shot
// block/time tasks to the recurring cron ticks this agent runs on (spec §5,
// "Scheduling model").
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/xcpfolio/fulfillment-agent/dex"
)

// Scheduler owns every recurring job driving the agent's controllers.
type Scheduler struct {
	gc  *gocron.Scheduler
	log dex.Logger
}

// New constructs a Scheduler with no jobs registered yet.
func New(log dex.Logger) *Scheduler {
	return &Scheduler{
		gc:  gocron.NewScheduler(time.UTC),
		log: log,
	}
}

// ScheduleCron registers task to run on every tick matching cronExpr (e.g.
// CHECK_INTERVAL's "* * * * *" for fulfillment). A panic inside task is
// recovered and logged so one bad tick never takes down the process.
func (s *Scheduler) ScheduleCron(cronExpr string, name string, task func()) error {
	_, err := s.gc.Cron(cronExpr).Do(s.guarded(name, task))
	return err
}

// ScheduleEvery registers task to run on a fixed interval (maintenance's
// hourly re-listing pass, spec §4.2).
func (s *Scheduler) ScheduleEvery(interval time.Duration, name string, task func()) error {
	_, err := s.gc.Every(interval).Do(s.guarded(name, task))
	return err
}

// guarded wraps task so a panic is logged rather than propagated into
// gocron's job runner, which would otherwise take the whole scheduler down.
func (s *Scheduler) guarded(name string, task func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("scheduled task %s panicked: %v", name, r)
			}
		}()
		task()
	}
}

// Start runs every registered job asynchronously, in its own goroutine.
func (s *Scheduler) Start() {
	s.gc.StartAsync()
}

// Stop halts the scheduler, letting any in-flight job finish but starting no
// new ones.
func (s *Scheduler) Stop() {
	s.gc.Stop()
}
