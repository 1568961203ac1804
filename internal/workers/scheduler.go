package workers

import (
	"context"
	"time"

	"github.com/ouyangCL/remote-build/internal/logger"
)

// DailySchedule is a wall-clock time of day in the scheduler's location.
type DailySchedule struct {
	Hour   int
	Minute int
}

// Scheduler fires the retention sweeps once per day at a fixed local
// time. A sweep error is logged and the schedule keeps going.
type Scheduler struct {
	loc *time.Location
	log logger.Logger
}

func NewScheduler(loc *time.Location, log logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{loc: loc, log: log}
}

// nextRun is the first instant matching the schedule strictly after now.
// A sweep that fires at exactly its scheduled time waits a full day for
// the next one.
func nextRun(now time.Time, at DailySchedule, loc *time.Location) time.Time {
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) RunDaily(ctx context.Context, at DailySchedule, worker Worker) {
	go func() {
		for {
			timer := time.NewTimer(time.Until(nextRun(time.Now(), at, s.loc)))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.log.Debug("daily worker stopped", "name", worker.Name())
				return
			case <-timer.C:
				start := time.Now()
				if err := worker.Run(ctx); err != nil {
					s.log.Error("worker failed", "name", worker.Name(), "error", err)
					continue
				}
				s.log.Debug("worker finished", "name", worker.Name(), "time", time.Since(start))
			}
		}
	}()
}
