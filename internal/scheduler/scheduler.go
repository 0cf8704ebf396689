// Package scheduler provides cron-based scheduling for DripFlow maintenance
// jobs, such as releasing stale execution claims and purging old runs.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs registered jobs on cron expressions.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a scheduler. Expressions use the standard
// five fields (min, hour, dom, month, dow). A panicking job is recovered so
// it cannot take the whole process down.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler job registered", "expr", expr, "entryID", id)
	return nil
}

// Stop stops the scheduler and waits for any job in flight to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
