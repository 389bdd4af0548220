// Package scheduler provides scheduling logic for TwinPulse.
//
// It drives the recurring ticks of the automation engine (priority-band
// processing, rule evaluation sweeps, the stuck-action watchdog) using cron
// expressions and fixed intervals.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) plus
	// descriptors so "@every 30s" interval jobs work. Panics in jobs are
	// recovered so one bad tick cannot take down the scheduler.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddIntervalJob schedules a task to run at a fixed interval.
// The interval must be at least one second.
func (s *Scheduler) AddIntervalJob(interval time.Duration, task func()) error {
	if interval < time.Second {
		return fmt.Errorf("interval %v too short, minimum is 1s", interval)
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
