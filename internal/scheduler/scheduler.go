// Package scheduler fires stored automations on their cron schedules.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Handler is the callback invoked when a scheduled automation fires.
type Handler func(goal string)

// Scheduler evaluates cron expressions from the automation store and fires
// goals through a handler callback, typically the dispatcher's Submit.
type Scheduler struct {
	store   *AutomationStore
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler backed by the given automation store. The handler
// is called each time an automation fires.
func New(store *AutomationStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads automations from the store, registers enabled ones as cron
// entries, and starts the cron ticker.
func (s *Scheduler) Start() error {
	automations, err := s.store.List()
	if err != nil {
		return err
	}

	for _, automation := range automations {
		if automation.Schedule == "" || !automation.Enabled {
			continue
		}

		// Capture loop variables for the closure.
		goal := automation.Goal
		schedule := automation.Schedule
		name := automation.Name

		_, err := s.cron.AddFunc(schedule, func() {
			slog.Info("cron firing automation", "name", name)
			s.handler(goal)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", schedule, "error", err)
			continue
		}
		slog.Info("scheduled automation", "name", name, "schedule", schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and calls Start again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
