package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs background maintenance and scheduled syncs on a cron.
type Scheduler struct {
	cron  *cron.Cron
	names map[cron.EntryID]string
	log   *zap.SugaredLogger
}

// EntryStatus describes one registered cron entry.
type EntryStatus struct {
	Name string    `json:"name"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		names: make(map[cron.EntryID]string),
		log:   logger.Sugar(),
	}
}

// Every runs fn at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, name string, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("interval for %s must be positive", name)
	}
	return s.Schedule("@every "+interval.String(), name, fn)
}

// Schedule runs fn on a standard five-field cron expression or descriptor.
func (s *Scheduler) Schedule(spec, name string, fn func()) error {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	s.names[id] = name
	s.log.Infof("Registered %s with schedule %q (Entry ID: %d)", name, spec, id)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, entry := range s.Entries() {
		s.log.Infof("Next %s scheduled at: %s", entry.Name, entry.Next.Format("2006-01-02 15:04:05"))
	}
}

// Stop halts the cron and waits for running entries to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) Entries() []EntryStatus {
	entries := s.cron.Entries()
	statuses := make([]EntryStatus, 0, len(entries))
	for _, entry := range entries {
		statuses = append(statuses, EntryStatus{
			Name: s.names[entry.ID],
			Next: entry.Next,
			Prev: entry.Prev,
		})
	}
	return statuses
}
