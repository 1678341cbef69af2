package services

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSchedulerRunsEntries(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	fired := make(chan struct{}, 1)
	if err := s.Every(time.Second, "tick", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("every: %v", err)
	}
	s.Start()
	defer s.Stop()

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Name != "tick" || entries[0].Next.IsZero() {
		t.Fatalf("entries: %+v", entries)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("entry never fired")
	}
}

func TestSchedulerRejectsBadSpecs(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	if err := s.Schedule("not a cron", "bad", func() {}); err == nil {
		t.Fatalf("invalid spec accepted")
	}
	if err := s.Every(0, "zero", func() {}); err == nil {
		t.Fatalf("zero interval accepted")
	}
	if len(s.Entries()) != 0 {
		t.Fatalf("rejected entries were registered")
	}
}
