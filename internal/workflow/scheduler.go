package workflow

import (
	"sync"
	"time"

	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

type scheduled struct {
	timer *time.Timer
	at    time.Time
}

// Scheduler fires callbacks at absolute wall-clock deadlines, keyed by
// entity ID. Scheduling an ID that already has a pending deadline replaces
// it, so the callback fires at most once per schedule: the deadline is
// always recomputed from the latest authoritative timestamp, never
// accumulated from relative delays.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*scheduled
	now     func() time.Time
	log     *logger.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		entries: make(map[string]*scheduled),
		now:     time.Now,
		log:     log,
	}
}

// Schedule arranges for fn to run at the given deadline. A deadline already
// in the past fires fn immediately on its own goroutine. An existing
// schedule for the same ID is replaced without firing.
func (s *Scheduler) Schedule(id string, at time.Time, fn func()) {
	s.mu.Lock()
	if old, ok := s.entries[id]; ok {
		old.timer.Stop()
		delete(s.entries, id)
	}

	delay := at.Sub(s.now())
	if delay <= 0 {
		s.mu.Unlock()
		s.log.WithField("id", id).Debug("deadline already elapsed, firing now")
		go fn()
		return
	}

	entry := &scheduled{at: at}
	entry.timer = time.AfterFunc(delay, func() {
		// Fire only if this entry is still the current schedule for the
		// ID; a concurrent Cancel or reschedule wins.
		s.mu.Lock()
		cur, ok := s.entries[id]
		if !ok || cur != entry {
			s.mu.Unlock()
			return
		}
		delete(s.entries, id)
		s.mu.Unlock()
		fn()
	})
	s.entries[id] = entry
	s.mu.Unlock()

	s.log.WithField("id", id).WithField("at", at).Debug("deadline scheduled")
}

// Cancel drops the pending schedule for the ID. Returns false when nothing
// was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, id)
	return true
}

// CancelAll drops every pending schedule. Invoked on logout.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, id)
	}
}

// Pending returns the number of schedules not yet fired or cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
