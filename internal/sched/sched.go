// Package sched provides a coalescing timer scheduler: at most one pending
// timer per key, rescheduling replaces the previous one. The ack debounce,
// reconnect backoff, and heartbeat timers all run through one Scheduler so
// no timer class can double-fire for an endpoint.
package sched

import (
	"sync"
	"time"
)

// Scheduler owns a set of keyed one-shot timers.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after delay under the given key. A timer already
// pending for the key is cancelled first, so the latest schedule wins.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

// Pending reports whether a timer is currently armed for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Cancel stops and removes the timer for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels every pending timer and rejects future schedules. Used on
// screen/session teardown so no orphaned callback fires afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
