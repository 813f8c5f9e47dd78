package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session collects events for one run. The ID distinguishes runs when traces
// are saved side by side.
type Session struct {
	ID      uuid.UUID
	Started time.Time

	mu     sync.Mutex
	events []*Event
	enrich Enricher
}

// NewSession creates a session using the default enricher.
func NewSession() *Session {
	return &Session{
		ID:      uuid.New(),
		Started: time.Now(),
		enrich:  DefaultEnricher,
	}
}

// SetEnricher replaces the enricher applied to recorded events.
func (s *Session) SetEnricher(fn Enricher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrich = fn
}

// Record creates, enriches and stores an event.
func (s *Session) Record(pc uint64, category, name, detail string) *Event {
	e := NewEvent(pc, category, name, detail)

	s.mu.Lock()
	if s.enrich != nil {
		s.enrich(e)
	}
	s.events = append(s.events, e)
	s.mu.Unlock()
	return e
}

// Add stores an already-built event.
func (s *Session) Add(e *Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Drain returns the collected events and clears the session.
func (s *Session) Drain() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

// Len returns the number of collected events.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
