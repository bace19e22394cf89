// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"sync"
	"time"

	"github.com/antonkrylov/xragent/internal/events"
)

// Memory records published events so tests can assert on them.
type Memory struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *Memory) Publish(_ context.Context, evt events.Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	m.mu.Lock()
	m.events = append(m.events, evt)
	m.mu.Unlock()
}

func (m *Memory) Close() {}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Event(nil), m.events...)
}

// Count returns how many events of kind were published.
func (m *Memory) Count(kind events.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
