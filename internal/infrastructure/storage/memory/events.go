package memory

import (
	"context"
	"sync"

	"stockledger/internal/domain/events"
)

// EventLog records published events in order.
type EventLog struct {
	mu     sync.Mutex
	events []events.Event
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Publish(_ context.Context, evts ...events.Event) error {
	l.mu.Lock()
	l.events = append(l.events, evts...)
	l.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (l *EventLog) Events() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

// OfType returns the published events with the given type.
func (l *EventLog) OfType(eventType string) []events.Event {
	var out []events.Event
	for _, e := range l.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

var _ events.Publisher = (*EventLog)(nil)
