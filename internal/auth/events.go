package auth

import (
	"sync"
	"time"
)

// Event is a fire-and-forget notification emitted by core operations for
// audit and projection purposes. Events never drive control flow: they are
// dispatched only after the transaction that produced them has committed, and
// observer failures never roll anything back.
type Event struct {
	Name       string            `json:"name"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Observer receives committed events on the emitting goroutine.
type Observer func(Event)

// Events fans committed events out to registered observers. A nil *Events is
// valid and drops everything.
type Events struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEvents constructs an empty observer list.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers an observer for all subsequent events.
func (e *Events) Subscribe(fn Observer) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

func (e *Events) emit(name string, at time.Time, fields map[string]string) {
	e.dispatch([]Event{{Name: name, OccurredAt: at, Fields: fields}})
}

func (e *Events) dispatch(events []Event) {
	if e == nil || len(events) == 0 {
		return
	}
	e.mu.RLock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range observers {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}
}

// eventLog collects the ordered events of one unit of work for dispatch after
// commit.
type eventLog struct {
	events []Event
}

func (l *eventLog) add(name string, at time.Time, fields map[string]string) {
	l.events = append(l.events, Event{Name: name, OccurredAt: at, Fields: fields})
}
