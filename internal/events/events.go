package events

import (
	"context"
	"sync"
	"time"
)

// Presentation-facing event types.
const (
	TypeProjectLoaded       = "project.loaded"
	TypeTaskMoved           = "task.moved"
	TypeTimelineAdjusted    = "timeline.adjusted"
	TypeStatusUpdateFailed  = "task.status_update_failed"
	TypeConversationState   = "conversation.state_changed"
	TypeConversationCleared = "conversation.cleared"
	TypeConversationFailed  = "conversation.failed"
)

type EventPayload map[string]any

type Event struct {
	Type       string
	ProjectID  int64
	EntityKind string
	EntityID   int64
	Payload    EventPayload
	TS         time.Time
}

// Notifier receives events emitted by the board engine and the assistant
// sessions. Implementations must not block for long; they run on the
// emitting goroutine.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) { f(ctx, evt) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(context.Context, Event) {})

// Bus fans an event out to every registered sink in registration order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Notifier
	Now   func() time.Time
}

func NewBus(sinks ...Notifier) *Bus {
	return &Bus{sinks: sinks, Now: time.Now}
}

func (b *Bus) Add(n Notifier) {
	b.mu.Lock()
	b.sinks = append(b.sinks, n)
	b.mu.Unlock()
}

func (b *Bus) Notify(ctx context.Context, evt Event) {
	if evt.TS.IsZero() {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		evt.TS = now().UTC()
	}
	b.mu.RLock()
	sinks := append([]Notifier(nil), b.sinks...)
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Notify(ctx, evt)
	}
}

// Recorder keeps every event it sees; handy for tests and for short-lived
// CLI invocations that print notifications after the fact.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(evtType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == evtType {
			out = append(out, e)
		}
	}
	return out
}
