// Package assistant keeps one conversation per task with the remote task
// assistant. The server sequences messages; sessions only ever replace their
// local sequence with what the server returned.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/metrics"
	"boardline/internal/observe"
)

var (
	ErrEmptyMessage     = errors.New("assistant: message is empty")
	ErrExchangeInFlight = errors.New("assistant: exchange already in flight")
	ErrClosed           = errors.New("assistant: session closed")
)

// errSkip marks a state transition that was deliberately not taken.
var errSkip = errors.New("skip")

// Remote is the conversation half of the planning service.
type Remote interface {
	FetchConversation(ctx context.Context, taskID int64) ([]domain.Message, error)
	SendMessage(ctx context.Context, taskID int64, content string) ([]domain.Message, error)
	ClearConversation(ctx context.Context, taskID int64) error
}

// State is the observable state of a session.
type State struct {
	Messages []domain.Message `json:"messages"`
	Loading  bool             `json:"loading"`
	Sending  bool             `json:"sending"`
	Loaded   bool             `json:"loaded"`
}

// InFlight reports whether a remote exchange is running.
func (s State) InFlight() bool { return s.Loading || s.Sending }

func (s State) clone() State {
	s.Messages = domain.CloneMessages(s.Messages)
	return s
}

type Session struct {
	task     TaskContext
	remote   Remote
	template string
	notify   events.Notifier
	metrics  *metrics.Recorder
	log      *slog.Logger
	now      func() time.Time

	state  *observe.Value[State]
	closed atomic.Bool
}

func newSession(tc TaskContext, opts Options) *Session {
	s := &Session{
		task:     tc,
		remote:   opts.Remote,
		template: opts.GuidancePrompt,
		notify:   opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
		state:    observe.NewValue(State{}),
	}
	if s.notify == nil {
		s.notify = events.Discard
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = s.log.With("task_id", tc.TaskID)
	return s
}

// Task returns the context the session was opened with.
func (s *Session) Task() TaskContext { return s.task }

// State returns a copy of the current state.
func (s *Session) State() State { return s.state.Get().clone() }

// Subscribe calls fn after every state write.
func (s *Session) Subscribe(fn func(State)) func() {
	return s.state.Subscribe(func(st State) { fn(st.clone()) })
}

// Open loads the conversation and seeds it when the server has none. It is
// a no-op when the session is loaded or an exchange is already running.
func (s *Session) Open(ctx context.Context) error {
	err := s.transition(ctx, func(st *State) error {
		if st.Loaded || st.InFlight() {
			return errSkip
		}
		st.Loading = true
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	start := s.now()
	msgs, err := s.remote.FetchConversation(ctx, s.task.TaskID)
	if s.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		s.fail(ctx, "load", start, err, func(st *State) { st.Loading = false })
		return err
	}
	s.metrics.RecordExchange(ctx, "load", "ok", s.now().Sub(start))
	if len(msgs) > 0 {
		_ = s.transition(ctx, func(st *State) error {
			st.Messages = domain.CloneMessages(msgs)
			st.Loading = false
			st.Loaded = true
			return nil
		})
		return nil
	}
	// Hand the in-flight guard from the load straight to the seed so no
	// other exchange can start in between.
	_ = s.transition(ctx, func(st *State) error {
		st.Messages = nil
		st.Loading = false
		st.Sending = true
		return nil
	})
	return s.seed(ctx)
}

// Seed sends the guidance turn and adopts the server's sequence.
func (s *Session) Seed(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	return s.seed(ctx)
}

// Send submits a user turn. Whitespace-only text is rejected before any
// remote call.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	start := s.now()
	msgs, err := s.remote.SendMessage(ctx, s.task.TaskID, text)
	if s.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		s.fail(ctx, "send", start, err, func(st *State) { st.Sending = false })
		return err
	}
	s.metrics.RecordExchange(ctx, "send", "ok", s.now().Sub(start))
	_ = s.transition(ctx, func(st *State) error {
		st.Messages = domain.CloneMessages(msgs)
		st.Sending = false
		st.Loaded = true
		return nil
	})
	return nil
}

// Clear deletes the conversation on the server and seeds a fresh one. The
// in-flight guard is held across both calls.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	start := s.now()
	err := s.remote.ClearConversation(ctx, s.task.TaskID)
	if s.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		s.fail(ctx, "clear", start, err, func(st *State) { st.Sending = false })
		return err
	}
	s.metrics.RecordExchange(ctx, "clear", "ok", s.now().Sub(start))
	_ = s.transition(ctx, func(st *State) error {
		st.Messages = nil
		st.Loaded = false
		return nil
	})
	s.notify.Notify(ctx, s.event(events.TypeConversationCleared, events.EventPayload{"task_id": s.task.TaskID}))
	return s.seed(ctx)
}

// Close makes the session discard results of calls still in flight.
func (s *Session) Close() { s.closed.Store(true) }

// acquire takes the sending guard.
func (s *Session) acquire(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.transition(ctx, func(st *State) error {
		if st.InFlight() {
			return ErrExchangeInFlight
		}
		st.Sending = true
		return nil
	})
}

// seed runs with the sending guard held and always releases it.
func (s *Session) seed(ctx context.Context) error {
	start := s.now()
	prompt := GuidancePrompt(s.template, s.task)
	msgs, err := s.remote.SendMessage(ctx, s.task.TaskID, prompt)
	if s.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		s.fail(ctx, "seed", start, err, func(st *State) { st.Sending = false })
		return err
	}
	s.metrics.RecordExchange(ctx, "seed", "ok", s.now().Sub(start))
	_ = s.transition(ctx, func(st *State) error {
		st.Messages = domain.CloneMessages(msgs)
		st.Sending = false
		st.Loaded = true
		return nil
	})
	return nil
}

// fail resets flags via reset, leaving messages as they were, and reports.
func (s *Session) fail(ctx context.Context, op string, start time.Time, err error, reset func(*State)) {
	s.log.Warn("assistant exchange failed", "op", op, "err", err)
	s.metrics.RecordExchange(ctx, op, "failed", s.now().Sub(start))
	_ = s.transition(ctx, func(st *State) error {
		reset(st)
		return nil
	})
	s.notify.Notify(ctx, s.event(events.TypeConversationFailed, events.EventPayload{
		"task_id": s.task.TaskID,
		"op":      op,
		"error":   err.Error(),
	}))
}

// transition applies fn atomically and emits a state event when a flag
// changed. An error from fn aborts the write and is returned.
func (s *Session) transition(ctx context.Context, fn func(st *State) error) error {
	var (
		before State
		fnErr  error
	)
	next, _, ok := s.state.Update(func(cur State) (State, bool) {
		before = cur
		st := cur
		if fnErr = fn(&st); fnErr != nil {
			return cur, false
		}
		return st, true
	})
	if !ok {
		return fnErr
	}
	if before.Loading != next.Loading || before.Sending != next.Sending {
		s.notify.Notify(ctx, s.event(events.TypeConversationState, events.EventPayload{
			"task_id":  s.task.TaskID,
			"loading":  next.Loading,
			"sending":  next.Sending,
			"messages": len(next.Messages),
		}))
	}
	return nil
}

func (s *Session) event(typ string, payload events.EventPayload) events.Event {
	return events.Event{
		Type:       typ,
		ProjectID:  s.task.ProjectID,
		EntityKind: "task",
		EntityID:   s.task.TaskID,
		Payload:    payload,
	}
}
